package model

// PacketID is a 32-bit monotonically increasing counter, one per direction,
// used both by the control channel's reliability layer and (for AEAD and
// CBC ciphers alike) by the data channel's replay window.
type PacketID uint32

// PacketIDSize is the wire size, in bytes, of a PacketID.
const PacketIDSize = 4
