package model

import "fmt"

// Opcode is the five-bit packet-type tag that occupies the upper bits of
// the first byte of every OpenVPN packet. The lower three bits of that
// same byte carry the key id (see [Packet.KeyID]).
type Opcode uint8

// NumberOfKeys is the modulus of the 3-bit key id space. Key id 0 is
// reserved for the packets exchanged during the initial hard reset.
const NumberOfKeys = 8

// Recognized opcodes. Values match the wire-level OpenVPN protocol opcodes
// (see https://build.openvpn.net/doxygen/network_protocol.html); any value
// outside this set is an unknown opcode and must be dropped, never treated
// as fatal.
const (
	_ Opcode = iota
	P_CONTROL_HARD_RESET_CLIENT_V1
	P_CONTROL_HARD_RESET_SERVER_V1
	P_CONTROL_SOFT_RESET_V1
	P_CONTROL_V1
	P_ACK_V1
	P_DATA_V1
	P_CONTROL_HARD_RESET_CLIENT_V2
	P_CONTROL_HARD_RESET_SERVER_V2
	P_DATA_V2
	P_CONTROL_HARD_RESET_CLIENT_V3
)

// String implements fmt.Stringer.
func (o Opcode) String() string {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1:
		return "P_CONTROL_HARD_RESET_CLIENT_V1"
	case P_CONTROL_HARD_RESET_SERVER_V1:
		return "P_CONTROL_HARD_RESET_SERVER_V1"
	case P_CONTROL_SOFT_RESET_V1:
		return "P_CONTROL_SOFT_RESET_V1"
	case P_CONTROL_V1:
		return "P_CONTROL_V1"
	case P_ACK_V1:
		return "P_ACK_V1"
	case P_DATA_V1:
		return "P_DATA_V1"
	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case P_DATA_V2:
		return "P_DATA_V2"
	case P_CONTROL_HARD_RESET_CLIENT_V3:
		return "P_CONTROL_HARD_RESET_CLIENT_V3"
	default:
		return fmt.Sprintf("P_UNKNOWN(%d)", uint8(o))
	}
}

// IsControl returns whether this opcode belongs to the control channel
// (as opposed to the data channel).
func (o Opcode) IsControl() bool {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_ACK_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}

// IsData returns whether this opcode belongs to the data channel.
func (o Opcode) IsData() bool {
	return o == P_DATA_V1 || o == P_DATA_V2
}

// IsACK returns whether this opcode is a standalone ack.
func (o Opcode) IsACK() bool {
	return o == P_ACK_V1
}

// IsHardReset returns whether this opcode is any hard-reset variant.
func (o Opcode) IsHardReset() bool {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}

// muxOpcodeKey packs an opcode and a key id into the first byte of a packet.
func muxOpcodeKey(opcode Opcode, keyID uint8) uint8 {
	return uint8(opcode)<<3 | (keyID & 0x07)
}

// demuxOpcodeKey unpacks the first byte of a packet into an opcode and a key id.
func demuxOpcodeKey(b uint8) (Opcode, uint8) {
	return Opcode(b >> 3), b & 0x07
}
