package model

import (
	"encoding/binary"
	"fmt"
)

// maxACKs is the largest number of packet ids that fit the one-byte ack
// count field.
const maxACKs = 255

// Packet is the in-memory representation of both control and data OpenVPN
// packets. Which fields are meaningful depends on Opcode: ACK packets
// carry no ID/Payload; data packets carry none of the control-only fields.
type Packet struct {
	Opcode Opcode
	KeyID  uint8

	// PeerID is only present (and only serialized) for P_DATA_V2 packets.
	PeerID [3]byte

	LocalSessionID  SessionID
	RemoteSessionID SessionID

	// ACKs is the list of packet ids being acknowledged. May be non-empty on
	// any control packet (acks piggyback on the next outgoing packet),
	// mandatory (and the only content) on P_ACK_V1.
	ACKs []PacketID

	// ID is this packet's own id. Control-channel packets get a control
	// packet id. Unused on acks and not serialized for data packets, whose
	// data packet id travels inside Payload.
	ID PacketID

	// Payload is the control-channel TLS record fragment, or (for data
	// packets) the encrypted/framed tunnel payload.
	Payload []byte
}

// NewPacket builds a Packet with the given opcode/keyID/payload. Session
// ids and packet id are left at their zero value; callers (normally
// [session.Manager]) fill those in.
func NewPacket(opcode Opcode, keyID uint8, payload []byte) *Packet {
	return &Packet{
		Opcode:  opcode,
		KeyID:   keyID,
		Payload: payload,
	}
}

// IsControl reports whether this is a control-channel packet.
func (p *Packet) IsControl() bool { return p.Opcode.IsControl() }

// IsData reports whether this is a data-channel packet.
func (p *Packet) IsData() bool { return p.Opcode.IsData() }

// IsACK reports whether this is a standalone ack packet.
func (p *Packet) IsACK() bool { return p.Opcode.IsACK() }

// IsHardReset reports whether this is a hard-reset packet (client or
// server, any version).
func (p *Packet) IsHardReset() bool { return p.Opcode.IsHardReset() }

// Bytes serializes p into its wire representation.
func (p *Packet) Bytes() []byte {
	if p.IsData() {
		return p.dataBytes()
	}
	return p.controlBytes()
}

func (p *Packet) dataBytes() []byte {
	out := make([]byte, 0, 4+len(p.Payload))
	out = append(out, muxOpcodeKey(p.Opcode, p.KeyID))
	if p.Opcode == P_DATA_V2 {
		out = append(out, p.PeerID[:]...)
	}
	out = append(out, p.Payload...)
	return out
}

func (p *Packet) controlBytes() []byte {
	out := make([]byte, 0, 64+len(p.Payload))
	out = append(out, muxOpcodeKey(p.Opcode, p.KeyID))
	out = append(out, p.LocalSessionID[:]...)

	ackLen := len(p.ACKs)
	if ackLen > maxACKs {
		ackLen = maxACKs
	}
	out = append(out, byte(ackLen))
	for _, id := range p.ACKs[:ackLen] {
		var b [PacketIDSize]byte
		binary.BigEndian.PutUint32(b[:], uint32(id))
		out = append(out, b[:]...)
	}
	if ackLen > 0 {
		out = append(out, p.RemoteSessionID[:]...)
	}

	if !p.IsACK() {
		var b [PacketIDSize]byte
		binary.BigEndian.PutUint32(b[:], uint32(p.ID))
		out = append(out, b[:]...)
		out = append(out, p.Payload...)
	}
	return out
}

// ParsePacket decodes buf into a Packet. It returns [ErrShortPacket] if
// buf is truncated and [ErrUnknownOpcode] if the opcode is not recognized;
// both are drop-with-warning conditions and must never be treated as
// fatal by callers.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) < 1 {
		return nil, ErrShortPacket
	}
	opcode, keyID := demuxOpcodeKey(buf[0])
	if !validOpcode(opcode) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpcode, uint8(opcode))
	}
	p := &Packet{Opcode: opcode, KeyID: keyID}
	buf = buf[1:]

	if p.IsData() {
		if opcode == P_DATA_V2 {
			if len(buf) < 3 {
				return nil, ErrShortPacket
			}
			copy(p.PeerID[:], buf[:3])
			buf = buf[3:]
		}
		p.Payload = append([]byte{}, buf...)
		return p, nil
	}

	if len(buf) < 8 {
		return nil, ErrShortPacket
	}
	copy(p.LocalSessionID[:], buf[:8])
	buf = buf[8:]

	if len(buf) < 1 {
		return nil, ErrShortPacket
	}
	ackLen := int(buf[0])
	buf = buf[1:]

	if len(buf) < ackLen*PacketIDSize {
		return nil, ErrShortPacket
	}
	for i := 0; i < ackLen; i++ {
		p.ACKs = append(p.ACKs, PacketID(binary.BigEndian.Uint32(buf[:PacketIDSize])))
		buf = buf[PacketIDSize:]
	}

	if ackLen > 0 {
		if len(buf) < 8 {
			return nil, ErrShortPacket
		}
		copy(p.RemoteSessionID[:], buf[:8])
		buf = buf[8:]
	}

	if p.IsACK() {
		return p, nil
	}

	if len(buf) < PacketIDSize {
		return nil, ErrShortPacket
	}
	p.ID = PacketID(binary.BigEndian.Uint32(buf[:PacketIDSize]))
	buf = buf[PacketIDSize:]
	p.Payload = append([]byte{}, buf...)
	return p, nil
}

func validOpcode(o Opcode) bool {
	switch o {
	case P_CONTROL_HARD_RESET_CLIENT_V1,
		P_CONTROL_HARD_RESET_SERVER_V1,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_ACK_V1,
		P_DATA_V1,
		P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_DATA_V2,
		P_CONTROL_HARD_RESET_CLIENT_V3:
		return true
	default:
		return false
	}
}
