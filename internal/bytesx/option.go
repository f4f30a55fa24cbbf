package bytesx

import (
	"encoding/binary"
	"math"
)

// EncodeOptionString encodes s in the length-prefixed, null-terminated
// wire format used for TLS-tunneled option/username/password/peer-info
// fields: a 2-byte big-endian length covering the string plus its
// trailing NUL, the string bytes, and a trailing 0x00.
func EncodeOptionString(s string) ([]byte, error) {
	if len(s)+1 > math.MaxUint16 {
		return nil, ErrEncodeOption
	}
	out := make([]byte, 2+len(s)+1)
	binary.BigEndian.PutUint16(out[:2], uint16(len(s)+1))
	copy(out[2:], s)
	out[len(out)-1] = 0x00
	return out, nil
}

// DecodeOptionString decodes the format written by EncodeOptionString,
// returning the string and the number of bytes consumed from b.
func DecodeOptionString(b []byte) (string, int, error) {
	if len(b) < 2 {
		return "", 0, ErrDecodeOption
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	if length == 0 {
		return "", 0, ErrDecodeOption
	}
	if len(b) < 2+length {
		return "", 0, ErrDecodeOption
	}
	payload := b[2 : 2+length]
	if payload[len(payload)-1] != 0x00 {
		return "", 0, ErrDecodeOption
	}
	return string(payload[:len(payload)-1]), 2 + length, nil
}
