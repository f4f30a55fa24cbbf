package controlchannel

import (
	"encoding/binary"

	"github.com/pia-foss/tunnelkit-go/internal/crypto"
	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// wrapState implements the optional pre-shared-key wrap applied to every
// control-channel packet before it touches the wire. Both tls-auth and
// tls-crypt packets carry an extended header
// (replay id, timestamp) ahead of the rest of the packet; the header must
// be monotonic across the lifetime of a wrapState, which is one per
// session (a fresh session gets a fresh wrapState, so the replay id
// restarts at 1 along with a fresh HMAC/cipher key pair).
type wrapState struct {
	strategy model.TLSWrapStrategy
	key      *crypto.StaticKey

	localReplayID uint32

	sawFirst           bool
	lastRemoteReplayID uint32
}

// newWrapState builds a wrapState from the session configuration's
// optional TLSWrap, or returns (nil, nil) if no wrap is configured.
func newWrapState(tw *model.TLSWrap) (*wrapState, error) {
	if tw == nil || tw.Strategy == model.TLSWrapNone {
		return nil, nil
	}
	key, err := crypto.SplitStaticKey(tw.Key)
	if err != nil {
		return nil, err
	}
	return &wrapState{strategy: tw.Strategy, key: key, localReplayID: 1}, nil
}

// wrap wraps raw (a fully-serialized control Packet) for the wire, given
// the current wall-clock time as a Unix timestamp.
func (w *wrapState) wrap(raw []byte, nowUnix uint32) ([]byte, error) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], w.localReplayID)
	binary.BigEndian.PutUint32(header[4:8], nowUnix)
	w.localReplayID++

	switch w.strategy {
	case model.TLSWrapAuth:
		// tls-auth never encrypts: the header rides in the clear as part
		// of the HMAC-covered body, right alongside the packet it guards.
		body := make([]byte, 0, 8+len(raw))
		body = append(body, header[:]...)
		body = append(body, raw...)
		return crypto.TLSAuthWrap(w.key.EncryptHMACKey, body), nil

	case model.TLSWrapCrypt:
		// tls-crypt encrypts the packet itself; the header doubles as the
		// AES-CTR nonce and so must stay in the clear too (it's the IV,
		// authenticated by the HMAC tag but never encrypted).
		iv := make([]byte, 16)
		copy(iv, header[:])
		return crypto.TLSCryptWrap(w.key.EncryptCipherKey, w.key.EncryptHMACKey, iv, raw)

	default:
		return nil, ErrUnknownWrapStrategy
	}
}

// unwrap is the inverse of wrap: it verifies the wire bytes, checks the
// extended header's replay id advanced past the last one seen, and
// returns the enclosed raw control packet bytes.
func (w *wrapState) unwrap(wrapped []byte) ([]byte, error) {
	var header [8]byte
	var raw []byte

	switch w.strategy {
	case model.TLSWrapAuth:
		body, err := crypto.TLSAuthUnwrap(w.key.DecryptHMACKey, wrapped)
		if err != nil {
			return nil, err
		}
		if len(body) < 8 {
			return nil, ErrShortWrappedPacket
		}
		copy(header[:], body[:8])
		raw = body[8:]

	case model.TLSWrapCrypt:
		// TLSCryptUnwrap hands back only the decrypted payload; the clear
		// header lives in the wire bytes themselves, right after the tag.
		const tagSize = 32
		if len(wrapped) < tagSize+16 {
			return nil, ErrShortWrappedPacket
		}
		copy(header[:], wrapped[tagSize:tagSize+8])
		plaintext, err := crypto.TLSCryptUnwrap(w.key.DecryptCipherKey, w.key.DecryptHMACKey, wrapped)
		if err != nil {
			return nil, err
		}
		raw = plaintext

	default:
		return nil, ErrUnknownWrapStrategy
	}

	replayID := binary.BigEndian.Uint32(header[0:4])
	if w.sawFirst && replayID <= w.lastRemoteReplayID {
		return nil, ErrReplayedWrap
	}
	w.sawFirst = true
	w.lastRemoteReplayID = replayID
	return raw, nil
}
