// Package handshake implements the OpenVPN application-level credential
// exchange that rides over the TLS control channel once the handshake
// completes: building the outbound key-material-plus-credentials blob,
// re-entrantly parsing the server's reply, and parsing PUSH_REPLY
// messages.
package handshake

import (
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pia-foss/tunnelkit-go/internal/bytesx"
	"github.com/pia-foss/tunnelkit-go/internal/model"
)

// prefixSize is the 4-byte all-zero prefix both directions of the
// key-material blob start with.
const prefixSize = 4

// BuildKeyMaterial constructs the outbound key-material-plus-credentials
// blob sent as TLS application data once the handshake completes. The
// returned buffer holds the pre-master secret and the credentials in the
// clear; callers must Destroy() it once it has been handed to the TLS
// engine.
func BuildKeyMaterial(preMaster, random1, random2 []byte, username, password, peerInfo string) (*bytesx.ZeroingBytes, error) {
	z := bytesx.NewZeroingBytes(make([]byte, 0, 4+48+32+32+3+len(username)+len(password)+len(peerInfo)+9))
	z.Append(make([]byte, prefixSize))
	z.Append(preMaster)
	z.Append(random1)
	z.Append(random2)

	// len_opts = 1, byte 0: an empty options string still encodes as a
	// 2-byte length field of 1 followed by a single NUL.
	opts, err := bytesx.EncodeOptionString("")
	if err != nil {
		return nil, err
	}
	z.Append(opts)

	user, err := bytesx.EncodeOptionString(username)
	if err != nil {
		return nil, err
	}
	z.Append(user)

	pass, err := bytesx.EncodeOptionString(password)
	if err != nil {
		return nil, err
	}
	z.Append(pass)

	info, err := bytesx.EncodeOptionString(peerInfo)
	if err != nil {
		return nil, err
	}
	z.Append(info)

	return z, nil
}

// Authenticator parses the server's reply to the key-material blob: the
// fixed prefix, server randoms, server options, and zero or more
// NUL-terminated control messages (AUTH_FAILED, PUSH_REPLY,...). It is
// re-entrant: Feed accumulates TLS plaintext across calls, yields
// (ServerRandom1, ServerRandom2, ServerOpts) exactly once the fixed-size
// prefix completes, and surfaces every later call's data as messages.
type Authenticator struct {
	acc          *bytesx.ZeroingBytes
	prefixParsed bool
	pending      []byte

	ServerRandom1 [32]byte
	ServerRandom2 [32]byte
	ServerOpts    string
}

// NewAuthenticator returns a ready-to-use Authenticator.
func NewAuthenticator() *Authenticator {
	return &Authenticator{acc: bytesx.NewZeroingBytes(nil)}
}

// Feed appends data (one TLS plaintext read) to the parser. It returns
// gotPrefix=true once the fixed prefix (and thus ServerRandom1/2/ServerOpts)
// has been parsed, which may take several calls if the caller feeds short
// reads, plus any complete
// NUL-terminated messages found so far (server options and messages are
// two independent streams: the prefix is parsed once, messages accumulate
// across every call after that).
func (a *Authenticator) Feed(data []byte) (gotPrefix bool, messages []string, err error) {
	if !a.prefixParsed {
		a.acc.Append(data)
		const minPrefixHeader = prefixSize + 32 + 32 + 2
		if a.acc.Len() < minPrefixHeader {
			return false, nil, nil
		}
		view := a.acc.View()
		for _, b := range view[:prefixSize] {
			if b != 0 {
				return false, nil, ErrWrongPrefix
			}
		}
		copy(a.ServerRandom1[:], view[prefixSize:prefixSize+32])
		copy(a.ServerRandom2[:], view[prefixSize+32:prefixSize+64])
		optsLen := int(binary.BigEndian.Uint16(view[prefixSize+64 : prefixSize+66]))
		total := minPrefixHeader + optsLen
		if a.acc.Len() < total {
			return false, nil, nil
		}
		optsBytes := view[minPrefixHeader:total]
		if optsLen > 0 && optsBytes[optsLen-1] != 0x00 {
			return false, nil, ErrMalformedOpts
		}
		if optsLen > 0 {
			a.ServerOpts = string(optsBytes[:optsLen-1])
		}
		a.prefixParsed = true
		a.pending = append([]byte{}, view[total:]...)
		a.acc.Destroy()
		return true, a.extractMessages(), nil
	}

	a.pending = append(a.pending, data...)
	return true, a.extractMessages(), nil
}

// extractMessages pulls every complete NUL-terminated string out of
// a.pending, leaving any incomplete trailing message buffered for the
// next Feed call.
func (a *Authenticator) extractMessages() []string {
	var out []string
	for {
		idx := indexByte(a.pending, 0x00)
		if idx < 0 {
			break
		}
		out = append(out, string(a.pending[:idx]))
		a.pending = a.pending[idx+1:]
	}
	return out
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// IsAuthFailed reports whether msg is the server's AUTH_FAILED message.
func IsAuthFailed(msg string) bool {
	return msg == "AUTH_FAILED" || strings.HasPrefix(msg, "AUTH_FAILED,")
}

// IsPushReply reports whether msg is a PUSH_REPLY message.
func IsPushReply(msg string) bool {
	return strings.HasPrefix(msg, "PUSH_REPLY,")
}

// ParsePushReply parses a "PUSH_REPLY,directive,directive,..." message
// into a model.TunnelInfo. Unrecognized directives are ignored rather
// than rejected, since the server is free to push directives this engine
// doesn't act on.
func ParsePushReply(msg string) (*model.TunnelInfo, error) {
	if !IsPushReply(msg) {
		return nil, ErrNotPushReply
	}
	body := strings.TrimPrefix(msg, "PUSH_REPLY,")
	ti := &model.TunnelInfo{PeerID: model.PeerIDDisabled}

	for _, directive := range strings.Split(body, ",") {
		fields := strings.Fields(directive)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "ifconfig":
			if len(fields) >= 3 {
				ti.IP = fields[1]
				ti.NetMask = fields[2]
			}
		case "route-gateway":
			if len(fields) >= 2 {
				ti.GW = fields[1]
			}
		case "peer-id":
			if len(fields) >= 2 {
				if id, err := strconv.Atoi(fields[1]); err == nil {
					ti.PeerID = id
				}
			}
		case "tun-mtu":
			if len(fields) >= 2 {
				if mtu, err := strconv.Atoi(fields[1]); err == nil {
					ti.MTU = mtu
				}
			}
		case "route":
			ti.Routes = append(ti.Routes, strings.Join(fields[1:], " "))
		case "dhcp-option":
			if len(fields) >= 3 && fields[1] == "DNS" {
				ti.DNS = append(ti.DNS, fields[2])
			}
		case "auth-token":
			if len(fields) >= 2 {
				ti.AuthToken = fields[1]
			}
		}
	}
	return ti, nil
}
