package model

import "time"

// CompressionFraming is the one-byte compression-framing prefix prepended
// to data-channel plaintext. No actual compression is ever performed;
// only the framing byte is handled.
type CompressionFraming int

const (
	// CompressionFramingDisabled means no framing byte is prepended.
	CompressionFramingDisabled CompressionFraming = iota

	// CompressionFramingLZONo is --comp-lzo's "no compression" framing
	// (0xFA).
	CompressionFramingLZONo

	// CompressionFramingCompressStub is --compress's v2.4+ "stub" framing
	// (0xFB).
	CompressionFramingCompressStub
)

// Byte returns the wire-level framing byte for this mode, and ok=false if
// this mode prepends no byte at all.
func (c CompressionFraming) Byte() (b byte, ok bool) {
	switch c {
	case CompressionFramingLZONo:
		return 0xFA, true
	case CompressionFramingCompressStub:
		return 0xFB, true
	default:
		return 0, false
	}
}

// TLSWrapStrategy selects how control-channel packets are wrapped before
// hitting the wire.
type TLSWrapStrategy int

const (
	// TLSWrapNone disables tls-auth/tls-crypt.
	TLSWrapNone TLSWrapStrategy = iota
	// TLSWrapAuth is --tls-auth: an HMAC wrap with no encryption.
	TLSWrapAuth
	// TLSWrapCrypt is --tls-crypt: AES-256-CTR encryption plus HMAC-SHA256.
	TLSWrapCrypt
)

// TLSWrap is the optional pre-shared-key wrap applied to control-channel
// packets, derived from a 256-byte OpenVPN static key file split into four
// 64-byte subkeys.
type TLSWrap struct {
	Strategy TLSWrapStrategy
	// Key is the raw 256-byte static key file content.
	Key []byte
}

// Config is the immutable, per-session configuration.
type Config struct {
	Cipher string
	Auth   string

	CA         []byte
	ClientCert []byte
	ClientKey  []byte

	CompressionFraming CompressionFraming

	TLSWrap *TLSWrap

	KeepAliveInterval time.Duration
	PingTimeout       time.Duration

	RenegotiatesAfter  time.Duration
	NegotiationTimeout time.Duration

	UsesPIAPatches bool

	MTU int

	Username string
	Password string
	// AuthToken, when set, is reused instead of Username/Password on
	// renegotiation.
	AuthToken string

	logger Logger
	tracer HandshakeTracer
}

// Logger returns the configured Logger, or a stdlib-backed default.
func (c *Config) Logger() Logger {
	if c == nil || c.logger == nil {
		return DefaultLogger{}
	}
	return c.logger
}

// SetLogger overrides the Logger used by this Config.
func (c *Config) SetLogger(l Logger) {
	c.logger = l
}

// Tracer returns the configured HandshakeTracer, or a no-op default.
func (c *Config) Tracer() HandshakeTracer {
	if c == nil || c.tracer == nil {
		return NoopTracer()
	}
	return c.tracer
}

// SetTracer overrides the HandshakeTracer used by this Config.
func (c *Config) SetTracer(t HandshakeTracer) {
	c.tracer = t
}
