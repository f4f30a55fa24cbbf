package model

import "errors"

// taggedError is a sentinel error tagged with whether the session engine
// should try to reconnect after it fires, or shut down for good.
type taggedError struct {
	error
	recoverable bool
}

// Recoverable returns whether the session engine should attempt a
// reconnect (true) or shut down for good (false) after this error.
func (e *taggedError) Recoverable() bool {
	return e.recoverable
}

func newFatal(msg string) error {
	return &taggedError{error: errors.New(msg), recoverable: false}
}

func newRecoverable(msg string) error {
	return &taggedError{error: errors.New(msg), recoverable: true}
}

// Recoverable reports whether err, if it is (or wraps) one of the
// session-fatal error kinds below, should trigger a reconnect rather than
// a final shutdown. Errors that don't implement the interface are treated
// as non-recoverable.
func Recoverable(err error) bool {
	var re interface{ Recoverable() bool }
	if errors.As(err, &re) {
		return re.Recoverable()
	}
	return false
}

// The session error taxonomy. Each kind is either fatal (shutdown) or
// recoverable (reconnect); malformed-packet conditions are handled
// separately (dropped with a warning, never raised as one of these).
var (
	// ErrNegotiationTimeout: a key exceeded its per-phase deadline. Recoverable
	// if the key that timed out was still in hardReset; fatal otherwise.
	// The session engine decides which wrapping to use at the call site.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrBadCredentials: the server replied AUTH_FAILED. Always fatal.
	ErrBadCredentials = newFatal("bad credentials")

	// ErrPingTimeout: no inbound traffic within the configured ping timeout.
	// Always fatal.
	ErrPingTimeout = newFatal("ping timeout")

	// ErrStaleSession: server sent a hard reset after negotiation had already
	// advanced. Always fatal.
	ErrStaleSession = newFatal("stale session")

	// ErrSessionMismatch: the session id on an inbound control packet
	// diverges from the pinned remote session id. Always fatal.
	ErrSessionMismatch = newFatal("session id mismatch")

	// ErrMissingSessionID: a control packet needs a pinned remote session id
	// that was never set. Always fatal.
	ErrMissingSessionID = newFatal("missing remote session id")

	// ErrBadKey: a data packet referenced an unknown key id. Always fatal.
	ErrBadKey = newFatal("bad key id")

	// ErrWrongControlDataPrefix: the authenticator's fixed prefix bytes did
	// not match. Always fatal.
	ErrWrongControlDataPrefix = newFatal("wrong control-channel data prefix")

	// ErrFailedLinkWrite: the underlying link I/O returned an error.
	// Recoverable.
	ErrFailedLinkWrite = newRecoverable("failed link write")

	// ErrPeerVerificationFailed: TLS certificate or EKU check failed. Always
	// fatal.
	ErrPeerVerificationFailed = newFatal("peer verification failed")

	// ErrTLSHandshake: a non-retryable TLS handshake error. Always fatal.
	ErrTLSHandshake = newFatal("tls handshake error")

	// ErrShortSessionID: a byte slice of the wrong length was used to build
	// a SessionID.
	ErrShortSessionID = errors.New("session id must be exactly 8 bytes")

	// ErrShortPacket: a packet was too short to contain its declared fields.
	// Malformed-packet condition: callers must drop with a warning, never
	// propagate this as fatal.
	ErrShortPacket = errors.New("packet too short")

	// ErrUnknownOpcode: an opcode outside the recognized set. Malformed-packet
	// condition: drop with a warning, never fatal.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrTooManyACKs: more than 255 ack ids were requested in a single packet.
	ErrTooManyACKs = errors.New("too many ack ids for a single packet")
)

// WrapNegotiationTimeout tags ErrNegotiationTimeout as recoverable when
// the timed-out key was still doing its initial hard reset, and fatal
// otherwise.
func WrapNegotiationTimeout(isHardReset bool) error {
	if isHardReset {
		return &taggedError{error: ErrNegotiationTimeout, recoverable: true}
	}
	return &taggedError{error: ErrNegotiationTimeout, recoverable: false}
}
