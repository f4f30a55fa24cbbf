package handshake

import "errors"

var (
	// ErrWrongPrefix indicates the fixed 4-byte zero prefix of the
	// key-material blob did not match.
	ErrWrongPrefix = errors.New("handshake: wrong control-channel data prefix")

	// ErrMalformedOpts indicates the options/message field was not
	// NUL-terminated where required.
	ErrMalformedOpts = errors.New("handshake: malformed options field")

	// ErrAuthFailed indicates the server replied AUTH_FAILED.
	ErrAuthFailed = errors.New("handshake: server sent AUTH_FAILED")

	// ErrNotPushReply indicates ParsePushReply was given a message that
	// isn't a PUSH_REPLY.
	ErrNotPushReply = errors.New("handshake: not a PUSH_REPLY message")
)
