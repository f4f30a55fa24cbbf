// Package tlssession implements the TLS handshake engine that tunnels
// through the control channel instead of a raw socket: the
// control channel feeds it ciphertext and pulls ciphertext out of it
// (PutCipherText/PullCipherText), while the authenticator above it feeds
// and reads cleartext (PutPlainText/PullPlainText). Every operation is
// non-blocking so a single event loop can drive it.
package tlssession

import "errors"

// ErrWouldBlock is returned by the non-blocking Put/Pull methods when no
// data is currently available (Pull) or the internal queue is full (Put).
// It is never fatal.
var ErrWouldBlock = errors.New("tlssession: operation would block")

// ErrPeerVerificationFailed indicates the server certificate failed the
// Extended Key Usage check.
var ErrPeerVerificationFailed = errors.New("tlssession: peer certificate missing TLS Web Server Authentication EKU")

// ErrClosed indicates the session was closed.
var ErrClosed = errors.New("tlssession: closed")
