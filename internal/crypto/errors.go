// Package crypto implements the data-channel cipher pipeline,
// the TLS1-PRF key-derivation used to expand the TLS master secret into the
// data-channel key material, and the tls-auth/tls-crypt
// control-channel wrapping primitives.
package crypto

import "errors"

var (
	// ErrInvalidKeySize means that the key size is invalid.
	ErrInvalidKeySize = errors.New("crypto: invalid key size")

	// ErrUnsupportedCipher indicates we don't support the desired cipher.
	ErrUnsupportedCipher = errors.New("crypto: unsupported cipher")

	// ErrUnsupportedMode indicates that the mode is not supported.
	ErrUnsupportedMode = errors.New("crypto: unsupported mode")

	// ErrBadInput indicates invalid inputs to encrypt/decrypt functions.
	ErrBadInput = errors.New("crypto: bad input")

	// ErrReplay indicates a data-channel packet id was already seen, or
	// falls too far behind the replay window.
	ErrReplay = errors.New("crypto: replayed packet id")
)
