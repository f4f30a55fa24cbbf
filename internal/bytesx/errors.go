// Package bytesx provides byte-buffer helpers used throughout the protocol
// engine: a scrubbing ZeroingBytes container for secret material, PKCS7
// padding for CBC ciphers, length-prefixed option-string framing, and
// secure random bytes.
package bytesx

import "errors"

var (
	// ErrEncodeOption indicates an option string is too long to encode in
	// the 2-byte length-prefixed wire format.
	ErrEncodeOption = errors.New("bytesx: option string too long to encode")

	// ErrDecodeOption indicates malformed length-prefixed option bytes.
	ErrDecodeOption = errors.New("bytesx: malformed option bytes")

	// ErrPadPKCS7 indicates a block size unsuitable for PKCS7 padding.
	ErrPadPKCS7 = errors.New("bytesx: invalid PKCS7 block size")

	// ErrUnpadPKCS7 indicates input that cannot be validly PKCS7-unpadded.
	ErrUnpadPKCS7 = errors.New("bytesx: invalid PKCS7 padding")
)
