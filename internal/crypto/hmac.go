package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"strings"
)

// NewHMACFactory maps an OpenVPN auth-digest label (matched
// case-insensitively, since configuration files write SHA1 and the rest of
// this module passes whatever the file said) to a hash constructor. Used
// by the CBC Encrypt-then-MAC data cipher; the tls-auth control-channel
// wrap does not go through it and always uses HMAC-SHA256.
func NewHMACFactory(name string) (func() hash.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha1":
		return sha1.New, true
	case "sha224":
		return sha256.New224, true
	case "sha256":
		return sha256.New, true
	case "sha384":
		return sha512.New384, true
	case "sha512":
		return sha512.New, true
	default:
		return nil, false
	}
}

// HashSize returns the output size, in bytes, of the named digest.
func HashSize(name string) int {
	switch strings.ToLower(name) {
	case "sha1":
		return sha1.Size
	case "sha224":
		return sha256.Size224
	case "sha256":
		return sha256.Size
	case "sha384":
		return sha512.Size384
	case "sha512":
		return sha512.Size
	}
	return 0
}

// HMAC computes an HMAC over data under key using the named digest.
func HMAC(name string, key, data []byte) ([]byte, error) {
	factory, ok := NewHMACFactory(name)
	if !ok {
		return nil, ErrUnsupportedCipher
	}
	mac := hmac.New(factory, key)
	mac.Write(data)
	return mac.Sum(nil), nil
}
