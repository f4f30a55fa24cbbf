package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// TLSWrapKeySize is the size, in bytes, of the static key material shared
// by both tls-auth and tls-crypt: four 64-byte subkeys (encrypt/decrypt
// cipher and HMAC keys), matching the layout of an OpenVPN static key
// file.
const TLSWrapKeySize = 256

const subkeySize = 64

// StaticKey holds the four subkeys extracted from a 256-byte OpenVPN
// static key blob. OpenVPN's key-direction convention means a client and
// its server use cipher/hmac subkeys in swapped order; Split always
// returns the client-side assignment (key-direction 1 on the client).
type StaticKey struct {
	EncryptCipherKey []byte
	EncryptHMACKey   []byte
	DecryptCipherKey []byte
	DecryptHMACKey   []byte
}

// SplitStaticKey parses a 256-byte static key blob into its four subkeys.
func SplitStaticKey(key []byte) (*StaticKey, error) {
	if len(key) != TLSWrapKeySize {
		return nil, fmt.Errorf("%w: static key must be %d bytes, got %d", ErrInvalidKeySize, TLSWrapKeySize, len(key))
	}
	return &StaticKey{
		DecryptCipherKey: key[0*subkeySize : 1*subkeySize][:32],
		DecryptHMACKey:   key[1*subkeySize : 2*subkeySize],
		EncryptCipherKey: key[2*subkeySize : 3*subkeySize][:32],
		EncryptHMACKey:   key[3*subkeySize : 4*subkeySize],
	}, nil
}

// TLSAuthWrap prepends an HMAC-SHA256 tag over the control-channel
// payload.
func TLSAuthWrap(hmacKey, payload []byte) []byte {
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(payload)
	tag := mac.Sum(nil)
	out := make([]byte, 0, len(tag)+len(payload))
	out = append(out, tag...)
	out = append(out, payload...)
	return out
}

// TLSAuthUnwrap verifies and strips the HMAC-SHA256 tag added by
// TLSAuthWrap.
func TLSAuthUnwrap(hmacKey, wrapped []byte) ([]byte, error) {
	const tagSize = sha256.Size
	if len(wrapped) < tagSize {
		return nil, ErrBadInput
	}
	gotTag, payload := wrapped[:tagSize], wrapped[tagSize:]
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(payload)
	wantTag := mac.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrBadInput
	}
	return payload, nil
}

// TLSCryptWrap encrypts payload with AES-256-CTR under cipherKey, using iv
// as the counter nonce, then authenticates ciphertext and iv with
// HMAC-SHA256 under hmacKey.
func TLSCryptWrap(cipherKey, hmacKey, iv, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: wrong iv size for tls-crypt: %d", ErrBadInput, len(iv))
	}
	ciphertext := make([]byte, len(payload))
	cipher.NewCTR(block, iv).XORKeyStream(ciphertext, payload)

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	out := make([]byte, 0, len(tag)+len(iv)+len(ciphertext))
	out = append(out, tag...)
	out = append(out, iv...)
	out = append(out, ciphertext...)
	return out, nil
}

// TLSCryptUnwrap is the inverse of TLSCryptWrap.
func TLSCryptUnwrap(cipherKey, hmacKey, wrapped []byte) ([]byte, error) {
	block, err := aes.NewCipher(cipherKey)
	if err != nil {
		return nil, err
	}
	const tagSize = sha256.Size
	ivSize := block.BlockSize()
	if len(wrapped) < tagSize+ivSize {
		return nil, ErrBadInput
	}
	gotTag := wrapped[:tagSize]
	iv := wrapped[tagSize : tagSize+ivSize]
	ciphertext := wrapped[tagSize+ivSize:]

	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(iv)
	mac.Write(ciphertext)
	wantTag := mac.Sum(nil)
	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrBadInput
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCTR(block, iv).XORKeyStream(plaintext, ciphertext)
	return plaintext, nil
}
