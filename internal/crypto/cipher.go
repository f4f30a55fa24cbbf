package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/pia-foss/tunnelkit-go/internal/bytesx"
)

type (
	// CipherMode describes a data cipher's mode of operation.
	CipherMode string

	// CipherName is a data cipher family name.
	CipherName string
)

const (
	// ModeCBC is Encrypt-then-MAC AES-CBC.
	ModeCBC = CipherMode("cbc")

	// ModeGCM is AEAD AES-GCM.
	ModeGCM = CipherMode("gcm")

	// NameAES is the only cipher family this engine implements.
	NameAES = CipherName("aes")
)

// DataCipher encrypts and decrypts data-channel payloads.
type DataCipher interface {
	// KeySizeBytes returns the key size in bytes.
	KeySizeBytes() int

	// IsAEAD reports whether this cipher authenticates its own ciphertext
	// (GCM) or needs an external HMAC wrap (CBC).
	IsAEAD() bool

	// BlockSize returns the cipher's block size.
	BlockSize() int

	// Mode returns the cipher's mode of operation.
	Mode() CipherMode

	// Encrypt encrypts plaintext under key and iv. ad is the additional
	// authenticated data, used only by AEAD modes.
	Encrypt(key, iv, plaintext, ad []byte) ([]byte, error)

	// Decrypt is the inverse of Encrypt.
	Decrypt(key, iv, ciphertext, ad []byte) ([]byte, error)
}

// dataCipherAES implements DataCipher for AES in CBC or GCM mode.
type dataCipherAES struct {
	ksb  int
	mode CipherMode
}

var _ DataCipher = &dataCipherAES{}

func (a *dataCipherAES) KeySizeBytes() int { return a.ksb }
func (a *dataCipherAES) IsAEAD() bool      { return a.mode != ModeCBC }
func (a *dataCipherAES) Mode() CipherMode  { return a.mode }

func (a *dataCipherAES) BlockSize() int {
	switch a.mode {
	case ModeCBC, ModeGCM:
		return 16
	default:
		return 0
	}
}

// Decrypt implements DataCipher.Decrypt. Key material comes from a PRF
// expansion that may be longer than the cipher needs, so only the leading
// KeySizeBytes() bytes are used.
func (a *dataCipherAES) Decrypt(key, iv, ciphertext, ad []byte) ([]byte, error) {
	if len(key) < a.KeySizeBytes() {
		return nil, ErrInvalidKeySize
	}
	k := key[:a.KeySizeBytes()]
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	switch a.mode {
	case ModeCBC:
		if len(iv) != block.BlockSize() {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrBadInput, len(iv))
		}
		mode := cipher.NewCBCDecrypter(block, iv)
		padded := make([]byte, len(ciphertext))
		mode.CryptBlocks(padded, ciphertext)
		plaintext, err := bytesx.UnpadPKCS7(padded, block.BlockSize())
		if err != nil {
			return nil, err
		}
		return plaintext, nil

	case ModeGCM:
		if len(iv) != 12 {
			return nil, fmt.Errorf("%w: wrong size for iv: %v", ErrBadInput, len(iv))
		}
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		return aesGCM.Open(nil, iv, ciphertext, ad)

	default:
		return nil, ErrUnsupportedMode
	}
}

// Encrypt implements DataCipher.Encrypt.
func (a *dataCipherAES) Encrypt(key, iv, plaintext, ad []byte) ([]byte, error) {
	if len(key) < a.KeySizeBytes() {
		return nil, ErrInvalidKeySize
	}
	k := key[:a.KeySizeBytes()]
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	switch a.mode {
	case ModeCBC:
		padded, err := bytesx.PadPKCS7(plaintext, block.BlockSize())
		if err != nil {
			return nil, err
		}
		mode := cipher.NewCBCEncrypter(block, iv)
		ciphertext := make([]byte, len(padded))
		mode.CryptBlocks(ciphertext, padded)
		return ciphertext, nil

	case ModeGCM:
		aesGCM, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		// The IV is the 4-byte packet id followed by the implicit IV
		// derived from the HMAC key slot: the packet id
		// never repeats within a key generation, which is what GCM
		// requires of its nonce.
		return aesGCM.Seal(nil, iv, plaintext, ad), nil

	default:
		return nil, ErrUnsupportedMode
	}
}

// NewDataCipherFromName constructs a DataCipher from an OpenVPN cipher
// suite name, e.g. "AES-256-GCM".
func NewDataCipherFromName(c string) (DataCipher, error) {
	switch c {
	case "AES-128-CBC":
		return newDataCipher(NameAES, 128, ModeCBC)
	case "AES-192-CBC":
		return newDataCipher(NameAES, 192, ModeCBC)
	case "AES-256-CBC":
		return newDataCipher(NameAES, 256, ModeCBC)
	case "AES-128-GCM":
		return newDataCipher(NameAES, 128, ModeGCM)
	case "AES-192-GCM":
		return newDataCipher(NameAES, 192, ModeGCM)
	case "AES-256-GCM":
		return newDataCipher(NameAES, 256, ModeGCM)
	default:
		return nil, ErrUnsupportedCipher
	}
}

func newDataCipher(name CipherName, bits int, mode CipherMode) (DataCipher, error) {
	if bits%8 != 0 || bits > 512 || bits < 64 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidKeySize, bits)
	}
	if name != NameAES {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, name)
	}
	switch mode {
	case ModeCBC, ModeGCM:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, mode)
	}
	return &dataCipherAES{ksb: bits / 8, mode: mode}, nil
}
