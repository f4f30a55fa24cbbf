package crypto

import (
	"bytes"
	"testing"
)

func TestNewDataCipherFromName(t *testing.T) {
	tests := []struct {
		name     string
		want     int
		wantAEAD bool
	}{
		{"AES-128-CBC", 16, false},
		{"AES-256-CBC", 32, false},
		{"AES-128-GCM", 16, true},
		{"AES-256-GCM", 32, true},
	}
	for _, tt := range tests {
		c, err := NewDataCipherFromName(tt.name)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.name, err)
		}
		if c.KeySizeBytes() != tt.want {
			t.Fatalf("%s: unexpected key size %d", tt.name, c.KeySizeBytes())
		}
		if c.IsAEAD() != tt.wantAEAD {
			t.Fatalf("%s: unexpected IsAEAD %v", tt.name, c.IsAEAD())
		}
	}
	if _, err := NewDataCipherFromName("BF-CBC"); err == nil {
		t.Fatal("expected error for unsupported cipher")
	}
}

func TestCBCRoundTrip(t *testing.T) {
	c, err := NewDataCipherFromName("AES-256-CBC")
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x42}, 32)
	iv := bytes.Repeat([]byte{0x01}, 16)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")

	ciphertext, err := c.Encrypt(key, iv, plaintext, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decrypt(key, iv, ciphertext, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestGCMRoundTrip(t *testing.T) {
	c, err := NewDataCipherFromName("AES-256-GCM")
	if err != nil {
		t.Fatal(err)
	}
	key := bytes.Repeat([]byte{0x24}, 32)
	iv := bytes.Repeat([]byte{0x02}, 12)
	ad := []byte{0x01, 0x02, 0x03}
	plaintext := []byte("packet-id-bound plaintext")

	ciphertext, err := c.Encrypt(key, iv, plaintext, ad)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Decrypt(key, iv, ciphertext, ad)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}

	if _, err := c.Decrypt(key, iv, ciphertext, []byte{0xff}); err == nil {
		t.Fatal("expected authentication failure with mismatched ad")
	}
}

func TestExpand(t *testing.T) {
	secret := bytes.Repeat([]byte{0x11}, 48)
	clientSeed := bytes.Repeat([]byte{0x22}, 32)
	serverSeed := bytes.Repeat([]byte{0x33}, 32)

	out1 := Expand(secret, []byte("OpenVPN"), clientSeed, serverSeed, nil, nil, 64)
	out2 := Expand(secret, []byte("OpenVPN"), clientSeed, serverSeed, nil, nil, 64)
	if !bytes.Equal(out1, out2) {
		t.Fatal("Expand is not deterministic")
	}
	if len(out1) != 64 {
		t.Fatalf("unexpected output length: %d", len(out1))
	}

	out3 := Expand(secret, []byte("OpenVPN"), clientSeed, serverSeed, []byte("sess1"), []byte("sess2"), 64)
	if bytes.Equal(out1, out3) {
		t.Fatal("session ids should change the output")
	}
}

func TestTLSAuthWrapRoundTrip(t *testing.T) {
	hmacKey := bytes.Repeat([]byte{0x55}, 64)
	payload := []byte("control channel cleartext")

	wrapped := TLSAuthWrap(hmacKey, payload)
	got, err := TLSAuthUnwrap(hmacKey, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}

	wrapped[len(wrapped)-1] ^= 0xff
	if _, err := TLSAuthUnwrap(hmacKey, wrapped); err == nil {
		t.Fatal("expected tamper detection")
	}
}

func TestTLSCryptWrapRoundTrip(t *testing.T) {
	cipherKey := bytes.Repeat([]byte{0x66}, 32)
	hmacKey := bytes.Repeat([]byte{0x77}, 64)
	iv := bytes.Repeat([]byte{0x01}, 16)
	payload := []byte("hard reset client v3 payload")

	wrapped, err := TLSCryptWrap(cipherKey, hmacKey, iv, payload)
	if err != nil {
		t.Fatal(err)
	}
	got, err := TLSCryptUnwrap(cipherKey, hmacKey, wrapped)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, payload)
	}

	wrapped[0] ^= 0xff
	if _, err := TLSCryptUnwrap(cipherKey, hmacKey, wrapped); err == nil {
		t.Fatal("expected tamper detection")
	}
}

func TestSplitStaticKey(t *testing.T) {
	key := make([]byte, TLSWrapKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	sk, err := SplitStaticKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(sk.DecryptCipherKey) != 32 || len(sk.EncryptCipherKey) != 32 {
		t.Fatal("unexpected cipher subkey size")
	}
	if len(sk.DecryptHMACKey) != 64 || len(sk.EncryptHMACKey) != 64 {
		t.Fatal("unexpected hmac subkey size")
	}
	if _, err := SplitStaticKey(key[:100]); err == nil {
		t.Fatal("expected error for short key")
	}
}
