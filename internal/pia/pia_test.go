package pia

import (
	"crypto/md5"
	"testing"
)

func TestBuildHardResetPayload(t *testing.T) {
	ca := []byte("-----BEGIN CERTIFICATE-----\nfake\n-----END CERTIFICATE-----\n")
	payload := BuildHardResetPayload(ca, "AES-256-GCM", "SHA256")

	sum := md5.Sum(ca)
	if string(payload[:16]) != string(sum[:]) {
		t.Fatal("CA-MD5 prefix mismatch")
	}
	rest := payload[16:]
	wantRest := "AES-256-GCM\x00SHA256\x00"
	if string(rest) != wantRest {
		t.Fatalf("got %q, want %q", rest, wantRest)
	}
}

func TestBuildHardResetPayload_DeterministicOnSameInput(t *testing.T) {
	ca := []byte("same-input")
	a := BuildHardResetPayload(ca, "AES-128-CBC", "SHA1")
	b := BuildHardResetPayload(ca, "AES-128-CBC", "SHA1")
	if string(a) != string(b) {
		t.Fatal("expected deterministic output for identical input")
	}
}
