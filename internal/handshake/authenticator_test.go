package handshake

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

func TestBuildKeyMaterial_Layout(t *testing.T) {
	preMaster := bytes.Repeat([]byte{0xAA}, 48)
	r1 := bytes.Repeat([]byte{0x01}, 32)
	r2 := bytes.Repeat([]byte{0x02}, 32)

	blob, err := BuildKeyMaterial(preMaster, r1, r2, "alice", "s3cr3t", "IV_VER=2.6")
	if err != nil {
		t.Fatal(err)
	}
	defer blob.Destroy()

	b := blob.Bytes()
	for _, x := range b[:4] {
		if x != 0 {
			t.Fatalf("expected zero prefix, got %x", b[:4])
		}
	}
	if !bytes.Equal(b[4:52], preMaster) {
		t.Fatal("pre_master mismatch")
	}
	if !bytes.Equal(b[52:84], r1) {
		t.Fatal("random1 mismatch")
	}
	if !bytes.Equal(b[84:116], r2) {
		t.Fatal("random2 mismatch")
	}
	optsLen := binary.BigEndian.Uint16(b[116:118])
	if optsLen != 1 || b[118] != 0x00 {
		t.Fatalf("expected len_opts=1 and a single NUL byte, got len=%d byte=%x", optsLen, b[118])
	}
}

// TestAuthenticator_FeedSplitAcrossReads exercises the re-entrant parser:
// the prefix is split across two Feed calls, and a single message arrives
// split mid-string across a third and fourth call.
func TestAuthenticator_FeedSplitAcrossReads(t *testing.T) {
	sr1 := bytes.Repeat([]byte{0x11}, 32)
	sr2 := bytes.Repeat([]byte{0x22}, 32)
	var prefix bytes.Buffer
	prefix.Write(make([]byte, 4))
	prefix.Write(sr1)
	prefix.Write(sr2)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], 1)
	prefix.Write(lenBuf[:])
	prefix.WriteByte(0x00) // empty server opts

	a := NewAuthenticator()

	gotPrefix, msgs, err := a.Feed(prefix.Bytes()[:40])
	if err != nil {
		t.Fatal(err)
	}
	if gotPrefix {
		t.Fatal("prefix reported complete too early")
	}
	if len(msgs) != 0 {
		t.Fatalf("unexpected messages before prefix complete: %v", msgs)
	}

	gotPrefix, msgs, err = a.Feed(prefix.Bytes()[40:])
	if err != nil {
		t.Fatal(err)
	}
	if !gotPrefix {
		t.Fatal("prefix did not complete")
	}
	if len(msgs) != 0 {
		t.Fatalf("unexpected messages yet: %v", msgs)
	}
	if !bytes.Equal(a.ServerRandom1[:], sr1) {
		t.Fatal("ServerRandom1 mismatch")
	}
	if !bytes.Equal(a.ServerRandom2[:], sr2) {
		t.Fatal("ServerRandom2 mismatch")
	}

	full := "PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,peer-id 42\x00"
	_, msgs, err = a.Feed([]byte(full[:10]))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("message surfaced before terminator: %v", msgs)
	}
	_, msgs, err = a.Feed([]byte(full[10:]))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0] != "PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,peer-id 42" {
		t.Fatalf("got messages %v", msgs)
	}
}

func TestAuthenticator_WrongPrefix(t *testing.T) {
	a := NewAuthenticator()
	bad := make([]byte, 70)
	bad[0] = 0x01
	_, _, err := a.Feed(bad)
	if err != ErrWrongPrefix {
		t.Fatalf("got %v, want ErrWrongPrefix", err)
	}
}

func TestIsAuthFailedAndPushReply(t *testing.T) {
	if !IsAuthFailed("AUTH_FAILED") {
		t.Error("AUTH_FAILED not detected")
	}
	if IsAuthFailed("PUSH_REPLY,foo") {
		t.Error("false positive on PUSH_REPLY")
	}
	if !IsPushReply("PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0") {
		t.Error("PUSH_REPLY not detected")
	}
}

func TestParsePushReply(t *testing.T) {
	ti, err := ParsePushReply("PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0,peer-id 42,route-gateway 10.8.0.1,tun-mtu 1500,dhcp-option DNS 8.8.8.8,route 10.0.0.0 255.0.0.0,auth-token tok123")
	if err != nil {
		t.Fatal(err)
	}
	if ti.IP != "10.8.0.2" || ti.NetMask != "255.255.255.0" {
		t.Errorf("ifconfig mismatch: %+v", ti)
	}
	if ti.PeerID != 42 {
		t.Errorf("peer-id = %d, want 42", ti.PeerID)
	}
	if ti.GW != "10.8.0.1" {
		t.Errorf("route-gateway mismatch: %q", ti.GW)
	}
	if ti.MTU != 1500 {
		t.Errorf("tun-mtu = %d, want 1500", ti.MTU)
	}
	if len(ti.DNS) != 1 || ti.DNS[0] != "8.8.8.8" {
		t.Errorf("dns mismatch: %v", ti.DNS)
	}
	if len(ti.Routes) != 1 {
		t.Errorf("routes mismatch: %v", ti.Routes)
	}
	if ti.AuthToken != "tok123" {
		t.Errorf("auth-token mismatch: %q", ti.AuthToken)
	}
}

func TestParsePushReply_NoPeerIDDefaultsDisabled(t *testing.T) {
	ti, err := ParsePushReply("PUSH_REPLY,ifconfig 10.8.0.2 255.255.255.0")
	if err != nil {
		t.Fatal(err)
	}
	if ti.PeerID != model.PeerIDDisabled {
		t.Errorf("PeerID = %d, want PeerIDDisabled (%d)", ti.PeerID, model.PeerIDDisabled)
	}
}
