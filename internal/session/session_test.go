package session

import (
	"testing"

	"github.com/pia-foss/tunnelkit-go/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &model.Config{}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManagerInitialState(t *testing.T) {
	m := newTestManager(t)
	if m.CurrentKeyID() != 0 {
		t.Fatalf("expected initial key id 0, got %d", m.CurrentKeyID())
	}
	if _, ok := m.NegotiatingKeyID(); ok {
		t.Fatal("expected no negotiating key initially")
	}
	if _, _, ok := m.OldKey(); ok {
		t.Fatal("expected no old key initially")
	}
}

func TestStartNegotiationAllocatesNonZeroID(t *testing.T) {
	m := newTestManager(t)
	id, err := m.StartNegotiation()
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("key id 0 is reserved for the initial hard reset")
	}
	if _, err := m.StartNegotiation(); err == nil {
		t.Fatal("expected error starting a second concurrent negotiation")
	}
}

func TestPromoteNegotiatingToCurrent(t *testing.T) {
	m := newTestManager(t)
	id, err := m.StartNegotiation()
	if err != nil {
		t.Fatal(err)
	}

	if err := m.PromoteNegotiatingToCurrent(); err != nil {
		t.Fatal(err)
	}
	if m.CurrentKeyID() != id {
		t.Fatalf("expected current key id %d, got %d", id, m.CurrentKeyID())
	}
	oldKey, oldID, ok := m.OldKey()
	if !ok {
		t.Fatal("expected an old key after promotion")
	}
	if oldID != 0 {
		t.Fatalf("expected old key id 0, got %d", oldID)
	}
	_ = oldKey

	if _, ok := m.NegotiatingKeyID(); ok {
		t.Fatal("expected no negotiating key after promotion")
	}
}

func TestDropOldKey(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.StartNegotiation(); err != nil {
		t.Fatal(err)
	}
	if err := m.PromoteNegotiatingToCurrent(); err != nil {
		t.Fatal(err)
	}
	m.DropOldKey()
	if _, _, ok := m.OldKey(); ok {
		t.Fatal("expected no old key after DropOldKey")
	}
}

func TestKeySourceBytesLayout(t *testing.T) {
	ks, err := NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	b := ks.Bytes()
	if len(b) != 48+32+32 {
		t.Fatalf("unexpected KeySource.Bytes() length: %d", len(b))
	}
}

func TestDataChannelKeyLifecycle(t *testing.T) {
	dck := &DataChannelKey{}
	if dck.Ready() {
		t.Fatal("expected not ready before any key is set")
	}
	local, err := NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	dck.SetLocal(local)
	remote, err := NewKeySource()
	if err != nil {
		t.Fatal(err)
	}
	if err := dck.AddRemoteKey(remote); err != nil {
		t.Fatal(err)
	}
	if !dck.Ready() {
		t.Fatal("expected ready after both keys set")
	}
	if err := dck.AddRemoteKey(remote); err == nil {
		t.Fatal("expected error adding a remote key twice")
	}

	dck.Destroy()
	if dck.Ready() {
		t.Fatal("expected not ready after Destroy")
	}
}

func TestNewPacketWithKeyIDStampsExplicitKey(t *testing.T) {
	m := newTestManager(t)
	m.SetRemoteSessionID(model.SessionID{1, 2, 3, 4, 5, 6, 7, 8})

	pkt, err := m.NewPacketWithKeyID(model.P_CONTROL_SOFT_RESET_V1, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.KeyID != 3 {
		t.Fatalf("KeyID = %d, want 3", pkt.KeyID)
	}
	if pkt.RemoteSessionID != (model.SessionID{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Fatal("remote session id not stamped")
	}

	next, err := m.NewPacketWithKeyID(model.P_CONTROL_SOFT_RESET_V1, 3, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	if next.ID <= pkt.ID {
		t.Fatalf("control packet id did not advance: %d then %d", pkt.ID, next.ID)
	}
}
