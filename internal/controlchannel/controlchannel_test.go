package controlchannel

import (
	"math/rand"
	"testing"
	"time"

	"github.com/pia-foss/tunnelkit-go/internal/model"
	"github.com/pia-foss/tunnelkit-go/internal/session"
)

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	m, err := session.NewManager(&model.Config{})
	if err != nil {
		t.Fatalf("session.NewManager: %v", err)
	}
	m.SetRemoteSessionID(model.SessionID{1, 2, 3, 4, 5, 6, 7, 8})
	return m
}

// TestReliableLayer_InboundOrdering checks that for any permutation of
// unique inbound control packets, the layer surfaces them in ascending
// packet-id order, skipping no id.
func TestReliableLayer_InboundOrdering(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	const n = 20
	var pkts []*model.Packet
	for i := 0; i < n; i++ {
		pkts = append(pkts, &model.Packet{
			Opcode: model.P_CONTROL_V1,
			ID:     model.PacketID(i),
		})
	}
	perm := rand.New(rand.NewSource(1)).Perm(n)

	var delivered []model.PacketID
	for _, idx := range perm {
		for _, p := range r.EnqueueInbound(pkts[idx]) {
			delivered = append(delivered, p.ID)
		}
	}
	if len(delivered) != n {
		t.Fatalf("delivered %d packets, want %d", len(delivered), n)
	}
	for i, id := range delivered {
		if id != model.PacketID(i) {
			t.Fatalf("delivered[%d] = %d, want %d (out of order)", i, id, i)
		}
	}
}

// TestReliableLayer_DuplicateInboundIsIdempotent checks that a duplicate
// inbound packet is never delivered twice.
func TestReliableLayer_DuplicateInboundIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	p := &model.Packet{Opcode: model.P_CONTROL_V1, ID: 0}
	first := r.EnqueueInbound(p)
	if len(first) != 1 {
		t.Fatalf("first delivery: got %d packets, want 1", len(first))
	}
	again := r.EnqueueInbound(p)
	if len(again) != 0 {
		t.Fatalf("duplicate delivery: got %d packets, want 0", len(again))
	}
}

// TestReliableLayer_AckRemovesFromRetransmission checks that an acked
// packet leaves the retransmission set, and that an unacked one is resent
// exactly once per interval.
func TestReliableLayer_AckRemovesFromRetransmission(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 10*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.EnqueueOutbound(model.P_CONTROL_V1, []byte("hello"), 1400); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	first, err := r.WriteOutbound(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("first WriteOutbound: got %d packets, want 1", len(first))
	}

	// No retransmit before the interval elapses.
	soon, err := r.WriteOutbound(now.Add(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(soon) != 0 {
		t.Fatalf("premature retransmit: got %d packets, want 0", len(soon))
	}

	// Exactly one retransmit once the interval elapses.
	late, err := r.WriteOutbound(now.Add(11 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(late) != 1 {
		t.Fatalf("retransmit: got %d packets, want 1", len(late))
	}

	r.AckOutbound([]model.PacketID{1})
	afterAck, err := r.WriteOutbound(now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(afterAck) != 0 {
		t.Fatalf("after ack: got %d packets, want 0 (should not retransmit an acked packet)", len(afterAck))
	}
}

// TestReliableLayer_ReliableLinkNeverRetransmits checks that a reliable
// underlying link disables retransmission timers entirely.
func TestReliableLayer_ReliableLinkNeverRetransmits(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, time.Nanosecond, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.EnqueueOutbound(model.P_CONTROL_V1, []byte("hi"), 1400); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if _, err := r.WriteOutbound(now); err != nil {
		t.Fatal(err)
	}
	again, err := r.WriteOutbound(now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("reliable link retransmitted: got %d packets, want 0", len(again))
	}
}

// TestReliableLayer_TLSAuthWrapRoundTrip exercises the tls-auth wrap path
// end to end, including the monotonic replay-id check.
func TestReliableLayer_TLSAuthWrapRoundTrip(t *testing.T) {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(i)
	}
	wrap := &model.TLSWrap{Strategy: model.TLSWrapAuth, Key: key}
	// The receiver plays the server, whose key direction is the inverse of
	// the client's: its decrypt halves are the sender's encrypt halves.
	peerKey := append(append([]byte{}, key[128:]...), key[:128]...)
	peerWrap := &model.TLSWrap{Strategy: model.TLSWrapAuth, Key: peerKey}

	mSend := newTestManager(t)
	sender, err := NewReliableLayer(model.NoopLogger(), mSend, wrap, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	mRecv := newTestManager(t)
	receiver, err := NewReliableLayer(model.NoopLogger(), mRecv, peerWrap, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := sender.EnqueueOutbound(model.P_CONTROL_V1, []byte("payload-1"), 1400); err != nil {
		t.Fatal(err)
	}
	wire, err := sender.WriteOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(wire) != 1 {
		t.Fatalf("got %d wire packets, want 1", len(wire))
	}

	pkt, err := receiver.ReadInbound(wire[0])
	if err != nil {
		t.Fatalf("ReadInbound: %v", err)
	}
	if string(pkt.Payload) != "payload-1" {
		t.Fatalf("payload = %q, want %q", pkt.Payload, "payload-1")
	}

	// A replayed copy of the same wire bytes must be rejected.
	if _, err := receiver.ReadInbound(wire[0]); err == nil {
		t.Fatal("replayed wrapped packet was accepted")
	}
}

// TestReliableLayer_TLSCryptWrapRoundTrip exercises the tls-crypt wrap path.
func TestReliableLayer_TLSCryptWrapRoundTrip(t *testing.T) {
	key := make([]byte, 256)
	for i := range key {
		key[i] = byte(255 - i)
	}
	wrap := &model.TLSWrap{Strategy: model.TLSWrapCrypt, Key: key}
	// The receiver plays the server, whose key direction is the inverse of
	// the client's: its decrypt halves are the sender's encrypt halves.
	peerKey := append(append([]byte{}, key[128:]...), key[:128]...)
	peerWrap := &model.TLSWrap{Strategy: model.TLSWrapCrypt, Key: peerKey}

	mSend := newTestManager(t)
	sender, err := NewReliableLayer(model.NoopLogger(), mSend, wrap, 0, true)
	if err != nil {
		t.Fatal(err)
	}
	mRecv := newTestManager(t)
	receiver, err := NewReliableLayer(model.NoopLogger(), mRecv, peerWrap, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	if err := sender.EnqueueOutbound(model.P_CONTROL_V1, []byte("secret-payload"), 1400); err != nil {
		t.Fatal(err)
	}
	wire, err := sender.WriteOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	pkt, err := receiver.ReadInbound(wire[0])
	if err != nil {
		t.Fatalf("ReadInbound: %v", err)
	}
	if string(pkt.Payload) != "secret-payload" {
		t.Fatalf("payload = %q, want %q", pkt.Payload, "secret-payload")
	}
}

// TestReliableLayer_AcksPiggybackOnOutboundControl checks that when both
// a pending ack and an outbound control packet are ready, the ack rides
// on the control packet instead of a standalone ack going out.
func TestReliableLayer_AcksPiggybackOnOutboundControl(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	r.EnqueueInbound(&model.Packet{Opcode: model.P_CONTROL_V1, ID: 0})
	if err := r.EnqueueOutbound(model.P_CONTROL_V1, []byte("x"), 1400); err != nil {
		t.Fatal(err)
	}
	out, err := r.WriteOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d packets, want 1 (control carrying the ack)", len(out))
	}
	pkt, err := model.ParsePacket(out[0])
	if err != nil {
		t.Fatal(err)
	}
	if pkt.IsACK() || pkt.Opcode != model.P_CONTROL_V1 {
		t.Fatalf("wrote %v, want a P_CONTROL_V1 carrying the ack", pkt.Opcode)
	}
	if len(pkt.ACKs) != 1 || pkt.ACKs[0] != 0 {
		t.Fatalf("ACKs = %v, want [0]", pkt.ACKs)
	}
}

// TestReliableLayer_StandaloneAckWhenNothingToSend checks that a pending
// ack still goes out, as a standalone ack packet, when no control packet
// is due.
func TestReliableLayer_StandaloneAckWhenNothingToSend(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	r.EnqueueInbound(&model.Packet{Opcode: model.P_CONTROL_V1, ID: 0})
	out, err := r.WriteOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d packets, want 1 standalone ack", len(out))
	}
	pkt, err := model.ParsePacket(out[0])
	if err != nil {
		t.Fatal(err)
	}
	if !pkt.IsACK() {
		t.Fatalf("wrote %v, want an ack", pkt.Opcode)
	}
	if len(pkt.ACKs) != 1 || pkt.ACKs[0] != 0 {
		t.Fatalf("ACKs = %v, want [0]", pkt.ACKs)
	}
}

// TestReliableLayer_EnqueueRawOutbound_RetransmitsSameID covers the hard
// reset / soft reset use of EnqueueRawOutbound: the same packet keeps its
// id across every retransmit.
func TestReliableLayer_EnqueueRawOutbound_RetransmitsSameID(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 10*time.Millisecond, false)
	if err != nil {
		t.Fatal(err)
	}
	r.EnqueueRawOutbound(m.NewHardResetPacket())

	now := time.Now()
	first, err := r.WriteOutbound(now)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d packets, want 1", len(first))
	}
	retransmit, err := r.WriteOutbound(now.Add(20 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if len(retransmit) != 1 {
		t.Fatalf("got %d packets, want 1", len(retransmit))
	}
	p1, _ := model.ParsePacket(first[0])
	p2, _ := model.ParsePacket(retransmit[0])
	if p1.ID != p2.ID {
		t.Fatalf("retransmit changed packet id: %d -> %d", p1.ID, p2.ID)
	}
}

// TestReliableLayer_EnqueueOutboundKeyed covers a renegotiation's packets
// carrying the negotiating key id rather than the session's active one.
func TestReliableLayer_EnqueueOutboundKeyed(t *testing.T) {
	m := newTestManager(t)
	r, err := NewReliableLayer(model.NoopLogger(), m, nil, 0, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.EnqueueOutboundKeyed(5, model.P_CONTROL_V1, []byte("hello"), 1400); err != nil {
		t.Fatal(err)
	}
	out, err := r.WriteOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("got %d packets, want 1", len(out))
	}
	pkt, err := model.ParsePacket(out[0])
	if err != nil {
		t.Fatal(err)
	}
	if pkt.KeyID != 5 {
		t.Fatalf("KeyID = %d, want 5", pkt.KeyID)
	}
}
