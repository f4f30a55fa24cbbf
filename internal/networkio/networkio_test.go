package networkio

import (
	"bytes"
	"testing"
	"time"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := NewPipe(1500)
	defer a.Close()
	defer b.Close()

	payload := []byte{0x01, 0x02, 0x03, 0x04}
	go func() {
		_, _ = a.WritePacket(payload)
	}()

	b.SetReadDeadline(time.Now().Add(time.Second))
	got, err := b.ReadPacket()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestPipeIsReliable(t *testing.T) {
	a, b := NewPipe(1500)
	defer a.Close()
	defer b.Close()
	if !a.IsReliable() || !b.IsReliable() {
		t.Fatal("expected Pipe to report reliable delivery")
	}
}

func TestMemoryTunPreservesBatchOrder(t *testing.T) {
	tun := NewMemoryTun(8)
	defer tun.Close()

	batch := [][]byte{{0x01}, {0x02}, {0x03}}
	if err := tun.WritePackets(batch); err != nil {
		t.Fatal(err)
	}
	for i, want := range batch {
		got := <-tun.Delivered()
		if !bytes.Equal(got, want) {
			t.Fatalf("packet %d: got %v, want %v", i, got, want)
		}
	}
}

func TestMemoryTunClosedReads(t *testing.T) {
	tun := NewMemoryTun(1)
	tun.Close()
	if _, err := tun.ReadPacket(); err != ErrTunClosed {
		t.Fatalf("ReadPacket on closed tun: got %v, want ErrTunClosed", err)
	}
	if err := tun.Inject([]byte{0x01}); err != ErrTunClosed {
		t.Fatalf("Inject on closed tun: got %v, want ErrTunClosed", err)
	}
}
