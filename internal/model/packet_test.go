package model

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func randomSessionID(r *rand.Rand) (sid SessionID) {
	r.Read(sid[:])
	return
}

// TestControlPacketRoundTrip checks decode(encode(P)) == P for well-formed
// control packets with random session ids, packet ids, acks and payloads.
func TestControlPacketRoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		nACKs := r.Intn(5)
		var acks []PacketID
		for j := 0; j < nACKs; j++ {
			acks = append(acks, PacketID(r.Uint32()))
		}
		payload := make([]byte, r.Intn(64))
		r.Read(payload)

		want := &Packet{
			Opcode:         P_CONTROL_V1,
			KeyID:          uint8(r.Intn(8)),
			LocalSessionID: randomSessionID(r),
			ACKs:           acks,
			ID:             PacketID(r.Uint32()),
			Payload:        payload,
		}
		if nACKs > 0 {
			want.RemoteSessionID = randomSessionID(r)
		}

		got, err := ParsePacket(want.Bytes())
		if err != nil {
			t.Fatalf("iteration %d: ParsePacket: %v", i, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("iteration %d: round trip mismatch:\n%s", i, diff)
		}
	}
}

func TestACKPacketRoundTrip(t *testing.T) {
	want := &Packet{
		Opcode:          P_ACK_V1,
		KeyID:           2,
		LocalSessionID:  SessionID{1, 2, 3, 4, 5, 6, 7, 8},
		RemoteSessionID: SessionID{8, 7, 6, 5, 4, 3, 2, 1},
		ACKs:            []PacketID{1, 2, 3},
		Payload:         []byte{},
	}
	got, err := ParsePacket(want.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsACK() {
		t.Fatalf("opcode = %v, want P_ACK_V1", got.Opcode)
	}
	if diff := cmp.Diff(want.ACKs, got.ACKs); diff != "" {
		t.Fatal(diff)
	}
	if got.RemoteSessionID != want.RemoteSessionID {
		t.Fatal("remote session id did not survive the round trip")
	}
}

// TestDataPacketOpcodeByte checks the first byte's [code:5][keyid:3]
// packing parses back to the same (code, key id) for both data versions.
func TestDataPacketOpcodeByte(t *testing.T) {
	for _, opcode := range []Opcode{P_DATA_V1, P_DATA_V2} {
		for keyID := uint8(0); keyID < 8; keyID++ {
			p := NewPacket(opcode, keyID, []byte{0xde, 0xad})
			if opcode == P_DATA_V2 {
				p.PeerID = [3]byte{0x00, 0x00, 0x2a}
			}
			got, err := ParsePacket(p.Bytes())
			if err != nil {
				t.Fatalf("%v key %d: %v", opcode, keyID, err)
			}
			if got.Opcode != opcode || got.KeyID != keyID {
				t.Fatalf("got (%v, %d), want (%v, %d)", got.Opcode, got.KeyID, opcode, keyID)
			}
			if opcode == P_DATA_V2 && got.PeerID != p.PeerID {
				t.Fatalf("peer id = %v, want %v", got.PeerID, p.PeerID)
			}
			if !bytes.Equal(got.Payload, p.Payload) {
				t.Fatalf("payload mismatch: %v", got.Payload)
			}
		}
	}
}

func TestParsePacketMalformed(t *testing.T) {
	if _, err := ParsePacket(nil); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("empty: got %v, want ErrShortPacket", err)
	}

	// Opcode 31 is outside the recognized set.
	if _, err := ParsePacket([]byte{31 << 3}); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("unknown opcode: got %v, want ErrUnknownOpcode", err)
	}

	// A control packet truncated mid-session-id.
	truncated := []byte{byte(P_CONTROL_V1) << 3, 0x01, 0x02}
	if _, err := ParsePacket(truncated); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("truncated: got %v, want ErrShortPacket", err)
	}

	// A data V2 packet without room for its peer id.
	shortV2 := []byte{byte(P_DATA_V2) << 3, 0x01}
	if _, err := ParsePacket(shortV2); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("short data v2: got %v, want ErrShortPacket", err)
	}
}
