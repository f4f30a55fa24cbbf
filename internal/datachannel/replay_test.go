package datachannel

import "testing"

func TestReplayWindowAcceptsInOrder(t *testing.T) {
	w := &replayWindow{}
	for id := uint32(0); id < 10; id++ {
		if !w.accept(id) {
			t.Fatalf("expected id %d to be accepted", id)
		}
	}
}

func TestReplayWindowRejectsDuplicate(t *testing.T) {
	w := &replayWindow{}
	w.accept(5)
	if w.accept(5) {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	w := &replayWindow{}
	w.accept(10)
	if !w.accept(8) {
		t.Fatal("expected id within window to be accepted")
	}
	if w.accept(8) {
		t.Fatal("expected replayed out-of-order id to be rejected")
	}
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	w := &replayWindow{}
	w.accept(200)
	if w.accept(0) {
		t.Fatal("expected id far outside the window to be rejected")
	}
}

func TestReplayWindowAdvancesCorrectly(t *testing.T) {
	w := &replayWindow{}
	w.accept(100)
	w.accept(99)
	w.accept(150) // advance window by 50
	if w.accept(99) {
		t.Fatal("expected id 99 to still be rejected as seen after window advance")
	}
	if !w.accept(149) {
		t.Fatal("expected id 149 (not yet seen) to be accepted after advance")
	}
}
