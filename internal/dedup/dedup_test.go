package dedup

import "testing"

func TestFirstCallAlwaysNew(t *testing.T) {
	f := New()
	if !f.Receive(42) {
		t.Fatal("first-ever call should always be new")
	}
	if f.Receive(42) {
		t.Fatal("duplicate of the first seq should be rejected")
	}
}

func TestReceiveRejectsDuplicates(t *testing.T) {
	f := New()
	for seq := uint32(0); seq < 10; seq++ {
		if !f.Receive(seq) {
			t.Fatalf("seq %d should be accepted the first time", seq)
		}
	}
	for seq := uint32(0); seq < 10; seq++ {
		if f.Receive(seq) {
			t.Fatalf("seq %d should be rejected the second time", seq)
		}
	}
}

func TestReceiveRejectsTooOld(t *testing.T) {
	f := New()
	f.Receive(200)
	if f.Receive(200 - windowSize) {
		t.Fatal("seq == latest-128 should be rejected as too old")
	}
	if !f.Receive(200 - windowSize + 1) {
		t.Fatal("seq == latest-127 should still be in window")
	}
}

func TestAdvanceBy128WipesWholeWindow(t *testing.T) {
	f := New()
	f.Receive(10)
	f.Receive(10 + windowSize)
	// seq 10 is now windowSize below latest, so it's rejected as too old
	// rather than re-accepted — the full wipe doesn't resurrect it.
	if f.Receive(10) {
		t.Fatal("seq 10 is now far below the window and must be rejected")
	}
}

func TestAdvanceBy127WipesOnlyRelevantSlice(t *testing.T) {
	f := New()
	f.Receive(0)
	// latest is 0. Advance by windowSize-1 (127) — one short of a full
	// wipe — and confirm seq 0 is still within the window (it is exactly
	// at the latest-127 boundary) and correctly remembered as seen.
	if !f.Receive(windowSize - 1) {
		t.Fatal("expected new seq to be accepted")
	}
	if !f.Saw(0) {
		t.Fatal("seq 0 should still be within the window and marked seen")
	}
	if f.Receive(0) {
		t.Fatal("seq 0 is a duplicate and must be rejected")
	}
}

func TestSaw(t *testing.T) {
	f := New()
	f.Receive(5)
	if !f.Saw(5) {
		t.Fatal("Saw should report true for an accepted seq")
	}
	if f.Saw(6) {
		t.Fatal("Saw should report false for a seq never received")
	}
}

func TestReceiveRate(t *testing.T) {
	f := New()
	for s := uint32(0); s < windowSize; s++ {
		f.Receive(s)
	}
	if rate := f.ReceiveRate(); rate != 1.0 {
		t.Fatalf("expected full window, got %f", rate)
	}
}

func TestDuplicateStormReceiveRate(t *testing.T) {
	f := New()
	accepted := 0
	total := 0
	for seq := uint32(0); seq < 30; seq++ {
		for i := 0; i < 3; i++ {
			total++
			if f.Receive(seq) {
				accepted++
			}
		}
	}
	if accepted != 30 {
		t.Fatalf("expected exactly 30 accepts out of %d calls, got %d", total, accepted)
	}
}
