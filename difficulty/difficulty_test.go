package difficulty

import "testing"

func TestNewRoundsDownToPowerOfTwo(t *testing.T) {
	cases := []struct {
		raw  uint64
		want Difficulty
	}{
		{0, 0},
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 4},
		{1000, 512},
		{1 << 40, 1 << 40},
		{(1 << 40) + 7, 1 << 40},
	}
	for _, c := range cases {
		if got := New(c.raw); got != c.want {
			t.Errorf("New(%d) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestNewClampsToMax(t *testing.T) {
	got := New(1 << 63)
	if got != MaxDifficulty {
		t.Errorf("New(2^63) = %d, want %d", got, MaxDifficulty)
	}
}

func TestClosure(t *testing.T) {
	for raw := uint64(0); raw < 5000; raw += 37 {
		d := New(raw)
		if d != 0 && d&(d-1) != 0 {
			t.Fatalf("New(%d) = %d is not 0 or a power of two", raw, d)
		}
		if d > MaxDifficulty {
			t.Fatalf("New(%d) = %d exceeds MaxDifficulty", raw, d)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for raw := uint64(1); raw < 1<<20; raw <<= 1 {
		if got := New(New(raw).Uint64()); got != New(raw) {
			t.Errorf("New(New(%d).Uint64()) = %d, want %d", raw, got, New(raw))
		}
	}
}

func TestDoubleAndHalve(t *testing.T) {
	d := New(8)
	if got := d.Double(); got != 16 {
		t.Errorf("Double() = %d, want 16", got)
	}
	if got := d.Halve(); got != 4 {
		t.Errorf("Halve() = %d, want 4", got)
	}
	if got := Difficulty(1).Halve(); got != 1 {
		t.Errorf("Halve() of 1 = %d, want 1 (floor at 1)", got)
	}
	if got := Difficulty(0).Double(); got != 0 {
		t.Errorf("Double() of 0 = %d, want 0", got)
	}
	if got := MaxDifficulty.Double(); got != MaxDifficulty {
		t.Errorf("Double() at max = %d, want %d (clamped)", got, MaxDifficulty)
	}
}

func TestClamp(t *testing.T) {
	if got := Difficulty(4).Clamp(16, 1024); got != 16 {
		t.Errorf("Clamp below min = %d, want 16", got)
	}
	if got := Difficulty(2048).Clamp(16, 1024); got != 1024 {
		t.Errorf("Clamp above max = %d, want 1024", got)
	}
	if got := Difficulty(256).Clamp(16, 1024); got != 256 {
		t.Errorf("Clamp within bounds = %d, want 256", got)
	}
}

func TestTripleShift(t *testing.T) {
	tr := NewTriple(New(1024))
	if got, ok := tr.Shift(); ok {
		t.Fatalf("Shift() with no pending change returned %v, true", got)
	}

	tr.UpdateNext(New(2048))
	got, ok := tr.Shift()
	if !ok {
		t.Fatal("Shift() should report a pending change")
	}
	if got != New(2048) || tr.Current() != New(2048) {
		t.Errorf("Current() after shift = %d, want %d", tr.Current(), New(2048))
	}
	if tr.Old() != New(1024) {
		t.Errorf("Old() after shift = %d, want %d", tr.Old(), New(1024))
	}
	if tr.Next() != 0 {
		t.Errorf("Next() after shift = %d, want 0", tr.Next())
	}
}

func TestTripleSetAndShiftDiscardsPending(t *testing.T) {
	tr := NewTriple(New(1024))
	tr.UpdateNext(New(4096))

	tr.SetAndShift(New(512))
	if tr.Current() != New(512) {
		t.Errorf("Current() after SetAndShift = %d, want %d", tr.Current(), New(512))
	}
	if tr.Next() != 0 {
		t.Errorf("Next() after SetAndShift = %d, want 0 (discarded)", tr.Next())
	}
}

func TestTripleMonotonicityAcrossShift(t *testing.T) {
	tr := NewTriple(New(100))
	prevCurrent := tr.Current()
	tr.UpdateNext(New(400))

	got, ok := tr.Shift()
	if !ok {
		t.Fatal("expected a pending change")
	}
	if tr.Current() != got {
		t.Errorf("Current() = %d, want %d", tr.Current(), got)
	}
	if tr.Old() != prevCurrent {
		t.Errorf("Old() = %d, want previous current %d", tr.Old(), prevCurrent)
	}
	if tr.Next() != 0 {
		t.Errorf("Next() = %d, want 0", tr.Next())
	}
}
