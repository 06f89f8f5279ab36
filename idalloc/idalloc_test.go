package idalloc

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionIDPacking(t *testing.T) {
	id := New(7, 42)
	if id.ServerID() != 7 {
		t.Errorf("ServerID() = %d, want 7", id.ServerID())
	}
	if id.Index() != 42 {
		t.Errorf("Index() = %d, want 42", id.Index())
	}
}

func TestSessionIDRoundTrip(t *testing.T) {
	for _, raw := range []uint32{0, 1, 0x01000001, 0xFFFFFFFF} {
		if got := FromUint32(SessionID(raw).Uint32()); got.Uint32() != raw {
			t.Errorf("round trip %d -> %d", raw, got.Uint32())
		}
	}
}

func TestAllocateReleaseUniqueness(t *testing.T) {
	a := NewAllocator(1)

	seen := make(map[SessionID]bool)
	ids := make([]SessionID, 0, 1000)
	for i := 0; i < 1000; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate SessionID allocated: %v", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if a.Count() != 1000 {
		t.Errorf("Count() = %d, want 1000", a.Count())
	}

	for _, id := range ids {
		a.Release(id)
	}
	if a.Count() != 0 {
		t.Errorf("Count() after releasing all = %d, want 0", a.Count())
	}
}

func TestReleaseAllowsReuse(t *testing.T) {
	a := NewAllocator(0)

	first, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	a.Release(first)

	second, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if second.Index() != first.Index() {
		t.Errorf("expected index reuse: first=%d second=%d", first.Index(), second.Index())
	}
}

func TestExhaustion(t *testing.T) {
	a := NewAllocator(0)

	var last SessionID
	for i := uint32(0); i < indexSpace; i++ {
		id, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate() #%d unexpected error: %v", i, err)
		}
		last = id
	}

	if _, err := a.Allocate(); err != ErrExhausted {
		t.Fatalf("Allocate() at capacity = %v, want ErrExhausted", err)
	}

	a.Release(last)

	got, err := a.Allocate()
	if err != nil {
		t.Fatalf("Allocate() after release error = %v", err)
	}
	if got.Index() != last.Index() {
		t.Errorf("Allocate() after release = %d, want reused index %d", got.Index(), last.Index())
	}
}

func TestReleaseUnallocatedIsNoop(t *testing.T) {
	a := NewAllocator(0)
	a.Release(New(0, 5))
	if a.Count() != 0 {
		t.Errorf("Count() = %d, want 0 after releasing an unallocated id", a.Count())
	}
}

func BenchmarkAllocateRelease(b *testing.B) {
	a := NewAllocator(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		id, err := a.Allocate()
		if err != nil {
			b.Fatalf("Allocate() error = %v", err)
		}
		a.Release(id)
	}
}
