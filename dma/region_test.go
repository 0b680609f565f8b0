package dma

import (
	"bytes"
	"errors"
	"testing"
)

func newTestRegion(size int) *Region {
	return NewRegion(make([]byte, size), 0x100000)
}

func TestAllocAlignment(t *testing.T) {
	r := newTestRegion(1 << 16)

	for _, align := range []int{4, 16, 64, 4096} {
		_, phys, err := r.Alloc(100, align)
		if err != nil {
			t.Fatalf("Alloc(100, %d): %v", align, err)
		}
		if phys%uint64(align) != 0 {
			t.Errorf("Alloc(100, %d) returned %#x, not aligned", align, phys)
		}
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	r := newTestRegion(4096)

	if _, _, err := r.Alloc(1<<20, 4); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("oversized Alloc error = %v, want ErrOutOfMemory", err)
	}
}

func TestFreeCoalescesAndReuses(t *testing.T) {
	r := newTestRegion(4096)

	a, _, err := r.Alloc(1024, 4)
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := r.Alloc(1024, 4)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Free(a); err != nil {
		t.Fatalf("Free(a): %v", err)
	}
	if err := r.Free(b); err != nil {
		t.Fatalf("Free(b): %v", err)
	}

	// With both blocks freed and coalesced, a single allocation spanning
	// them must succeed.
	if _, _, err := r.Alloc(2048, 4); err != nil {
		t.Fatalf("Alloc(2048) after coalescing frees: %v", err)
	}
}

func TestAllocZeroesRecycledBlock(t *testing.T) {
	r := newTestRegion(4096)

	a, _, err := r.Alloc(64, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		a[i] = 0xff
	}
	if err := r.Free(a); err != nil {
		t.Fatal(err)
	}

	b, _, err := r.Alloc(64, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(b, make([]byte, 64)) {
		t.Fatal("Alloc handed out a recycled block without zeroing it")
	}
}

func TestVirtualToPhysicalRoundTrip(t *testing.T) {
	r := newTestRegion(4096)

	buf, phys, err := r.Alloc(128, 16)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.VirtualToPhysical(buf)
	if err != nil {
		t.Fatalf("VirtualToPhysical: %v", err)
	}
	if got != phys {
		t.Fatalf("VirtualToPhysical = %#x, want %#x", got, phys)
	}

	if _, err := r.VirtualToPhysical(make([]byte, 128)); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("foreign slice error = %v, want ErrNotAllocated", err)
	}
}

func TestPhysToVirtAliasesAllocation(t *testing.T) {
	r := newTestRegion(4096)

	buf, phys, err := r.Alloc(64, 4)
	if err != nil {
		t.Fatal(err)
	}

	view, err := r.PhysToVirt(phys, 64)
	if err != nil {
		t.Fatalf("PhysToVirt: %v", err)
	}

	view[0] = 0x42
	if buf[0] != 0x42 {
		t.Fatal("PhysToVirt view does not alias the allocation")
	}

	if _, err := r.PhysToVirt(phys+1<<20, 64); err == nil {
		t.Fatal("PhysToVirt accepted an address outside the region")
	}
}

func TestReserveReleaseDiscipline(t *testing.T) {
	r := newTestRegion(4096)

	buf, _, err := r.Reserve(256, 16)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	// A reserved block must come back through Release, not Free.
	if err := r.Free(buf); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Free of reserved block = %v, want ErrNotAllocated", err)
	}
	if err := r.Release(buf); err != nil {
		t.Fatalf("Release: %v", err)
	}

	plain, _, err := r.Alloc(256, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Release(plain); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Release of plain allocation = %v, want ErrNotAllocated", err)
	}
}
