package mem

import "testing"

func TestNewAllocatorFreeCountMatchesFormula(t *testing.T) {
	ram := NewRAM(0x8000_0000, 8*1024*1024)
	heapEnd := PhysAddr(0x8000_0000 + 2*1024*1024 + 17) // unaligned, as a real _kimg_end would be
	a := NewAllocator(ram, heapEnd)

	want := int((ram.End() - roundUp(heapEnd, PageSize)) / PageSize)
	if got := a.FreeCount(); got != want {
		t.Fatalf("FreeCount() = %d, want %d", got, want)
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	ram := NewRAM(0x8000_0000, 64*1024)
	a := NewAllocator(ram, ram.Base)

	before := a.FreeCount()
	p1 := a.AllocPage()
	p2 := a.AllocPage()
	if p1 == p2 {
		t.Fatalf("AllocPage returned the same frame twice: %#x", p1)
	}
	if a.FreeCount() != before-2 {
		t.Fatalf("FreeCount() = %d, want %d", a.FreeCount(), before-2)
	}

	a.FreePage(p1)
	a.FreePage(p2)
	if a.FreeCount() != before {
		t.Fatalf("FreeCount() after free = %d, want %d", a.FreeCount(), before)
	}

	// Freed pages come back in LIFO order, so the allocator's next two
	// allocations are exactly the pages just freed.
	if got := a.AllocPage(); got != p2 {
		t.Fatalf("AllocPage() = %#x, want %#x", got, p2)
	}
	if got := a.AllocPage(); got != p1 {
		t.Fatalf("AllocPage() = %#x, want %#x", got, p1)
	}
}

func TestAllocPageExhaustionIsFatal(t *testing.T) {
	ram := NewRAM(0x8000_0000, PageSize) // exactly one frame
	a := NewAllocator(ram, ram.Base)

	a.AllocPage()

	defer func() {
		if recover() == nil {
			t.Fatal("AllocPage on an empty list did not panic")
		}
	}()
	a.AllocPage()
}

func TestAllocZeroPageIsZeroed(t *testing.T) {
	ram := NewRAM(0x8000_0000, 2*PageSize)
	a := NewAllocator(ram, ram.Base)

	pa := a.AllocZeroPage()
	for i, b := range ram.Frame(pa) {
		if b != 0 {
			t.Fatalf("frame byte %d = %#x, want 0", i, b)
		}
	}
}

func TestEveryFreeFrameReachableExactlyOnce(t *testing.T) {
	ram := NewRAM(0x8000_0000, 16*PageSize)
	a := NewAllocator(ram, ram.Base)

	seen := make(map[PhysAddr]bool)
	for a.hasFree {
		pa := a.AllocPage()
		if seen[pa] {
			t.Fatalf("frame %#x listed twice", pa)
		}
		seen[pa] = true
	}
	if len(seen) != 16 {
		t.Fatalf("reached %d frames, want 16", len(seen))
	}
}
