// Package mem owns the physical page allocator: a singly-linked free list
// of 4 KiB frames, threaded by reinterpreting the first word of each free
// frame as the next-pointer. Grounded on biscuit/src/mem/mem.go's
// Physmem_t free list (_phys_new/_phys_insert), with the per-CPU free
// lists and refcounting dropped — this kernel is single-hart and pages
// are owned by exactly one address space at a time, so a plain
// head-pointer list is enough.
package mem

import (
	"encoding/binary"

	"sv39kern/internal/config"
	"sv39kern/internal/kpanic"
)

// PhysAddr is a physical address. Frame addresses are always page-aligned.
type PhysAddr uint64

// PageSize is the frame size the allocator deals in.
const PageSize = config.PageSize

const noNext = ^uint64(0)

// RAM is the byte-addressable backing store for all of physical memory,
// standing in for the real DRAM the MMU and disk DMA engine would touch.
// Index 0 corresponds to physical address Base.
type RAM struct {
	Base  PhysAddr
	bytes []byte
}

// NewRAM allocates a simulated physical memory of size bytes starting at
// base.
func NewRAM(base PhysAddr, size int) *RAM {
	return &RAM{Base: base, bytes: make([]byte, size)}
}

// Size returns the number of bytes backing RAM.
func (r *RAM) Size() int { return len(r.bytes) }

// End returns the first physical address past the end of RAM.
func (r *RAM) End() PhysAddr { return r.Base + PhysAddr(len(r.bytes)) }

// Contains reports whether pa lies within this RAM.
func (r *RAM) Contains(pa PhysAddr) bool {
	return pa >= r.Base && pa < r.End()
}

// Frame returns the PageSize-byte slice backing the frame at pa. pa must be
// page-aligned and within RAM; violating either is a programmer error.
func (r *RAM) Frame(pa PhysAddr) []byte {
	if uint64(pa)&uint64(PageSize-1) != 0 {
		kpanic.Abort("mem: frame address %#x is not page-aligned", pa)
	}
	if !r.Contains(pa) {
		kpanic.Abort("mem: frame address %#x is out of range", pa)
	}
	off := int(pa - r.Base)
	return r.bytes[off : off+PageSize]
}

// Allocator manages RAM's free-frame list.
type Allocator struct {
	ram      *RAM
	freeHead PhysAddr
	hasFree  bool
	free     int
}

// NewAllocator threads every page-aligned frame in [heapEnd, ram.End()) onto
// the free list, in order. heapEnd is rounded up to a page boundary first,
// so the free count is deterministic from (ram.End()-heapEnd)/PageSize.
func NewAllocator(ram *RAM, heapEnd PhysAddr) *Allocator {
	a := &Allocator{ram: ram}
	start := roundUp(heapEnd, PageSize)
	var prev PhysAddr
	first := true
	for pa := start; pa+PageSize <= ram.End(); pa += PageSize {
		if first {
			a.freeHead = pa
			a.hasFree = true
			first = false
		} else {
			binary.LittleEndian.PutUint64(ram.Frame(prev), uint64(pa))
		}
		binary.LittleEndian.PutUint64(ram.Frame(pa), noNext)
		prev = pa
		a.free++
	}
	return a
}

func roundUp(v PhysAddr, align int) PhysAddr {
	a := PhysAddr(align)
	return (v + a - 1) / a * a
}

// FreeCount returns the number of frames currently on the free list.
func (a *Allocator) FreeCount() int { return a.free }

// AllocPage dequeues the free-list head and returns it. Resource
// exhaustion here is fatal, since a kernel that cannot allocate a page
// table entry or a user page has no sane way to keep running.
func (a *Allocator) AllocPage() PhysAddr {
	if !a.hasFree {
		kpanic.Abort("mem: out of physical pages")
	}
	pa := a.freeHead
	next := binary.LittleEndian.Uint64(a.ram.Frame(pa))
	if next == noNext {
		a.hasFree = false
	} else {
		a.freeHead = PhysAddr(next)
	}
	a.free--
	return pa
}

// AllocZeroPage allocates a page and zeroes it, for leaves that must start
// clean (a fresh page table level, a lazily-faulted-in user page).
func (a *Allocator) AllocZeroPage() PhysAddr {
	pa := a.AllocPage()
	clear(a.ram.Frame(pa))
	return pa
}

// FreePage enqueues p at the free-list head. The caller must ensure p was
// previously returned by AllocPage and is no longer mapped anywhere; this
// is a programmer contract, not something the allocator can check from a
// byte pattern, so it is not re-verified here.
func (a *Allocator) FreePage(p PhysAddr) {
	if !a.ram.Contains(p) {
		kpanic.Abort("mem: freeing page %#x outside of RAM", p)
	}
	var next uint64
	if a.hasFree {
		next = uint64(a.freeHead)
	} else {
		next = noNext
	}
	binary.LittleEndian.PutUint64(a.ram.Frame(p), next)
	a.freeHead = p
	a.hasFree = true
	a.free++
}

// RAM exposes the backing memory for callers (vm) that need raw frame
// access beyond alloc/free.
func (a *Allocator) RAM() *RAM { return a.ram }
