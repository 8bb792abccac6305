// Package vm implements the Sv39 three-level page-table walker and the
// per-address-space lifecycle operations built on top of it. It is grounded on
// biscuit/src/vm/as.go (Vm_t, Userdmap8_inner, Lock_pmap/Unlock_pmap) for the
// address-space shape and on kern/memory.c (walk_pt, memory_alloc_and_map_*,
// memory_unmap_and_free_user, memory_handle_page_fault,
// memory_validate_vptr_len) for the exact Sv39 semantics implemented here.
//
// Unlike biscuit's x86-64 Pmap_t (a [512]Pa_t table of packed hardware
// PTEs read via unsafe.Pointer over a real mmap), this package has no real
// MMU to overlay: page tables live inside the simulated RAM from the mem
// package, addressed the same way a disk block is addressed, and each PTE
// is a fixed 8-byte record {flags byte, 7-byte physical address} — the
// same "separate flags/ppn fields" shape as kern/memory.c's struct pte,
// chosen over a bit-packed 64-bit word because nothing here needs to match
// real RISC-V's SATP/PTE bit layout, only its three-level lookup algorithm.
package vm

import (
	"encoding/binary"

	"sv39kern/internal/config"
	"sv39kern/internal/mem"
)

// Flag bits a PTE carries: V, R, W, X, U, G, A, D.
const (
	V uint8 = 1 << iota
	R
	W
	X
	U
	G
	A
	D
)

// entrySize is the on-disk size of one PTE slot; PTEsPerTable*entrySize
// equals one page, so a page table occupies exactly one frame.
const entrySize = 8

// PTEsPerTable is the number of entries in one Sv39 page-table level (9 bits
// of index).
const PTEsPerTable = 512

// PTE is a single page-table entry: a physical-page-number field and the
// flag bits. A leaf PTE has V and at least one of {R, X}; a table PTE has
// V and R=W=X=0.
type PTE struct {
	Flags uint8
	PPN   mem.PhysAddr
}

// Valid reports whether V is set.
func (p PTE) Valid() bool { return p.Flags&V != 0 }

// IsLeaf reports whether p maps a page (as opposed to pointing at a
// sub-table): valid and at least one of R/X set.
func (p PTE) IsLeaf() bool { return p.Valid() && p.Flags&(R|X) != 0 }

// IsTable reports whether p points at an intermediate table: valid with
// R=W=X=0.
func (p PTE) IsTable() bool { return p.Valid() && p.Flags&(R|W|X) == 0 }

// HasAll reports whether p's flags are a superset of want, used by
// ValidatePtrLen.
func (p PTE) HasAll(want uint8) bool { return p.Flags&want == want }

func readPTE(frame []byte, idx int) PTE {
	off := idx * entrySize
	var buf [8]byte
	copy(buf[:7], frame[off+1:off+entrySize])
	return PTE{Flags: frame[off], PPN: mem.PhysAddr(binary.LittleEndian.Uint64(buf[:]))}
}

func writePTE(frame []byte, idx int, p PTE) {
	off := idx * entrySize
	frame[off] = p.Flags
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(p.PPN))
	copy(frame[off+1:off+entrySize], buf[:7])
}

// vpnIndices decomposes a virtual address into its three 9-bit VPN fields.
func vpnIndices(vma uint64) (vpn2, vpn1, vpn0 int) {
	const shift = uint(config.PageShift)
	vpn0 = int((vma >> shift) & 0x1ff)
	vpn1 = int((vma >> (shift + 9)) & 0x1ff)
	vpn2 = int((vma >> (shift + 18)) & 0x1ff)
	return
}

// Leaf is a handle to one level-0 PTE slot inside a page table frame,
// standing in for a raw "&leaf_pte" pointer without the unsafe pointer
// arithmetic real hardware mapping uses.
type Leaf struct {
	ram   *mem.RAM
	frame mem.PhysAddr
	idx   int
}

// Get reads the current value of the PTE this handle refers to.
func (l Leaf) Get() PTE { return readPTE(l.ram.Frame(l.frame), l.idx) }

// Set writes a new value to the PTE this handle refers to and triggers the
// TLB shootdown required after any mutation that may affect the current
// address space.
func (l Leaf) Set(p PTE) {
	writePTE(l.ram.Frame(l.frame), l.idx, p)
	sfenceVMA()
}
