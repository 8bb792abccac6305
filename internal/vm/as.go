package vm

import (
	"sv39kern/internal/config"
	"sv39kern/internal/errno"
	"sv39kern/internal/kpanic"
	"sv39kern/internal/mem"
)

const (
	gigaSize = 1 << 30
	megaSize = 1 << 21
)

// KernelImage describes the link-time layout of the running kernel image,
// the Go equivalent of the linker-provided _kimg_text_start/_kimg_end
// symbols kern/memory.c reads directly.
type KernelImage struct {
	TextStart, TextEnd     uint64
	RodataStart, RodataEnd uint64
	DataStart              uint64
}

// AddressSpace is a process's (or the kernel's) Sv39 root page table,
// identified by an opaque Tag combining the Sv39 mode bits and the root
// frame number. Grounded on biscuit's Vm_t (vm/as.go), with
// the SMP page-fault lock dropped: this kernel is single-hart, so there is
// no concurrent faulter to exclude.
type AddressSpace struct {
	Root  mem.PhysAddr
	ram   *mem.RAM
	alloc *mem.Allocator
}

// Tag returns the opaque address-space identifier: Sv39 mode in the high
// bits, root frame number in the low bits — the same shape as RISC-V's
// satp CSR, so it doubles as the value a context switch would load there.
func (as *AddressSpace) Tag() uint64 {
	const modeSv39 = uint64(8) << 60
	return modeSv39 | uint64(as.Root)>>config.PageShift
}

// NewKernelAddressSpace installs the boot mapping memory_init builds:
// identity gigapages for MMIO below RAM, per-page kernel
// mapping of .text (R|X|G), .rodata (R|G) and .data through the end of
// the first 2 MiB of RAM (R|W|G), and megapage mappings of the remaining
// RAM as R|W|G. All intermediate tables and leaves are marked global: the
// main kernel address space is shared and these pages are
// never reclaimed.
func NewKernelAddressSpace(ram *mem.RAM, alloc *mem.Allocator, kimg KernelImage) *AddressSpace {
	as := &AddressSpace{Root: alloc.AllocZeroPage(), ram: ram, alloc: alloc}

	root := ram.Frame(as.Root)
	for pma := uint64(0); pma < config.RAMStart; pma += gigaSize {
		vpn2, _, _ := vpnIndices(pma)
		writePTE(root, vpn2, PTE{Flags: V | R | W | G, PPN: mem.PhysAddr(pma)})
	}

	pt1 := alloc.AllocZeroPage()
	vpn2ram, _, _ := vpnIndices(config.RAMStart)
	writePTE(root, vpn2ram, PTE{Flags: V | G, PPN: pt1})

	pt0 := alloc.AllocZeroPage()
	_, vpn1ram, _ := vpnIndices(config.RAMStart)
	writePTE(ram.Frame(pt1), vpn1ram, PTE{Flags: V | G, PPN: pt0})

	pt0Frame := ram.Frame(pt0)
	for pa := kimg.TextStart; pa < kimg.TextEnd; pa += mem.PageSize {
		_, _, vpn0 := vpnIndices(pa)
		writePTE(pt0Frame, vpn0, PTE{Flags: V | R | X | G, PPN: mem.PhysAddr(pa)})
	}
	for pa := kimg.RodataStart; pa < kimg.RodataEnd; pa += mem.PageSize {
		_, _, vpn0 := vpnIndices(pa)
		writePTE(pt0Frame, vpn0, PTE{Flags: V | R | G, PPN: mem.PhysAddr(pa)})
	}
	for pa := kimg.DataStart; pa < config.RAMStart+megaSize; pa += mem.PageSize {
		_, _, vpn0 := vpnIndices(pa)
		writePTE(pt0Frame, vpn0, PTE{Flags: V | R | W | G, PPN: mem.PhysAddr(pa)})
	}

	for pa := uint64(config.RAMStart) + megaSize; pa < config.RAMEnd; pa += megaSize {
		_, vpn1, _ := vpnIndices(pa)
		writePTE(ram.Frame(pt1), vpn1, PTE{Flags: V | R | W | G, PPN: mem.PhysAddr(pa)})
	}

	sfenceVMA()
	return as
}

// NewUserSpace allocates a fresh private root for a process and copies in
// every global top-level entry from the kernel space, so the new space can
// still execute kernel code and touch kernel data after a trap, without
// duplicating any of the shared sub-tables (grounded on biscuit's Kents
// list in mem/dmap.go, recorded at boot specifically so later address
// spaces can replay the kernel's top-level mappings).
func NewUserSpace(kernel *AddressSpace) *AddressSpace {
	as := &AddressSpace{Root: kernel.alloc.AllocZeroPage(), ram: kernel.ram, alloc: kernel.alloc}
	krootFrame := kernel.ram.Frame(kernel.Root)
	rootFrame := as.ram.Frame(as.Root)
	for i := 0; i < PTEsPerTable; i++ {
		pte := readPTE(krootFrame, i)
		if pte.Valid() && pte.Flags&G != 0 {
			writePTE(rootFrame, i, pte)
		}
	}
	return as
}

// AllocAndMapPage allocates one frame, walks the root with create=true,
// and installs the leaf with rwxug|A|D|V. Intermediate tables created
// along the way are marked U whenever the leaf itself is U, so
// UnmapAndFreeUser's keep(flags&U) predicate can later reclaim them.
func (as *AddressSpace) AllocAndMapPage(vma uint64, rwxug uint8) mem.PhysAddr {
	pa := as.alloc.AllocPage()
	leaf, ok := walk(as.ram, as.alloc, as.Root, vma, true, rwxug&U)
	if !ok {
		kpanic.Abort("vm: walk with create=true failed to produce a leaf slot")
	}
	leaf.Set(PTE{Flags: rwxug | A | D | V, PPN: pa})
	return pa
}

// AllocAndMapRange rounds size up to a page multiple and repeats
// AllocAndMapPage over [vma, vma+size); vma itself is not rounded.
func (as *AddressSpace) AllocAndMapRange(vma uint64, size int, rwxug uint8) {
	n := roundUp(size, mem.PageSize)
	for off := 0; off < n; off += mem.PageSize {
		as.AllocAndMapPage(vma+uint64(off), rwxug)
	}
}

// SetPageFlags replaces the flags on an already-mapped leaf (A|D|V
// reasserted). It fails with EACCESS if vma is not mapped — walking with
// create=false: an unmapped page's flags cannot be set.
func (as *AddressSpace) SetPageFlags(vma uint64, rwxug uint8) errno.Err {
	leaf, ok := Walk(as.ram, as.alloc, as.Root, vma, false)
	if !ok || !leaf.Get().Valid() {
		return errno.EACCESS
	}
	pte := leaf.Get()
	leaf.Set(PTE{Flags: rwxug | A | D | V, PPN: pte.PPN})
	return errno.OK
}

// SetRangeFlags is SetPageFlags repeated over [vma, vma+size). Setting
// flags on a never-mapped page is rejected by the underlying
// walk(create=false).
func (as *AddressSpace) SetRangeFlags(vma uint64, size int, rwxug uint8) errno.Err {
	n := roundUp(size, mem.PageSize)
	for off := 0; off < n; off += mem.PageSize {
		if err := as.SetPageFlags(vma+uint64(off), rwxug); err != errno.OK {
			return err
		}
	}
	return errno.OK
}

// HandlePageFault services a store fault in the user VA range by
// installing a fresh zero page with R|W|U, freeing any frame the leaf
// previously mapped first. Faults outside the user range are fatal.
// Intermediate tables created along the way are marked U, same as
// AllocAndMapPage.
func (as *AddressSpace) HandlePageFault(vptr uint64) {
	if vptr < config.UserStartVMA || vptr >= config.UserEndVMA {
		kpanic.Abort("vm: page fault at %#x outside the user VA range", vptr)
	}
	leaf, ok := walk(as.ram, as.alloc, as.Root, vptr, true, U)
	if !ok {
		kpanic.Abort("vm: walk with create=true failed to produce a leaf slot")
	}
	if old := leaf.Get(); old.Valid() {
		as.alloc.FreePage(old.PPN)
	}
	pa := as.alloc.AllocZeroPage()
	leaf.Set(PTE{Flags: R | W | U | A | D | V, PPN: pa})
}

// UnmapAndFreeUser walks the root, reclaiming every U-marked leaf's frame
// to the allocator and freeing the U-marked intermediate tables. The root
// itself is not freed. An intermediate table is freed only
// if the intermediate entry itself carries U: callers must not mix
// kernel and user leaves under a U-marked intermediate.
func (as *AddressSpace) UnmapAndFreeUser() {
	as.reclaim(func(flags uint8) bool { return flags&U != 0 })
}

// SpaceReclaim switches the active address space to main, then performs
// the same non-global reclamation over as's tree, and finally frees as's
// own root frame — fully tearing the space down.
func SpaceReclaim(active **AddressSpace, main *AddressSpace) {
	prev := *active
	*active = main
	prev.reclaim(func(flags uint8) bool { return flags&G == 0 })
	main.alloc.FreePage(prev.Root)
}

// reclaim walks all three levels of as.Root, freeing every leaf frame for
// which keep reports true on the leaf's own flags and every intermediate
// table for which keep reports true on the entry pointing at it.
func (as *AddressSpace) reclaim(keep func(flags uint8) bool) {
	root := as.ram.Frame(as.Root)
	for i2 := 0; i2 < PTEsPerTable; i2++ {
		pt2 := readPTE(root, i2)
		if !pt2.Valid() || !pt2.IsTable() {
			continue
		}
		pt1Frame := as.ram.Frame(pt2.PPN)
		for i1 := 0; i1 < PTEsPerTable; i1++ {
			pt1 := readPTE(pt1Frame, i1)
			if !pt1.Valid() || !pt1.IsTable() {
				continue
			}
			pt0Frame := as.ram.Frame(pt1.PPN)
			for i0 := 0; i0 < PTEsPerTable; i0++ {
				leaf := readPTE(pt0Frame, i0)
				if leaf.Valid() && keep(leaf.Flags) {
					as.alloc.FreePage(leaf.PPN)
					writePTE(pt0Frame, i0, PTE{})
					sfenceVMA()
				}
			}
			if keep(pt1.Flags) {
				as.alloc.FreePage(pt1.PPN)
				writePTE(pt1Frame, i1, PTE{})
				sfenceVMA()
			}
		}
		if keep(pt2.Flags) {
			as.alloc.FreePage(pt2.PPN)
			writePTE(root, i2, PTE{})
			sfenceVMA()
		}
	}
}

func roundUp(v, align int) int {
	return (v + align - 1) / align * align
}
