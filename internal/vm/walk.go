package vm

import (
	"sv39kern/internal/klog"
	"sv39kern/internal/mem"
)

// sfenceVMA stands in for the single-hart "sfence.vma" TLB shootdown
// required after every PTE mutation that may affect the current address
// space. There is no real TLB to flush here; the call is
// kept as a named, traceable seam (klog.Trace, gated the same way a
// bdev_debug flag would be) so the walker's call sites read the same as
// the original C's sfence_vma() call sites.
func sfenceVMA() {
	klog.Trace("vm: sfence.vma")
}

// Walk decomposes vma into VPN2/VPN1/VPN0 and descends the three-level
// table rooted at root, returning a handle to the level-0 PTE slot.
// When create is true, missing intermediate tables are
// allocated and zeroed and installed as table PTEs (V=1, R=W=X=0, G
// inherited from ambient, which callers pass explicitly via tableFlags).
// When create is false and an intermediate entry is invalid, Walk returns
// ok=false: there is no level-0 slot to hand back, so callers must treat
// this the same as "leaf not valid" rather than dereference a
// nonexistent table.
func Walk(ram *mem.RAM, alloc *mem.Allocator, root mem.PhysAddr, vma uint64, create bool) (Leaf, bool) {
	return walk(ram, alloc, root, vma, create, 0)
}

// WalkGlobal is Walk, but intermediate tables created along the way are
// marked G, for mappings that belong to the shared kernel address space.
// NewKernelAddressSpace does not use it; it writes its tables directly.
func WalkGlobal(ram *mem.RAM, alloc *mem.Allocator, root mem.PhysAddr, vma uint64, create bool) (Leaf, bool) {
	return walk(ram, alloc, root, vma, create, G)
}

func walk(ram *mem.RAM, alloc *mem.Allocator, root mem.PhysAddr, vma uint64, create bool, tableFlags uint8) (Leaf, bool) {
	vpn2, vpn1, vpn0 := vpnIndices(vma)
	table := root
	for _, vpn := range [2]int{vpn2, vpn1} {
		frame := ram.Frame(table)
		pte := readPTE(frame, vpn)
		if !pte.Valid() {
			if !create {
				return Leaf{}, false
			}
			newTable := alloc.AllocZeroPage()
			pte = PTE{Flags: V | tableFlags, PPN: newTable}
			writePTE(frame, vpn, pte)
			sfenceVMA()
		}
		table = pte.PPN
	}
	return Leaf{ram: ram, frame: table, idx: vpn0}, true
}
