// Package config holds the hardware memory map the rest of the kernel is
// built against. On real hardware these values come from the linker script
// and the virt-machine device tree; here they are compile-time constants,
// the same way PGSHIFT, VREC and VDIRECT are fixed as package-level
// consts rather than read out of a device tree at boot.
package config

// PageShift is the base-2 exponent of the page size.
const PageShift = 12

// PageSize is the size of a page in bytes (4 KiB, Sv39).
const PageSize = 1 << PageShift

// PageOffsetMask masks the in-page offset of a virtual or physical address.
const PageOffsetMask = PageSize - 1

// RAMStart is the physical base address of RAM on the virt platform.
const RAMStart = 0x8000_0000

// RAMSize is the amount of RAM the reference platform is configured with.
const RAMSize = 8 * 1024 * 1024

// RAMEnd is the first byte past the end of RAM.
const RAMEnd = RAMStart + RAMSize

// KernelImageSize is the space reserved for the kernel image at the base of
// RAM; the free-page list starts after it (rounded up to a page).
const KernelImageSize = 2 * 1024 * 1024

// UserStartVMA and UserEndVMA bound the user virtual address range. Every
// U-mapped page in every address space lies inside [UserStartVMA,
// UserEndVMA).
const (
	UserStartVMA = 0x8010_0000
	UserEndVMA   = 0x8100_0000
)

// PLICBase is the MMIO base address of the platform-level interrupt
// controller. The PLIC itself is an external collaborator; this constant
// exists only so drivers can name the IRQ source they enable through it.
const PLICBase = 0x0C00_0000

// UARTBase is the MMIO base address of the console UART, an external
// collaborator not implemented by this repository.
const UARTBase = 0x1000_0000

// Virtio0Base and VirtioStride give the MMIO base and per-device spacing of
// the virtio-mmio transport window; VirtioCount devices are mapped.
const (
	Virtio0Base  = 0x1000_1000
	VirtioStride = 0x100
	VirtioCount  = 8
)

// Virt0IRQNO is the IRQ number wired to the first virtio-mmio slot; device k
// is wired to Virt0IRQNO+k.
const Virt0IRQNO = 1

// NPROC is the number of fixed process-table slots.
const NPROC = 16

// ProcessIOMAX is the size of a process's fd table.
const ProcessIOMAX = 32

// MainPID is the pid of the pre-allocated main process.
const MainPID = 0
