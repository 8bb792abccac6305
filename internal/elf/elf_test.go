package elf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"sv39kern/internal/config"
	"sv39kern/internal/errno"
	"sv39kern/internal/mem"
	"sv39kern/internal/stream"
	"sv39kern/internal/vm"
)

// memStream is a minimal in-memory stream.Stream over a byte slice, just
// enough to drive Load's Read/Ioctl(SetPos) usage.
type memStream struct {
	data []byte
	pos  int
}

func (m *memStream) Read(buf []byte) (int, errno.Err) {
	n := copy(buf, m.data[m.pos:])
	m.pos += n
	return n, errno.OK
}

func (m *memStream) Write(buf []byte) (int, errno.Err) { return 0, errno.ENOTSUP }

func (m *memStream) Ioctl(cmd stream.IoctlCmd, arg uint64) (uint64, errno.Err) {
	switch cmd {
	case stream.SetPos:
		m.pos = int(arg)
		return 0, errno.OK
	case stream.GetLen:
		return uint64(len(m.data)), errno.OK
	default:
		return 0, errno.ENOTSUP
	}
}

func (m *memStream) Close() {}

var _ stream.Stream = (*memStream)(nil)

func newTestUserSpace(t *testing.T) *vm.AddressSpace {
	t.Helper()
	ram := mem.NewRAM(config.RAMStart, config.RAMSize)
	alloc := mem.NewAllocator(ram, config.RAMStart+config.KernelImageSize)
	kernel := vm.NewKernelAddressSpace(ram, alloc, vm.KernelImage{
		TextStart:   config.RAMStart,
		TextEnd:     config.RAMStart + mem.PageSize,
		RodataStart: config.RAMStart + mem.PageSize,
		RodataEnd:   config.RAMStart + 2*mem.PageSize,
		DataStart:   config.RAMStart + 2*mem.PageSize,
	})
	return vm.NewUserSpace(kernel)
}

// buildELF assembles a minimal RISC-V64 System-V ELF image with a single
// PT_LOAD segment containing code, with e_entry pointing at its first byte.
func buildELF(t *testing.T, vaddr uint64, code []byte, patch func(hdr, phdr []byte)) []byte {
	t.Helper()
	const phoff = headerSize

	hdr := make([]byte, headerSize)
	hdr[0], hdr[1], hdr[2], hdr[3] = mag0, mag1, mag2, mag3
	hdr[identClass] = class64
	hdr[identData] = dataLittle
	hdr[identABI] = osabiSystemV
	binary.LittleEndian.PutUint16(hdr[18:20], machineRISCV64)
	binary.LittleEndian.PutUint64(hdr[24:32], vaddr)
	binary.LittleEndian.PutUint64(hdr[32:40], phoff)
	binary.LittleEndian.PutUint16(hdr[54:56], progHeaderSize)
	binary.LittleEndian.PutUint16(hdr[56:58], 1)

	phdr := make([]byte, progHeaderSize)
	binary.LittleEndian.PutUint32(phdr[0:4], ptLoad)
	binary.LittleEndian.PutUint32(phdr[4:8], pFlagR|pFlagX)
	binary.LittleEndian.PutUint64(phdr[8:16], uint64(phoff+progHeaderSize))
	binary.LittleEndian.PutUint64(phdr[16:24], vaddr)
	binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(code)))
	binary.LittleEndian.PutUint64(phdr[40:48], uint64(len(code)))

	if patch != nil {
		patch(hdr, phdr)
	}

	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(phdr)
	buf.Write(code)
	return buf.Bytes()
}

func TestLoadValidExecutableReturnsEntry(t *testing.T) {
	as := newTestUserSpace(t)
	vaddr := uint64(config.UserStartVMA)
	code := []byte{0x13, 0x00, 0x00, 0x00} // addi x0, x0, 0 (nop)
	image := buildELF(t, vaddr, code, nil)

	entry, err := Load(&memStream{data: image}, as)
	if err != errno.OK {
		t.Fatalf("Load failed: %v", err)
	}
	if entry != vaddr {
		t.Fatalf("entry = %#x, want %#x", entry, vaddr)
	}

	got := make([]byte, len(code))
	if err := as.Read(vaddr, got); err != errno.OK {
		t.Fatalf("reading back loaded segment failed: %v", err)
	}
	if !bytes.Equal(got, code) {
		t.Fatalf("loaded segment = %v, want %v", got, code)
	}
}

func TestLoadSetsFinalPermissionsFromProgramHeader(t *testing.T) {
	as := newTestUserSpace(t)
	vaddr := uint64(config.UserStartVMA)
	code := []byte{0x13, 0x00, 0x00, 0x00}
	image := buildELF(t, vaddr, code, nil)

	if _, err := Load(&memStream{data: image}, as); err != errno.OK {
		t.Fatalf("Load failed: %v", err)
	}

	// The final R|X|U permissions must still satisfy a U|R check, even
	// though the loading copy used R|W|U.
	if err := as.ValidatePtrLen(vaddr, len(code), vm.U|vm.R); err != errno.OK {
		t.Fatalf("ValidatePtrLen on loaded segment failed: %v", err)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	as := newTestUserSpace(t)
	image := buildELF(t, uint64(config.UserStartVMA), []byte{0, 0, 0, 0}, func(hdr, phdr []byte) {
		hdr[0] = 0
	})
	if _, err := Load(&memStream{data: image}, as); err != errno.EMAGIC {
		t.Fatalf("Load with bad magic = %v, want EMAGIC", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	as := newTestUserSpace(t)
	image := buildELF(t, uint64(config.UserStartVMA), []byte{0, 0, 0, 0}, func(hdr, phdr []byte) {
		binary.LittleEndian.PutUint16(hdr[18:20], 0x3E) // x86-64, not RISC-V
	})
	if _, err := Load(&memStream{data: image}, as); err != errno.EMACHINE {
		t.Fatalf("Load with wrong machine = %v, want EMACHINE", err)
	}
}

func TestLoadRejectsSegmentOutsideUserRange(t *testing.T) {
	as := newTestUserSpace(t)
	image := buildELF(t, config.UserEndVMA-2, []byte{1, 2, 3, 4, 5, 6, 7, 8}, nil)
	if _, err := Load(&memStream{data: image}, as); err != errno.EPROGHDR {
		t.Fatalf("Load with out-of-range segment = %v, want EPROGHDR", err)
	}
}

func TestLoadRejectsShortSegmentRead(t *testing.T) {
	as := newTestUserSpace(t)
	vaddr := uint64(config.UserStartVMA)
	code := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	image := buildELF(t, vaddr, code, func(hdr, phdr []byte) {
		binary.LittleEndian.PutUint64(phdr[32:40], uint64(len(code)+100))
	})
	if _, err := Load(&memStream{data: image}, as); err != errno.EPROGREAD {
		t.Fatalf("Load with truncated segment = %v, want EPROGREAD", err)
	}
}
