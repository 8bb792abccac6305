package procmgr

import (
	"encoding/binary"
	"testing"

	"sv39kern/internal/config"
	"sv39kern/internal/errno"
	"sv39kern/internal/mem"
	"sv39kern/internal/stream"
	"sv39kern/internal/vm"
)

// memStream is a minimal stream.Stream over an in-memory byte slice,
// supporting the sequential Read plus SetPos seeking elf.Load needs.
type memStream struct {
	data []byte
	pos  int
}

func (m *memStream) Read(buf []byte) (int, errno.Err) {
	if m.pos >= len(m.data) {
		return 0, errno.OK
	}
	n := copy(buf, m.data[m.pos:])
	m.pos += n
	return n, errno.OK
}

func (m *memStream) Write(buf []byte) (int, errno.Err) { return 0, errno.ENOTSUP }

func (m *memStream) Ioctl(cmd stream.IoctlCmd, arg uint64) (uint64, errno.Err) {
	if cmd == stream.SetPos {
		m.pos = int(arg)
		return 0, errno.OK
	}
	return 0, errno.ENOTSUP
}

func (m *memStream) Close() {}

// buildMinimalELF assembles a one-segment ELF64 RISC-V executable whose
// entry point sits inside its only PT_LOAD segment.
func buildMinimalELF(t *testing.T, vaddr uint64, filesz int) []byte {
	t.Helper()
	const headerSize = 64
	const progHeaderSize = 56

	buf := make([]byte, headerSize+progHeaderSize+filesz)

	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little-endian
	buf[7] = 0 // System V ABI
	binary.LittleEndian.PutUint16(buf[16:18], 2)    // e_type (ET_EXEC)
	binary.LittleEndian.PutUint16(buf[18:20], 0xF3) // e_machine (RISC-V)
	binary.LittleEndian.PutUint32(buf[20:24], 1)    // e_version
	binary.LittleEndian.PutUint64(buf[24:32], vaddr)      // e_entry
	binary.LittleEndian.PutUint64(buf[32:40], headerSize) // e_phoff
	binary.LittleEndian.PutUint16(buf[52:54], headerSize)
	binary.LittleEndian.PutUint16(buf[54:56], progHeaderSize)
	binary.LittleEndian.PutUint16(buf[56:58], 1) // e_phnum

	ph := buf[headerSize:]
	binary.LittleEndian.PutUint32(ph[0:4], 1) // PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:8], 5) // R|X
	binary.LittleEndian.PutUint64(ph[8:16], headerSize+progHeaderSize)
	binary.LittleEndian.PutUint64(ph[16:24], vaddr)
	binary.LittleEndian.PutUint64(ph[24:32], vaddr)
	binary.LittleEndian.PutUint64(ph[32:40], uint64(filesz))
	binary.LittleEndian.PutUint64(ph[40:48], uint64(filesz))
	binary.LittleEndian.PutUint64(ph[48:56], mem.PageSize)

	return buf
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	ram := mem.NewRAM(config.RAMStart, config.RAMSize)
	alloc := mem.NewAllocator(ram, config.RAMStart+config.KernelImageSize)
	kimg := vm.KernelImage{
		TextStart:   config.RAMStart,
		TextEnd:     config.RAMStart + mem.PageSize,
		RodataStart: config.RAMStart + mem.PageSize,
		RodataEnd:   config.RAMStart + 2*mem.PageSize,
		DataStart:   config.RAMStart + 2*mem.PageSize,
	}
	return NewManager(ram, alloc, kimg)
}

func TestNewManagerInitializesMainProcess(t *testing.T) {
	mgr := newTestManager(t)
	main := mgr.Main()
	if main == nil {
		t.Fatal("Main() returned nil")
	}
	if main.ID != config.MainPID {
		t.Fatalf("main.ID = %d, want %d", main.ID, config.MainPID)
	}
	if mgr.Get(config.MainPID) != main {
		t.Fatal("Get(MainPID) does not match Main()")
	}
}

func TestGetOutOfRangeReturnsNil(t *testing.T) {
	mgr := newTestManager(t)
	if mgr.Get(-1) != nil {
		t.Fatal("Get(-1) should be nil")
	}
	if mgr.Get(config.NPROC) != nil {
		t.Fatal("Get(NPROC) should be nil")
	}
}

func TestAllocProcessClaimsFreshSlot(t *testing.T) {
	mgr := newTestManager(t)
	p, err := mgr.AllocProcess()
	if err != errno.OK {
		t.Fatalf("AllocProcess failed: %v", err)
	}
	if p.ID == config.MainPID {
		t.Fatal("AllocProcess must not reuse the main pid slot")
	}
	if mgr.Get(p.ID) != p {
		t.Fatal("allocated process not reachable via Get")
	}
}

func TestAllocProcessFailsWhenTableFull(t *testing.T) {
	mgr := newTestManager(t)
	for i := 1; i < config.NPROC; i++ {
		if _, err := mgr.AllocProcess(); err != errno.OK {
			t.Fatalf("AllocProcess #%d failed early: %v", i, err)
		}
	}
	if _, err := mgr.AllocProcess(); err != errno.EMFILE {
		t.Fatalf("AllocProcess on full table = %v, want %v", err, errno.EMFILE)
	}
}

func TestExecRejectsNilStream(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()
	if err := mgr.Exec(p, nil); err != errno.EINVAL {
		t.Fatalf("Exec(nil) = %v, want %v", err, errno.EINVAL)
	}
}

func TestExecLoadsEntryPoint(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()

	image := buildMinimalELF(t, config.UserStartVMA, 64)
	if err := mgr.Exec(p, &memStream{data: image}); err != errno.OK {
		t.Fatalf("Exec failed: %v", err)
	}
	if p.Entry != config.UserStartVMA {
		t.Fatalf("p.Entry = %#x, want %#x", p.Entry, uint64(config.UserStartVMA))
	}
}

func TestExecBadMagicLeavesProcessAlive(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()
	pid := p.ID

	image := buildMinimalELF(t, config.UserStartVMA, 64)
	image[0] = 0x00 // corrupt the magic

	err := mgr.Exec(p, &memStream{data: image})
	if err == errno.OK {
		t.Fatal("Exec with bad magic should fail")
	}
	if mgr.Get(pid) != p {
		t.Fatal("a failed Exec must leave the process slot in place")
	}
}

func TestExitReclaimsAddressSpaceAndFreesSlot(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()
	pid := p.ID

	mgr.Exit(p)

	if p.AS != mgr.kernel {
		t.Fatal("Exit did not switch the process's address space back to the kernel space")
	}
	if mgr.Get(pid) != nil {
		t.Fatal("process slot not freed after Exit")
	}
}

func TestExecAccumulatesSystemTime(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()

	image := buildMinimalELF(t, config.UserStartVMA, 64)
	if err := mgr.Exec(p, &memStream{data: image}); err != errno.OK {
		t.Fatalf("Exec failed: %v", err)
	}
	if p.Accnt.Sys <= 0 {
		t.Fatal("Exec did not charge any system time to the process")
	}
}

func TestAccountingProfileIncludesLiveProcesses(t *testing.T) {
	mgr := newTestManager(t)
	p, _ := mgr.AllocProcess()

	image := buildMinimalELF(t, config.UserStartVMA, 64)
	if err := mgr.Exec(p, &memStream{data: image}); err != errno.OK {
		t.Fatalf("Exec failed: %v", err)
	}

	prof := mgr.AccountingProfile()
	if len(prof.Sample) < 2 {
		t.Fatalf("AccountingProfile has %d samples, want at least 2 (main + allocated)", len(prof.Sample))
	}

	var foundPid bool
	for _, s := range prof.Sample {
		pids := s.NumLabel["pid"]
		if len(pids) == 1 && pids[0] == int64(p.ID) {
			foundPid = true
			if s.Value[1] <= 0 {
				t.Fatal("allocated process's sample has zero system time after Exec")
			}
		}
	}
	if !foundPid {
		t.Fatal("AccountingProfile did not include the allocated process's pid")
	}
}
