// Package procmgr implements the process table: process records, the
// main process pre-allocated at boot, and the exec/exit lifecycle.
// Grounded on the original kern/process.c (procmgr_init, process_exec,
// process_exit) and, for per-process accounting, biscuit's
// accnt/accnt.go (Accnt_t's Utadd/Systadd/Now fields, adapted to Go's
// time.Duration).
package procmgr

import (
	"time"

	"github.com/google/pprof/profile"

	"sv39kern/internal/config"
	"sv39kern/internal/elf"
	"sv39kern/internal/errno"
	"sv39kern/internal/klog"
	"sv39kern/internal/mem"
	"sv39kern/internal/stream"
	"sv39kern/internal/vm"
)

// Accounting is the accumulated user/system time a process has consumed,
// the Go counterpart of accnt.Accnt_t's nanosecond counters.
type Accounting struct {
	User time.Duration
	Sys  time.Duration
}

// AddUser and AddSys accumulate time the way Accnt_t.Utadd/Systadd do.
func (a *Accounting) AddUser(d time.Duration) { a.User += d }
func (a *Accounting) AddSys(d time.Duration)  { a.Sys += d }

// Process is one process-table entry: its pid, the kernel thread bound
// to it, its address space, its fd table, and its accounting counters.
type Process struct {
	ID      int
	Tid     int
	AS      *vm.AddressSpace
	Iotab   [config.ProcessIOMAX]*stream.Handle
	Entry   uint64
	Accnt   Accounting
	Created time.Time
}

// Manager is the fixed NPROC-slot process table plus the kernel address
// space every exiting process's AS is reclaimed back into.
type Manager struct {
	kernel *vm.AddressSpace
	table  [config.NPROC]*Process
}

// NewManager builds the kernel address space and binds the main process
// to pid MAIN_PID, the Go counterpart of procmgr_init.
func NewManager(ram *mem.RAM, alloc *mem.Allocator, kimg vm.KernelImage) *Manager {
	kernel := vm.NewKernelAddressSpace(ram, alloc, kimg)
	m := &Manager{kernel: kernel}
	m.table[config.MainPID] = &Process{ID: config.MainPID, AS: kernel, Created: time.Now()}
	klog.Info("procmgr: main process initialized", "pid", config.MainPID)
	return m
}

// Main returns the pre-allocated main process.
func (m *Manager) Main() *Process { return m.table[config.MainPID] }

// Get returns the process at pid, or nil if the slot is empty.
func (m *Manager) Get(pid int) *Process {
	if pid < 0 || pid >= config.NPROC {
		return nil
	}
	return m.table[pid]
}

// Exec replaces p's own user image in place: it tears down p's existing
// user mappings, reuses p's own address space and pid slot (rather than
// claiming a fresh slot, see the exec pid/address-space-reuse decision),
// and loads the ELF executable behind exeStream. On success, p.Entry
// holds the entry point the caller resumes at with SP set to
// config.UserEndVMA; the caller (the syscall dispatcher or its test
// harness) is responsible for the actual trap-return, which is outside
// this simulation's scope.
//
// A failed ELF load leaves p alive with its user mappings already torn
// down — this kernel validates the ELF header and program headers while
// streaming them in, so a load failure has no prior image left to fall
// back to.
//
// Tearing down the old image and streaming in the new one is kernel work
// on p's behalf, so its wall-clock cost is charged to p.Accnt's system
// time, win or lose.
func (m *Manager) Exec(p *Process, exeStream stream.Stream) errno.Err {
	if exeStream == nil {
		return errno.EINVAL
	}
	start := time.Now()
	p.AS.UnmapAndFreeUser()

	entry, err := elf.Load(exeStream, p.AS)
	p.Accnt.AddSys(time.Since(start))
	if err != errno.OK {
		return err
	}
	p.Entry = entry
	klog.Info("procmgr: exec loaded image", "pid", p.ID, "entry", entry)
	return errno.OK
}

// Exit tears p down: its address space is reclaimed back to the kernel
// space, every open fd is closed, and its pid slot is freed. The teardown
// itself is charged to p.Accnt's system time; whatever remains of p's
// wall-clock lifetime since AllocProcess/NewManager created it is charged
// to user time, the same Now()/Finish() bracketing accnt.Accnt_t uses,
// adapted to time.Time instead of raw int64 nanoseconds.
func (m *Manager) Exit(p *Process) {
	start := time.Now()
	vm.SpaceReclaim(&p.AS, m.kernel)

	for i := range p.Iotab {
		h := p.Iotab[i]
		if h == nil {
			continue
		}
		if h.Unref() {
			h.Stream.Close()
		}
		p.Iotab[i] = nil
	}

	teardown := time.Since(start)
	if lifetime := time.Since(p.Created); lifetime > teardown {
		p.Accnt.AddUser(lifetime - teardown)
	}
	p.Accnt.AddSys(teardown)

	m.table[p.ID] = nil
	klog.Info("procmgr: process exited", "pid", p.ID, "user", p.Accnt.User, "sys", p.Accnt.Sys)
}

// AllocProcess claims a free pid slot and creates a fresh user address
// space inherited from the kernel space's global entries, the slot-claim
// half of process_exec's fresh-process path (used by callers that want a
// brand-new process rather than exec-replacing an existing one, e.g. a
// future fork/spawn path — this kernel's own exec always reuses the
// calling process's slot per the exec decision above). Returns EMFILE if
// the table is full.
func (m *Manager) AllocProcess() (*Process, errno.Err) {
	for i, slot := range m.table {
		if slot != nil {
			continue
		}
		p := &Process{ID: i, AS: vm.NewUserSpace(m.kernel), Created: time.Now()}
		m.table[i] = p
		return p, errno.OK
	}
	return nil, errno.EMFILE
}

// AccountingProfile snapshots every live process's accumulated user/sys
// time into a pprof profile, one sample per process tagged with its pid,
// so accounting data can be inspected with the standard pprof tooling
// instead of a bespoke rusage-style encoding.
func (m *Manager) AccountingProfile() *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		TimeNanos: time.Now().UnixNano(),
	}
	for _, proc := range m.table {
		if proc == nil {
			continue
		}
		p.Sample = append(p.Sample, &profile.Sample{
			Value:    []int64{int64(proc.Accnt.User), int64(proc.Accnt.Sys)},
			NumLabel: map[string][]int64{"pid": {int64(proc.ID)}},
		})
	}
	return p
}
