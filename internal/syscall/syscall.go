// Package syscall implements the trap-frame-driven dispatcher: one
// Dispatch call per user ecall, reading the call number and arguments
// out of a Frame (the Go stand-in for the trap frame's a7/a0..a2) and
// returning the value the trap handler would place back into a0.
// Grounded on the original kern/syscall.c's syscall_handler switch. Each
// call resolves its fd and validates its user pointers before any device
// or file is opened or touched; READ checks its buffer before resolving
// the fd, the other calls resolve the fd first.
package syscall

import (
	"sv39kern/internal/config"
	"sv39kern/internal/devreg"
	"sv39kern/internal/errno"
	"sv39kern/internal/fs"
	"sv39kern/internal/klog"
	"sv39kern/internal/kpanic"
	"sv39kern/internal/procmgr"
	"sv39kern/internal/stream"
	"sv39kern/internal/vm"
)

// Cmd names the eleven syscall numbers carried in a7.
type Cmd uint64

const (
	Exit Cmd = iota
	Msgout
	Devopen
	Fsopen
	Close
	Read
	Write
	Ioctl
	Exec
	Wait
	Usleep
)

// Frame is the trap frame's syscall-relevant registers: a7 in Cmd, a0..a2
// in A0..A2. User pointers (strings, buffers) are carried as raw
// addresses in A0/A1 and validated against the calling process's address
// space before use.
type Frame struct {
	Cmd        Cmd
	A0, A1, A2 uint64
}

// msgMaxLen bounds MSGOUT's string scan, matching the console's own
// line-length expectations rather than scanning unbounded user memory.
const msgMaxLen = 256

// nameMaxLen bounds the DEVOPEN/FSOPEN name scan; fs dentry names are
// fixed at fs.NameSize bytes, and device names share the same bound.
const nameMaxLen = fs.NameSize

// Dispatcher resolves syscalls against a process table, a mounted
// filesystem, and a named device registry.
type Dispatcher struct {
	procs   *procmgr.Manager
	fsys    *fs.FS
	devices *devreg.Registry
}

// NewDispatcher builds a Dispatcher over the given process manager,
// filesystem mount, and device registry.
func NewDispatcher(procs *procmgr.Manager, fsys *fs.FS, devices *devreg.Registry) *Dispatcher {
	return &Dispatcher{procs: procs, fsys: fsys, devices: devices}
}

// resolveFdOrCurrent implements the fd<0-means-"first occupied slot"
// resolution DEVOPEN/FSOPEN/IOCTL use.
func resolveFdOrCurrent(p *procmgr.Process, fd int) (int, errno.Err) {
	if fd >= config.ProcessIOMAX {
		return 0, errno.ENOENT
	}
	if fd < 0 {
		for i := 0; i < config.ProcessIOMAX; i++ {
			if p.Iotab[i] != nil {
				return i, errno.OK
			}
		}
		return 0, errno.ENOENT
	}
	return fd, errno.OK
}

// resolveFdStrict implements the always-fails-on-negative-fd resolution
// CLOSE/READ/WRITE/EXEC use.
func resolveFdStrict(fd int) (int, errno.Err) {
	if fd < 0 || fd >= config.ProcessIOMAX {
		return 0, errno.ENOENT
	}
	return fd, errno.OK
}

func asInt64(e errno.Err) int64 { return int64(e) }

// Dispatch executes one syscall on behalf of p and returns the value the
// trap handler places in a0. Advancing sepc by 4 is the trap handler's
// job, outside this simulation's scope.
func (d *Dispatcher) Dispatch(p *procmgr.Process, f Frame) int64 {
	if p == nil {
		kpanic.Abort("syscall: no current process")
	}

	switch f.Cmd {
	case Exit:
		return d.sysExit(p)
	case Msgout:
		return d.sysMsgout(p, f.A0)
	case Devopen:
		return d.sysDevopen(p, int(int64(f.A0)), f.A1, int(f.A2))
	case Fsopen:
		return d.sysFsopen(p, int(int64(f.A0)), f.A1)
	case Close:
		return d.sysClose(p, int(int64(f.A0)))
	case Read:
		return d.sysRead(p, int(int64(f.A0)), f.A1, int(f.A2))
	case Write:
		return d.sysWrite(p, int(int64(f.A0)), f.A1, int(f.A2))
	case Ioctl:
		return d.sysIoctl(p, int(int64(f.A0)), f.A1, f.A2)
	case Exec:
		return d.sysExec(p, int(int64(f.A0)))
	case Wait:
		return d.sysWait(p, int(int64(f.A0)))
	case Usleep:
		return d.sysUsleep(p, f.A0)
	default:
		return -1
	}
}

func (d *Dispatcher) sysExit(p *procmgr.Process) int64 {
	d.procs.Exit(p)
	return 0
}

func (d *Dispatcher) sysMsgout(p *procmgr.Process, strPtr uint64) int64 {
	n, err := p.AS.ValidateStr(strPtr, msgMaxLen)
	if err != errno.OK {
		return asInt64(err)
	}
	buf := make([]byte, n)
	if err := p.AS.Read(strPtr, buf); err != errno.OK {
		return asInt64(err)
	}
	klog.Info("msgout", "pid", p.ID, "msg", string(buf))
	return 0
}

func (d *Dispatcher) openIntoFd(p *procmgr.Process, fd int, s stream.Stream) int64 {
	if existing := p.Iotab[fd]; existing != nil {
		if existing.Unref() {
			existing.Stream.Close()
		}
	}
	p.Iotab[fd] = stream.NewHandle(s)
	return int64(fd)
}

func (d *Dispatcher) sysDevopen(p *procmgr.Process, fd int, namePtr uint64, instno int) int64 {
	fd, err := resolveFdOrCurrent(p, fd)
	if err != errno.OK {
		return asInt64(err)
	}
	n, err := p.AS.ValidateStr(namePtr, nameMaxLen)
	if err != errno.OK {
		return asInt64(err)
	}
	nameBuf := make([]byte, n)
	if err := p.AS.Read(namePtr, nameBuf); err != errno.OK {
		return asInt64(err)
	}
	dev, err := d.devices.Open(string(nameBuf), instno)
	if err != errno.OK {
		return asInt64(errno.ENODEV)
	}
	return d.openIntoFd(p, fd, dev)
}

func (d *Dispatcher) sysFsopen(p *procmgr.Process, fd int, namePtr uint64) int64 {
	fd, err := resolveFdOrCurrent(p, fd)
	if err != errno.OK {
		return asInt64(err)
	}
	n, err := p.AS.ValidateStr(namePtr, nameMaxLen)
	if err != errno.OK {
		return asInt64(err)
	}
	nameBuf := make([]byte, n)
	if err := p.AS.Read(namePtr, nameBuf); err != errno.OK {
		return asInt64(err)
	}
	f, err := d.fsys.Open(string(nameBuf))
	if err != errno.OK {
		return asInt64(errno.ENOENT)
	}
	return d.openIntoFd(p, fd, f)
}

func (d *Dispatcher) sysClose(p *procmgr.Process, fd int) int64 {
	fd, err := resolveFdStrict(fd)
	if err != errno.OK {
		return asInt64(err)
	}
	h := p.Iotab[fd]
	if h == nil {
		return asInt64(errno.EIO)
	}
	if h.Unref() {
		h.Stream.Close()
	}
	p.Iotab[fd] = nil
	return 0
}

func (d *Dispatcher) sysRead(p *procmgr.Process, fd int, bufPtr uint64, n int) int64 {
	if err := p.AS.ValidatePtrLen(bufPtr, n, vm.U|vm.W); err != errno.OK {
		return asInt64(err)
	}
	fd, err := resolveFdStrict(fd)
	if err != errno.OK {
		return asInt64(err)
	}
	h := p.Iotab[fd]
	if h == nil {
		return asInt64(errno.EIO)
	}
	buf := make([]byte, n)
	transferred, err := h.Stream.Read(buf)
	if err != errno.OK {
		return asInt64(err)
	}
	if err := p.AS.Write(bufPtr, buf[:transferred]); err != errno.OK {
		return asInt64(err)
	}
	return int64(transferred)
}

func (d *Dispatcher) sysWrite(p *procmgr.Process, fd int, bufPtr uint64, n int) int64 {
	fd, err := resolveFdStrict(fd)
	if err != errno.OK {
		return asInt64(err)
	}
	h := p.Iotab[fd]
	if h == nil {
		return asInt64(errno.EIO)
	}
	buf := make([]byte, n)
	if err := p.AS.Read(bufPtr, buf); err != errno.OK {
		return asInt64(err)
	}
	transferred, err := h.Stream.Write(buf)
	if err != errno.OK {
		return asInt64(err)
	}
	return int64(transferred)
}

func (d *Dispatcher) sysIoctl(p *procmgr.Process, fd int, cmd uint64, arg uint64) int64 {
	fd, err := resolveFdOrCurrent(p, fd)
	if err != errno.OK {
		return asInt64(err)
	}
	h := p.Iotab[fd]
	if h == nil {
		return asInt64(errno.EIO)
	}
	value, err := h.Stream.Ioctl(stream.IoctlCmd(cmd), arg)
	if err != errno.OK {
		return asInt64(err)
	}
	return int64(value)
}

func (d *Dispatcher) sysExec(p *procmgr.Process, fd int) int64 {
	fd, err := resolveFdStrict(fd)
	if err != errno.OK {
		return asInt64(err)
	}
	h := p.Iotab[fd]
	if h == nil {
		return asInt64(errno.EIO)
	}
	if err := d.procs.Exec(p, h.Stream); err != errno.OK {
		return asInt64(err)
	}
	return 0
}

// sysWait and sysUsleep have nothing to do in this simulation: the
// thread scheduler and timer are external collaborators this repository
// does not model. They succeed immediately rather than actually blocking.
func (d *Dispatcher) sysWait(p *procmgr.Process, tid int) int64 {
	klog.Trace("wait: no scheduler present, returning immediately", "pid", p.ID, "tid", tid)
	return 0
}

func (d *Dispatcher) sysUsleep(p *procmgr.Process, us uint64) int64 {
	klog.Trace("usleep: no timer present, returning immediately", "pid", p.ID, "us", us)
	return 0
}
