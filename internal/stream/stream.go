// Package stream defines the single capability trait every open file
// descriptor's backing object implements: the block device and every
// filesystem file satisfy the same interface, so the syscall dispatcher
// and process fd table never need to know which one they're holding.
// Grounded on fdops's read/write/ctl/close contract (fdops/fdops.go) and
// fd/fd.go's refcounted handle wrapping it, adapted to a plain Go
// interface plus an explicit Unref method instead of a polymorphic trait
// object with embedded locking.
package stream

import "sv39kern/internal/errno"

// IoctlCmd names the four ioctl operations every stream supports.
type IoctlCmd int

const (
	GetLen IoctlCmd = iota
	GetPos
	SetPos
	GetBlkSize
)

// Stream is the read/write/ioctl/close capability object behind an open
// file descriptor. Read and Write return the number of bytes actually
// transferred; a short transfer is not itself an error (only EOF or an
// exhausted device/file reports 0 on success).
type Stream interface {
	Read(buf []byte) (int, errno.Err)
	Write(buf []byte) (int, errno.Err)
	Ioctl(cmd IoctlCmd, arg uint64) (uint64, errno.Err)
	Close()
}

// Handle wraps a Stream with the refcount every open-file slot and every
// fd table entry shares it through (fd/fd.go's Fd_t.Fops refcounting
// pattern, generalized beyond files). This kernel's syscall set has no
// fd-duplicating call (the original's fork-based fd sharing is out of
// scope here), so every Handle is opened with exactly one owner; the
// refcount still exists because Close must not run twice against the
// same slot's two outstanding references (e.g. a racing CLOSE and EXIT).
type Handle struct {
	Stream Stream
	refs   int
}

// NewHandle wraps s with an initial refcount of 1.
func NewHandle(s Stream) *Handle {
	return &Handle{Stream: s, refs: 1}
}

// Unref decrements the handle's refcount and reports whether it reached
// zero, in which case the caller must call h.Stream.Close().
func (h *Handle) Unref() bool {
	h.refs--
	return h.refs == 0
}
