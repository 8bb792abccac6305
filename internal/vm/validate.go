package vm

import (
	"sv39kern/internal/config"
	"sv39kern/internal/errno"
	"sv39kern/internal/mem"
)

// ValidatePtrLen checks that [vptr, vptr+length) lies inside the user VA
// range and that every page it touches is mapped with at least rwxug.
// A zero-length range is always rejected: a syscall argument that claims
// to touch memory but names no bytes is a contract violation, not a
// legitimate zero-byte request.
func (as *AddressSpace) ValidatePtrLen(vptr uint64, length int, rwxug uint8) errno.Err {
	if length <= 0 {
		return errno.EACCESS
	}
	end := vptr + uint64(length)
	if vptr < config.UserStartVMA || end > config.UserEndVMA || end < vptr {
		return errno.EACCESS
	}
	first := vptr &^ (mem.PageSize - 1)
	for pg := first; pg < end; pg += mem.PageSize {
		leaf, ok := Walk(as.ram, as.alloc, as.Root, pg, false)
		if !ok {
			return errno.EACCESS
		}
		pte := leaf.Get()
		if !pte.IsLeaf() || !pte.HasAll(rwxug) {
			return errno.EACCESS
		}
	}
	return errno.OK
}

// ValidateStr checks a NUL-terminated user string starting at vptr, up to
// and including maxlen bytes. It returns the string's length (excluding
// the NUL) on success, or a negative errno.Err if no NUL is found within
// maxlen bytes or any touched page is not mapped U|R.
func (as *AddressSpace) ValidateStr(vptr uint64, maxlen int) (int, errno.Err) {
	if maxlen <= 0 {
		return 0, errno.EACCESS
	}
	if vptr < config.UserStartVMA {
		return 0, errno.EACCESS
	}
	pg := vptr &^ (mem.PageSize - 1)
	var n int
	for n = 0; n < maxlen; {
		if vptr+uint64(n) >= pg+mem.PageSize {
			pg += mem.PageSize
		}
		if pg >= config.UserEndVMA {
			return 0, errno.EACCESS
		}
		leaf, ok := Walk(as.ram, as.alloc, as.Root, pg, false)
		if !ok {
			return 0, errno.EACCESS
		}
		pte := leaf.Get()
		if !pte.IsLeaf() || !pte.HasAll(U | R) {
			return 0, errno.EACCESS
		}
		frame := as.ram.Frame(pte.PPN)
		off := int((vptr + uint64(n)) & (mem.PageSize - 1))
		if frame[off] == 0 {
			return n, errno.OK
		}
		n++
	}
	return 0, errno.EACCESS
}

// Read copies length bytes from user virtual memory starting at vptr into
// dst, failing with EACCESS unless every touched page is mapped U|R (the
// kernel is reading bytes the user side must have made readable).
func (as *AddressSpace) Read(vptr uint64, dst []byte) errno.Err {
	if err := as.ValidatePtrLen(vptr, len(dst), U|R); err != errno.OK {
		return err
	}
	as.copy(dst, vptr, len(dst), false)
	return errno.OK
}

// Write copies src into user virtual memory starting at vptr, failing
// with EACCESS unless every touched page is mapped U|W (the kernel is
// placing bytes into memory the user side must have made writable).
func (as *AddressSpace) Write(vptr uint64, src []byte) errno.Err {
	if err := as.ValidatePtrLen(vptr, len(src), U|W); err != errno.OK {
		return err
	}
	as.copy(src, vptr, len(src), true)
	return errno.OK
}

func (as *AddressSpace) copy(buf []byte, vptr uint64, length int, toUser bool) {
	done := 0
	for done < length {
		pg := (vptr + uint64(done)) &^ (mem.PageSize - 1)
		off := int((vptr + uint64(done)) - pg)
		n := mem.PageSize - off
		if rem := length - done; n > rem {
			n = rem
		}
		leaf, _ := Walk(as.ram, as.alloc, as.Root, pg, false)
		frame := as.ram.Frame(leaf.Get().PPN)
		if toUser {
			copy(frame[off:off+n], buf[done:done+n])
		} else {
			copy(buf[done:done+n], frame[off:off+n])
		}
		done += n
	}
}
