// Package fs implements the single-directory, inode-indexed block
// filesystem: mount, open-by-name, block-by-block read/write with a
// three-phase (leading compensation, whole blocks, remainder) transfer
// loop, and a fixed-size open-file table with refcounted stream handles.
// Grounded on ufs/ufs.go's directory scan and inode resolution and on
// the original kern/kfs.c's explicit three-phase block transfer loop
// (kern/fs.h for the on-disk layout constants).
package fs

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"sv39kern/internal/errno"
	"sv39kern/internal/stream"
)

const (
	BlockSize    = 4096
	NameSize     = 32
	maxDentries  = 63
	inodeEntries = 1023
	MaxOpenFiles = 32
)

type dentryWire struct {
	Name     [NameSize]byte
	Inode    uint32
	Reserved [28]byte
}

type bootBlockWire struct {
	NumDentries   uint32
	NumInodes     uint32
	NumDataBlocks uint32
	Reserved      [52]byte
	Dentries      [maxDentries]dentryWire
}

type inodeWire struct {
	Length     uint32
	DataBlocks [inodeEntries]uint32
}

type openFile struct {
	inUse  bool
	inode  uint32
	length int
	pos    int
	refs   int
}

// FS is a mounted filesystem: the cached boot block and the fixed
// open-file table, layered over a block-device stream.
type FS struct {
	dev  stream.Stream
	boot bootBlockWire

	slots [MaxOpenFiles]openFile
}

// Mount reads and caches the boot block from dev. The boot block is
// immutable for the lifetime of the mount.
func Mount(dev stream.Stream) (*FS, errno.Err) {
	fsys := &FS{dev: dev}
	buf := make([]byte, BlockSize)
	if err := readBlock(dev, 0, buf); err != errno.OK {
		return nil, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &fsys.boot); err != nil {
		return nil, errno.EFILESYS
	}
	return fsys, errno.OK
}

func readBlock(dev stream.Stream, block uint32, buf []byte) errno.Err {
	if _, err := dev.Ioctl(stream.SetPos, uint64(block)*BlockSize); err != errno.OK {
		return err
	}
	n, err := dev.Read(buf)
	if err != errno.OK {
		return err
	}
	if n != len(buf) {
		return errno.EIO
	}
	return errno.OK
}

func writeBlock(dev stream.Stream, block uint32, buf []byte) errno.Err {
	if _, err := dev.Ioctl(stream.SetPos, uint64(block)*BlockSize); err != errno.OK {
		return err
	}
	n, err := dev.Write(buf)
	if err != errno.OK {
		return err
	}
	if n != len(buf) {
		return errno.EIO
	}
	return errno.OK
}

func nameBytes(name string) [NameSize]byte {
	var b [NameSize]byte
	copy(b[:], name)
	return b
}

func (fsys *FS) readInode(inode uint32) (inodeWire, errno.Err) {
	var iw inodeWire
	buf := make([]byte, BlockSize)
	if err := readBlock(fsys.dev, inode+1, buf); err != errno.OK {
		return iw, err
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &iw); err != nil {
		return iw, errno.EFILESYS
	}
	return iw, errno.OK
}

func (fsys *FS) dataBlock(iw *inodeWire, i int) uint32 {
	return iw.DataBlocks[i] + fsys.boot.NumInodes + 1
}

// validUTF8Name reports whether name is well-formed UTF-8, rejecting the
// raw byte garbage a corrupt or hostile caller might pass as a dentry
// name before it ever reaches the directory scan.
func validUTF8Name(name string) bool {
	_, _, err := transform.String(unicode.UTF8Validator, name)
	return err == nil
}

// Open validates that name is well-formed UTF-8, performs a linear scan
// of the directory entries comparing names byte-wise, resolves the
// matching inode, and allocates a first-fit open-file slot with refcount
// 1.
func (fsys *FS) Open(name string) (*FileStream, errno.Err) {
	if !validUTF8Name(name) {
		return nil, errno.EINVAL
	}
	want := nameBytes(name)
	var found *dentryWire
	for i := uint32(0); i < fsys.boot.NumDentries; i++ {
		d := &fsys.boot.Dentries[i]
		if d.Name == want {
			found = d
			break
		}
	}
	if found == nil {
		return nil, errno.ENOENT
	}

	iw, err := fsys.readInode(found.Inode)
	if err != errno.OK {
		return nil, err
	}

	slot := -1
	for i := range fsys.slots {
		if !fsys.slots[i].inUse {
			slot = i
			break
		}
	}
	if slot == -1 {
		return nil, errno.EFILESYS
	}

	fsys.slots[slot] = openFile{inUse: true, inode: found.Inode, length: int(iw.Length), pos: 0, refs: 1}
	return &FileStream{fsys: fsys, slot: slot}, errno.OK
}

// FileStream is the stream.Stream handle Open returns: read/write/ioctl
// resolve back to fsys's open-file slot by index.
type FileStream struct {
	fsys *FS
	slot int
}

// forEachBlock walks [pos, pos+n) in three phases — leading compensation
// up to the next block boundary, whole blocks, and a trailing remainder —
// invoking xfer with the absolute file offset, the data block's absolute
// block number, the in-block offset, and the byte count for each phase.
func (fsys *FS) forEachBlock(iw *inodeWire, pos, n int, xfer func(fileOff int, block uint32, blockOff, count int) errno.Err) errno.Err {
	done := 0
	for done < n {
		off := pos + done
		blockIdx := off / BlockSize
		blockOff := off % BlockSize
		count := BlockSize - blockOff
		if rem := n - done; count > rem {
			count = rem
		}
		if err := xfer(off, fsys.dataBlock(iw, blockIdx), blockOff, count); err != errno.OK {
			return err
		}
		done += count
	}
	return errno.OK
}

// Read resolves the slot, re-reads the inode to pick up any length
// change, clamps n to the remaining file length, and streams bytes
// block-by-block.
func (f *FileStream) Read(buf []byte) (int, errno.Err) {
	slot := &f.fsys.slots[f.slot]
	if !slot.inUse {
		return 0, errno.EFILESYS
	}
	iw, err := f.fsys.readInode(slot.inode)
	if err != errno.OK {
		return 0, err
	}
	slot.length = int(iw.Length)

	n := len(buf)
	if rem := slot.length - slot.pos; n > rem {
		n = rem
	}
	if n <= 0 {
		return 0, errno.OK
	}

	transferred := 0
	block := make([]byte, BlockSize)
	xferErr := f.fsys.forEachBlock(&iw, slot.pos, n, func(fileOff int, absBlock uint32, blockOff, count int) errno.Err {
		if err := readBlock(f.fsys.dev, absBlock, block); err != errno.OK {
			return err
		}
		off := fileOff - slot.pos
		copy(buf[off:off+count], block[blockOff:blockOff+count])
		transferred += count
		return errno.OK
	})
	slot.pos += transferred
	if xferErr != errno.OK {
		return transferred, xferErr
	}
	return transferred, errno.OK
}

// Write resolves the slot, clamps n to the remaining file length (writes
// never extend the file), and streams bytes block-by-block with a
// read-modify-write for any partial block.
func (f *FileStream) Write(buf []byte) (int, errno.Err) {
	slot := &f.fsys.slots[f.slot]
	if !slot.inUse {
		return 0, errno.EFILESYS
	}
	iw, err := f.fsys.readInode(slot.inode)
	if err != errno.OK {
		return 0, err
	}
	slot.length = int(iw.Length)

	n := len(buf)
	if rem := slot.length - slot.pos; n > rem {
		n = rem
	}
	if n <= 0 {
		return 0, errno.OK
	}

	transferred := 0
	block := make([]byte, BlockSize)
	xferErr := f.fsys.forEachBlock(&iw, slot.pos, n, func(fileOff int, absBlock uint32, blockOff, count int) errno.Err {
		if blockOff != 0 || count < BlockSize {
			if err := readBlock(f.fsys.dev, absBlock, block); err != errno.OK {
				return err
			}
		}
		off := fileOff - slot.pos
		copy(block[blockOff:blockOff+count], buf[off:off+count])
		if err := writeBlock(f.fsys.dev, absBlock, block); err != errno.OK {
			return err
		}
		transferred += count
		return errno.OK
	})
	slot.pos += transferred
	if xferErr != errno.OK {
		return transferred, xferErr
	}
	return transferred, errno.OK
}

// Ioctl implements GETLEN/GETPOS/SETPOS/GETBLKSZ on the open-file slot.
func (f *FileStream) Ioctl(cmd stream.IoctlCmd, arg uint64) (uint64, errno.Err) {
	slot := &f.fsys.slots[f.slot]
	if !slot.inUse {
		return 0, errno.EFILESYS
	}
	switch cmd {
	case stream.GetLen:
		return uint64(slot.length), errno.OK
	case stream.GetPos:
		return uint64(slot.pos), errno.OK
	case stream.SetPos:
		slot.pos = int(arg)
		return 0, errno.OK
	case stream.GetBlkSize:
		return BlockSize, errno.OK
	default:
		return 0, errno.ENOTSUP
	}
}

// Close decrements the slot's stream refcount; the slot is freed when it
// reaches zero.
func (f *FileStream) Close() {
	slot := &f.fsys.slots[f.slot]
	if !slot.inUse {
		return
	}
	slot.refs--
	if slot.refs <= 0 {
		*slot = openFile{}
	}
}

var _ stream.Stream = (*FileStream)(nil)
