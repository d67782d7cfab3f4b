// Package dir encodes directory blocks.
//
// A directory's content is a packed sequence of variable-length
// entries, each { inode u32, name_len u16, kind u8, reserved u8, name },
// padded to 4-byte alignment; entries never cross block boundaries and
// the directory's size is always a multiple of the block size. Free
// space is kept zeroed, so a zero u32 where an entry would start marks
// a free 4-byte cell and a freshly grown block is entirely free.
package dir

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tchajed/marshal"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/alloc"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/buf"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

var ErrExists = errors.New("name already exists")
var ErrInvalidName = errors.New("invalid name")

// ErrNoSpace reports that the directory could not grow because the
// block allocator is exhausted.
var ErrNoSpace = errors.New("no space for directory entry")

const entHdrSz uint64 = 8

type DirEnt struct {
	Inum common.Inum
	Kind uint32
	Name string
}

// CheckName enforces the naming rules for user-supplied names:
// non-empty, at most 255 bytes, no '/' or NUL, and not the reserved
// "." or "..".
func CheckName(name string) error {
	if len(name) == 0 || uint64(len(name)) > common.MAXNAMELEN {
		return ErrInvalidName
	}
	if name == "." || name == ".." {
		return ErrInvalidName
	}
	if strings.ContainsAny(name, "/\x00") {
		return ErrInvalidName
	}
	return nil
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

func entExtent(namelen uint64) uint64 {
	return entHdrSz + align4(namelen)
}

func getU32(data []byte, off uint64) uint32 {
	dec := marshal.NewDec(data[off : off+4])
	return dec.GetInt32()
}

// encodeEnt serializes one entry, zero-padded to its 4-byte extent.
func encodeEnt(inum common.Inum, kind uint32, name string) []byte {
	extent := entExtent(uint64(len(name)))
	enc := marshal.NewEnc(extent)
	enc.PutInt32(uint32(inum))
	enc.PutInt32(uint32(len(name)) | (kind&0xff)<<16)
	enc.PutBytes([]byte(name))
	return enc.Finish()
}

// dirBlocks yields each of the directory's data blocks in order.
func dirBlocks(op *bio.Op, dip *inode.Inode, f func(*buf.Buf) (bool, error)) error {
	nblk := dip.Size / disk.BlockSize
	for i := uint64(0); i < nblk; i++ {
		bn, err := dip.Bmap(op, i)
		if err != nil {
			return err
		}
		if bn == common.NULLBNUM {
			return fmt.Errorf("directory %d: hole at block %d", dip.Inum, i)
		}
		b, err := op.ReadBlock(bn)
		if err != nil {
			return err
		}
		done, err := f(b)
		if err != nil || done {
			return err
		}
	}
	return nil
}

// scanBlock walks the entries of one directory block. The callback gets
// the byte offset and decoded entry; returning true stops the scan.
func scanBlock(b *buf.Buf, f func(off uint64, ent DirEnt) bool) {
	o := uint64(0)
	for o+entHdrSz <= disk.BlockSize {
		ino := getU32(b.Data, o)
		if ino == 0 {
			o += 4
			continue
		}
		meta := getU32(b.Data, o+4)
		namelen := uint64(meta & 0xffff)
		kind := (meta >> 16) & 0xff
		if o+entHdrSz+namelen > disk.BlockSize {
			// malformed entry; stop rather than read past the block
			return
		}
		ent := DirEnt{
			Inum: common.Inum(ino),
			Kind: kind,
			Name: string(b.Data[o+entHdrSz : o+entHdrSz+namelen]),
		}
		if f(o, ent) {
			return
		}
		o += entExtent(namelen)
	}
}

// Lookup scans the directory for name; first match wins, names compare
// byte-wise.
func Lookup(op *bio.Op, dip *inode.Inode, name string) (DirEnt, bool, error) {
	var found DirEnt
	ok := false
	err := dirBlocks(op, dip, func(b *buf.Buf) (bool, error) {
		scanBlock(b, func(off uint64, ent DirEnt) bool {
			if ent.Name == name {
				found = ent
				ok = true
			}
			return ok
		})
		return ok, nil
	})
	return found, ok, err
}

// Enumerate returns all entries in on-disk order, "." and ".."
// included.
func Enumerate(op *bio.Op, dip *inode.Inode) ([]DirEnt, error) {
	var ents []DirEnt
	err := dirBlocks(op, dip, func(b *buf.Buf) (bool, error) {
		scanBlock(b, func(off uint64, ent DirEnt) bool {
			ents = append(ents, ent)
			return false
		})
		return false, nil
	})
	return ents, err
}

// writeEnt copies an encoded entry into a directory block.
func writeEnt(b *buf.Buf, off uint64, ent []byte) {
	copy(b.Data[off:off+uint64(len(ent))], ent)
	b.SetDirty()
}

// findFreeRun locates the first run of zeroed cells in b large enough
// for need bytes.
func findFreeRun(b *buf.Buf, need uint64) (uint64, bool) {
	runStart := uint64(0)
	runLen := uint64(0)
	o := uint64(0)
	for o+entHdrSz <= disk.BlockSize {
		ino := getU32(b.Data, o)
		if ino != 0 {
			meta := getU32(b.Data, o+4)
			o += entExtent(uint64(meta & 0xffff))
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = o
		}
		runLen += 4
		o += 4
		if runLen >= need {
			return runStart, true
		}
	}
	return 0, false
}

// Insert binds name to inum. It claims the first free run that fits,
// growing the directory by one block when no block has room. The caller
// writes dip back after a successful insert.
func Insert(op *bio.Op, balloc *alloc.Alloc, dip *inode.Inode, name string, inum common.Inum, kind uint32) error {
	_, exists, err := Lookup(op, dip, name)
	if err != nil {
		return err
	}
	if exists {
		return ErrExists
	}
	ent := encodeEnt(inum, kind, name)
	need := uint64(len(ent))

	placed := false
	err = dirBlocks(op, dip, func(b *buf.Buf) (bool, error) {
		off, ok := findFreeRun(b, need)
		if !ok {
			return false, nil
		}
		writeEnt(b, off, ent)
		placed = true
		return true, nil
	})
	if err != nil || placed {
		return err
	}

	// no room; grow by one block
	util.DPrintf(5, "dir %d: grow for %q\n", dip.Inum, name)
	nblk := dip.Size / disk.BlockSize
	bn, err := dip.BmapAlloc(op, balloc, nblk)
	if err != nil {
		return err
	}
	if bn == common.NULLBNUM {
		return ErrNoSpace
	}
	blk := make([]byte, disk.BlockSize)
	copy(blk, ent)
	op.OverWriteBlock(bn, blk)
	dip.Size += disk.BlockSize
	return nil
}

// Remove zeroes name's slot, then shrinks the directory while its last
// block is free (never below one block). Reports whether the name was
// present.
func Remove(op *bio.Op, balloc *alloc.Alloc, dip *inode.Inode, name string) (bool, error) {
	removed := false
	err := dirBlocks(op, dip, func(b *buf.Buf) (bool, error) {
		scanBlock(b, func(off uint64, ent DirEnt) bool {
			if ent.Name != name {
				return false
			}
			extent := entExtent(uint64(len(ent.Name)))
			zero := make([]byte, extent)
			writeEnt(b, off, zero)
			removed = true
			return true
		})
		return removed, nil
	})
	if err != nil || !removed {
		return removed, err
	}

	for dip.Size > disk.BlockSize {
		last := dip.Size/disk.BlockSize - 1
		bn, err := dip.Bmap(op, last)
		if err != nil {
			return true, err
		}
		b, err := op.ReadBlock(bn)
		if err != nil {
			return true, err
		}
		if !allZero(b.Data) {
			break
		}
		dip.Size -= disk.BlockSize
		if err := dip.Shrink(op, balloc, dip.Size); err != nil {
			return true, err
		}
	}
	return true, nil
}

func allZero(data []byte) bool {
	for _, v := range data {
		if v != 0 {
			return false
		}
	}
	return true
}

// InitDir writes a new directory's "." and ".." entries into its first
// block. The caller sets Nlink and writes the inode.
func InitDir(op *bio.Op, balloc *alloc.Alloc, dip *inode.Inode, parent common.Inum) error {
	bn, err := dip.BmapAlloc(op, balloc, 0)
	if err != nil {
		return err
	}
	if bn == common.NULLBNUM {
		return ErrNoSpace
	}
	blk := make([]byte, disk.BlockSize)
	dot := encodeEnt(dip.Inum, inode.KindDir, ".")
	dotdot := encodeEnt(parent, inode.KindDir, "..")
	copy(blk, dot)
	copy(blk[len(dot):], dotdot)
	op.OverWriteBlock(bn, blk)
	dip.Size = disk.BlockSize
	return nil
}
