// Package fs implements the filesystem operations over the layout,
// allocator, inode, and directory layers. Each operation runs in a
// single bio.Op: an error before commit leaves the device untouched.
package fs

import (
	"errors"
	"fmt"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/alloc"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/dir"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/super"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

var ErrInvalidPath = errors.New("invalid path")
var ErrNotFound = errors.New("file not found")
var ErrNotDir = errors.New("not a directory")
var ErrIsDir = errors.New("is a directory")
var ErrNotEmpty = errors.New("directory not empty")
var ErrNoSpace = errors.New("no space left on device")
var ErrNoInodes = errors.New("no free inodes")

// ErrCorrupt wraps any detected invariant violation: double frees,
// dangling directory entries, counter/bitmap disagreement.
var ErrCorrupt = errors.New("filesystem corruption")

type FileSys struct {
	d      disk.Disk
	Sb     *super.FsSuper
	balloc *alloc.Alloc
	ialloc *alloc.Alloc
}

func (fsys *FileSys) begin() *bio.Op {
	return bio.Begin(fsys.d, fsys.Sb.Rank)
}

func mkAllocs(sb *super.FsSuper) (balloc *alloc.Alloc, ialloc *alloc.Alloc) {
	balloc = alloc.MkAlloc(sb.BlockBitmapStart, sb.Nblocks, 0, sb.FreeBlocks)
	ialloc = alloc.MkAlloc(sb.InodeBitmapStart, sb.Ninodes, 1, sb.FreeInodes)
	return
}

// Format writes a fresh layout over the whole device. The device is
// zeroed first, block 0 first of all, so that an interrupted format
// reads back as not formatted; the new superblock is committed last.
func Format(d disk.Disk) (*FileSys, error) {
	nblocks, err := d.Size()
	if err != nil {
		return nil, err
	}
	sb, err := super.MkFsSuper(nblocks)
	if err != nil {
		return nil, err
	}

	zero := make([]byte, disk.BlockSize)
	for bn := uint64(0); bn < nblocks; bn++ {
		if err := d.Write(bn, zero); err != nil {
			return nil, err
		}
	}

	fsys := &FileSys{d: d, Sb: sb}
	fsys.balloc, fsys.ialloc = mkAllocs(sb)

	op := fsys.begin()
	for bn := common.Bnum(0); bn < sb.DataStart; bn++ {
		if err := fsys.balloc.MarkUsed(op, bn); err != nil {
			return nil, err
		}
	}
	rootInum, err := fsys.ialloc.AllocNum(op)
	if err != nil {
		return nil, err
	}
	if common.Inum(rootInum) != common.ROOTINUM {
		return nil, fmt.Errorf("root allocated as inode %d: %w", rootInum, ErrCorrupt)
	}

	root := inode.MkInode(common.ROOTINUM, inode.KindDir)
	root.Nlink = 2 // "." and "..", both pointing at root
	if err := dir.InitDir(op, fsys.balloc, root, common.ROOTINUM); err != nil {
		return nil, err
	}
	root.WriteInode(op, sb)

	if err := fsys.commit(op); err != nil {
		return nil, err
	}
	util.DPrintf(1, "Format: %d blocks, %d inodes\n", sb.Nblocks, sb.Ninodes)
	return fsys, nil
}

// Open validates the superblock and cross-checks its free counters
// against the bitmaps before handing out a FileSys.
func Open(d disk.Disk) (*FileSys, error) {
	blk, err := d.Read(0)
	if err != nil {
		return nil, err
	}
	sb, err := super.Decode(blk)
	if err != nil {
		return nil, err
	}
	nblocks, err := d.Size()
	if err != nil {
		return nil, err
	}
	if sb.Nblocks > nblocks {
		return nil, super.ErrNotFormatted
	}

	fsys := &FileSys{d: d, Sb: sb}
	fsys.balloc, fsys.ialloc = mkAllocs(sb)

	op := fsys.begin()
	freeBlocks, err := fsys.balloc.PopCount(op)
	if err != nil {
		return nil, err
	}
	if freeBlocks != sb.FreeBlocks {
		return nil, fmt.Errorf("superblock says %d free blocks, bitmap says %d: %w",
			sb.FreeBlocks, freeBlocks, ErrCorrupt)
	}
	freeInodes, err := fsys.ialloc.PopCount(op)
	if err != nil {
		return nil, err
	}
	if freeInodes != sb.FreeInodes {
		return nil, fmt.Errorf("superblock says %d free inodes, bitmap says %d: %w",
			sb.FreeInodes, freeInodes, ErrCorrupt)
	}
	return fsys, nil
}

// commit stages the superblock with the allocators' current counters
// and commits the op; the superblock's block ranks last, so it hits
// the disk after everything it describes. fsys.Sb holds committed
// state and is updated only once the device writes succeed.
func (fsys *FileSys) commit(op *bio.Op) error {
	sb := *fsys.Sb
	sb.FreeBlocks = fsys.balloc.NumFree()
	sb.FreeInodes = fsys.ialloc.NumFree()
	op.OverWriteBlock(0, sb.Encode())
	if err := op.Commit(); err != nil {
		return err
	}
	*fsys.Sb = sb
	return nil
}

// run executes one mutating operation. A failed operation never
// committed, so the in-memory allocator counters are rebuilt from the
// committed superblock to drop the op's allocations.
func (fsys *FileSys) run(body func(op *bio.Op) error) error {
	err := body(fsys.begin())
	if err != nil {
		fsys.balloc, fsys.ialloc = mkAllocs(fsys.Sb)
	}
	return err
}

// Stats reports the superblock totals.
type Stats struct {
	TotalBlocks uint64
	FreeBlocks  uint64
	TotalInodes uint64
	FreeInodes  uint64
}

func (fsys *FileSys) Stats() Stats {
	return Stats{
		TotalBlocks: fsys.Sb.Nblocks,
		FreeBlocks:  fsys.Sb.FreeBlocks,
		TotalInodes: fsys.Sb.Ninodes,
		FreeInodes:  fsys.Sb.FreeInodes,
	}
}
