// Package super computes the on-disk layout and encodes the superblock.
//
// Block 0 holds the superblock; the inode bitmap, block bitmap, inode
// table, and data region follow, in that order. The superblock records
// where each region starts so the layout can evolve without breaking
// old images.
package super

import (
	"bytes"
	"errors"

	"github.com/tchajed/marshal"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/addr"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

var ErrNotFormatted = errors.New("device not formatted")

// ErrTooSmall reports a device without room for the metadata regions
// plus at least one data block.
var ErrTooSmall = errors.New("device too small")

var magic = []byte("BLFS")

const (
	VersionMajor uint16 = 1
	VersionMinor uint16 = 0

	// one inode per 2 KiB of device, the usual ext2 ratio
	inodeRatio uint64 = 2048
)

type FsSuper struct {
	Nblocks          uint64
	Ninodes          uint64
	InodeBitmapStart common.Bnum
	BlockBitmapStart common.Bnum
	InodeTableStart  common.Bnum
	DataStart        common.Bnum
	FreeBlocks       uint64
	FreeInodes       uint64
	Root             common.Inum
	Clean            bool
}

// NInodeBitmap returns the length of the inode bitmap in blocks.
func (sb *FsSuper) NInodeBitmap() uint64 {
	return uint64(sb.BlockBitmapStart - sb.InodeBitmapStart)
}

// NBlockBitmap returns the length of the block bitmap in blocks.
func (sb *FsSuper) NBlockBitmap() uint64 {
	return uint64(sb.InodeTableStart - sb.BlockBitmapStart)
}

// MkFsSuper lays out a fresh filesystem over nblocks blocks. Free
// counters start at "everything usable": format decrements them as it
// pins metadata bits and allocates the root.
func MkFsSuper(nblocks uint64) (*FsSuper, error) {
	ninodes := nblocks * disk.BlockSize / inodeRatio
	nInodeBitmap := util.RoundUp(ninodes, common.NBITBLOCK)
	nBlockBitmap := util.RoundUp(nblocks, common.NBITBLOCK)
	nInodeTable := util.RoundUp(ninodes, common.INODEBLK)

	ibmStart := common.Bnum(1)
	bbmStart := ibmStart + common.Bnum(nInodeBitmap)
	itStart := bbmStart + common.Bnum(nBlockBitmap)
	dataStart := itStart + common.Bnum(nInodeTable)

	// room for the root directory's block
	if ninodes < 2 || uint64(dataStart)+1 > nblocks {
		return nil, ErrTooSmall
	}

	sb := &FsSuper{
		Nblocks:          nblocks,
		Ninodes:          ninodes,
		InodeBitmapStart: ibmStart,
		BlockBitmapStart: bbmStart,
		InodeTableStart:  itStart,
		DataStart:        dataStart,
		FreeBlocks:       nblocks,
		FreeInodes:       ninodes,
		Root:             common.ROOTINUM,
		Clean:            true,
	}
	util.DPrintf(1, "MkFsSuper: %d blocks, %d inodes, data at %d\n",
		nblocks, ninodes, dataStart)
	return sb, nil
}

// Encode serializes the superblock into a full block. Field order is
// normative: magic, version (u16 major, u16 minor), block size, totals,
// region starts, free counters, root inode, clean flag; all multi-byte
// fields little-endian u32 unless noted.
func (sb *FsSuper) Encode() disk.Block {
	enc := marshal.NewEnc(disk.BlockSize)
	enc.PutBytes(magic)
	enc.PutInt32(uint32(VersionMajor) | uint32(VersionMinor)<<16)
	enc.PutInt32(uint32(disk.BlockSize))
	enc.PutInt32(uint32(sb.Nblocks))
	enc.PutInt32(uint32(sb.Ninodes))
	enc.PutInt32(uint32(sb.InodeBitmapStart))
	enc.PutInt32(uint32(sb.BlockBitmapStart))
	enc.PutInt32(uint32(sb.InodeTableStart))
	enc.PutInt32(uint32(sb.DataStart))
	enc.PutInt32(uint32(sb.FreeBlocks))
	enc.PutInt32(uint32(sb.FreeInodes))
	enc.PutInt32(uint32(sb.Root))
	if sb.Clean {
		enc.PutInt32(1)
	} else {
		enc.PutInt32(0)
	}
	return enc.Finish()
}

// Decode validates and deserializes block 0. A magic, version, or
// block-size mismatch means the device does not hold this filesystem.
func Decode(blk disk.Block) (*FsSuper, error) {
	dec := marshal.NewDec(blk)
	if !bytes.Equal(dec.GetBytes(4), magic) {
		return nil, ErrNotFormatted
	}
	version := dec.GetInt32()
	if uint16(version&0xffff) != VersionMajor {
		return nil, ErrNotFormatted
	}
	if uint64(dec.GetInt32()) != disk.BlockSize {
		return nil, ErrNotFormatted
	}
	sb := &FsSuper{
		Nblocks:          uint64(dec.GetInt32()),
		Ninodes:          uint64(dec.GetInt32()),
		InodeBitmapStart: common.Bnum(dec.GetInt32()),
		BlockBitmapStart: common.Bnum(dec.GetInt32()),
		InodeTableStart:  common.Bnum(dec.GetInt32()),
		DataStart:        common.Bnum(dec.GetInt32()),
		FreeBlocks:       uint64(dec.GetInt32()),
		FreeInodes:       uint64(dec.GetInt32()),
		Root:             common.Inum(dec.GetInt32()),
		Clean:            dec.GetInt32() != 0,
	}
	if sb.Nblocks == 0 || sb.Root != common.ROOTINUM {
		return nil, ErrNotFormatted
	}
	return sb, nil
}

// Inum2Addr returns the disk address of inode inum's record.
func (sb *FsSuper) Inum2Addr(inum common.Inum) addr.Addr {
	return addr.MkAddr(sb.InodeTableStart+common.Bnum(uint64(inum)/common.INODEBLK),
		(uint64(inum)%common.INODEBLK)*common.INODESZ*8)
}

// Rank orders blocks for commit: data and indirect blocks first, then
// the inode table, then the bitmaps, then the superblock.
func (sb *FsSuper) Rank(blkno common.Bnum) int {
	switch {
	case blkno == 0:
		return 3
	case blkno >= sb.DataStart:
		return 0
	case blkno >= sb.InodeTableStart:
		return 1
	default:
		return 2
	}
}
