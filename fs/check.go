package fs

import (
	"fmt"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/dir"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

// Check verifies the on-disk invariants by direct inspection of the
// image: every block referenced by a live inode is marked used and
// referenced exactly once, the free counters match the bitmaps, every
// directory holds exactly one "." and one ".." and a link count of
// 2 + subdirectories, files hold a link count of 1, sizes fit the
// allocated blocks, and directory entries point at live inodes. It
// returns the first violation wrapped in ErrCorrupt.
func (fsys *FileSys) Check() error {
	op := fsys.begin()
	sb := fsys.Sb

	bbit, err := fsys.readBitmap(op, sb.BlockBitmapStart, sb.Nblocks)
	if err != nil {
		return err
	}
	ibit, err := fsys.readBitmap(op, sb.InodeBitmapStart, sb.Ninodes)
	if err != nil {
		return err
	}

	if !ibit[uint64(common.ROOTINUM)] {
		return fmt.Errorf("root inode free: %w", ErrCorrupt)
	}
	if ibit[uint64(common.NULLINUM)] {
		return fmt.Errorf("reserved inode 0 allocated: %w", ErrCorrupt)
	}
	for bn := common.Bnum(0); bn < sb.DataStart; bn++ {
		if !bbit[bn] {
			return fmt.Errorf("metadata block %d not pinned: %w", bn, ErrCorrupt)
		}
	}

	owner := make(map[common.Bnum]common.Inum)
	subdirs := make(map[common.Inum]uint32)
	var dirs []*inode.Inode

	for inum := common.Inum(1); uint64(inum) < sb.Ninodes; inum++ {
		if !ibit[uint64(inum)] {
			continue
		}
		ip, err := inode.ReadInode(op, sb, inum)
		if err != nil {
			return err
		}
		if ip.Kind != inode.KindFile && ip.Kind != inode.KindDir {
			return fmt.Errorf("inode %d allocated with kind %d: %w", inum, ip.Kind, ErrCorrupt)
		}
		bns, ndata, err := ip.Blocks(op)
		if err != nil {
			return err
		}
		for _, bn := range bns {
			if bn < sb.DataStart || bn >= sb.Nblocks {
				return fmt.Errorf("inode %d references metadata block %d: %w", inum, bn, ErrCorrupt)
			}
			if !bbit[bn] {
				return fmt.Errorf("inode %d references free block %d: %w", inum, bn, ErrCorrupt)
			}
			if prev, ok := owner[bn]; ok {
				return fmt.Errorf("block %d owned by inodes %d and %d: %w", bn, prev, inum, ErrCorrupt)
			}
			owner[bn] = inum
		}
		if util.RoundUp(ip.Size, disk.BlockSize) > ndata {
			return fmt.Errorf("inode %d size %d exceeds %d allocated blocks: %w",
				inum, ip.Size, ndata, ErrCorrupt)
		}
		if ip.Kind == inode.KindFile && ip.Nlink != 1 {
			return fmt.Errorf("file inode %d has link count %d: %w", inum, ip.Nlink, ErrCorrupt)
		}
		if ip.Kind == inode.KindDir {
			if ip.Size == 0 || ip.Size%disk.BlockSize != 0 {
				return fmt.Errorf("directory inode %d has size %d: %w", inum, ip.Size, ErrCorrupt)
			}
			dirs = append(dirs, ip)
		}
	}

	for _, dip := range dirs {
		ents, err := dir.Enumerate(op, dip)
		if err != nil {
			return err
		}
		ndot, ndotdot := 0, 0
		for _, ent := range ents {
			if uint64(ent.Inum) >= sb.Ninodes || !ibit[uint64(ent.Inum)] {
				return fmt.Errorf("directory %d entry %q dangles at inode %d: %w",
					dip.Inum, ent.Name, ent.Inum, ErrCorrupt)
			}
			switch ent.Name {
			case ".":
				ndot++
				if ent.Inum != dip.Inum {
					return fmt.Errorf("directory %d: '.' points at %d: %w", dip.Inum, ent.Inum, ErrCorrupt)
				}
			case "..":
				ndotdot++
			default:
				if ent.Kind == inode.KindDir {
					subdirs[dip.Inum]++
				}
			}
		}
		if ndot != 1 || ndotdot != 1 {
			return fmt.Errorf("directory %d has %d '.' and %d '..' entries: %w",
				dip.Inum, ndot, ndotdot, ErrCorrupt)
		}
	}
	for _, dip := range dirs {
		want := 2 + subdirs[dip.Inum]
		if dip.Nlink != want {
			return fmt.Errorf("directory %d has link count %d, want %d: %w",
				dip.Inum, dip.Nlink, want, ErrCorrupt)
		}
	}

	for bn := sb.DataStart; bn < common.Bnum(sb.Nblocks); bn++ {
		if bbit[bn] {
			if _, ok := owner[bn]; !ok {
				return fmt.Errorf("block %d marked used but unreferenced: %w", bn, ErrCorrupt)
			}
		}
	}

	freeBlocks, freeInodes := uint64(0), uint64(0)
	for bn := uint64(0); bn < sb.Nblocks; bn++ {
		if !bbit[bn] {
			freeBlocks++
		}
	}
	for i := uint64(0); i < sb.Ninodes; i++ {
		if !ibit[i] {
			freeInodes++
		}
	}
	if freeBlocks != sb.FreeBlocks {
		return fmt.Errorf("free blocks: superblock %d, bitmap %d: %w",
			sb.FreeBlocks, freeBlocks, ErrCorrupt)
	}
	if freeInodes != sb.FreeInodes {
		return fmt.Errorf("free inodes: superblock %d, bitmap %d: %w",
			sb.FreeInodes, freeInodes, ErrCorrupt)
	}
	return nil
}

// readBitmap loads nbits of the bitmap at start into a lookup table.
func (fsys *FileSys) readBitmap(op *bio.Op, start common.Bnum, nbits uint64) (map[uint64]bool, error) {
	bits := make(map[uint64]bool, nbits)
	for n := uint64(0); n < nbits; n += common.NBITBLOCK {
		b, err := op.ReadBlock(start + common.Bnum(n/common.NBITBLOCK))
		if err != nil {
			return nil, err
		}
		last := util.Min(common.NBITBLOCK, nbits-n)
		for bit := uint64(0); bit < last; bit++ {
			if b.Data[bit/8]&(1<<(bit%8)) != 0 {
				bits[n+bit] = true
			}
		}
	}
	return bits, nil
}
