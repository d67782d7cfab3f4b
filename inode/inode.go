// Package inode reads and writes inode records and maps logical file
// blocks to disk blocks.
//
// An inode addresses its first 12 blocks directly, the next BlockSize/4
// through a single-indirect block of u32 pointers, and the rest through
// a double-indirect block. Indirect blocks are allocated lazily on the
// first write that needs them and freed again when truncation empties
// them. A zero pointer is a hole; free blocks are kept zeroed on disk,
// so a freshly allocated block needs no explicit clearing.
package inode

import (
	"errors"

	"github.com/tchajed/marshal"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/alloc"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/super"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

const (
	KindFree uint32 = 0
	KindDir  uint32 = 1
	KindFile uint32 = 2
)

// ErrTooLarge reports a write beyond the addressable block tree.
var ErrTooLarge = errors.New("file too large")

// MaxSize is the largest byte size the block tree can address.
const MaxSize uint64 = common.MaxFileBlocks * disk.BlockSize

type Inode struct {
	Inum      common.Inum
	Kind      uint32
	Nlink     uint32
	Size      uint64
	Ctime     uint64
	Mtime     uint64
	Direct    [common.NDIRECT]common.Bnum
	Indirect  common.Bnum
	Dindirect common.Bnum
}

func MkInode(inum common.Inum, kind uint32) *Inode {
	return &Inode{Inum: inum, Kind: kind, Nlink: 1}
}

// Encode serializes the record into INODESZ bytes: kind u32, nlink u32,
// size u64, ctime u64, mtime u64, 12 direct u32, single u32, double
// u32, zero padding. Nothing ever sets the timestamps, so they encode
// as zero and images stay deterministic.
func (ip *Inode) Encode() []byte {
	enc := marshal.NewEnc(common.INODESZ)
	enc.PutInt32(ip.Kind)
	enc.PutInt32(ip.Nlink)
	enc.PutInt(ip.Size)
	enc.PutInt(ip.Ctime)
	enc.PutInt(ip.Mtime)
	for _, bn := range ip.Direct {
		enc.PutInt32(uint32(bn))
	}
	enc.PutInt32(uint32(ip.Indirect))
	enc.PutInt32(uint32(ip.Dindirect))
	return enc.Finish()
}

func Decode(data []byte, inum common.Inum) *Inode {
	ip := &Inode{Inum: inum}
	dec := marshal.NewDec(data)
	ip.Kind = dec.GetInt32()
	ip.Nlink = dec.GetInt32()
	ip.Size = dec.GetInt()
	ip.Ctime = dec.GetInt()
	ip.Mtime = dec.GetInt()
	for i := range ip.Direct {
		ip.Direct[i] = common.Bnum(dec.GetInt32())
	}
	ip.Indirect = common.Bnum(dec.GetInt32())
	ip.Dindirect = common.Bnum(dec.GetInt32())
	return ip
}

// ReadInode loads inode inum's record through op.
func ReadInode(op *bio.Op, sb *super.FsSuper, inum common.Inum) (*Inode, error) {
	b, err := op.ReadBuf(sb.Inum2Addr(inum), common.INODESZ*8)
	if err != nil {
		return nil, err
	}
	return Decode(b.Data, inum), nil
}

// WriteInode stages the record in op; it reaches disk at commit, before
// the bitmaps and the superblock.
func (ip *Inode) WriteInode(op *bio.Op, sb *super.FsSuper) {
	util.DPrintf(5, "WriteInode: %d kind %d size %d\n", ip.Inum, ip.Kind, ip.Size)
	op.OverWrite(sb.Inum2Addr(ip.Inum), common.INODESZ*8, ip.Encode())
}

// indirect geometry
const nindirect = common.NINDIRECT

// Bmap returns the disk block backing logical block i, or NULLBNUM for
// a hole.
func (ip *Inode) Bmap(op *bio.Op, i uint64) (common.Bnum, error) {
	if i >= common.MaxFileBlocks {
		return common.NULLBNUM, ErrTooLarge
	}
	if i < common.NDIRECT {
		return ip.Direct[i], nil
	}
	i -= common.NDIRECT
	if i < nindirect {
		return lookupSlot(op, ip.Indirect, i)
	}
	i -= nindirect
	l1, err := lookupSlot(op, ip.Dindirect, i/nindirect)
	if err != nil || l1 == common.NULLBNUM {
		return common.NULLBNUM, err
	}
	return lookupSlot(op, l1, i%nindirect)
}

func lookupSlot(op *bio.Op, blkno common.Bnum, slot uint64) (common.Bnum, error) {
	if blkno == common.NULLBNUM {
		return common.NULLBNUM, nil
	}
	b, err := op.ReadBlock(blkno)
	if err != nil {
		return common.NULLBNUM, err
	}
	return b.BnumGet(slot * 4), nil
}

// BmapAlloc is Bmap in ensure mode: it allocates the data block and any
// missing indirect blocks for logical block i. It returns NULLBNUM with
// a nil error when the allocator is exhausted.
func (ip *Inode) BmapAlloc(op *bio.Op, balloc *alloc.Alloc, i uint64) (common.Bnum, error) {
	if i >= common.MaxFileBlocks {
		return common.NULLBNUM, ErrTooLarge
	}
	if i < common.NDIRECT {
		if ip.Direct[i] == common.NULLBNUM {
			bn, err := balloc.AllocNum(op)
			if err != nil || bn == common.NULLBNUM {
				return common.NULLBNUM, err
			}
			ip.Direct[i] = bn
		}
		return ip.Direct[i], nil
	}
	i -= common.NDIRECT
	if i < nindirect {
		if ip.Indirect == common.NULLBNUM {
			bn, err := balloc.AllocNum(op)
			if err != nil || bn == common.NULLBNUM {
				return common.NULLBNUM, err
			}
			ip.Indirect = bn
		}
		return ensureSlot(op, balloc, ip.Indirect, i)
	}
	i -= nindirect
	if ip.Dindirect == common.NULLBNUM {
		bn, err := balloc.AllocNum(op)
		if err != nil || bn == common.NULLBNUM {
			return common.NULLBNUM, err
		}
		ip.Dindirect = bn
	}
	l1, err := ensureSlot(op, balloc, ip.Dindirect, i/nindirect)
	if err != nil || l1 == common.NULLBNUM {
		return common.NULLBNUM, err
	}
	return ensureSlot(op, balloc, l1, i%nindirect)
}

func ensureSlot(op *bio.Op, balloc *alloc.Alloc, blkno common.Bnum, slot uint64) (common.Bnum, error) {
	b, err := op.ReadBlock(blkno)
	if err != nil {
		return common.NULLBNUM, err
	}
	bn := b.BnumGet(slot * 4)
	if bn == common.NULLBNUM {
		bn, err = balloc.AllocNum(op)
		if err != nil || bn == common.NULLBNUM {
			return common.NULLBNUM, err
		}
		b.BnumPut(slot*4, bn)
	}
	return bn, nil
}

func freeBlock(op *bio.Op, balloc *alloc.Alloc, bn common.Bnum) error {
	// freed blocks go back zeroed so that free space is deterministic
	op.ZeroBlock(bn)
	return balloc.FreeNum(op, bn)
}

// Shrink frees every block strictly beyond ceil(sz/BlockSize) logical
// blocks, including indirect blocks that become empty. The caller is
// responsible for updating Size and writing the inode.
func (ip *Inode) Shrink(op *bio.Op, balloc *alloc.Alloc, sz uint64) error {
	keep := util.RoundUp(sz, disk.BlockSize)

	for i := keep; i < common.NDIRECT; i++ {
		if ip.Direct[i] != common.NULLBNUM {
			if err := freeBlock(op, balloc, ip.Direct[i]); err != nil {
				return err
			}
			ip.Direct[i] = common.NULLBNUM
		}
	}

	if ip.Indirect != common.NULLBNUM {
		keep1 := clamp(keep, common.NDIRECT, nindirect)
		empty, err := shrinkIndirect(op, balloc, ip.Indirect, keep1)
		if err != nil {
			return err
		}
		if empty {
			if err := freeBlock(op, balloc, ip.Indirect); err != nil {
				return err
			}
			ip.Indirect = common.NULLBNUM
		}
	}

	if ip.Dindirect != common.NULLBNUM {
		keep2 := clamp(keep, common.NDIRECT+nindirect, nindirect*nindirect)
		l1buf, err := op.ReadBlock(ip.Dindirect)
		if err != nil {
			return err
		}
		allEmpty := true
		for j := uint64(0); j < nindirect; j++ {
			bn := l1buf.BnumGet(j * 4)
			if bn == common.NULLBNUM {
				continue
			}
			keepj := clamp(keep2, j*nindirect, nindirect)
			empty, err := shrinkIndirect(op, balloc, bn, keepj)
			if err != nil {
				return err
			}
			if empty {
				if err := freeBlock(op, balloc, bn); err != nil {
					return err
				}
				l1buf.BnumPut(j*4, common.NULLBNUM)
			} else {
				allEmpty = false
			}
		}
		if allEmpty {
			if err := freeBlock(op, balloc, ip.Dindirect); err != nil {
				return err
			}
			ip.Dindirect = common.NULLBNUM
		}
	}
	return nil
}

// clamp maps the total keep count onto one indirect block covering
// logical blocks [base, base+width).
func clamp(keep uint64, base uint64, width uint64) uint64 {
	if keep <= base {
		return 0
	}
	return util.Min(keep-base, width)
}

// shrinkIndirect frees the entries of one indirect block beyond keep
// and reports whether the block ended up empty.
func shrinkIndirect(op *bio.Op, balloc *alloc.Alloc, blkno common.Bnum, keep uint64) (bool, error) {
	b, err := op.ReadBlock(blkno)
	if err != nil {
		return false, err
	}
	empty := true
	for s := uint64(0); s < nindirect; s++ {
		bn := b.BnumGet(s * 4)
		if bn == common.NULLBNUM {
			continue
		}
		if s < keep {
			empty = false
			continue
		}
		if err := freeBlock(op, balloc, bn); err != nil {
			return false, err
		}
		b.BnumPut(s*4, common.NULLBNUM)
	}
	return empty, nil
}

// Blocks lists every disk block reachable from ip, indirect blocks
// included, along with how many of them hold file data; the consistency
// checker uses it to cross the inodes against the block bitmap.
func (ip *Inode) Blocks(op *bio.Op) ([]common.Bnum, uint64, error) {
	var bns []common.Bnum
	ndata := uint64(0)
	for _, bn := range ip.Direct {
		if bn != common.NULLBNUM {
			bns = append(bns, bn)
			ndata++
		}
	}
	if ip.Indirect != common.NULLBNUM {
		bns = append(bns, ip.Indirect)
		entries, err := indirectEntries(op, ip.Indirect)
		if err != nil {
			return nil, 0, err
		}
		bns = append(bns, entries...)
		ndata += uint64(len(entries))
	}
	if ip.Dindirect != common.NULLBNUM {
		bns = append(bns, ip.Dindirect)
		l1, err := indirectEntries(op, ip.Dindirect)
		if err != nil {
			return nil, 0, err
		}
		for _, bn := range l1 {
			bns = append(bns, bn)
			entries, err := indirectEntries(op, bn)
			if err != nil {
				return nil, 0, err
			}
			bns = append(bns, entries...)
			ndata += uint64(len(entries))
		}
	}
	return bns, ndata, nil
}

func indirectEntries(op *bio.Op, blkno common.Bnum) ([]common.Bnum, error) {
	b, err := op.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	var bns []common.Bnum
	for s := uint64(0); s < nindirect; s++ {
		bn := b.BnumGet(s * 4)
		if bn != common.NULLBNUM {
			bns = append(bns, bn)
		}
	}
	return bns, nil
}

// ZeroInode clears inode inum's on-disk record when it is released.
func ZeroInode(op *bio.Op, sb *super.FsSuper, inum common.Inum) {
	op.OverWrite(sb.Inum2Addr(inum), common.INODESZ*8, make([]byte, common.INODESZ))
}
