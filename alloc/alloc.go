package alloc

import (
	"errors"
	"fmt"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/addr"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/buf"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

// ErrDoubleFree reports a free of a number whose bitmap bit is already
// clear. The bitmaps disagree with the inodes at that point, so the
// caller must treat it as corruption.
var ErrDoubleFree = errors.New("double free")

// Alloc allocates and frees numbers using an on-disk bitmap starting at
// block start. Only bits [first, nbits) are ever handed out; the block
// allocator pins its metadata bits set at format, the inode allocator
// keeps bit 0 (the reserved inode) clear and starts scanning at 1.
type Alloc struct {
	start common.Bnum
	nbits uint64
	first uint64
	nfree uint64
}

func MkAlloc(start common.Bnum, nbits uint64, first uint64, nfree uint64) *Alloc {
	a := &Alloc{
		start: start,
		nbits: nbits,
		first: first,
		nfree: nfree,
	}
	return a
}

// bitBuf returns the op's buf for the n-th bit of the bitmap.
func (a *Alloc) bitBuf(op *bio.Op, n uint64) (*buf.Buf, error) {
	return op.ReadBuf(addr.MkBitAddr(a.start, n), 1)
}

// findFreeBit returns the lowest clear bit, checking candidates from a
// block snapshot against the op's per-bit bufs so that bits set earlier
// in the same op are not handed out twice. The snapshot can hide a bit
// that was set on disk and freed within this op; that is fine because
// filesystem operations allocate before they free.
func (a *Alloc) findFreeBit(op *bio.Op) (uint64, *buf.Buf, error) {
	for n := a.first; n < a.nbits; n++ {
		blkbuf, err := op.ReadBlock(a.start + common.Bnum(n/common.NBITBLOCK))
		if err != nil {
			return 0, nil, err
		}
		bit := n % common.NBITBLOCK
		if blkbuf.Data[bit/8]&(1<<(bit%8)) != 0 {
			continue
		}
		b, err := a.bitBuf(op, n)
		if err != nil {
			return 0, nil, err
		}
		if b.Data[0]&(1<<(bit%8)) != 0 {
			// allocated earlier in this op
			continue
		}
		return n, b, nil
	}
	return 0, nil, nil
}

// AllocNum returns the lowest free number, or 0 if the bitmap is
// exhausted.
func (a *Alloc) AllocNum(op *bio.Op) (uint64, error) {
	n, b, err := a.findFreeBit(op)
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	bit := n % 8
	b.Data[0] = b.Data[0] | (1 << bit)
	b.SetDirty()
	a.nfree--
	util.DPrintf(10, "AllocNum: %d\n", n)
	return n, nil
}

func (a *Alloc) FreeNum(op *bio.Op, n uint64) error {
	if n < a.first || n >= a.nbits {
		return fmt.Errorf("free of out-of-range number %d: %w", n, ErrDoubleFree)
	}
	b, err := a.bitBuf(op, n)
	if err != nil {
		return err
	}
	bit := n % 8
	if b.Data[0]&(1<<bit) == 0 {
		return fmt.Errorf("free of free number %d: %w", n, ErrDoubleFree)
	}
	b.Data[0] = b.Data[0] & ^(1 << bit)
	b.SetDirty()
	a.nfree++
	util.DPrintf(10, "FreeNum: %d\n", n)
	return nil
}

// MarkUsed pins bit n set; format uses it to reserve the metadata
// blocks.
func (a *Alloc) MarkUsed(op *bio.Op, n uint64) error {
	if n >= a.nbits {
		panic("MarkUsed out of range")
	}
	b, err := a.bitBuf(op, n)
	if err != nil {
		return err
	}
	bit := n % 8
	b.Data[0] = b.Data[0] | (1 << bit)
	b.SetDirty()
	a.nfree--
	return nil
}

// NumFree returns the in-memory free counter.
func (a *Alloc) NumFree() uint64 {
	return a.nfree
}

// PopCount counts the clear bits in [0, nbits) on disk; the superblock
// free counters are cross-checked against it at open.
func (a *Alloc) PopCount(op *bio.Op) (uint64, error) {
	free := uint64(0)
	for n := uint64(0); n < a.nbits; n += common.NBITBLOCK {
		b, err := op.ReadBlock(a.start + common.Bnum(n/common.NBITBLOCK))
		if err != nil {
			return 0, err
		}
		last := util.Min(common.NBITBLOCK, a.nbits-n)
		for bit := uint64(0); bit < last; bit++ {
			if b.Data[bit/8]&(1<<(bit%8)) == 0 {
				free++
			}
		}
	}
	return free, nil
}
