// Package bio collects the reads and writes of one filesystem operation
// and installs modified buffers into their disk blocks at commit.
//
// Commit writes blocks out in an order that keeps the on-disk structures
// consistent if the process dies part-way: data and indirect blocks first,
// then the inode table, then the bitmaps, then the superblock, with a
// single barrier at the end. An Op that is abandoned before Commit has no
// effect on the device.
package bio

import (
	"sort"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/addr"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/buf"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

// Rank orders a block for commit; lower ranks are written first.
type Rank func(common.Bnum) int

type Op struct {
	d    disk.Disk
	rank Rank
	bufs *buf.BufMap // bufs read/written by this operation
}

func Begin(d disk.Disk, rank Rank) *Op {
	op := &Op{
		d:    d,
		rank: rank,
		bufs: buf.MkBufMap(),
	}
	util.DPrintf(3, "bio.Begin\n")
	return op
}

// ReadBuf returns the sz-bit disk object at a, loading its block if
// this op has not seen that object yet. Objects are cached per width,
// so a bitmap bit and the full block holding it are separate bufs.
func (op *Op) ReadBuf(a addr.Addr, sz uint64) (*buf.Buf, error) {
	b := op.bufs.Lookup(a, sz)
	if b == nil {
		blk, err := op.d.Read(uint64(a.Blkno))
		if err != nil {
			return nil, err
		}
		b = buf.MkBufLoad(a, sz, blk)
		op.bufs.Insert(b)
	}
	return b, nil
}

// ReadBlock returns a full-block buf for blkno.
func (op *Op) ReadBlock(blkno common.Bnum) (*buf.Buf, error) {
	return op.ReadBuf(addr.MkBlockAddr(blkno), common.NBITBLOCK)
}

// OverWrite replaces the disk object at a without reading it.
func (op *Op) OverWrite(a addr.Addr, sz uint64, data []byte) {
	b := op.bufs.Lookup(a, sz)
	if b == nil {
		b = buf.MkBuf(a, sz, data)
		op.bufs.Insert(b)
	} else {
		if sz != b.Sz {
			panic("OverWrite with mismatched size")
		}
		b.Data = data
	}
	b.SetDirty()
}

// OverWriteBlock replaces the full block blkno.
func (op *Op) OverWriteBlock(blkno common.Bnum, data []byte) {
	if uint64(len(data)) != disk.BlockSize {
		panic("OverWriteBlock with non-block data")
	}
	op.OverWrite(addr.MkBlockAddr(blkno), common.NBITBLOCK, data)
}

// ZeroBlock overwrites blkno with zeros.
func (op *Op) ZeroBlock(blkno common.Bnum) {
	op.OverWriteBlock(blkno, make([]byte, disk.BlockSize))
}

func (op *Op) NDirty() uint64 {
	return op.bufs.Ndirty()
}

// installBufs installs dirty bufs into their blocks. A buf may only
// partially update a disk block and several bufs may apply to the same
// block.
func (op *Op) installBufs(bufs []*buf.Buf) (map[common.Bnum][]byte, error) {
	blks := make(map[common.Bnum][]byte)
	for _, b := range bufs {
		if b.Sz == common.NBITBLOCK {
			blks[b.Addr.Blkno] = b.Data
		}
	}
	for _, b := range bufs {
		if b.Sz == common.NBITBLOCK {
			continue
		}
		blk, ok := blks[b.Addr.Blkno]
		if !ok {
			read, err := op.d.Read(uint64(b.Addr.Blkno))
			if err != nil {
				return nil, err
			}
			blk = read
			blks[b.Addr.Blkno] = blk
		}
		b.Install(blk)
	}
	return blks, nil
}

// Commit installs this op's dirty bufs and writes the affected blocks
// to the device in rank order, ending with a barrier.
func (op *Op) Commit() error {
	dirty := op.bufs.DirtyBufs()
	if len(dirty) == 0 {
		util.DPrintf(5, "commit read-only op\n")
		return nil
	}
	blks, err := op.installBufs(dirty)
	if err != nil {
		return err
	}
	blknos := make([]common.Bnum, 0, len(blks))
	for blkno := range blks {
		blknos = append(blknos, blkno)
	}
	sort.Slice(blknos, func(i, j int) bool {
		ri, rj := op.rank(blknos[i]), op.rank(blknos[j])
		if ri != rj {
			return ri < rj
		}
		return blknos[i] < blknos[j]
	})
	util.DPrintf(3, "Commit: %v blocks\n", len(blknos))
	for _, blkno := range blknos {
		if err := op.d.Write(uint64(blkno), blks[blkno]); err != nil {
			return err
		}
	}
	return op.d.Barrier()
}
