package addr

import (
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
)

// Addr identifies the start of a disk object.
//
// Blkno is the block number containing the object, and Off is the location of
// the object within the block (expressed as a bit offset). The size of the
// object is determined by the context in which Addr is used.
type Addr struct {
	Blkno common.Bnum
	Off   uint64 // offset in bits
}

func (a Addr) Flatid() uint64 {
	return uint64(a.Blkno)*(disk.BlockSize*8) + a.Off
}

func (a Addr) Eq(b Addr) bool {
	return a.Blkno == b.Blkno && a.Off == b.Off
}

func MkAddr(blkno common.Bnum, off uint64) Addr {
	return Addr{Blkno: blkno, Off: off}
}

// MkBitAddr addresses the n-th bit of a bitmap whose first block is start.
func MkBitAddr(start common.Bnum, n uint64) Addr {
	bit := n % common.NBITBLOCK
	i := n / common.NBITBLOCK
	addr := MkAddr(start+common.Bnum(i), bit)
	return addr
}

// MkBlockAddr addresses a full disk block.
func MkBlockAddr(blkno common.Bnum) Addr {
	return MkAddr(blkno, 0)
}
