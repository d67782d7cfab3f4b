package super_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/super"
)

// 10 MiB device
const nblocks = 2560

func TestLayout(t *testing.T) {
	assert := assert.New(t)
	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)

	assert.Equal(uint64(nblocks), sb.Nblocks)
	assert.Equal(uint64(nblocks*2), sb.Ninodes, "one inode per 2 KiB")
	assert.Equal(common.Bnum(1), sb.InodeBitmapStart)
	assert.Equal(common.Bnum(2), sb.BlockBitmapStart)
	assert.Equal(common.Bnum(3), sb.InodeTableStart)
	assert.Equal(common.Bnum(3+5120/common.INODEBLK), sb.DataStart)
	assert.Equal(common.ROOTINUM, sb.Root)
}

func TestTooSmall(t *testing.T) {
	_, err := super.MkFsSuper(4)
	assert.ErrorIs(t, err, super.ErrTooSmall)
}

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)
	sb.FreeBlocks = 17
	sb.FreeInodes = 42

	blk := sb.Encode()
	assert.Equal(uint64(len(blk)), disk.BlockSize)
	assert.Equal([]byte("BLFS"), blk[0:4], "magic leads the block")

	got, err := super.Decode(blk)
	require.NoError(t, err)
	assert.Equal(sb, got)
}

func TestDecodeNotFormatted(t *testing.T) {
	zero := make([]byte, disk.BlockSize)
	_, err := super.Decode(zero)
	assert.ErrorIs(t, err, super.ErrNotFormatted)

	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)
	blk := sb.Encode()
	blk[2] = 'X' // corrupt the magic
	_, err = super.Decode(blk)
	assert.ErrorIs(t, err, super.ErrNotFormatted)
}

func TestInum2Addr(t *testing.T) {
	assert := assert.New(t)
	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)

	a := sb.Inum2Addr(common.ROOTINUM)
	assert.Equal(sb.InodeTableStart, a.Blkno)
	assert.Equal(common.INODESZ*8, a.Off, "inode 1 sits one record in")

	a = sb.Inum2Addr(common.Inum(common.INODEBLK))
	assert.Equal(sb.InodeTableStart+1, a.Blkno)
	assert.Equal(uint64(0), a.Off)
}

func TestRank(t *testing.T) {
	assert := assert.New(t)
	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)

	assert.Equal(0, sb.Rank(sb.DataStart), "data writes go first")
	assert.Equal(0, sb.Rank(nblocks-1))
	assert.Equal(1, sb.Rank(sb.InodeTableStart))
	assert.Equal(2, sb.Rank(sb.InodeBitmapStart))
	assert.Equal(2, sb.Rank(sb.BlockBitmapStart))
	assert.Equal(3, sb.Rank(0), "the superblock goes last")
}
