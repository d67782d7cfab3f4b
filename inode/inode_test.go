package inode_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/alloc"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/super"
)

const nblocks = 2560

type fixture struct {
	d      disk.Disk
	sb     *super.FsSuper
	balloc *alloc.Alloc
}

// mkFixture lays out a disk with the metadata bits pinned, as format
// would leave it.
func mkFixture(t *testing.T) *fixture {
	t.Helper()
	d := disk.NewMemDisk(nblocks)
	sb, err := super.MkFsSuper(nblocks)
	require.NoError(t, err)
	balloc := alloc.MkAlloc(sb.BlockBitmapStart, sb.Nblocks, 0, sb.Nblocks)
	op := bio.Begin(d, sb.Rank)
	for bn := common.Bnum(0); bn < sb.DataStart; bn++ {
		require.NoError(t, balloc.MarkUsed(op, bn))
	}
	require.NoError(t, op.Commit())
	return &fixture{d: d, sb: sb, balloc: balloc}
}

func (fx *fixture) begin() *bio.Op {
	return bio.Begin(fx.d, fx.sb.Rank)
}

func TestEncodeDecode(t *testing.T) {
	assert := assert.New(t)
	ip := inode.MkInode(7, inode.KindFile)
	ip.Size = 123456
	ip.Direct[0] = 163
	ip.Direct[11] = 200
	ip.Indirect = 300
	ip.Dindirect = 400

	data := ip.Encode()
	assert.Equal(common.INODESZ, uint64(len(data)))

	got := inode.Decode(data, 7)
	assert.Equal(ip, got)
}

func TestReadWriteInode(t *testing.T) {
	fx := mkFixture(t)
	op := fx.begin()

	ip := inode.MkInode(common.ROOTINUM, inode.KindDir)
	ip.Nlink = 2
	ip.Size = disk.BlockSize
	ip.WriteInode(op, fx.sb)
	require.NoError(t, op.Commit())

	op = fx.begin()
	got, err := inode.ReadInode(op, fx.sb, common.ROOTINUM)
	require.NoError(t, err)
	assert.Equal(t, ip, got)

	// neighbors in the same inode block are untouched
	other, err := inode.ReadInode(op, fx.sb, 2)
	require.NoError(t, err)
	assert.Equal(t, inode.KindFree, other.Kind)
}

func TestBmapDirect(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	bn, err := ip.Bmap(op, 0)
	require.NoError(t, err)
	assert.Equal(common.NULLBNUM, bn, "hole before any write")

	bn, err = ip.BmapAlloc(op, fx.balloc, 0)
	require.NoError(t, err)
	assert.Equal(fx.sb.DataStart, bn, "lowest free block")

	again, err := ip.BmapAlloc(op, fx.balloc, 0)
	require.NoError(t, err)
	assert.Equal(bn, again, "ensure does not reallocate")

	bn2, err := ip.Bmap(op, 0)
	require.NoError(t, err)
	assert.Equal(bn, bn2)
}

func TestBmapIndirect(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	before := fx.balloc.NumFree()
	bn, err := ip.BmapAlloc(op, fx.balloc, common.NDIRECT)
	require.NoError(t, err)
	assert.NotEqual(common.NULLBNUM, bn)
	assert.NotEqual(common.NULLBNUM, ip.Indirect, "indirect block allocated lazily")
	assert.Equal(before-2, fx.balloc.NumFree(), "indirect block plus data block")

	got, err := ip.Bmap(op, common.NDIRECT)
	require.NoError(t, err)
	assert.Equal(bn, got)

	// second block in the same indirect range costs one block
	_, err = ip.BmapAlloc(op, fx.balloc, common.NDIRECT+1)
	require.NoError(t, err)
	assert.Equal(before-3, fx.balloc.NumFree())
}

func TestBmapDoubleIndirect(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	i := common.NDIRECT + common.NINDIRECT // first double-indirect index
	before := fx.balloc.NumFree()
	bn, err := ip.BmapAlloc(op, fx.balloc, i)
	require.NoError(t, err)
	assert.NotEqual(common.NULLBNUM, bn)
	assert.NotEqual(common.NULLBNUM, ip.Dindirect)
	assert.Equal(before-3, fx.balloc.NumFree(),
		"double-indirect block, one indirect block, one data block")

	got, err := ip.Bmap(op, i)
	require.NoError(t, err)
	assert.Equal(bn, got)
}

func TestBmapTooLarge(t *testing.T) {
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	_, err := ip.Bmap(op, common.MaxFileBlocks)
	assert.ErrorIs(t, err, inode.ErrTooLarge)
	_, err = ip.BmapAlloc(op, fx.balloc, common.MaxFileBlocks)
	assert.ErrorIs(t, err, inode.ErrTooLarge)
}

func TestShrinkToZero(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	before := fx.balloc.NumFree()
	// span direct and single-indirect ranges
	for i := uint64(0); i < common.NDIRECT+3; i++ {
		bn, err := ip.BmapAlloc(op, fx.balloc, i)
		require.NoError(t, err)
		blk := make([]byte, disk.BlockSize)
		blk[0] = byte(i + 1)
		op.OverWriteBlock(bn, blk)
	}
	firstData := ip.Direct[0]
	require.NoError(t, op.Commit())

	op = fx.begin()
	require.NoError(t, ip.Shrink(op, fx.balloc, 0))
	require.NoError(t, op.Commit())

	assert.Equal(before, fx.balloc.NumFree(), "everything returned")
	assert.Equal(common.NULLBNUM, ip.Direct[0])
	assert.Equal(common.NULLBNUM, ip.Indirect)

	blk, err := fx.d.Read(firstData)
	require.NoError(t, err)
	assert.Equal(make([]byte, disk.BlockSize), blk, "freed blocks are zeroed")
}

func TestShrinkPartial(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	for i := uint64(0); i < common.NDIRECT+2; i++ {
		_, err := ip.BmapAlloc(op, fx.balloc, i)
		require.NoError(t, err)
	}
	used := fx.balloc.NumFree()

	// keep 13 blocks: direct plus one indirect entry
	sz := (common.NDIRECT + 1) * disk.BlockSize
	require.NoError(t, ip.Shrink(op, fx.balloc, sz))
	assert.Equal(used+1, fx.balloc.NumFree(), "one data block freed, indirect kept")
	assert.NotEqual(common.NULLBNUM, ip.Indirect)

	bn, err := ip.Bmap(op, common.NDIRECT)
	require.NoError(t, err)
	assert.NotEqual(common.NULLBNUM, bn, "kept entry survives")
	bn, err = ip.Bmap(op, common.NDIRECT+1)
	require.NoError(t, err)
	assert.Equal(common.NULLBNUM, bn, "shrunk entry is gone")

	// shrinking into the direct range drops the indirect block too
	require.NoError(t, ip.Shrink(op, fx.balloc, 2*disk.BlockSize))
	assert.Equal(common.NULLBNUM, ip.Indirect)
	assert.NotEqual(common.NULLBNUM, ip.Direct[1])
	assert.Equal(common.NULLBNUM, ip.Direct[2])
}

func TestBlocks(t *testing.T) {
	assert := assert.New(t)
	fx := mkFixture(t)
	op := fx.begin()
	ip := inode.MkInode(2, inode.KindFile)

	n := common.NDIRECT + 2
	for i := uint64(0); i < n; i++ {
		_, err := ip.BmapAlloc(op, fx.balloc, i)
		require.NoError(t, err)
	}
	bns, ndata, err := ip.Blocks(op)
	require.NoError(t, err)
	assert.Equal(n, ndata)
	assert.Equal(int(n)+1, len(bns), "data blocks plus the indirect block")
}
