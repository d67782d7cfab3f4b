package bio_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/addr"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
)

// tracingDisk records the order of writes and barriers.
type tracingDisk struct {
	disk.Disk
	trace []uint64
}

const barrierMark uint64 = 1 << 62

func (d *tracingDisk) Write(a uint64, v disk.Block) error {
	d.trace = append(d.trace, a)
	return d.Disk.Write(a, v)
}

func (d *tracingDisk) Barrier() error {
	d.trace = append(d.trace, barrierMark)
	return d.Disk.Barrier()
}

// rank for a toy layout: blocks >= 8 are data, 4..7 metadata, 0 super
func toyRank(bn common.Bnum) int {
	switch {
	case bn == 0:
		return 2
	case bn < 8:
		return 1
	default:
		return 0
	}
}

func TestCommitOrder(t *testing.T) {
	d := &tracingDisk{Disk: disk.NewMemDisk(32)}
	op := bio.Begin(d, toyRank)

	blk := make([]byte, disk.BlockSize)
	op.OverWriteBlock(0, blk)
	op.OverWriteBlock(9, blk)
	op.OverWriteBlock(5, blk)
	op.OverWriteBlock(8, blk)
	require.NoError(t, op.Commit())

	assert.Equal(t, []uint64{8, 9, 5, 0, barrierMark}, d.trace,
		"data ascending, then metadata, then super, then barrier")
}

func TestAbandonedOpHasNoEffect(t *testing.T) {
	d := disk.NewMemDisk(8)
	op := bio.Begin(d, toyRank)
	blk := make([]byte, disk.BlockSize)
	blk[0] = 0xFF
	op.OverWriteBlock(3, blk)
	// no Commit

	got, err := d.Read(3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, disk.BlockSize), got)
}

func TestSubBlockInstall(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)

	// seed block 2 with existing content
	seed := make([]byte, disk.BlockSize)
	for i := range seed {
		seed[i] = 0x11
	}
	require.NoError(t, d.Write(2, seed))

	op := bio.Begin(d, toyRank)
	// two sub-block objects in the same block
	op.OverWrite(addr.MkAddr(2, 0), 128*8, make([]byte, 128))
	b, err := op.ReadBuf(addr.MkAddr(2, 256*8), 128*8)
	require.NoError(t, err)
	b.Data[0] = 0x99
	b.SetDirty()
	require.NoError(t, op.Commit())

	got, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(make([]byte, 128), got[0:128], "first object overwritten")
	assert.Equal(byte(0x99), got[256])
	assert.Equal(byte(0x11), got[255], "untouched bytes keep their content")
	assert.Equal(byte(0x11), got[128])
}

func TestBitInstall(t *testing.T) {
	d := disk.NewMemDisk(8)
	op := bio.Begin(d, toyRank)

	for _, bit := range []uint64{0, 9, 4095} {
		b, err := op.ReadBuf(addr.MkAddr(1, bit), 1)
		require.NoError(t, err)
		b.Data[0] |= 1 << (bit % 8)
		b.SetDirty()
	}
	require.NoError(t, op.Commit())

	got, err := d.Read(1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), got[0])
	assert.Equal(t, byte(0x02), got[1])
	assert.Equal(t, byte(0x80), got[511])
}

func TestReadBufWidths(t *testing.T) {
	assert := assert.New(t)
	d := disk.NewMemDisk(8)
	op := bio.Begin(d, toyRank)

	// a bit and the block holding it start at the same address but are
	// distinct objects
	bit, err := op.ReadBuf(addr.MkAddr(2, 0), 1)
	require.NoError(t, err)
	blk, err := op.ReadBlock(2)
	require.NoError(t, err)
	assert.Equal(uint64(1), bit.Sz)
	assert.Equal(common.NBITBLOCK, blk.Sz)
	assert.Len(blk.Data, int(disk.BlockSize))

	again, err := op.ReadBuf(addr.MkAddr(2, 0), 1)
	require.NoError(t, err)
	assert.Same(bit, again, "each width is cached independently")

	// only the dirty view reaches the device
	bit.Data[0] |= 1
	bit.SetDirty()
	require.NoError(t, op.Commit())
	got, err := d.Read(2)
	require.NoError(t, err)
	assert.Equal(byte(0x01), got[0])
	assert.Equal(make([]byte, disk.BlockSize-1), got[1:])
}

func TestReadBufCached(t *testing.T) {
	d := disk.NewMemDisk(8)
	op := bio.Begin(d, toyRank)

	b1, err := op.ReadBuf(addr.MkAddr(4, 0), 64)
	require.NoError(t, err)
	b2, err := op.ReadBuf(addr.MkAddr(4, 0), 64)
	require.NoError(t, err)
	assert.Same(t, b1, b2, "one buf per address within an op")
	assert.Equal(t, uint64(0), op.NDirty())
	b1.SetDirty()
	assert.Equal(t, uint64(1), op.NDirty())
}
