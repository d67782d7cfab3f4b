package common

import (
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
)

const (
	NBITBLOCK uint64 = disk.BlockSize * 8
	INODEBLK  uint64 = disk.BlockSize / INODESZ

	INODESZ uint64 = 128 // on-disk size

	// file geometry: 12 direct slots, one single-indirect slot, one
	// double-indirect slot; indirect blocks hold u32 block numbers
	NDIRECT   uint64 = 12
	NINDIRECT uint64 = disk.BlockSize / 4

	MAXNAMELEN uint64 = 255
)

type Inum uint64
type Bnum = uint64

const (
	NULLINUM Inum = 0
	ROOTINUM Inum = 1
	NULLBNUM Bnum = 0
)

// MaxFileBlocks is the number of logical blocks reachable through an
// inode's direct, single-indirect, and double-indirect slots.
const MaxFileBlocks uint64 = NDIRECT + NINDIRECT + NINDIRECT*NINDIRECT
