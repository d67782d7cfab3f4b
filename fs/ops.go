package fs

import (
	"errors"
	"fmt"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/dir"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/disk"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

// Create makes an empty file at path.
func (fsys *FileSys) Create(path string) error {
	return fsys.run(func(op *bio.Op) error {
		res, err := fsys.resolve(op, path)
		if err != nil {
			return err
		}
		if res.found {
			return fmt.Errorf("%q: %w", path, dir.ErrExists)
		}
		inum, err := fsys.ialloc.AllocNum(op)
		if err != nil {
			return err
		}
		if inum == 0 {
			return ErrNoInodes
		}
		ip := inode.MkInode(common.Inum(inum), inode.KindFile)
		if err := dir.Insert(op, fsys.balloc, res.parent, res.name, ip.Inum, inode.KindFile); err != nil {
			return fsys.mapDirErr(err)
		}
		res.parent.WriteInode(op, fsys.Sb)
		ip.WriteInode(op, fsys.Sb)
		return fsys.commit(op)
	})
}

// Mkdir makes an empty directory at path and bumps the parent's link
// count for the new child's "..".
func (fsys *FileSys) Mkdir(path string) error {
	return fsys.run(func(op *bio.Op) error {
		res, err := fsys.resolve(op, path)
		if err != nil {
			return err
		}
		if res.found {
			return fmt.Errorf("%q: %w", path, dir.ErrExists)
		}
		inum, err := fsys.ialloc.AllocNum(op)
		if err != nil {
			return err
		}
		if inum == 0 {
			return ErrNoInodes
		}
		child := inode.MkInode(common.Inum(inum), inode.KindDir)
		child.Nlink = 2
		if err := dir.InitDir(op, fsys.balloc, child, res.parent.Inum); err != nil {
			return fsys.mapDirErr(err)
		}
		if err := dir.Insert(op, fsys.balloc, res.parent, res.name, child.Inum, inode.KindDir); err != nil {
			return fsys.mapDirErr(err)
		}
		res.parent.Nlink++
		res.parent.WriteInode(op, fsys.Sb)
		child.WriteInode(op, fsys.Sb)
		return fsys.commit(op)
	})
}

// WriteFile overwrites the file at path with data, starting at offset
// 0, extending and truncating as needed.
func (fsys *FileSys) WriteFile(path string, data []byte) error {
	if uint64(len(data)) > inode.MaxSize {
		return inode.ErrTooLarge
	}
	return fsys.run(func(op *bio.Op) error {
		res, err := fsys.resolve(op, path)
		if err != nil {
			return err
		}
		if !res.found {
			return fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		if res.ent.Kind == inode.KindDir {
			return fmt.Errorf("%q: %w", path, ErrIsDir)
		}
		ip, err := inode.ReadInode(op, fsys.Sb, res.ent.Inum)
		if err != nil {
			return err
		}
		sz := uint64(len(data))
		nblk := util.RoundUp(sz, disk.BlockSize)
		for i := uint64(0); i < nblk; i++ {
			bn, err := ip.BmapAlloc(op, fsys.balloc, i)
			if err != nil {
				return err
			}
			if bn == common.NULLBNUM {
				return ErrNoSpace
			}
			blk := make([]byte, disk.BlockSize)
			copy(blk, data[i*disk.BlockSize:util.Min((i+1)*disk.BlockSize, sz)])
			op.OverWriteBlock(bn, blk)
		}
		if err := ip.Shrink(op, fsys.balloc, sz); err != nil {
			return err
		}
		ip.Size = sz
		ip.WriteInode(op, fsys.Sb)
		util.DPrintf(1, "WriteFile %q: %d bytes, %d blocks\n", path, sz, nblk)
		return fsys.commit(op)
	})
}

// ReadFile returns the file's bytes.
func (fsys *FileSys) ReadFile(path string) ([]byte, error) {
	op := fsys.begin()
	res, err := fsys.resolve(op, path)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	if res.ent.Kind == inode.KindDir {
		return nil, fmt.Errorf("%q: %w", path, ErrIsDir)
	}
	ip, err := inode.ReadInode(op, fsys.Sb, res.ent.Inum)
	if err != nil {
		return nil, err
	}
	data := make([]byte, ip.Size)
	nblk := util.RoundUp(ip.Size, disk.BlockSize)
	for i := uint64(0); i < nblk; i++ {
		bn, err := ip.Bmap(op, i)
		if err != nil {
			return nil, err
		}
		if bn == common.NULLBNUM {
			// hole reads as zeros
			continue
		}
		b, err := op.ReadBlock(bn)
		if err != nil {
			return nil, err
		}
		copy(data[i*disk.BlockSize:util.Min((i+1)*disk.BlockSize, ip.Size)], b.Data)
	}
	return data, nil
}

// List returns the directory's children in on-disk order, without "."
// and "..".
func (fsys *FileSys) List(path string) ([]dir.DirEnt, error) {
	op := fsys.begin()
	res, err := fsys.resolve(op, path)
	if err != nil {
		return nil, err
	}
	if !res.found {
		return nil, fmt.Errorf("%q: %w", path, ErrNotFound)
	}
	if res.ent.Kind != inode.KindDir {
		return nil, fmt.Errorf("%q: %w", path, ErrNotDir)
	}
	dip, err := inode.ReadInode(op, fsys.Sb, res.ent.Inum)
	if err != nil {
		return nil, err
	}
	ents, err := dir.Enumerate(op, dip)
	if err != nil {
		return nil, err
	}
	children := make([]dir.DirEnt, 0, len(ents))
	for _, ent := range ents {
		if ent.Name == "." || ent.Name == ".." {
			continue
		}
		children = append(children, ent)
	}
	return children, nil
}

// Remove deletes the file at path, returning its blocks and inode to
// the allocators zeroed.
func (fsys *FileSys) Remove(path string) error {
	return fsys.run(func(op *bio.Op) error {
		res, err := fsys.resolve(op, path)
		if err != nil {
			return err
		}
		if res.isRoot() {
			return fmt.Errorf("%q: %w", path, ErrIsDir)
		}
		if !res.found {
			return fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		if res.ent.Kind == inode.KindDir {
			return fmt.Errorf("%q: %w", path, ErrIsDir)
		}
		ip, err := inode.ReadInode(op, fsys.Sb, res.ent.Inum)
		if err != nil {
			return err
		}
		if err := fsys.release(op, ip); err != nil {
			return err
		}
		if _, err := dir.Remove(op, fsys.balloc, res.parent, res.name); err != nil {
			return err
		}
		res.parent.WriteInode(op, fsys.Sb)
		return fsys.commit(op)
	})
}

// Rmdir deletes the directory at path; it must hold nothing but "."
// and "..". The root cannot be removed.
func (fsys *FileSys) Rmdir(path string) error {
	return fsys.run(func(op *bio.Op) error {
		res, err := fsys.resolve(op, path)
		if err != nil {
			return err
		}
		if res.isRoot() {
			return fmt.Errorf("cannot remove root: %w", ErrInvalidPath)
		}
		if !res.found {
			return fmt.Errorf("%q: %w", path, ErrNotFound)
		}
		if res.ent.Kind != inode.KindDir {
			return fmt.Errorf("%q: %w", path, ErrNotDir)
		}
		child, err := inode.ReadInode(op, fsys.Sb, res.ent.Inum)
		if err != nil {
			return err
		}
		ents, err := dir.Enumerate(op, child)
		if err != nil {
			return err
		}
		for _, ent := range ents {
			if ent.Name != "." && ent.Name != ".." {
				return fmt.Errorf("%q: %w", path, ErrNotEmpty)
			}
		}
		if err := fsys.release(op, child); err != nil {
			return err
		}
		if _, err := dir.Remove(op, fsys.balloc, res.parent, res.name); err != nil {
			return err
		}
		res.parent.Nlink--
		res.parent.WriteInode(op, fsys.Sb)
		return fsys.commit(op)
	})
}

// release frees everything an inode holds: its blocks (zeroed), its
// record, and its bitmap bit.
func (fsys *FileSys) release(op *bio.Op, ip *inode.Inode) error {
	if err := ip.Shrink(op, fsys.balloc, 0); err != nil {
		return err
	}
	inode.ZeroInode(op, fsys.Sb, ip.Inum)
	return fsys.ialloc.FreeNum(op, uint64(ip.Inum))
}

// mapDirErr keeps directory-layer exhaustion in the fs taxonomy.
func (fsys *FileSys) mapDirErr(err error) error {
	if errors.Is(err, dir.ErrNoSpace) {
		return ErrNoSpace
	}
	return err
}
