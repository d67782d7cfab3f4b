package fs

import (
	"fmt"
	"strings"

	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/bio"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/common"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/dir"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/inode"
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/util"
)

// SplitPath parses an absolute path into its components. Empty
// components (leading "//", trailing "/"), relative paths, and
// reserved or malformed names all come back as ErrInvalidPath. The
// root path "/" yields no components.
func SplitPath(path string) ([]string, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("%q is not absolute: %w", path, ErrInvalidPath)
	}
	if path == "/" {
		return nil, nil
	}
	comps := strings.Split(path[1:], "/")
	for _, c := range comps {
		if err := dir.CheckName(c); err != nil {
			return nil, fmt.Errorf("%q: %w", path, ErrInvalidPath)
		}
	}
	return comps, nil
}

// resolved is the outcome of walking a path: the leaf's parent
// directory, the leaf name, and the leaf itself if it exists. For the
// root path, parent is the root inode and name is empty.
type resolved struct {
	parent *inode.Inode
	name   string
	ent    dir.DirEnt
	found  bool
}

func (r resolved) isRoot() bool {
	return r.name == ""
}

// resolve walks path from the root. Every intermediate component must
// be an existing directory; the leaf may be missing.
func (fsys *FileSys) resolve(op *bio.Op, path string) (resolved, error) {
	comps, err := SplitPath(path)
	if err != nil {
		return resolved{}, err
	}
	cur, err := inode.ReadInode(op, fsys.Sb, common.ROOTINUM)
	if err != nil {
		return resolved{}, err
	}
	if cur.Kind != inode.KindDir {
		return resolved{}, fmt.Errorf("root is not a directory: %w", ErrCorrupt)
	}
	if len(comps) == 0 {
		return resolved{
			parent: cur,
			ent:    dir.DirEnt{Inum: common.ROOTINUM, Kind: inode.KindDir, Name: "/"},
			found:  true,
		}, nil
	}
	for _, c := range comps[:len(comps)-1] {
		ent, ok, err := dir.Lookup(op, cur, c)
		if err != nil {
			return resolved{}, err
		}
		if !ok {
			return resolved{}, fmt.Errorf("%q: %w", c, ErrNotFound)
		}
		if ent.Kind != inode.KindDir {
			return resolved{}, fmt.Errorf("%q: %w", c, ErrNotDir)
		}
		cur, err = inode.ReadInode(op, fsys.Sb, ent.Inum)
		if err != nil {
			return resolved{}, err
		}
	}
	name := comps[len(comps)-1]
	ent, ok, err := dir.Lookup(op, cur, name)
	if err != nil {
		return resolved{}, err
	}
	util.DPrintf(5, "resolve %q: parent %d leaf %q found %v\n",
		path, cur.Inum, name, ok)
	return resolved{parent: cur, name: name, ent: ent, found: ok}, nil
}
