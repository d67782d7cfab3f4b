package buf

//
// A map from disk objects to bufs. An object is identified by its flat
// bit address together with its width: a bitmap bit and the block that
// holds it start at the same bit but are distinct objects.
//

import (
	"github.com/Architecture-Mechanism/bellande-operating-system-driver-packages/addr"
)

type bufKey struct {
	flat uint64
	sz   uint64 // width in bits
}

type BufMap struct {
	addrs map[bufKey]*Buf
}

func MkBufMap() *BufMap {
	a := &BufMap{
		addrs: make(map[bufKey]*Buf),
	}
	return a
}

func (bmap *BufMap) Insert(buf *Buf) {
	bmap.addrs[bufKey{buf.Addr.Flatid(), buf.Sz}] = buf
}

func (bmap *BufMap) Lookup(addr addr.Addr, sz uint64) *Buf {
	return bmap.addrs[bufKey{addr.Flatid(), sz}]
}

func (bmap *BufMap) Del(addr addr.Addr, sz uint64) {
	delete(bmap.addrs, bufKey{addr.Flatid(), sz})
}

func (bmap *BufMap) Ndirty() uint64 {
	n := uint64(0)
	for _, buf := range bmap.addrs {
		if buf.dirty {
			n += 1
		}
	}
	return n
}

func (bmap *BufMap) DirtyBufs() []*Buf {
	bufs := make([]*Buf, 0)
	for _, buf := range bmap.addrs {
		if buf.dirty {
			bufs = append(bufs, buf)
		}
	}
	return bufs
}

func (bmap *BufMap) Bufs() []*Buf {
	bufs := make([]*Buf, 0)
	for _, buf := range bmap.addrs {
		bufs = append(bufs, buf)
	}
	return bufs
}
