//go:build linux

package stm

import (
	"encoding/binary"
	"fmt"

	"github.com/skaphan/stmmap/internal/avl"
	"github.com/skaphan/stmmap/internal/buddy"
	"github.com/skaphan/stmmap/segment"
)

// allocHeaderSize is the one header word Alloc writes immediately before
// the address it returns, so Free can recover the original block size
// without the caller tracking it.
const allocHeaderSize = 8

// freeListRootOffset is the fixed arena offset every segment's buddy free
// list root lives at. A segment has exactly one allocator, so unlike a
// general-purpose avl.Tree user this never needs to vary.
const freeListRootOffset int64 = 0

func (ts TxSegment) arena() avl.Arena {
	// touchAll guarantees every page backing this arena is already
	// privately mapped before buddy's tree code runs, since buddy.Open/
	// Init/Alloc/Free index the arena directly rather than going through
	// Touch themselves -- see touchAll's doc comment.
	return avl.Arena(ts.seg.Data())
}

// touchAll pre-faults every page of ts's segment. internal/buddy and
// internal/avl are generic arena-indexing code with no notion of a
// transaction boundary, so unlike user code that can call Touch
// incrementally as it accesses each byte it needs, the allocator wrapper
// must guarantee the whole arena is resident before handing it to them:
// walking a tree whose next node to visit depends on the data just read
// can't be pre-computed without duplicating the walk. This trades
// page-level snapshot laziness for simplicity, touching (and, at commit,
// validating) more pages than an individual Alloc/Free call strictly
// needs.
func (ts TxSegment) touchAll() {
	seg := ts.seg
	n := seg.PageCount()
	for i := 0; i < n; i++ {
		ts.Touch(int64(i) * int64(seg.PageSize()))
	}
}

// allocInit is AllocInit/Tx.AllocInit's shared body.
func allocInit(ts TxSegment, mode int) error {
	ts.touchAll()
	if mode == 1 {
		if _, err := buddy.Init(ts.arena(), freeListRootOffset, ts.seg.Size()); err != nil {
			return &Error{Code: ErrAlloc, Msg: err.Error()}
		}
	}
	return nil
}

// allocNew is Alloc/Tx.Alloc's shared body.
func allocNew(ts TxSegment, n uint64, result *int64) error {
	ts.touchAll()
	alloc := buddy.Open(ts.arena(), freeListRootOffset)
	realSize := buddy.BlockSizeFor(n + allocHeaderSize)
	off, ok := alloc.Alloc(realSize)
	if !ok {
		return &Error{Code: ErrAlloc, Msg: fmt.Sprintf("no free block of at least %d bytes", realSize)}
	}
	binary.LittleEndian.PutUint64(ts.arena()[off:off+allocHeaderSize], realSize)
	*result = off + allocHeaderSize
	return nil
}

// allocFree is Free/Tx.Free's shared body.
func allocFree(ts TxSegment, p int64) error {
	ts.touchAll()
	arena := ts.arena()
	off := p - allocHeaderSize
	size := binary.LittleEndian.Uint64(arena[off : off+allocHeaderSize])
	alloc := buddy.Open(arena, freeListRootOffset)
	if err := alloc.Free(off, size); err != nil {
		return &Error{Code: ErrAlloc, Msg: err.Error()}
	}
	return nil
}

// AllocInit seeds (mode 1) or reattaches to (mode 0) seg's buddy free
// list, as its own top-level "alloc.init" transaction.
func (m *Manager) AllocInit(seg *segment.Segment, mode int) error {
	return m.Run("alloc.init", func(tx *Tx) error {
		return allocInit(tx.Segment(seg), mode)
	})
}

// Alloc reserves a block of at least n usable bytes, as its own top-level
// "alloc.new" transaction, returning the address of the usable region
// (past the hidden size header Free needs).
func (m *Manager) Alloc(seg *segment.Segment, n uint64) (int64, error) {
	result := avl.Nil
	err := m.Run("alloc.new", func(tx *Tx) error {
		return allocNew(tx.Segment(seg), n, &result)
	})
	return result, err
}

// Free returns the block at p (as returned by Alloc) to seg's free list,
// as its own top-level "alloc.free" transaction.
func (m *Manager) Free(seg *segment.Segment, p int64) error {
	return m.Run("alloc.free", func(tx *Tx) error {
		return allocFree(tx.Segment(seg), p)
	})
}

// AllocInit, Alloc and Free nest "alloc.init"/"alloc.new"/"alloc.free" as
// a sub-transaction of tx instead of starting a fresh top-level
// transaction, for a caller that is itself already inside a Manager.Run
// body and wants its allocator calls to commit or abort atomically with
// the rest of its work.

func (tx *Tx) AllocInit(seg *segment.Segment, mode int) error {
	return tx.Transact("alloc.init", func(tx *Tx) error {
		return allocInit(tx.Segment(seg), mode)
	})
}

func (tx *Tx) Alloc(seg *segment.Segment, n uint64) (int64, error) {
	result := avl.Nil
	err := tx.Transact("alloc.new", func(tx *Tx) error {
		return allocNew(tx.Segment(seg), n, &result)
	})
	return result, err
}

func (tx *Tx) Free(seg *segment.Segment, p int64) error {
	return tx.Transact("alloc.free", func(tx *Tx) error {
		return allocFree(tx.Segment(seg), p)
	})
}
