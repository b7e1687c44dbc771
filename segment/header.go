//go:build linux

package segment

import (
	"fmt"

	"github.com/skaphan/stmmap/internal/platform"
)

// NextTransactionID atomically assigns the next transaction id for this
// segment. Ids are per-segment, not global: a single stmmap transaction
// spanning several segments gets a distinct id in each one. Id 0 means
// "no transaction" everywhere, so when the 32-bit counter wraps past 0
// the increment is simply repeated.
func (s *Segment) NextTransactionID() uint32 {
	for {
		if id := platform.AtomicIncrement32(s.counterPtr()); id != 0 {
			return id
		}
	}
}

func (s *Segment) counterPtr() *uint32 { return platform.Uint32At(s.meta[headerCounterOff:]) }

// Lock returns the segment's header spinlock, held briefly while
// allocating a transaction id and registering it in the active-
// transactions array.
func (s *Segment) Lock() *platform.SpinLock {
	return platform.SpinLockAt(s.meta[headerLockOff:])
}

func (s *Segment) highWaterPtr() *uint32 { return platform.Uint32At(s.meta[headerHighWaterOff:]) }

func (s *Segment) activePtr(i int) *uint32 {
	return platform.Uint32At(s.meta[headerActiveOff+i*4:])
}

// AddActiveTransaction records id in the active-transactions array,
// growing the high-water mark if no existing empty slot is free. Callers
// must hold Lock().
func (s *Segment) AddActiveTransaction(id uint32) error {
	high := *s.highWaterPtr()
	for i := int(high) - 1; i >= 0; i-- {
		if platform.CompareAndSwap32(s.activePtr(i), 0, id) {
			return nil
		}
	}
	if int(high) >= MaxActiveTransactions {
		return fmt.Errorf("segment: active-transactions array full (max %d)", MaxActiveTransactions)
	}
	platform.CompareAndSwap32(s.activePtr(int(high)), 0, id)
	*s.highWaterPtr() = high + 1
	return nil
}

// DeleteActiveTransaction clears id's slot, if present.
func (s *Segment) DeleteActiveTransaction(id uint32) {
	high := *s.highWaterPtr()
	for i := 0; i < int(high); i++ {
		platform.CompareAndSwap32(s.activePtr(i), id, 0)
	}
}

// SnapshotActiveTransactions returns the ids currently recorded as active,
// excluding 0 (empty) and own (the transaction about to start).
func (s *Segment) SnapshotActiveTransactions(own uint32) []uint32 {
	high := *s.highWaterPtr()
	ids := make([]uint32, 0, high)
	for i := 0; i < int(high); i++ {
		if id := *s.activePtr(i); id != 0 && id != own {
			ids = append(ids, id)
		}
	}
	return ids
}

// DumpActiveTransactions returns one line per occupied slot of the
// active-transactions array, in slot order. Like the allocator's Dump it
// only formats; the caller decides whether (and at what level) to log.
func (s *Segment) DumpActiveTransactions() []string {
	high := *s.highWaterPtr()
	lines := make([]string, 0, high)
	for i := 0; i < int(high); i++ {
		if id := *s.activePtr(i); id != 0 {
			lines = append(lines, fmt.Sprintf("slot %d: transaction %d", i, id))
		}
	}
	return lines
}

func (s *Segment) pageTableOffset(pageNum int) int64 {
	return s.metaHeaderBytes + int64(pageNum)*pageTableEntrySize
}

// CurrentTxn returns the id of the transaction currently holding ownership
// of pageNum's page, or 0 if unowned.
func (s *Segment) CurrentTxn(pageNum int) uint32 {
	return *platform.Uint32At(s.meta[s.pageTableOffset(pageNum):])
}

// CompletedTxn returns the id of the last transaction to publish a write
// to pageNum's page.
func (s *Segment) CompletedTxn(pageNum int) uint32 {
	off := s.pageTableOffset(pageNum) + 4
	return *platform.Uint32At(s.meta[off:])
}

// CASCurrentTxn attempts to claim pageNum's ownership word via
// compare-and-swap.
func (s *Segment) CASCurrentTxn(pageNum int, old, new uint32) bool {
	return platform.CompareAndSwap32(platform.Uint32At(s.meta[s.pageTableOffset(pageNum):]), old, new)
}

// ClearCurrentTxnIfOwned releases pageNum's ownership iff it is currently
// held by owner.
func (s *Segment) ClearCurrentTxnIfOwned(pageNum int, owner uint32) bool {
	return s.CASCurrentTxn(pageNum, owner, 0)
}

// StoreCompletedTxn publishes id as the last writer of pageNum's page.
func (s *Segment) StoreCompletedTxn(pageNum int, id uint32) {
	off := s.pageTableOffset(pageNum) + 4
	*platform.Uint32At(s.meta[off:]) = id
}
