//go:build linux

package stm

import (
	"sync/atomic"

	"github.com/skaphan/stmmap/internal/platform"
	"github.com/skaphan/stmmap/segment"
)

// Touch is the only sanctioned way to read or write a stmmap transaction's
// segment memory. It returns the page-sized slice of ts's segment
// covering offset, guaranteeing that by the time it returns the page is
// privately, writably mapped for this transaction.
//
// The first time a given page is touched by a transaction, the segment is
// still mprotect'd PROT_NONE (Transact's outermost call locked it down),
// so Touch's own forced read of that page raises a real SIGSEGV,
// converted into a recoverable runtime.Error by the fault trapping Tx.run
// armed for this goroutine. Touch recovers it, runs the first-touch algorithm
// (ownership and ordering checks, then snapshot-and-remap), and returns.
// A second Touch of the same page is then a plain memory access: the page
// is already resident, so it finds its already-recorded snapshot and
// returns immediately. A classic fault-signal handler would resume the
// exact faulting instruction, while Go's SetPanicOnFault unwinds the
// stack instead. That is why Touch, not an arbitrary expression
// anywhere in a transaction body, is the unit that recovers the fault:
// everything inside Touch can be re-attempted safely, because Touch's
// only side effects before the forced read are read-only lookups.
func (ts TxSegment) Touch(offset int64) []byte {
	tx, seg := ts.tx, ts.seg
	st := tx.states[seg]
	if st == nil || st.id == 0 {
		panic(&Error{Code: ErrAccess, Msg: "Touch: segment is not part of the active transaction"})
	}

	pageSize := int64(seg.PageSize())
	pageBase := (offset / pageSize) * pageSize
	pageNum := int(pageBase / pageSize)

	if tx.findSnapshot(st, pageBase) == nil {
		if faulted := forceAccess(seg.Data(), pageBase); faulted {
			tx.handleFault(seg, st, pageBase, pageNum)
		}
	}
	return seg.Data()[pageBase : pageBase+pageSize]
}

// forceAccess reads the first word of the page at pageBase, provoking the
// real hardware fault a still-PROT_NONE page raises. The read is an atomic
// load so the compiler cannot drop it. It recovers that fault locally
// (and only that kind of panic; anything else propagates) so Touch's
// caller never sees the intermediate state.
func forceAccess(data []byte, pageBase int64) (faulted bool) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := platform.RecoverFault(r); !ok {
				panic(r)
			}
			faulted = true
		}
	}()
	atomic.LoadUint32(platform.Uint32At(data[pageBase:]))
	return false
}

func (tx *Tx) findSnapshot(st *segState, pageBase int64) *snapshotElem {
	for _, sn := range st.snapshots {
		if sn.pageBase == pageBase {
			return sn
		}
	}
	return nil
}

// handleFault runs the fault-handler algorithm for one page's first touch
// by this transaction: check whether another transaction already owns the
// page or has completed a write to it this transaction should have seen,
// snapshot the page, remap it private, and re-check both conditions for a
// race that happened during the remap itself. Any conflict aborts the
// whole transaction and unwinds to Manager.Run's retry loop.
func (tx *Tx) handleFault(seg *segment.Segment, st *segState, pageBase int64, pageNum int) {
	cmp := seg.CompletedTxn(pageNum)

	if cur := seg.CurrentTxn(pageNum); cur != 0 {
		if cur != st.id {
			tx.conflict(0, seg, pageNum)
		}
		panic(&Error{Code: ErrOwnership, Msg: "page faulted twice for its owning transaction"})
	}

	if int32(cmp-st.id) > 0 {
		tx.conflict(1, seg, pageNum)
	}
	if tx.wasActiveAtStart(st, cmp) {
		tx.conflict(2, seg, pageNum)
	}

	if err := seg.RemapPagePrivate(pageNum); err != nil {
		panic(&Error{Code: ErrMmap, Msg: err.Error()})
	}

	page := seg.Data()[pageBase : pageBase+int64(seg.PageSize())]
	forceMaterialize(page)

	snap := make([]byte, seg.PageSize())
	copy(snap, page)
	tx.insertSnapshot(st, pageBase, pageNum, snap, cmp)

	if cur := seg.CurrentTxn(pageNum); cur != 0 && cur != st.id {
		tx.conflict(3, seg, pageNum)
	}
	if cmp != seg.CompletedTxn(pageNum) {
		tx.conflict(4, seg, pageNum)
	}
}

// conflict records the collision, aborts every segment this transaction
// touched, and unwinds to Manager.Run's retry loop.
func (tx *Tx) conflict(bucket int, seg *segment.Segment, pageNum int) {
	tx.mgr.stats.note(bucket)
	tx.mgr.logf(VerboseCollision, "page %d of %s collided with another transaction (bucket %d)", pageNum, seg.Filename(), bucket)
	tx.abortAll()
	panic(retrySignal{})
}
