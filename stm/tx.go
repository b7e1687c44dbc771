//go:build linux

package stm

import (
	"bytes"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/skaphan/stmmap/internal/platform"
	"github.com/skaphan/stmmap/segment"
)

// segState is the per-segment state a Tx accumulates while it runs: the
// transaction id assigned on that segment, the set of transactions that
// were already active when this one started, and the snapshot list.
type segState struct {
	id          uint32
	priorActive []uint32
	snapshots   []*snapshotElem
}

// snapshotElem is one entry of a segment's per-transaction snapshot list:
// the page's bytes as they stood the instant this transaction first
// touched it, plus the completed-transaction id observed at that moment.
type snapshotElem struct {
	pageBase      int64
	pageNum       int
	snapshot      []byte
	dirty         bool
	txidAtCapture uint32
}

// Tx is one stmmap transaction: a stack of nested named transaction
// bodies plus, per segment this Manager has open, the bookkeeping needed
// to validate and publish this transaction's writes at commit. A Tx is an
// explicit, non-shared handle; it must not be used from more than one
// goroutine.
type Tx struct {
	mgr    *Manager
	corrID uuid.UUID

	started bool
	stack   []string
	states  map[*segment.Segment]*segState
}

// TxSegment scopes memory access to one segment within a transaction.
type TxSegment struct {
	tx  *Tx
	seg *segment.Segment
}

// Segment returns a handle used to touch seg's memory within tx. seg must
// be one of tx's Manager's currently open segments.
func (tx *Tx) Segment(seg *segment.Segment) TxSegment {
	return TxSegment{tx: tx, seg: seg}
}

// ID returns this transaction's id on seg, or 0 if seg was not part of
// this transaction (or the transaction has not started).
func (tx *Tx) ID(seg *segment.Segment) uint32 {
	if st := tx.states[seg]; st != nil {
		return st.id
	}
	return 0
}

// run drives one invocation of fn against a fresh Tx, translating both a
// detected collision and a raw memory-access fault that escaped Touch
// into a plain error Manager.Run's retry loop understands. A fault
// reaching this recover, rather than being handled inside Touch itself,
// means something read or wrote segment memory without going through
// Touch. Not a retryable condition, but a bug, reported as ErrAccess.
//
// run also arms fault trapping for its own goroutine: SetPanicOnFault is
// per-goroutine state, so it must be set here, on the goroutine that will
// perform the guarded accesses, not once at Manager construction.
func (tx *Tx) run(name string, fn func(tx *Tx) error) (err error) {
	prev := platform.ArmFaultTrapping()
	defer platform.RestoreFaultTrapping(prev)
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(retrySignal); ok {
			err = errCollision
			return
		}
		// Anything else unwound past Transact without the conflict path's
		// abort; clean up the started segments (and release the Manager's
		// mutex) before reporting.
		if tx.started {
			tx.abortAll()
		}
		if _, ok := platform.RecoverFault(r); ok {
			err = &Error{Code: ErrAccess, Msg: "segment memory accessed outside Tx.Segment(...).Touch"}
			return
		}
		if fe, ok := r.(*Error); ok {
			err = fe
			return
		}
		panic(r)
	}()
	return tx.Transact(name, fn)
}

// Transact runs fn as a named transaction body. The outermost call on a
// fresh Tx starts every one of the Manager's segments (mprotect PROT_NONE,
// assign a transaction id on each); the outermost call to return without
// error commits every segment; any call returning a non-nil error leaves
// commit to the outermost caller, which aborts instead. Nested calls
// (Transact invoked again on a Tx that has already started, directly by
// user code or internally by alloc.go's "alloc.new"/"alloc.free"/
// "alloc.init") merely push and pop the name stack.
func (tx *Tx) Transact(name string, fn func(tx *Tx) error) error {
	if name == "" {
		panic(&Error{Code: ErrNullName, Msg: "Transact: name must not be empty"})
	}
	outermost := !tx.started
	if outermost {
		tx.beginAll()
		tx.started = true
	}

	tx.stack = append(tx.stack, name)
	err := fn(tx)
	if len(tx.stack) == 0 || tx.stack[len(tx.stack)-1] != name {
		panic(&Error{Code: ErrStack, Msg: "Transact: transaction stack corrupted (mismatched nesting)"})
	}
	tx.stack = tx.stack[:len(tx.stack)-1]

	if err != nil {
		if outermost {
			tx.abortAll()
		}
		return err
	}

	if outermost {
		if cerr := tx.commitAll(); cerr != nil {
			if cerr == errCollision {
				panic(retrySignal{})
			}
			return cerr
		}
	}
	return nil
}

// beginAll locks the Manager (see Manager's doc comment on why a single
// mutex serializes transactions within a process) and starts every
// currently open segment.
func (tx *Tx) beginAll() {
	tx.mgr.mu.Lock()
	tx.corrID = uuid.New()
	tx.mgr.segmentsSnapshot(&tx.states)
	defer func() {
		if r := recover(); r != nil {
			// startOnSegment panicked partway through; abortAll tolerates
			// segments that never got as far as being assigned an id
			// (segState.id == 0) and still releases the mutex.
			tx.abortAll()
			panic(r)
		}
	}()
	for seg := range tx.states {
		tx.startOnSegment(seg)
	}
}

// segmentsSnapshot populates states with one fresh, empty segState per
// currently open segment.
func (m *Manager) segmentsSnapshot(states *map[*segment.Segment]*segState) {
	*states = make(map[*segment.Segment]*segState, len(m.segments))
	for _, seg := range m.segments {
		(*states)[seg] = &segState{}
	}
}

// startOnSegment assigns a transaction id, records it as active, snapshots
// which other transactions were already active, and mprotects the
// segment's data down to PROT_NONE.
func (tx *Tx) startOnSegment(seg *segment.Segment) {
	lock := seg.Lock()
	lock.Lock()
	id := seg.NextTransactionID()
	prior := seg.SnapshotActiveTransactions(id)
	addErr := seg.AddActiveTransaction(id)
	lock.Unlock()

	if addErr != nil {
		panic(&Error{Code: ErrAlloc, Msg: addErr.Error()})
	}

	st := tx.states[seg]
	st.id = id
	st.priorActive = prior

	if err := seg.Mprotect(platform.ProtNone); err != nil {
		panic(&Error{Code: ErrMmap, Msg: err.Error()})
	}
}

// abortAll undoes every segment this Tx started and releases the
// Manager's mutex.
func (tx *Tx) abortAll() {
	for seg, st := range tx.states {
		tx.abortOnSegment(seg, st)
	}
	tx.states = nil
	tx.stack = nil
	tx.started = false
	tx.mgr.mu.Unlock()
}

func (tx *Tx) abortOnSegment(seg *segment.Segment, st *segState) {
	if st.id == 0 {
		return
	}
	for _, sn := range st.snapshots {
		seg.ClearCurrentTxnIfOwned(sn.pageNum, st.id)
	}
	seg.DeleteActiveTransaction(st.id)
	if err := seg.RemapShared(seg.DefaultProt()); err != nil {
		tx.mgr.logger.Error().Err(err).Str("segment", seg.Filename()).Msg("abort: remap to default protection failed")
	}
}

// commitAll runs the two-phase commit protocol across every segment this
// Tx touched, in ascending-inode order (tx.mgr.segments is already kept
// sorted that way): phase 1 validates every snapshot and claims ownership
// of every page this transaction actually dirtied; a failure on any
// segment aborts the whole commit. Phase 2 publishes and is not allowed
// to fail.
func (tx *Tx) commitAll() (err error) {
	defer func() {
		if r := recover(); r != nil {
			// publish panicked (phase 2 is documented as not allowed to
			// fail, so this indicates a real I/O problem) -- release the
			// mutex rather than deadlock every future transaction on this
			// Manager, then let the fatal error continue propagating.
			tx.states = nil
			tx.stack = nil
			tx.started = false
			tx.mgr.mu.Unlock()
			panic(r)
		}
	}()

	for _, seg := range tx.mgr.segments {
		st := tx.states[seg]
		if st == nil || st.id == 0 {
			continue
		}
		if conflict := tx.validateAndClaim(seg, st); conflict {
			tx.abortAll()
			return errCollision
		}
	}

	for _, seg := range tx.mgr.segments {
		st := tx.states[seg]
		if st == nil || st.id == 0 {
			continue
		}
		tx.publish(seg, st)
	}

	tx.mgr.logf(VerboseCommit, "transaction %s committed", tx.corrID)
	tx.states = nil
	tx.stack = nil
	tx.started = false
	tx.mgr.mu.Unlock()
	return nil
}

// validateAndClaim walks one segment's snapshot list in ascending page
// order, validating that nothing has changed since this transaction
// snapshotted each page and claiming ownership (via CAS) of the pages it
// actually modified.
func (tx *Tx) validateAndClaim(seg *segment.Segment, st *segState) (conflict bool) {
	for _, sn := range st.snapshots {
		if sn.txidAtCapture != seg.CompletedTxn(sn.pageNum) {
			tx.conflictNoPanic(5, seg, sn.pageNum)
			return true
		}
		if cur := seg.CurrentTxn(sn.pageNum); cur != 0 && cur != st.id {
			tx.conflictNoPanic(6, seg, sn.pageNum)
			return true
		}

		page := seg.Data()[sn.pageBase : sn.pageBase+int64(seg.PageSize())]
		if bytes.Equal(page, sn.snapshot) {
			continue
		}

		if !seg.CASCurrentTxn(sn.pageNum, 0, st.id) {
			tx.conflictNoPanic(7, seg, sn.pageNum)
			return true
		}
		if sn.txidAtCapture != seg.CompletedTxn(sn.pageNum) {
			tx.conflictNoPanic(8, seg, sn.pageNum)
			return true
		}

		sn.dirty = true
		copy(sn.snapshot, page)
	}
	return false
}

// publish remaps seg shared read-write, copies every dirtied page's
// saved bytes back in (the remap discarded the private copies, so this
// write-back through the now-shared mapping is what makes the
// transaction's writes visible to other processes), marks each dirty page
// as completed by this transaction, releases ownership, restores default
// protection if it differs from read-write, and clears this transaction
// from the active list.
func (tx *Tx) publish(seg *segment.Segment, st *segState) {
	if err := seg.RemapShared(platform.ProtReadWrite); err != nil {
		panic(&Error{Code: ErrMmap, Msg: err.Error()})
	}
	pageSize := int64(seg.PageSize())
	var published []int
	for _, sn := range st.snapshots {
		if sn.dirty {
			copy(seg.Data()[sn.pageBase:sn.pageBase+pageSize], sn.snapshot)
			seg.StoreCompletedTxn(sn.pageNum, st.id)
			published = append(published, sn.pageNum)
		}
		seg.ClearCurrentTxnIfOwned(sn.pageNum, st.id)
	}
	if tx.mgr.verbose&VerboseCommit != 0 && len(published) > 0 {
		// The snapshot list is kept sorted by page base, so this reports
		// pages in strictly ascending order.
		tx.mgr.logger.Debug().
			Str("txn", tx.corrID.String()).
			Str("segment", seg.Filename()).
			Ints("pages", published).
			Msg("commit published pages")
	}
	if seg.DefaultProt() != platform.ProtReadWrite {
		if err := seg.Mprotect(seg.DefaultProt()); err != nil {
			tx.mgr.logger.Error().Err(err).Str("segment", seg.Filename()).Msg("publish: restoring default protection failed")
		}
	}
	seg.DeleteActiveTransaction(st.id)
}

func (tx *Tx) conflictNoPanic(bucket int, seg *segment.Segment, pageNum int) {
	tx.mgr.stats.note(bucket)
	tx.mgr.logf(VerboseCollision, "commit: page %d of %s lost the race (bucket %d)", pageNum, seg.Filename(), bucket)
}

func (tx *Tx) wasActiveAtStart(st *segState, id uint32) bool {
	for _, p := range st.priorActive {
		if p == id {
			return true
		}
	}
	return false
}

func (tx *Tx) insertSnapshot(st *segState, pageBase int64, pageNum int, data []byte, txidAtCapture uint32) {
	i := 0
	for i < len(st.snapshots) && st.snapshots[i].pageBase < pageBase {
		i++
	}
	if i < len(st.snapshots) && st.snapshots[i].pageBase == pageBase {
		panic(&Error{Code: ErrAccess, Msg: "duplicate snapshot entry for the same page"})
	}
	elem := &snapshotElem{pageBase: pageBase, pageNum: pageNum, snapshot: data, txidAtCapture: txidAtCapture}
	st.snapshots = append(st.snapshots, nil)
	copy(st.snapshots[i+1:], st.snapshots[i:])
	st.snapshots[i] = elem
}

// forceMaterialize performs an atomic load-then-store-of-the-same-value
// on a page's first word, guaranteeing the page is actually written to so
// the kernel materializes its private copy-on-write copy immediately
// rather than lazily. The atomic store also keeps the write from being
// proven effect-free and elided.
func forceMaterialize(page []byte) {
	ptr := platform.Uint32At(page)
	atomic.StoreUint32(ptr, atomic.LoadUint32(ptr))
}
