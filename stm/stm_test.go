//go:build linux

package stm

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/skaphan/stmmap/internal/avl"
	"github.com/skaphan/stmmap/internal/buddy"
	"github.com/skaphan/stmmap/internal/platform"
	"github.com/skaphan/stmmap/segment"
)

// openTemp opens a fresh segment of n pages under a managed temp dir. The
// default protection is read-write so tests can inspect segment memory
// directly between transactions.
func openTemp(t *testing.T, m *Manager, path string, pages int) *segment.Segment {
	t.Helper()
	seg, err := m.Open(path, uint64(pages)*uint64(platform.PageSize()), nil, platform.ProtReadWrite)
	require.NoError(t, err)
	return seg
}

func TestCommitPublishesWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, path, 4)

	err := mgr.Run("write", func(tx *Tx) error {
		page := tx.Segment(seg).Touch(0)
		page[0] = 0x42
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, byte(0x42), seg.Data()[0])

	// The page table records the committing transaction and releases
	// ownership.
	require.NotZero(t, seg.CompletedTxn(0))
	require.Zero(t, seg.CurrentTxn(0))
	require.Empty(t, seg.SnapshotActiveTransactions(0))

	// A second mapping of the same file (another process, in effect) sees
	// the committed bytes.
	other := NewManager()
	defer other.Close()
	seg2 := openTemp(t, other, path, 4)
	require.Equal(t, byte(0x42), seg2.Data()[0])
}

func TestReadOnlyTransactionLeavesPageTableUntouched(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 2)

	err := mgr.Run("read", func(tx *Tx) error {
		_ = tx.Segment(seg).Touch(0)[0]
		return nil
	})
	require.NoError(t, err)

	// A pure read never claims ownership and never advances the
	// completed-transaction stamp, so back-to-back readers can't conflict.
	require.Zero(t, seg.CurrentTxn(0))
	require.Zero(t, seg.CompletedTxn(0))
}

func TestBodyErrorAborts(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 2)

	boom := errors.New("boom")
	err := mgr.Run("doomed", func(tx *Tx) error {
		page := tx.Segment(seg).Touch(0)
		page[0] = 0x99
		return boom
	})
	require.ErrorIs(t, err, boom)

	// The write never reached the shared mapping, and a later transaction
	// still runs normally.
	require.Equal(t, byte(0), seg.Data()[0])
	require.NoError(t, mgr.Run("after", func(tx *Tx) error {
		tx.Segment(seg).Touch(0)[0] = 1
		return nil
	}))
	require.Equal(t, byte(1), seg.Data()[0])
}

func TestNestedTransactionsCommitTogether(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, path, 16)
	require.NoError(t, mgr.AllocInit(seg, 1))

	pageSize := int64(seg.PageSize())
	var p int64
	err := mgr.Run("outer", func(tx *Tx) error {
		return tx.Transact("inner", func(tx *Tx) error {
			var err error
			p, err = tx.Alloc(seg, 64)
			if err != nil {
				return err
			}
			page := tx.Segment(seg).Touch(p)
			page[p%pageSize] = 0x5A
			return nil
		})
	})
	require.NoError(t, err)
	require.Equal(t, byte(0x5A), seg.Data()[p])

	// Another mapping sees both the allocation's bookkeeping and the write.
	other := NewManager()
	defer other.Close()
	seg2 := openTemp(t, other, path, 16)
	require.Equal(t, byte(0x5A), seg2.Data()[p])
	require.Empty(t, buddy.Open(avl.Arena(seg2.Data()), 0).VerifyTreeIntegrity())
}

func TestEmptyTransactionNameIsRejected(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()
	openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 2)

	err := mgr.Run("", func(tx *Tx) error { return nil })
	require.ErrorIs(t, err, &Error{Code: ErrNullName})
}

func TestTouchOutsideTransactionPanics(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 2)

	tx := &Tx{mgr: mgr}
	require.Panics(t, func() { tx.Segment(seg).Touch(0) })
}

func TestWriteWriteConflictRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	mgrA := NewManager()
	defer mgrA.Close()
	mgrB := NewManager()
	defer mgrB.Close()
	segA := openTemp(t, mgrA, path, 2)
	segB := openTemp(t, mgrB, path, 2)

	// B starts first and touches page 0; while B is still in flight, A
	// commits a write to the same page. B's commit must lose, retry, and
	// land its write on top of A's.
	attempts := 0
	err := mgrB.Run("writer-b", func(tx *Tx) error {
		attempts++
		page := tx.Segment(segB).Touch(0)
		if attempts == 1 {
			require.NoError(t, mgrA.Run("writer-a", func(txA *Tx) error {
				txA.Segment(segA).Touch(0)[0] = 7
				return nil
			}))
		}
		page[1] = 9
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.NotZero(t, mgrB.Stats().Total())

	require.Equal(t, byte(7), segB.Data()[0])
	require.Equal(t, byte(9), segB.Data()[1])
}

func TestReadWriteConflictRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	mgrA := NewManager()
	defer mgrA.Close()
	mgrB := NewManager()
	defer mgrB.Close()
	segA := openTemp(t, mgrA, path, 2)
	segB := openTemp(t, mgrB, path, 2)

	// A only reads page 0, but B commits a write to it while A is in
	// flight, so A's snapshot is stale and its commit must retry.
	attempts := 0
	var seen byte
	err := mgrA.Run("reader", func(tx *Tx) error {
		attempts++
		page := tx.Segment(segA).Touch(0)
		if attempts == 1 {
			require.NoError(t, mgrB.Run("writer", func(txB *Tx) error {
				txB.Segment(segB).Touch(0)[0] = 3
				return nil
			}))
		}
		seen = page[0]
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, byte(3), seen)
}

func TestCommitReportsPagesInAscendingOrder(t *testing.T) {
	var buf bytes.Buffer
	mgr := NewManager(WithLogger(zerolog.New(&buf)), WithVerbose(VerboseCommit))
	defer mgr.Close()
	seg := openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 4)

	pageSize := int64(seg.PageSize())
	err := mgr.Run("scatter", func(tx *Tx) error {
		ts := tx.Segment(seg)
		// Touch out of order; the commit log must still be sorted.
		ts.Touch(3 * pageSize)[0] = 3
		ts.Touch(1 * pageSize)[0] = 1
		ts.Touch(2 * pageSize)[0] = 2
		return nil
	})
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"pages":[1,2,3]`)
}

func TestSnapshotListStaysSorted(t *testing.T) {
	tx := &Tx{}
	st := &segState{}
	for _, base := range []int64{8192, 0, 12288, 4096} {
		tx.insertSnapshot(st, base, int(base/4096), make([]byte, 1), 0)
	}
	for i := 1; i < len(st.snapshots); i++ {
		require.Less(t, st.snapshots[i-1].pageBase, st.snapshots[i].pageBase)
	}
	require.Panics(t, func() {
		tx.insertSnapshot(st, 4096, 1, make([]byte, 1), 0)
	})
}

func TestAllocFreeCoalescesBackToSeededState(t *testing.T) {
	mgr := NewManager()
	defer mgr.Close()
	seg := openTemp(t, mgr, filepath.Join(t.TempDir(), "data"), 16)
	require.NoError(t, mgr.AllocInit(seg, 1))

	seeded := buddy.Open(avl.Arena(seg.Data()), 0).Dump()

	p1, err := mgr.Alloc(seg, 32)
	require.NoError(t, err)
	p2, err := mgr.Alloc(seg, 32)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	require.NoError(t, mgr.Free(seg, p1))
	require.NoError(t, mgr.Free(seg, p2))

	alloc := buddy.Open(avl.Arena(seg.Data()), 0)
	require.Empty(t, alloc.VerifyTreeIntegrity())
	require.Equal(t, seeded, alloc.Dump())
}

func TestAllocFromSecondManagerReattaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data")
	mgr1 := NewManager()
	defer mgr1.Close()
	seg1 := openTemp(t, mgr1, path, 16)
	require.NoError(t, mgr1.AllocInit(seg1, 1))

	p1, err := mgr1.Alloc(seg1, 100)
	require.NoError(t, err)

	// A second mapping reattaches to the existing free list (mode 0) and
	// allocates a block that doesn't collide with the live one.
	mgr2 := NewManager()
	defer mgr2.Close()
	seg2 := openTemp(t, mgr2, path, 16)
	require.NoError(t, mgr2.AllocInit(seg2, 0))

	p2, err := mgr2.Alloc(seg2, 100)
	require.NoError(t, err)
	require.NotEqual(t, p1, p2)

	blockSize := int64(buddy.BlockSizeFor(100 + allocHeaderSize))
	lo1, hi1 := p1-allocHeaderSize, p1-allocHeaderSize+blockSize
	lo2, hi2 := p2-allocHeaderSize, p2-allocHeaderSize+blockSize
	require.True(t, hi1 <= lo2 || hi2 <= lo1, "blocks [%d,%d) and [%d,%d) overlap", lo1, hi1, lo2, hi2)

	require.NoError(t, mgr2.Free(seg2, p2))
	require.NoError(t, mgr1.Free(seg1, p1))
	require.Empty(t, buddy.Open(avl.Arena(seg1.Data()), 0).VerifyTreeIntegrity())
}
