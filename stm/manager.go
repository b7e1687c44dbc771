//go:build linux

// Package stm implements software transactional memory over one or more
// memory-mapped segments: a Manager opens segments and runs transaction
// bodies against them, retrying automatically whenever another process's
// transaction conflicts with this one. Transaction state lives on an
// explicit *Tx handle threaded by the caller, and page faults are trapped
// via runtime/debug.SetPanicOnFault and recovered inside Touch rather
// than through a user signal handler.
package stm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/skaphan/stmmap/internal/platform"
	"github.com/skaphan/stmmap/segment"
)

// Verbose bitmask values: bit 0 logs segment opens, bit 1 logs
// collisions, bit 2 logs commit detail (including the page list each
// commit publishes). Gated lines are written at debug level; remap
// failures during abort and publish are logged at error level whatever
// the mask.
const (
	VerboseErrors    uint8 = 1 << 0
	VerboseCollision uint8 = 1 << 1
	VerboseCommit    uint8 = 1 << 2
)

// minRetryDelay seeds Run's retry backoff; each collision grows the
// delay by a further quarter.
const minRetryDelay = 10 * time.Microsecond

// CollisionStats counts, per detection site, how many times a transaction
// aborted because of a conflicting concurrent transaction. Buckets 0-4
// are the fault handler's checks (owned-by-other, stale ordering,
// active-at-start, and the two post-snapshot re-checks), 5-8 are commit's
// phase 1 (completed-mismatch, owned, CAS race, post-CAS re-check).
type CollisionStats struct {
	buckets [9]uint64
}

func (s *CollisionStats) note(i int) { atomic.AddUint64(&s.buckets[i], 1) }

// Counts returns a snapshot of every bucket.
func (s *CollisionStats) Counts() [9]uint64 {
	var out [9]uint64
	for i := range out {
		out[i] = atomic.LoadUint64(&s.buckets[i])
	}
	return out
}

// Total returns the sum of every bucket.
func (s *CollisionStats) Total() uint64 {
	var total uint64
	for _, v := range s.Counts() {
		total += v
	}
	return total
}

// Manager owns a process's view of however many segments it has opened,
// kept in ascending-inode order, and serializes the transactions run
// against them.
//
// A Manager's transactions are serialized with a single mutex: within one
// process, Go goroutines share one address space, so two transactions
// concurrently mprotect-ing and remapping the same mapping would corrupt
// each other's view of it. Isolation is process-level: across processes,
// via the shared page table in the metadata sidecar, conflict detection
// works fully in parallel, and independent Managers mapping the same
// files behave exactly like independent processes (the stm package tests
// open the same files through two Managers at two different virtual
// addresses to exercise real cross-process conflicts in one test
// binary).
type Manager struct {
	mu       sync.Mutex
	segments []*segment.Segment

	logger  zerolog.Logger
	verbose uint8

	stats CollisionStats
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithLogger sets the zerolog.Logger used for diagnostics.
func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithVerbose sets the verbose bitmask controlling which categories of
// diagnostic get logged.
func WithVerbose(bits uint8) Option { return func(m *Manager) { m.verbose = bits } }

// NewManager constructs a Manager. Fault trapping is not armed here:
// SetPanicOnFault is per-goroutine, so Tx.run arms it on whichever
// goroutine actually executes a transaction body.
func NewManager(opts ...Option) *Manager {
	m := &Manager{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open opens (or creates) a segment and inserts it into this Manager's
// segment list in ascending-inode order. Every transaction this Manager
// runs afterward spans every currently-open segment.
func (m *Manager) Open(filename string, size uint64, va []byte, defaultProt platform.Prot) (*segment.Segment, error) {
	seg, err := segment.Open(filename, size, va, defaultProt)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	idx := 0
	for idx < len(m.segments) && m.segments[idx].Inode() < seg.Inode() {
		idx++
	}
	m.segments = append(m.segments, nil)
	copy(m.segments[idx+1:], m.segments[idx:])
	m.segments[idx] = seg

	m.logf(VerboseErrors, "opened segment %s (inode %d, %d bytes)", filename, seg.Inode(), seg.Size())
	return seg, nil
}

// CloseSegment unmaps and closes seg and removes it from this Manager's
// list. A transaction in flight holds the Manager's mutex for its whole
// lifetime, so once CloseSegment acquires it there is no pending
// transaction left to abort; close never interrupts one mid-commit.
func (m *Manager) CloseSegment(seg *segment.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.segments {
		if s == seg {
			m.segments = append(m.segments[:i], m.segments[i+1:]...)
			break
		}
	}
	return seg.Close()
}

// Close closes every segment this Manager has open.
func (m *Manager) Close() error {
	m.mu.Lock()
	segs := m.segments
	m.segments = nil
	m.mu.Unlock()

	var firstErr error
	for _, seg := range segs {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FindSegment returns the open segment containing addr, or nil.
func (m *Manager) FindSegment(addr uintptr) *segment.Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, seg := range m.segments {
		if seg.Contains(addr) {
			return seg
		}
	}
	return nil
}

// Stats returns this Manager's collision counters.
func (m *Manager) Stats() *CollisionStats { return &m.stats }

func (m *Manager) logf(bit uint8, format string, args ...any) {
	if m.verbose&bit == 0 {
		return
	}
	m.logger.Debug().Msgf(format, args...)
}

// Run executes fn as a named transaction body, retrying it against a
// fresh Tx with exponential backoff each time fn (or the machinery
// wrapping it) detects a conflicting concurrent transaction. fn's effects
// on segment memory (and on anything it reads and later writes outside
// the segment in the same call) must be safely re-runnable, since a retry
// re-invokes fn from the top.
func (m *Manager) Run(name string, fn func(tx *Tx) error) error {
	delay := minRetryDelay
	for {
		tx := &Tx{mgr: m}
		err := tx.run(name, fn)
		if err == nil {
			return nil
		}
		if err == errCollision {
			m.logf(VerboseCollision, "transaction %q collided, retrying after %s", name, delay)
			time.Sleep(delay)
			delay += delay >> 2
			continue
		}
		return err
	}
}
