package avl

import (
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// testNodeSize is HeaderSize plus an 8-byte int64 key, the simplest
// possible arena-resident record a tree can be built over.
const testNodeSize = HeaderSize + 8

// testArena lays out a root slot at offset 0 followed by a flat array of
// fixed-size node slots, keyed by an int64 stored right after each node's
// Header.
type testArena struct {
	tree Tree
	next int64
}

func newTestArena(capacity int) *testArena {
	buf := make(Arena, 8+int64(capacity)*testNodeSize)
	ta := &testArena{next: 8}
	ta.tree = Tree{
		Arena: buf,
		Root:  RootRef{Arena: buf, Offset: 0},
		Cmp: func(arena Arena, a, b int64) int {
			return compareKeys(keyAt(arena, a), keyAt(arena, b))
		},
		KeyCmp: func(arena Arena, node int64, key any) int {
			return compareKeys(keyAt(arena, node), key.(int64))
		},
	}
	ta.tree.Root.Set(Nil)
	return ta
}

func keyAt(a Arena, n int64) int64 {
	return int64(binary.LittleEndian.Uint64(a[n+HeaderSize : n+HeaderSize+8]))
}

func compareKeys(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// newNode allocates a fresh node slot and stamps key into it, returning
// the node's arena offset.
func (ta *testArena) newNode(key int64) int64 {
	off := ta.next
	ta.next += testNodeSize
	binary.LittleEndian.PutUint64(ta.tree.Arena[off+HeaderSize:off+HeaderSize+8], uint64(key))
	return off
}

func TestInsertSearchFindsEveryKey(t *testing.T) {
	ta := newTestArena(64)
	keys := []int64{50, 20, 80, 10, 30, 70, 90, 5, 15, 25, 35, 1, 100}
	offsets := make(map[int64]int64, len(keys))

	for _, k := range keys {
		off := ta.newNode(k)
		ta.tree.Insert(off)
		offsets[k] = off
	}

	for _, k := range keys {
		got := ta.tree.Search(ta.tree.Root.Get(), k)
		require.NotEqual(t, Nil, got, "key %d should be found", k)
		require.Equal(t, offsets[k], got)
	}

	require.Equal(t, Nil, ta.tree.Search(ta.tree.Root.Get(), int64(9999)))
	require.Equal(t, len(keys), ta.tree.Size(ta.tree.Root.Get()))
}

func TestTreeStaysBalancedUnderSequentialInsert(t *testing.T) {
	const n = 500
	ta := newTestArena(n)

	for i := int64(0); i < n; i++ {
		off := ta.newNode(i)
		ta.tree.Insert(off)
	}

	require.Equal(t, n, ta.tree.Size(ta.tree.Root.Get()))
	requireBalanced(t, ta.tree, ta.tree.Root.Get())

	maxDepth := int(ta.tree.Depth(ta.tree.Root.Get()))
	// a balanced binary tree of n nodes has depth roughly log2(n); an
	// unbalanced (degenerate) insertion order would instead produce
	// depth == n.
	require.Less(t, maxDepth, 20)
}

func TestRemoveMaintainsSearchability(t *testing.T) {
	ta := newTestArena(64)
	keys := []int64{50, 20, 80, 10, 30, 70, 90, 5, 15, 25, 35, 1, 100, 60, 40}
	offsets := make(map[int64]int64, len(keys))
	for _, k := range keys {
		off := ta.newNode(k)
		ta.tree.Insert(off)
		offsets[k] = off
	}

	toRemove := []int64{50, 1, 90, 30}
	remaining := map[int64]bool{}
	for _, k := range keys {
		remaining[k] = true
	}
	for _, k := range toRemove {
		ta.tree.Remove(offsets[k])
		delete(remaining, k)

		require.Equal(t, Nil, ta.tree.Search(ta.tree.Root.Get(), k), "removed key %d should no longer be found", k)
		requireBalanced(t, ta.tree, ta.tree.Root.Get())
	}

	for k := range remaining {
		got := ta.tree.Search(ta.tree.Root.Get(), k)
		require.NotEqual(t, Nil, got, "surviving key %d should still be found", k)
	}
	require.Equal(t, len(remaining), ta.tree.Size(ta.tree.Root.Get()))
}

func TestRandomInsertRemoveSequenceStaysConsistent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	ta := newTestArena(2000)
	live := map[int64]int64{}

	for i := 0; i < 1000; i++ {
		k := rng.Int63n(10000)
		if off, ok := live[k]; ok {
			ta.tree.Remove(off)
			delete(live, k)
		} else {
			off := ta.newNode(k)
			ta.tree.Insert(off)
			live[k] = off
		}
	}

	require.Equal(t, len(live), ta.tree.Size(ta.tree.Root.Get()))
	for k, off := range live {
		require.Equal(t, off, ta.tree.Search(ta.tree.Root.Get(), k))
	}
	requireBalanced(t, ta.tree, ta.tree.Root.Get())
}

// requireBalanced walks the whole tree checking the AVL invariant
// (|balance factor| <= 1 everywhere) and that recorded depths match
// reality.
func requireBalanced(t *testing.T, tree Tree, n int64) int32 {
	t.Helper()
	if n == Nil {
		return 0
	}
	ld := requireBalanced(t, tree, tree.Left(n))
	rd := requireBalanced(t, tree, tree.Right(n))

	bal := int(rd - ld)
	require.GreaterOrEqual(t, bal, -1)
	require.LessOrEqual(t, bal, 1)

	wantDepth := ld
	if rd > wantDepth {
		wantDepth = rd
	}
	wantDepth++
	require.Equal(t, wantDepth, tree.Depth(n))
	return wantDepth
}
