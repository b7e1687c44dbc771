// Package buddy implements the power-of-two free-block allocator each
// stmmap segment uses to hand out space for in-segment objects. The free
// list is an internal/avl tree whose nodes are themselves blocks of free
// memory: a node's own bytes double as its AVL header and as the record of
// how big the block is. The tree lives inside the very arena it manages,
// so, like internal/avl, every link is an arena-relative offset rather
// than a pointer, and the tree's root is itself stored at a known offset
// inside the arena instead of in a process-local variable.
package buddy

import (
	"encoding/binary"
	"fmt"
	"math/bits"

	"github.com/skaphan/stmmap/internal/avl"
)

const (
	sizeOff     = avl.HeaderSize
	sizeMaskOff = sizeOff + 8
	// NodeSize is the number of bytes a free block must be able to hold
	// purely for its own bookkeeping (AVL header + size + size_mask).
	// Every block the allocator ever hands out or merges is at least
	// this big, rounded up to a power of two.
	NodeSize = sizeMaskOff + 8
)

// Allocator manages the free list for one arena-resident pool.
type Allocator struct {
	tree avl.Tree
	base int64
}

// minBlockSize is the smallest block the allocator ever carves: the
// smallest power of two at least as large as NodeSize.
func minBlockSize() uint64 {
	return leastPowerOf2GE(uint64(NodeSize))
}

func nodeCmp(_ avl.Arena, a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Open builds an Allocator view over a pool that has already been
// initialized by Init, in this process or another one that mapped the
// same arena. rootOffset is the arena offset where the free-list root
// pointer and its minBlockSize-sized reservation live.
func Open(arena avl.Arena, rootOffset int64) *Allocator {
	a := &Allocator{base: rootOffset + int64(minBlockSize())}
	a.tree = avl.Tree{
		Arena: arena,
		Root:  avl.RootRef{Arena: arena, Offset: rootOffset},
		Cmp:   nodeCmp,
	}
	a.tree.OnRecompute = a.setSizeMask
	return a
}

// Init carves a freshly-allocated arena region of size bytes starting at
// rootOffset into a buddy free list, greedily splitting off the largest
// aligned power-of-two block that fits in whatever remains. The first
// minBlockSize bytes of the region are permanently reserved to hold the
// free list's root pointer itself, so the root lives at a fixed,
// well-known arena offset any process that maps the segment can find.
func Init(arena avl.Arena, rootOffset int64, size uint64) (*Allocator, error) {
	minBlock := minBlockSize()
	if size < minBlock*2 {
		return nil, fmt.Errorf("buddy: region of %d bytes too small (need at least %d)", size, minBlock*2)
	}

	a := Open(arena, rootOffset)
	a.tree.Root.Set(avl.Nil)

	remaining := size - minBlock
	va := a.base
	for remaining >= minBlock {
		blockSize := greatestPowerOf2LE(remaining)
		a.setSize(va, blockSize)
		a.tree.Insert(va)
		va += int64(blockSize)
		remaining -= blockSize
	}
	return a, nil
}

// Alloc returns the offset of a free block at least size bytes long,
// rounded up to BlockSizeFor(size), splitting a larger block if no exact
// fit exists. ok is false if the pool has no block large enough.
func (a *Allocator) Alloc(size uint64) (offset int64, ok bool) {
	blockSize := BlockSizeFor(size)
	result := a.search(a.tree.Root.Get(), blockSize)
	if result == avl.Nil {
		return avl.Nil, false
	}
	a.tree.Remove(result)
	a.zero(result, a.sizeOf(result))
	return result, true
}

// Free returns the block at offset (of the given requested size, not
// necessarily a power of two) to the pool, merging it with its buddy
// block(s) as far up the size ladder as they're also free.
func (a *Allocator) Free(offset int64, size uint64) error {
	if a.searchExact(offset) != avl.Nil {
		return fmt.Errorf("buddy: offset %d is already on the free list (double free)", offset)
	}
	blockSize := BlockSizeFor(size)
	a.setSize(offset, blockSize)
	a.tree.Insert(offset)
	a.mergeWithBuddies(offset)
	return nil
}

// BlockSizeFor returns the block size the allocator would actually carve
// out for a request of size bytes: never smaller than the minimum block
// size, and otherwise the least power of two at least as large as size.
func BlockSizeFor(size uint64) uint64 {
	min := minBlockSize()
	if size <= min {
		return min
	}
	return leastPowerOf2GE(size)
}

// search finds the best-fitting free block for a power-of-two size within
// the subtree rooted at n, splitting a larger block in place when no
// exact-sized block exists but one can be carved from a bigger one.
func (a *Allocator) search(n int64, size uint64) int64 {
	if n == avl.Nil {
		return avl.Nil
	}
	tsize := a.sizeOf(n)
	if tsize == size {
		return n
	}

	left, right := a.tree.Left(n), a.tree.Right(n)
	var leftBest, rightBest uint64
	if left != avl.Nil {
		leftBest = leastPowerOf2GtIn(a.sizeMaskOf(left), size)
	}
	if right != avl.Nil {
		rightBest = leastPowerOf2GtIn(a.sizeMaskOf(right), size)
	}

	if size > tsize {
		switch {
		case leftBest == 0 && rightBest == 0:
			return avl.Nil
		case leftBest == 0:
			return a.search(right, size)
		case rightBest == 0:
			return a.search(left, size)
		case leftBest < rightBest:
			return a.search(left, size)
		default:
			return a.search(right, size)
		}
	}

	leftBetter := leftBest != 0 && leftBest < tsize
	rightBetter := rightBest != 0 && rightBest < tsize
	switch {
	case leftBetter && rightBetter:
		if leftBest > rightBest {
			return a.search(right, size)
		}
		return a.search(left, size)
	case leftBetter:
		return a.search(left, size)
	case rightBetter:
		return a.search(right, size)
	default:
		a.splitNode(n, size)
		return n
	}
}

// splitNode repeatedly halves block t, inserting its other half as a new
// free node, until t itself is down to size.
func (a *Allocator) splitNode(t int64, size uint64) {
	for a.sizeOf(t) > size {
		newSize := a.sizeOf(t) / 2
		a.setSize(t, newSize)
		a.recomputeSizeMaskUp(t)

		buddy := t + int64(newSize)
		a.setSize(buddy, newSize)
		a.tree.Insert(buddy)
	}
}

// findPotentialBuddy returns the offset (relative to the pool base) of
// the buddy block for a freed block at the given pool-relative offset and
// size, and whether that offset is properly aligned for a buddy to exist
// there at all. Since blockSize is always a power of two, the bits of
// offset below blockSize (those set in blockSize-1) must all be zero for
// a buddy relationship to be possible.
func findPotentialBuddy(offset int64, blockSize uint64) (int64, bool) {
	mask := int64(blockSize) - 1
	if offset&mask != 0 {
		return 0, false
	}
	return offset ^ int64(blockSize), true
}

// mergeWithBuddies coalesces freed with its buddy block, and that block's
// buddy, and so on, for as long as each successive buddy is also free and
// the same size.
func (a *Allocator) mergeWithBuddies(freed int64) {
	for {
		relOffset := freed - a.base
		buddyRel, ok := findPotentialBuddy(relOffset, a.sizeOf(freed))
		if !ok {
			return
		}
		buddy := a.base + buddyRel

		buddyNode := a.searchExact(buddy)
		if buddyNode == avl.Nil || a.sizeOf(buddyNode) != a.sizeOf(freed) {
			return
		}

		fsize := a.sizeOf(freed)
		if buddyNode > freed {
			a.tree.Remove(buddyNode)
		} else {
			a.tree.Remove(freed)
			freed = buddyNode
		}
		a.setSize(freed, fsize*2)
		a.recomputeSizeMaskUp(freed)
	}
}

func (a *Allocator) searchExact(offset int64) int64 {
	tr := a.tree
	tr.KeyCmp = func(_ avl.Arena, node int64, key any) int {
		return nodeCmp(nil, node, key.(int64))
	}
	return tr.Search(tr.Root.Get(), offset)
}

func (a *Allocator) zero(offset int64, size uint64) {
	clear(a.tree.Arena[offset : offset+int64(size)])
}

func (a *Allocator) sizeOf(n int64) uint64 {
	return binary.LittleEndian.Uint64(a.tree.Arena[n+sizeOff : n+sizeOff+8])
}

func (a *Allocator) setSize(n int64, v uint64) {
	binary.LittleEndian.PutUint64(a.tree.Arena[n+sizeOff:n+sizeOff+8], v)
}

func (a *Allocator) sizeMaskOf(n int64) uint64 {
	return binary.LittleEndian.Uint64(a.tree.Arena[n+sizeMaskOff : n+sizeMaskOff+8])
}

func (a *Allocator) setSizeMaskRaw(n int64, v uint64) {
	binary.LittleEndian.PutUint64(a.tree.Arena[n+sizeMaskOff:n+sizeMaskOff+8], v)
}

// setSizeMask recomputes node n's size_mask (its own size OR'd with both
// children's masks) from its already-correct children. Installed as
// the AVL tree's recompute hook, so it runs automatically bottom-up after
// every insert, remove, and rotation; split/merge call
// recomputeSizeMaskUp directly since they change a node's size without
// going through the tree's structural-change path.
func (a *Allocator) setSizeMask(_ avl.Arena, n int64) {
	mask := a.sizeOf(n)
	if l := a.tree.Left(n); l != avl.Nil {
		mask |= a.sizeMaskOf(l)
	}
	if r := a.tree.Right(n); r != avl.Nil {
		mask |= a.sizeMaskOf(r)
	}
	a.setSizeMaskRaw(n, mask)
}

func (a *Allocator) recomputeSizeMaskUp(n int64) {
	for n != avl.Nil {
		a.setSizeMask(nil, n)
		n = a.tree.Parent(n)
	}
}

// leastPowerOf2GE returns the smallest power of two that is >= n.
func leastPowerOf2GE(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	if n&(n-1) == 0 {
		return n
	}
	return uint64(1) << bits.Len64(n)
}

// greatestPowerOf2LE returns the largest power of two that is <= n.
func greatestPowerOf2LE(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	return uint64(1) << (bits.Len64(n) - 1)
}

// leastPowerOf2GtIn returns the smallest power of two present in the
// bitmask mask that is >= size, or 0 if none qualifies.
func leastPowerOf2GtIn(mask, size uint64) uint64 {
	if size == 0 {
		return 0
	}
	masked := mask &^ (size - 1)
	if masked == 0 {
		return 0
	}
	return uint64(1) << bits.TrailingZeros64(masked)
}

// VerifyTreeIntegrity walks the whole free list checking every AVL and
// size_mask invariant, returning a description of each violation found
// (empty if the tree is healthy), so tests and debug dumps can act on
// what it finds.
func (a *Allocator) VerifyTreeIntegrity() []string {
	var problems []string
	var walk func(n, parent int64, lower, upper int64, hasLower, hasUpper bool)
	walk = func(n, parent int64, lower, upper int64, hasLower, hasUpper bool) {
		if n == avl.Nil {
			return
		}
		size := a.sizeOf(n)
		if hasLower && n < lower {
			problems = append(problems, fmt.Sprintf("node %d is below lower bound %d", n, lower))
		}
		if hasUpper && n+int64(size) > upper {
			problems = append(problems, fmt.Sprintf("node %d[size=%d] extends past upper bound %d", n, size, upper))
		}
		if got := a.tree.Parent(n); got != parent {
			problems = append(problems, fmt.Sprintf("node %d has parent %d, want %d", n, got, parent))
		}

		left, right := a.tree.Left(n), a.tree.Right(n)
		wantMask := size
		if left != avl.Nil {
			wantMask |= a.sizeMaskOf(left)
		}
		if right != avl.Nil {
			wantMask |= a.sizeMaskOf(right)
		}
		if got := a.sizeMaskOf(n); got != wantMask {
			problems = append(problems, fmt.Sprintf("node %d size_mask is %x, want %x", n, got, wantMask))
		}

		ld, rd := a.tree.Depth(left), a.tree.Depth(right)
		wantDepth := ld
		if rd > wantDepth {
			wantDepth = rd
		}
		wantDepth++
		if got := a.tree.Depth(n); got != wantDepth {
			problems = append(problems, fmt.Sprintf("node %d depth is %d, want %d", n, got, wantDepth))
		}
		if bal := int(rd) - int(ld); bal < -1 || bal > 1 {
			problems = append(problems, fmt.Sprintf("node %d is out of balance: %d", n, bal))
		}

		if left != avl.Nil && left >= n {
			problems = append(problems, fmt.Sprintf("node %d's left child %d is not to its left", n, left))
		}
		if right != avl.Nil && right <= n {
			problems = append(problems, fmt.Sprintf("node %d's right child %d is not to its right", n, right))
		}

		walk(left, n, lower, n, hasLower, true)
		walk(right, n, n+int64(size), upper, true, hasUpper)
	}
	walk(a.tree.Root.Get(), avl.Nil, 0, 0, false, false)
	return problems
}

// Dump returns a line per free block, in ascending offset order, as
// "[start,end) size". Gated behind the caller's own debug log level; this
// just formats, it does not log.
func (a *Allocator) Dump() []string {
	var lines []string
	var walk func(n int64)
	walk = func(n int64) {
		if n == avl.Nil {
			return
		}
		walk(a.tree.Left(n))
		size := a.sizeOf(n)
		lines = append(lines, fmt.Sprintf("[%d,%d) %d", n, n+int64(size), size))
		walk(a.tree.Right(n))
	}
	walk(a.tree.Root.Get())
	return lines
}
