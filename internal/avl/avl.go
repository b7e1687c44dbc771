// Package avl implements the balanced ordered index every stmmap segment
// carries for its free-block tracking: an AVL tree whose nodes live inside
// a shared byte arena and refer to each other by arena-relative offset
// rather than by Go pointer. A segment can be mapped at a different
// virtual address in every process that opens it; a tree built from
// pointers would be meaningless the moment a second process looked at it,
// so every link (parent, left, right, and the root itself) is stored as
// a signed byte offset from the arena's own base.
package avl

import "encoding/binary"

// Nil is the sentinel offset meaning "no node", the arena-relative
// equivalent of a nil pointer.
const Nil int64 = -1

// HeaderSize is the encoded size in bytes of Header. Callers that embed a
// Header at the front of a larger arena-resident record (buddy's
// free-list node, for instance) start their own fields at this offset.
const HeaderSize = 28

// Header is the fixed node header every arena-resident AVL node embeds at
// its own offset: parent/left/right link offsets plus the subtree depth
// the rebalancing logic tracks.
type Header struct {
	Parent int64
	Left   int64
	Right  int64
	Depth  int32
}

// Arena is the shared byte buffer nodes live in, typically a mmap'd
// segment's data region.
type Arena []byte

func (a Arena) header(off int64) Header {
	b := a[off : off+HeaderSize]
	return Header{
		Parent: int64(binary.LittleEndian.Uint64(b[0:8])),
		Left:   int64(binary.LittleEndian.Uint64(b[8:16])),
		Right:  int64(binary.LittleEndian.Uint64(b[16:24])),
		Depth:  int32(binary.LittleEndian.Uint32(b[24:28])),
	}
}

func (a Arena) putHeader(off int64, h Header) {
	b := a[off : off+HeaderSize]
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Parent))
	binary.LittleEndian.PutUint64(b[8:16], uint64(h.Left))
	binary.LittleEndian.PutUint64(b[16:24], uint64(h.Right))
	binary.LittleEndian.PutUint32(b[24:28], uint32(h.Depth))
}

// RootRef is the arena slot a tree's root offset is stored in. It is
// itself arena-resident (not a Go variable) so that the identity of the
// current root survives being viewed from a different process's address
// space; buddy keeps it at a fixed offset at the segment base for the
// same reason.
type RootRef struct {
	Arena  Arena
	Offset int64
}

// Get returns the current root node's offset, or Nil if the tree is empty.
func (r RootRef) Get() int64 {
	return int64(binary.LittleEndian.Uint64(r.Arena[r.Offset : r.Offset+8]))
}

func (r RootRef) Set(v int64) {
	binary.LittleEndian.PutUint64(r.Arena[r.Offset:r.Offset+8], uint64(v))
}

// CompareFunc orders two nodes given their arena offsets: <0 if a sorts
// before b, 0 if equal, >0 if after.
type CompareFunc func(arena Arena, a, b int64) int

// KeyCompareFunc orders a node against an opaque search key.
type KeyCompareFunc func(arena Arena, node int64, key any) int

// RecomputeFunc is invoked on a node immediately after its depth is
// recomputed during insert/remove/rotation, bottom of the affected path
// upward. The buddy allocator installs
// one here to keep each node's size_mask in sync with its children.
type RecomputeFunc func(arena Arena, node int64)

// Tree is a handle onto an arena-resident AVL tree. It carries no state of
// its own beyond where the root lives; all node state is in Arena, so a
// Tree value can be constructed fresh by any process that knows Arena and
// Root.
type Tree struct {
	Arena       Arena
	Root        RootRef
	Cmp         CompareFunc
	KeyCmp      KeyCompareFunc
	OnRecompute RecomputeFunc
}

func (t Tree) h(n int64) Header { return t.Arena.header(n) }
func (t Tree) put(n int64, h Header) { t.Arena.putHeader(n, h) }
func (t Tree) depth(n int64) int32 {
	if n == Nil {
		return 0
	}
	return t.h(n).Depth
}

// setDepth recomputes n's depth from its (assumed-correct) children, runs
// the recompute hook, then propagates upward.
func (t Tree) setDepth(n int64) {
	for n != Nil {
		hn := t.h(n)
		ld, rd := t.depth(hn.Left), t.depth(hn.Right)
		if ld > rd {
			hn.Depth = ld + 1
		} else {
			hn.Depth = rd + 1
		}
		t.put(n, hn)
		if t.OnRecompute != nil {
			t.OnRecompute(t.Arena, n)
		}
		n = hn.Parent
	}
}

// newSubTree replaces the child link from parent that used to point at
// old with newNode (or re-roots the tree if parent is Nil).
func (t Tree) newSubTree(parent, old, newNode int64) {
	if parent != Nil {
		hp := t.h(parent)
		switch old {
		case hp.Left:
			hp.Left = newNode
		case hp.Right:
			hp.Right = newNode
		}
		t.put(parent, hp)
	} else {
		t.Root.Set(newNode)
	}
	if newNode != Nil {
		hn := t.h(newNode)
		hn.Parent = parent
		t.put(newNode, hn)
	}
}

func (t Tree) rotateRight(n int64) {
	hn := t.h(n)
	l := hn.Left
	hl := t.h(l)
	lr := hl.Right

	hl.Right = n
	hn.Left = lr
	if lr != Nil {
		hlr := t.h(lr)
		hlr.Parent = n
		t.put(lr, hlr)
	}
	p := hn.Parent
	hn.Parent = l
	t.put(n, hn)
	t.put(l, hl)
	t.newSubTree(p, n, l)
	t.setDepth(n)
}

func (t Tree) rotateLeft(n int64) {
	hn := t.h(n)
	r := hn.Right
	hr := t.h(r)
	rl := hr.Left

	hr.Left = n
	hn.Right = rl
	if rl != Nil {
		hrl := t.h(rl)
		hrl.Parent = n
		t.put(rl, hrl)
	}
	p := hn.Parent
	hn.Parent = r
	t.put(n, hn)
	t.put(r, hr)
	t.newSubTree(p, n, r)
	t.setDepth(n)
}

// balance returns the AVL balance factor at n: negative means left-heavy,
// positive means right-heavy.
func (t Tree) balance(n int64) int {
	hn := t.h(n)
	return int(t.depth(hn.Right)) - int(t.depth(hn.Left))
}

// rebalance walks from n up to the root, applying the single/double
// rotation needed at each node whose balance factor has drifted to ±2.
func (t Tree) rebalance(n int64) {
	for n != Nil {
		b := t.balance(n)
		switch b {
		case 2:
			if right := t.h(n).Right; t.balance(right) == -1 {
				t.rotateRight(right)
			}
			t.rotateLeft(n)
		case -2:
			if left := t.h(n).Left; t.balance(left) == 1 {
				t.rotateLeft(left)
			}
			t.rotateRight(n)
		}
		n = t.h(n).Parent
	}
}

// Insert adds node n (already sized/initialized by the caller, but with
// its header fields ignored) into the tree in Cmp order, rebalancing
// afterward.
func (t Tree) Insert(n int64) {
	t.put(n, Header{Parent: Nil, Left: Nil, Right: Nil, Depth: 0})

	cur := t.Root.Get()
	if cur == Nil {
		t.Root.Set(n)
		t.setDepth(n)
		return
	}
	for {
		hc := t.h(cur)
		if t.Cmp(t.Arena, n, cur) < 0 {
			if hc.Left == Nil {
				hc.Left = n
				t.put(cur, hc)
				hn := t.h(n)
				hn.Parent = cur
				t.put(n, hn)
				t.setDepth(n)
				t.rebalance(n)
				return
			}
			cur = hc.Left
		} else {
			if hc.Right == Nil {
				hc.Right = n
				t.put(cur, hc)
				hn := t.h(n)
				hn.Parent = cur
				t.put(n, hn)
				t.setDepth(n)
				t.rebalance(n)
				return
			}
			cur = hc.Right
		}
	}
}

// Remove deletes node n from the tree and rebalances, splicing in the
// in-order successor (or predecessor) for the two-subtree case.
func (t Tree) Remove(n int64) {
	hn := t.h(n)
	moved := hn.Parent

	switch {
	case hn.Left != Nil && hn.Right != Nil:
		hl := t.h(hn.Left)
		hr := t.h(hn.Right)
		var s int64
		if hl.Depth >= hr.Depth {
			// left-heavy (or balanced): splice in the predecessor,
			// the rightmost node of the left subtree.
			s = hl.Right
			if s != Nil {
				for {
					hs := t.h(s)
					if hs.Right == Nil {
						break
					}
					s = hs.Right
				}
				hs := t.h(s)
				moved = hs.Parent
				hsp := t.h(hs.Parent)
				hsp.Right = hs.Left
				t.put(hs.Parent, hsp)
				if hs.Left != Nil {
					hsl := t.h(hs.Left)
					hsl.Parent = hs.Parent
					t.put(hs.Left, hsl)
				}
				hs.Left = hn.Left
				t.put(s, hs)
				hln := t.h(hn.Left)
				hln.Parent = s
				t.put(hn.Left, hln)
			} else {
				moved, s = hn.Left, hn.Left
			}
			hs := t.h(s)
			hs.Right = hn.Right
			t.put(s, hs)
			hrn := t.h(hn.Right)
			hrn.Parent = s
			t.put(hn.Right, hrn)
			t.newSubTree(hn.Parent, n, s)
		} else {
			// right-heavy: splice in the successor, the leftmost
			// node of the right subtree.
			s = hr.Left
			if s != Nil {
				for {
					hs := t.h(s)
					if hs.Left == Nil {
						break
					}
					s = hs.Left
				}
				hs := t.h(s)
				moved = hs.Parent
				hsp := t.h(hs.Parent)
				hsp.Left = hs.Right
				t.put(hs.Parent, hsp)
				if hs.Right != Nil {
					hsr := t.h(hs.Right)
					hsr.Parent = hs.Parent
					t.put(hs.Right, hsr)
				}
				hs.Right = hn.Right
				t.put(s, hs)
				hrn := t.h(hn.Right)
				hrn.Parent = s
				t.put(hn.Right, hrn)
			} else {
				moved, s = hn.Right, hn.Right
			}
			hs := t.h(s)
			hs.Left = hn.Left
			t.put(s, hs)
			hln := t.h(hn.Left)
			hln.Parent = s
			t.put(hn.Left, hln)
			t.newSubTree(hn.Parent, n, s)
		}
	case hn.Left != Nil:
		t.newSubTree(hn.Parent, n, hn.Left)
	case hn.Right != Nil:
		t.newSubTree(hn.Parent, n, hn.Right)
	default:
		t.newSubTree(hn.Parent, n, Nil)
	}

	if moved != Nil {
		t.setDepth(moved)
		t.rebalance(moved)
	}
}

// Search walks the tree from n looking for key, using KeyCmp. Pass the
// tree's current root (t.Root.Get()) as n to search the whole tree.
func (t Tree) Search(n int64, key any) int64 {
	for n != Nil {
		switch x := t.KeyCmp(t.Arena, n, key); {
		case x == 0:
			return n
		case x < 0:
			n = t.h(n).Right
		default:
			n = t.h(n).Left
		}
	}
	return Nil
}

// Size returns the number of nodes in the subtree rooted at n, 0 if n is
// Nil. Kept for debug dumps.
func (t Tree) Size(n int64) int {
	if n == Nil {
		return 0
	}
	hn := t.h(n)
	return 1 + t.Size(hn.Left) + t.Size(hn.Right)
}

// Parent, Left, Right, Depth expose a node's header fields read-only, for
// callers (buddy, debug dumps) that need to walk the tree themselves. Each
// is Nil-safe: querying Nil returns Nil (or 0 for Depth) rather than
// indexing the arena out of bounds.
func (t Tree) Parent(n int64) int64 {
	if n == Nil {
		return Nil
	}
	return t.h(n).Parent
}

func (t Tree) Left(n int64) int64 {
	if n == Nil {
		return Nil
	}
	return t.h(n).Left
}

func (t Tree) Right(n int64) int64 {
	if n == Nil {
		return Nil
	}
	return t.h(n).Right
}

func (t Tree) Depth(n int64) int32 { return t.depth(n) }
