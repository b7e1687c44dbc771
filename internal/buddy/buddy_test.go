package buddy

import (
	"testing"

	"github.com/skaphan/stmmap/internal/avl"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, size uint64) (avl.Arena, *Allocator) {
	t.Helper()
	arena := make(avl.Arena, size)
	a, err := Init(arena, 0, size)
	require.NoError(t, err)
	return arena, a
}

func TestBlockSizeForRoundsUpToPowerOfTwo(t *testing.T) {
	min := minBlockSize()
	require.Equal(t, min, BlockSizeFor(1))
	require.Equal(t, min, BlockSizeFor(min))
	require.Equal(t, min*2, BlockSizeFor(min+1))
	require.Equal(t, uint64(1024), BlockSizeFor(1024))
	require.Equal(t, uint64(2048), BlockSizeFor(1025))
}

func TestAllocFreeRoundTrip(t *testing.T) {
	_, a := newPool(t, 64*1024)

	off, ok := a.Alloc(256)
	require.True(t, ok)
	require.Empty(t, a.VerifyTreeIntegrity())

	require.NoError(t, a.Free(off, 256))
	require.Empty(t, a.VerifyTreeIntegrity())
}

func TestFreedBlocksMergeBackToOriginalSize(t *testing.T) {
	// Sized so that, after the fixed minBlockSize() root reservation is
	// carved off, exactly one power-of-two block remains; otherwise Init
	// itself seeds several differently-sized top-level blocks (the way a
	// non-power-of-two region always must), and "one free block" would
	// not be the right starting expectation.
	poolSize := 64*1024 + minBlockSize()
	_, a := newPool(t, poolSize)

	before := a.Dump()
	require.Len(t, before, 1, "a fresh pool should be one big free block")

	var allocs []int64
	for i := 0; i < 8; i++ {
		off, ok := a.Alloc(512)
		require.True(t, ok)
		allocs = append(allocs, off)
	}
	require.Empty(t, a.VerifyTreeIntegrity())

	for _, off := range allocs {
		require.NoError(t, a.Free(off, 512))
	}

	after := a.Dump()
	require.Empty(t, a.VerifyTreeIntegrity())
	require.Equal(t, before, after, "freeing every outstanding allocation should fully re-merge the pool")
}

func TestDoubleFreeIsRejected(t *testing.T) {
	_, a := newPool(t, 64*1024)

	off, ok := a.Alloc(128)
	require.True(t, ok)
	require.NoError(t, a.Free(off, 128))
	require.Error(t, a.Free(off, 128))
}

func TestAllocFailsWhenPoolExhausted(t *testing.T) {
	_, a := newPool(t, 4096)

	var allocs []int64
	for {
		off, ok := a.Alloc(BlockSizeFor(1))
		if !ok {
			break
		}
		allocs = append(allocs, off)
		require.Empty(t, a.VerifyTreeIntegrity())
	}
	require.NotEmpty(t, allocs)

	_, ok := a.Alloc(BlockSizeFor(1))
	require.False(t, ok)

	for _, off := range allocs {
		require.NoError(t, a.Free(off, BlockSizeFor(1)))
	}
	require.Empty(t, a.VerifyTreeIntegrity())
}

func TestRandomAllocFreeChurnStaysConsistent(t *testing.T) {
	_, a := newPool(t, 256*1024)
	live := map[int64]uint64{}

	sizes := []uint64{32, 64, 128, 256, 512, 1024}
	for i := 0; i < 2000; i++ {
		size := sizes[i%len(sizes)]
		if i%3 == 0 && len(live) > 0 {
			for off, sz := range live {
				require.NoError(t, a.Free(off, sz))
				delete(live, off)
				break
			}
			continue
		}
		off, ok := a.Alloc(size)
		if !ok {
			continue
		}
		live[off] = size
	}

	require.Empty(t, a.VerifyTreeIntegrity())

	for off, sz := range live {
		require.NoError(t, a.Free(off, sz))
	}
	require.Empty(t, a.VerifyTreeIntegrity())
}

func TestInitRejectsRegionSmallerThanTwoMinBlocks(t *testing.T) {
	arena := make(avl.Arena, 8)
	_, err := Init(arena, 0, 8)
	require.Error(t, err)
}
