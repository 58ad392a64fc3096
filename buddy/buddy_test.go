package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultmem/pmstore/perrors"
)

func freshArena(t *testing.T, size int) (*Allocator, []uint64) {
	t.Helper()
	arena := make([]byte, size)
	anchors := make([]uint64, MaxOrder)
	return New(arena, anchors, true), anchors
}

func TestAllocDeallocRoundTrip(t *testing.T) {
	a, _ := freshArena(t, 1<<20)
	off, padded, err := a.Alloc(100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, padded, uint64(100))
	require.True(t, a.Allocated(off, padded))
	a.Dealloc(off, padded)
}

func TestAllocSplitsHigherOrder(t *testing.T) {
	a, _ := freshArena(t, 1<<16)
	off1, pad1, err := a.Alloc(8)
	require.NoError(t, err)
	off2, pad2, err := a.Alloc(8)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
	require.Equal(t, uint64(MinBlockSize), pad1)
	require.Equal(t, uint64(MinBlockSize), pad2)
}

func TestAllocOutOfMemory(t *testing.T) {
	a, _ := freshArena(t, 64)
	_, _, err := a.Alloc(1 << 20)
	require.ErrorIs(t, err, perrors.ErrOutOfMemory)
}

func TestReopenPreservesAnchors(t *testing.T) {
	arena := make([]byte, 1<<16)
	anchors := make([]uint64, MaxOrder)
	a := New(arena, anchors, true)
	off, padded, err := a.Alloc(100)
	require.NoError(t, err)
	a.Dealloc(off, padded)

	freeBefore, _ := a.Stats()

	// Simulate reopen: a new Allocator over the same backing arena and
	// anchors, without reformatting.
	reopened := New(arena, anchors, false)
	freeAfter, _ := reopened.Stats()
	require.Equal(t, freeBefore, freeAfter)
}

func TestStatsAccountsFreeBytes(t *testing.T) {
	a, _ := freshArena(t, 1<<12)
	free, _ := a.Stats()
	require.Equal(t, uint64(1<<12), free)
}
