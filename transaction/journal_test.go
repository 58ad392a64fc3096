package transaction

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vaultmem/pmstore/buddy"
	"github.com/vaultmem/pmstore/perrors"
)

// fakeSpace is a minimal Space backed entirely by one in-process byte
// slice standing in for a mapped file; its arena is the whole slice, so
// allocator offsets and OffsetOf/Bytes offsets coincide without any
// translation (the pool package's real Space implementation adds that
// translation for the header-plus-arena split; see pool/space.go).
type fakeSpace struct {
	mem   []byte
	alloc *buddy.Allocator
}

func newFakeSpace(size int) *fakeSpace {
	mem := make([]byte, size)
	anchors := make([]uint64, buddy.MaxOrder)
	return &fakeSpace{mem: mem, alloc: buddy.New(mem, anchors, true)}
}

func (s *fakeSpace) OffsetOf(ptr unsafe.Pointer) (uint64, error) {
	base := uintptr(unsafe.Pointer(&s.mem[0]))
	addr := uintptr(ptr)
	if addr < base || addr >= base+uintptr(len(s.mem)) {
		return 0, perrors.ErrInvalidPointer
	}
	return uint64(addr - base), nil
}

func (s *fakeSpace) PointerAt(offset uint64) unsafe.Pointer {
	return unsafe.Pointer(&s.mem[offset])
}

func (s *fakeSpace) Bytes(offset uint64, size uint64) []byte {
	return s.mem[offset : offset+size]
}

func (s *fakeSpace) Alloc(size uint64, logger buddy.Logger) (uint64, uint64, error) {
	return s.alloc.AllocForLayout(size, logger)
}

func (s *fakeSpace) Dealloc(offset uint64, size uint64, logger buddy.Logger) {
	s.alloc.FreeSlice(offset, size, logger)
}

func (s *fakeSpace) RawAlloc(size uint64) (uint64, uint64, error) {
	return s.alloc.Alloc(size)
}

func newTestJournalPool(t *testing.T) (*JournalPool, *fakeSpace) {
	t.Helper()
	space := newFakeSpace(1 << 22)
	region := make([]byte, JournalsRegionSize())
	jp, err := NewJournalPool(space, region, true)
	require.NoError(t, err)
	return jp, space
}

func TestBeginEndCommitsDataInPlace(t *testing.T) {
	jp, space := newTestJournalPool(t)
	off, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	word := (*uint64)(unsafe.Pointer(&space.mem[off]))
	*word = 0

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, j.Log(word))
	*word = 42
	require.NoError(t, j.End())

	require.Equal(t, uint64(42), *word)
	require.Equal(t, StateIdle, j.State())
	jp.Release(j)
}

func TestAbortRevertsLoggedWord(t *testing.T) {
	jp, space := newTestJournalPool(t)
	off, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	word := (*uint64)(unsafe.Pointer(&space.mem[off]))
	*word = 7

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, j.Log(word))
	*word = 99
	require.NoError(t, j.Abort())

	require.Equal(t, uint64(7), *word)
	jp.Release(j)
}

func TestNestedTransactionOnlyOutermostCommits(t *testing.T) {
	jp, space := newTestJournalPool(t)
	off, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	word := (*uint64)(unsafe.Pointer(&space.mem[off]))

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, j.Begin())
	require.NoError(t, j.Log(word))
	*word = 1
	require.NoError(t, j.End()) // inner End: no commit yet
	require.Equal(t, 1, j.Level())
	require.NoError(t, j.End()) // outer End: commits
	require.Equal(t, 0, j.Level())
	require.Equal(t, uint64(1), *word)
	jp.Release(j)
}

func TestLogOnceIsIdempotentWithinOneJournal(t *testing.T) {
	jp, space := newTestJournalPool(t)
	off, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	cell := space.mem[off : off+8]

	// The notifier flag must live inside the space, like the cell.
	foff, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	flag := (*uint32)(unsafe.Pointer(&space.mem[foff]))
	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, j.LogOnce(flag, cell))
	usedAfterFirst := j.usedCount()
	require.NoError(t, j.LogOnce(flag, cell))
	require.NoError(t, j.LogOnce(flag, cell))
	require.Equal(t, usedAfterFirst, j.usedCount())
	require.NoError(t, j.End())
	require.Equal(t, uint32(0), *flag)
	jp.Release(j)
}

func TestJournalFullSurfacesError(t *testing.T) {
	jp, space := newTestJournalPool(t)
	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	for i := 0; i <= SmallEntryCapacity; i++ {
		off, _, err := space.alloc.Alloc(8)
		require.NoError(t, err)
		w := (*uint64)(unsafe.Pointer(&space.mem[off]))
		if err := j.Log(w); err != nil {
			require.ErrorIs(t, err, perrors.ErrJournalFull)
			require.NoError(t, j.Abort())
			jp.Release(j)
			return
		}
	}
	t.Fatalf("expected ErrJournalFull once %d entries were filled", SmallEntryCapacity)
}

func TestRecoveryFinishesCommittedJournal(t *testing.T) {
	jp, space := newTestJournalPool(t)
	off, _, err := space.alloc.Alloc(8)
	require.NoError(t, err)
	word := (*uint64)(unsafe.Pointer(&space.mem[off]))

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, j.Log(word))
	*word = 5
	// Simulate a crash after the Committed bit is set but before the
	// in-memory Release/clear — recoverOnOpen should still land on a
	// clean Idle slot with the committed value intact.
	encodeState(j.slot, StateCommitted)
	j.recoverOnOpen()

	require.Equal(t, StateIdle, decodeState(j.slot))
	require.Equal(t, uint64(5), *word)
}
