package psafe

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vaultmem/pmstore/buddy"
	"github.com/vaultmem/pmstore/perrors"
	"github.com/vaultmem/pmstore/transaction"
)

// fakeSpace mirrors transaction's own test double: a single in-process
// byte slice standing in for a mapped file, arena == whole slice.
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

func (s *fakeSpace) PointerAt(offset uint64) unsafe.Pointer { return unsafe.Pointer(&s.mem[offset]) }

func (s *fakeSpace) Bytes(offset uint64, size uint64) []byte { return s.mem[offset : offset+size] }

func (s *fakeSpace) Alloc(size uint64, logger buddy.Logger) (uint64, uint64, error) {
	return s.alloc.AllocForLayout(size, logger)
}

func (s *fakeSpace) Dealloc(offset uint64, size uint64, logger buddy.Logger) {
	s.alloc.FreeSlice(offset, size, logger)
}

func (s *fakeSpace) RawAlloc(size uint64) (uint64, uint64, error) {
	return s.alloc.Alloc(size)
}

func newTestJournal(t *testing.T) (*transaction.JournalPool, *fakeSpace) {
	t.Helper()
	space := newFakeSpace(1 << 20)
	region := make([]byte, transaction.JournalsRegionSize())
	jp, err := transaction.NewJournalPool(space, region, true)
	require.NoError(t, err)
	return jp, space
}

func TestLogCellSetPersistsAndUndoes(t *testing.T) {
	jp, space := newTestJournal(t)
	// Logged cells must live inside the journal's space.
	off, _, err := space.alloc.Alloc(uint64(unsafe.Sizeof(LogCell[uint64]{})))
	require.NoError(t, err)
	cell := (*LogCell[uint64])(space.PointerAt(off))
	*cell = NewLogCell(uint64(0))

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, cell.Set(42, j))
	require.NoError(t, j.End())
	require.Equal(t, uint64(42), cell.Get())
	jp.Release(j)

	j2 := jp.Acquire(false)
	require.NoError(t, j2.Begin())
	require.NoError(t, cell.Set(99, j2))
	require.NoError(t, j2.Abort())
	require.Equal(t, uint64(42), cell.Get())
	jp.Release(j2)
}

func TestLogRefCellBorrowRules(t *testing.T) {
	jp, space := newTestJournal(t)
	off, _, err := space.alloc.Alloc(uint64(unsafe.Sizeof(LogRefCell[uint64]{})))
	require.NoError(t, err)
	cell := (*LogRefCell[uint64])(space.PointerAt(off))
	*cell = NewLogRefCell(uint64(10))

	r1, release1, err := cell.Borrow()
	require.NoError(t, err)
	require.Equal(t, uint64(10), *r1)
	_, release2, err := cell.Borrow()
	require.NoError(t, err)
	release1()
	release2()

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	_, releaseMut, err := cell.BorrowMut(j)
	require.NoError(t, err)
	_, _, err = cell.Borrow()
	require.ErrorIs(t, err, perrors.ErrAlreadyBorrowed)
	releaseMut()
	require.NoError(t, j.End())
	jp.Release(j)
}

func TestLogRefCellMutLogsOncePerJournal(t *testing.T) {
	jp, space := newTestJournal(t)
	off, _, err := space.alloc.Alloc(uint64(unsafe.Sizeof(LogRefCell[uint64]{})))
	require.NoError(t, err)
	cell := (*LogRefCell[uint64])(space.PointerAt(off))
	*cell = NewLogRefCell(uint64(5))

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	v1, release1, err := cell.BorrowMut(j)
	require.NoError(t, err)
	*v1 = 6
	usedAfterFirst := j.EntryCount()
	release1()

	v2, release2, err := cell.BorrowMut(j)
	require.NoError(t, err)
	*v2 = 7
	release2()
	require.Equal(t, usedAfterFirst, j.EntryCount())

	require.NoError(t, j.Abort())
	require.Equal(t, uint64(5), cell.Get0())
	jp.Release(j)
}

// Get0 is a test-only accessor avoiding a borrow for assertions.
func (c *LogRefCell[T]) Get0() T { return c.v }
