package container

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/vaultmem/pmstore/buddy"
	"github.com/vaultmem/pmstore/perrors"
	"github.com/vaultmem/pmstore/transaction"
)

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

func withTx(t *testing.T, jp *transaction.JournalPool, f func(j *transaction.Journal)) {
	t.Helper()
	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	f(j)
	require.NoError(t, j.End())
	jp.Release(j)
}

func TestVectorPushGrowsAndPreservesOrder(t *testing.T) {
	jp, space := newTestJournal(t)
	var vec Vector[uint64]
	withTx(t, jp, func(j *transaction.Journal) {
		for i := uint64(0); i < 1000; i++ {
			require.NoError(t, vec.Push(i, j))
		}
	})
	require.Equal(t, uint64(1000), vec.Len())
	for i := uint64(0); i < 1000; i++ {
		require.Equal(t, i, vec.Get(i, space))
	}
}

func TestVectorGrowRollsBackOnAbort(t *testing.T) {
	jp, space := newTestJournal(t)
	var vec Vector[uint64]
	withTx(t, jp, func(j *transaction.Journal) {
		for i := uint64(0); i < 4; i++ {
			require.NoError(t, vec.Push(i, j))
		}
	})
	require.Equal(t, uint64(4), vec.Cap())

	j := jp.Acquire(false)
	require.NoError(t, j.Begin())
	require.NoError(t, vec.Push(99, j)) // triggers grow to 8
	require.Equal(t, uint64(8), vec.Cap())
	require.NoError(t, j.Abort())
	jp.Release(j)

	require.Equal(t, uint64(4), vec.Cap())
	require.Equal(t, uint64(4), vec.Len())
	for i := uint64(0); i < 4; i++ {
		require.Equal(t, i, vec.Get(i, space))
	}
}

func TestStringPushAndValue(t *testing.T) {
	jp, space := newTestJournal(t)
	var s String
	withTx(t, jp, func(j *transaction.Journal) {
		require.NoError(t, s.PushString("hello", j))
	})
	require.Equal(t, "hello", s.Value(space))
}

func TestHashMapSetGetDelete(t *testing.T) {
	jp, space := newTestJournal(t)
	var m HashMap[uint64, uint64]
	withTx(t, jp, func(j *transaction.Journal) {
		for i := uint64(0); i < 40; i++ {
			require.NoError(t, m.Set(i, i*10, DefaultHasher[uint64], j))
		}
	})
	for i := uint64(0); i < 40; i++ {
		v, ok := m.Get(i, DefaultHasher[uint64], space)
		require.True(t, ok)
		require.Equal(t, i*10, v)
	}

	withTx(t, jp, func(j *transaction.Journal) {
		ok, err := m.Delete(uint64(5), DefaultHasher[uint64], j)
		require.NoError(t, err)
		require.True(t, ok)
	})
	_, ok := m.Get(uint64(5), DefaultHasher[uint64], space)
	require.False(t, ok)

	// Other entries in the same bucket remain reachable after delete.
	_, ok = m.Get(uint64(34), DefaultHasher[uint64], space)
	require.True(t, ok)
}
