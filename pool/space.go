package pool

import (
	"unsafe"

	"github.com/vaultmem/pmstore/buddy"
	"github.com/vaultmem/pmstore/perrors"
)

// poolSpace implements transaction.Space over one mapped pool file.
// Every offset that crosses the transaction package's boundary is
// whole-file relative (so journal entries can OffsetOf/PointerAt
// anything in the mapping, header included), while buddy.Allocator
// only ever sees arena-relative offsets — this is the translation
// layer the transaction package's fakeSpace test double deliberately
// skips.
type poolSpace struct {
	mapping     []byte
	arenaOffset uint64
	alloc       *buddy.Allocator
}

func (s *poolSpace) OffsetOf(ptr unsafe.Pointer) (uint64, error) {
	base := uintptr(unsafe.Pointer(&s.mapping[0]))
	addr := uintptr(ptr)
	if addr < base || addr >= base+uintptr(len(s.mapping)) {
		return 0, perrors.ErrInvalidPointer
	}
	return uint64(addr - base), nil
}

func (s *poolSpace) PointerAt(offset uint64) unsafe.Pointer {
	return unsafe.Pointer(&s.mapping[offset])
}

func (s *poolSpace) Bytes(offset uint64, size uint64) []byte {
	return s.mapping[offset : offset+size]
}

func (s *poolSpace) Alloc(size uint64, logger buddy.Logger) (uint64, uint64, error) {
	off, padded, err := s.alloc.AllocForLayout(size, logger)
	if err != nil {
		return 0, 0, err
	}
	return off + s.arenaOffset, padded, nil
}

func (s *poolSpace) RawAlloc(size uint64) (uint64, uint64, error) {
	off, padded, err := s.alloc.Alloc(size)
	if err != nil {
		return 0, 0, err
	}
	return off + s.arenaOffset, padded, nil
}

func (s *poolSpace) Dealloc(offset uint64, size uint64, logger buddy.Logger) {
	s.alloc.FreeSlice(offset-s.arenaOffset, size, logger)
}
