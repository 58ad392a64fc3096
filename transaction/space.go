package transaction

import (
	"unsafe"

	"github.com/vaultmem/pmstore/buddy"
)

// Space is the narrow view of a Pool that a Journal needs: address
// translation between live pointers and arena-relative offsets, a raw
// byte window over the mapped file, and the transactional allocator
// entry points. The pool package implements this; transaction never
// imports pool (pool imports transaction), so there is no import cycle.
type Space interface {
	// OffsetOf returns ptr's offset from the start of the mapped file,
	// or ErrInvalidPointer if ptr does not lie inside the mapping.
	OffsetOf(ptr unsafe.Pointer) (uint64, error)

	// PointerAt is the inverse of OffsetOf.
	PointerAt(offset uint64) unsafe.Pointer

	// Bytes returns a slice sharing the mapped file's backing array,
	// covering [offset, offset+size).
	Bytes(offset uint64, size uint64) []byte

	// Alloc reserves size bytes from the arena, logging the
	// allocator's own free-list bookkeeping through logger.
	Alloc(size uint64, logger buddy.Logger) (offset uint64, padded uint64, err error)

	// Dealloc returns a previously allocated block, via logger so the
	// actual reclaim is deferred to logger's owning transaction's
	// commit.
	Dealloc(offset uint64, size uint64, logger buddy.Logger)

	// RawAlloc reserves size bytes from the arena without logging the
	// allocator's bookkeeping through any journal. It backs undo-log
	// snapshot storage, which must never itself be undo-logged: Alloc
	// would log its free-list mutations through the very journal
	// logRange is already appending to, recursing back into the same
	// non-reentrant call with no base case. Blocks returned by RawAlloc
	// are never freed, matching the raw pnew/pmake allocation the undo
	// log's own data copies use.
	RawAlloc(size uint64) (offset uint64, padded uint64, err error)
}
