// Package pointer implements the persistence-safe smart pointers a
// pool's object graph is built from: an owning box, non-atomic and
// atomic reference-counted handles, and a generation-gated volatile
// weak handle for the atomic family.
package pointer

import (
	"unsafe"

	"github.com/vaultmem/pmstore/ll"
	"github.com/vaultmem/pmstore/transaction"
)

// Pbox owns a single value of type T allocated from a pool's arena. Go
// has no destructors, so a Pbox must be handed to Free explicitly once
// nothing refers to it.
type Pbox[T any] struct {
	sp   transaction.Space
	off  uint64
	size uint64
}

// NewPbox allocates room for v inside j's pool and writes it. The
// fresh bytes are flushed immediately (there is nothing yet in the
// reachable graph pointing at them, so there is no atomicity to
// preserve); what must be atomic is whoever later links this box's
// offset into an already-reachable field, which goes through that
// field's own Log call.
func NewPbox[T any](v T, j *transaction.Journal) (*Pbox[T], error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	off, padded, err := j.AllocForLayout(size)
	if err != nil {
		return nil, err
	}
	sp := j.Space()
	ptr := (*T)(sp.PointerAt(off))
	*ptr = v
	ll.Persist(unsafe.Pointer(ptr), uintptr(size))
	return &Pbox[T]{sp: sp, off: off, size: padded}, nil
}

// Offset returns the box's arena offset, the stable identity a
// container or another object logs when it links to this box.
func (b *Pbox[T]) Offset() uint64 { return b.off }

// OpenPbox reconstructs a box handle from an offset previously returned
// by Offset, e.g. after following a logged pointer field.
func OpenPbox[T any](sp transaction.Space, off uint64, size uint64) *Pbox[T] {
	return &Pbox[T]{sp: sp, off: off, size: size}
}

// Value returns a pointer to the boxed value.
func (b *Pbox[T]) Value() *T {
	return (*T)(b.sp.PointerAt(b.off))
}

// Free returns the box's storage to the arena once j commits.
func (b *Pbox[T]) Free(j *transaction.Journal) {
	j.Free(b.off, b.size)
}
