package pointer

import (
	"sync/atomic"
	"unsafe"

	"github.com/vaultmem/pmstore/ll"
	"github.com/vaultmem/pmstore/transaction"
)

// parcHeader mirrors prcHeader but its fields are only ever touched
// via sync/atomic, since Parc handles may be cloned/released from
// multiple goroutines without sharing a journal.
type parcHeader struct {
	strong uint64
	weak   uint64
}

const parcHeaderSize = uint64(unsafe.Sizeof(parcHeader{}))

// Parc is an atomically reference-counted handle.
type Parc[T any] struct {
	sp   transaction.Space
	off  uint64
	size uint64
}

// NewParc allocates a header+value block with strong=1, weak=1.
func NewParc[T any](v T, j *transaction.Journal) (*Parc[T], error) {
	var zero T
	valSize := uint64(unsafe.Sizeof(zero))
	off, padded, err := j.AllocForLayout(parcHeaderSize + valSize)
	if err != nil {
		return nil, err
	}
	sp := j.Space()
	hdr := (*parcHeader)(sp.PointerAt(off))
	hdr.strong = 1
	hdr.weak = 1
	*parcValuePtr[T](sp, off) = v
	ll.Persist(sp.PointerAt(off), uintptr(parcHeaderSize+valSize))
	return &Parc[T]{sp: sp, off: off, size: padded}, nil
}

func parcValuePtr[T any](sp transaction.Space, off uint64) *T {
	base := uintptr(sp.PointerAt(off))
	return (*T)(unsafe.Pointer(base + uintptr(parcHeaderSize)))
}

func (p *Parc[T]) header() *parcHeader { return (*parcHeader)(p.sp.PointerAt(p.off)) }

// Value returns a pointer to the held value.
func (p *Parc[T]) Value() *T { return parcValuePtr[T](p.sp, p.off) }

// Strong returns the current strong count.
func (p *Parc[T]) Strong() uint64 { return atomic.LoadUint64(&p.header().strong) }

// Weak returns the current weak count.
func (p *Parc[T]) Weak() uint64 { return atomic.LoadUint64(&p.header().weak) }

// PClone atomically increments strong and registers a compensating
// decrement that fires only if j rolls back, so two threads can clone
// concurrently under different journals without contending on the
// same undo-log entry.
func (p *Parc[T]) PClone(j *transaction.Journal) (*Parc[T], error) {
	h := p.header()
	atomic.AddUint64(&h.strong, 1)
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	if err := j.LogRefCountDec(unsafe.Pointer(&h.strong)); err != nil {
		atomic.AddUint64(&h.strong, ^uint64(0))
		return nil, err
	}
	return &Parc[T]{sp: p.sp, off: p.off, size: p.size}, nil
}

// Release atomically decrements strong, registering a compensating
// increment on rollback; at strong==0 it drops the weak baseline the
// same way, freeing the block once weak also reaches 0.
func (p *Parc[T]) Release(j *transaction.Journal) error {
	h := p.header()
	newStrong := atomic.AddUint64(&h.strong, ^uint64(0))
	if newStrong == ^uint64(0) {
		// Underflow: strong was already 0. Restore and bail.
		atomic.AddUint64(&h.strong, 1)
		return nil
	}
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	if err := j.LogRefCountInc(unsafe.Pointer(&h.strong)); err != nil {
		atomic.AddUint64(&h.strong, 1)
		return err
	}
	if newStrong != 0 {
		return nil
	}
	atomic.AddUint64(&h.weak, ^uint64(0))
	ll.Persist(unsafe.Pointer(&h.weak), unsafe.Sizeof(h.weak))
	if err := j.LogRefCountInc(unsafe.Pointer(&h.weak)); err != nil {
		atomic.AddUint64(&h.weak, 1)
		return err
	}
	if atomic.LoadUint64(&h.weak) == 0 {
		j.Free(p.off, p.size)
	}
	return nil
}

// GenSource exposes the single counter VWeak's Promote checks against
// (Pool.Gen). Kept narrow so this package never imports pool.
type GenSource interface {
	Gen() uint64
}

// Demote returns a VWeak tagged with the pool's current generation,
// leaving strong untouched. VWeak never touches allocator state and
// is itself a volatile (non-persistent) value — it is only meaningful
// within the process that created it, and only until that process's
// pool generation changes.
func (p *Parc[T]) Demote(gens GenSource) VWeak[T] {
	return VWeak[T]{sp: p.sp, off: p.off, size: p.size, gen: gens.Gen()}
}

// VWeak carries (offset, generation); promoting it after the owning
// pool has been closed and reopened (bumping the generation) always
// fails, regardless of whether the offset still holds a live object.
type VWeak[T any] struct {
	sp   transaction.Space
	off  uint64
	size uint64
	gen  uint64
}

// Promote returns a new strong handle iff gens.Gen() still matches the
// generation recorded at Demote time and strong > 0.
func (w VWeak[T]) Promote(gens GenSource, j *transaction.Journal) (*Parc[T], bool, error) {
	if gens.Gen() != w.gen {
		return nil, false, nil
	}
	h := (*parcHeader)(w.sp.PointerAt(w.off))
	for {
		cur := atomic.LoadUint64(&h.strong)
		if cur == 0 {
			return nil, false, nil
		}
		if atomic.CompareAndSwapUint64(&h.strong, cur, cur+1) {
			break
		}
	}
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	if err := j.LogRefCountDec(unsafe.Pointer(&h.strong)); err != nil {
		atomic.AddUint64(&h.strong, ^uint64(0))
		return nil, false, err
	}
	return &Parc[T]{sp: w.sp, off: w.off, size: w.size}, true, nil
}
