package pointer

import (
	"unsafe"

	"github.com/vaultmem/pmstore/ll"
	"github.com/vaultmem/pmstore/transaction"
)

// prcHeader sits immediately before T in a Prc allocation. strong and
// weak are plain (non-atomic) words: Prc is for single-journal-at-a-
// time use, mirroring Rc rather than Arc.
type prcHeader struct {
	strong uint64
	weak   uint64
}

const prcHeaderSize = uint64(unsafe.Sizeof(prcHeader{}))

// Prc is a non-atomically reference-counted handle to a value living
// in the arena.
type Prc[T any] struct {
	sp   transaction.Space
	off  uint64 // offset of the header; value follows at off+prcHeaderSize
	size uint64 // padded block size, for Release's final Free
}

// NewPrc allocates a header+value block with strong=1, weak=1 (the
// implicit weak baseline every live strong handle carries, matching
// the weak(h) = liveWeaks + (strong>0 ? 1 : 0) invariant).
func NewPrc[T any](v T, j *transaction.Journal) (*Prc[T], error) {
	var zero T
	valSize := uint64(unsafe.Sizeof(zero))
	off, padded, err := j.AllocForLayout(prcHeaderSize + valSize)
	if err != nil {
		return nil, err
	}
	sp := j.Space()
	hdr := (*prcHeader)(sp.PointerAt(off))
	hdr.strong = 1
	hdr.weak = 1
	*valuePtr[T](sp, off) = v
	ll.Persist(sp.PointerAt(off), uintptr(prcHeaderSize+valSize))
	return &Prc[T]{sp: sp, off: off, size: padded}, nil
}

func valuePtr[T any](sp transaction.Space, off uint64) *T {
	base := uintptr(sp.PointerAt(off))
	return (*T)(unsafe.Pointer(base + uintptr(prcHeaderSize)))
}

func (p *Prc[T]) header() *prcHeader { return (*prcHeader)(p.sp.PointerAt(p.off)) }

// Value returns a pointer to the held value.
func (p *Prc[T]) Value() *T { return valuePtr[T](p.sp, p.off) }

// Strong returns the current strong count.
func (p *Prc[T]) Strong() uint64 { return p.header().strong }

// Weak returns the current weak count (including the implicit baseline).
func (p *Prc[T]) Weak() uint64 { return p.header().weak }

// PClone logs the strong counter, then increments it, returning a
// second handle to the same value.
func (p *Prc[T]) PClone(j *transaction.Journal) (*Prc[T], error) {
	h := p.header()
	if err := j.Log(&h.strong); err != nil {
		return nil, err
	}
	h.strong++
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	return &Prc[T]{sp: p.sp, off: p.off, size: p.size}, nil
}

// Release logs and decrements the strong count; at strong==0 it also
// drops the weak baseline, freeing the block once weak reaches 0 too.
func (p *Prc[T]) Release(j *transaction.Journal) error {
	h := p.header()
	if err := j.Log(&h.strong); err != nil {
		return err
	}
	h.strong--
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	if h.strong != 0 {
		return nil
	}
	if err := j.Log(&h.weak); err != nil {
		return err
	}
	h.weak--
	ll.Persist(unsafe.Pointer(&h.weak), unsafe.Sizeof(h.weak))
	if h.weak == 0 {
		j.Free(p.off, p.size)
	}
	return nil
}

// Downgrade returns a weak handle, logging and incrementing the weak
// count.
func (p *Prc[T]) Downgrade(j *transaction.Journal) (*PrcWeak[T], error) {
	h := p.header()
	if err := j.Log(&h.weak); err != nil {
		return nil, err
	}
	h.weak++
	ll.Persist(unsafe.Pointer(&h.weak), unsafe.Sizeof(h.weak))
	return &PrcWeak[T]{sp: p.sp, off: p.off, size: p.size}, nil
}

// PrcWeak is a non-atomic weak handle that never keeps T alive by
// itself.
type PrcWeak[T any] struct {
	sp   transaction.Space
	off  uint64
	size uint64
}

func (w *PrcWeak[T]) header() *prcHeader { return (*prcHeader)(w.sp.PointerAt(w.off)) }

// Upgrade returns a new strong handle iff strong > 0.
func (w *PrcWeak[T]) Upgrade(j *transaction.Journal) (*Prc[T], bool, error) {
	h := w.header()
	if h.strong == 0 {
		return nil, false, nil
	}
	if err := j.Log(&h.strong); err != nil {
		return nil, false, err
	}
	h.strong++
	ll.Persist(unsafe.Pointer(&h.strong), unsafe.Sizeof(h.strong))
	return &Prc[T]{sp: w.sp, off: w.off, size: w.size}, true, nil
}

// Release logs and decrements the weak count, freeing the block once
// it and strong both reach 0.
func (w *PrcWeak[T]) Release(j *transaction.Journal) error {
	h := w.header()
	if err := j.Log(&h.weak); err != nil {
		return err
	}
	h.weak--
	ll.Persist(unsafe.Pointer(&h.weak), unsafe.Sizeof(h.weak))
	if h.weak == 0 && h.strong == 0 {
		j.Free(w.off, w.size)
	}
	return nil
}
