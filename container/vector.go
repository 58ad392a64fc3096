// Package container implements the persistent container types spec'd
// at interface level: a growable vector, a UTF-8 string built on top
// of it, and a fixed-bucket hash map.
//
// Every container type here is plain old data — offsets and counts,
// no live pointers or closures — so it can be embedded directly inside
// a pool's root object or any other persisted struct. Every method
// that needs to dereference an offset or record an undo entry takes
// the caller's transaction.Space or *transaction.Journal explicitly,
// the same convention psafe's cells use.
package container

import (
	"unsafe"

	"github.com/vaultmem/pmstore/ll"
	"github.com/vaultmem/pmstore/transaction"
)

// Vector is a growable, transactionally-reallocated array of T.
type Vector[T any] struct {
	length   uint64
	capacity uint64
	dataOff  uint64
}

// Len returns the number of live elements.
func (v *Vector[T]) Len() uint64 { return v.length }

// Cap returns the current backing capacity.
func (v *Vector[T]) Cap() uint64 { return v.capacity }

func elemSize[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}

func (v *Vector[T]) elemPtr(sp transaction.Space, i uint64) *T {
	base := uintptr(sp.PointerAt(v.dataOff))
	return (*T)(unsafe.Pointer(base + uintptr(i)*uintptr(elemSize[T]())))
}

// Get returns element i. Reads need no journal.
func (v *Vector[T]) Get(i uint64, sp transaction.Space) T {
	return *v.elemPtr(sp, i)
}

// SetAt overwrites element i in place, undo-logging the old value.
func (v *Vector[T]) SetAt(i uint64, val T, j *transaction.Journal) error {
	ptr := v.elemPtr(j.Space(), i)
	if err := j.Log(ptr); err != nil {
		return err
	}
	*ptr = val
	ll.Persist(unsafe.Pointer(ptr), uintptr(elemSize[T]()))
	return nil
}

// Push appends val, growing the backing buffer first if it is full.
// Growth doubles capacity; the length bump is the only
// logged write, since the slot being written into was, until this
// call, outside the logically-visible range.
func (v *Vector[T]) Push(val T, j *transaction.Journal) error {
	if v.length == v.capacity {
		if err := v.grow(j); err != nil {
			return err
		}
	}
	sp := j.Space()
	ptr := v.elemPtr(sp, v.length)
	*ptr = val
	ll.Persist(unsafe.Pointer(ptr), uintptr(elemSize[T]()))

	if err := j.Log(&v.length); err != nil {
		return err
	}
	v.length++
	ll.Persist(unsafe.Pointer(&v.length), unsafe.Sizeof(v.length))
	return nil
}

// grow reallocates the backing buffer to double the current capacity
// (4 elements for a first allocation), copies the live prefix over,
// logs the old descriptor, and schedules the old buffer for
// drop-on-commit.
func (v *Vector[T]) grow(j *transaction.Journal) error {
	es := elemSize[T]()
	newCap := v.capacity * 2
	if newCap == 0 {
		newCap = 4
	}
	newOff, padded, err := j.AllocForLayout(newCap * es)
	if err != nil {
		return err
	}
	sp := j.Space()
	if v.length > 0 {
		copy(sp.Bytes(newOff, v.length*es), sp.Bytes(v.dataOff, v.length*es))
	}
	ll.Persist(sp.PointerAt(newOff), uintptr(newCap*es))

	oldOff, oldCap := v.dataOff, v.capacity
	if err := j.Log(&v.dataOff); err != nil {
		return err
	}
	if err := j.Log(&v.capacity); err != nil {
		return err
	}
	v.dataOff = newOff
	v.capacity = newCap
	ll.Persist(unsafe.Pointer(&v.dataOff), unsafe.Sizeof(v.dataOff))
	ll.Persist(unsafe.Pointer(&v.capacity), unsafe.Sizeof(v.capacity))

	if oldCap > 0 {
		j.Free(oldOff, oldCap*es)
	}
	_ = padded
	return nil
}
