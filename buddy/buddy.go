// Package buddy implements a power-of-two free-list allocator over a
// byte-addressable arena. Free-block headers live
// in-band, at the offset of the block they describe, so the free lists
// themselves are part of the persistent image and need no separate
// bookkeeping file.
//
// Blocks are never coalesced back into a larger order on Dealloc — the
// operation set this package exposes has no merge step, only split on
// Alloc when the requested order's free list is empty. That keeps the
// free-block header a single fixed-size struct (no "is my buddy free"
// cross-check) at the cost of fragmentation under alloc/free churn,
// which the caller can observe via Stats and address by requesting a
// larger initial size class.
package buddy

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/vaultmem/pmstore/perrors"
)

var log = logrus.WithField("component", "buddy")

const (
	// MinBlockSize is the smallest allocatable block, in bytes.
	MinBlockSize    = 8

	// MaxOrder is the number of buddy orders, matching the pool
	// header's free_anchors[32]. Order i holds blocks of
	// size MinBlockSize << i, so order 31 holds 16 GiB blocks.
	MaxOrder        = 32

	noneOffset      = ^uint64(0)

	// blockHeaderSize is the size of the in-band free-block header:
	// two u64 offsets (next, prev).
	blockHeaderSize = 16
)

// Logger is the narrow slice of transaction.Journal that the
// transactional allocator entry points need: log the bytes about to be
// overwritten, and schedule the allocator-reclaim side effects of
// commit/rollback. transaction.Journal implements this; buddy never
// imports the transaction package, so there is no import cycle.
type Logger interface {
	LogBytes(ptr []byte) error
	DropOnAbort(offset uint64, size uint64)
	DropOnCommit(offset uint64, size uint64)
}

// Allocator manages free lists over a single arena slice. The arena is
// expected to be the tail of a pool's mmap'd region, past the header.
type Allocator struct {
	mu      sync.Mutex
	arena   []byte
	// anchors[i] is the arena-relative offset of the head of order i's
	// free list, or noneOffset if that order's list is empty. Backed by
	// the pool header's free_anchors[32] via AnchorsView.
	anchors []uint64
}

// New creates an allocator over arena, formatting it as entirely free
// if anchors has not already been populated by a previous Open (anchors
// comes from the pool header, so it already reflects a reopened pool's
// state — format is only for a brand new pool).
func New(arena []byte, anchors []uint64, format bool) *Allocator {
	if len(anchors) != MaxOrder {
		panic(fmt.Sprintf("buddy: anchors must have length %d, got %d", MaxOrder, len(anchors)))
	}
	a := &Allocator{arena: arena, anchors: anchors}
	if format {
		for i := range a.anchors {
			a.anchors[i] = noneOffset
		}
		a.formatFree()
	}
	return a
}

// orderFor returns the smallest order whose block size is >= size.
func orderFor(size uint64) (int, error) {
	if size == 0 {
		size = 1
	}
	blockSize := uint64(MinBlockSize)
	for order := 0; order < MaxOrder; order++ {
		if blockSize >= size {
			return order, nil
		}
		blockSize <<= 1
	}
	return 0, perrors.ErrOutOfMemory
}

func blockSize(order int) uint64 {
	return uint64(MinBlockSize) << uint(order)
}

// formatFree lays down the largest possible blocks covering the arena,
// from the highest order down, and links each onto its order's free
// list. Used only at first-time pool creation.
func (a *Allocator) formatFree() {
	var off uint64
	remaining := uint64(len(a.arena))
	for order := MaxOrder - 1; order >= 0 && remaining > 0; order-- {
		bs := blockSize(order)
		for remaining >= bs {
			a.linkFree(order, off)
			off += bs
			remaining -= bs
		}
	}
}

func (a *Allocator) readHeader(off uint64) (next, prev uint64) {
	b := a.arena[off : off+blockHeaderSize]
	return binary.LittleEndian.Uint64(b[0:8]), binary.LittleEndian.Uint64(b[8:16])
}

func (a *Allocator) writeHeader(off uint64, next, prev uint64) {
	b := a.arena[off : off+blockHeaderSize]
	binary.LittleEndian.PutUint64(b[0:8], next)
	binary.LittleEndian.PutUint64(b[8:16], prev)
}

// linkFree pushes the block at off onto the head of order's free list.
func (a *Allocator) linkFree(order int, off uint64) {
	head := a.anchors[order]
	a.writeHeader(off, head, noneOffset)
	if head != noneOffset {
		headNext, _ := a.readHeader(head)
		a.writeHeader(head, headNext, off)
	}
	a.anchors[order] = off
}

// unlinkFree removes a specific block from order's free list.
func (a *Allocator) unlinkFree(order int, off uint64) {
	next, prev := a.readHeader(off)
	if prev != noneOffset {
		prevNext, prevPrev := a.readHeader(prev)
		_ = prevNext
		a.writeHeader(prev, next, prevPrev)
	} else {
		a.anchors[order] = next
	}
	if next != noneOffset {
		nextNext, _ := a.readHeader(next)
		a.writeHeader(next, nextNext, prev)
	}
}

// popFree removes and returns the head of order's free list, or
// (0, false) if empty.
func (a *Allocator) popFree(order int) (uint64, bool) {
	head := a.anchors[order]
	if head == noneOffset {
		return 0, false
	}
	a.unlinkFree(order, head)
	return head, true
}

// Alloc reserves a block able to hold size bytes and returns its
// arena-relative offset and the block's actual (padded) length.
// Splitting a higher order leaves the remainder halves on their own
// free lists.
func (a *Allocator) Alloc(size uint64) (offset uint64, padded uint64, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocLocked(size)
}

func (a *Allocator) allocLocked(size uint64) (uint64, uint64, error) {
	order, err := orderFor(size)
	if err != nil {
		return 0, 0, err
	}
	if off, ok := a.popFree(order); ok {
		return off, blockSize(order), nil
	}
	// Find the smallest higher order with a free block, then split it
	// down to the requested order.
	src := -1
	for o := order + 1; o < MaxOrder; o++ {
		if a.anchors[o] != noneOffset {
			src = o
			break
		}
	}
	if src == -1 {
		return 0, 0, perrors.ErrOutOfMemory
	}
	off, _ := a.popFree(src)
	for o := src - 1; o >= order; o-- {
		buddyOff := off + blockSize(o)
		a.linkFree(o, buddyOff)
	}
	return off, blockSize(order), nil
}

// Dealloc returns a previously-allocated block to its order's free
// list. size must be the size originally passed to Alloc (not the
// padded length) or the padded length itself; both resolve to the same
// order.
func (a *Allocator) Dealloc(offset uint64, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, err := orderFor(size)
	if err != nil {
		log.WithError(err).Error("dealloc: invalid size")
		return
	}
	a.linkFree(order, offset)
}

// Allocated reports whether [offset, offset+size) lies entirely inside
// the arena. It does not, by itself, prove the range is not on a free
// list; callers that need that guarantee track it via their own
// bookkeeping (e.g. reference counts) — this is a bounds check only.
func (a *Allocator) Allocated(offset uint64, size uint64) bool {
	return offset+size <= uint64(len(a.arena)) && offset+size >= offset
}

// Valid reports whether a byte offset lies inside the arena.
func (a *Allocator) Valid(offset uint64) bool {
	return offset < uint64(len(a.arena))
}

// Size returns the arena's total size in bytes.
func (a *Allocator) Size() uint64 {
	return uint64(len(a.arena))
}

// Stats reports, per order, how many free blocks are currently queued.
// Used by cmd/pmemctl's info/used subcommands.
func (a *Allocator) Stats() (freeBytes uint64, perOrder [MaxOrder]int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for order := 0; order < MaxOrder; order++ {
		off := a.anchors[order]
		for off != noneOffset {
			perOrder[order]++
			freeBytes += blockSize(order)
			off, _ = a.readHeader(off)
		}
	}
	return freeBytes, perOrder
}

// Rebuild performs a defensive free-list walk for recovery: it
// re-derives free bytes purely by walking the existing free lists and
// returns that count. It never mutates state and does not repair the
// lists; only AllocForLayout undo-logs its free-list changes, while
// Alloc and Dealloc change them without logging. It exists so pmemctl
// can check after an open that the lists are walkable.
func (a *Allocator) Rebuild() (freeBytes uint64) {
	freeBytes, _ = a.Stats()
	return freeBytes
}

// AllocForLayout is the transactional allocation entry point. It logs
// the free-list pointer mutations through j before applying them, and
// registers the new block for DropOnAbort so an aborted transaction
// returns it to the arena.
func (a *Allocator) AllocForLayout(size uint64, j Logger) (offset uint64, padded uint64, err error) {
	a.mu.Lock()
	order, lerr := orderFor(size)
	if lerr != nil {
		a.mu.Unlock()
		return 0, 0, lerr
	}
	if err := a.logOrderChain(order, j); err != nil {
		a.mu.Unlock()
		return 0, 0, err
	}
	off, pad, aerr := a.allocLocked(size)
	a.mu.Unlock()
	if aerr != nil {
		return 0, 0, aerr
	}
	j.DropOnAbort(off, pad)
	return off, pad, nil
}

// FreeSlice is the transactional deallocation entry point. The actual
// allocator mutation is deferred to commit via DropOnCommit, so a
// rolled-back transaction never frees memory still referenced by the
// pre-transaction image.
func (a *Allocator) FreeSlice(offset uint64, size uint64, j Logger) {
	j.DropOnCommit(offset, size)
}

// logOrderChain logs the free-list anchor word plus every block header
// Alloc might touch while popping/splitting at or above order, so a
// rollback can restore the exact free-list shape. Since the precise set
// of touched headers is only known once the split actually happens, we
// conservatively log the whole anchors table and the blocks along the
// split chain up to the first available order.
func (a *Allocator) logOrderChain(order int, j Logger) error {
	if err := j.LogBytes(anchorsView(a.anchors)); err != nil {
		return err
	}
	if head := a.anchors[order]; head != noneOffset {
		if err := j.LogBytes(a.arena[head : head+blockHeaderSize]); err != nil {
			return err
		}
		// popFree also rewrites the prev field of the next header.
		next, _ := a.readHeader(head)
		if next != noneOffset {
			return j.LogBytes(a.arena[next : next+blockHeaderSize])
		}
		return nil
	}
	for o := order + 1; o < MaxOrder; o++ {
		if a.anchors[o] != noneOffset {
			off := a.anchors[o]
			if err := j.LogBytes(a.arena[off : off+blockHeaderSize]); err != nil {
				return err
			}
			// Also cover the next header on that list, which popFree
			// may rewrite.
			next, _ := a.readHeader(off)
			if next != noneOffset {
				if err := j.LogBytes(a.arena[next : next+blockHeaderSize]); err != nil {
					return err
				}
			}
			break
		}
	}
	return nil
}

// anchorsView reinterprets the live anchors table as a byte slice
// sharing the same backing storage, so logging it and later restoring
// it on rollback mutates the real anchors array rather than a copy.
func anchorsView(anchors []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&anchors[0])), len(anchors)*8)
}
