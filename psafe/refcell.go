package psafe

import (
	"sync"
	"unsafe"

	"github.com/vaultmem/pmstore/perrors"
	"github.com/vaultmem/pmstore/transaction"
)

// LogRefCell adds Rust-style runtime borrow checking on top of a
// logged value: any number of concurrent readers, or exactly one
// writer, never both. Borrow bookkeeping itself is volatile (plain
// in-process counters) — only the value and the "already logged this
// journal" flag are persistent state.
type LogRefCell[T any] struct {
	mu      sync.Mutex
	readers int
	writer  bool
	logged  uint32
	v       T
}

// NewLogRefCell returns a cell already holding v.
func NewLogRefCell[T any](v T) LogRefCell[T] {
	return LogRefCell[T]{v: v}
}

// Borrow takes a shared read handle. release must be called exactly
// once to give it back.
func (c *LogRefCell[T]) Borrow() (value *T, release func(), err error) {
	c.mu.Lock()
	if c.writer {
		c.mu.Unlock()
		return nil, nil, perrors.ErrAlreadyBorrowed
	}
	c.readers++
	c.mu.Unlock()
	return &c.v, func() {
		c.mu.Lock()
		c.readers--
		c.mu.Unlock()
	}, nil
}

// BorrowMut takes the exclusive write handle. The first BorrowMut
// within journal j snapshots the whole cell onto j's undo log; every
// later BorrowMut on the same cell within the same still-open journal
// is a no-op on the log (LogOnce), matching the "exactly one undo
// entry per journal" contract. release must be
// called exactly once.
func (c *LogRefCell[T]) BorrowMut(j *transaction.Journal) (value *T, release func(), err error) {
	c.mu.Lock()
	if c.writer || c.readers > 0 {
		c.mu.Unlock()
		return nil, nil, perrors.ErrAlreadyBorrowed
	}
	c.writer = true
	c.mu.Unlock()

	data := unsafe.Slice((*byte)(unsafe.Pointer(&c.v)), unsafe.Sizeof(c.v))
	if err := j.LogOnce(&c.logged, data); err != nil {
		c.mu.Lock()
		c.writer = false
		c.mu.Unlock()
		return nil, nil, err
	}
	return &c.v, func() {
		c.mu.Lock()
		c.writer = false
		c.mu.Unlock()
	}, nil
}
