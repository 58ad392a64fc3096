// Package psafe implements the interior-mutability cells a pool's
// transactional objects are built from: a plain logged cell, a
// borrow-checked logged cell, and a recursive, journal-scoped mutex.
package psafe

import (
	"github.com/vaultmem/pmstore/transaction"
)

// LogCell holds a single Copy-like value of type T, mutable only
// through a journal so every write is undo-logged.
// The zero value is a valid zero-initialized cell.
type LogCell[T any] struct {
	v T
}

// NewLogCell returns a cell already holding v, for use when
// constructing a fresh object inside a transaction (the value itself
// still needs no logging since nothing can observe the pre-allocation
// state).
func NewLogCell[T any](v T) LogCell[T] {
	return LogCell[T]{v: v}
}

// Get returns the cell's current value. Reads need no journal.
func (c *LogCell[T]) Get() T {
	return c.v
}

// Set logs the cell's current value on j's undo log, then stores v.
func (c *LogCell[T]) Set(v T, j *transaction.Journal) error {
	if err := j.Log(&c.v); err != nil {
		return err
	}
	c.v = v
	return nil
}
