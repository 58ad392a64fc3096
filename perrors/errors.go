// Package perrors defines the tagged error kinds surfaced across the
// pool, transaction, psafe and chaperon packages. Callers should compare
// against these with errors.Is; every wrap along the way uses %w so the
// sentinel survives.
package perrors

import "errors"

var (
	// ErrIoOpen covers failure to open or create the backing pool file.
	ErrIoOpen              = errors.New("pmstore: failed to open pool file")

	// ErrIoMap covers failure to mmap the pool file.
	ErrIoMap               = errors.New("pmstore: failed to map pool file")

	// ErrTypeMismatch is returned when an existing root's type
	// fingerprint differs from the requested root type.
	ErrTypeMismatch        = errors.New("pmstore: root type fingerprint mismatch")

	// ErrOutOfMemory is returned by the buddy allocator when no block
	// of the requested order can be formed, even after splitting.
	ErrOutOfMemory         = errors.New("pmstore: out of memory")

	// ErrNoActiveJournal is returned when a mutating cell operation is
	// invoked outside of a transaction.
	ErrNoActiveJournal     = errors.New("pmstore: no active journal")

	// ErrJournalFull is returned when a journal's fixed-capacity entry
	// table has no room for another entry; the table is never extended.
	ErrJournalFull         = errors.New("pmstore: journal full")

	// ErrInvalidPointer is returned when a pointer does not lie inside
	// the pool's arena, or is misaligned for the requested operation.
	ErrInvalidPointer      = errors.New("pmstore: invalid pointer")

	// ErrAlreadyBorrowed is returned by LogRefCell when a conflicting
	// borrow is already outstanding.
	ErrAlreadyBorrowed     = errors.New("pmstore: cell already borrowed")

	// ErrBorrowRuleViolation covers any other runtime borrow-rule
	// violation on a LogRefCell (e.g. releasing a borrow not held).
	ErrBorrowRuleViolation = errors.New("pmstore: borrow rule violation")

	// ErrLockPoisoned is returned when a Mutex's prior owner did not
	// release cleanly (panicked without the journal unwinding it).
	ErrLockPoisoned        = errors.New("pmstore: lock poisoned")

	// ErrUserAbort is the sentinel wrapped around a user-supplied
	// transaction function's returned error, so callers can tell a
	// deliberate abort from an internal failure.
	ErrUserAbort           = errors.New("pmstore: transaction aborted by user code")

	// ErrRecoveryCorrupt is returned when a journal or the allocator's
	// free lists are inconsistent beyond repair at open time.
	ErrRecoveryCorrupt     = errors.New("pmstore: recovery found corrupt state")

	// ErrPoolBusy is returned by Close when a journal for the pool is
	// still open on another goroutine.
	ErrPoolBusy            = errors.New("pmstore: pool has live journals")
)
