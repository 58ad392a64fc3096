// Package transaction implements the per-thread undo-log journal that
// backs a pmstore transaction: commit/rollback state machine, nested
// transactions, and recovery on reopen.
//
// A journal's own bookkeeping (state, log tail, entries) lives in the
// mapped file rather than a plain Go slice, and entries are a tagged
// variant rather than a single kind, so recovery can run from the file
// alone after a process restart. Journals are drawn from a
// pool-of-preallocated-journals acquired via a channel, logging goes
// through a reflect-based untyped entry point, and every slot is
// aborted unconditionally on recovery unless its state says otherwise.
package transaction

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vaultmem/pmstore/perrors"
)

var log = logrus.WithField("component", "transaction")

// State is a journal's position in the commit/rollback state machine.
type State uint32

const (
	StateIdle       State = iota
	StateOpen
	StateCommitted
	StateRolledBack
	// StatePrepared marks a journal that has finished the chaperon's
	// local prepare phase: its in-place data is already
	// flushed, but the Committed bit has not been set and its
	// drop-on-commit queue has not run. Only chaperon.Session and
	// chaperon.Recover ever move a journal into or out of this state.
	StatePrepared
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled_back"
	case StatePrepared:
		return "prepared"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// Journal is a single thread's undo-log chain. Its slot (header +
// entry table) is a byte window directly into the pool's mapped file,
// so every appended entry and every header update is already where a
// crash needs it to be; no separate flush step copies it there.
type Journal struct {
	mu        sync.Mutex
	id        uuid.UUID
	space     Space
	slot      []byte
	capacity  int
	large     bool
	level     int // nesting depth; volatile, not persisted

	onRelease []func()
}

// TX is the interface application code transacts against.
type TX interface {
	Begin() error
	End() error
	Log(data interface{}) error
	FakeLog(data interface{})
}

var _ TX = (*Journal)(nil)

// newJournal constructs a journal handle over slot. Its id is left zero
// here; JournalPool.initSlot assigns it once format versus reopen is
// known — a fresh uuid persisted into the slot on first format, or the
// previously persisted uuid read back on reopen, so chaperon.Recover's
// participant matching survives a crash and restart.
func newJournal(space Space, slot []byte, capacity int, large bool) *Journal {
	return &Journal{space: space, slot: slot, capacity: capacity, large: large}
}

// ID returns the journal's identifier, used by the chaperon to name
// participants in a cross-pool session.
func (j *Journal) ID() uuid.UUID { return j.id }

// Level returns the current nesting depth (0 outside any transaction).
func (j *Journal) Level() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.level
}

// State returns the journal's persisted commit-state.
func (j *Journal) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return decodeState(j.slot)
}

// OnRelease registers a cleanup to run when the outermost transaction
// ends, whether by commit or rollback — used by psafe.Mutex to release
// a lock still held when the journal concludes.
func (j *Journal) OnRelease(f func()) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.onRelease = append(j.onRelease, f)
}

func (j *Journal) releaseAllLocked() {
	fns := j.onRelease
	j.onRelease = nil
	for _, f := range fns {
		f()
	}
}

// Begin starts (or nests into) a transaction on this journal.
func (j *Journal) Begin() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.level++
	if j.level == 1 {
		encodeState(j.slot, StateOpen)
	}
	return nil
}

// End commits the outermost transaction, or does nothing for a nested
// one.
func (j *Journal) End() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.level == 0 {
		return fmt.Errorf("transaction: End: %w", perrors.ErrNoActiveJournal)
	}
	j.level--
	if j.level == 0 {
		j.commitLocked()
	}
	return nil
}

// Abort rolls back the outermost transaction regardless of nesting
// depth, used when user code returns an error or panics.
func (j *Journal) Abort() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.abortLocked()
	return nil
}

func (j *Journal) usedCount() int { return decodeUsed(j.slot) }

// EntryCount returns how many undo-log entries are currently recorded
// on this journal. Exposed for tests and diagnostics; application code
// has no other reason to inspect it.
func (j *Journal) EntryCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.usedCount()
}

func (j *Journal) appendEntry(e rawEntry) error {
	used := j.usedCount()
	if used >= j.capacity {
		return fmt.Errorf("transaction: journal %s: %w", j.id, perrors.ErrJournalFull)
	}
	encodeEntry(j.slot, used, e)
	eb := entryBytes(j.slot, used)
	persistRange(&eb[0], uintptr(len(eb)))
	j.updateUsed(used + 1)
	return nil
}

// updateUsed records the new entry count: fence, store, flush, fence.
func (j *Journal) updateUsed(used int) {
	fence()
	encodeUsed(j.slot, used)
	hb := j.slot[4:8]
	persistRange(&hb[0], uintptr(len(hb)))
	fence()
}

// Log snapshots *data (a pointer) or a slice into the arena and records
// an undo entry for it. data must be a pointer or a slice, so call
// sites read as tx.Log(&s.Field) without any cast or wrapper.
func (j *Journal) Log(data interface{}) error {
	v := reflect.ValueOf(data)
	var addr unsafe.Pointer
	var size uintptr
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("transaction: Log: %w: nil pointer", perrors.ErrInvalidPointer)
		}
		addr = unsafe.Pointer(v.Pointer())
		size = v.Elem().Type().Size()
	case reflect.Slice:
		if v.Len() == 0 {
			return nil
		}
		addr = unsafe.Pointer(v.Pointer())
		size = uintptr(v.Len()) * v.Type().Elem().Size()
	default:
		return fmt.Errorf("transaction: Log: %w: data must be pointer or slice", perrors.ErrInvalidPointer)
	}
	return j.logRange(addr, size)
}

// FakeLog is a no-op logging entry point, used by callers that want the
// Log/FakeLog interface symmetry without paying for an undo entry (e.g.
// logging a freshly allocated, not-yet-shared object).
func (j *Journal) FakeLog(interface{}) {}

// LogBytes implements buddy.Logger: it snapshots a live byte window
// (e.g. a free-list anchor table or block header) by address rather
// than via reflect.
func (j *Journal) LogBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return j.logRange(unsafe.Pointer(&b[0]), uintptr(len(b)))
}

func (j *Journal) logRange(addr unsafe.Pointer, size uintptr) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	origOff, err := j.space.OffsetOf(addr)
	if err != nil {
		return fmt.Errorf("transaction: Log: %w", err)
	}
	snapOff, _, err := j.space.RawAlloc(uint64(size))
	if err != nil {
		return fmt.Errorf("transaction: Log: %w", err)
	}
	snap := j.space.Bytes(snapOff, uint64(size))
	orig := unsafe.Slice((*byte)(addr), size)
	copy(snap, orig)
	persistRange(&snap[0], size)
	return j.appendEntry(rawEntry{kind: kindData, ptr: origOff, payload: snapOff, size: uint64(size)})
}

// DropOnAbort implements buddy.Logger: schedule offset/size to be
// returned to the allocator only if this journal rolls back (used for
// an allocation made inside the transaction currently running).
func (j *Journal) DropOnAbort(offset uint64, size uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendEntry(rawEntry{kind: kindDropOnAbort, payload: offset, size: size}); err != nil {
		log.WithError(err).Error("DropOnAbort: journal full, leaking block")
	}
}

// DropOnCommit implements buddy.Logger: schedule offset/size to be
// returned to the allocator only once this journal commits (used when
// freeing memory that is still part of the pre-transaction image).
func (j *Journal) DropOnCommit(offset uint64, size uint64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.appendEntry(rawEntry{kind: kindDropOnCommit, payload: offset, size: size}); err != nil {
		log.WithError(err).Error("DropOnCommit: journal full, leaking block")
	}
}

// LogRefCountDec schedules ptr's 64-bit counter to be decremented by
// one if this journal rolls back, compensating for an increment
// already applied by the caller (Prc/Parc clone).
func (j *Journal) LogRefCountDec(ptr unsafe.Pointer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	off, err := j.space.OffsetOf(ptr)
	if err != nil {
		return fmt.Errorf("transaction: LogRefCountDec: %w", err)
	}
	return j.appendEntry(rawEntry{kind: kindRefCountDec, ptr: off})
}

// LogRefCountInc schedules ptr's 64-bit counter to be incremented by
// one if this journal rolls back, compensating for a decrement already
// applied by the caller (Parc release/drop).
func (j *Journal) LogRefCountInc(ptr unsafe.Pointer) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	off, err := j.space.OffsetOf(ptr)
	if err != nil {
		return fmt.Errorf("transaction: LogRefCountInc: %w", err)
	}
	return j.appendEntry(rawEntry{kind: kindRefCountInc, ptr: off})
}

// LogOnce snapshots data through LogBytes the first time it is called
// for a given flag within this journal, and is a no-op on every
// subsequent call until the journal clears (commit or abort) — the
// idempotent-logging contract LogRefCell.BorrowMut needs: exactly one
// undo entry per journal even under repeated borrows. flag must point
// at a word inside the mapped file.
func (j *Journal) LogOnce(flag *uint32, data []byte) error {
	if atomic.LoadUint32(flag) != 0 {
		return nil
	}
	if !atomic.CompareAndSwapUint32(flag, 0, 1) {
		return nil
	}
	if err := j.LogBytes(data); err != nil {
		atomic.StoreUint32(flag, 0)
		return err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	foff, err := j.space.OffsetOf(unsafe.Pointer(flag))
	if err != nil {
		return fmt.Errorf("transaction: LogOnce: %w", err)
	}
	return j.appendEntry(rawEntry{kind: kindNotifier, notifier: foff})
}

// AllocForLayout is the transactional allocation entry point Pbox/Prc/
// Parc use: it allocates from the arena, logs the allocator's own
// bookkeeping, and arranges for the new block to be freed automatically
// if this transaction rolls back.
func (j *Journal) AllocForLayout(size uint64) (offset uint64, padded uint64, err error) {
	return j.space.Alloc(size, j)
}

// Free is the transactional deallocation entry point: the block is
// only actually returned to the allocator once this journal commits.
func (j *Journal) Free(offset uint64, size uint64) {
	j.space.Dealloc(offset, size, j)
}

// Space exposes the journal's pool-provided address space to
// lower-level helpers (psafe, pointer) that need to turn an offset back
// into a live pointer.
func (j *Journal) Space() Space { return j.space }

// persistInPlaceLocked flushes every DataLog entry's original location,
// the commit order's first step, and returns the entry
// count observed while doing so.
func (j *Journal) persistInPlaceLocked() int {
	used := j.usedCount()
	for i := used - 1; i >= 0; i-- {
		e := decodeEntry(j.slot, i)
		if e.kind == kindData {
			orig := j.space.Bytes(e.ptr, e.size)
			if len(orig) > 0 {
				persistRange(&orig[0], uintptr(len(orig)))
			}
		}
	}
	return used
}

// commitLocked implements 5-step commit order: persist
// data already in place, flip the Committed bit (the linearisation
// point), run the drop-on-commit queue, clear the log, persist headers.
func (j *Journal) commitLocked() {
	used := j.persistInPlaceLocked()
	encodeState(j.slot, StateCommitted)
	persistRange(&j.slot[0], 4)

	j.finishCommitSweep(used)
	j.releaseAllLocked()
}

// Prepare marks the outermost transaction prepared for a chaperon
// session: in-place data is flushed exactly as a direct
// commit would flush it, but the Committed bit is left unset and the
// drop-on-commit queue does not run, so the journal can still be
// finished or rolled back by FinishPrepared/Abort. Used only by
// chaperon.Session and chaperon.Recover.
func (j *Journal) Prepare() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.level == 0 {
		return fmt.Errorf("transaction: Prepare: %w", perrors.ErrNoActiveJournal)
	}
	j.persistInPlaceLocked()
	j.level = 0
	encodeState(j.slot, StatePrepared)
	persistRange(&j.slot[0], 4)
	return nil
}

// FinishPrepared completes a journal previously marked Prepared: it
// flips the Committed bit (the linearisation point) and runs the same
// sweep a direct End would have run.
func (j *Journal) FinishPrepared() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if decodeState(j.slot) != StatePrepared {
		return fmt.Errorf("transaction: FinishPrepared: journal is %s, not prepared", decodeState(j.slot))
	}
	used := j.usedCount()
	encodeState(j.slot, StateCommitted)
	persistRange(&j.slot[0], 4)
	j.finishCommitSweep(used)
	j.releaseAllLocked()
	return nil
}

// finishCommitSweep executes the drop-on-commit queue and resets
// notifiers, then clears the log. It is also called directly during
// recovery for a journal whose Committed bit was already set by a
// prior run that crashed before finishing.
func (j *Journal) finishCommitSweep(used int) {
	for i := 0; i < used; i++ {
		e := decodeEntry(j.slot, i)
		switch e.kind {
		case kindDropOnCommit:
			j.space.Dealloc(e.payload, e.size, j)
		case kindNotifier:
			j.resetNotifier(e.notifier)
		}
	}
	j.clearHeader()
}

// abortLocked implements rollback order: walk entries
// LIFO, copying data back and returning DropOnAbort blocks, then clear.
func (j *Journal) abortLocked() {
	used := j.usedCount()
	if used == 0 {
		j.level = 0
		encodeState(j.slot, StateIdle)
		persistRange(&j.slot[0], 4)
		j.releaseAllLocked()
		return
	}
	j.level = 0
	for i := used - 1; i >= 0; i-- {
		e := decodeEntry(j.slot, i)
		switch e.kind {
		case kindData:
			orig := j.space.Bytes(e.ptr, e.size)
			snap := j.space.Bytes(e.payload, e.size)
			copy(orig, snap)
			if len(orig) > 0 {
				persistRange(&orig[0], uintptr(len(orig)))
			}
		case kindDropOnAbort:
			j.space.Dealloc(e.payload, e.size, j)
		case kindRefCountDec:
			cntBytes := j.space.Bytes(e.ptr, 8)
			cnt := (*uint64)(unsafe.Pointer(&cntBytes[0]))
			atomic.AddUint64(cnt, ^uint64(0))
			persistRange(&cntBytes[0], 8)
		case kindRefCountInc:
			cntBytes := j.space.Bytes(e.ptr, 8)
			cnt := (*uint64)(unsafe.Pointer(&cntBytes[0]))
			atomic.AddUint64(cnt, 1)
			persistRange(&cntBytes[0], 8)
		case kindNotifier:
			j.resetNotifier(e.notifier)
		}
	}
	j.clearHeader()
	j.releaseAllLocked()
}

func (j *Journal) resetNotifier(offset uint64) {
	if offset == 0 {
		return
	}
	b := j.space.Bytes(offset, 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&b[0])), 0)
	persistRange(&b[0], 4)
}

func (j *Journal) clearHeader() {
	j.updateUsed(0)
	encodeState(j.slot, StateIdle)
	persistRange(&j.slot[0], 4)
}

// recoverOnOpen is called once per journal slot at pool open, before
// any new transaction is handed out, running an unconditional per-slot
// sweep: a Committed journal finishes its commit side effects; anything
// else is rolled back.
func (j *Journal) recoverOnOpen() {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch decodeState(j.slot) {
	case StateCommitted:
		log.WithField("journal", j.id).Info("recovery: finishing committed journal")
		j.finishCommitSweep(j.usedCount())
	case StateOpen, StateRolledBack:
		if j.usedCount() > 0 {
			log.WithField("journal", j.id).Warn("recovery: rolling back incomplete journal")
		}
		j.abortLocked()
	case StatePrepared:
		// Left for chaperon.Recover to resolve against the coordinator
		// file's recorded outcome; resolving it here, with no visibility
		// into the other participants, would risk committing one pool's
		// half of a cross-pool transaction without the others.
		log.WithField("journal", j.id).Warn("recovery: journal left prepared, awaiting chaperon recovery")
		j.level = 0
		return
	}
	encodeState(j.slot, StateIdle)
	persistRange(&j.slot[0], 4)
	j.level = 0
}
