package transaction

import (
	"fmt"

	"github.com/google/uuid"
)

// Pool-of-journals sizing: a small tier sized for ordinary transactions
// and a large tier for transactions touching many distinct objects,
// scaled for a reference core rather than a production deployment
// target.
const (
	SmallEntryCapacity = 128
	LargeEntryCapacity = 4096
	SmallJournalCount  = 64
	LargeJournalCount  = 8
)

// JournalPool owns every journal slot for one pool: a small tier for
// ordinary transactions and a large tier for transactions that touch
// more distinct objects than the small tier's capacity allows. Acquire/
// Release hand out and return journals via buffered channels, one per
// tier.
type JournalPool struct {
	small chan *Journal
	large chan *Journal
	all   []*Journal
}

// JournalsRegionSize returns the number of bytes the pool header must
// reserve for the journal slot table, given the tier sizes above.
func JournalsRegionSize() uint64 {
	return uint64(SmallJournalCount)*slotSize(SmallEntryCapacity) +
		uint64(LargeJournalCount)*slotSize(LargeEntryCapacity)
}

// NewJournalPool builds the pool's journal slots as byte windows into
// region (a slice of length JournalsRegionSize(), itself a view into
// the mapped file). format selects first-time zero-initialization
// versus reopen recovery.
func NewJournalPool(space Space, region []byte, format bool) (*JournalPool, error) {
	want := JournalsRegionSize()
	if uint64(len(region)) < want {
		return nil, fmt.Errorf("transaction: journal region too small: have %d want %d", len(region), want)
	}
	jp := &JournalPool{
		small: make(chan *Journal, SmallJournalCount),
		large: make(chan *Journal, LargeJournalCount),
	}
	off := uint64(0)
	for i := 0; i < SmallJournalCount; i++ {
		sz := slotSize(SmallEntryCapacity)
		slot := region[off : off+sz]
		j := newJournal(space, slot, SmallEntryCapacity, false)
		jp.initSlot(j, format)
		jp.all = append(jp.all, j)
		jp.small <- j
		off += sz
	}
	for i := 0; i < LargeJournalCount; i++ {
		sz := slotSize(LargeEntryCapacity)
		slot := region[off : off+sz]
		j := newJournal(space, slot, LargeEntryCapacity, true)
		jp.initSlot(j, format)
		jp.all = append(jp.all, j)
		jp.large <- j
		off += sz
	}
	return jp, nil
}

// initSlot assigns the journal its id and brings its on-disk state in
// line with format versus reopen. On first-time format, a fresh id is
// generated and persisted into the slot; on reopen, the id previously
// persisted there is read back, so the same slot keeps the same
// identity across a crash and restart (chaperon.Recover matches
// participants by this id).
func (jp *JournalPool) initSlot(j *Journal, format bool) {
	if format {
		j.id = uuid.New()
		encodeState(j.slot, StateIdle)
		encodeUsed(j.slot, 0)
		encodeID(j.slot, j.id)
		persistRange(&j.slot[0], uintptr(len(j.slot)))
		return
	}
	j.id = decodeID(j.slot)
	j.recoverOnOpen()
}

// Acquire hands out an idle journal from the requested tier, blocking
// until one is available.
func (jp *JournalPool) Acquire(large bool) *Journal {
	if large {
		return <-jp.large
	}
	return <-jp.small
}

// Release returns a journal to its tier's pool, first forcing any
// uncommitted work on it to roll back unconditionally before recycling.
func (jp *JournalPool) Release(j *Journal) {
	j.mu.Lock()
	if decodeState(j.slot) != StateIdle && j.usedCount() > 0 {
		j.abortLocked()
	}
	encodeState(j.slot, StateIdle)
	persistRange(&j.slot[0], 4)
	j.mu.Unlock()
	if j.large {
		jp.large <- j
	} else {
		jp.small <- j
	}
}

// AnyOpen reports whether any journal in the pool is currently mid
// transaction, used by Pool.Close to refuse closing while work is in
// flight.
func (jp *JournalPool) AnyOpen() bool {
	for _, j := range jp.all {
		if j.Level() > 0 {
			return true
		}
	}
	return false
}

// PreparedJournals returns every journal slot still sitting in
// StatePrepared, e.g. because a crash landed between a chaperon
// session's prepare phase and its commit phase. chaperon.Recover
// resolves each against the coordinator file's recorded outcome.
func (jp *JournalPool) PreparedJournals() []*Journal {
	var out []*Journal
	for _, j := range jp.all {
		j.mu.Lock()
		st := decodeState(j.slot)
		j.mu.Unlock()
		if st == StatePrepared {
			out = append(out, j)
		}
	}
	return out
}

// Lookup finds a journal slot by its ID, used by chaperon.Recover to
// match a coordinator file's recorded participant against this pool's
// slots.
func (jp *JournalPool) Lookup(id uuid.UUID) (*Journal, bool) {
	for _, j := range jp.all {
		if j.id == id {
			return j, true
		}
	}
	return nil, false
}
