// Package pool ties ll, buddy and transaction into the public
// persistent-memory pool API: Open/Close a pool file, run transactions
// against it, and recover its state after a crash or clean reopen.
package pool

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/vaultmem/pmstore/buddy"
	"github.com/vaultmem/pmstore/ll"
	"github.com/vaultmem/pmstore/perrors"
	"github.com/vaultmem/pmstore/transaction"
)

var log = logrus.WithField("component", "pool")

// Root is the constraint on a pool's root type: any concrete struct a
// caller defines, stored by value at a fixed offset inside the arena.
type Root any

// Pool is a single open persistent-memory pool backed by one mapped
// file. It is safe for concurrent use: each call to Transaction
// acquires its own journal from the pool's journal pool.
type Pool[R Root] struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	mapping  []byte
	region   *ll.Region
	hdr      header
	space    *poolSpace
	journals *transaction.JournalPool
	rootPtr  *R
	noRoot   bool
	closed   bool
}

// anchorsAlias reinterprets the header's free_anchors[32] byte range as
// a live []uint64 so buddy.Allocator's anchor writes land directly in
// the mapped file rather than in a disconnected copy.
func anchorsAlias(b []byte) []uint64 {
	if len(b) != freeAnchorsLen*8 {
		panic(fmt.Sprintf("pool: anchors byte range has wrong length: %d", len(b)))
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b[0])), freeAnchorsLen)
}

// Open opens or creates the pool file at path according to flags,
// returning a Pool typed to root object R. If flags includes OFormat
// (or the file does not yet exist and OCreate is set) the pool is
// freshly initialized; otherwise Open validates the existing header,
// recovers any in-flight journals, and rebuilds the allocator's view of
// the free lists.
//
// Open always allocates and fingerprints a root object of type R: a
// caller that asks for a typed root gets one, regardless of whether
// ONoRoot happens to be set in flags. ONoRoot only marks the header's
// stored flags word; it does not gate Open's behavior, since OCFNE
// (which carries ONoRoot) is the combination used to open a pool with
// a perfectly ordinary typed root. Callers that want a genuinely
// rootless, allocator-only pool call OpenNoRoot instead.
func Open[R Root](path string, flags Flag) (*Pool[R], error) {
	return openInternal[R](path, flags, false)
}

// OpenNoRoot opens or creates an allocator-only pool with no typed root
// object: Root() always returns nil and no fingerprint is checked on
// reopen. R is typically a zero-size placeholder type; cmd/pmemctl uses
// this for every subcommand since it has no compile-time knowledge of a
// given pool file's original root type.
func OpenNoRoot[R Root](path string, flags Flag) (*Pool[R], error) {
	return openInternal[R](path, flags, true)
}

func openInternal[R Root](path string, flags Flag, noRoot bool) (*Pool[R], error) {
	exists := true
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("pool: %w: %v", perrors.ErrIoOpen, err)
		}
		exists = false
	}
	if !exists && !flags.Has(OCreate) {
		return nil, fmt.Errorf("pool: %w: %s does not exist", perrors.ErrIoOpen, path)
	}
	if exists && !flags.Has(OExisting) && !flags.Has(OFormat) {
		return nil, fmt.Errorf("pool: %w: %s already exists", perrors.ErrIoOpen, path)
	}

	format := flags.Has(OFormat) || !exists

	openFlags := os.O_RDWR
	if flags.Has(OCreate) {
		openFlags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		return nil, fmt.Errorf("pool: %w: %v", perrors.ErrIoOpen, err)
	}

	size := flags.initialSize()
	if format {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("pool: %w: %v", perrors.ErrIoOpen, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("pool: %w: %v", perrors.ErrIoOpen, err)
		}
		size = info.Size()
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("pool: %w: %v", perrors.ErrIoMap, err)
	}

	region := &ll.Region{Base: uintptr(unsafe.Pointer(&mapping[0])), Data: mapping}
	ll.Register(region)

	hdr := newHeader(mapping)

	p := &Pool[R]{
		file:    f,
		path:    path,
		mapping: mapping,
		region:  region,
		hdr:     hdr,
		noRoot:  noRoot,
	}

	journalRegionSize := transaction.JournalsRegionSize()
	arenaOffset := uint64(HeaderSize) + journalRegionSize

	if format {
		hdr.writeMagic()
		hdr.setVersion(FormatVer)
		hdr.setFlags(uint32(flags))
		hdr.setTotalLength(uint64(size))
		hdr.setArenaOffset(arenaOffset)
		hdr.setJournalHead(HeaderSize)
		hdr.setChaperonSlot(0)
		if !noRoot {
			hi, lo := fingerprintOf[R]()
			hdr.setFingerprint(hi, lo)
		}
		persistRange(mapping, HeaderSize)
	} else {
		if !hdr.magicOK() {
			unix.Munmap(mapping)
			f.Close()
			return nil, fmt.Errorf("pool: %w: bad magic in %s", perrors.ErrRecoveryCorrupt, path)
		}
		if !noRoot {
			wantHi, wantLo := fingerprintOf[R]()
			haveHi, haveLo := hdr.fingerprint()
			if haveHi != wantHi || haveLo != wantLo {
				unix.Munmap(mapping)
				f.Close()
				return nil, fmt.Errorf("pool: %w", perrors.ErrTypeMismatch)
			}
		}
		arenaOffset = hdr.arenaOffset()
	}

	// Bump the generation on every open, not just a reformat: a VWeak
	// demoted during one process's lifetime over this pool must fail to
	// promote after any close/reopen, since the handle's owning Pool
	// instance (and the mapping it wraps) no longer exists.
	hdr.setGeneration(hdr.generation() + 1)
	persistRange(mapping[offGeneration:offGeneration+8], 8)

	anchors := anchorsAlias(mapping[offFreeAnchors : offFreeAnchors+freeAnchorsLen*8])
	arena := mapping[arenaOffset:]
	alloc := buddy.New(arena, anchors, format)

	space := &poolSpace{mapping: mapping, arenaOffset: arenaOffset, alloc: alloc}
	p.space = space

	if format && !noRoot {
		var zero R
		off, _, err := alloc.Alloc(uint64(unsafe.Sizeof(zero)))
		if err != nil {
			unix.Munmap(mapping)
			f.Close()
			return nil, fmt.Errorf("pool: %w", err)
		}
		hdr.setRootOffset(off + arenaOffset)
		persistRange(mapping[offRootOffset:offRootOffset+8], 8)
	}

	journalRegion := mapping[HeaderSize:arenaOffset]
	jp, err := transaction.NewJournalPool(space, journalRegion, format)
	if err != nil {
		unix.Munmap(mapping)
		f.Close()
		return nil, fmt.Errorf("pool: %w", err)
	}
	p.journals = jp

	if !noRoot {
		rootOff := hdr.rootOffset()
		p.rootPtr = (*R)(unsafe.Pointer(&mapping[rootOff]))
	}

	log.WithFields(logrus.Fields{"path": path, "format": format, "size": size}).Info("pool opened")
	return p, nil
}

// persistRange flushes [ptr, ptr+n) via ll.Persist; ptr must be the
// address of the first element of a slice already registered as (part
// of) a mapped region.
func persistRange(b []byte, n int) {
	if n == 0 || len(b) == 0 {
		return
	}
	ll.Persist(unsafe.Pointer(&b[0]), uintptr(n))
}

// Close unmaps the pool file and releases its file descriptor. It
// refuses to close while any journal still has an open transaction.
func (p *Pool[R]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.journals.AnyOpen() {
		return fmt.Errorf("pool: %w", perrors.ErrPoolBusy)
	}
	ll.Unregister(p.region)
	if err := unix.Munmap(p.mapping); err != nil {
		return fmt.Errorf("pool: close: munmap: %v", err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("pool: close: %v", err)
	}
	p.closed = true
	log.WithField("path", p.path).Info("pool closed")
	return nil
}

// Transaction runs f under a freshly acquired journal, committing on a
// nil return and rolling back on a non-nil error or a panic (which is
// re-raised after rollback, so callers see the same panic they would
// without a transaction wrapper). f can recover the journal it's
// running under via CurrentJournal instead of using the argument.
func (p *Pool[R]) Transaction(f func(j *transaction.Journal) error) (err error) {
	j := p.journals.Acquire(false)
	defer p.journals.Release(j)

	if err = j.Begin(); err != nil {
		return err
	}

	committed := false
	defer func() {
		if rec := recover(); rec != nil {
			_ = j.Abort()
			panic(rec)
		}
		if !committed {
			_ = j.Abort()
		}
	}()

	var ferr error
	withJournal(j, func() { ferr = f(j) })
	if ferr != nil {
		err = fmt.Errorf("%w: %v", perrors.ErrUserAbort, ferr)
		return err
	}
	if err = j.End(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AcquireJournal hands out a journal with an already-open outermost
// transaction, for callers that need to drive commit/rollback
// themselves instead of going through Transaction — chiefly
// chaperon.Session, which must keep several pools' journals open
// simultaneously while it records their participation.
func (p *Pool[R]) AcquireJournal() (*transaction.Journal, error) {
	j := p.journals.Acquire(false)
	if err := j.Begin(); err != nil {
		p.journals.Release(j)
		return nil, err
	}
	return j, nil
}

// ReleaseJournal returns a journal obtained from AcquireJournal. The
// caller must already have committed, prepared, or aborted it.
func (p *Pool[R]) ReleaseJournal(j *transaction.Journal) {
	p.journals.Release(j)
}

// Journals exposes the pool's journal pool for chaperon.Recover, which
// needs to scan every slot for one left in StatePrepared after a crash.
func (p *Pool[R]) Journals() *transaction.JournalPool {
	return p.journals
}

// Valid reports whether ptr lies inside this pool's mapped file.
func (p *Pool[R]) Valid(ptr unsafe.Pointer) bool {
	_, err := p.space.OffsetOf(ptr)
	return err == nil
}

// Allocated reports whether [offset, offset+size) lies inside the
// pool's arena (a bounds check; see buddy.Allocator.Allocated).
func (p *Pool[R]) Allocated(offset uintptr, size uintptr) bool {
	if uint64(offset) < p.space.arenaOffset {
		return false
	}
	return p.space.alloc.Allocated(uint64(offset)-p.space.arenaOffset, uint64(size))
}

// Gen returns the pool's generation counter, bumped on every Open call
// (format or plain reopen); used by VWeak to detect a handle demoted
// under a since-closed Pool instance.
func (p *Pool[R]) Gen() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr.generation()
}

// Used returns the number of bytes currently allocated out of the
// arena.
func (p *Pool[R]) Used() uintptr {
	freeBytes, _ := p.space.alloc.Stats()
	return uintptr(p.space.alloc.Size() - freeBytes)
}

// Rebuild re-walks the allocator's free lists without mutating
// anything, returning the free-byte count it observes — pmemctl's gc
// subcommand uses this as a recovery dry run, asserting the pool's
// on-disk free lists are walkable and agree with Used.
func (p *Pool[R]) Rebuild() uint64 {
	return p.space.alloc.Rebuild()
}

// PrintInfo logs a human-readable summary of the pool's layout and
// allocator occupancy.
func (p *Pool[R]) PrintInfo() {
	freeBytes, perOrder := p.space.alloc.Stats()
	fields := logrus.Fields{
		"path": p.path,
		"total_length": p.hdr.totalLength(),
		"arena_offset": p.hdr.arenaOffset(),
		"generation": p.hdr.generation(),
		"free_bytes": freeBytes,
		"arena_bytes": p.space.alloc.Size(),
	}
	log.WithFields(fields).Info("pool info")
	for order, count := range perOrder {
		if count > 0 {
			log.WithFields(logrus.Fields{"order": order, "free_blocks": count}).Debug("free list")
		}
	}
}

// Root returns the pool's typed root object, or nil if it was opened
// via OpenNoRoot.
func (p *Pool[R]) Root() *R {
	return p.rootPtr
}
