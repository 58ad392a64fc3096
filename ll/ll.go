// Package ll implements the low-level persistence primitives the rest
// of pmstore is built on: flushing a byte range to the backing file and
// fencing store ordering around it. Every commit/rollback ordering
// guarantee elsewhere in the module is expressed purely in terms of
// Persist and Fence.
//
// There is no portable CLFLUSHOPT/CLWB instruction reachable from pure
// Go, and no forked runtime exposing PersistRange the way go-pmem's
// patched compiler does. Persist instead tracks which mapped region a
// pointer falls in and calls msync(MS_SYNC) on the containing pages —
// the same fallback libpmem itself uses on hardware without cache-line
// flush instructions.
package ll

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "ll")

// Region describes one mmap'd file region registered with the package
// so Persist can resolve a pointer back to the bytes backing it.
type Region struct {
	Base uintptr
	Data []byte // the mmap'd slice; Data[i] backs address Base+i
}

var (
	regMu   sync.RWMutex
	regions []*Region // kept sorted by Base
)

// Register records a mapped region so addresses inside it can be
// resolved by Persist. Pool.Open calls this once per successful mmap.
func Register(r *Region) {
	regMu.Lock()
	defer regMu.Unlock()
	i := sort.Search(len(regions), func(i int) bool { return regions[i].Base >= r.Base })
	regions = append(regions, nil)
	copy(regions[i+1:], regions[i:])
	regions[i] = r
}

// Unregister removes a region, e.g. on Pool.Close.
func Unregister(r *Region) {
	regMu.Lock()
	defer regMu.Unlock()
	for i, cur := range regions {
		if cur == r {
			regions = append(regions[:i], regions[i+1:]...)
			return
		}
	}
}

func find(addr uintptr) *Region {
	regMu.RLock()
	defer regMu.RUnlock()
	i := sort.Search(len(regions), func(i int) bool { return regions[i].Base+uintptr(len(regions[i].Data)) > addr })
	if i < len(regions) && regions[i].Base <= addr {
		return regions[i]
	}
	return nil
}

var pageSize = uintptr(unix.Getpagesize())

// Persist flushes all bytes in [ptr, ptr+size) to the backing file and
// fences. If ptr does not fall inside any registered region (e.g. it
// is volatile heap memory passed in error, or size is zero) Persist is
// a fenced no-op rather than a panic, tolerating zero-size log entries.
func Persist(ptr unsafe.Pointer, size uintptr) {
	Fence()
	if ptr == nil || size == 0 {
		return
	}
	addr := uintptr(ptr)
	r := find(addr)
	if r == nil {
		log.WithField("addr", addr).Debug("persist: address outside any registered region")
		return
	}
	off := addr - r.Base
	end := off + size
	if end > uintptr(len(r.Data)) {
		end = uintptr(len(r.Data))
	}
	start := off &^ (pageSize - 1)
	endPage := (end + pageSize - 1) &^ (pageSize - 1)
	if endPage > uintptr(len(r.Data)) {
		endPage = uintptr(len(r.Data))
	}
	if start >= endPage {
		Fence()
		return
	}
	if err := unix.Msync(r.Data[start:endPage], unix.MS_SYNC); err != nil {
		log.WithError(err).Warn("msync failed")
	}
	Fence()
}

var fenceGuard uint32

// Fence issues a store-release memory barrier. Go's memory model
// guarantees every goroutine-visible effect prior to an atomic store is
// visible to a goroutine that later observes that store, which is all
// the ordering the commit/rollback state machine needs
// around Persist calls.
func Fence() {
	atomic.AddUint32(&fenceGuard, 1)
}

// FlushRange is an alias for call sites that flush a range without also
// needing the fence-only Persist name; it has the same contract as
// Persist.
func FlushRange(ptr unsafe.Pointer, size uintptr) {
	Persist(ptr, size)
}
