package transaction

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// On-disk journal slot layout (all little-endian, matching the pool
// header's own byte order):
//
//	offset 0: state uint32
//	offset 4: used uint32 // number of valid entries
//	offset 8: reserved uint64
//	offset 16: id [16]byte // uuid identifying this slot across reopens,
//	 // read back by JournalPool.initSlot so chaperon.Recover's
//	 // participant matching survives a crash
//	offset 32: entries[capacity], entrySize bytes each
//
// Each entry:
//
//	[0:1] kind uint8
//	[1:8] - padding
//	[8:16] ptr uint64 // DataLog: absolute file offset of the original data.
//	 // RefCountDec/RefCountInc: file offset of the counter.
//	[16:24] payload uint64 // DataLog: file offset of the snapshot copy.
//	 // DropOnCommit/DropOnAbort: the allocator
//	 // offset being reclaimed.
//	[24:32] size uint64
//	[32:40] notifier uint64 // file offset of a flag word, 0 = none
const (
	slotHeaderSize = 32
	entrySize      = 40
)

type entryKind uint8

const (
	kindData         entryKind = iota
	kindDropOnCommit
	kindDropOnAbort
	kindRefCountDec
	kindRefCountInc
	kindNotifier
)

func slotSize(capacity int) uint64 {
	return uint64(slotHeaderSize + capacity*entrySize)
}

func decodeState(slot []byte) State { return State(binary.LittleEndian.Uint32(slot[0:4])) }
func encodeState(slot []byte, s State) {
	binary.LittleEndian.PutUint32(slot[0:4], uint32(s))
}

func decodeUsed(slot []byte) int { return int(binary.LittleEndian.Uint32(slot[4:8])) }
func encodeUsed(slot []byte, used int) {
	binary.LittleEndian.PutUint32(slot[4:8], uint32(used))
}

func decodeID(slot []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], slot[16:32])
	return id
}
func encodeID(slot []byte, id uuid.UUID) {
	copy(slot[16:32], id[:])
}

type rawEntry struct {
	kind     entryKind
	ptr      uint64
	payload  uint64
	size     uint64
	notifier uint64
}

func entryBytes(slot []byte, i int) []byte {
	off := slotHeaderSize + i*entrySize
	return slot[off : off+entrySize]
}

func decodeEntry(slot []byte, i int) rawEntry {
	b := entryBytes(slot, i)
	return rawEntry{
		kind: entryKind(b[0]),
		ptr: binary.LittleEndian.Uint64(b[8:16]),
		payload: binary.LittleEndian.Uint64(b[16:24]),
		size: binary.LittleEndian.Uint64(b[24:32]),
		notifier: binary.LittleEndian.Uint64(b[32:40]),
	}
}

func encodeEntry(slot []byte, i int, e rawEntry) {
	b := entryBytes(slot, i)
	b[0] = byte(e.kind)
	binary.LittleEndian.PutUint64(b[8:16], e.ptr)
	binary.LittleEndian.PutUint64(b[16:24], e.payload)
	binary.LittleEndian.PutUint64(b[24:32], e.size)
	binary.LittleEndian.PutUint64(b[32:40], e.notifier)
}
