package pool

import "encoding/binary"

// Byte layout of the pool file header. HeaderSize reserves a full page
// so the journal region that follows starts page-aligned; the arena
// starts directly after the journal region, which is not a whole
// number of pages.
const (
	offMagic        = 0x0000
	magicLen        = 16
	offVersion      = 0x0010
	offFlags        = 0x0014
	offTotalLength  = 0x0018
	offArenaOffset  = 0x0020
	offRootOffset   = 0x0028
	offFPHi         = 0x0030
	offFPLo         = 0x0038
	offGeneration   = 0x0040
	offJournalHead  = 0x0048
	offChaperonSlot = 0x0050
	offFreeAnchors  = 0x0058
	freeAnchorsLen  = 32

	HeaderSize      = 4096
	FormatVer       = 1
	magicString     = "CRNDM-POOL-v001\x00"
)

// header is a thin accessor over the live header bytes of a mapped
// pool file; every method reads or writes straight through to the
// mapping, so there is no separate "dirty" copy to synchronize.
type header struct {
	b []byte // len == HeaderSize
}

func newHeader(b []byte) header { return header{b: b[:HeaderSize]} }

func (h header) magicOK() bool {
	return string(h.b[offMagic:offMagic+magicLen]) == magicString
}

func (h header) writeMagic() {
	copy(h.b[offMagic:offMagic+magicLen], magicString)
}

func (h header) version() uint32 { return binary.LittleEndian.Uint32(h.b[offVersion:]) }
func (h header) setVersion(v uint32) { binary.LittleEndian.PutUint32(h.b[offVersion:], v) }

func (h header) flags() uint32 { return binary.LittleEndian.Uint32(h.b[offFlags:]) }
func (h header) setFlags(f uint32) { binary.LittleEndian.PutUint32(h.b[offFlags:], f) }

func (h header) totalLength() uint64 { return binary.LittleEndian.Uint64(h.b[offTotalLength:]) }
func (h header) setTotalLength(v uint64) { binary.LittleEndian.PutUint64(h.b[offTotalLength:], v) }

func (h header) arenaOffset() uint64 { return binary.LittleEndian.Uint64(h.b[offArenaOffset:]) }
func (h header) setArenaOffset(v uint64) { binary.LittleEndian.PutUint64(h.b[offArenaOffset:], v) }

func (h header) rootOffset() uint64 { return binary.LittleEndian.Uint64(h.b[offRootOffset:]) }
func (h header) setRootOffset(v uint64) { binary.LittleEndian.PutUint64(h.b[offRootOffset:], v) }

func (h header) fingerprint() (hi, lo uint64) {
	return binary.LittleEndian.Uint64(h.b[offFPHi:]), binary.LittleEndian.Uint64(h.b[offFPLo:])
}
func (h header) setFingerprint(hi, lo uint64) {
	binary.LittleEndian.PutUint64(h.b[offFPHi:], hi)
	binary.LittleEndian.PutUint64(h.b[offFPLo:], lo)
}

func (h header) generation() uint64 { return binary.LittleEndian.Uint64(h.b[offGeneration:]) }
func (h header) setGeneration(v uint64) { binary.LittleEndian.PutUint64(h.b[offGeneration:], v) }

func (h header) journalHead() uint64 { return binary.LittleEndian.Uint64(h.b[offJournalHead:]) }
func (h header) setJournalHead(v uint64) { binary.LittleEndian.PutUint64(h.b[offJournalHead:], v) }

func (h header) chaperonSlot() uint64 { return binary.LittleEndian.Uint64(h.b[offChaperonSlot:]) }
func (h header) setChaperonSlot(v uint64) { binary.LittleEndian.PutUint64(h.b[offChaperonSlot:], v) }

// freeAnchors returns a decoded copy of the free_anchors[32] table;
// writes to the returned slice do not reach the mapped file.
func (h header) freeAnchors() []uint64 {
	base := offFreeAnchors
	out := make([]uint64, freeAnchorsLen)
	// A copy via a manual little-endian view: we cannot return a
	// []uint64 that aliases h.b without unsafe, and buddy.New requires
	// a live-aliased slice, so the alias is built in pool.go
	// (anchorsAlias) via unsafe.Slice over this exact byte range; this
	// helper only documents the offset math.
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(h.b[base+i*8:])
	}
	return out
}
