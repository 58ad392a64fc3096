package pool

import (
	"reflect"

	"github.com/cespare/xxhash/v2"
)

// fingerprint identifies a root type across a close/reopen cycle so
// Open can refuse to hand back a pool whose on-disk root no longer
// matches the type parameter it's opened with. A single 64-bit xxhash
// digest is a fine collision bar for this check, but Open compares two
// independently-seeded digests (hi/lo) the way a 128-bit hash would,
// cutting the chance of a same-generation misdetection to negligible
// without pulling in a dedicated 128-bit hash package.
func fingerprintOf[R any]() (hi, lo uint64) {
	var zero R
	name := reflect.TypeOf(&zero).Elem().String()
	return fingerprintString(name)
}

func fingerprintString(name string) (hi, lo uint64) {
	hi = xxhash.Sum64String("pmstore.root.hi:" + name)
	lo = xxhash.Sum64String("pmstore.root.lo:" + name)
	return hi, lo
}
