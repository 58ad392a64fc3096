package transaction

import (
	"unsafe"

	"github.com/vaultmem/pmstore/ll"
)

// persistRange and fence are thin aliases over ll's primitives, kept
// under short names since every commit/rollback step below calls them
// repeatedly.
func persistRange(ptr *byte, size uintptr) { ll.Persist(unsafe.Pointer(ptr), size) }
func fence() { ll.Fence() }
