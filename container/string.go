package container

import (
	"github.com/vaultmem/pmstore/transaction"
)

// String is a UTF-8 string backed by a Vector of bytes.
type String struct {
	bytes Vector[byte]
}

// Len returns the length in bytes.
func (s *String) Len() uint64 { return s.bytes.Len() }

// Value copies the string's current bytes out as a volatile Go string.
func (s *String) Value(sp transaction.Space) string {
	n := s.bytes.Len()
	buf := make([]byte, n)
	for i := uint64(0); i < n; i++ {
		buf[i] = s.bytes.Get(i, sp)
	}
	return string(buf)
}

// PushString appends str's bytes one at a time through Vector.Push, so
// each byte individually participates in the same growth/undo scheme
// as any other vector element.
func (s *String) PushString(str string, j *transaction.Journal) error {
	for i := 0; i < len(str); i++ {
		if err := s.bytes.Push(str[i], j); err != nil {
			return err
		}
	}
	return nil
}
