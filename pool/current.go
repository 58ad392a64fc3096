package pool

import (
	"github.com/jtolds/gls"

	"github.com/vaultmem/pmstore/transaction"
)

// glsMgr backs the goroutine-local "current journal" convenience: code
// deep inside a call tree started by Pool.Transaction can fetch the
// journal it's running under without threading it through every
// signature, layered on top of (not replacing) the explicit-journal
// API transaction.Journal itself exposes.
var glsMgr = gls.NewContextManager()

const glsJournalKey = "pmstore.journal"

func withJournal(j *transaction.Journal, f func()) {
	glsMgr.SetValues(gls.Values{glsJournalKey: j}, f)
}

// CurrentJournal returns the journal the calling goroutine is running
// under, set by an enclosing Pool.Transaction, or (nil, false) outside
// of one.
func CurrentJournal() (*transaction.Journal, bool) {
	v, ok := glsMgr.GetValue(glsJournalKey)
	if !ok {
		return nil, false
	}
	j, ok := v.(*transaction.Journal)
	return j, ok
}
