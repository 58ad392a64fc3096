package chaperon

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/vaultmem/pmstore/transaction"
)

// Recoverable is the narrow view of a pool.Pool[R] chaperon.Recover
// needs, independent of the pool's root type.
type Recoverable interface {
	Journals() *transaction.JournalPool
}

// Recover resolves every journal left in StatePrepared across pools
// after a crash that landed between a chaperon session's prepare and
// commit phases. It reads the coordinator file at path: if it recorded
// a commit, matching prepared journals are finished; otherwise (no
// recorded outcome, or an explicit abort) they are rolled back. Call
// this once per coordinator path, after opening every pool that might
// have participated in a session recorded there, before doing anything
// else with them.
func Recover(path string, pools...Recoverable) error {
	st, err := readState(path)
	if err != nil {
		return fmt.Errorf("chaperon: recover: %v", err)
	}
	if st.SessionID == "" {
		return nil
	}
	commit := st.Outcome == outcomeCommitted

	for _, p := range pools {
		for _, j := range p.Journals().PreparedJournals() {
			if !participates(st, j.ID()) {
				continue
			}
			if commit {
				if err := j.FinishPrepared(); err != nil {
					log.WithError(err).Error("chaperon: recover: finishing prepared journal")
				}
			} else if err := j.Abort(); err != nil {
				log.WithError(err).Error("chaperon: recover: aborting prepared journal")
			}
		}
	}
	return nil
}

func participates(st coordinatorState, id uuid.UUID) bool {
	for _, p := range st.Participants {
		if p == id.String() {
			return true
		}
	}
	return false
}
