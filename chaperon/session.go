// Package chaperon implements the cross-pool two-phase commit
// coordinator: a durable coordinator file records which
// journals participate in a session and whether the session ultimately
// committed, so a crash between one pool's prepare and another's
// commit can be resolved consistently on reopen instead of leaving the
// pools disagreeing about the outcome.
package chaperon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	natomic "github.com/natefinch/atomic"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vaultmem/pmstore/perrors"
	"github.com/vaultmem/pmstore/transaction"
)

var log = logrus.WithField("component", "chaperon")

const (
	outcomePending   = "pending"
	outcomeCommitted = "committed"
	outcomeAborted   = "aborted"
)

// coordinatorState is the JSON document stored at a session's path.
// Rewritten atomically (via natefinch/atomic) on every transition so a
// reader never observes a half-written file.
type coordinatorState struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
	Outcome      string   `json:"outcome"`
}

func readState(path string) (coordinatorState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return coordinatorState{}, nil
		}
		return coordinatorState{}, err
	}
	var st coordinatorState
	if err := json.Unmarshal(b, &st); err != nil {
		return coordinatorState{}, err
	}
	return st, nil
}

func writeState(path string, st coordinatorState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return natomic.WriteFile(path, bytes.NewReader(b))
}

// Session runs f under journals already begun by the caller (one per
// participating pool, via Pool.AcquireJournal), records their identity
// in the coordinator file before f runs any mutation, and drives every
// journal through the chaperon's local two-phase handshake: all
// prepare, the coordinator file is rewritten to record the commit
// decision, then all finish. If f returns an error, or any journal
// fails to prepare, every journal is rolled back instead and the
// coordinator file records the abort.
//
// Session returns after one attempt; a caller that wants
// retry-until-success wraps Session itself in its own loop.
func Session(path string, journals []*transaction.Journal, f func() error) error {
	if len(journals) == 0 {
		return fmt.Errorf("chaperon: session: no participants")
	}

	st := coordinatorState{SessionID: uuid.New().String(), Outcome: outcomePending}
	for _, j := range journals {
		st.Participants = append(st.Participants, j.ID().String())
	}
	if err := writeState(path, st); err != nil {
		abortAll(journals)
		return fmt.Errorf("chaperon: session: recording participants: %v", err)
	}

	if err := f(); err != nil {
		abortAll(journals)
		st.Outcome = outcomeAborted
		_ = writeState(path, st)
		return fmt.Errorf("%w: %v", perrors.ErrUserAbort, err)
	}

	for _, j := range journals {
		if err := j.Prepare(); err != nil {
			abortAll(journals)
			st.Outcome = outcomeAborted
			_ = writeState(path, st)
			return fmt.Errorf("chaperon: session: prepare: %w", err)
		}
	}

	st.Outcome = outcomeCommitted
	if err := writeState(path, st); err != nil {
		// Every journal is left Prepared; chaperon.Recover resolves them
		// from whatever coordinator state a later write manages to land.
		return fmt.Errorf("chaperon: session: recording commit: %v", err)
	}

	for _, j := range journals {
		if err := j.FinishPrepared(); err != nil {
			log.WithError(err).Error("chaperon: finishing prepared journal after commit recorded")
		}
	}
	return nil
}

func abortAll(journals []*transaction.Journal) {
	for _, j := range journals {
		if err := j.Abort(); err != nil {
			log.WithError(err).Error("chaperon: abort during session teardown")
		}
	}
}
