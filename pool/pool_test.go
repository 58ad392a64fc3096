package pool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vaultmem/pmstore/transaction"
)

type counterRoot struct {
	V uint64
}

func tempPoolPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.pool")
}

func TestOpenFormatsAndWritesRoot(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)

	root := p.Root()
	require.NotNil(t, root)
	require.Equal(t, uint64(0), root.V)

	err = p.Transaction(func(j *transaction.Journal) error {
		require.NoError(t, j.Log(&root.V))
		root.V = 42
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(42), root.V)
	require.NoError(t, p.Close())
}

func TestReopenObservesCommittedWrite(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)
	root := p.Root()
	require.NoError(t, p.Transaction(func(j *transaction.Journal) error {
		require.NoError(t, j.Log(&root.V))
		root.V = 42
		return nil
	}))
	require.NoError(t, p.Close())

	p2, err := Open[counterRoot](path, OExisting)
	require.NoError(t, err)
	require.Equal(t, uint64(42), p2.Root().V)
	require.NoError(t, p2.Close())
}

func TestPanicInTransactionRollsBack(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)
	root := p.Root()

	require.Panics(t, func() {
		_ = p.Transaction(func(j *transaction.Journal) error {
			require.NoError(t, j.Log(&root.V))
			root.V = 7
			panic("boom")
		})
	})
	require.Equal(t, uint64(0), root.V)
	require.NoError(t, p.Close())

	p2, err := Open[counterRoot](path, OExisting)
	require.NoError(t, err)
	require.Equal(t, uint64(0), p2.Root().V)
	require.NoError(t, p2.Close())
}

func TestUserErrorRollsBack(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)
	root := p.Root()

	boom := errBoom{}
	err = p.Transaction(func(j *transaction.Journal) error {
		require.NoError(t, j.Log(&root.V))
		root.V = 99
		return boom
	})
	require.Error(t, err)
	require.Equal(t, uint64(0), root.V)
	require.NoError(t, p.Close())
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestCloseRefusesWithOpenJournal(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)

	j := p.journals.Acquire(false)
	require.NoError(t, j.Begin())

	require.Error(t, p.Close())

	require.NoError(t, j.Abort())
	p.journals.Release(j)
	require.NoError(t, p.Close())
}

func TestCurrentJournalAvailableInsideTransaction(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)

	var sawJournal bool
	require.NoError(t, p.Transaction(func(j *transaction.Journal) error {
		cur, ok := CurrentJournal()
		sawJournal = ok && cur == j
		return nil
	}))
	require.True(t, sawJournal)
	require.NoError(t, p.Close())
}

func TestTypeMismatchOnReopen(t *testing.T) {
	path := tempPoolPath(t)
	p, err := Open[counterRoot](path, OCFNE)
	require.NoError(t, err)
	require.NoError(t, p.Close())

	type otherRoot struct{ A, B, C int64 }
	_, err = Open[otherRoot](path, OExisting)
	require.Error(t, err)
}
