package roots

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/common/testutil"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/tree"
)

func newTestRoots(t *testing.T) *Roots {
	t.Helper()
	dir := testutil.TempDir(t)
	r, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestSetAndGetRoundTrip(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)

	require.NoError(t, tr.Set([]byte("a"), []byte("1")))
	require.NoError(t, tr.Set([]byte("b"), []byte("2")))

	v, ok, err := tr.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	_, ok, err = tr.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTransactionCommitIsVisibleAfterReopen(t *testing.T) {
	dir := testutil.TempDir(t)
	r, err := Open(dir, DefaultConfig())
	require.NoError(t, err)

	tr := r.Tree("widgets", tree.KindUnversioned)
	require.NoError(t, tr.Set([]byte("k"), []byte("v")))

	r2, err := Open(dir, DefaultConfig())
	require.NoError(t, err)
	tr2 := r2.Tree("widgets", tree.KindUnversioned)
	v, ok, err := tr2.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestMultiTreeTransactionCommitsAtomically(t *testing.T) {
	r := newTestRoots(t)

	txn, err := r.Begin(map[string]tree.Kind{
		"accounts": tree.KindUnversioned,
		"ledger":   tree.KindUnversioned,
	})
	require.NoError(t, err)

	require.NoError(t, txn.Tree("accounts").Set([]byte("alice"), []byte("90")))
	require.NoError(t, txn.Tree("ledger").Set([]byte("tx1"), []byte("debit alice 10")))
	require.NoError(t, txn.Commit())

	accounts := r.Tree("accounts", tree.KindUnversioned)
	v, ok, err := accounts.Get([]byte("alice"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("90"), v)

	ledger := r.Tree("ledger", tree.KindUnversioned)
	v, ok, err = ledger.Get([]byte("tx1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("debit alice 10"), v)
}

func TestTransactionRollbackDiscardsAllMutations(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)
	require.NoError(t, tr.Set([]byte("k"), []byte("original")))

	txn, err := r.Begin(map[string]tree.Kind{"widgets": tree.KindUnversioned})
	require.NoError(t, err)
	require.NoError(t, txn.Tree("widgets").Set([]byte("k"), []byte("changed")))
	require.NoError(t, txn.Tree("widgets").Set([]byte("new-key"), []byte("x")))
	txn.Rollback()

	v, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("original"), v)

	_, ok, err = tr.Get([]byte("new-key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRollbackAfterCommitIsNoop(t *testing.T) {
	r := newTestRoots(t)
	txn, err := r.Begin(map[string]tree.Kind{"widgets": tree.KindUnversioned})
	require.NoError(t, err)
	require.NoError(t, txn.Tree("widgets").Set([]byte("k"), []byte("v")))
	require.NoError(t, txn.Commit())

	txn.Rollback() // must not undo the already-committed write

	tr := r.Tree("widgets", tree.KindUnversioned)
	v, ok, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}

func TestCompareAndSwapConflictReturnsExisting(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)
	require.NoError(t, tr.Set([]byte("k"), []byte("v1")))

	err := tr.CompareAndSwap([]byte("k"), []byte("wrong"), true, []byte("v2"))
	require.Error(t, err)
	conflict, ok := nebarierr.IsConflict(err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), conflict.Existing)

	require.NoError(t, tr.CompareAndSwap([]byte("k"), []byte("v1"), true, []byte("v2")))
	v, _, err := tr.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), v)
}

func TestVersionedTreeAllocatesSequencesAndRecordsHistory(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("events", tree.KindVersioned)

	require.NoError(t, tr.Set([]byte("doc1"), []byte("v1")))
	require.NoError(t, tr.Set([]byte("doc2"), []byte("v1")))
	require.NoError(t, tr.Set([]byte("doc1"), []byte("v2")))
	_, _, err := tr.Remove([]byte("doc2"))
	require.NoError(t, err)

	seq, err := tr.CurrentSequenceID()
	require.NoError(t, err)
	require.Equal(t, uint64(4), seq)

	var seen []uint64
	var deletions int
	err = tr.History(0, func(seq uint64, entry tree.BySequenceIndex) (bool, error) {
		seen = append(seen, seq)
		if entry.Deleted {
			deletions++
		}
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3, 4}, seen)
	require.Equal(t, 1, deletions)

	v, ok, err := tr.Get([]byte("doc1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), v)

	_, ok, err = tr.Get([]byte("doc2"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScanRespectsKeyEvaluatorBounds(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, tr.Set([]byte(k), []byte(k)))
	}

	var got []string
	err := tr.Scan(func(key []byte) btreeengine.KeyEvaluation {
		switch string(key) {
		case "b", "c":
			return btreeengine.EvalRead
		case "d":
			return btreeengine.EvalStop
		default:
			return btreeengine.EvalSkip
		}
	}, func(key, value []byte) (bool, error) {
		got = append(got, string(key))
		return true, nil
	}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, got)
}

func TestDeleteTreeRemovesBackingFile(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)
	require.NoError(t, tr.Set([]byte("k"), []byte("v")))

	existed, err := r.DeleteTree("widgets")
	require.NoError(t, err)
	require.True(t, existed)

	fresh := r.Tree("widgets", tree.KindUnversioned)
	_, ok, err := fresh.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCompactPreservesLiveData(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("widgets", tree.KindUnversioned)
	for i := 0; i < 50; i++ {
		require.NoError(t, tr.Set([]byte{byte(i)}, []byte("value")))
	}
	for i := 0; i < 25; i++ {
		_, _, err := tr.Remove([]byte{byte(i)})
		require.NoError(t, err)
	}

	require.NoError(t, r.Compact("widgets"))

	for i := 0; i < 25; i++ {
		_, ok, err := tr.Get([]byte{byte(i)})
		require.NoError(t, err)
		require.False(t, ok)
	}
	for i := 25; i < 50; i++ {
		v, ok, err := tr.Get([]byte{byte(i)})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte("value"), v)
	}
}
