package btreeengine

import (
	"fmt"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/chunkstore"
	"github.com/nebari-go/nebari/common/testutil"
	"github.com/nebari-go/nebari/filemgr"
	"github.com/nebari-go/nebari/nebarierr"
	"github.com/nebari-go/nebari/serial"
	"github.com/nebari-go/nebari/vault"
)

// testIndex is a minimal Index: a document position, mirroring the
// simplest variant a real tree (UnversionedIndex) would define.
type testIndex struct {
	position uint64
}

func (i testIndex) Serialize(w *serial.Writer) { w.WriteUint64(i.position) }

func decodeTestIndex(r *serial.Reader) (testIndex, error) {
	v, err := r.ReadUint64()
	return testIndex{position: v}, err
}

// testStats counts entries in a subtree, mirroring BySequenceStats.
type testStats struct {
	count uint64
}

func (s testStats) Serialize(w *serial.Writer) { w.WriteUint64(s.count) }

func decodeTestStats(r *serial.Reader) (testStats, error) {
	v, err := r.ReadUint64()
	return testStats{count: v}, err
}

func reduceTest(indexes []testIndex) testStats { return testStats{count: uint64(len(indexes))} }
func rereduceTest(stats []testStats) testStats {
	var total uint64
	for _, s := range stats {
		total += s.count
	}
	return testStats{count: total}
}

func newTestStore(t *testing.T, pageSize int) *chunkstore.Store {
	t.Helper()
	dir := testutil.TempDir(t)
	mgr := filemgr.New()
	handle, err := mgr.Append(filepath.Join(dir, "tree.nebari"))
	require.NoError(t, err)
	store, err := chunkstore.Open(handle, pageSize, vault.None{}, chunkstore.NewCache(256, 1<<20), 1<<20)
	require.NoError(t, err)
	return store
}

func newTestTree(t *testing.T, order int) *BTree[testIndex, testStats] {
	store := newTestStore(t, chunkstore.DefaultPageSize)
	return New(store, order, decodeTestIndex, decodeTestStats, reduceTest, rereduceTest)
}

func keyFor(i int) []byte { return []byte(fmt.Sprintf("key%05d", i)) }

func TestSetAndGetBasic(t *testing.T) {
	tree := newTestTree(t, DefaultOrder)

	require.NoError(t, tree.Set([]byte("a"), testIndex{position: 1}))
	require.NoError(t, tree.Set([]byte("b"), testIndex{position: 2}))

	v, ok, err := tree.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), v.position)

	_, ok, err = tree.Get([]byte("missing"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetTriggersSplitAndStaysQueryable(t *testing.T) {
	tree := newTestTree(t, 8) // small order forces several splits

	const numKeys = 500
	for i := 0; i < numKeys; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}

	for i := 0; i < numKeys; i++ {
		v, ok, err := tree.Get(keyFor(i))
		require.NoError(t, err)
		require.True(t, ok, "key%05d should be present", i)
		require.Equal(t, uint64(i), v.position)
	}

	last, _, found, err := tree.Last()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, keyFor(numKeys-1), last)
}

func TestRemoveDeletesKey(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}

	removed, existed, err := tree.Remove(keyFor(50))
	require.NoError(t, err)
	require.True(t, existed)
	require.Equal(t, uint64(50), removed.position)

	_, ok, err := tree.Get(keyFor(50))
	require.NoError(t, err)
	require.False(t, ok)

	// Neighboring keys survive.
	_, ok, err = tree.Get(keyFor(49))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompareAndSwapConflict(t *testing.T) {
	tree := newTestTree(t, DefaultOrder)
	require.NoError(t, tree.Set([]byte("k"), testIndex{position: 1}))

	wrong := testIndex{position: 999}
	err := tree.CompareAndSwap([]byte("k"), &wrong, testIndex{position: 2})
	require.Error(t, err)
	_, ok := nebarierr.IsConflict(err)
	require.True(t, ok)

	right := testIndex{position: 1}
	require.NoError(t, tree.CompareAndSwap([]byte("k"), &right, testIndex{position: 2}))

	v, _, err := tree.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), v.position)
}

func TestCompareAndSwapRequiresAbsence(t *testing.T) {
	tree := newTestTree(t, DefaultOrder)
	require.NoError(t, tree.Set([]byte("k"), testIndex{position: 1}))

	err := tree.CompareAndSwap([]byte("k"), nil, testIndex{position: 2})
	require.Error(t, err)

	require.NoError(t, tree.CompareAndSwap([]byte("new-key"), nil, testIndex{position: 3}))
	v, ok, err := tree.Get([]byte("new-key"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), v.position)
}

func TestCommitAndReload(t *testing.T) {
	store := newTestStore(t, chunkstore.DefaultPageSize)
	tree := New(store, 8, decodeTestIndex, decodeTestStats, reduceTest, rereduceTest)

	const numKeys = 300
	for i := 0; i < numKeys; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}
	pos, err := tree.Commit(true)
	require.NoError(t, err)
	require.NoError(t, store.Flush())
	require.NotZero(t, pos)

	reloaded, err := Load(store, 8, pos, decodeTestIndex, decodeTestStats, reduceTest, rereduceTest)
	require.NoError(t, err)

	for i := 0; i < numKeys; i++ {
		v, ok, err := reloaded.Get(keyFor(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i), v.position)
	}
}

func TestScanInOrderWithRangeBounds(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}

	lower, upper := keyFor(20), keyFor(30)
	var got []string
	err := tree.Scan(func(key []byte) KeyEvaluation {
		switch {
		case string(key) < string(lower):
			return EvalSkip
		case string(key) > string(upper):
			return EvalStop
		default:
			return EvalRead
		}
	}, func(key []byte, value testIndex) (bool, error) {
		got = append(got, string(key))
		return true, nil
	}, true)
	require.NoError(t, err)
	require.True(t, sort.StringsAreSorted(got))
	require.Equal(t, 11, len(got)) // keys 20..30 inclusive
}

func TestCompactionPreservesData(t *testing.T) {
	tree := newTestTree(t, 8)
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}

	destDir := testutil.TempDir(t)
	mgr := filemgr.New()
	destHandle, err := mgr.Append(filepath.Join(destDir, "compacted.nebari"))
	require.NoError(t, err)
	dest, err := chunkstore.Open(destHandle, chunkstore.DefaultPageSize, vault.None{}, chunkstore.NewCache(256, 1<<20), 1<<20)
	require.NoError(t, err)

	pos, err := tree.Compact(dest)
	require.NoError(t, err)
	require.NoError(t, dest.Flush())

	reloaded, err := Load(dest, 8, pos, decodeTestIndex, decodeTestStats, reduceTest, rereduceTest)
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		v, ok, err := reloaded.Get(keyFor(i))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(i), v.position)
	}
}

func TestGetMultiple(t *testing.T) {
	tree := newTestTree(t, DefaultOrder)
	for i := 0; i < 10; i++ {
		require.NoError(t, tree.Set(keyFor(i), testIndex{position: uint64(i)}))
	}

	results, err := tree.GetMultiple([][]byte{keyFor(2), keyFor(5), keyFor(999)})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, uint64(2), results[string(keyFor(2))].position)
}

