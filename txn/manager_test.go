package txn

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/common/testutil"
	"github.com/nebari-go/nebari/filemgr"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "_transactions")
	mgr, err := Open(filemgr.New(), path)
	require.NoError(t, err)
	return mgr, path
}

func TestPushAllocatesMonotonicIDs(t *testing.T) {
	m, _ := newTestManager(t)

	id1, err := m.Push([][]byte{[]byte("tree-a")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id1)

	id2, err := m.Push([][]byte{[]byte("tree-a"), []byte("tree-b")})
	require.NoError(t, err)
	require.Equal(t, uint64(2), id2)

	require.Equal(t, uint64(2), m.CurrentTransactionID())
}

func TestReopenReplaysLastTransactionID(t *testing.T) {
	mgrFiles := filemgr.New()
	dir := testutil.TempDir(t)
	path := filepath.Join(dir, "_transactions")

	m1, err := Open(mgrFiles, path)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := m1.Push([][]byte{[]byte("tree-a")})
		require.NoError(t, err)
	}

	m2, err := Open(filemgr.New(), path)
	require.NoError(t, err)
	require.Equal(t, uint64(5), m2.CurrentTransactionID())

	next, err := m2.Push([][]byte{[]byte("tree-a")})
	require.NoError(t, err)
	require.Equal(t, uint64(6), next)
}

func TestReserveIsExclusivePerName(t *testing.T) {
	m, _ := newTestManager(t)

	release, err := m.Reserve([][]byte{[]byte("tree-a")})
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := m.Reserve([][]byte{[]byte("tree-a")})
		require.NoError(t, err)
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second reservation acquired tree-a while first still held it")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second reservation never acquired tree-a after release")
	}
}

func TestReserveDisjointNamesDoNotBlock(t *testing.T) {
	m, _ := newTestManager(t)

	releaseA, err := m.Reserve([][]byte{[]byte("tree-a")})
	require.NoError(t, err)
	defer releaseA()

	done := make(chan struct{})
	go func() {
		r, err := m.Reserve([][]byte{[]byte("tree-b")})
		require.NoError(t, err)
		r()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disjoint reservation blocked unnecessarily")
	}
}

func TestReserveOverlappingSetsSerialize(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var order []int
	var holders, maxHolders int
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			release, err := m.Reserve([][]byte{[]byte("shared"), []byte("only-" + string(rune('a'+i)))})
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			holders++
			if holders > maxHolders {
				maxHolders = holders
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			release()
		}(i)
	}
	wg.Wait()
	require.Len(t, order, 4)
	require.Equal(t, 1, maxHolders, "overlapping reservations must never be held at the same time")
}
