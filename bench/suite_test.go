package bench

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebari-go/nebari/common/testutil"
	"github.com/nebari-go/nebari/roots"
	"github.com/nebari-go/nebari/tree"
)

func newTestRoots(t *testing.T) *roots.Roots {
	t.Helper()
	dir := testutil.TempDir(t)
	r, err := roots.Open(dir, roots.DefaultConfig())
	require.NoError(t, err)
	return r
}

func TestRunAllProducesOnePointPerBatchSize(t *testing.T) {
	r := newTestRoots(t)
	batchSizes := []int{1, 4, 16}

	results, err := RunAll(r, batchSizes, 32, 1)
	require.NoError(t, err)

	for _, name := range []string{"insert", "get", "scan"} {
		require.Len(t, results[name], len(batchSizes))
		for i, size := range batchSizes {
			require.Equal(t, size, results[name][i].BatchSize)
			require.Positive(t, results[name][i].Ops)
		}
	}
}

func TestBenchmarkScanReadsEveryPreloadedKey(t *testing.T) {
	r := newTestRoots(t)
	tr := r.Tree("scan-target", tree.KindUnversioned)

	results, err := BenchmarkScan(tr, []int{10}, 16, 7)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, 10, results[0].Ops)
}
