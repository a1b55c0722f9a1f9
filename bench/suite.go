package bench

import (
	"crypto/rand"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/nebari-go/nebari/btreeengine"
	"github.com/nebari-go/nebari/roots"
	"github.com/nebari-go/nebari/tree"
)

// Result is one batch-size data point: how long batchSize operations of a
// given kind took against a single tree.
type Result struct {
	Name      string
	BatchSize int
	Ops       int
	Duration  time.Duration
	OpsPerSec float64
	Latency   LatencyStats
}

// DefaultBatchSizes mirrors nebari-bench.rs's criterion groups, which sweep
// 1, 10, 100, and 1000 operations per batch.
var DefaultBatchSizes = []int{1, 10, 100, 1000}

// BenchmarkInsert measures Set throughput for each batch size, inserting
// batchSize fresh sequential keys per point.
func BenchmarkInsert(tr *roots.Tree, batchSizes []int, valueSize int, seed int64) ([]Result, error) {
	value := make([]byte, valueSize)
	rand.Read(value)

	results := make([]Result, 0, len(batchSizes))
	keyGen := NewKeyGenerator(1<<30, 16, DistSequential, seed)
	for _, n := range batchSizes {
		hist := NewLatencyHistogram()
		start := time.Now()
		for i := 0; i < n; i++ {
			key := keyGen.NextKey()
			opStart := time.Now()
			if err := tr.Set(key, value); err != nil {
				return nil, fmt.Errorf("insert batch %d: %w", n, err)
			}
			hist.Record(time.Since(opStart))
		}
		elapsed := time.Since(start)
		results = append(results, Result{
			Name:      "insert",
			BatchSize: n,
			Ops:       n,
			Duration:  elapsed,
			OpsPerSec: float64(n) / elapsed.Seconds(),
			Latency:   hist.Stats(),
		})
	}
	return results, nil
}

// BenchmarkGet preloads batchSize keys, then measures Get throughput
// reading them back in the same order.
func BenchmarkGet(tr *roots.Tree, batchSizes []int, valueSize int, seed int64) ([]Result, error) {
	value := make([]byte, valueSize)
	rand.Read(value)

	results := make([]Result, 0, len(batchSizes))
	for _, n := range batchSizes {
		keyGen := NewKeyGenerator(n, 16, DistSequential, seed)
		keys := make([][]byte, n)
		for i := 0; i < n; i++ {
			keys[i] = keyGen.GenerateSequential(i)
			if err := tr.Set(keys[i], value); err != nil {
				return nil, fmt.Errorf("preload for get batch %d: %w", n, err)
			}
		}

		hist := NewLatencyHistogram()
		start := time.Now()
		for _, key := range keys {
			opStart := time.Now()
			if _, _, err := tr.Get(key); err != nil {
				return nil, fmt.Errorf("get batch %d: %w", n, err)
			}
			hist.Record(time.Since(opStart))
		}
		elapsed := time.Since(start)
		results = append(results, Result{
			Name:      "get",
			BatchSize: n,
			Ops:       n,
			Duration:  elapsed,
			OpsPerSec: float64(n) / elapsed.Seconds(),
			Latency:   hist.Stats(),
		})
	}
	return results, nil
}

// BenchmarkScan preloads batchSize keys, then measures a single full scan
// over them. Ops is reported as batchSize (the number of entries read),
// matching how nebari-bench.rs reports scan throughput as rows/sec rather
// than scans/sec.
func BenchmarkScan(tr *roots.Tree, batchSizes []int, valueSize int, seed int64) ([]Result, error) {
	value := make([]byte, valueSize)
	rand.Read(value)

	results := make([]Result, 0, len(batchSizes))
	for _, n := range batchSizes {
		keyGen := NewKeyGenerator(n, 16, DistSequential, seed)
		for i := 0; i < n; i++ {
			if err := tr.Set(keyGen.GenerateSequential(i), value); err != nil {
				return nil, fmt.Errorf("preload for scan batch %d: %w", n, err)
			}
		}

		read := 0
		start := time.Now()
		err := tr.Scan(
			func([]byte) btreeengine.KeyEvaluation { return btreeengine.EvalRead },
			func(key, value []byte) (bool, error) {
				read++
				return true, nil
			},
			true,
		)
		if err != nil {
			return nil, fmt.Errorf("scan batch %d: %w", n, err)
		}
		elapsed := time.Since(start)
		results = append(results, Result{
			Name:      "scan",
			BatchSize: n,
			Ops:       read,
			Duration:  elapsed,
			OpsPerSec: float64(read) / elapsed.Seconds(),
		})
	}
	return results, nil
}

// RunAll executes Insert, Get, and Scan sweeps against freshly created
// trees in r, one per benchmark so results from one don't pollute another.
func RunAll(r *roots.Roots, batchSizes []int, valueSize int, seed int64) (map[string][]Result, error) {
	out := make(map[string][]Result, 3)

	insertResults, err := BenchmarkInsert(r.Tree("bench-insert", tree.KindUnversioned), batchSizes, valueSize, seed)
	if err != nil {
		return nil, err
	}
	out["insert"] = insertResults

	getResults, err := BenchmarkGet(r.Tree("bench-get", tree.KindUnversioned), batchSizes, valueSize, seed)
	if err != nil {
		return nil, err
	}
	out["get"] = getResults

	scanResults, err := BenchmarkScan(r.Tree("bench-scan", tree.KindUnversioned), batchSizes, valueSize, seed)
	if err != nil {
		return nil, err
	}
	out["scan"] = scanResults

	return out, nil
}

// PrintReport renders a results map as a column-aligned table, the same
// tabwriter-based layout the teacher's comparison suite prints.
func PrintReport(results map[string][]Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "benchmark\tbatch\tops/sec\tp50 (us)\tp99 (us)")
	for _, name := range []string{"insert", "get", "scan"} {
		for _, r := range results[name] {
			fmt.Fprintf(w, "%s\t%d\t%.0f\t%d\t%d\n",
				r.Name, r.BatchSize, r.OpsPerSec,
				r.Latency.P50.Microseconds(), r.Latency.P99.Microseconds())
		}
	}
	w.Flush()
}
