// Package metrics exposes the Prometheus counters and histograms nebari-go
// updates from the transaction manager and the roots façade.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransactionsCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_transactions_committed_total",
			Help: "Total number of transactions successfully pushed to the log.",
		},
	)

	TransactionsRolledBackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_transactions_rolled_back_total",
			Help: "Total number of transactions dropped without committing.",
		},
	)

	TreeCommitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebari_tree_commit_seconds",
			Help:    "Time to serialize and flush a single tree's dirty nodes.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tree"},
	)

	ChunkCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_chunk_cache_hits_total",
			Help: "Total number of chunk cache lookups that found an entry.",
		},
	)

	ChunkCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_chunk_cache_misses_total",
			Help: "Total number of chunk cache lookups that missed.",
		},
	)

	ChunkCacheEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_chunk_cache_evictions_total",
			Help: "Total number of entries evicted from the chunk cache.",
		},
	)

	DataIntegrityErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nebari_data_integrity_errors_total",
			Help: "Total number of CRC or corruption errors observed on read.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TransactionsCommittedTotal,
		TransactionsRolledBackTotal,
		TreeCommitDuration,
		ChunkCacheHitsTotal,
		ChunkCacheMissesTotal,
		ChunkCacheEvictionsTotal,
		DataIntegrityErrorsTotal,
	)
}

// Handler returns the Prometheus scrape handler for wiring into an HTTP mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing a commit and recording it to a
// histogram vec keyed by tree name.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) ObserveTree(tree string) {
	TreeCommitDuration.WithLabelValues(tree).Observe(time.Since(t.start).Seconds())
}
