// Package bench is the benchmark harness: key generation, latency
// histograms, and batch-size sweeps over insert/get/scan, wired to
// cmd/nebari's bench subcommand.
//
// Adapted from common/benchmark/keygen.go and common/benchmark/metrics.go,
// retargeted at roots.Tree instead of common.StorageEngine, plus new
// batch-size sweep entries (BenchmarkInsert/BenchmarkGet/BenchmarkScan)
// matching the throughput-across-batch-sizes shape of nebari-bench.rs.
package bench

import (
	"encoding/binary"
	"fmt"
	mrand "math/rand"
	"sync/atomic"
)

// KeyDistribution selects how generated keys are spread across the
// keyspace.
type KeyDistribution string

const (
	DistUniform    KeyDistribution = "uniform"
	DistZipfian    KeyDistribution = "zipfian"
	DistSequential KeyDistribution = "sequential"
)

// KeyGenerator produces fixed-size keys in one of the distributions above.
type KeyGenerator struct {
	numKeys      int
	keySize      int
	distribution KeyDistribution
	rng          *mrand.Rand
	zipf         *mrand.Zipf
	seqCounter   atomic.Int64
}

func NewKeyGenerator(numKeys, keySize int, distribution KeyDistribution, seed int64) *KeyGenerator {
	rng := mrand.New(mrand.NewSource(seed))
	kg := &KeyGenerator{numKeys: numKeys, keySize: keySize, distribution: distribution, rng: rng}
	if distribution == DistZipfian {
		kg.zipf = mrand.NewZipf(rng, 1.1, 1, uint64(numKeys))
	}
	return kg
}

func (kg *KeyGenerator) NextKey() []byte {
	var keyNum int
	switch kg.distribution {
	case DistZipfian:
		keyNum = int(kg.zipf.Uint64())
	case DistSequential:
		keyNum = int(kg.seqCounter.Add(1) % int64(kg.numKeys))
	default:
		keyNum = kg.rng.Intn(kg.numKeys)
	}
	return kg.formatKey(keyNum)
}

func (kg *KeyGenerator) GenerateSequential(n int) []byte {
	return kg.formatKey(n)
}

func (kg *KeyGenerator) formatKey(n int) []byte {
	key := fmt.Sprintf("key%010d", n)
	if len(key) >= kg.keySize {
		return []byte(key)[:kg.keySize]
	}
	padding := make([]byte, kg.keySize-len(key))
	if len(padding) >= 8 {
		binary.LittleEndian.PutUint64(padding, uint64(n))
	} else {
		for i := range padding {
			padding[i] = byte(n + i)
		}
	}
	return append([]byte(key), padding...)
}
