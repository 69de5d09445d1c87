// Command bench drives an in-process database with put, get and
// vector-search workloads and prints latency summaries.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"vexdb"
	"vexdb/pkg/config"
	"vexdb/pkg/txn"
)

type BenchmarkResult struct {
	TotalOps      int
	SuccessfulOps int
	FailedOps     int
	Duration      time.Duration
	OpsPerSec     float64
	AvgLatency    time.Duration
	MinLatency    time.Duration
	MaxLatency    time.Duration
}

func main() {
	dir := flag.String("dir", "", "data directory (default: a temp dir, removed afterwards)")
	ops := flag.Int("ops", 10000, "operations per workload")
	concurrency := flag.Int("concurrency", 8, "concurrent workers")
	dim := flag.Int("dim", 128, "vector dimension")
	vectors := flag.Int("vectors", 5000, "vectors to index before searching")
	flag.Parse()

	dataDir := *dir
	if dataDir == "" {
		tmp, err := os.MkdirTemp("", "vexdb-bench-")
		if err != nil {
			fmt.Println("ERROR:", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmp)
		dataDir = tmp
	}

	cfg := config.Default().DB
	cfg.DataDir = dataDir
	cfg.WAL.SyncEveryCommit = false
	cfg.Vector = []config.VectorIndexConfig{{
		Name:           "bench",
		KeyPrefix:      "vec/",
		Dimension:      *dim,
		Metric:         "cosine",
		Kind:           "hnsw",
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
	}}

	db, err := vexdb.Open(cfg)
	if err != nil {
		fmt.Println("ERROR:", err)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Println("=== vexdb benchmark ===")
	fmt.Printf("dir=%s ops=%d concurrency=%d dim=%d\n\n", dataDir, *ops, *concurrency, *dim)

	fmt.Printf("Workload 1: puts (%d ops, %d workers)\n", *ops, *concurrency)
	printResult("puts", runWorkload(*ops, *concurrency, func(i int) error {
		key := fmt.Sprintf("kv/%08d", i)
		return db.Put([]byte(key), []byte(fmt.Sprintf("value-%d", i)))
	}))

	fmt.Printf("\nWorkload 2: gets (%d ops, %d workers)\n", *ops, *concurrency)
	printResult("gets", runWorkload(*ops, *concurrency, func(i int) error {
		key := fmt.Sprintf("kv/%08d", i%*ops)
		_, _, err := db.Get([]byte(key))
		return err
	}))

	fmt.Printf("\nWorkload 3: transactional read-modify-write (%d ops, %d workers)\n", *ops, *concurrency)
	printResult("txns", runWorkload(*ops, *concurrency, func(i int) error {
		return db.Update(func(t *txn.Txn) error {
			key := []byte(fmt.Sprintf("ctr/%04d", i%256))
			val, _, err := t.Get(key)
			if err != nil {
				return err
			}
			return t.Put(key, append(val, byte(i)))
		})
	}))

	fmt.Printf("\nIndexing %d vectors\n", *vectors)
	rng := rand.New(rand.NewSource(42))
	queries := make([][]float32, 0, 64)
	printResult("vector puts", runWorkload(*vectors, 1, func(i int) error {
		vec := randomVec(rng, *dim)
		if len(queries) < cap(queries) {
			queries = append(queries, vec)
		}
		return db.PutVector([]byte(fmt.Sprintf("vec/%08d", i)), vec)
	}))

	fmt.Printf("\nWorkload 4: vector searches (%d ops, %d workers, k=10)\n", *ops, *concurrency)
	printResult("searches", runWorkload(*ops, *concurrency, func(i int) error {
		_, err := db.VectorSearch("bench", queries[i%len(queries)], 10, nil)
		return err
	}))

	fmt.Println("\n=== benchmark complete ===")
}

func randomVec(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

// runWorkload spreads totalOps across workers and aggregates latencies.
func runWorkload(totalOps, concurrency int, op func(i int) error) BenchmarkResult {
	if concurrency < 1 {
		concurrency = 1
	}
	start := time.Now()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	successful, failed := 0, 0
	var totalLatency time.Duration
	minLatency := time.Duration(1<<63 - 1)
	var maxLatency time.Duration

	perWorker := totalOps / concurrency
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			lo := worker * perWorker
			hi := lo + perWorker
			if worker == concurrency-1 {
				hi = totalOps
			}
			for i := lo; i < hi; i++ {
				opStart := time.Now()
				err := op(i)
				latency := time.Since(opStart)

				mu.Lock()
				if err != nil {
					failed++
				} else {
					successful++
				}
				totalLatency += latency
				if latency < minLatency {
					minLatency = latency
				}
				if latency > maxLatency {
					maxLatency = latency
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	duration := time.Since(start)
	result := BenchmarkResult{
		TotalOps:      totalOps,
		SuccessfulOps: successful,
		FailedOps:     failed,
		Duration:      duration,
		MinLatency:    minLatency,
		MaxLatency:    maxLatency,
	}
	if totalOps > 0 {
		result.AvgLatency = totalLatency / time.Duration(totalOps)
		result.OpsPerSec = float64(totalOps) / duration.Seconds()
	}
	return result
}

func printResult(name string, r BenchmarkResult) {
	fmt.Printf("  %s: %d ops in %v (%.0f ops/sec)\n", name, r.TotalOps, r.Duration.Round(time.Millisecond), r.OpsPerSec)
	fmt.Printf("  latency avg=%v min=%v max=%v failed=%d\n", r.AvgLatency, r.MinLatency, r.MaxLatency, r.FailedOps)
}
