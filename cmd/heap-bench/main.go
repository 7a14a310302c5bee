package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/flintdb/flint/pkg/catalog"
	"github.com/flintdb/flint/pkg/config"
	"github.com/flintdb/flint/pkg/engine"
)

const (
	defaultKeyCount  = 100000
	defaultCharWidth = 64
)

var (
	// Command line flags
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (insert, read, update, scan, lookup, churn, or all)")
	numKeys       = flag.Int("keys", defaultKeyCount, "Number of keys to use")
	charWidth     = flag.Int("char-width", defaultCharWidth, "Width of the char payload column in bytes")
	dataDir       = flag.String("data-dir", "./benchmark-data", "Directory to store benchmark data")
	codec         = flag.String("codec", "snappy", "Block compression codec (none, snappy, zstd, lz4)")
	flushBytes    = flag.Int64("flush-bytes", 1<<20, "MemTable flush threshold in bytes")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	memProfile    = flag.String("mem-profile", "", "Write memory profile to file")
	resultsFile   = flag.String("results", "", "File to write results to (in addition to stdout)")
)

func main() {
	flag.Parse()

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	// Remove any existing benchmark data before starting
	if _, err := os.Stat(*dataDir); err == nil {
		fmt.Println("Cleaning previous benchmark data...")
		if err := os.RemoveAll(*dataDir); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to clean benchmark directory: %v\n", err)
		}
	}
	if err := os.MkdirAll(*dataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create benchmark directory: %v\n", err)
		os.Exit(1)
	}

	cfg := config.NewDefaultConfig(*dataDir)
	cfg.CompressionCodec = *codec
	cfg.MemTableFlushBytes = *flushBytes

	e, err := engine.OpenWithConfig(*dataDir, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage engine: %v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	if err := setupTable(e); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create benchmark table: %v\n", err)
		os.Exit(1)
	}

	var results []string
	results = append(results, fmt.Sprintf("Benchmark Report (%s)", time.Now().Format(time.RFC3339)))
	results = append(results, fmt.Sprintf("Keys: %d, Char Width: %d bytes, Codec: %s, Flush: %d bytes",
		*numKeys, *charWidth, *codec, *flushBytes))

	types := strings.Split(*benchmarkType, ",")
	for _, typ := range types {
		switch strings.ToLower(typ) {
		case "insert":
			results = append(results, runInsertBenchmark(e))
		case "read":
			results = append(results, runReadBenchmark(e))
		case "update":
			results = append(results, runUpdateBenchmark(e))
		case "scan":
			results = append(results, runScanBenchmark(e))
		case "lookup":
			results = append(results, runLookupBenchmark(e))
		case "churn":
			results = append(results, runChurnBenchmark(e))
		case "all":
			results = append(results, runInsertBenchmark(e))
			results = append(results, runReadBenchmark(e))
			results = append(results, runUpdateBenchmark(e))
			results = append(results, runScanBenchmark(e))
			results = append(results, runLookupBenchmark(e))
			results = append(results, runChurnBenchmark(e))
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	results = append(results, statsReport(e))

	for _, result := range results {
		fmt.Println(result)
	}

	if *resultsFile != "" {
		err := os.WriteFile(*resultsFile, []byte(strings.Join(results, "\n")), 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create memory profile: %v\n", err)
		} else {
			defer f.Close()
			runtime.GC()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "Could not write memory profile: %v\n", err)
			}
		}
	}
}

const benchTable = "bench"

func setupTable(e *engine.Engine) error {
	schema := catalog.Schema{Columns: []catalog.Column{
		{Name: "id", Type: catalog.TypeInt64, PrimaryKey: true},
		{Name: "score", Type: catalog.TypeFloat64},
		{Name: "active", Type: catalog.TypeBool},
		{Name: "payload", Type: catalog.TypeChar, Length: *charWidth},
	}}
	if err := e.CreateTable(benchTable, schema); err != nil {
		return err
	}
	return e.CreateIndex(benchTable, "by_active", "active")
}

func benchRow(key int) []interface{} {
	payload := strings.Repeat("x", *charWidth/2)
	return []interface{}{int64(key), float64(key) * 1.5, key%2 == 0, payload}
}

// runInsertBenchmark measures sequential insert throughput.
func runInsertBenchmark(e *engine.Engine) string {
	fmt.Println("Running Insert Benchmark...")

	start := time.Now()
	var opsCount int
	for i := 0; i < *numKeys; i++ {
		if err := e.Insert(benchTable, benchRow(i)); err != nil {
			fmt.Fprintf(os.Stderr, "Insert error (key #%d): %v\n", i, err)
			break
		}
		opsCount++
	}

	elapsed := time.Since(start)
	return report("Insert", opsCount, elapsed)
}

// runReadBenchmark measures random point read throughput against the
// inserted keys.
func runReadBenchmark(e *engine.Engine) string {
	fmt.Println("Running Read Benchmark...")

	r := rand.New(rand.NewSource(42))
	start := time.Now()
	var opsCount, hits int
	for i := 0; i < *numKeys; i++ {
		key := int64(r.Intn(*numKeys))
		if _, err := e.Get(benchTable, key); err == nil {
			hits++
		} else if err != engine.ErrNotFound {
			fmt.Fprintf(os.Stderr, "Read error (key %d): %v\n", key, err)
			break
		}
		opsCount++
	}

	elapsed := time.Since(start)
	return report(fmt.Sprintf("Read (%d hits)", hits), opsCount, elapsed)
}

// runUpdateBenchmark rewrites every key once, building version chains.
func runUpdateBenchmark(e *engine.Engine) string {
	fmt.Println("Running Update Benchmark...")

	start := time.Now()
	var opsCount int
	for i := 0; i < *numKeys; i++ {
		row := benchRow(i)
		row[1] = float64(i) * 2.5
		if err := e.Update(benchTable, row); err != nil {
			fmt.Fprintf(os.Stderr, "Update error (key #%d): %v\n", i, err)
			break
		}
		opsCount++
	}

	elapsed := time.Since(start)
	return report("Update", opsCount, elapsed)
}

// runScanBenchmark measures full table scan throughput in rows per second.
func runScanBenchmark(e *engine.Engine) string {
	fmt.Println("Running Scan Benchmark...")

	start := time.Now()
	it, err := e.Scan(benchTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Scan error: %v\n", err)
		return "Scan: failed"
	}
	var rows int
	for it.Next() {
		rows++
	}
	it.Close()
	if err := it.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Scan error: %v\n", err)
		return "Scan: failed"
	}

	elapsed := time.Since(start)
	return report("Scan", rows, elapsed)
}

// runLookupBenchmark measures secondary index lookups.
func runLookupBenchmark(e *engine.Engine) string {
	fmt.Println("Running Lookup Benchmark...")

	const iterations = 100
	start := time.Now()
	var rows int
	for i := 0; i < iterations; i++ {
		matched, err := e.IndexLookup(benchTable, "by_active", i%2 == 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Lookup error: %v\n", err)
			return "Lookup: failed"
		}
		rows += len(matched)
	}

	elapsed := time.Since(start)
	return report(fmt.Sprintf("Lookup (%d rows)", rows), iterations, elapsed)
}

// runChurnBenchmark deletes and reinserts a slice of the keyspace to leave
// dead versions behind, then flushes so vacuum has something to reclaim.
func runChurnBenchmark(e *engine.Engine) string {
	fmt.Println("Running Churn Benchmark...")

	churn := *numKeys / 10
	if churn == 0 {
		churn = 1
	}

	start := time.Now()
	var opsCount int
	for i := 0; i < churn; i++ {
		if err := e.Delete(benchTable, int64(i)); err != nil {
			fmt.Fprintf(os.Stderr, "Delete error (key #%d): %v\n", i, err)
			break
		}
		if err := e.Insert(benchTable, benchRow(i)); err != nil {
			fmt.Fprintf(os.Stderr, "Reinsert error (key #%d): %v\n", i, err)
			break
		}
		opsCount += 2
	}
	if err := e.FlushAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Flush error: %v\n", err)
	}

	elapsed := time.Since(start)
	return report("Churn", opsCount, elapsed)
}

func report(name string, ops int, elapsed time.Duration) string {
	opsPerSec := float64(ops) / elapsed.Seconds()
	return fmt.Sprintf("%s: %d ops in %.2fs (%.2f ops/sec)", name, ops, elapsed.Seconds(), opsPerSec)
}

func statsReport(e *engine.Engine) string {
	var b strings.Builder
	b.WriteString("Engine Statistics:\n")
	for k, v := range e.Stats() {
		fmt.Fprintf(&b, "  %s: %v\n", k, v)
	}
	return strings.TrimRight(b.String(), "\n")
}
