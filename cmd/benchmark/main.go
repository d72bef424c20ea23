package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/olekukonko/tablewriter"

	"github.com/tigrisdata/bbm/configuration"
	"github.com/tigrisdata/bbm/log"
	"github.com/tigrisdata/bbm/migrator/bbm"
	"github.com/tigrisdata/bbm/migrator/datastore"
	"github.com/tigrisdata/bbm/migrator/datastore/migrations"
	_ "github.com/tigrisdata/bbm/migrator/datastore/migrations/premigrations"
)

const (
	defaultRows       = 100_000
	defaultBatchSizes = "1000,10000"
	defaultIterations = 3
	defaultOutput     = "text"
	benchTable        = "bbm_benchmark"
)

// BenchmarkResult holds the results of a single benchmark run
type BenchmarkResult struct {
	Rows       int64         `json:"rows"`
	Batches    int           `json:"batches"`
	Duration   time.Duration `json:"duration_ns"`
	Throughput float64       `json:"throughput_rows_per_sec"`
}

// BatchSizeResults holds aggregated results for a specific batch size
type BatchSizeResults struct {
	BatchSize        int     `json:"batch_size"`
	Iterations       int     `json:"iterations"`
	MeanThroughput   float64 `json:"mean_throughput_rows_per_sec"`
	StdDevThroughput float64 `json:"std_dev_rows_per_sec"`
	MinThroughput    float64 `json:"min_throughput_rows_per_sec"`
	MaxThroughput    float64 `json:"max_throughput_rows_per_sec"`
	Durations        []int64 `json:"durations_ms"`
}

// BenchmarkOutput is the full output structure for JSON
type BenchmarkOutput struct {
	Database  string             `json:"database"`
	Rows      int64              `json:"rows"`
	Timestamp string             `json:"timestamp"`
	Results   []BatchSizeResults `json:"results"`
}

func main() {
	configPath := flag.String("config", os.Getenv("BBM_CONFIGURATION_PATH"), "Path to the bbm configuration file")
	rows := flag.Int64("rows", defaultRows, "Number of rows in the benchmark table")
	batchSizes := flag.String("batch-sizes", defaultBatchSizes, "Comma-separated batch sizes to test (e.g., 1000,10000)")
	iterations := flag.Int("iterations", defaultIterations, "Number of iterations per batch size")
	output := flag.String("output", defaultOutput, "Output format: text or json")
	flag.Parse()

	sizes, err := parseBatchSizes(*batchSizes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing batch sizes: %v\n", err)
		os.Exit(1)
	}

	if *output != "text" && *output != "json" {
		fmt.Fprintf(os.Stderr, "Invalid output format: %s (must be 'text' or 'json')\n", *output)
		os.Exit(1)
	}

	db, err := openDB(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx := context.Background()
	out := BenchmarkOutput{
		Database:  db.Address(),
		Rows:      *rows,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	fmt.Fprintf(os.Stderr, "Batched Background Migration Benchmark\n")
	fmt.Fprintf(os.Stderr, "======================================\n")
	fmt.Fprintf(os.Stderr, "Database: %s\n", out.Database)
	fmt.Fprintf(os.Stderr, "Rows: %d\n", *rows)
	fmt.Fprintf(os.Stderr, "Batch sizes: %v\n", sizes)
	fmt.Fprintf(os.Stderr, "Iterations: %d\n\n", *iterations)

	work, err := bbm.NewWorkMap(bbm.AllWork())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error registering work: %v\n", err)
		os.Exit(1)
	}
	m := bbm.NewManager(db, work, bbm.WithManagerLogger(log.GetLogger()))

	for _, size := range sizes {
		fmt.Fprintf(os.Stderr, "Testing batch size %d...\n", size)

		results := make([]BenchmarkResult, 0, *iterations)
		for i := 0; i < *iterations; i++ {
			result, err := benchmarkCopy(ctx, db, m, *rows, size, i)
			if err != nil {
				fmt.Fprintf(os.Stderr, "    Iteration %d failed: %v\n", i+1, err)
				continue
			}
			results = append(results, result)
			fmt.Fprintf(os.Stderr, "    Run %d: %.0f rows/s (%d batches, %.2fs)\n", i+1, result.Throughput, result.Batches, result.Duration.Seconds())
		}

		if len(results) > 0 {
			out.Results = append(out.Results, aggregateResults(size, results))
		}
		fmt.Fprintf(os.Stderr, "\n")
	}

	if *output == "json" {
		outputJSON(os.Stdout, out)
	} else {
		outputText(os.Stdout, out)
	}
}

func openDB(configPath string) (*datastore.DB, error) {
	if configPath == "" {
		return nil, errors.New("configuration path unspecified")
	}

	// nolint: gosec
	fp, err := os.Open(configPath)
	if err != nil {
		return nil, err
	}
	defer fp.Close()

	config, err := configuration.Parse(fp)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	db, err := datastore.Open(&datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		SSLCert:        config.Database.SSLCert,
		SSLKey:         config.Database.SSLKey,
		SSLRootCert:    config.Database.SSLRootCert,
		ConnectTimeout: config.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}

	pending, err := migrations.NewMigrator(db.DB).HasPending()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checking database migrations: %w", err)
	}
	if pending {
		_ = db.Close()
		return nil, errors.New("there are pending database migrations, run 'bbm migrate up' first")
	}

	return db, nil
}

// parseBatchSizes parses a comma-separated list of positive batch sizes like "1000,10000"
func parseBatchSizes(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	sizes := make([]int, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		n, err := strconv.Atoi(strings.ReplaceAll(part, "_", ""))
		if err != nil {
			return nil, fmt.Errorf("invalid batch size '%s': %w", part, err)
		}
		if n <= 0 {
			return nil, fmt.Errorf("invalid batch size '%s': must be positive", part)
		}
		sizes = append(sizes, n)
	}

	return sizes, nil
}

// prepareTable (re)creates the benchmark table holding rows rows whose dst column is empty
func prepareTable(ctx context.Context, db *datastore.DB, table string, rows int64) error {
	ident := pgx.Identifier{table}.Sanitize()
	stmts := []string{
		"DROP TABLE IF EXISTS " + ident,
		"CREATE TABLE " + ident + " (id bigint PRIMARY KEY, src text NOT NULL, dst text)",
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO "+ident+" (id, src) SELECT i, md5(i::text) FROM generate_series(1, $1::bigint) AS i", rows)
	return err
}

func dropTable(ctx context.Context, db *datastore.DB, table string) error {
	_, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+pgx.Identifier{table}.Sanitize())
	return err
}

// benchmarkCopy times copying the src column into dst for every row of a fresh table, one batch after the other
func benchmarkCopy(ctx context.Context, db *datastore.DB, m *bbm.Manager, rows int64, batchSize, iteration int) (BenchmarkResult, error) {
	if err := prepareTable(ctx, db, benchTable, rows); err != nil {
		return BenchmarkResult{}, fmt.Errorf("preparing table: %w", err)
	}
	defer func() {
		if err := dropTable(ctx, db, benchTable); err != nil {
			fmt.Fprintf(os.Stderr, "    Warning: cleanup failed: %v\n", err)
		}
	}()

	name := fmt.Sprintf("benchmark_copy_%d_%d", batchSize, iteration)
	bm, err := m.Queue(ctx, bbm.QueueOptions{
		Name:         name,
		JobName:      bbm.CopyColumnWorkName,
		Table:        benchTable,
		KeyColumns:   []string{"id"},
		JobArguments: bbm.CopyColumnArgs{From: "src", To: "dst"},
		BatchSize:    batchSize,
		SubBatchSize: batchSize,
	})
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("queueing migration: %w", err)
	}
	defer func() {
		if _, err := m.DeleteByName(ctx, bm.Name); err != nil {
			fmt.Fprintf(os.Stderr, "    Warning: cleanup failed: %v\n", err)
		}
	}()

	var batches int
	start := time.Now()
	err = m.Finalize(ctx, bm.Name, bbm.FinalizeOptions{
		Inline:   true,
		Progress: func(done, _ int) { batches = done },
	})
	duration := time.Since(start)
	if err != nil {
		return BenchmarkResult{}, fmt.Errorf("running migration: %w", err)
	}

	return BenchmarkResult{
		Rows:       rows,
		Batches:    batches,
		Duration:   duration,
		Throughput: float64(rows) / duration.Seconds(),
	}, nil
}

// aggregateResults aggregates multiple benchmark results into statistics
func aggregateResults(batchSize int, results []BenchmarkResult) BatchSizeResults {
	if len(results) == 0 {
		return BatchSizeResults{BatchSize: batchSize}
	}

	throughputs := make([]float64, len(results))
	durations := make([]int64, len(results))
	var sum float64
	minT := results[0].Throughput
	maxT := results[0].Throughput

	for i, r := range results {
		throughputs[i] = r.Throughput
		durations[i] = r.Duration.Milliseconds()
		sum += r.Throughput
		minT = min(minT, r.Throughput)
		maxT = max(maxT, r.Throughput)
	}

	mean := sum / float64(len(results))

	var variance float64
	for _, t := range throughputs {
		variance += (t - mean) * (t - mean)
	}
	variance /= float64(len(results))

	return BatchSizeResults{
		BatchSize:        batchSize,
		Iterations:       len(results),
		MeanThroughput:   mean,
		StdDevThroughput: math.Sqrt(variance),
		MinThroughput:    minT,
		MaxThroughput:    maxT,
		Durations:        durations,
	}
}

func outputJSON(w io.Writer, output BenchmarkOutput) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(output)
}

func outputText(w io.Writer, output BenchmarkOutput) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Batched Background Migration Benchmark Results")
	fmt.Fprintln(w, "==============================================")
	fmt.Fprintf(w, "Database: %s\n", output.Database)
	fmt.Fprintf(w, "Rows: %d\n", output.Rows)
	fmt.Fprintf(w, "Timestamp: %s\n", output.Timestamp)
	fmt.Fprintln(w)

	if len(output.Results) == 0 {
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Batch Size", "Iterations", "Throughput (rows/s)", "Std Dev", "Min", "Max"})
	for _, r := range output.Results {
		_ = table.Append([]string{
			strconv.Itoa(r.BatchSize),
			strconv.Itoa(r.Iterations),
			fmt.Sprintf("%.0f", r.MeanThroughput),
			fmt.Sprintf("%.0f", r.StdDevThroughput),
			fmt.Sprintf("%.0f", r.MinThroughput),
			fmt.Sprintf("%.0f", r.MaxThroughput),
		})
	}
	_ = table.Render()
}
