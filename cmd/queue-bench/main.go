// queue-bench: throughput benchmark for the queue storage backends.
//
// Phases:
//   1. Open the selected backend and reset the bench queue
//   2. Enqueue N jobs from P concurrent producers
//   3. Drain the queue with C concurrent consumers (claim + complete)
//   4. Verify the completed count matches
//   5. Print the timing report and append to a persistent log
//
// Usage:
//
//	# Bench the default backend (postgres):
//	go run ./cmd/queue-bench/
//
//	# Bench an embedded backend:
//	QUEUE_BACKEND=sqlite go run ./cmd/queue-bench/
//
// Environment:
//
//	QUEUE_BACKEND       - backend to bench: memory, sqlite, bolt, postgres, cloud (default postgres)
//	BENCH_JOBS          - number of jobs to push through (default 5000)
//	BENCH_PRODUCERS     - concurrent enqueuing goroutines (default 4)
//	BENCH_CONSUMERS     - concurrent claiming goroutines (default 8)
//	BENCH_PAYLOAD_BYTES - padding bytes per job input (default 256)
//	BENCH_KEEP          - keep the bench jobs after the run (default false)
//	LOG_FILE            - path to append JSONL run log (default docs/bench/queue_bench_log.jsonl)
//
// Each run appends one JSON line to LOG_FILE containing full env + timing
// data for later comparison across backends and database configurations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/internal/config"
)

// BenchVersion is bumped manually when the benchmark logic itself changes,
// so results from different script versions can be distinguished in the log.
const BenchVersion = "1.0.0"

const benchQueue = "bench"

type Step struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration_ms"`
	Detail   string        `json:"detail,omitempty"`
}

// BenchEnv captures everything needed to reproduce and compare a run.
type BenchEnv struct {
	BenchVersion string `json:"bench_version"`
	Backend      string `json:"backend"`
	Jobs         int    `json:"jobs"`
	Producers    int    `json:"producers"`
	Consumers    int    `json:"consumers"`
	PayloadBytes int    `json:"payload_bytes"`
	GitCommit    string `json:"git_commit"`
	GoVersion    string `json:"go_version"`
	GOOS         string `json:"goos"`
	GOARCH       string `json:"goarch"`
	Hostname     string `json:"hostname"`
}

type BenchReport struct {
	Env         BenchEnv  `json:"env"`
	StartedAt   time.Time `json:"started_at"`
	Steps       []Step    `json:"steps"`
	EnqueueRate float64   `json:"enqueue_jobs_per_sec"`
	DrainRate   float64   `json:"drain_jobs_per_sec"`
	EmptyPolls  int64     `json:"empty_polls"`
}

func (r *BenchReport) Begin(name string) func(detail ...string) {
	start := time.Now()
	return func(detail ...string) {
		d := ""
		if len(detail) > 0 {
			d = detail[0]
		}
		elapsed := time.Since(start)
		r.Steps = append(r.Steps, Step{Name: name, Duration: elapsed, Detail: d})
		log.Printf("  [%s] done in %v  %s", name, elapsed.Round(time.Millisecond), d)
	}
}

func (r *BenchReport) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range r.Steps {
		total += s.Duration
	}
	return total
}

func (r *BenchReport) Print() {
	env := r.Env
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Println("║              Queue Backend Benchmark — Results               ║")
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  bench_version  %-43s║\n", env.BenchVersion)
	fmt.Printf("║  backend        %-43s║\n", env.Backend)
	fmt.Printf("║  jobs           %-43d║\n", env.Jobs)
	fmt.Printf("║  producers      %-43d║\n", env.Producers)
	fmt.Printf("║  consumers      %-43d║\n", env.Consumers)
	fmt.Printf("║  payload_bytes  %-43d║\n", env.PayloadBytes)
	fmt.Printf("║  git_commit     %-43s║\n", env.GitCommit)
	fmt.Printf("║  hostname       %-43s║\n", env.Hostname)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	for _, s := range r.Steps {
		detail := ""
		if s.Detail != "" {
			detail = "  (" + s.Detail + ")"
		}
		fmt.Printf("║  %-25s  %8v%s\n", s.Name, s.Duration.Round(time.Millisecond), detail)
	}
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  %-25s  %8v\n", "TOTAL", r.TotalDuration().Round(time.Millisecond))
	fmt.Printf("║  %-25s  %8.0f jobs/s\n", "enqueue rate", r.EnqueueRate)
	fmt.Printf("║  %-25s  %8.0f jobs/s\n", "drain rate", r.DrainRate)
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}

// appendRunLog appends one JSON line per run to a persistent log file.
// This lets you diff runs across backends and DB configs over time.
func appendRunLog(logFile string, report *BenchReport) {
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		log.Printf("WARNING: cannot create log dir: %v", err)
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("WARNING: cannot open log file %s: %v", logFile, err)
		return
	}
	defer f.Close()

	type stepJSON struct {
		Name       string  `json:"name"`
		DurationMs float64 `json:"duration_ms"`
		Detail     string  `json:"detail,omitempty"`
	}
	type runJSON struct {
		BenchEnv
		StartedAt   string     `json:"started_at"`
		Steps       []stepJSON `json:"steps"`
		TotalMs     float64    `json:"total_ms"`
		EnqueueRate float64    `json:"enqueue_jobs_per_sec"`
		DrainRate   float64    `json:"drain_jobs_per_sec"`
		EmptyPolls  int64      `json:"empty_polls"`
	}

	var steps []stepJSON
	for _, s := range report.Steps {
		steps = append(steps, stepJSON{
			Name:       s.Name,
			DurationMs: float64(s.Duration.Milliseconds()),
			Detail:     s.Detail,
		})
	}

	entry := runJSON{
		BenchEnv:    report.Env,
		StartedAt:   report.StartedAt.Format(time.RFC3339),
		Steps:       steps,
		TotalMs:     float64(report.TotalDuration().Milliseconds()),
		EnqueueRate: report.EnqueueRate,
		DrainRate:   report.DrainRate,
		EmptyPolls:  report.EmptyPolls,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("WARNING: cannot marshal run entry: %v", err)
		return
	}
	f.Write(data)
	f.Write([]byte("\n"))
	log.Printf("Run appended to log: %s", logFile)
}

func gitCommit() string {
	out, err := exec.Command("git", "rev-parse", "--short", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func main() {
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	backend := getenv("QUEUE_BACKEND", workers.BackendPostgres)
	totalJobs := getenvInt("BENCH_JOBS", 5000)
	producers := getenvInt("BENCH_PRODUCERS", 4)
	consumers := getenvInt("BENCH_CONSUMERS", 8)
	payloadBytes := getenvInt("BENCH_PAYLOAD_BYTES", 256)
	keep := os.Getenv("BENCH_KEEP") == "true"
	logFile := getenv("LOG_FILE", "docs/bench/queue_bench_log.jsonl")

	env := BenchEnv{
		BenchVersion: BenchVersion,
		Backend:      backend,
		Jobs:         totalJobs,
		Producers:    producers,
		Consumers:    consumers,
		PayloadBytes: payloadBytes,
		GitCommit:    gitCommit(),
		GoVersion:    runtime.Version(),
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		Hostname:     hostname(),
	}
	report := &BenchReport{Env: env, StartedAt: time.Now()}

	log.Printf("Queue Benchmark v%s — backend=%s jobs=%d producers=%d consumers=%d",
		BenchVersion, backend, totalJobs, producers, consumers)

	ctx := context.Background()

	// Logging is the benchmark's own output; the backend logger stays quiet.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg, err := config.NewConfig(quiet)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	cfg.Store.Backend = backend

	// ── Phase 1: Open the backend ─────────────────────────────────────────────
	log.Printf("Phase 1: Opening %s backend ...", backend)
	done1 := report.Begin("open_backend")
	store, cleanup, err := openStore(ctx, cfg, backend, quiet)
	if err != nil {
		log.Fatalf("open backend failed: %v", err)
	}
	defer cleanup()
	if err := store.Setup(ctx); err != nil {
		log.Fatalf("setup failed: %v", err)
	}
	if err := store.DeleteAll(ctx); err != nil {
		log.Fatalf("reset failed: %v", err)
	}
	done1(fmt.Sprintf("backend=%s", backend))

	// ── Phase 2: Enqueue ──────────────────────────────────────────────────────
	log.Printf("Phase 2: Enqueuing %d jobs with %d producers ...", totalJobs, producers)
	done2 := report.Begin("enqueue")
	enqueueStart := time.Now()
	enqueued, err := runProducers(ctx, store, totalJobs, producers, payloadBytes)
	if err != nil {
		log.Fatalf("enqueue failed: %v", err)
	}
	enqueueElapsed := time.Since(enqueueStart)
	report.EnqueueRate = float64(enqueued) / enqueueElapsed.Seconds()
	done2(fmt.Sprintf("enqueued=%d rate=%.0f/s", enqueued, report.EnqueueRate))

	// ── Phase 3: Drain ────────────────────────────────────────────────────────
	log.Printf("Phase 3: Draining with %d consumers ...", consumers)
	done3 := report.Begin("drain")
	drainStart := time.Now()
	completed, emptyPolls := runConsumers(ctx, store, totalJobs, consumers)
	drainElapsed := time.Since(drainStart)
	report.DrainRate = float64(completed) / drainElapsed.Seconds()
	report.EmptyPolls = emptyPolls
	done3(fmt.Sprintf("completed=%d rate=%.0f/s empty_polls=%d", completed, report.DrainRate, emptyPolls))

	// ── Phase 4: Verify ───────────────────────────────────────────────────────
	done4 := report.Begin("verify")
	completedCount, err := store.Size(ctx, jobs.StatusCompleted)
	if err != nil {
		log.Fatalf("verify failed: %v", err)
	}
	if completedCount != totalJobs {
		log.Printf("WARNING: completed count %d does not match %d", completedCount, totalJobs)
	}
	done4(fmt.Sprintf("completed=%d", completedCount))

	// ── Phase 5: Cleanup ──────────────────────────────────────────────────────
	if !keep {
		done5 := report.Begin("cleanup")
		if err := store.DeleteAll(ctx); err != nil {
			log.Printf("WARNING: cleanup failed: %v", err)
		}
		done5()
	}

	report.Print()
	appendRunLog(logFile, report)
}

// openStore builds the storage instance for the bench queue, opening the
// shared Postgres handles only when the backend needs them.
func openStore(ctx context.Context, cfg *config.Config, backend string, log *slog.Logger) (jobs.Storage, func(), error) {
	var (
		db   *bun.DB
		pool *pgxpool.Pool
	)

	if backend == workers.BackendPostgres || backend == workers.BackendCloud {
		var err error
		pool, err = pgxpool.New(ctx, cfg.Database.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("create pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping database: %w", err)
		}
		db = bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	}

	factory := workers.NewStorageFactory(cfg, ibd(db), pool, log)

	def := workers.QueueDefinition{Name: benchQueue, Backend: backend}
	store, err := factory.Open(def)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, nil, err
	}

	cleanup := func() {
		store.Close()
		factory.Close()
		if db != nil {
			db.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}
	return store, cleanup, nil
}

// ibd avoids handing a typed-nil *bun.DB to the bun.IDB interface slot.
func ibd(db *bun.DB) bun.IDB {
	if db == nil {
		return nil
	}
	return db
}

// runProducers enqueues totalJobs split across the producer goroutines.
// Inputs carry a sequence number so every fingerprint is distinct.
func runProducers(ctx context.Context, store jobs.Storage, totalJobs, producers, payloadBytes int) (int64, error) {
	padding := strings.Repeat("x", payloadBytes)

	var (
		seq      atomic.Int64
		enqueued atomic.Int64
		wg       sync.WaitGroup
		errOnce  sync.Once
		runErr   error
	)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n := seq.Add(1)
				if n > int64(totalJobs) {
					return
				}
				job := &jobs.Job{
					Input: map[string]any{
						"task_type": "bench",
						"seq":       n,
						"padding":   padding,
					},
				}
				if err := store.Add(ctx, job); err != nil {
					errOnce.Do(func() { runErr = err })
					return
				}
				enqueued.Add(1)
			}
		}()
	}
	wg.Wait()

	return enqueued.Load(), runErr
}

// runConsumers claims and completes jobs until totalJobs are done. Empty
// claims back off briefly; they are counted to expose contention behavior.
func runConsumers(ctx context.Context, store jobs.Storage, totalJobs, consumers int) (int64, int64) {
	var (
		completed  atomic.Int64
		emptyPolls atomic.Int64
		wg         sync.WaitGroup
	)

	for c := 0; c < consumers; c++ {
		wg.Add(1)
		workerID := fmt.Sprintf("bench-%s-%d", hostname(), c)
		go func() {
			defer wg.Done()
			for completed.Load() < int64(totalJobs) {
				job, err := store.Next(ctx, workerID)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return
					}
					log.Printf("WARNING: claim failed: %v", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				if job == nil {
					emptyPolls.Add(1)
					time.Sleep(2 * time.Millisecond)
					continue
				}

				job.Status = jobs.StatusCompleted
				job.Output = map[string]any{"ok": true}
				job.Error = ""
				job.ErrorCode = ""
				if err := store.Complete(ctx, job); err != nil {
					log.Printf("WARNING: complete failed for job %d: %v", job.ID, err)
					continue
				}
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	return completed.Load(), emptyPolls.Load()
}
