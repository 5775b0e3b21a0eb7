package workers

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/memqueue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testRunnerConfig shrinks every interval so tests settle in milliseconds.
func testRunnerConfig() *Config {
	return &Config{
		Enabled:            true,
		DefaultConcurrency: 2,
		IdleBackoffMin:     time.Millisecond,
		IdleBackoffMax:     5 * time.Millisecond,
		AbortCheckInterval: 10 * time.Millisecond,
		AbortGrace:         time.Second,
		RetryBackoffBase:   time.Millisecond,
		RetryBackoffMax:    4 * time.Millisecond,
		ProgressDelta:      1.0,
		RecoverOnStart:     false,
		StaleHorizon:       time.Minute,
		StorageBackoffBase: time.Millisecond,
		StorageBackoffMax:  5 * time.Millisecond,
		MinConcurrency:     1,
	}
}

func testDef() QueueDefinition {
	return QueueDefinition{Name: "tasks", TaskType: "embed", Backend: BackendMemory, Concurrency: 2}
}

func newMemStorage(t *testing.T) jobs.Storage {
	t.Helper()
	store, err := memqueue.New(memqueue.NewStore(), jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Setup(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func startRunner(t *testing.T, def QueueDefinition, store jobs.Storage, reg *Registry, models ModelRepository, cfg *Config) *Runner {
	t.Helper()
	r := NewRunner(def, store, reg, models, cfg, nil, testLogger())
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})
	return r
}

func waitForStatus(t *testing.T, store jobs.Storage, id int64, status jobs.Status) *jobs.Job {
	t.Helper()
	var got *jobs.Job
	require.Eventually(t, func() bool {
		j, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, 3*time.Second, 2*time.Millisecond)
	return got
}

func TestRunnerRunsJobToCompletion(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		return map[string]any{"vector": []any{0.1, 0.2}}, nil
	})
	r := startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "hello"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 1, done.RunAttempts)
	assert.Equal(t, []any{0.1, 0.2}, done.Output["vector"])
	assert.Empty(t, done.Error)
	assert.Empty(t, done.ErrorCode)
	assert.Equal(t, float64(100), done.Progress)
	assert.NotNil(t, done.CompletedAt)
	assert.Empty(t, done.WorkerID)

	m := r.Metrics()
	assert.Equal(t, int64(1), m.Succeeded)
	assert.Equal(t, int64(1), m.Processed)
}

func TestRunnerPermanentFailure(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		return nil, jobs.NewPermanent("", "input makes no sense")
	})
	r := startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "bad"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, 1, done.RunAttempts)
	assert.Equal(t, jobs.CodePermanent, done.ErrorCode)
	assert.Contains(t, done.Error, "input makes no sense")
	assert.Equal(t, int64(1), r.Metrics().Failed)
}

func TestRunnerRetriesUntilSuccess(t *testing.T) {
	store := newMemStorage(t)
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, jobs.NewRetryable("provider hiccup", 0)
		}
		return map[string]any{"ok": true}, nil
	})
	r := startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "flaky"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 2, done.RunAttempts)
	assert.Equal(t, true, done.Output["ok"])
	assert.Empty(t, done.Error, "success clears the retry error")
	assert.Equal(t, int64(2), calls.Load())

	m := r.Metrics()
	assert.Equal(t, int64(1), m.Retried)
	assert.Equal(t, int64(1), m.Succeeded)
}

func TestRunnerExhaustsRetries(t *testing.T) {
	store := newMemStorage(t)
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		calls.Add(1)
		return nil, jobs.NewRetryable("still broken", 0)
	})
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "doomed"}, MaxRetries: 2}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeRetriesExhausted, done.ErrorCode)
	assert.Equal(t, 2, done.RunAttempts)
	assert.Equal(t, int64(2), calls.Load())
}

func TestRunnerFailsWithoutRunFunction(t *testing.T) {
	store := newMemStorage(t)
	startRunner(t, testDef(), store, NewRegistry(), NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "nobody home"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeNoRunFunction, done.ErrorCode)
	assert.Equal(t, 1, done.RunAttempts)
}

func TestRunnerFailsUnknownModel(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", markedRun("ok"))
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"model": "ghost"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeModelNotFound, done.ErrorCode)
}

func TestRunnerResolvesModel(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		return map[string]any{"model": run.Model.Name, "provider": run.Model.Provider}, nil
	})
	models := NewStaticModels(&Model{Name: "ada", Provider: "openai", Tasks: []string{"embed"}})
	startRunner(t, testDef(), store, reg, models, testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"model": "ada", "text": "hi"}}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, "ada", done.Output["model"])
	assert.Equal(t, "openai", done.Output["provider"])
}

func TestRunnerHonorsAbort(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "long haul"}}
	require.NoError(t, store.Add(context.Background(), job))

	waitForStatus(t, store, job.ID, jobs.StatusProcessing)
	require.NoError(t, store.Abort(context.Background(), job.ID))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeAborted, done.ErrorCode)
	assert.Equal(t, "aborted by request", done.Error)
	assert.Equal(t, 1, done.RunAttempts)
	assert.Equal(t, int64(1), r.Metrics().Aborted)
}

func TestRunnerAbortWinsOverLateSuccess(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		// Finish "successfully" after the cancel signal.
		<-ctx.Done()
		return map[string]any{"late": true}, nil
	})
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "late"}}
	require.NoError(t, store.Add(context.Background(), job))

	waitForStatus(t, store, job.ID, jobs.StatusProcessing)
	require.NoError(t, store.Abort(context.Background(), job.ID))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeAborted, done.ErrorCode)
	assert.Nil(t, done.Output)
}

func TestRunnerAbortGraceTimeout(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		// Ignore the cancel signal entirely.
		time.Sleep(400 * time.Millisecond)
		return map[string]any{"stubborn": true}, nil
	})
	cfg := testRunnerConfig()
	cfg.AbortGrace = 50 * time.Millisecond
	startRunner(t, testDef(), store, reg, NewStaticModels(), cfg)

	job := &jobs.Job{Input: jobs.JSON{"text": "stubborn"}}
	require.NoError(t, store.Add(context.Background(), job))

	waitForStatus(t, store, job.ID, jobs.StatusProcessing)
	require.NoError(t, store.Abort(context.Background(), job.ID))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeAbortTimeout, done.ErrorCode)
}

func TestRunnerDeadlineDuringExecution(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	deadline := time.Now().Add(50 * time.Millisecond)
	job := &jobs.Job{Input: jobs.JSON{"text": "slow"}, DeadlineAt: &deadline}
	require.NoError(t, store.Add(context.Background(), job))

	done := waitForStatus(t, store, job.ID, jobs.StatusFailed)
	assert.Equal(t, jobs.CodeDeadlineExceeded, done.ErrorCode)
	assert.Equal(t, 1, done.RunAttempts)
}

// countingStorage counts progress writes that actually reach storage.
type countingStorage struct {
	jobs.Storage
	saves atomic.Int64
}

func (c *countingStorage) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	c.saves.Add(1)
	return c.Storage.SaveProgress(ctx, id, progress, message, details)
}

func TestRunnerCoalescesProgress(t *testing.T) {
	counting := &countingStorage{Storage: newMemStorage(t)}
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		for i := 0; i <= 1000; i++ {
			run.Progress(float64(i)/10, "", nil)
		}
		return map[string]any{"ok": true}, nil
	})
	startRunner(t, testDef(), counting, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "chunky"}}
	require.NoError(t, counting.Add(context.Background(), job))

	done := waitForStatus(t, counting, job.ID, jobs.StatusCompleted)
	assert.Equal(t, float64(100), done.Progress)

	saves := counting.saves.Load()
	assert.GreaterOrEqual(t, saves, int64(50), "progress must still advance")
	assert.LessOrEqual(t, saves, int64(150), "1001 reports at delta 1.0 must coalesce to ~100 writes")
}

func TestRunnerStopLeavesInterruptedJobProcessing(t *testing.T) {
	store := newMemStorage(t)
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r := startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "interrupted"}}
	require.NoError(t, store.Add(context.Background(), job))
	waitForStatus(t, store, job.ID, jobs.StatusProcessing)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))

	// No attempt burned; the row waits for stale recovery.
	j, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, j.Status)
	assert.Equal(t, 0, j.RunAttempts)

	recovered, err := store.RecoverStale(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), recovered)

	j, err = store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, j.Status)
	assert.Empty(t, j.WorkerID)
}

func TestRunnerRespectsConcurrencyCap(t *testing.T) {
	store := newMemStorage(t)
	var current, peak atomic.Int64
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(40 * time.Millisecond)
		return nil, nil
	})
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	ctx := context.Background()
	ids := make([]int64, 0, 5)
	for i := 0; i < 5; i++ {
		job := &jobs.Job{Input: jobs.JSON{"n": i}}
		require.NoError(t, store.Add(ctx, job))
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitForStatus(t, store, id, jobs.StatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestRunnerRecoversPanickingRunFunction(t *testing.T) {
	store := newMemStorage(t)
	var calls atomic.Int64
	reg := NewRegistry()
	reg.Register("tasks", "embed", func(ctx context.Context, run *RunContext) (map[string]any, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return map[string]any{"ok": true}, nil
	})
	startRunner(t, testDef(), store, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "explosive"}}
	require.NoError(t, store.Add(context.Background(), job))

	// The panic is retried like any other transient failure.
	done := waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 2, done.RunAttempts)
}

func TestRunnerStartupRecovery(t *testing.T) {
	store := newMemStorage(t)
	ctx := context.Background()

	job := &jobs.Job{Input: jobs.JSON{"text": "orphan"}}
	require.NoError(t, store.Add(ctx, job))
	claimed, err := store.Next(ctx, "dead-worker")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	reg := NewRegistry()
	reg.Register("tasks", "embed", markedRun("ok"))
	cfg := testRunnerConfig()
	cfg.RecoverOnStart = true
	cfg.StaleHorizon = 0
	startRunner(t, testDef(), store, reg, NewStaticModels(), cfg)

	// The stale lease is reclaimed and the job runs to completion.
	done := waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, 1, done.RunAttempts)
}

func TestRunnerDoubleStartAndStop(t *testing.T) {
	store := newMemStorage(t)
	r := NewRunner(testDef(), store, NewRegistry(), NewStaticModels(), testRunnerConfig(), nil, testLogger())

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.Start(ctx), "second start is a no-op")
	assert.True(t, r.IsRunning())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.Stop(stopCtx), "second stop is a no-op")
	assert.False(t, r.IsRunning())
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	assert.Equal(t, 100*time.Millisecond, backoffDelay(base, max, 0))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(base, max, 1))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(base, max, 2))
	assert.Equal(t, 800*time.Millisecond, backoffDelay(base, max, 3))
	assert.Equal(t, time.Second, backoffDelay(base, max, 4), "capped")
	assert.Equal(t, time.Second, backoffDelay(base, max, 60), "large attempts do not overflow")
	assert.Equal(t, time.Duration(0), backoffDelay(0, max, 3))
}

func TestJitterBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		j := jitter(d)
		assert.GreaterOrEqual(t, j, 75*time.Millisecond)
		assert.LessOrEqual(t, j, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}

func TestRetryDelayPrefersLargerRetryAfter(t *testing.T) {
	// Mirrors the completeFailure computation: the error's retry_after
	// overrides the exponential delay only when larger.
	cfg := testRunnerConfig()
	def := testDef()

	delay := backoffDelay(def.BackoffBase(cfg.RetryBackoffBase), def.BackoffMax(cfg.RetryBackoffMax), 0)
	if ra := jobs.RetryAfterOf(jobs.NewRetryable("x", 50*time.Millisecond)); ra > delay {
		delay = ra
	}
	assert.Equal(t, 50*time.Millisecond, delay)

	delay = backoffDelay(time.Second, time.Minute, 3)
	if ra := jobs.RetryAfterOf(jobs.NewRetryable("x", time.Millisecond)); ra > delay {
		delay = ra
	}
	assert.Equal(t, 8*time.Second, delay)
}

func TestRunnerStorageFailureBackoff(t *testing.T) {
	store := newMemStorage(t)
	failing := &flakyStorage{Storage: store, failures: 3}
	reg := NewRegistry()
	reg.Register("tasks", "embed", markedRun("ok"))
	startRunner(t, testDef(), failing, reg, NewStaticModels(), testRunnerConfig())

	job := &jobs.Job{Input: jobs.JSON{"text": "eventually"}}
	require.NoError(t, store.Add(context.Background(), job))

	// The dispatch loop pauses on storage errors and then recovers.
	waitForStatus(t, store, job.ID, jobs.StatusCompleted)
	assert.Equal(t, int64(0), failing.remaining.Load())
}

// flakyStorage fails the first N Next calls with a storage error.
type flakyStorage struct {
	jobs.Storage
	failures  int64
	remaining atomic.Int64
	primed    atomic.Bool
}

func (f *flakyStorage) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	if f.primed.CompareAndSwap(false, true) {
		f.remaining.Store(f.failures)
	}
	if f.remaining.Load() > 0 {
		f.remaining.Add(-1)
		return nil, errors.New("backend unavailable")
	}
	return f.Storage.Next(ctx, workerID)
}
