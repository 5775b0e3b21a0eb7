// Package storagetest is the conformance suite for jobs.Storage
// implementations. Every backend runs the same scenarios so dispatch order,
// transition validation, attempt counting, partitioning and subscriptions
// behave identically regardless of the engine underneath.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

// Factory creates storage instances over one shared backing store, so
// multi-instance scenarios (partitions, cross-partition subscriptions) see
// each other's writes.
type Factory func(opts jobs.Options) (jobs.Storage, error)

// Harness builds a fresh Factory per scenario; each call must be backed by
// an empty store.
type Harness func(t *testing.T) Factory

// pollInterval keeps subscription scenarios fast. Backends honor it via
// Options.PollInterval.
const pollInterval = 20 * time.Millisecond

// Run exercises every Storage contract scenario against the harness.
func Run(t *testing.T, newHarness Harness) {
	scenarios := []struct {
		name string
		fn   func(t *testing.T, factory Factory)
	}{
		{"add defaults", testAddDefaults},
		{"add keeps explicit fields", testAddExplicitFields},
		{"get missing", testGetMissing},
		{"dispatch order", testDispatchOrder},
		{"dispatch gating", testDispatchGating},
		{"dispatch claims atomically", testDispatchClaims},
		{"concurrent dispatch", testConcurrentDispatch},
		{"complete success", testCompleteSuccess},
		{"complete failure", testCompleteFailure},
		{"complete validates transitions", testCompleteValidation},
		{"retry", testRetry},
		{"abort", testAbort},
		{"disable", testDisable},
		{"save progress", testSaveProgress},
		{"get by run id", testGetByRunID},
		{"output for input", testOutputForInput},
		{"size and peek", testSizeAndPeek},
		{"delete", testDelete},
		{"delete by status and age", testDeleteByStatusAndAge},
		{"recover stale", testRecoverStale},
		{"fail expired", testFailExpired},
		{"queue isolation", testQueueIsolation},
		{"partition isolation", testPartitionIsolation},
		{"subscribe", testSubscribe},
		{"subscribe across partitions", testSubscribeAcrossPartitions},
		{"unsubscribe", testUnsubscribe},
	}

	for _, s := range scenarios {
		t.Run(s.name, func(t *testing.T) {
			s.fn(t, newHarness(t))
		})
	}
}

func open(t *testing.T, factory Factory, opts jobs.Options) jobs.Storage {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = pollInterval
	}
	s, err := factory(opts)
	require.NoError(t, err)
	require.NoError(t, s.Setup(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openQueue(t *testing.T, factory Factory) jobs.Storage {
	return open(t, factory, jobs.Options{QueueName: "tasks"})
}

func addJob(t *testing.T, s jobs.Storage, j *jobs.Job) *jobs.Job {
	t.Helper()
	if j == nil {
		j = &jobs.Job{}
	}
	if j.Input == nil {
		j.Input = jobs.JSON{"task": "echo", "n": time.Now().UnixNano()}
	}
	require.NoError(t, s.Add(context.Background(), j))
	return j
}

func claimJob(t *testing.T, s jobs.Storage, workerID string) *jobs.Job {
	t.Helper()
	j, err := s.Next(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func testAddDefaults(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	before := time.Now().Add(-time.Second)
	j := &jobs.Job{Input: jobs.JSON{"task": "summarize", "doc": "a.txt"}}
	require.NoError(t, s.Add(ctx, j))

	assert.NotZero(t, j.ID)
	assert.Equal(t, "tasks", j.QueueName)
	assert.Equal(t, jobs.StatusPending, j.Status)
	assert.NotEmpty(t, j.Fingerprint)
	assert.Equal(t, jobs.DefaultMaxRetries, j.MaxRetries)
	assert.Zero(t, j.RunAttempts)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, j.Fingerprint, got.Fingerprint)
	assert.True(t, got.CreatedAt.After(before), "created_at must be stamped")
	assert.False(t, got.RunAfter.IsZero(), "run_after defaults to now")
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.WorkerID)
	assert.EqualValues(t, 0, got.Progress)
	assert.Equal(t, "summarize", got.Input["task"])
}

func testAddExplicitFields(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	runAfter := time.Now().Add(time.Hour).UTC()
	deadline := time.Now().Add(2 * time.Hour).UTC()
	j := &jobs.Job{
		Input:       jobs.JSON{"task": "translate"},
		JobRunID:    "run-42",
		Fingerprint: "precomputed",
		MaxRetries:  3,
		RunAfter:    runAfter,
		DeadlineAt:  &deadline,
	}
	require.NoError(t, s.Add(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "run-42", got.JobRunID)
	assert.Equal(t, "precomputed", got.Fingerprint)
	assert.Equal(t, 3, got.MaxRetries)
	assert.WithinDuration(t, runAfter, got.RunAfter, time.Millisecond)
	require.NotNil(t, got.DeadlineAt)
	assert.WithinDuration(t, deadline, *got.DeadlineAt, time.Millisecond)
}

func testGetMissing(t *testing.T, factory Factory) {
	s := openQueue(t, factory)

	_, err := s.Get(context.Background(), 99999)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testDispatchOrder(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	later := base.Add(30 * time.Second)

	// Same run_after: insertion order (id) breaks the tie.
	a := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 1}, RunAfter: base})
	b := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 2}, RunAfter: base})
	c := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 3}, RunAfter: later})

	first := claimJob(t, s, "w1")
	second := claimJob(t, s, "w1")
	third := claimJob(t, s, "w1")

	assert.Equal(t, a.ID, first.ID)
	assert.Equal(t, b.ID, second.ID)
	assert.Equal(t, c.ID, third.ID)

	drained, err := s.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, drained)
}

func testDispatchGating(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 1}, RunAfter: time.Now().Add(time.Hour)})
	expired := time.Now().Add(-time.Minute)
	addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 2}, DeadlineAt: &expired})

	// Scheduled in the future and already past deadline: nothing runnable.
	j, err := s.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)
}

func testDispatchClaims(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	added := addJob(t, s, nil)
	claimed := claimJob(t, s, "worker-7")

	assert.Equal(t, added.ID, claimed.ID)
	assert.Equal(t, jobs.StatusProcessing, claimed.Status)
	assert.Equal(t, "worker-7", claimed.WorkerID)
	require.NotNil(t, claimed.LastRanAt)

	got, err := s.Get(ctx, added.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status)
	assert.Equal(t, "worker-7", got.WorkerID)

	next, err := s.Next(ctx, "worker-8")
	require.NoError(t, err)
	assert.Nil(t, next, "a claimed job must not be dispatched twice")
}

func testConcurrentDispatch(t *testing.T, factory Factory) {
	s := openQueue(t, factory)

	const jobCount = 5
	for i := 0; i < jobCount; i++ {
		addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": i}})
	}

	var mu sync.Mutex
	claimed := make(map[int64]int)
	var wg sync.WaitGroup
	for i := 0; i < jobCount*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.Next(context.Background(), "racer")
			if err != nil || j == nil {
				return
			}
			mu.Lock()
			claimed[j.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobCount)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d claimed more than once", id)
	}
}

func testCompleteSuccess(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")

	j.Status = jobs.StatusCompleted
	j.Output = jobs.JSON{"result": "ok"}
	require.NoError(t, s.Complete(ctx, j))

	assert.Equal(t, 1, j.RunAttempts)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RunAttempts)
	assert.EqualValues(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.WorkerID)
	assert.Equal(t, "ok", got.Output["result"])
}

func testCompleteFailure(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")

	j.Status = jobs.StatusFailed
	j.Error = "model refused the request"
	j.ErrorCode = jobs.CodePermanent
	require.NoError(t, s.Complete(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, "model refused the request", got.Error)
	assert.Equal(t, jobs.CodePermanent, got.ErrorCode)
	assert.Equal(t, 1, got.RunAttempts)
	assert.EqualValues(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.WorkerID)
}

func testCompleteValidation(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	// PENDING cannot jump straight to COMPLETED.
	pending := addJob(t, s, nil)
	pending.Status = jobs.StatusCompleted
	assert.ErrorIs(t, s.Complete(ctx, pending), jobs.ErrInvalidTransition)

	// Terminal rows accept nothing.
	addJob(t, s, nil)
	j := claimJob(t, s, "w1")
	j.Status = jobs.StatusCompleted
	require.NoError(t, s.Complete(ctx, j))

	j.Status = jobs.StatusFailed
	assert.ErrorIs(t, s.Complete(ctx, j), jobs.ErrInvalidTransition)

	j.Status = jobs.StatusPending
	assert.ErrorIs(t, s.Complete(ctx, j), jobs.ErrInvalidTransition)

	// PROCESSING is not a completion target.
	j.Status = jobs.StatusProcessing
	assert.ErrorIs(t, s.Complete(ctx, j), jobs.ErrInvalidTransition)

	// Unknown id.
	ghost := &jobs.Job{ID: 424242, Status: jobs.StatusCompleted}
	assert.ErrorIs(t, s.Complete(ctx, ghost), jobs.ErrNotFound)
}

func testRetry(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")

	require.NoError(t, s.SaveProgress(ctx, j.ID, 40, "halfway", nil))

	j.Status = jobs.StatusPending
	j.RunAfter = time.Now().Add(-time.Second)
	j.Error = "provider timeout"
	j.ErrorCode = jobs.CodeRetryable
	require.NoError(t, s.Complete(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Equal(t, 1, got.RunAttempts, "one attempt consumed")
	assert.Equal(t, "provider timeout", got.Error)
	assert.Equal(t, jobs.CodeRetryable, got.ErrorCode)
	assert.EqualValues(t, 0, got.Progress, "retry starts clean")
	assert.Empty(t, got.ProgressMessage)
	assert.Empty(t, got.WorkerID)
	assert.Nil(t, got.CompletedAt)

	// Due again: dispatch hands it to the next worker.
	again := claimJob(t, s, "w2")
	assert.Equal(t, j.ID, again.ID)
	assert.Equal(t, 1, again.RunAttempts)

	again.Status = jobs.StatusCompleted
	require.NoError(t, s.Complete(ctx, again))
	assert.Equal(t, 2, again.RunAttempts)
}

func testAbort(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	// Abort requires a running job.
	idle := addJob(t, s, nil)
	assert.ErrorIs(t, s.Abort(ctx, idle.ID), jobs.ErrInvalidTransition)
	assert.ErrorIs(t, s.Abort(ctx, 999999), jobs.ErrNotFound)

	j := claimJob(t, s, "w1")
	require.NoError(t, s.Abort(ctx, j.ID))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusAborting, got.Status)
	assert.Equal(t, "w1", got.WorkerID, "the owner still holds an aborting job")

	// Aborting twice is rejected; the worker acknowledges with FAILED.
	assert.ErrorIs(t, s.Abort(ctx, j.ID), jobs.ErrInvalidTransition)

	got.Status = jobs.StatusFailed
	got.Error = "aborted by request"
	got.ErrorCode = jobs.CodeAborted
	require.NoError(t, s.Complete(ctx, got))

	final, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, final.Status)
	assert.Equal(t, jobs.CodeAborted, final.ErrorCode)
	assert.Equal(t, 1, final.RunAttempts)
	assert.Empty(t, final.WorkerID)
}

func testDisable(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	// Disabling a waiting job consumes no attempt.
	j := addJob(t, s, nil)
	j.Status = jobs.StatusDisabled
	require.NoError(t, s.Complete(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDisabled, got.Status)
	assert.Zero(t, got.RunAttempts)
	assert.EqualValues(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	// Disabled is terminal.
	got.Status = jobs.StatusPending
	assert.ErrorIs(t, s.Complete(ctx, got), jobs.ErrInvalidTransition)

	// A running job can be disabled too, still without an attempt.
	addJob(t, s, nil)
	running := claimJob(t, s, "w1")
	running.Status = jobs.StatusDisabled
	require.NoError(t, s.Complete(ctx, running))

	got2, err := s.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusDisabled, got2.Status)
	assert.Zero(t, got2.RunAttempts)
	assert.Empty(t, got2.WorkerID)
}

func testSaveProgress(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")

	require.NoError(t, s.SaveProgress(ctx, j.ID, 62.5, "generating", map[string]any{"tokens": "1500"}))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusProcessing, got.Status, "progress writes never move status")
	assert.EqualValues(t, 62.5, got.Progress)
	assert.Equal(t, "generating", got.ProgressMessage)
	assert.Equal(t, "1500", got.ProgressDetails["tokens"])

	got.Status = jobs.StatusCompleted
	require.NoError(t, s.Complete(ctx, got))
	err = s.SaveProgress(ctx, j.ID, 10, "late", nil)
	assert.Error(t, err, "terminal rows reject progress")

	assert.ErrorIs(t, s.SaveProgress(ctx, 999999, 1, "", nil), jobs.ErrNotFound)
}

func testGetByRunID(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	a := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 1}, JobRunID: "run-1"})
	b := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 2}, JobRunID: "run-1"})
	addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 3}, JobRunID: "run-2"})

	got, err := s.GetByRunID(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a.ID, got[0].ID)
	assert.Equal(t, b.ID, got[1].ID)

	empty, err := s.GetByRunID(ctx, "run-missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testOutputForInput(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	input := map[string]any{"task": "ocr", "page": "p1"}
	addJob(t, s, &jobs.Job{Input: jobs.JSON(input)})
	j := claimJob(t, s, "w1")
	j.Status = jobs.StatusCompleted
	j.Output = jobs.JSON{"text": "hello"}
	require.NoError(t, s.Complete(ctx, j))

	// Key order must not matter.
	out, err := s.OutputForInput(ctx, map[string]any{"page": "p1", "task": "ocr"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["text"])

	// A later completion of the same input wins.
	time.Sleep(5 * time.Millisecond)
	addJob(t, s, &jobs.Job{Input: jobs.JSON(input)})
	j2 := claimJob(t, s, "w1")
	j2.Status = jobs.StatusCompleted
	j2.Output = jobs.JSON{"text": "hello again"}
	require.NoError(t, s.Complete(ctx, j2))

	out, err = s.OutputForInput(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, "hello again", out["text"])

	// Non-completed fingerprint matches do not count.
	_, err = s.OutputForInput(ctx, map[string]any{"task": "never-ran"})
	assert.ErrorIs(t, err, jobs.ErrNotFound)
}

func testSizeAndPeek(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute).UTC()
	for i := 0; i < 4; i++ {
		addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": i}, RunAfter: base.Add(time.Duration(i) * time.Second)})
	}
	j := claimJob(t, s, "w1")
	j.Status = jobs.StatusCompleted
	require.NoError(t, s.Complete(ctx, j))

	total, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	pending, err := s.Size(ctx, jobs.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	completed, err := s.Size(ctx, jobs.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	peeked, err := s.Peek(ctx, jobs.StatusPending, 2)
	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.True(t, jobs.DispatchBefore(peeked[0], peeked[1]), "peek preserves dispatch order")

	// Peeking claims nothing.
	stillPending, err := s.Size(ctx, jobs.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 3, stillPending)

	all, err := s.Peek(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func testDelete(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	a := addJob(t, s, nil)
	addJob(t, s, nil)

	require.NoError(t, s.Delete(ctx, a.ID))
	_, err := s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, a.ID), jobs.ErrNotFound)

	require.NoError(t, s.DeleteAll(ctx))
	n, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeleteByStatusAndAge(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")
	j.Status = jobs.StatusCompleted
	require.NoError(t, s.Complete(ctx, j))

	addJob(t, s, nil) // still pending, must survive any sweep

	// Far horizon: nothing is old enough.
	n, err := s.DeleteByStatusAndAge(ctx, jobs.StatusCompleted, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(10 * time.Millisecond)
	n, err = s.DeleteByStatusAndAge(ctx, jobs.StatusCompleted, 5*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	remaining, err := s.Size(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func testRecoverStale(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	addJob(t, s, nil)
	j := claimJob(t, s, "w1")
	require.NoError(t, s.SaveProgress(ctx, j.ID, 30, "working", nil))

	// Fresh lease: nothing to recover.
	n, err := s.RecoverStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	time.Sleep(10 * time.Millisecond)
	n, err = s.RecoverStale(ctx, 5*time.Millisecond)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, got.Status)
	assert.Empty(t, got.WorkerID)
	assert.Zero(t, got.RunAttempts, "crash recovery burns no attempt")
	assert.EqualValues(t, 0, got.Progress)
	assert.Empty(t, got.ProgressMessage)

	// Immediately runnable again.
	again := claimJob(t, s, "w2")
	assert.Equal(t, j.ID, again.ID)
}

func testFailExpired(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	expired := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 1}, DeadlineAt: &past})
	alive := addJob(t, s, &jobs.Job{Input: jobs.JSON{"n": 2}})

	n, err := s.FailExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := s.Get(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, jobs.CodeDeadlineExceeded, got.ErrorCode)
	assert.Zero(t, got.RunAttempts, "the job never ran")
	assert.EqualValues(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)

	untouched, err := s.Get(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, untouched.Status)
}

func testQueueIsolation(t *testing.T, factory Factory) {
	emails := open(t, factory, jobs.Options{QueueName: "emails"})
	reports := open(t, factory, jobs.Options{QueueName: "reports"})
	ctx := context.Background()

	e := addJob(t, emails, nil)

	j, err := reports.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j, "queues must not leak into each other")

	_, err = reports.Get(ctx, e.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	n, err := reports.Size(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func partitionOptions(org string) jobs.Options {
	return jobs.Options{
		QueueName: "tasks",
		Prefixes: []jobs.Prefix{
			{Name: "org_id", Type: jobs.PrefixTypeUUIDText, Value: org},
			{Name: "shard", Type: jobs.PrefixTypeInteger, Value: 1},
		},
	}
}

func testPartitionIsolation(t *testing.T, factory Factory) {
	orgA := open(t, factory, partitionOptions("org-a"))
	orgB := open(t, factory, partitionOptions("org-b"))
	ctx := context.Background()

	a := addJob(t, orgA, nil)
	assert.Equal(t, "org-a", a.Prefixes["org_id"])

	// Same table, different partition values: invisible to each other.
	j, err := orgB.Next(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, j)

	_, err = orgB.Get(ctx, a.ID)
	assert.ErrorIs(t, err, jobs.ErrNotFound)

	require.NoError(t, orgB.DeleteAll(ctx))
	still, err := orgA.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.ID, still.ID)
}

type changeCollector struct {
	mu     sync.Mutex
	events []jobs.Change
}

func (c *changeCollector) fn(ev jobs.Change) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *changeCollector) snapshot() []jobs.Change {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]jobs.Change, len(c.events))
	copy(out, c.events)
	return out
}

func (c *changeCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func waitEvents(t *testing.T, c *changeCollector, n int) []jobs.Change {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() >= n }, 3*time.Second, 5*time.Millisecond,
		"expected %d change events, have %d", n, c.count())
	return c.snapshot()
}

func testSubscribe(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	existing := addJob(t, s, nil)

	col := &changeCollector{}
	unsub, err := s.Subscribe(ctx, col.fn, jobs.SubscribeOptions{})
	require.NoError(t, err)
	defer unsub()

	// Current state arrives first.
	evs := waitEvents(t, col, 1)
	assert.Equal(t, jobs.ChangeInsert, evs[0].Type)
	require.NotNil(t, evs[0].New)
	assert.Equal(t, existing.ID, evs[0].New.ID)
	assert.Nil(t, evs[0].Old)

	// A new row produces INSERT.
	added := addJob(t, s, nil)
	evs = waitEvents(t, col, 2)
	assert.Equal(t, jobs.ChangeInsert, evs[1].Type)
	assert.Equal(t, added.ID, evs[1].New.ID)

	// Claiming produces UPDATE with both sides.
	claimed := claimJob(t, s, "w1")
	evs = waitEvents(t, col, 3)
	assert.Equal(t, jobs.ChangeUpdate, evs[2].Type)
	require.NotNil(t, evs[2].Old)
	require.NotNil(t, evs[2].New)
	assert.Equal(t, claimed.ID, evs[2].New.ID)
	assert.Equal(t, jobs.StatusPending, evs[2].Old.Status)
	assert.Equal(t, jobs.StatusProcessing, evs[2].New.Status)

	// Removal produces DELETE.
	require.NoError(t, s.Delete(ctx, added.ID))
	evs = waitEvents(t, col, 4)
	assert.Equal(t, jobs.ChangeDelete, evs[3].Type)
	require.NotNil(t, evs[3].Old)
	assert.Equal(t, added.ID, evs[3].Old.ID)
	assert.Nil(t, evs[3].New)

	// Quiet storage emits nothing.
	time.Sleep(4 * pollInterval)
	assert.Equal(t, 4, col.count())
}

func testSubscribeAcrossPartitions(t *testing.T, factory Factory) {
	orgA := open(t, factory, partitionOptions("org-a"))
	orgB := open(t, factory, partitionOptions("org-b"))
	ctx := context.Background()

	scoped := &changeCollector{}
	unsubScoped, err := orgA.Subscribe(ctx, scoped.fn, jobs.SubscribeOptions{})
	require.NoError(t, err)
	defer unsubScoped()

	all := &changeCollector{}
	unsubAll, err := orgA.Subscribe(ctx, all.fn, jobs.SubscribeOptions{Prefixes: []jobs.PrefixValue{}})
	require.NoError(t, err)
	defer unsubAll()

	addJob(t, orgB, nil)

	// The all-partitions subscription sees org-b's write; the scoped one
	// stays quiet.
	evs := waitEvents(t, all, 1)
	require.NotNil(t, evs[0].New)
	assert.Equal(t, "org-b", evs[0].New.Prefixes["org_id"])

	time.Sleep(4 * pollInterval)
	assert.Zero(t, scoped.count())

	a := addJob(t, orgA, nil)
	evs = waitEvents(t, scoped, 1)
	assert.Equal(t, a.ID, evs[0].New.ID)
	waitEvents(t, all, 2)
}

func testUnsubscribe(t *testing.T, factory Factory) {
	s := openQueue(t, factory)
	ctx := context.Background()

	col := &changeCollector{}
	unsub, err := s.Subscribe(ctx, col.fn, jobs.SubscribeOptions{})
	require.NoError(t, err)

	addJob(t, s, nil)
	waitEvents(t, col, 1)

	unsub()
	unsub() // idempotent

	addJob(t, s, nil)
	time.Sleep(4 * pollInterval)
	assert.Equal(t, 1, col.count(), "no events after unsubscribe")
}
