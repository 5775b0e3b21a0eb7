package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/syshealth"
	"github.com/conveyorhq/conveyor/pkg/tracing"
)

// completionWriteTimeout bounds the storage write that records a job's
// outcome. Detached from the run context so cancellation cannot lose a
// result that was already produced.
const completionWriteTimeout = 10 * time.Second

var (
	// errAbortRequested is the cancel cause when an abort request is
	// observed. Its text is also the stored error message of aborted jobs.
	errAbortRequested = errors.New("aborted by request")

	// errShutdown is the cancel cause when the runner stops. Jobs
	// interrupted by shutdown stay PROCESSING and are reclaimed by stale
	// recovery, without burning an attempt.
	errShutdown = errors.New("worker shutting down")
)

// Runner executes jobs from one queue. It follows the same pattern as the
// other background workers:
// - Polling-based with jittered idle backoff
// - Graceful shutdown waiting for in-flight jobs
// - Stale job recovery on startup
// - Metrics tracking
//
// Each runner owns one storage instance and dispatches up to its
// concurrency cap in parallel. A second loop sweeps owned jobs for abort
// requests and fires their cancel signal.
type Runner struct {
	def    QueueDefinition
	queue  string
	store  jobs.Storage
	reg    *Registry
	models ModelRepository
	cfg    *Config
	log    *slog.Logger
	scaler *syshealth.ConcurrencyScaler

	workerID    string
	concurrency int
	sem         chan struct{}

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
	mu        sync.Mutex
	loops     sync.WaitGroup
	inflight  sync.WaitGroup

	// active maps owned job ids to their cancel functions, for the abort
	// sweep and for shutdown.
	activeMu sync.Mutex
	active   map[int64]context.CancelCauseFunc

	// Metrics
	processedCount int64
	successCount   int64
	failureCount   int64
	retryCount     int64
	abortedCount   int64
	metricsMu      sync.RWMutex
}

// NewRunner creates a runner for one queue definition over its storage
// instance. The scaler is optional.
func NewRunner(
	def QueueDefinition,
	store jobs.Storage,
	reg *Registry,
	models ModelRepository,
	cfg *Config,
	scaler *syshealth.ConcurrencyScaler,
	log *slog.Logger,
) *Runner {
	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = cfg.DefaultConcurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Runner{
		def:         def,
		queue:       def.Name,
		store:       store,
		reg:         reg,
		models:      models,
		cfg:         cfg,
		scaler:      scaler,
		workerID:    def.Name + "-" + uuid.NewString(),
		concurrency: concurrency,
		log:         log.With(logger.Scope("workers.runner"), slog.String("queue", def.Name)),
	}
}

// WorkerID returns the dispatch identity stamped onto claimed jobs.
func (r *Runner) WorkerID() string { return r.workerID }

// Start begins the dispatch and abort-sweep loops
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.stoppedCh = make(chan struct{})
	r.mu.Unlock()

	r.sem = make(chan struct{}, r.concurrency)
	r.activeMu.Lock()
	r.active = make(map[int64]context.CancelCauseFunc)
	r.activeMu.Unlock()

	if r.cfg.RecoverOnStart {
		go r.recoverOnStartup(ctx)
	}

	r.log.Info("queue runner starting",
		slog.String("worker_id", r.workerID),
		slog.String("backend", r.def.Backend),
		slog.Int("concurrency", r.concurrency))

	r.loops.Add(2)
	go r.dispatchLoop(ctx)
	go r.abortLoop(ctx)
	go func() {
		r.loops.Wait()
		close(r.stoppedCh)
	}()

	return nil
}

// Stop stops intake, signals cancel to in-flight jobs, and waits for them
// up to the context deadline. Jobs that do not finish in time are left
// PROCESSING for stale recovery.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	r.log.Debug("waiting for queue runner to stop...")

	select {
	case <-r.stoppedCh:
	case <-ctx.Done():
		r.log.Warn("queue runner loop stop timeout")
	}

	r.cancelActive(errShutdown)

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.log.Info("queue runner stopped gracefully")
	case <-ctx.Done():
		r.log.Warn("queue runner stop timeout, abandoning in-flight jobs")
	}

	return nil
}

// IsRunning returns whether the runner is currently running
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// recoverOnStartup reclaims stale leases and fails past-deadline rows
// before the first dispatch.
func (r *Runner) recoverOnStartup(ctx context.Context) {
	recovered, err := r.store.RecoverStale(ctx, r.cfg.StaleHorizon)
	if err != nil {
		r.log.Warn("failed to recover stale jobs on startup",
			slog.String("error", err.Error()))
	} else if recovered > 0 {
		r.log.Info("recovered stale jobs on startup",
			slog.Int64("count", recovered))
	}

	expired, err := r.store.FailExpired(ctx)
	if err != nil {
		r.log.Warn("failed to expire past-deadline jobs on startup",
			slog.String("error", err.Error()))
	} else if expired > 0 {
		r.log.Info("failed past-deadline jobs on startup",
			slog.Int64("count", expired))
	}
}

// dispatchLoop claims eligible jobs and hands them to worker goroutines,
// sleeping with jittered backoff while the queue is empty.
func (r *Runner) dispatchLoop(ctx context.Context) {
	defer r.loops.Done()

	var idleStreak, storageStreak int
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Under pressure the scaler shrinks the effective cap below the
		// semaphore size; intake waits until in-flight count drops.
		if r.throttled() {
			if !r.sleep(ctx, jitter(r.cfg.IdleBackoffMax)) {
				return
			}
			continue
		}

		if !r.acquireSlot(ctx) {
			return
		}

		job, err := r.store.Next(ctx, r.workerID)
		if err != nil {
			r.releaseSlot()
			storageStreak++
			pause := backoffDelay(r.cfg.StorageBackoffBase, r.cfg.StorageBackoffMax, storageStreak-1)
			r.log.Warn("dispatch fetch failed, pausing",
				slog.String("error", err.Error()),
				slog.Duration("pause", pause))
			if !r.sleep(ctx, jitter(pause)) {
				return
			}
			continue
		}
		storageStreak = 0

		if job == nil {
			r.releaseSlot()
			idleStreak++
			if !r.sleep(ctx, jitter(backoffDelay(r.cfg.IdleBackoffMin, r.cfg.IdleBackoffMax, idleStreak-1))) {
				return
			}
			continue
		}
		idleStreak = 0

		r.inflight.Add(1)
		go func(j *jobs.Job) {
			defer r.inflight.Done()
			defer r.releaseSlot()
			r.execute(ctx, j)
		}(job)
	}
}

// abortLoop periodically sweeps owned jobs for abort requests and cancels
// their run contexts.
func (r *Runner) abortLoop(ctx context.Context) {
	defer r.loops.Done()

	ticker := time.NewTicker(r.cfg.AbortCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepAborting(ctx)
		}
	}
}

// sweepAborting re-reads every owned job and fires the cancel signal of
// those moved to ABORTING.
func (r *Runner) sweepAborting(ctx context.Context) {
	r.activeMu.Lock()
	ids := make([]int64, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.activeMu.Unlock()

	for _, id := range ids {
		stored, err := r.store.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, jobs.ErrNotFound) {
				r.log.Warn("abort sweep read failed",
					slog.Int64("job_id", id),
					slog.String("error", err.Error()))
			}
			continue
		}
		if stored.Status != jobs.StatusAborting {
			continue
		}
		r.activeMu.Lock()
		cancel, ok := r.active[id]
		r.activeMu.Unlock()
		if ok {
			r.log.Info("abort requested, cancelling job",
				slog.Int64("job_id", id))
			cancel(errAbortRequested)
		}
	}
}

// execute runs one claimed job to its recorded outcome.
func (r *Runner) execute(ctx context.Context, job *jobs.Job) {
	ctx, span := tracing.Start(ctx, "workers.run",
		attribute.String("queue.name", r.queue),
		attribute.Int64("job.id", job.ID),
		attribute.Int("job.attempt", job.RunAttempts+1),
	)
	defer span.End()

	start := time.Now()
	JobsDispatched.WithLabelValues(r.queue).Inc()
	JobsInFlight.WithLabelValues(r.queue).Inc()
	defer func() {
		JobsInFlight.WithLabelValues(r.queue).Dec()
		JobDuration.WithLabelValues(r.queue).Observe(time.Since(start).Seconds())
	}()

	fn, model, err := r.resolve(job)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.completeFailure(ctx, job, err)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if job.DeadlineAt != nil {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, *job.DeadlineAt)
		defer cancelDeadline()
	}

	r.trackActive(job.ID, cancel)
	defer r.untrackActive(job.ID)

	// Progress writes outlive the run context so a cancelled function can
	// still flush its last update.
	rc := newRunContext(job, model, r.store, context.WithoutCancel(ctx), r.cfg.ProgressDelta, r.log)

	type runResult struct {
		output map[string]any
		err    error
	}
	resCh := make(chan runResult, 1)
	go func() {
		out, err := invoke(runCtx, fn, rc)
		resCh <- runResult{output: out, err: err}
	}()

	var res runResult
	select {
	case res = <-resCh:
	case <-runCtx.Done():
		// Cancelled. Give the function a grace period to return before
		// the outcome is recorded without it.
		grace := time.NewTimer(r.cfg.AbortGrace)
		select {
		case res = <-resCh:
			grace.Stop()
		case <-grace.C:
			r.abandon(ctx, job, context.Cause(runCtx), span)
			return
		}
	}

	r.finish(ctx, job, res.output, res.err, context.Cause(runCtx), span)
}

// invoke calls the run function, converting a panic into an error so one
// bad handler cannot take the runner down.
func invoke(ctx context.Context, fn RunFunc, rc *RunContext) (out map[string]any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("run function panicked: %v", p)
		}
	}()
	return fn(ctx, rc)
}

// resolve looks up the run function and model for a claimed job. Both are
// resolved at dispatch time; a miss is a permanent failure.
func (r *Runner) resolve(job *jobs.Job) (RunFunc, *Model, error) {
	provider := r.def.ProviderName()
	taskType := TaskTypeOf(job.Input)
	if taskType == "" {
		taskType = r.def.TaskType
	}

	fn, ok := r.reg.Lookup(provider, taskType)
	if !ok {
		return nil, nil, jobs.NewPermanent(jobs.CodeNoRunFunction,
			fmt.Sprintf("no run function registered for %s/%s", provider, taskType))
	}

	var model *Model
	if name := ModelNameOf(job.Input); name != "" {
		if r.models == nil {
			return nil, nil, jobs.NewPermanent(jobs.CodeModelNotFound,
				fmt.Sprintf("model %q not found", name))
		}
		m, err := r.models.FindByName(name)
		if err != nil {
			return nil, nil, jobs.NewPermanent(jobs.CodeModelNotFound,
				fmt.Sprintf("model %q not found", name))
		}
		model = m
	}
	return fn, model, nil
}

// finish records the outcome of a run whose function returned. The cancel
// cause decides before the function's own result: an observed abort wins
// even over a successful return.
func (r *Runner) finish(ctx context.Context, job *jobs.Job, output map[string]any, runErr, cause error, span trace.Span) {
	switch {
	case errors.Is(cause, errAbortRequested):
		span.SetStatus(codes.Error, "aborted")
		r.completeAborted(ctx, job, errAbortRequested.Error(), jobs.CodeAborted)
		return
	case errors.Is(cause, context.DeadlineExceeded):
		span.SetStatus(codes.Error, "deadline exceeded")
		r.completeDeadline(ctx, job)
		return
	case cause != nil && runErr != nil:
		// Shutdown interrupted the run. Leave the row PROCESSING so stale
		// recovery re-queues it without burning an attempt.
		r.log.Info("job interrupted by shutdown, leaving for recovery",
			slog.Int64("job_id", job.ID))
		return
	}

	if runErr == nil {
		span.SetStatus(codes.Ok, "")
		r.completeSuccess(ctx, job, output)
		return
	}
	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())
	r.completeFailure(ctx, job, runErr)
}

// abandon records the outcome of a run whose function did not return
// within the grace period after cancellation.
func (r *Runner) abandon(ctx context.Context, job *jobs.Job, cause error, span trace.Span) {
	switch {
	case errors.Is(cause, errAbortRequested):
		span.SetStatus(codes.Error, "abort timed out")
		r.log.Warn("run function ignored abort, abandoning",
			slog.Int64("job_id", job.ID),
			slog.Duration("grace", r.cfg.AbortGrace))
		r.completeAborted(ctx, job,
			fmt.Sprintf("abort not honored within %s", r.cfg.AbortGrace), jobs.CodeAbortTimeout)
	case errors.Is(cause, context.DeadlineExceeded):
		span.SetStatus(codes.Error, "deadline exceeded")
		r.log.Warn("run function ignored deadline, abandoning",
			slog.Int64("job_id", job.ID))
		r.completeDeadline(ctx, job)
	default:
		// Shutdown. The row stays PROCESSING for stale recovery.
		span.SetStatus(codes.Error, "abandoned at shutdown")
		r.log.Warn("abandoning job at shutdown, stale recovery will reclaim it",
			slog.Int64("job_id", job.ID))
	}
}

// completeSuccess records a COMPLETED outcome. A rejection means the row
// moved to ABORTING after the function returned; the abort is acknowledged
// instead.
func (r *Runner) completeSuccess(ctx context.Context, job *jobs.Job, output map[string]any) {
	job.Status = jobs.StatusCompleted
	job.Output = output
	job.Error = ""
	job.ErrorCode = ""
	if err := r.complete(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			r.acknowledgeAbort(ctx, job.ID)
			return
		}
		r.log.Error("failed to record job success",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	r.incrementSuccess()
	JobsCompleted.WithLabelValues(r.queue, resultSuccess).Inc()
	r.log.Info("job completed",
		slog.Int64("job_id", job.ID),
		slog.Int("attempts", job.RunAttempts))
}

// completeAborted records the FAILED outcome of an observed abort.
func (r *Runner) completeAborted(ctx context.Context, job *jobs.Job, message, code string) {
	job.Status = jobs.StatusFailed
	job.Error = message
	job.ErrorCode = code
	job.Output = nil
	if err := r.complete(ctx, job); err != nil {
		// DISABLED can win the race against the abort acknowledgement.
		if errors.Is(err, jobs.ErrInvalidTransition) {
			r.log.Debug("abort acknowledgement rejected, job moved on",
				slog.Int64("job_id", job.ID))
			return
		}
		r.log.Error("failed to record aborted job",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	r.incrementAborted()
	JobsCompleted.WithLabelValues(r.queue, resultAborted).Inc()
	r.log.Info("job aborted",
		slog.Int64("job_id", job.ID),
		slog.String("error_code", code))
}

// completeDeadline records the FAILED outcome of an expired deadline.
func (r *Runner) completeDeadline(ctx context.Context, job *jobs.Job) {
	job.Status = jobs.StatusFailed
	job.Error = "deadline exceeded"
	job.ErrorCode = jobs.CodeDeadlineExceeded
	job.Output = nil
	if err := r.complete(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			r.log.Debug("deadline failure rejected, job moved on",
				slog.Int64("job_id", job.ID))
			return
		}
		r.log.Error("failed to record deadline failure",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	r.incrementFailure()
	JobsCompleted.WithLabelValues(r.queue, resultFailure).Inc()
	r.log.Warn("job deadline exceeded",
		slog.Int64("job_id", job.ID))
}

// completeFailure applies the retry policy to a returned error: permanent
// errors and exhausted attempts fail terminally, everything else re-queues
// with exponential backoff.
func (r *Runner) completeFailure(ctx context.Context, job *jobs.Job, runErr error) {
	message := runErr.Error()

	if !jobs.Retryable(runErr) {
		job.Status = jobs.StatusFailed
		job.Error = message
		job.ErrorCode = jobs.CodeOf(runErr)
		job.Output = nil
		if err := r.complete(ctx, job); err != nil {
			if errors.Is(err, jobs.ErrInvalidTransition) {
				r.acknowledgeAbort(ctx, job.ID)
				return
			}
			r.log.Error("failed to record job failure",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()))
			return
		}
		r.incrementFailure()
		JobsCompleted.WithLabelValues(r.queue, resultFailure).Inc()
		r.log.Warn("job failed permanently",
			slog.Int64("job_id", job.ID),
			slog.String("error_code", job.ErrorCode),
			slog.String("error", message))
		return
	}

	if job.RunAttempts+1 >= job.MaxRetries {
		job.Status = jobs.StatusFailed
		job.Error = message
		job.ErrorCode = jobs.CodeRetriesExhausted
		job.Output = nil
		if err := r.complete(ctx, job); err != nil {
			if errors.Is(err, jobs.ErrInvalidTransition) {
				r.acknowledgeAbort(ctx, job.ID)
				return
			}
			r.log.Error("failed to record job failure",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()))
			return
		}
		r.incrementFailure()
		JobsCompleted.WithLabelValues(r.queue, resultFailure).Inc()
		r.log.Warn("job retries exhausted",
			slog.Int64("job_id", job.ID),
			slog.Int("attempts", job.RunAttempts),
			slog.String("error", message))
		return
	}

	delay := backoffDelay(r.def.BackoffBase(r.cfg.RetryBackoffBase), r.def.BackoffMax(r.cfg.RetryBackoffMax), job.RunAttempts)
	if ra := jobs.RetryAfterOf(runErr); ra > delay {
		delay = ra
	}
	job.Status = jobs.StatusPending
	job.RunAfter = time.Now().Add(delay)
	job.Error = message
	job.ErrorCode = jobs.CodeOf(runErr)
	job.Output = nil
	if err := r.complete(ctx, job); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// A retry cannot leave ABORTING; the abort wins.
			r.acknowledgeAbort(ctx, job.ID)
			return
		}
		r.log.Error("failed to re-queue job",
			slog.Int64("job_id", job.ID),
			slog.String("error", err.Error()))
		return
	}
	r.incrementRetry()
	JobsCompleted.WithLabelValues(r.queue, resultRetry).Inc()
	r.log.Info("job re-queued for retry",
		slog.Int64("job_id", job.ID),
		slog.Int("attempts", job.RunAttempts),
		slog.Duration("delay", delay),
		slog.String("error", message))
}

// acknowledgeAbort handles a completion rejected because the row moved to
// ABORTING underneath the runner: the stored state is re-read and the
// abort recorded as FAILED.
func (r *Runner) acknowledgeAbort(ctx context.Context, id int64) {
	readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionWriteTimeout)
	defer cancel()

	stored, err := r.store.Get(readCtx, id)
	if err != nil {
		r.log.Warn("re-read after rejected completion failed",
			slog.Int64("job_id", id),
			slog.String("error", err.Error()))
		return
	}
	if stored.Status != jobs.StatusAborting {
		r.log.Debug("completion rejected, job moved on",
			slog.Int64("job_id", id),
			slog.String("status", string(stored.Status)))
		return
	}
	r.completeAborted(ctx, stored, errAbortRequested.Error(), jobs.CodeAborted)
}

// complete writes a prepared outcome on a context detached from the run's
// cancellation, so aborts and deadlines cannot lose the record itself.
func (r *Runner) complete(ctx context.Context, job *jobs.Job) error {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionWriteTimeout)
	defer cancel()
	return r.store.Complete(writeCtx, job)
}

func (r *Runner) trackActive(id int64, cancel context.CancelCauseFunc) {
	r.activeMu.Lock()
	r.active[id] = cancel
	r.activeMu.Unlock()
}

func (r *Runner) untrackActive(id int64) {
	r.activeMu.Lock()
	delete(r.active, id)
	r.activeMu.Unlock()
}

func (r *Runner) cancelActive(cause error) {
	r.activeMu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(r.active))
	for _, cancel := range r.active {
		cancels = append(cancels, cancel)
	}
	r.activeMu.Unlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
}

// throttled reports whether adaptive scaling has shrunk the effective cap
// below the current in-flight count.
func (r *Runner) throttled() bool {
	if r.scaler == nil {
		return false
	}
	effective := r.scaler.GetConcurrency(r.concurrency)
	if effective < 1 {
		effective = 1
	}
	return len(r.sem) >= effective
}

func (r *Runner) acquireSlot(ctx context.Context) bool {
	select {
	case r.sem <- struct{}{}:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (r *Runner) releaseSlot() {
	<-r.sem
}

// sleep waits d unless the runner stops first.
func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-r.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoffDelay is min(base·2^attempt, max), doubling stepwise so large
// attempt counts cannot overflow.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d
}

// jitter spreads d over [0.75d, 1.25d] so idle runners do not poll in
// lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	quarter := int64(d / 4)
	if quarter <= 0 {
		return d
	}
	return d - time.Duration(quarter) + time.Duration(rand.Int63n(2*quarter+1))
}

// incrementSuccess increments both processed and success counters
func (r *Runner) incrementSuccess() {
	r.metricsMu.Lock()
	r.processedCount++
	r.successCount++
	r.metricsMu.Unlock()
}

// incrementFailure increments both processed and failure counters
func (r *Runner) incrementFailure() {
	r.metricsMu.Lock()
	r.processedCount++
	r.failureCount++
	r.metricsMu.Unlock()
}

// incrementRetry increments both processed and retry counters
func (r *Runner) incrementRetry() {
	r.metricsMu.Lock()
	r.processedCount++
	r.retryCount++
	r.metricsMu.Unlock()
}

// incrementAborted increments both processed and aborted counters
func (r *Runner) incrementAborted() {
	r.metricsMu.Lock()
	r.processedCount++
	r.abortedCount++
	r.metricsMu.Unlock()
}

// Metrics returns current runner metrics
func (r *Runner) Metrics() RunnerMetrics {
	r.metricsMu.RLock()
	defer r.metricsMu.RUnlock()

	return RunnerMetrics{
		Processed: r.processedCount,
		Succeeded: r.successCount,
		Failed:    r.failureCount,
		Retried:   r.retryCount,
		Aborted:   r.abortedCount,
	}
}

// RunnerMetrics contains runner metrics
type RunnerMetrics struct {
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Aborted   int64 `json:"aborted"`
}
