package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/pkg/logger"
)

// InputValidator vets job input before it is enqueued. The worker runtime
// owns the implementation (run-function lookup, model resolution, schema
// checks); the API consults it when one is configured so misconfigured
// jobs are rejected instead of stored.
type InputValidator interface {
	ValidateInput(ctx context.Context, queue string, input map[string]any) error
}

// Service exposes queue operations to the HTTP layer. It is a thin
// coordinator over the registered storages; all durable semantics live in
// the Storage implementations.
type Service struct {
	queues    *Queues
	validator InputValidator
	log       *slog.Logger
}

// NewService creates a jobs service. validator may be nil, in which case
// inputs are enqueued unvetted.
func NewService(queues *Queues, validator InputValidator, log *slog.Logger) *Service {
	return &Service{
		queues:    queues,
		validator: validator,
		log:       log.With(logger.Scope("jobs.service")),
	}
}

// Queues returns the underlying queue registry.
func (s *Service) Queues() *Queues {
	return s.queues
}

// EnqueueParams carries the caller-controlled fields of a new job.
type EnqueueParams struct {
	Input      map[string]any
	RunID      string
	MaxRetries int
	RunAfter   time.Time
	Deadline   *time.Time

	// Dedupe consults the output cache before enqueueing; on a hit the
	// cached output is returned and no job is stored.
	Dedupe bool
}

// EnqueueResult is the outcome of Enqueue: either a stored job or a cached
// output from a previous identical input.
type EnqueueResult struct {
	Job    *Job
	Cached bool
	Output map[string]any
}

// Enqueue validates and stores a new PENDING job on the named queue,
// applying the queue's enqueue-time defaults.
func (s *Service) Enqueue(ctx context.Context, queue string, p EnqueueParams) (*EnqueueResult, error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}

	if s.validator != nil {
		if err := s.validator.ValidateInput(ctx, queue, p.Input); err != nil {
			return nil, err
		}
	}

	if p.Dedupe {
		output, err := store.OutputForInput(ctx, p.Input)
		if err == nil {
			s.log.Debug("enqueue served from output cache", slog.String("queue", queue))
			return &EnqueueResult{Cached: true, Output: output}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	job := &Job{
		Input:      p.Input,
		JobRunID:   p.RunID,
		MaxRetries: p.MaxRetries,
		RunAfter:   p.RunAfter,
		DeadlineAt: p.Deadline,
	}

	meta, _ := s.queues.Meta(queue)
	if job.MaxRetries == 0 && meta.MaxRetries > 0 {
		job.MaxRetries = meta.MaxRetries
	}
	if job.DeadlineAt == nil && meta.Deadline > 0 {
		d := time.Now().Add(meta.Deadline)
		job.DeadlineAt = &d
	}

	if err := store.Add(ctx, job); err != nil {
		return nil, err
	}

	s.log.Info("job enqueued",
		slog.String("queue", queue),
		slog.Int64("job_id", job.ID),
		slog.String("run_id", job.JobRunID))

	return &EnqueueResult{Job: job}, nil
}

// GetJob loads one job by id.
func (s *Service) GetJob(ctx context.Context, queue string, id int64) (*Job, error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}
	return store.Get(ctx, id)
}

// ListJobs returns jobs in dispatch order without claiming them.
func (s *Service) ListJobs(ctx context.Context, queue string, status Status, limit int) ([]*Job, error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}
	if status != "" && !status.Valid() {
		return nil, &Error{Code: CodePermanent, Message: "unknown status " + string(status)}
	}
	return store.Peek(ctx, status, limit)
}

// AbortJob requests cooperative cancellation of a PROCESSING job.
func (s *Service) AbortJob(ctx context.Context, queue string, id int64) (*Job, error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}
	if err := store.Abort(ctx, id); err != nil {
		return nil, err
	}
	return store.Get(ctx, id)
}

// DeleteJob removes one job.
func (s *Service) DeleteJob(ctx context.Context, queue string, id int64) error {
	store, ok := s.queues.Get(queue)
	if !ok {
		return ErrNotFound
	}
	return store.Delete(ctx, id)
}

// QueueStats is the per-status size rollup of one queue.
type QueueStats struct {
	Queue  string         `json:"queue"`
	Total  int            `json:"total"`
	Counts map[string]int `json:"counts"`
}

// Stats counts jobs per status for one queue.
func (s *Service) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}

	stats := &QueueStats{Queue: queue, Counts: make(map[string]int, len(Statuses))}
	for _, status := range Statuses {
		n, err := store.Size(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.Counts[string(status)] = n
		stats.Total += n
	}
	return stats, nil
}

// RunJobs lists the jobs of one logical run. A run may span queues, so
// every registered storage is consulted; results keep per-queue id order.
func (s *Service) RunJobs(ctx context.Context, runID string) ([]*Job, error) {
	var out []*Job
	for _, name := range s.queues.Names() {
		store, ok := s.queues.Get(name)
		if !ok {
			continue
		}
		batch, err := store.GetByRunID(ctx, runID)
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// Subscribe registers a change callback on the named queue.
func (s *Service) Subscribe(ctx context.Context, queue string, fn ChangeFunc, opts SubscribeOptions) (func(), error) {
	store, ok := s.queues.Get(queue)
	if !ok {
		return nil, ErrNotFound
	}
	return store.Subscribe(ctx, fn, opts)
}
