// Package retention prunes terminal jobs by age, recovers rows stranded
// by dead workers, and enforces run deadlines across every registered
// queue. The scheduler drives it on intervals; the worker runtime calls
// the same recovery paths once at startup.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Archiver exports jobs to external storage before they are deleted.
// Implementations must be safe for concurrent use.
type Archiver interface {
	// Export writes the given jobs and returns the destination key.
	Export(ctx context.Context, queue string, rows []*jobs.Job) (string, error)
}

// SweepStats summarizes a single retention pass.
type SweepStats struct {
	Deleted  int64 `json:"deleted"`
	Archived int   `json:"archived"`
}

// Service runs retention over all registered queues.
type Service struct {
	queues   *jobs.Queues
	cfg      *config.RetentionConfig
	archiver Archiver
	log      *slog.Logger
}

// NewService creates a retention service. archiver may be nil, in which
// case jobs are deleted without being exported.
func NewService(queues *jobs.Queues, cfg *config.RetentionConfig, archiver Archiver, log *slog.Logger) *Service {
	return &Service{
		queues:   queues,
		cfg:      cfg,
		archiver: archiver,
		log:      log.With(logger.Scope("retention")),
	}
}

// ages maps each terminal status to its configured retention age. A
// zero or negative age disables retention for that status.
func (s *Service) ages() map[jobs.Status]time.Duration {
	return map[jobs.Status]time.Duration{
		jobs.StatusCompleted: s.cfg.CompletedAge,
		jobs.StatusFailed:    s.cfg.FailedAge,
		jobs.StatusDisabled:  s.cfg.DisabledAge,
	}
}

// Sweep deletes terminal jobs older than their configured retention age
// on every queue, exporting them through the archiver first when one is
// configured. An export failure skips deletion for that status so no
// data is lost; the error is logged and the sweep continues.
func (s *Service) Sweep(ctx context.Context) (SweepStats, error) {
	start := time.Now()
	var stats SweepStats

	for _, name := range s.queues.Names() {
		store, ok := s.queues.Get(name)
		if !ok {
			continue
		}
		for status, age := range s.ages() {
			if age <= 0 {
				continue
			}
			if s.archiver != nil {
				exported, err := s.archive(ctx, name, store, status, age)
				if err != nil {
					s.log.Warn("archive failed, keeping jobs",
						slog.String("queue", name),
						slog.String("status", string(status)),
						slog.String("error", err.Error()))
					continue
				}
				stats.Archived += exported
			}
			deleted, err := store.DeleteByStatusAndAge(ctx, status, age)
			if err != nil {
				return stats, fmt.Errorf("delete %s jobs on %s: %w", status, name, err)
			}
			if deleted > 0 {
				s.log.Info("deleted expired jobs",
					slog.String("queue", name),
					slog.String("status", string(status)),
					slog.Int64("count", deleted))
			}
			stats.Deleted += deleted
		}
	}

	s.log.Debug("retention sweep finished",
		slog.Int64("deleted", stats.Deleted),
		slog.Int("archived", stats.Archived),
		slog.Duration("duration", time.Since(start)))
	return stats, nil
}

// archive exports the jobs that the following delete would remove:
// those in the given status whose completion timestamp is older than
// the cutoff.
func (s *Service) archive(ctx context.Context, queue string, store jobs.Storage, status jobs.Status, age time.Duration) (int, error) {
	rows, err := store.Peek(ctx, status, 0)
	if err != nil {
		return 0, fmt.Errorf("list %s jobs: %w", status, err)
	}
	cutoff := time.Now().Add(-age)
	expired := rows[:0]
	for _, row := range rows {
		if row.CompletedAt != nil && row.CompletedAt.Before(cutoff) {
			expired = append(expired, row)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	key, err := s.archiver.Export(ctx, queue, expired)
	if err != nil {
		return 0, err
	}
	s.log.Info("archived jobs before deletion",
		slog.String("queue", queue),
		slog.String("status", string(status)),
		slog.Int("count", len(expired)),
		slog.String("key", key))
	return len(expired), nil
}

// RecoverStale re-queues PROCESSING jobs whose workers have not checked
// in within the stale horizon. Returns the total recovered across all
// queues.
func (s *Service) RecoverStale(ctx context.Context) (int64, error) {
	start := time.Now()
	var total int64

	for _, name := range s.queues.Names() {
		store, ok := s.queues.Get(name)
		if !ok {
			continue
		}
		recovered, err := store.RecoverStale(ctx, s.cfg.StaleHorizon)
		if err != nil {
			return total, fmt.Errorf("recover stale jobs on %s: %w", name, err)
		}
		if recovered > 0 {
			s.log.Info("recovered stale jobs",
				slog.String("queue", name),
				slog.Int64("count", recovered))
		}
		total += recovered
	}

	s.log.Debug("stale recovery finished",
		slog.Int64("recovered", total),
		slog.Duration("duration", time.Since(start)))
	return total, nil
}

// FailExpired fails PENDING jobs whose deadline passed while they
// waited in the queue. Returns the total failed across all queues.
func (s *Service) FailExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	var total int64

	for _, name := range s.queues.Names() {
		store, ok := s.queues.Get(name)
		if !ok {
			continue
		}
		failed, err := store.FailExpired(ctx)
		if err != nil {
			return total, fmt.Errorf("fail expired jobs on %s: %w", name, err)
		}
		if failed > 0 {
			s.log.Info("failed jobs past deadline",
				slog.String("queue", name),
				slog.Int64("count", failed))
		}
		total += failed
	}

	s.log.Debug("deadline sweep finished",
		slog.Int64("failed", total),
		slog.Duration("duration", time.Since(start)))
	return total, nil
}
