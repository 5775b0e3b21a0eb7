package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/conveyorhq/conveyor/domain/retention"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// RetentionSweepTask deletes terminal jobs past their retention age,
// archiving them first when an exporter is configured.
type RetentionSweepTask struct {
	svc *retention.Service
	log *slog.Logger
}

// NewRetentionSweepTask creates a new retention sweep task
func NewRetentionSweepTask(svc *retention.Service, log *slog.Logger) *RetentionSweepTask {
	return &RetentionSweepTask{
		svc: svc,
		log: log.With(logger.Scope("scheduler.retention_sweep")),
	}
}

// Run executes one retention sweep across all queues
func (t *RetentionSweepTask) Run(ctx context.Context) error {
	start := time.Now()
	t.log.Debug("sweeping expired jobs")

	stats, err := t.svc.Sweep(ctx)
	if err != nil {
		t.log.Error("retention sweep failed",
			slog.String("error", err.Error()))
		return err
	}

	if stats.Deleted > 0 || stats.Archived > 0 {
		t.log.Info("retention sweep done",
			slog.Int64("deleted", stats.Deleted),
			slog.Int("archived", stats.Archived),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("retention sweep done, nothing expired",
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// RecoveryTask reclaims PROCESSING jobs abandoned by dead workers and
// fails PENDING jobs whose deadline passed while queued.
type RecoveryTask struct {
	svc *retention.Service
	log *slog.Logger
}

// NewRecoveryTask creates a new recovery task
func NewRecoveryTask(svc *retention.Service, log *slog.Logger) *RecoveryTask {
	return &RecoveryTask{
		svc: svc,
		log: log.With(logger.Scope("scheduler.recovery")),
	}
}

// Run executes one recovery pass. Both sweeps run even if the first
// fails so a broken queue cannot starve the other.
func (t *RecoveryTask) Run(ctx context.Context) error {
	start := time.Now()
	t.log.Debug("recovering stranded jobs")

	recovered, recoverErr := t.svc.RecoverStale(ctx)
	failed, expireErr := t.svc.FailExpired(ctx)

	if err := errors.Join(recoverErr, expireErr); err != nil {
		t.log.Error("recovery pass failed",
			slog.String("error", err.Error()))
		return err
	}

	if recovered > 0 || failed > 0 {
		t.log.Info("recovery pass done",
			slog.Int64("recovered", recovered),
			slog.Int64("expired", failed),
			slog.Duration("duration", time.Since(start)))
	} else {
		t.log.Debug("recovery pass done, nothing stranded",
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// QueueDepthTask samples per-status queue depths into the metrics
// registry so dashboards can graph backlog without polling the API.
type QueueDepthTask struct {
	manager *workers.Manager
	log     *slog.Logger
}

// NewQueueDepthTask creates a new queue depth sampling task
func NewQueueDepthTask(manager *workers.Manager, log *slog.Logger) *QueueDepthTask {
	return &QueueDepthTask{
		manager: manager,
		log:     log.With(logger.Scope("scheduler.queue_depth")),
	}
}

// Run samples every registered queue
func (t *QueueDepthTask) Run(ctx context.Context) error {
	if err := t.manager.SampleDepths(ctx); err != nil {
		t.log.Warn("queue depth sampling incomplete",
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
