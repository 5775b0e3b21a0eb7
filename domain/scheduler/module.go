package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/retention"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/internal/config"
)

// Module provides scheduled maintenance tasks
var Module = fx.Module("scheduler",
	fx.Provide(
		NewConfig,
		NewScheduler,
	),
	fx.Invoke(
		RegisterTasks,
		RegisterSchedulerLifecycle,
	),
)

// TaskParams contains dependencies for creating scheduled tasks
type TaskParams struct {
	fx.In
	Scheduler *Scheduler
	Retention *retention.Service
	Manager   *workers.Manager
	App       *config.Config
	Cfg       *Config
	Log       *slog.Logger
}

// RegisterTasks registers all scheduled tasks
func RegisterTasks(p TaskParams) error {
	if !p.Cfg.Enabled {
		p.Log.Info("scheduler disabled, skipping task registration")
		return nil
	}

	// Register retention sweep task
	if p.App.Retention.Enabled {
		sweepTask := NewRetentionSweepTask(p.Retention, p.Log)
		if err := addTask(p.Scheduler, "retention_sweep",
			p.Cfg.RetentionSweepSchedule, p.Cfg.RetentionSweepInterval, sweepTask.Run); err != nil {
			p.Log.Error("failed to register retention sweep task",
				slog.String("error", err.Error()))
		}
	} else {
		p.Log.Info("retention disabled, terminal jobs are kept forever")
	}

	// Register stale recovery and deadline enforcement task
	recoveryTask := NewRecoveryTask(p.Retention, p.Log)
	if err := addTask(p.Scheduler, "recovery",
		p.Cfg.RecoverySchedule, p.Cfg.RecoveryInterval, recoveryTask.Run); err != nil {
		p.Log.Error("failed to register recovery task",
			slog.String("error", err.Error()))
	}

	// Register queue depth sampling task
	depthTask := NewQueueDepthTask(p.Manager, p.Log)
	if err := addTask(p.Scheduler, "queue_depth_sample",
		p.Cfg.QueueDepthSchedule, p.Cfg.QueueDepthInterval, depthTask.Run); err != nil {
		p.Log.Error("failed to register queue depth task",
			slog.String("error", err.Error()))
	}

	p.Log.Info("registered scheduled tasks",
		slog.Any("tasks", p.Scheduler.ListTasks()))

	return nil
}

// addTask registers on the cron override when one is set, otherwise on
// the interval.
func addTask(s *Scheduler, name, schedule string, interval time.Duration, fn TaskFunc) error {
	if schedule != "" {
		return s.AddCronTask(name, schedule, fn)
	}
	return s.AddIntervalTask(name, interval, fn)
}

// RegisterSchedulerLifecycle registers the scheduler with fx lifecycle
func RegisterSchedulerLifecycle(lc fx.Lifecycle, scheduler *Scheduler, cfg *Config) {
	if !cfg.Enabled {
		return
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return scheduler.Stop(ctx)
		},
	})
}
