package workers

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/uptrace/bun"
	"go.uber.org/fx"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/syshealth"
)

// Module provides the worker runtime: queue definitions, the run-function
// registry, per-queue storage instances and runners, and the shared queue
// registry the HTTP layer reads.
var Module = fx.Module("workers",
	fx.Provide(
		NewConfig,
		NewRegistry,
		jobs.NewQueues,
		provideDefinitions,
		provideModels,
		NewValidator,
		provideInputValidator,
		provideScaler,
		NewStorageFactory,
		NewManager,
	),
	fx.Invoke(RegisterManagerLifecycle),
)

// provideDefinitions loads the queue-definition file. The file is required:
// a queue server with no queues is a misconfiguration.
func provideDefinitions(cfg *config.Config, log *slog.Logger) (*Definitions, error) {
	defs, err := LoadDefinitions(cfg.QueuesFile)
	if err != nil {
		return nil, err
	}
	log.Info("queue definitions loaded",
		slog.String("path", cfg.QueuesFile),
		slog.Int("count", defs.Len()))
	return defs, nil
}

// provideModels loads the model-capability file. A missing file disables
// model resolution instead of failing startup.
func provideModels(cfg *config.Config, log *slog.Logger) (ModelRepository, error) {
	models, err := LoadModels(cfg.ModelsFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Info("models file not found, model resolution disabled",
				slog.String("path", cfg.ModelsFile))
			return NewStaticModels(), nil
		}
		return nil, err
	}
	log.Info("models loaded",
		slog.String("path", cfg.ModelsFile),
		slog.Int("count", models.Len()))
	return models, nil
}

func provideInputValidator(v *Validator) jobs.InputValidator {
	return v
}

// provideScaler wires adaptive concurrency when enabled. A nil scaler
// means runners use their static caps.
func provideScaler(lc fx.Lifecycle, cfg *Config, db bun.IDB, log *slog.Logger) *syshealth.ConcurrencyScaler {
	if !cfg.AdaptiveConcurrency {
		return nil
	}
	monitor := syshealth.NewMonitor(syshealth.DefaultConfig(), db, log)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return monitor.Start()
		},
		OnStop: func(context.Context) error {
			return monitor.Stop()
		},
	})
	max := cfg.DefaultConcurrency
	if max < 1 {
		max = 1
	}
	return syshealth.NewConcurrencyScaler(monitor, "queue-runners", true, cfg.MinConcurrency, max)
}

// RegisterManagerLifecycle starts the worker manager with the application
func RegisterManagerLifecycle(lc fx.Lifecycle, m *Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			// Use context.Background() - fx lifecycle context has a 15s timeout
			return m.Start(context.Background())
		},
		OnStop: func(ctx context.Context) error {
			return m.Stop(ctx)
		},
	})
}
