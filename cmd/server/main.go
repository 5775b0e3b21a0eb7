// Package main provides the entry point for the Conveyor queue server.
package main

import (
	"log/slog"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/conveyorhq/conveyor/domain/health"
	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/retention"
	"github.com/conveyorhq/conveyor/domain/scheduler"
	"github.com/conveyorhq/conveyor/domain/tracing"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/internal/alerts"
	"github.com/conveyorhq/conveyor/internal/archive"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/internal/database"
	"github.com/conveyorhq/conveyor/internal/server"
	"github.com/conveyorhq/conveyor/pkg/auth"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

func main() {
	// Load .env files if present (for local development)
	// Order matters: .env.local overrides .env
	// Note: Load() won't overwrite existing vars, Overload() will
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local") // Overload ensures local values take precedence

	fx.New(
		// Logging
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log}
		}),

		// Infrastructure modules
		logger.Module,
		config.Module,
		database.Module,
		server.Module,
		tracing.Module,

		// Auth module (admin bearer token for the mutating surface)
		auth.Module,

		// Queue runtime: definitions, storage backends, runners
		workers.Module,

		// Queue HTTP API (enqueue, inspect, stream, abort)
		jobs.Module,

		// Terminal-job retention and archive export
		retention.Module,
		archive.Module,

		// Scheduled maintenance (retention sweeps, stale recovery, depth samples)
		scheduler.Module,

		// Health probes and Prometheus metrics
		health.Module,

		// Failure alert emails
		alerts.Module,
	).Run()
}
