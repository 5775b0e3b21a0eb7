// Package testutil provides shared helpers for integration and e2e tests:
// an in-process queue server over memory backends, an HTTP client that can
// also target an external deployment, SSE parsing, and disposable Postgres
// databases built from a migrated template.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/health"
	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/workers"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/apperror"
	"github.com/conveyorhq/conveyor/pkg/auth"
)

// AdminToken is the bearer token the in-process server accepts on the
// mutating routes.
const AdminToken = "test-admin-token"

// defaultQueuesYAML is used when a test does not bring its own definitions.
const defaultQueuesYAML = `
queues:
  - name: embeddings
    backend: memory
    concurrency: 2
    max_retries: 2
`

type serverOptions struct {
	queuesYAML string
	runFuncs   []runFuncBinding
	workersCfg func(*workers.Config)
}

type runFuncBinding struct {
	provider string
	taskType string
	fn       workers.RunFunc
}

// ServerOption customizes the in-process test server.
type ServerOption func(*serverOptions)

// WithQueuesYAML replaces the default queue definitions.
func WithQueuesYAML(doc string) ServerOption {
	return func(o *serverOptions) { o.queuesYAML = doc }
}

// WithRunFunc registers fn for (provider, taskType) before the runners
// start. An empty taskType is the provider's catch-all.
func WithRunFunc(provider, taskType string, fn workers.RunFunc) ServerOption {
	return func(o *serverOptions) {
		o.runFuncs = append(o.runFuncs, runFuncBinding{provider: provider, taskType: taskType, fn: fn})
	}
}

// WithWorkerConfig mutates the worker runtime config before the manager is
// built. Tests use it to shrink backoffs.
func WithWorkerConfig(mutate func(*workers.Config)) ServerOption {
	return func(o *serverOptions) { o.workersCfg = mutate }
}

// TestServer runs the full HTTP surface over memory-backed queues: real
// registry, runners, routes and admin auth, no external services.
type TestServer struct {
	Echo     *echo.Echo
	Config   *config.Config
	Queues   *jobs.Queues
	Registry *workers.Registry
	Manager  *workers.Manager
	Log      *slog.Logger
}

// NewTestServer builds and starts an in-process server. The manager and
// queues shut down via t.Cleanup.
func NewTestServer(t *testing.T, opts ...ServerOption) *TestServer {
	t.Helper()

	o := &serverOptions{queuesYAML: defaultQueuesYAML}
	for _, opt := range opts {
		opt(o)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	hash, err := auth.HashToken(AdminToken)
	require.NoError(t, err)

	cfg := &config.Config{Environment: "test"}
	cfg.Store.Backend = "memory"
	cfg.Admin.TokenHash = hash

	defs, err := workers.ParseDefinitions([]byte(o.queuesYAML))
	require.NoError(t, err)

	wcfg := workers.NewConfig()
	wcfg.RetryBackoffBase = 10 * time.Millisecond
	wcfg.RetryBackoffMax = 50 * time.Millisecond
	wcfg.AbortCheckInterval = 20 * time.Millisecond
	wcfg.AbortGrace = time.Second
	if o.workersCfg != nil {
		o.workersCfg(wcfg)
	}

	reg := workers.NewRegistry()
	for _, b := range o.runFuncs {
		reg.Register(b.provider, b.taskType, b.fn)
	}

	models := workers.NewStaticModels()
	validator := workers.NewValidator(defs, reg, models)
	queues := jobs.NewQueues()
	factory := workers.NewStorageFactory(cfg, nil, nil, log)

	manager, err := workers.NewManager(wcfg, defs, factory, queues, reg, models, nil, log)
	require.NoError(t, err)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperror.HTTPErrorHandler(log)

	admin := auth.NewMiddleware(cfg, log)
	svc := jobs.NewService(queues, validator, log)
	handler := jobs.NewHandler(svc, log)
	jobs.RegisterRoutes(e, handler, admin)

	healthHandler := health.NewHandler(nil, cfg, queues)
	e.GET("/health", healthHandler.Health)
	e.GET("/healthz", healthHandler.Healthz)
	e.GET("/ready", healthHandler.Ready)

	require.NoError(t, manager.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Stop(ctx)
		_ = queues.Close()
	})

	return &TestServer{
		Echo:     e,
		Config:   cfg,
		Queues:   queues,
		Registry: reg,
		Manager:  manager,
		Log:      log,
	}
}
