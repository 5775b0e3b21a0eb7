package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/syshealth"
)

// Manager owns the per-queue runners. It opens one storage instance per
// queue definition, registers them in the shared queue registry for the
// HTTP layer and the maintenance sweeps, and drives runner lifecycle.
type Manager struct {
	cfg     *Config
	defs    *Definitions
	factory *StorageFactory
	queues  *jobs.Queues
	runners []*Runner
	log     *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewManager builds the storage instance and runner for every queue
// definition. Storage setup is deferred to Start.
func NewManager(
	cfg *Config,
	defs *Definitions,
	factory *StorageFactory,
	queues *jobs.Queues,
	reg *Registry,
	models ModelRepository,
	scaler *syshealth.ConcurrencyScaler,
	log *slog.Logger,
) (*Manager, error) {
	m := &Manager{
		cfg:     cfg,
		defs:    defs,
		factory: factory,
		queues:  queues,
		log:     log.With(logger.Scope("workers.manager")),
	}

	for _, name := range defs.Names() {
		def, ok := defs.Get(name)
		if !ok {
			continue
		}
		store, err := factory.Open(def)
		if err != nil {
			return nil, err
		}
		meta := jobs.QueueMeta{
			MaxRetries: def.MaxRetries,
			Deadline:   def.Deadline(),
		}
		if err := queues.Register(def.Name, store, meta); err != nil {
			return nil, err
		}
		m.runners = append(m.runners, NewRunner(def, store, reg, models, cfg, scaler, log))
	}

	return m, nil
}

// Start creates backend tables and starts every runner. With workers
// disabled the storages are still set up so the HTTP surface can accept
// and inspect jobs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	for _, r := range m.runners {
		if err := r.store.Setup(ctx); err != nil {
			return fmt.Errorf("setup queue %s: %w", r.queue, err)
		}
	}

	if !m.cfg.Enabled {
		m.log.Info("workers disabled, queues are accept-only",
			slog.Int("queues", len(m.runners)))
		return nil
	}

	for _, r := range m.runners {
		if err := r.Start(ctx); err != nil {
			return fmt.Errorf("start runner %s: %w", r.queue, err)
		}
	}

	m.log.Info("queue runners started", slog.Int("count", len(m.runners)))
	return nil
}

// Stop stops every runner in parallel, then closes the queue storages and
// the embedded database handles.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, r := range m.runners {
		wg.Add(1)
		go func(r *Runner) {
			defer wg.Done()
			if err := r.Stop(ctx); err != nil {
				m.log.Warn("runner stop failed",
					slog.String("queue", r.queue),
					slog.String("error", err.Error()))
			}
		}(r)
	}
	wg.Wait()

	if err := m.queues.Close(); err != nil {
		m.log.Warn("closing queue storages failed",
			slog.String("error", err.Error()))
	}
	if err := m.factory.Close(); err != nil {
		m.log.Warn("closing storage handles failed",
			slog.String("error", err.Error()))
	}

	m.log.Info("queue runners stopped")
	return nil
}

// IsRunning returns whether the manager has been started
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Runners returns the managed runners, in definition order.
func (m *Manager) Runners() []*Runner {
	return m.runners
}

// Metrics returns per-queue runner counters keyed by queue name.
func (m *Manager) Metrics() map[string]RunnerMetrics {
	out := make(map[string]RunnerMetrics, len(m.runners))
	for _, r := range m.runners {
		out[r.queue] = r.Metrics()
	}
	return out
}

// SampleDepths refreshes the queue depth gauges. Called on a schedule so
// the scrape path never hits storage.
func (m *Manager) SampleDepths(ctx context.Context) error {
	var firstErr error
	for _, name := range m.queues.Names() {
		store, ok := m.queues.Get(name)
		if !ok {
			continue
		}
		for _, status := range jobs.Statuses {
			n, err := store.Size(ctx, status)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("sample %s: %w", name, err)
				}
				continue
			}
			QueueDepth.WithLabelValues(name, string(status)).Set(float64(n))
		}
	}
	return firstErr
}
