package health

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/scheduler"
	"github.com/conveyorhq/conveyor/domain/workers"
)

// MetricsHandler serves queue and scheduler rollups. Depths come from
// the storage interface so the numbers are right on every backend.
type MetricsHandler struct {
	queues  *jobs.Queues
	manager *workers.Manager
	sched   *scheduler.Scheduler
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(queues *jobs.Queues, manager *workers.Manager, sched *scheduler.Scheduler) *MetricsHandler {
	return &MetricsHandler{
		queues:  queues,
		manager: manager,
		sched:   sched,
	}
}

// QueueMetrics represents one queue's rollup
type QueueMetrics struct {
	Queue      string                 `json:"queue"`
	Pending    int                    `json:"pending"`
	Processing int                    `json:"processing"`
	Aborting   int                    `json:"aborting"`
	Completed  int                    `json:"completed"`
	Failed     int                    `json:"failed"`
	Disabled   int                    `json:"disabled"`
	Total      int                    `json:"total"`
	MaxRetries int                    `json:"max_retries,omitempty"`
	DeadlineMS int64                  `json:"deadline_ms,omitempty"`
	Runner     *workers.RunnerMetrics `json:"runner,omitempty"`
}

// AllQueueMetrics contains metrics for all registered queues
type AllQueueMetrics struct {
	Queues         []QueueMetrics `json:"queues"`
	WorkersRunning bool           `json:"workers_running"`
	Timestamp      string         `json:"timestamp"`
}

// Queues returns per-status depths and runner counters for every queue
func (h *MetricsHandler) Queues(c echo.Context) error {
	ctx := c.Request().Context()
	runnerMetrics := h.manager.Metrics()

	allMetrics := make([]QueueMetrics, 0, len(h.queues.Names()))
	for _, name := range h.queues.Names() {
		store, ok := h.queues.Get(name)
		if !ok {
			continue
		}

		m := QueueMetrics{Queue: name}
		failed := false
		for _, status := range jobs.Statuses {
			n, err := store.Size(ctx, status)
			if err != nil {
				// Skip queues whose backend is unreachable
				failed = true
				break
			}
			switch status {
			case jobs.StatusPending:
				m.Pending = n
			case jobs.StatusProcessing:
				m.Processing = n
			case jobs.StatusAborting:
				m.Aborting = n
			case jobs.StatusCompleted:
				m.Completed = n
			case jobs.StatusFailed:
				m.Failed = n
			case jobs.StatusDisabled:
				m.Disabled = n
			}
			m.Total += n
		}
		if failed {
			continue
		}

		if meta, ok := h.queues.Meta(name); ok {
			m.MaxRetries = meta.MaxRetries
			m.DeadlineMS = meta.Deadline.Milliseconds()
		}
		if rm, ok := runnerMetrics[name]; ok {
			m.Runner = &rm
		}

		allMetrics = append(allMetrics, m)
	}

	return c.JSON(http.StatusOK, AllQueueMetrics{
		Queues:         allMetrics,
		WorkersRunning: h.manager.IsRunning(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	})
}

// Scheduler returns the registered maintenance tasks and their schedules
func (h *MetricsHandler) Scheduler(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"running": h.sched.IsRunning(),
		"tasks":   h.sched.GetTaskInfo(),
	})
}
