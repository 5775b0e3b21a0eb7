package jobs

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/conveyorhq/conveyor/pkg/apperror"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/sse"
)

// keepAliveInterval is the SSE comment cadence that keeps idle streams from
// being reaped by proxies.
const keepAliveInterval = 15 * time.Second

// streamBuffer bounds per-subscriber change buffering; a client that cannot
// drain this many events gets dropped changes, not unbounded memory.
const streamBuffer = 256

// Handler handles job queue HTTP requests
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler creates a new jobs handler
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{
		svc: svc,
		log: log.With(logger.Scope("jobs.handler")),
	}
}

// ListQueues handles GET /api/queues
func (h *Handler) ListQueues(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"queues": h.svc.Queues().Names(),
	})
}

// Enqueue handles POST /api/queues/:queue/jobs
func (h *Handler) Enqueue(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}

	var req EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return apperror.ErrBadRequest.WithMessage("invalid request body")
	}
	if len(req.Input) == 0 {
		return apperror.ErrBadRequest.WithMessage("input is required")
	}
	if req.MaxRetries < 0 {
		return apperror.ErrBadRequest.WithMessage("max_retries must not be negative")
	}

	params := EnqueueParams{
		Input:      req.Input,
		RunID:      req.RunID,
		MaxRetries: req.MaxRetries,
		Deadline:   req.DeadlineAt,
		Dedupe:     req.Dedupe,
	}
	if req.RunAfter != nil {
		params.RunAfter = *req.RunAfter
	}

	result, err := h.svc.Enqueue(c.Request().Context(), queue, params)
	if err != nil {
		return mapJobError(err)
	}

	if result.Cached {
		return c.JSON(http.StatusOK, &EnqueueResponse{Cached: true, Output: result.Output})
	}
	return c.JSON(http.StatusCreated, &EnqueueResponse{Job: ToResponse(result.Job)})
}

// GetJob handles GET /api/queues/:queue/jobs/:id
func (h *Handler) GetJob(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}
	id, err := jobIDParam(c)
	if err != nil {
		return err
	}

	job, err := h.svc.GetJob(c.Request().Context(), queue, id)
	if err != nil {
		return mapJobError(err)
	}
	return c.JSON(http.StatusOK, ToResponse(job))
}

// ListJobs handles GET /api/queues/:queue/jobs
func (h *Handler) ListJobs(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}

	status := Status(c.QueryParam("status"))
	if status != "" && !status.Valid() {
		return apperror.ErrBadRequest.WithMessage("unknown status " + string(status))
	}

	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return apperror.ErrBadRequest.WithMessage("invalid limit")
		}
		limit = n
	}

	list, err := h.svc.ListJobs(c.Request().Context(), queue, status, limit)
	if err != nil {
		return mapJobError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"jobs": ToResponseList(list),
	})
}

// AbortJob handles POST /api/queues/:queue/jobs/:id/abort
func (h *Handler) AbortJob(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}
	id, err := jobIDParam(c)
	if err != nil {
		return err
	}

	job, err := h.svc.AbortJob(c.Request().Context(), queue, id)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return apperror.ErrConflict.WithMessage("only PROCESSING jobs can be aborted")
		}
		return mapJobError(err)
	}
	return c.JSON(http.StatusAccepted, ToResponse(job))
}

// DeleteJob handles DELETE /api/queues/:queue/jobs/:id
func (h *Handler) DeleteJob(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}
	id, err := jobIDParam(c)
	if err != nil {
		return err
	}

	if err := h.svc.DeleteJob(c.Request().Context(), queue, id); err != nil {
		return mapJobError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Stats handles GET /api/queues/:queue/stats
func (h *Handler) Stats(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}

	stats, err := h.svc.Stats(c.Request().Context(), queue)
	if err != nil {
		return mapJobError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

// RunJobs handles GET /api/runs/:runID/jobs
func (h *Handler) RunJobs(c echo.Context) error {
	runID := c.Param("runID")
	if runID == "" {
		return apperror.ErrBadRequest.WithMessage("run id required")
	}

	list, err := h.svc.RunJobs(c.Request().Context(), runID)
	if err != nil {
		return mapJobError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run_id": runID,
		"jobs":   ToResponseList(list),
	})
}

// Stream handles GET /api/queues/:queue/events. It emits one snapshot
// event, then a change event per job transition until the client leaves.
func (h *Handler) Stream(c echo.Context) error {
	queue, err := h.queueParam(c)
	if err != nil {
		return err
	}
	store, _ := h.svc.Queues().Get(queue)

	opts, err := streamOptions(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	changes := make(chan Change, streamBuffer)
	unsub, err := store.Subscribe(ctx, func(ch Change) {
		select {
		case changes <- ch:
		default:
			// Slow client: the buffer is full, drop the change. Clients
			// reconcile on reconnect via the snapshot.
		}
	}, opts)
	if err != nil {
		return apperror.ErrInternal.WithMessage("failed to subscribe").WithInternal(err)
	}
	defer unsub()

	w := sse.NewWriter(c.Response().Writer)
	if err := w.Start(); err != nil {
		return apperror.ErrInternal.WithMessage("failed to start SSE stream")
	}
	defer w.Close()

	// The snapshot covers the instance scope; cross-partition filters get
	// their initial state from the subscription's INSERT priming instead.
	var filter *snapshotFilter
	if opts.Prefixes == nil {
		current, err := store.Peek(ctx, "", 0)
		if err != nil {
			w.WriteData(sse.NewErrorEvent("failed to load snapshot"))
			return nil
		}
		payload := make([]any, len(current))
		for i, j := range current {
			payload[i] = ToResponse(j)
		}
		if err := w.WriteData(sse.NewSnapshotEvent(payload)); err != nil {
			return nil
		}
		filter = newSnapshotFilter(current)
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ch := <-changes:
			if filter != nil && filter.drop(ch) {
				continue
			}
			ev := sse.NewChangeEvent(string(ch.Type), changePayload(ch.New), changePayload(ch.Old))
			if err := w.WriteData(ev); err != nil {
				return nil
			}
		case <-keepAlive.C:
			if err := w.WriteComment("keepalive"); err != nil {
				return nil
			}
		}
	}
}

// snapshotFilter suppresses the subscription's INSERT priming for jobs the
// snapshot already delivered unchanged. Ids are never reused, so each entry
// is dropped after its first match.
type snapshotFilter struct {
	seen map[int64]*Job
}

func newSnapshotFilter(current []*Job) *snapshotFilter {
	seen := make(map[int64]*Job, len(current))
	for _, j := range current {
		seen[j.ID] = j
	}
	return &snapshotFilter{seen: seen}
}

func (f *snapshotFilter) drop(ch Change) bool {
	if ch.Type != ChangeInsert || ch.New == nil {
		return false
	}
	prev, ok := f.seen[ch.New.ID]
	if !ok {
		return false
	}
	delete(f.seen, ch.New.ID)
	return prev.Equal(ch.New)
}

func changePayload(j *Job) any {
	if j == nil {
		return nil
	}
	return ToResponse(j)
}

// streamOptions parses interval and partition-filter query params. Filters
// use "prefix.<column>=<value>" pairs; "scope=all" watches every partition
// of the table.
func streamOptions(c echo.Context) (SubscribeOptions, error) {
	var opts SubscribeOptions

	if v := c.QueryParam("interval_ms"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return opts, apperror.ErrBadRequest.WithMessage("invalid interval_ms")
		}
		opts.Interval = time.Duration(n) * time.Millisecond
	}

	if c.QueryParam("scope") == "all" {
		opts.Prefixes = []PrefixValue{}
	}
	for name, values := range c.QueryParams() {
		if !strings.HasPrefix(name, "prefix.") || len(values) == 0 {
			continue
		}
		column := strings.TrimPrefix(name, "prefix.")
		opts.Prefixes = append(opts.Prefixes, PrefixValue{
			Name:  column,
			Value: parsePrefixValue(values[0]),
		})
	}
	return opts, nil
}

// parsePrefixValue matches integer-typed partition columns: all-digit query
// values compare as int64, everything else as text.
func parsePrefixValue(v string) any {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	return v
}

func (h *Handler) queueParam(c echo.Context) (string, error) {
	queue := c.Param("queue")
	if queue == "" {
		return "", apperror.ErrBadRequest.WithMessage("queue name required")
	}
	if _, ok := h.svc.Queues().Get(queue); !ok {
		return "", apperror.ErrQueueNotFound
	}
	return queue, nil
}

func jobIDParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.ErrBadRequest.WithMessage("invalid job id")
	}
	return id, nil
}

// mapJobError translates storage errors into HTTP-facing app errors.
func mapJobError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return apperror.ErrJobNotFound
	case errors.Is(err, ErrInvalidTransition):
		return apperror.ErrConflict.WithMessage(err.Error())
	}
	var je *Error
	if errors.As(err, &je) {
		return apperror.ErrValidation.
			WithMessage(je.Message).
			WithDetails(map[string]any{"code": je.Code})
	}
	return apperror.ErrDatabase.WithInternal(err)
}
