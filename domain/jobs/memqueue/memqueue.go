// Package memqueue is the in-memory queue backend. It keeps full parity
// with the durable backends, including partition tables and subscriptions,
// and is the reference implementation the conformance tests are written
// against. Used in tests and for ephemeral single-process deployments.
package memqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// Store is the shared container behind one or more Queue instances. Queues
// created from the same Store share tables the way database-backed queues
// share a database, so cross-partition subscriptions behave identically.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	rows   map[int64]*jobs.Job
	nextID int64
}

// NewStore creates an empty shared container.
func NewStore() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) table(name string) *table {
	t := s.tables[name]
	if t == nil {
		t = &table{rows: make(map[int64]*jobs.Job)}
		s.tables[name] = t
	}
	return t
}

// Queue is one queue scope over a shared Store. It implements jobs.Storage.
type Queue struct {
	store *Store
	opts  jobs.Options
	tbl   string
	log   *slog.Logger
	subs  *jobs.SubscriptionManager
}

// New creates a queue scope on store.
func New(store *Store, opts jobs.Options, log *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		store: store,
		opts:  opts,
		tbl:   opts.TableName(),
		log:   log.With(logger.Scope("memqueue"), slog.String("queue", opts.QueueName)),
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = jobs.DefaultPollInterval
	}
	scope := jobs.Filter{Prefixes: opts.PrefixValues()}
	q.subs = jobs.NewSubscriptionManager(q.fetchScope, scope, interval, log)
	return q, nil
}

// Setup creates the backing table. Idempotent.
func (q *Queue) Setup(ctx context.Context) error {
	q.store.mu.Lock()
	q.store.table(q.tbl)
	q.store.mu.Unlock()
	return nil
}

func (q *Queue) Add(ctx context.Context, job *jobs.Job) error {
	now := time.Now()
	if err := jobs.PrepareAdd(job, q.opts, now); err != nil {
		return err
	}

	q.store.mu.Lock()
	t := q.store.table(q.tbl)
	t.nextID++
	job.ID = t.nextID
	t.rows[job.ID] = job.Clone()
	q.store.mu.Unlock()

	q.subs.Wake()
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	row, err := q.rowInScope(id)
	if err != nil {
		return nil, err
	}
	return row.Clone(), nil
}

func (q *Queue) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	now := time.Now()

	q.store.mu.Lock()
	var pick *jobs.Job
	for _, row := range q.store.table(q.tbl).rows {
		if !q.inScope(row) || !jobs.Eligible(row, now) {
			continue
		}
		if pick == nil || jobs.DispatchBefore(row, pick) {
			pick = row
		}
	}
	if pick == nil {
		q.store.mu.Unlock()
		return nil, nil
	}
	pick.Status = jobs.StatusProcessing
	pick.WorkerID = workerID
	t := now
	pick.LastRanAt = &t
	claimed := pick.Clone()
	q.store.mu.Unlock()

	q.subs.Wake()
	return claimed, nil
}

func (q *Queue) Peek(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	q.store.mu.Lock()
	var out []*jobs.Job
	for _, row := range q.store.table(q.tbl).rows {
		if !q.inScope(row) {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		out = append(out, row.Clone())
	}
	q.store.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return jobs.DispatchBefore(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context, status jobs.Status) (int, error) {
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	n := 0
	for _, row := range q.store.table(q.tbl).rows {
		if q.inScope(row) && (status == "" || row.Status == status) {
			n++
		}
	}
	return n, nil
}

func (q *Queue) Complete(ctx context.Context, job *jobs.Job) error {
	now := time.Now()

	q.store.mu.Lock()
	row, err := q.rowInScope(job.ID)
	if err != nil {
		q.store.mu.Unlock()
		return err
	}
	update, err := jobs.PlanCompletion(row, job, now)
	if err != nil {
		q.store.mu.Unlock()
		return err
	}
	jobs.ApplyCompletion(row, update)
	refreshed := row.Clone()
	q.store.mu.Unlock()

	*job = *refreshed
	q.subs.Wake()
	return nil
}

func (q *Queue) Abort(ctx context.Context, id int64) error {
	q.store.mu.Lock()
	row, err := q.rowInScope(id)
	if err != nil {
		q.store.mu.Unlock()
		return err
	}
	if row.Status != jobs.StatusProcessing {
		q.store.mu.Unlock()
		return fmt.Errorf("%w: %s → %s", jobs.ErrInvalidTransition, row.Status, jobs.StatusAborting)
	}
	row.Status = jobs.StatusAborting
	q.store.mu.Unlock()

	q.subs.Wake()
	return nil
}

func (q *Queue) GetByRunID(ctx context.Context, runID string) ([]*jobs.Job, error) {
	q.store.mu.Lock()
	var out []*jobs.Job
	for _, row := range q.store.table(q.tbl).rows {
		if q.inScope(row) && row.JobRunID == runID {
			out = append(out, row.Clone())
		}
	}
	q.store.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	fp, err := jobs.Fingerprint(input)
	if err != nil {
		return nil, err
	}

	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	var best *jobs.Job
	for _, row := range q.store.table(q.tbl).rows {
		if !q.inScope(row) || row.Status != jobs.StatusCompleted || row.Fingerprint != fp {
			continue
		}
		if best == nil || laterCompletion(row, best) {
			best = row
		}
	}
	if best == nil {
		return nil, jobs.ErrNotFound
	}
	return best.Clone().Output, nil
}

func (q *Queue) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	q.store.mu.Lock()
	row, err := q.rowInScope(id)
	if err != nil {
		q.store.mu.Unlock()
		return err
	}
	if row.Status.Terminal() {
		q.store.mu.Unlock()
		return fmt.Errorf("%w: job %d is %s", jobs.ErrInvalidTransition, id, row.Status)
	}
	row.Progress = progress
	row.ProgressMessage = message
	row.ProgressDetails = jobs.JSON(details)
	q.store.mu.Unlock()

	q.subs.Wake()
	return nil
}

func (q *Queue) Delete(ctx context.Context, id int64) error {
	q.store.mu.Lock()
	_, err := q.rowInScope(id)
	if err != nil {
		q.store.mu.Unlock()
		return err
	}
	delete(q.store.table(q.tbl).rows, id)
	q.store.mu.Unlock()

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteAll(ctx context.Context) error {
	q.store.mu.Lock()
	t := q.store.table(q.tbl)
	for id, row := range t.rows {
		if q.inScope(row) {
			delete(t.rows, id)
		}
	}
	q.store.mu.Unlock()

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteByStatusAndAge(ctx context.Context, status jobs.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	q.store.mu.Lock()
	t := q.store.table(q.tbl)
	var n int64
	for id, row := range t.rows {
		if !q.inScope(row) || row.Status != status {
			continue
		}
		if row.CompletedAt == nil || !row.CompletedAt.Before(cutoff) {
			continue
		}
		delete(t.rows, id)
		n++
	}
	q.store.mu.Unlock()

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)

	q.store.mu.Lock()
	var n int64
	for _, row := range q.store.table(q.tbl).rows {
		if !q.inScope(row) || row.Status != jobs.StatusProcessing {
			continue
		}
		if row.LastRanAt == nil || !row.LastRanAt.Before(cutoff) {
			continue
		}
		row.Status = jobs.StatusPending
		row.WorkerID = ""
		row.RunAfter = now
		row.Progress = 0
		row.ProgressMessage = ""
		row.ProgressDetails = nil
		n++
	}
	q.store.mu.Unlock()

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) FailExpired(ctx context.Context) (int64, error) {
	now := time.Now()

	q.store.mu.Lock()
	var n int64
	for _, row := range q.store.table(q.tbl).rows {
		if !q.inScope(row) || row.Status != jobs.StatusPending {
			continue
		}
		if row.DeadlineAt == nil || !row.DeadlineAt.Before(now) {
			continue
		}
		row.Status = jobs.StatusFailed
		row.Error = "deadline exceeded before the job could run"
		row.ErrorCode = jobs.CodeDeadlineExceeded
		t := now
		row.CompletedAt = &t
		row.Progress = 100
		n++
	}
	q.store.mu.Unlock()

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) Subscribe(ctx context.Context, fn jobs.ChangeFunc, opts jobs.SubscribeOptions) (func(), error) {
	return q.subs.Subscribe(fn, opts)
}

// Close stops subscription loops. The shared Store stays usable for other
// queue instances.
func (q *Queue) Close() error {
	q.subs.Close()
	return nil
}

// fetchScope feeds the subscription manager.
func (q *Queue) fetchScope(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	q.store.mu.Lock()
	var out []*jobs.Job
	for _, row := range q.store.table(q.tbl).rows {
		if row.QueueName != q.opts.QueueName {
			continue
		}
		if !f.All && !prefixesMatch(row.Prefixes, f.Prefixes) {
			continue
		}
		out = append(out, row.Clone())
	}
	q.store.mu.Unlock()

	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (q *Queue) rowInScope(id int64) (*jobs.Job, error) {
	row := q.store.table(q.tbl).rows[id]
	if row == nil || !q.inScope(row) {
		return nil, jobs.ErrNotFound
	}
	return row, nil
}

func (q *Queue) inScope(row *jobs.Job) bool {
	if row.QueueName != q.opts.QueueName {
		return false
	}
	return prefixesMatch(row.Prefixes, q.opts.PrefixValues())
}

func prefixesMatch(rowValues map[string]any, want []jobs.PrefixValue) bool {
	for _, pv := range want {
		got, ok := rowValues[pv.Name]
		if !ok || !jobs.PrefixValueEqual(got, pv.Value) {
			return false
		}
	}
	return true
}

func laterCompletion(a, b *jobs.Job) bool {
	at, bt := a.CompletedAt, b.CompletedAt
	if at == nil || bt == nil {
		return bt == nil && at != nil
	}
	if at.Equal(*bt) {
		return a.ID > b.ID
	}
	return at.After(*bt)
}
