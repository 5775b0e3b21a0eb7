// Package cloudqueue is the queue backend for hosted PostgreSQL.
//
// Queries go through pgx directly and the claim path avoids FOR UPDATE
// SKIP LOCKED: it scans a bounded candidate set and claims with a
// conditional UPDATE, retrying through the candidates on conflict. Works
// on poolers and managed services that restrict row locking. Changes
// arrive over LISTEN/NOTIFY with a slow backup poll behind them.
package cloudqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/pgutils"
)

// notifyFunction matches the trigger function provisioned by the other SQL
// backend and the migrations, so either side can set a table up.
const notifyFunction = "conveyor_job_notify"

// dispatchCandidates bounds the claim scan. Larger sets ride out more
// claim races per query at the cost of a wider read.
const dispatchCandidates = 10

const selectCore = `id, queue_name, job_run_id, fingerprint,
	input, output, status, error, error_code,
	run_attempts, max_retries, run_after, deadline_at,
	created_at, last_ran_at, completed_at,
	progress, progress_message, progress_details, worker_id`

// Queue is one queue scope on a hosted PostgreSQL pool. It implements
// jobs.Storage.
type Queue struct {
	pool      *pgxpool.Pool
	dsn       string
	opts      jobs.Options
	tbl       string
	scope     string
	scopeArgs []any
	log       *slog.Logger
	subs      *jobs.SubscriptionManager

	mu        sync.Mutex
	listening bool
	listener  *pq.Listener
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// New creates a queue scope on pool. dsn is used for the notification
// listener; pass "" to run on polling alone.
func New(pool *pgxpool.Pool, dsn string, opts jobs.Options, log *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		pool: pool,
		dsn:  dsn,
		opts: opts,
		tbl:  opts.TableName(),
		log:  log.With(logger.Scope("cloudqueue"), slog.String("queue", opts.QueueName)),
	}

	q.scope = "queue_name = $1"
	q.scopeArgs = []any{opts.QueueName}
	for i, p := range opts.Prefixes {
		q.scope += fmt.Sprintf(" AND %s = $%d", p.Name, i+2)
		q.scopeArgs = append(q.scopeArgs, p.Value)
	}

	// The listener delivers changes as they happen; polling is only a
	// safety net here, so it runs slow by default.
	interval := opts.PollInterval
	if interval <= 0 {
		interval = jobs.NativeBackupInterval
	}
	scope := jobs.Filter{Prefixes: opts.PrefixValues()}
	q.subs = jobs.NewSubscriptionManager(q.fetchScope, scope, interval, log)
	return q, nil
}

// Setup creates the table, indexes and notify trigger. Idempotent and
// byte-compatible with the tables the SKIP LOCKED backend provisions.
func (q *Queue) Setup(ctx context.Context) error {
	var prefixCols, indexCols strings.Builder
	for _, p := range q.opts.Prefixes {
		sqlType := "TEXT"
		if p.Type == jobs.PrefixTypeInteger {
			sqlType = "BIGINT"
		}
		fmt.Fprintf(&prefixCols, ",\n\t%s %s NOT NULL", p.Name, sqlType)
		fmt.Fprintf(&indexCols, "%s, ", p.Name)
	}
	lead := indexCols.String()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	queue_name TEXT NOT NULL,
	job_run_id TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	input JSONB,
	output JSONB,
	status TEXT NOT NULL DEFAULT 'PENDING',
	error TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	run_attempts INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT %d,
	run_after TIMESTAMPTZ NOT NULL DEFAULT now(),
	deadline_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_ran_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	progress DOUBLE PRECISION NOT NULL DEFAULT 0,
	progress_message TEXT NOT NULL DEFAULT '',
	progress_details JSONB,
	worker_id TEXT NOT NULL DEFAULT ''%s
)`, q.tbl, jobs.DefaultMaxRetries, prefixCols.String()),

		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_dispatch ON %s (%squeue_name, status, run_after, id)`,
			q.tbl, q.tbl, lead),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_fingerprint ON %s (%squeue_name, fingerprint) WHERE status = 'COMPLETED'`,
			q.tbl, q.tbl, lead),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (%squeue_name, job_run_id)`,
			q.tbl, q.tbl, lead),

		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(TG_ARGV[0], json_build_object(
		'op', TG_OP,
		'id', COALESCE(NEW.id, OLD.id),
		'queue_name', COALESCE(NEW.queue_name, OLD.queue_name)
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`, notifyFunction),

		fmt.Sprintf(`DROP TRIGGER IF EXISTS %s_notify ON %s`, q.tbl, q.tbl),
		fmt.Sprintf(`CREATE TRIGGER %s_notify AFTER INSERT OR UPDATE OR DELETE ON %s
FOR EACH ROW EXECUTE FUNCTION %s('%s')`, q.tbl, q.tbl, notifyFunction, jobs.NotifyChannel(q.tbl)),
	}

	for _, stmt := range stmts {
		if _, err := q.pool.Exec(ctx, stmt); err != nil {
			// Concurrent queues provisioning the same table race on DDL.
			if pgutils.IsSetupRace(err) {
				continue
			}
			return fmt.Errorf("setup %s: %w", q.tbl, err)
		}
	}
	return nil
}

func (q *Queue) Add(ctx context.Context, job *jobs.Job) error {
	now := time.Now()
	if err := jobs.PrepareAdd(job, q.opts, now); err != nil {
		return err
	}

	cols := []string{
		"queue_name", "job_run_id", "fingerprint", "input", "output",
		"status", "error", "error_code", "run_attempts", "max_retries",
		"run_after", "deadline_at", "created_at", "last_ran_at", "completed_at",
		"progress", "progress_message", "progress_details", "worker_id",
	}
	args := []any{
		job.QueueName, job.JobRunID, job.Fingerprint, jsonText(job.Input), jsonText(job.Output),
		string(job.Status), job.Error, job.ErrorCode, job.RunAttempts, job.MaxRetries,
		job.RunAfter, job.DeadlineAt, job.CreatedAt, job.LastRanAt, job.CompletedAt,
		job.Progress, job.ProgressMessage, jsonText(job.ProgressDetails), job.WorkerID,
	}
	for _, p := range q.opts.Prefixes {
		cols = append(cols, p.Name)
		args = append(args, p.Value)
	}

	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = fmt.Sprintf("$%d", i+1)
	}

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		q.tbl, strings.Join(cols, ", "), strings.Join(marks, ", "))

	if err := q.pool.QueryRow(ctx, query, args...).Scan(&job.ID); err != nil {
		return fmt.Errorf("add job: %w", err)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND id = $%d`,
		selectCore, q.tbl, q.scope, q.argn(1))

	j, err := scanJob(q.pool.QueryRow(ctx, query, append(q.args(), id)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return q.stamp(j), nil
}

// Next claims the oldest runnable job. Candidates are read without locks;
// the conditional UPDATE re-checks PENDING so a row grabbed by another
// worker in between simply falls through to the next candidate.
func (q *Queue) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	candidates := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE %s AND status = 'PENDING'
			AND run_after <= now()
			AND (deadline_at IS NULL OR deadline_at >= now())
		ORDER BY run_after ASC, id ASC
		LIMIT %d`, q.tbl, q.scope, dispatchCandidates)

	rows, err := q.pool.Query(ctx, candidates, q.args()...)
	if err != nil {
		return nil, fmt.Errorf("scan dispatch candidates: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan dispatch candidates: %w", err)
	}

	claim := fmt.Sprintf(`
		UPDATE %s SET status = 'PROCESSING', worker_id = $%d, last_ran_at = now()
		WHERE %s AND id = $%d AND status = 'PENDING'
			AND run_after <= now()
			AND (deadline_at IS NULL OR deadline_at >= now())
		RETURNING %s`, q.tbl, q.argn(1), q.scope, q.argn(2), selectCore)

	for _, id := range ids {
		j, err := scanJob(q.pool.QueryRow(ctx, claim, append(q.args(), workerID, id)...))
		if errors.Is(err, pgx.ErrNoRows) {
			// Lost the race for this candidate.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job %d: %w", id, err)
		}
		q.subs.Wake()
		return q.stamp(j), nil
	}
	return nil, nil
}

func (q *Queue) Peek(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, selectCore, q.tbl, q.scope)
	args := q.args()
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY run_after ASC, id ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("peek jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, q.stamp(j))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("peek jobs: %w", err)
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context, status jobs.Status) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, q.tbl, q.scope)
	args := q.args()
	if status != "" {
		args = append(args, string(status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var n int
	if err := q.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// completeTxRetries bounds retries of the completion transaction on
// serialization and deadlock errors, which managed poolers surface more
// often than direct connections.
const completeTxRetries = 3

func (q *Queue) Complete(ctx context.Context, job *jobs.Job) error {
	var err error
	for attempt := 0; attempt < completeTxRetries; attempt++ {
		err = q.completeOnce(ctx, job)
		if err == nil || !pgutils.IsRetryableTxError(err) {
			return err
		}
		q.log.Warn("retrying completion transaction",
			slog.Int64("job_id", job.ID), slog.String("error", err.Error()))
	}
	return err
}

func (q *Queue) completeOnce(ctx context.Context, job *jobs.Job) error {
	now := time.Now()

	var refreshed *jobs.Job
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		sel := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND id = $%d FOR UPDATE`,
			selectCore, q.tbl, q.scope, q.argn(1))

		stored, err := scanJob(tx.QueryRow(ctx, sel, append(q.args(), job.ID)...))
		if errors.Is(err, pgx.ErrNoRows) {
			return jobs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job %d: %w", job.ID, err)
		}

		update, err := jobs.PlanCompletion(stored, job, now)
		if err != nil {
			return err
		}

		args := q.args()
		sets := []string{"worker_id = ''"}
		set := func(col string, v any) {
			args = append(args, v)
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
		}
		set("status", string(update.Status))
		set("run_attempts", update.RunAttempts)
		set("output", jsonText(update.Output))
		set("error", update.Error)
		set("error_code", update.ErrorCode)
		set("completed_at", update.CompletedAt)
		set("progress", update.Progress)
		if !update.RunAfter.IsZero() {
			set("run_after", update.RunAfter)
		}
		if update.ClearProgressMeta {
			sets = append(sets, "progress_message = ''", "progress_details = NULL")
		}
		args = append(args, job.ID)

		upd := fmt.Sprintf(`UPDATE %s SET %s WHERE %s AND id = $%d RETURNING %s`,
			q.tbl, strings.Join(sets, ", "), q.scope, len(args), selectCore)

		refreshed, err = scanJob(tx.QueryRow(ctx, upd, args...))
		if err != nil {
			return fmt.Errorf("finalize job %d: %w", job.ID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	*job = *q.stamp(refreshed)
	q.subs.Wake()
	return nil
}

func (q *Queue) Abort(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`UPDATE %s SET status = 'ABORTING' WHERE %s AND id = $%d AND status = 'PROCESSING'`,
		q.tbl, q.scope, q.argn(1))

	tag, err := q.pool.Exec(ctx, query, append(q.args(), id)...)
	if err != nil {
		return fmt.Errorf("abort job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		j, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %s → %s", jobs.ErrInvalidTransition, j.Status, jobs.StatusAborting)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) GetByRunID(ctx context.Context, runID string) ([]*jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND job_run_id = $%d ORDER BY id ASC`,
		selectCore, q.tbl, q.scope, q.argn(1))

	rows, err := q.pool.Query(ctx, query, append(q.args(), runID)...)
	if err != nil {
		return nil, fmt.Errorf("get jobs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, q.stamp(j))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get jobs for run %s: %w", runID, err)
	}
	return out, nil
}

func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	fp, err := jobs.Fingerprint(input)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT output FROM %s
		WHERE %s AND fingerprint = $%d AND status = 'COMPLETED'
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`, q.tbl, q.scope, q.argn(1))

	var out jobs.JSON
	err = q.pool.QueryRow(ctx, query, append(q.args(), fp)...).Scan(&out)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup output: %w", err)
	}
	return out, nil
}

func (q *Queue) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	query := fmt.Sprintf(`
		UPDATE %s SET progress = $%d, progress_message = $%d, progress_details = $%d
		WHERE %s AND id = $%d
			AND status NOT IN ('COMPLETED', 'FAILED', 'DISABLED')`,
		q.tbl, q.argn(1), q.argn(2), q.argn(3), q.scope, q.argn(4))

	args := append(q.args(), progress, message, jsonText(jobs.JSON(details)), id)
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("save progress for job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		j, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: job %d is %s", jobs.ErrInvalidTransition, id, j.Status)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) Delete(ctx context.Context, id int64) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND id = $%d`, q.tbl, q.scope, q.argn(1))

	tag, err := q.pool.Exec(ctx, query, append(q.args(), id)...)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return jobs.ErrNotFound
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, q.tbl, q.scope)
	if _, err := q.pool.Exec(ctx, query, q.args()...); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteByStatusAndAge(ctx context.Context, status jobs.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE %s AND status = $%d AND completed_at IS NOT NULL AND completed_at < $%d`,
		q.tbl, q.scope, q.argn(1), q.argn(2))

	tag, err := q.pool.Exec(ctx, query, append(q.args(), string(status), cutoff)...)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", status, err)
	}
	n := tag.RowsAffected()

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'PENDING', worker_id = '', run_after = now(),
			progress = 0, progress_message = '', progress_details = NULL
		WHERE %s AND status = 'PROCESSING'
			AND last_ran_at IS NOT NULL AND last_ran_at < $%d`,
		q.tbl, q.scope, q.argn(1))

	tag, err := q.pool.Exec(ctx, query, append(q.args(), cutoff)...)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n := tag.RowsAffected()

	if n > 0 {
		q.log.Warn("recovered stale jobs", slog.Int64("count", n))
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) FailExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'FAILED', error = $%d, error_code = $%d,
			completed_at = now(), progress = 100
		WHERE %s AND status = 'PENDING'
			AND deadline_at IS NOT NULL AND deadline_at < now()`,
		q.tbl, q.argn(1), q.argn(2), q.scope)

	args := append(q.args(), "deadline exceeded before the job could run", jobs.CodeDeadlineExceeded)
	tag, err := q.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	n := tag.RowsAffected()

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) Subscribe(ctx context.Context, fn jobs.ChangeFunc, opts jobs.SubscribeOptions) (func(), error) {
	for _, pv := range opts.Prefixes {
		if !q.knownPrefix(pv.Name) {
			return nil, fmt.Errorf("unknown prefix column %q", pv.Name)
		}
	}
	q.ensureListener()
	return q.subs.Subscribe(fn, opts)
}

// Close stops the listener and subscription loops. The pool is shared and
// stays open.
func (q *Queue) Close() error {
	q.mu.Lock()
	listener := q.listener
	stopCh := q.stopCh
	stoppedCh := q.stoppedCh
	wasListening := q.listening
	q.listening = false
	q.listener = nil
	q.mu.Unlock()

	if wasListening {
		close(stopCh)
		<-stoppedCh
		if err := listener.Close(); err != nil {
			q.log.Warn("closing listener", slog.String("error", err.Error()))
		}
	}

	q.subs.Close()
	return nil
}

// ensureListener starts the LISTEN loop once. Failures degrade to polling.
func (q *Queue) ensureListener() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.listening || q.dsn == "" {
		return
	}

	listener := pq.NewListener(q.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			q.log.Warn("listener event", slog.String("error", err.Error()))
		}
	})
	if err := listener.Listen(jobs.NotifyChannel(q.tbl)); err != nil {
		q.log.Warn("listen failed, falling back to polling", slog.String("error", err.Error()))
		_ = listener.Close()
		return
	}

	q.listener = listener
	q.listening = true
	q.stopCh = make(chan struct{})
	q.stoppedCh = make(chan struct{})
	go q.listenLoop(listener, q.stopCh, q.stoppedCh)

	q.log.Info("listening for job changes", slog.String("channel", jobs.NotifyChannel(q.tbl)))
}

func (q *Queue) listenLoop(listener *pq.Listener, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	for {
		select {
		case <-stopCh:
			return
		case n := <-listener.Notify:
			// A nil notification follows a reconnect; events may have
			// been missed, so re-fetch either way.
			if n != nil && !q.relevant(n.Extra) {
				continue
			}
			q.subs.Wake()
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					q.log.Warn("listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

// relevant filters notifications to this queue. Malformed payloads count
// as relevant; a spurious re-fetch is cheaper than a missed change.
func (q *Queue) relevant(payload string) bool {
	var event struct {
		QueueName string `json:"queue_name"`
	}
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return true
	}
	return event.QueueName == "" || event.QueueName == q.opts.QueueName
}

// fetchScope feeds the subscription manager. Prefix values are read from
// the row so cross-partition filters see each row's own partition.
func (q *Queue) fetchScope(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	cols := selectCore
	for _, p := range q.opts.Prefixes {
		cols += ", " + p.Name
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE queue_name = $1`, cols, q.tbl)
	args := []any{q.opts.QueueName}
	if !f.All {
		for _, pv := range f.Prefixes {
			v, err := q.prefixArg(pv)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			query += fmt.Sprintf(" AND %s = $%d", pv.Name, len(args))
		}
	}
	query += " ORDER BY id ASC"

	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j := new(jobs.Job)
		texts := make([]string, len(q.opts.Prefixes))
		ints := make([]int64, len(q.opts.Prefixes))

		dests := jobDests(j)
		for i, p := range q.opts.Prefixes {
			if p.Type == jobs.PrefixTypeInteger {
				dests = append(dests, &ints[i])
			} else {
				dests = append(dests, &texts[i])
			}
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}

		if len(q.opts.Prefixes) > 0 {
			j.Prefixes = make(map[string]any, len(q.opts.Prefixes))
			for i, p := range q.opts.Prefixes {
				if p.Type == jobs.PrefixTypeInteger {
					j.Prefixes[p.Name] = ints[i]
				} else {
					j.Prefixes[p.Name] = texts[i]
				}
			}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	return out, nil
}

// prefixArg normalizes a filter value to the column's declared type.
func (q *Queue) prefixArg(pv jobs.PrefixValue) (any, error) {
	for _, p := range q.opts.Prefixes {
		if p.Name != pv.Name {
			continue
		}
		if p.Type == jobs.PrefixTypeInteger {
			return jobs.IntegerPrefixValue(pv.Value)
		}
		return pv.Value, nil
	}
	return nil, fmt.Errorf("unknown prefix column %q", pv.Name)
}

func (q *Queue) knownPrefix(name string) bool {
	for _, p := range q.opts.Prefixes {
		if p.Name == name {
			return true
		}
	}
	return false
}

// args returns a fresh copy of the scope arguments so callers can append.
func (q *Queue) args() []any {
	out := make([]any, len(q.scopeArgs))
	copy(out, q.scopeArgs)
	return out
}

// argn maps the k-th extra argument to its placeholder number after the
// scope arguments.
func (q *Queue) argn(k int) int {
	return len(q.scopeArgs) + k
}

func (q *Queue) stamp(j *jobs.Job) *jobs.Job {
	if len(q.opts.Prefixes) > 0 {
		j.Prefixes = q.opts.PrefixMap()
	}
	return j
}

// row abstracts pgx.Row and pgx.Rows for the shared scan.
type row interface {
	Scan(dest ...any) error
}

func scanJob(r row) (*jobs.Job, error) {
	j := new(jobs.Job)
	if err := r.Scan(jobDests(j)...); err != nil {
		return nil, err
	}
	return j, nil
}

func jobDests(j *jobs.Job) []any {
	return []any{
		&j.ID, &j.QueueName, &j.JobRunID, &j.Fingerprint,
		&j.Input, &j.Output, &j.Status, &j.Error, &j.ErrorCode,
		&j.RunAttempts, &j.MaxRetries, &j.RunAfter, &j.DeadlineAt,
		&j.CreatedAt, &j.LastRanAt, &j.CompletedAt,
		&j.Progress, &j.ProgressMessage, &j.ProgressDetails, &j.WorkerID,
	}
}

// jsonText renders a JSON column value, nil as SQL NULL. Passing a string
// keeps the driver from turning a nil map into a jsonb 'null'.
func jsonText(m jobs.JSON) *string {
	if m == nil {
		return nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
