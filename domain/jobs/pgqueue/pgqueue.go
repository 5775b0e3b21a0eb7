// Package pgqueue is the PostgreSQL queue backend.
//
// Claims ride on FOR UPDATE SKIP LOCKED so any number of workers can pull
// from the same table without double-dispatching. Setup provisions the
// table, its indexes and a notify trigger; the trigger feeds the listening
// backend and keeps polling subscribers as a fallback.
package pgqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
	"github.com/conveyorhq/conveyor/pkg/pgutils"
)

// notifyFunction is the shared trigger function emitting row changes on the
// table's channel. Created once, reused by every queue table.
const notifyFunction = "conveyor_job_notify"

var coreColumns = []string{
	"id", "queue_name", "job_run_id", "fingerprint",
	"input", "output",
	"status", "error", "error_code",
	"run_attempts", "max_retries",
	"run_after", "deadline_at",
	"created_at", "last_ran_at", "completed_at",
	"progress", "progress_message", "progress_details",
	"worker_id",
}

var selectCore = strings.Join(coreColumns, ", ")

// Queue is one queue scope on a PostgreSQL table. It implements
// jobs.Storage.
type Queue struct {
	db        bun.IDB
	opts      jobs.Options
	tbl       string
	scope     string
	scopeArgs []any
	log       *slog.Logger
	subs      *jobs.SubscriptionManager
}

// New creates a queue scope on db. The table is shared by every instance
// with the same prefix declaration.
func New(db bun.IDB, opts jobs.Options, log *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		db:   db,
		opts: opts,
		tbl:  opts.TableName(),
		log:  log.With(logger.Scope("pgqueue"), slog.String("queue", opts.QueueName)),
	}

	q.scope = "queue_name = ?"
	q.scopeArgs = []any{opts.QueueName}
	for _, p := range opts.Prefixes {
		q.scope += fmt.Sprintf(" AND %s = ?", p.Name)
		q.scopeArgs = append(q.scopeArgs, p.Value)
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = jobs.DefaultPollInterval
	}
	scope := jobs.Filter{Prefixes: opts.PrefixValues()}
	q.subs = jobs.NewSubscriptionManager(q.fetchScope, scope, interval, log)
	return q, nil
}

// Setup creates the table, indexes and notify trigger. Idempotent; safe to
// run from every instance at startup.
func (q *Queue) Setup(ctx context.Context) error {
	for _, stmt := range q.setupStatements() {
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			// Concurrent queues provisioning the same table race on DDL.
			if pgutils.IsSetupRace(err) {
				continue
			}
			return fmt.Errorf("setup %s: %w", q.tbl, err)
		}
	}
	return nil
}

func (q *Queue) setupStatements() []string {
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

	return []string{
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

	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) RETURNING id`,
		q.tbl, strings.Join(cols, ", "), placeholders(len(cols)))

	if err := q.db.NewRaw(query, args...).Scan(ctx, &job.ID); err != nil {
		return fmt.Errorf("add job: %w", err)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND id = ?`, selectCore, q.tbl, q.scope)

	j := new(jobs.Job)
	err := q.db.NewRaw(query, append(q.args(), id)...).Scan(ctx, j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return q.stamp(j), nil
}

// Next claims the oldest runnable job. The CTE locks one candidate row with
// SKIP LOCKED so concurrent callers each land on a different row.
func (q *Queue) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	query := fmt.Sprintf(`
		WITH next AS (
			SELECT id FROM %s
			WHERE %s AND status = 'PENDING'
				AND run_after <= now()
				AND (deadline_at IS NULL OR deadline_at >= now())
			ORDER BY run_after ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE %s j
		SET status = 'PROCESSING', worker_id = ?, last_ran_at = now()
		FROM next WHERE j.id = next.id
		RETURNING %s`,
		q.tbl, q.scope, q.tbl, qualify("j", coreColumns))

	j := new(jobs.Job)
	err := q.db.NewRaw(query, append(q.args(), workerID)...).Scan(ctx, j)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	q.subs.Wake()
	return q.stamp(j), nil
}

func (q *Queue) Peek(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s`, selectCore, q.tbl, q.scope)
	args := q.args()
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY run_after ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []jobs.Job
	if err := q.db.NewRaw(query, args...).Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("peek jobs: %w", err)
	}
	return q.stampAll(rows), nil
}

func (q *Queue) Size(ctx context.Context, status jobs.Status) (int, error) {
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s`, q.tbl, q.scope)
	args := q.args()
	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}

	var n int
	if err := q.db.NewRaw(query, args...).Scan(ctx, &n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) Complete(ctx context.Context, job *jobs.Job) error {
	now := time.Now()

	refreshed := new(jobs.Job)
	err := q.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		sel := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND id = ? FOR UPDATE`, selectCore, q.tbl, q.scope)

		stored := new(jobs.Job)
		err := tx.NewRaw(sel, append(q.args(), job.ID)...).Scan(ctx, stored)
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job %d: %w", job.ID, err)
		}

		update, err := jobs.PlanCompletion(stored, job, now)
		if err != nil {
			return err
		}

		sets := []string{
			"status = ?", "run_attempts = ?", "output = ?", "error = ?", "error_code = ?",
			"completed_at = ?", "progress = ?", "worker_id = ''",
		}
		args := []any{
			string(update.Status), update.RunAttempts, jsonText(update.Output),
			update.Error, update.ErrorCode, update.CompletedAt, update.Progress,
		}
		if !update.RunAfter.IsZero() {
			sets = append(sets, "run_after = ?")
			args = append(args, update.RunAfter)
		}
		if update.ClearProgressMeta {
			sets = append(sets, "progress_message = ''", "progress_details = NULL")
		}

		upd := fmt.Sprintf(`UPDATE %s SET %s WHERE %s AND id = ? RETURNING %s`,
			q.tbl, strings.Join(sets, ", "), q.scope, selectCore)
		args = append(args, q.args()...)
		args = append(args, job.ID)

		if err := tx.NewRaw(upd, args...).Scan(ctx, refreshed); err != nil {
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
	query := fmt.Sprintf(`UPDATE %s SET status = 'ABORTING' WHERE %s AND id = ? AND status = 'PROCESSING'`,
		q.tbl, q.scope)

	res, err := q.db.NewRaw(query, append(q.args(), id)...).Exec(ctx)
	if err != nil {
		return fmt.Errorf("abort job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s AND job_run_id = ? ORDER BY id ASC`,
		selectCore, q.tbl, q.scope)

	var rows []jobs.Job
	if err := q.db.NewRaw(query, append(q.args(), runID)...).Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("get jobs for run %s: %w", runID, err)
	}
	return q.stampAll(rows), nil
}

func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	fp, err := jobs.Fingerprint(input)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT output FROM %s
		WHERE %s AND fingerprint = ? AND status = 'COMPLETED'
		ORDER BY completed_at DESC, id DESC
		LIMIT 1`, q.tbl, q.scope)

	var out jobs.JSON
	err = q.db.NewRaw(query, append(q.args(), fp)...).Scan(ctx, &out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup output: %w", err)
	}
	return out, nil
}

func (q *Queue) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	query := fmt.Sprintf(`
		UPDATE %s SET progress = ?, progress_message = ?, progress_details = ?
		WHERE %s AND id = ? AND status NOT IN (?)`, q.tbl, q.scope)

	args := []any{progress, message, jsonText(jobs.JSON(details))}
	args = append(args, q.args()...)
	args = append(args, id, bun.In(terminalStatuses()))

	res, err := q.db.NewRaw(query, args...).Exec(ctx)
	if err != nil {
		return fmt.Errorf("save progress for job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
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
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s AND id = ?`, q.tbl, q.scope)

	res, err := q.db.NewRaw(query, append(q.args(), id)...).Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobs.ErrNotFound
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE %s`, q.tbl, q.scope)
	if _, err := q.db.NewRaw(query, q.args()...).Exec(ctx); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteByStatusAndAge(ctx context.Context, status jobs.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE %s AND status = ? AND completed_at IS NOT NULL AND completed_at < ?`, q.tbl, q.scope)

	res, err := q.db.NewRaw(query, append(q.args(), string(status), cutoff)...).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", status, err)
	}
	n, _ := res.RowsAffected()

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
			AND last_ran_at IS NOT NULL AND last_ran_at < ?`, q.tbl, q.scope)

	res, err := q.db.NewRaw(query, append(q.args(), cutoff)...).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, _ := res.RowsAffected()

	if n > 0 {
		q.log.Warn("recovered stale jobs", slog.Int64("count", n))
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) FailExpired(ctx context.Context) (int64, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = 'FAILED', error = ?, error_code = ?,
			completed_at = now(), progress = 100
		WHERE %s AND status = 'PENDING'
			AND deadline_at IS NOT NULL AND deadline_at < now()`, q.tbl, q.scope)

	args := []any{"deadline exceeded before the job could run", jobs.CodeDeadlineExceeded}
	args = append(args, q.args()...)

	res, err := q.db.NewRaw(query, args...).Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	n, _ := res.RowsAffected()

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
	return q.subs.Subscribe(fn, opts)
}

// Wake nudges the poll loops. The listening backend calls this when a
// notification lands so subscribers see changes without waiting out the
// interval.
func (q *Queue) Wake() {
	q.subs.Wake()
}

// Close stops subscription loops. The database handle is shared and stays
// open.
func (q *Queue) Close() error {
	q.subs.Close()
	return nil
}

// fetchScope feeds the subscription manager. Prefix values are read from
// the row so cross-partition filters see each row's own partition, not the
// instance's.
func (q *Queue) fetchScope(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	cols := make([]string, 0, len(coreColumns)+len(q.opts.Prefixes))
	cols = append(cols, coreColumns...)
	for _, p := range q.opts.Prefixes {
		cols = append(cols, p.Name)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE queue_name = ?`, strings.Join(cols, ", "), q.tbl)
	args := []any{q.opts.QueueName}
	if !f.All {
		for _, pv := range f.Prefixes {
			v, err := q.prefixArg(pv)
			if err != nil {
				return nil, err
			}
			query += fmt.Sprintf(" AND %s = ?", pv.Name)
			args = append(args, v)
		}
	}
	query += " ORDER BY id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		j := new(jobs.Job)
		var deadline, lastRan, completed sql.NullTime
		texts := make([]sql.NullString, len(q.opts.Prefixes))
		ints := make([]sql.NullInt64, len(q.opts.Prefixes))

		dests := []any{
			&j.ID, &j.QueueName, &j.JobRunID, &j.Fingerprint,
			&j.Input, &j.Output,
			&j.Status, &j.Error, &j.ErrorCode,
			&j.RunAttempts, &j.MaxRetries,
			&j.RunAfter, &deadline,
			&j.CreatedAt, &lastRan, &completed,
			&j.Progress, &j.ProgressMessage, &j.ProgressDetails,
			&j.WorkerID,
		}
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

		if deadline.Valid {
			j.DeadlineAt = &deadline.Time
		}
		if lastRan.Valid {
			j.LastRanAt = &lastRan.Time
		}
		if completed.Valid {
			j.CompletedAt = &completed.Time
		}
		if len(q.opts.Prefixes) > 0 {
			j.Prefixes = make(map[string]any, len(q.opts.Prefixes))
			for i, p := range q.opts.Prefixes {
				if p.Type == jobs.PrefixTypeInteger {
					j.Prefixes[p.Name] = ints[i].Int64
				} else {
					j.Prefixes[p.Name] = texts[i].String
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

func (q *Queue) stamp(j *jobs.Job) *jobs.Job {
	if len(q.opts.Prefixes) > 0 {
		j.Prefixes = q.opts.PrefixMap()
	}
	return j
}

func (q *Queue) stampAll(rows []jobs.Job) []*jobs.Job {
	out := make([]*jobs.Job, len(rows))
	for i := range rows {
		out[i] = q.stamp(&rows[i])
	}
	return out
}

func qualify(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func terminalStatuses() []string {
	out := make([]string, 0, 3)
	for _, s := range jobs.Statuses {
		if s.Terminal() {
			out = append(out, string(s))
		}
	}
	return out
}

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
