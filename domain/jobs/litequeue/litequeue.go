// Package litequeue is the SQLite queue backend, for single-node
// deployments that need durability without running a database server. It
// runs bun over modernc.org/sqlite with a single write connection;
// dispatch claims atomically through UPDATE ... WHERE id IN (subquery)
// RETURNING.
package litequeue

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
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "modernc.org/sqlite"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// timeLayout is fixed-width so the stored text orders the same way the
// instants do. Plain RFC3339Nano trims trailing zeros and breaks ORDER BY.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open opens (or creates) the database file and returns a bun handle
// limited to one connection, which serializes writers the way SQLite wants.
// Use ":memory:" for throwaway queues.
func Open(path string) (*bun.DB, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"
	}
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// jobRow mirrors one table row. Timestamps live as fixed-width UTC text and
// JSON columns as text, converted at the package boundary.
type jobRow struct {
	bun.BaseModel `bun:"table:job_queue,alias:job_queue"`

	ID              int64   `bun:"id,pk,autoincrement"`
	QueueName       string  `bun:"queue_name"`
	JobRunID        string  `bun:"job_run_id"`
	Fingerprint     string  `bun:"fingerprint"`
	Input           *string `bun:"input"`
	Output          *string `bun:"output"`
	Status          string  `bun:"status"`
	Error           string  `bun:"error"`
	ErrorCode       string  `bun:"error_code"`
	RunAttempts     int     `bun:"run_attempts"`
	MaxRetries      int     `bun:"max_retries"`
	RunAfter        string  `bun:"run_after"`
	DeadlineAt      *string `bun:"deadline_at"`
	CreatedAt       string  `bun:"created_at"`
	LastRanAt       *string `bun:"last_ran_at"`
	CompletedAt     *string `bun:"completed_at"`
	Progress        float64 `bun:"progress"`
	ProgressMessage string  `bun:"progress_message"`
	ProgressDetails *string `bun:"progress_details"`
	WorkerID        string  `bun:"worker_id"`
}

// coreColumns is the explicit column list for RETURNING clauses and the
// partition-aware fetch; prefix columns are appended where needed. RETURNING
// must never use * because partitioned tables carry columns the row model
// does not know.
var coreColumns = []string{
	"id", "queue_name", "job_run_id", "fingerprint", "input", "output",
	"status", "error", "error_code", "run_attempts", "max_retries",
	"run_after", "deadline_at", "created_at", "last_ran_at", "completed_at",
	"progress", "progress_message", "progress_details", "worker_id",
}

var returningCore = strings.Join(coreColumns, ", ")

// Queue is one queue scope on a SQLite database. It implements
// jobs.Storage; instances sharing a database share tables per prefix shape.
type Queue struct {
	db   *bun.DB
	opts jobs.Options
	tbl  string
	log  *slog.Logger
	subs *jobs.SubscriptionManager
}

// New creates a queue scope on db.
func New(db *bun.DB, opts jobs.Options, log *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		db:   db,
		opts: opts,
		tbl:  opts.TableName(),
		log:  log.With(logger.Scope("litequeue"), slog.String("queue", opts.QueueName)),
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = jobs.DefaultPollInterval
	}
	scope := jobs.Filter{Prefixes: opts.PrefixValues()}
	q.subs = jobs.NewSubscriptionManager(q.fetchScope, scope, interval, log)
	return q, nil
}

// Setup creates the table and indexes for this instance's prefix shape.
func (q *Queue) Setup(ctx context.Context) error {
	var prefixCols strings.Builder
	var indexCols string
	for _, p := range q.opts.Prefixes {
		colType := "TEXT"
		if p.Type == jobs.PrefixTypeInteger {
			colType = "INTEGER"
		}
		fmt.Fprintf(&prefixCols, "%s %s NOT NULL,\n\t\t", p.Name, colType)
		indexCols += p.Name + ", "
	}

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		%squeue_name TEXT NOT NULL,
		job_run_id TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		input TEXT,
		output TEXT,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		run_attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT %d,
		run_after TEXT NOT NULL,
		deadline_at TEXT,
		created_at TEXT NOT NULL,
		last_ran_at TEXT,
		completed_at TEXT,
		progress REAL NOT NULL DEFAULT 0,
		progress_message TEXT NOT NULL DEFAULT '',
		progress_details TEXT,
		worker_id TEXT NOT NULL DEFAULT ''
	)`, q.tbl, prefixCols.String(), jobs.DefaultMaxRetries)

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_dispatch ON %s (%squeue_name, status, run_after)", q.tbl, q.tbl, indexCols),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_fingerprint ON %s (%squeue_name, fingerprint, status)", q.tbl, q.tbl, indexCols),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_run ON %s (%squeue_name, job_run_id)", q.tbl, q.tbl, indexCols),
	}

	if _, err := q.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", q.tbl, err)
	}
	for _, idx := range indexes {
		if _, err := q.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index on %s: %w", q.tbl, err)
		}
	}
	return nil
}

func (q *Queue) Add(ctx context.Context, job *jobs.Job) error {
	now := time.Now()
	if err := jobs.PrepareAdd(job, q.opts, now); err != nil {
		return err
	}
	row := toRow(job)

	ins := q.db.NewInsert().Model(row).ModelTableExpr("?", bun.Ident(q.tbl))
	for _, p := range q.opts.Prefixes {
		ins = ins.Value(p.Name, "?", p.Value)
	}
	res, err := ins.Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if row.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted job id: %w", err)
		}
		row.ID = id
	}

	refreshed := q.rowToJob(row)
	*job = *refreshed
	q.subs.Wake()
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	row := new(jobRow)
	err := q.scopedSelect(row).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %d: %w", id, err)
	}
	return q.rowToJob(row), nil
}

func (q *Queue) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	now := timeText(time.Now())

	sub := q.scopedIDSelect().
		Where("status = ?", string(jobs.StatusPending)).
		Where("run_after <= ?", now).
		WhereGroup(" AND ", func(sq *bun.SelectQuery) *bun.SelectQuery {
			return sq.Where("deadline_at IS NULL").WhereOr("deadline_at >= ?", now)
		}).
		OrderExpr("run_after ASC, id ASC").
		Limit(1)

	row := new(jobRow)
	err := q.db.NewUpdate().Model(row).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Set("status = ?", string(jobs.StatusProcessing)).
		Set("worker_id = ?", workerID).
		Set("last_ran_at = ?", now).
		Where("id IN (?)", sub).
		Returning(returningCore).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}

	q.subs.Wake()
	return q.rowToJob(row), nil
}

func (q *Queue) Peek(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	var rows []jobRow
	sel := q.scopedSelect(&rows).OrderExpr("run_after ASC, id ASC")
	if status != "" {
		sel = sel.Where("status = ?", string(status))
	}
	if limit > 0 {
		sel = sel.Limit(limit)
	}
	if err := sel.Scan(ctx); err != nil {
		return nil, fmt.Errorf("peek jobs: %w", err)
	}
	return q.rowsToJobs(rows), nil
}

func (q *Queue) Size(ctx context.Context, status jobs.Status) (int, error) {
	sel := q.scopedSelect((*jobRow)(nil))
	if status != "" {
		sel = sel.Where("status = ?", string(status))
	}
	n, err := sel.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func (q *Queue) Complete(ctx context.Context, job *jobs.Job) error {
	now := time.Now()

	var refreshed *jobs.Job
	err := q.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		stored := new(jobRow)
		err := q.scopedSelectTx(tx, stored).Where("id = ?", job.ID).Limit(1).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return jobs.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load job %d: %w", job.ID, err)
		}

		update, err := jobs.PlanCompletion(q.rowToJob(stored), job, now)
		if err != nil {
			return err
		}

		up := tx.NewUpdate().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
			Set("status = ?", string(update.Status)).
			Set("run_attempts = ?", update.RunAttempts).
			Set("output = ?", jsonText(update.Output)).
			Set("error = ?", update.Error).
			Set("error_code = ?", update.ErrorCode).
			Set("progress = ?", update.Progress).
			Set("worker_id = ''").
			Where("id = ?", job.ID)
		if !update.RunAfter.IsZero() {
			up = up.Set("run_after = ?", timeText(update.RunAfter))
		}
		if update.CompletedAt != nil {
			up = up.Set("completed_at = ?", timeText(*update.CompletedAt))
		} else {
			up = up.Set("completed_at = NULL")
		}
		if update.ClearProgressMeta {
			up = up.Set("progress_message = ''").Set("progress_details = NULL")
		}
		if _, err := up.Exec(ctx); err != nil {
			return fmt.Errorf("apply completion: %w", err)
		}

		final := q.rowToJob(stored)
		jobs.ApplyCompletion(final, update)
		refreshed = final
		return nil
	})
	if err != nil {
		return err
	}

	*job = *refreshed
	q.subs.Wake()
	return nil
}

func (q *Queue) Abort(ctx context.Context, id int64) error {
	res, err := q.db.NewUpdate().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Set("status = ?", string(jobs.StatusAborting)).
		Where("id = ?", id).
		Where("status = ?", string(jobs.StatusProcessing)).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("abort job %d: %w", id, err)
	}
	if affected(res) {
		q.subs.Wake()
		return nil
	}

	// Distinguish a missing row from a wrong state.
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: only PROCESSING jobs can be aborted", jobs.ErrInvalidTransition)
}

func (q *Queue) GetByRunID(ctx context.Context, runID string) ([]*jobs.Job, error) {
	var rows []jobRow
	err := q.scopedSelect(&rows).Where("job_run_id = ?", runID).OrderExpr("id ASC").Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	return q.rowsToJobs(rows), nil
}

func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	fp, err := jobs.Fingerprint(input)
	if err != nil {
		return nil, err
	}

	row := new(jobRow)
	err = q.scopedSelect(row).
		Where("fingerprint = ?", fp).
		Where("status = ?", string(jobs.StatusCompleted)).
		OrderExpr("completed_at DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup output by fingerprint: %w", err)
	}
	return parseJSON(row.Output), nil
}

func (q *Queue) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	res, err := q.db.NewUpdate().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Set("progress = ?", progress).
		Set("progress_message = ?", message).
		Set("progress_details = ?", jsonText(details)).
		Where("id = ?", id).
		Where("status NOT IN (?)", bun.In(terminalStatuses())).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save progress for job %d: %w", id, err)
	}
	if affected(res) {
		q.subs.Wake()
		return nil
	}

	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %d is terminal", jobs.ErrInvalidTransition, id)
}

func (q *Queue) Delete(ctx context.Context, id int64) error {
	res, err := q.db.NewDelete().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Where("id = ?", id).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete job %d: %w", id, err)
	}
	if !affected(res) {
		return jobs.ErrNotFound
	}
	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteAll(ctx context.Context) error {
	_, err := q.db.NewDelete().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete all jobs: %w", err)
	}
	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteByStatusAndAge(ctx context.Context, status jobs.Status, olderThan time.Duration) (int64, error) {
	cutoff := timeText(time.Now().Add(-olderThan))
	res, err := q.db.NewDelete().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Where("status = ?", string(status)).
		Where("completed_at IS NOT NULL").
		Where("completed_at < ?", cutoff).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("delete %s jobs: %w", status, err)
	}
	n := rowsAffected(res)
	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := timeText(now.Add(-olderThan))

	res, err := q.db.NewUpdate().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Set("status = ?", string(jobs.StatusPending)).
		Set("worker_id = ''").
		Set("run_after = ?", timeText(now)).
		Set("progress = 0").
		Set("progress_message = ''").
		Set("progress_details = NULL").
		Where("status = ?", string(jobs.StatusProcessing)).
		Where("last_ran_at IS NOT NULL").
		Where("last_ran_at < ?", cutoff).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n := rowsAffected(res)
	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) FailExpired(ctx context.Context) (int64, error) {
	now := timeText(time.Now())

	res, err := q.db.NewUpdate().Model((*jobRow)(nil)).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Set("status = ?", string(jobs.StatusFailed)).
		Set("error = ?", "deadline exceeded before the job could run").
		Set("error_code = ?", jobs.CodeDeadlineExceeded).
		Set("completed_at = ?", now).
		Set("progress = 100").
		Where("status = ?", string(jobs.StatusPending)).
		Where("deadline_at IS NOT NULL").
		Where("deadline_at < ?", now).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("fail expired jobs: %w", err)
	}
	n := rowsAffected(res)
	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) Subscribe(ctx context.Context, fn jobs.ChangeFunc, opts jobs.SubscribeOptions) (func(), error) {
	for _, pv := range opts.Prefixes {
		if !validPrefixName(q.opts, pv.Name) {
			return nil, fmt.Errorf("unknown prefix column %q", pv.Name)
		}
	}
	return q.subs.Subscribe(fn, opts)
}

// Close stops subscription loops. The database handle is shared and stays
// open.
func (q *Queue) Close() error {
	q.subs.Close()
	return nil
}

// scopedSelect builds a SELECT bound to the instance's queue and partition.
func (q *Queue) scopedSelect(model any) *bun.SelectQuery {
	return q.db.NewSelect().Model(model).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...)
}

func (q *Queue) scopedSelectTx(tx bun.Tx, model any) *bun.SelectQuery {
	return tx.NewSelect().Model(model).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...)
}

func (q *Queue) scopedIDSelect() *bun.SelectQuery {
	return q.db.NewSelect().Table(q.tbl).Column("id").
		Where("queue_name = ?", q.opts.QueueName).
		Where(q.scopeSQL(), q.scopeArgs()...)
}

// scopeSQL renders the partition predicate, "1 = 1" when unpartitioned so
// callers can chain it unconditionally.
func (q *Queue) scopeSQL() string {
	if len(q.opts.Prefixes) == 0 {
		return "1 = 1"
	}
	parts := make([]string, len(q.opts.Prefixes))
	for i, p := range q.opts.Prefixes {
		parts[i] = p.Name + " = ?"
	}
	return strings.Join(parts, " AND ")
}

func (q *Queue) scopeArgs() []any {
	if len(q.opts.Prefixes) == 0 {
		return nil
	}
	args := make([]any, len(q.opts.Prefixes))
	for i, p := range q.opts.Prefixes {
		args[i] = p.Value
	}
	return args
}

// fetchScope feeds the subscription manager. Unpartitioned tables take the
// model path; partitioned tables scan core and prefix columns explicitly so
// every row reports which partition it belongs to, whatever the filter.
func (q *Queue) fetchScope(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	if len(q.opts.Prefixes) == 0 {
		var rows []jobRow
		err := q.db.NewSelect().Model(&rows).ModelTableExpr("? AS job_queue", bun.Ident(q.tbl)).
			Where("queue_name = ?", q.opts.QueueName).
			OrderExpr("id ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch subscription scope: %w", err)
		}
		out := make([]*jobs.Job, len(rows))
		for i := range rows {
			out[i] = rowToJob(&rows[i])
		}
		return out, nil
	}

	var filter []jobs.PrefixValue
	if !f.All {
		filter = f.Prefixes
	}
	return q.fetchPartitions(ctx, filter)
}

// fetchPartitions scans core plus prefix columns, narrowed by the given
// prefix values (nil means every partition).
func (q *Queue) fetchPartitions(ctx context.Context, filter []jobs.PrefixValue) ([]*jobs.Job, error) {
	cols := make([]string, 0, len(coreColumns)+len(q.opts.Prefixes))
	cols = append(cols, coreColumns...)
	for _, p := range q.opts.Prefixes {
		cols = append(cols, p.Name)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE queue_name = ?", strings.Join(cols, ", "), q.tbl)
	args := []any{q.opts.QueueName}
	for _, pv := range filter {
		if !validPrefixName(q.opts, pv.Name) {
			return nil, fmt.Errorf("unknown prefix column %q", pv.Name)
		}
		query += fmt.Sprintf(" AND %s = ?", pv.Name)
		args = append(args, pv.Value)
	}
	query += " ORDER BY id ASC"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch partitions: %w", err)
	}
	defer rows.Close()

	var out []*jobs.Job
	for rows.Next() {
		var r jobRow
		dest := []any{
			&r.ID, &r.QueueName, &r.JobRunID, &r.Fingerprint, &r.Input, &r.Output,
			&r.Status, &r.Error, &r.ErrorCode, &r.RunAttempts, &r.MaxRetries,
			&r.RunAfter, &r.DeadlineAt, &r.CreatedAt, &r.LastRanAt, &r.CompletedAt,
			&r.Progress, &r.ProgressMessage, &r.ProgressDetails, &r.WorkerID,
		}
		texts := make([]sql.NullString, len(q.opts.Prefixes))
		ints := make([]sql.NullInt64, len(q.opts.Prefixes))
		for i, p := range q.opts.Prefixes {
			if p.Type == jobs.PrefixTypeInteger {
				dest = append(dest, &ints[i])
			} else {
				dest = append(dest, &texts[i])
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan partition row: %w", err)
		}

		j := rowToJob(&r)
		j.Prefixes = make(map[string]any, len(q.opts.Prefixes))
		for i, p := range q.opts.Prefixes {
			if p.Type == jobs.PrefixTypeInteger {
				j.Prefixes[p.Name] = ints[i].Int64
			} else {
				j.Prefixes[p.Name] = texts[i].String
			}
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate partition rows: %w", err)
	}
	return out, nil
}

func validPrefixName(opts jobs.Options, name string) bool {
	for _, p := range opts.Prefixes {
		if p.Name == name {
			return true
		}
	}
	return false
}

func (q *Queue) rowToJob(r *jobRow) *jobs.Job {
	j := rowToJob(r)
	j.Prefixes = q.opts.PrefixMap()
	return j
}

func (q *Queue) rowsToJobs(rows []jobRow) []*jobs.Job {
	out := make([]*jobs.Job, len(rows))
	for i := range rows {
		out[i] = q.rowToJob(&rows[i])
	}
	return out
}

func toRow(j *jobs.Job) *jobRow {
	return &jobRow{
		ID:              j.ID,
		QueueName:       j.QueueName,
		JobRunID:        j.JobRunID,
		Fingerprint:     j.Fingerprint,
		Input:           jsonText(j.Input),
		Output:          jsonText(j.Output),
		Status:          string(j.Status),
		Error:           j.Error,
		ErrorCode:       j.ErrorCode,
		RunAttempts:     j.RunAttempts,
		MaxRetries:      j.MaxRetries,
		RunAfter:        timeText(j.RunAfter),
		DeadlineAt:      timeTextPtr(j.DeadlineAt),
		CreatedAt:       timeText(j.CreatedAt),
		LastRanAt:       timeTextPtr(j.LastRanAt),
		CompletedAt:     timeTextPtr(j.CompletedAt),
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		ProgressDetails: jsonText(j.ProgressDetails),
		WorkerID:        j.WorkerID,
	}
}

func rowToJob(r *jobRow) *jobs.Job {
	return &jobs.Job{
		ID:              r.ID,
		QueueName:       r.QueueName,
		JobRunID:        r.JobRunID,
		Fingerprint:     r.Fingerprint,
		Input:           jobs.JSON(parseJSON(r.Input)),
		Output:          jobs.JSON(parseJSON(r.Output)),
		Status:          jobs.Status(r.Status),
		Error:           r.Error,
		ErrorCode:       r.ErrorCode,
		RunAttempts:     r.RunAttempts,
		MaxRetries:      r.MaxRetries,
		RunAfter:        parseTime(r.RunAfter),
		DeadlineAt:      parseTimePtr(r.DeadlineAt),
		CreatedAt:       parseTime(r.CreatedAt),
		LastRanAt:       parseTimePtr(r.LastRanAt),
		CompletedAt:     parseTimePtr(r.CompletedAt),
		Progress:        r.Progress,
		ProgressMessage: r.ProgressMessage,
		ProgressDetails: jobs.JSON(parseJSON(r.ProgressDetails)),
		WorkerID:        r.WorkerID,
	}
}

func timeText(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func timeTextPtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := timeText(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func jsonText(m map[string]any) *string {
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

func parseJSON(s *string) map[string]any {
	if s == nil || *s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*s), &m); err != nil {
		return nil
	}
	return m
}

func terminalStatuses() []string {
	return []string{
		string(jobs.StatusCompleted),
		string(jobs.StatusFailed),
		string(jobs.StatusDisabled),
	}
}

func affected(res sql.Result) bool {
	return rowsAffected(res) > 0
}

func rowsAffected(res sql.Result) int64 {
	if res == nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
