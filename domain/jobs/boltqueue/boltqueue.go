// Package boltqueue is the embedded key-value queue backend on bbolt. Rows
// live as JSON under a per-table bucket; separate index buckets keep
// dispatch order, fingerprint lookups and run-id lookups off full scans.
// Suited to single-process deployments that want a durable file without
// SQL.
package boltqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

var (
	jobsBucket    = []byte("jobs")
	pendingBucket = []byte("idx_pending")
	printBucket   = []byte("idx_fingerprint")
	runBucket     = []byte("idx_run")
)

// Open opens (or creates) the database file. The handle is shared by every
// queue instance of the process; bbolt allows one writer at a time.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}
	return db, nil
}

// Queue is one queue scope on a bolt database. It implements jobs.Storage.
type Queue struct {
	db   *bolt.DB
	opts jobs.Options
	tbl  []byte
	log  *slog.Logger
	subs *jobs.SubscriptionManager
}

// New creates a queue scope on db.
func New(db *bolt.DB, opts jobs.Options, log *slog.Logger) (*Queue, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		db:   db,
		opts: opts,
		tbl:  []byte(opts.TableName()),
		log:  log.With(logger.Scope("boltqueue"), slog.String("queue", opts.QueueName)),
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = jobs.DefaultPollInterval
	}
	scope := jobs.Filter{Prefixes: opts.PrefixValues()}
	q.subs = jobs.NewSubscriptionManager(q.fetchScope, scope, interval, log)
	return q, nil
}

// Setup creates the table bucket and its index buckets. Idempotent.
func (q *Queue) Setup(ctx context.Context) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(q.tbl)
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", q.tbl, err)
		}
		for _, name := range [][]byte{jobsBucket, pendingBucket, printBucket, runBucket} {
			if _, err := root.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s/%s: %w", q.tbl, name, err)
			}
		}
		return nil
	})
}

// buckets resolves the table's buckets inside a transaction.
type buckets struct {
	jobs    *bolt.Bucket
	pending *bolt.Bucket
	prints  *bolt.Bucket
	runs    *bolt.Bucket
}

func (q *Queue) buckets(tx *bolt.Tx) (*buckets, error) {
	root := tx.Bucket(q.tbl)
	if root == nil {
		return nil, fmt.Errorf("table %s does not exist, call Setup first", q.tbl)
	}
	return &buckets{
		jobs:    root.Bucket(jobsBucket),
		pending: root.Bucket(pendingBucket),
		prints:  root.Bucket(printBucket),
		runs:    root.Bucket(runBucket),
	}, nil
}

func (q *Queue) Add(ctx context.Context, job *jobs.Job) error {
	now := time.Now()
	if err := jobs.PrepareAdd(job, q.opts, now); err != nil {
		return err
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		seq, err := b.jobs.NextSequence()
		if err != nil {
			return fmt.Errorf("allocate job id: %w", err)
		}
		job.ID = int64(seq)

		if err := putJob(b.jobs, job); err != nil {
			return err
		}
		if err := b.pending.Put(q.pendingKey(job.RunAfter, job.ID), nil); err != nil {
			return fmt.Errorf("index pending job: %w", err)
		}
		if job.JobRunID != "" {
			if err := b.runs.Put(q.runKey(job.JobRunID, job.ID), nil); err != nil {
				return fmt.Errorf("index run id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) Get(ctx context.Context, id int64) (*jobs.Job, error) {
	var out *jobs.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		j, err := q.loadScoped(b, id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) Next(ctx context.Context, workerID string) (*jobs.Job, error) {
	now := time.Now()
	nowKey := encodeNano(now)
	scope := q.scopeKey()

	var claimed *jobs.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}

		c := b.pending.Cursor()
		for k, _ := c.Seek(scope); k != nil && bytes.HasPrefix(k, scope); k, _ = c.Next() {
			rest := k[len(scope):]
			if len(rest) != 16 {
				continue
			}
			// Keys order by run_after; everything past now is scheduled
			// for later.
			if bytes.Compare(rest[:8], nowKey) > 0 {
				break
			}
			id := decodeID(rest[8:])

			j, err := getJob(b.jobs, id)
			if err != nil {
				continue
			}
			if !jobs.Eligible(j, now) {
				continue
			}

			j.Status = jobs.StatusProcessing
			j.WorkerID = workerID
			t := now
			j.LastRanAt = &t
			if err := putJob(b.jobs, j); err != nil {
				return err
			}
			if err := c.Delete(); err != nil {
				return fmt.Errorf("unindex claimed job: %w", err)
			}
			claimed = j
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, nil
	}

	q.subs.Wake()
	return claimed, nil
}

func (q *Queue) Peek(ctx context.Context, status jobs.Status, limit int) ([]*jobs.Job, error) {
	var out []*jobs.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		return q.scanScope(b, func(j *jobs.Job) error {
			if status == "" || j.Status == status {
				out = append(out, j)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, k int) bool { return jobs.DispatchBefore(out[i], out[k]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *Queue) Size(ctx context.Context, status jobs.Status) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		return q.scanScope(b, func(j *jobs.Job) error {
			if status == "" || j.Status == status {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (q *Queue) Complete(ctx context.Context, job *jobs.Job) error {
	now := time.Now()

	var refreshed *jobs.Job
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		stored, err := q.loadScoped(b, job.ID)
		if err != nil {
			return err
		}

		update, err := jobs.PlanCompletion(stored, job, now)
		if err != nil {
			return err
		}

		if stored.Status == jobs.StatusPending {
			if err := b.pending.Delete(q.pendingKey(stored.RunAfter, stored.ID)); err != nil {
				return fmt.Errorf("unindex pending job: %w", err)
			}
		}

		jobs.ApplyCompletion(stored, update)

		switch stored.Status {
		case jobs.StatusPending:
			if err := b.pending.Put(q.pendingKey(stored.RunAfter, stored.ID), nil); err != nil {
				return fmt.Errorf("index retried job: %w", err)
			}
		case jobs.StatusCompleted:
			if err := b.prints.Put(q.printKey(stored.Fingerprint, *stored.CompletedAt, stored.ID), encodeID(stored.ID)); err != nil {
				return fmt.Errorf("index fingerprint: %w", err)
			}
		}

		if err := putJob(b.jobs, stored); err != nil {
			return err
		}
		refreshed = stored
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
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		j, err := q.loadScoped(b, id)
		if err != nil {
			return err
		}
		if j.Status != jobs.StatusProcessing {
			return fmt.Errorf("%w: %s → %s", jobs.ErrInvalidTransition, j.Status, jobs.StatusAborting)
		}
		j.Status = jobs.StatusAborting
		return putJob(b.jobs, j)
	})
	if err != nil {
		return err
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) GetByRunID(ctx context.Context, runID string) ([]*jobs.Job, error) {
	prefix := q.runPrefix(runID)

	var out []*jobs.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		c := b.runs.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := decodeID(k[len(prefix):])
			j, err := getJob(b.jobs, id)
			if err != nil {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (q *Queue) OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error) {
	fp, err := jobs.Fingerprint(input)
	if err != nil {
		return nil, err
	}
	prefix := q.printPrefix(fp)

	var out map[string]any
	found := false
	err = q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		// Keys order by completed_at; the last matching entry is the most
		// recent completion.
		var lastID int64 = -1
		c := b.prints.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			lastID = decodeID(k[len(k)-8:])
		}
		if lastID < 0 {
			return nil
		}
		j, err := getJob(b.jobs, lastID)
		if err != nil {
			return err
		}
		out = j.Output
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, jobs.ErrNotFound
	}
	return out, nil
}

func (q *Queue) SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		j, err := q.loadScoped(b, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return fmt.Errorf("%w: job %d is %s", jobs.ErrInvalidTransition, id, j.Status)
		}
		j.Progress = progress
		j.ProgressMessage = message
		j.ProgressDetails = jobs.JSON(details)
		return putJob(b.jobs, j)
	})
	if err != nil {
		return err
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) Delete(ctx context.Context, id int64) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		j, err := q.loadScoped(b, id)
		if err != nil {
			return err
		}
		return q.deleteJob(b, j)
	})
	if err != nil {
		return err
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteAll(ctx context.Context) error {
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		var doomed []*jobs.Job
		if err := q.scanScope(b, func(j *jobs.Job) error {
			doomed = append(doomed, j)
			return nil
		}); err != nil {
			return err
		}
		for _, j := range doomed {
			if err := q.deleteJob(b, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	q.subs.Wake()
	return nil
}

func (q *Queue) DeleteByStatusAndAge(ctx context.Context, status jobs.Status, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	var n int64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		var doomed []*jobs.Job
		if err := q.scanScope(b, func(j *jobs.Job) error {
			if j.Status == status && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
				doomed = append(doomed, j)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range doomed {
			if err := q.deleteJob(b, j); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)

	var n int64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		var stale []*jobs.Job
		if err := q.scanScope(b, func(j *jobs.Job) error {
			if j.Status == jobs.StatusProcessing && j.LastRanAt != nil && j.LastRanAt.Before(cutoff) {
				stale = append(stale, j)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range stale {
			j.Status = jobs.StatusPending
			j.WorkerID = ""
			j.RunAfter = now
			j.Progress = 0
			j.ProgressMessage = ""
			j.ProgressDetails = nil
			if err := putJob(b.jobs, j); err != nil {
				return err
			}
			if err := b.pending.Put(q.pendingKey(j.RunAfter, j.ID), nil); err != nil {
				return fmt.Errorf("index recovered job: %w", err)
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if n > 0 {
		q.subs.Wake()
	}
	return n, nil
}

func (q *Queue) FailExpired(ctx context.Context) (int64, error) {
	now := time.Now()

	var n int64
	err := q.db.Update(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		var expired []*jobs.Job
		if err := q.scanScope(b, func(j *jobs.Job) error {
			if j.Status == jobs.StatusPending && j.DeadlineAt != nil && j.DeadlineAt.Before(now) {
				expired = append(expired, j)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, j := range expired {
			if err := b.pending.Delete(q.pendingKey(j.RunAfter, j.ID)); err != nil {
				return fmt.Errorf("unindex expired job: %w", err)
			}
			j.Status = jobs.StatusFailed
			j.Error = "deadline exceeded before the job could run"
			j.ErrorCode = jobs.CodeDeadlineExceeded
			t := now
			j.CompletedAt = &t
			j.Progress = 100
			if err := putJob(b.jobs, j); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

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

// Close stops subscription loops. The database handle is shared and stays
// open.
func (q *Queue) Close() error {
	q.subs.Close()
	return nil
}

// fetchScope feeds the subscription manager. Rows carry their prefix values
// in the stored JSON, so cross-partition filters match against the row
// itself.
func (q *Queue) fetchScope(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error) {
	var out []*jobs.Job
	err := q.db.View(func(tx *bolt.Tx) error {
		b, err := q.buckets(tx)
		if err != nil {
			return err
		}
		c := b.jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			j, err := decodeJob(v)
			if err != nil {
				continue
			}
			if j.QueueName != q.opts.QueueName {
				continue
			}
			if !f.All && !matchPrefixes(j.Prefixes, f.Prefixes) {
				continue
			}
			out = append(out, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// scanScope walks every row in the instance scope, id ascending.
func (q *Queue) scanScope(b *buckets, fn func(*jobs.Job) error) error {
	want := q.opts.PrefixValues()
	c := b.jobs.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		j, err := decodeJob(v)
		if err != nil {
			continue
		}
		if j.QueueName != q.opts.QueueName || !matchPrefixes(j.Prefixes, want) {
			continue
		}
		if err := fn(j); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) loadScoped(b *buckets, id int64) (*jobs.Job, error) {
	j, err := getJob(b.jobs, id)
	if err != nil {
		return nil, err
	}
	if j.QueueName != q.opts.QueueName || !matchPrefixes(j.Prefixes, q.opts.PrefixValues()) {
		return nil, jobs.ErrNotFound
	}
	return j, nil
}

func (q *Queue) deleteJob(b *buckets, j *jobs.Job) error {
	if err := b.jobs.Delete(encodeID(j.ID)); err != nil {
		return fmt.Errorf("delete job %d: %w", j.ID, err)
	}
	if j.Status == jobs.StatusPending {
		if err := b.pending.Delete(q.pendingKey(j.RunAfter, j.ID)); err != nil {
			return fmt.Errorf("unindex pending job: %w", err)
		}
	}
	if j.Status == jobs.StatusCompleted && j.CompletedAt != nil {
		if err := b.prints.Delete(q.printKey(j.Fingerprint, *j.CompletedAt, j.ID)); err != nil {
			return fmt.Errorf("unindex fingerprint: %w", err)
		}
	}
	if j.JobRunID != "" {
		if err := b.runs.Delete(q.runKey(j.JobRunID, j.ID)); err != nil {
			return fmt.Errorf("unindex run id: %w", err)
		}
	}
	return nil
}

func matchPrefixes(rowValues map[string]any, want []jobs.PrefixValue) bool {
	for _, pv := range want {
		got, ok := rowValues[pv.Name]
		if !ok || !jobs.PrefixValueEqual(got, pv.Value) {
			return false
		}
	}
	return true
}

func (q *Queue) knownPrefix(name string) bool {
	for _, p := range q.opts.Prefixes {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Key encodings. All index keys start with the instance scope (queue name
// plus fixed prefix values, length-prefixed) so a cursor Seek walks exactly
// one partition.

func (q *Queue) scopeKey() []byte {
	var buf bytes.Buffer
	writeString(&buf, q.opts.QueueName)
	for _, p := range q.opts.Prefixes {
		if p.Type == jobs.PrefixTypeInteger {
			n, _ := jobs.IntegerPrefixValue(p.Value)
			buf.Write(encodeInt64(n))
			continue
		}
		writeString(&buf, p.Value.(string))
	}
	return buf.Bytes()
}

func (q *Queue) pendingKey(runAfter time.Time, id int64) []byte {
	k := q.scopeKey()
	k = append(k, encodeNano(runAfter)...)
	return append(k, encodeID(id)...)
}

func (q *Queue) printPrefix(fingerprint string) []byte {
	var buf bytes.Buffer
	buf.Write(q.scopeKey())
	writeString(&buf, fingerprint)
	return buf.Bytes()
}

func (q *Queue) printKey(fingerprint string, completedAt time.Time, id int64) []byte {
	k := q.printPrefix(fingerprint)
	k = append(k, encodeNano(completedAt)...)
	return append(k, encodeID(id)...)
}

func (q *Queue) runPrefix(runID string) []byte {
	var buf bytes.Buffer
	buf.Write(q.scopeKey())
	writeString(&buf, runID)
	return buf.Bytes()
}

func (q *Queue) runKey(runID string, id int64) []byte {
	return append(q.runPrefix(runID), encodeID(id)...)
}

func writeString(buf *bytes.Buffer, s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func encodeID(id int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(id))
	return k[:]
}

func decodeID(k []byte) int64 {
	return int64(binary.BigEndian.Uint64(k))
}

// encodeNano keeps byte order equal to time order, including pre-epoch
// instants, by flipping the sign bit.
func encodeNano(t time.Time) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(t.UnixNano())^(1<<63))
	return k[:]
}

func encodeInt64(n int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(n)^(1<<63))
	return k[:]
}

func putJob(b *bolt.Bucket, j *jobs.Job) error {
	v, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %d: %w", j.ID, err)
	}
	if err := b.Put(encodeID(j.ID), v); err != nil {
		return fmt.Errorf("store job %d: %w", j.ID, err)
	}
	return nil
}

func getJob(b *bolt.Bucket, id int64) (*jobs.Job, error) {
	v := b.Get(encodeID(id))
	if v == nil {
		return nil, jobs.ErrNotFound
	}
	return decodeJob(v)
}

func decodeJob(v []byte) (*jobs.Job, error) {
	j := new(jobs.Job)
	if err := json.Unmarshal(v, j); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return j, nil
}
