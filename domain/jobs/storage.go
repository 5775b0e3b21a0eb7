package jobs

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// PrefixType is the column type of a declared prefix column.
type PrefixType string

const (
	// PrefixTypeUUIDText stores the prefix value as text (uuid-shaped ids).
	PrefixTypeUUIDText PrefixType = "uuid-text"
	// PrefixTypeInteger stores the prefix value as a 64-bit integer.
	PrefixTypeInteger PrefixType = "integer"
)

// Prefix declares one partition column with its fixed per-instance value.
// Declaration order decides the table-name suffix and index column order.
type Prefix struct {
	Name  string
	Type  PrefixType
	Value any
}

// PrefixValue is a (column, value) pair used when filtering subscriptions
// across partitions.
type PrefixValue struct {
	Name  string
	Value any
}

// DefaultPollInterval is the subscription cadence for polling backends.
const DefaultPollInterval = time.Second

// NativeBackupInterval is the safety-net poll cadence for backends with a
// native change feed.
const NativeBackupInterval = 5 * time.Second

// NotifyChannel is the pg_notify channel the SQL backends wire their
// triggers to. Shared so the provisioning backend and the listening
// backend always agree.
func NotifyChannel(table string) string {
	return table + "_events"
}

// Options configures one storage instance. Every instance serves exactly
// one queue within one prefix partition.
type Options struct {
	// QueueName scopes every operation. Required.
	QueueName string

	// Prefixes are the partition columns, in declaration order. Optional.
	Prefixes []Prefix

	// PollInterval overrides the default subscription poll cadence.
	PollInterval time.Duration
}

// Validate checks queue name and prefix declarations.
func (o Options) Validate() error {
	if o.QueueName == "" {
		return fmt.Errorf("queue name is required")
	}
	seen := make(map[string]bool, len(o.Prefixes))
	for _, p := range o.Prefixes {
		if !validIdent(p.Name) {
			return fmt.Errorf("prefix name %q is not a valid identifier", p.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate prefix name %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case PrefixTypeUUIDText:
			if _, ok := p.Value.(string); !ok {
				return fmt.Errorf("prefix %q: value must be a string", p.Name)
			}
		case PrefixTypeInteger:
			if _, err := IntegerPrefixValue(p.Value); err != nil {
				return fmt.Errorf("prefix %q: %w", p.Name, err)
			}
		default:
			return fmt.Errorf("prefix %q: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

// TableName derives the physical table (or bucket) name. No prefixes maps
// to "job_queue"; declared prefixes append their names in order, so
// instances with the same prefix shape share one table.
func (o Options) TableName() string {
	if len(o.Prefixes) == 0 {
		return "job_queue"
	}
	parts := make([]string, 0, len(o.Prefixes)+1)
	parts = append(parts, "job_queue")
	for _, p := range o.Prefixes {
		parts = append(parts, strings.ToLower(p.Name))
	}
	return strings.Join(parts, "_")
}

// PrefixValues returns the instance's fixed partition values in declaration
// order.
func (o Options) PrefixValues() []PrefixValue {
	if len(o.Prefixes) == 0 {
		return nil
	}
	out := make([]PrefixValue, len(o.Prefixes))
	for i, p := range o.Prefixes {
		out[i] = PrefixValue{Name: p.Name, Value: p.Value}
	}
	return out
}

// PrefixMap returns the fixed partition values keyed by column name, for
// stamping onto loaded rows.
func (o Options) PrefixMap() map[string]any {
	if len(o.Prefixes) == 0 {
		return nil
	}
	out := make(map[string]any, len(o.Prefixes))
	for _, p := range o.Prefixes {
		out[p.Name] = p.Value
	}
	return out
}

// IntegerPrefixValue coerces v to int64. JSON decoding hands integers over
// as float64, so both forms are accepted.
func IntegerPrefixValue(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		n := int64(t)
		if float64(n) != t {
			return 0, fmt.Errorf("value %v is not an integer", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
}

// PrefixValueEqual compares prefix values across representations: JSON
// decoding yields float64 where callers pass int, and both must match.
func PrefixValueEqual(a, b any) bool {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	ai, errA := IntegerPrefixValue(a)
	bi, errB := IntegerPrefixValue(b)
	if errA == nil && errB == nil {
		return ai == bi
	}
	return reflect.DeepEqual(a, b)
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ChangeFunc receives change notifications. It runs on the subscription
// loop's goroutine and must not block.
type ChangeFunc func(Change)

// SubscribeOptions tunes one subscription.
type SubscribeOptions struct {
	// Interval is the poll cadence; zero uses the instance default.
	// Subscriptions on the instance's own scope sharing an interval share
	// one poll loop.
	Interval time.Duration

	// Prefixes overrides the partition filter. Nil keeps the instance's
	// own partition; a non-nil empty slice watches all partitions of the
	// table; entries narrow to the given column values.
	Prefixes []PrefixValue
}

// Storage is the durable queue contract. Implementations serve exactly one
// queue scope (queue name + prefix values); all mutations are atomic per
// call and rows never move between tables.
type Storage interface {
	// Setup creates the table/bucket and indexes. Idempotent.
	Setup(ctx context.Context) error

	// Add persists a new PENDING job, assigning its id and stamping
	// created_at. An empty fingerprint is computed from the input; an
	// empty run_after means runnable immediately; max_retries zero takes
	// the default.
	Add(ctx context.Context, job *Job) error

	// Get loads one job by id within the instance scope.
	Get(ctx context.Context, id int64) (*Job, error)

	// Next atomically claims the oldest eligible PENDING job for workerID:
	// run_after ≤ now, deadline unexpired, ordered by run_after then id.
	// The claimed row becomes PROCESSING with last_ran_at=now. Returns
	// (nil, nil) when nothing is eligible. Concurrent callers never claim
	// the same row.
	Next(ctx context.Context, workerID string) (*Job, error)

	// Peek lists jobs in dispatch order without claiming them. Empty
	// status matches any; limit ≤ 0 means no limit.
	Peek(ctx context.Context, status Status, limit int) ([]*Job, error)

	// Size counts jobs in scope. Empty status counts all.
	Size(ctx context.Context, status Status) (int, error)

	// Complete applies a caller-prepared transition to COMPLETED, FAILED,
	// DISABLED, or PENDING (retry). The stored status is re-read and the
	// edge validated in the same transaction; run_attempts increments
	// exactly once for every target except DISABLED.
	Complete(ctx context.Context, job *Job) error

	// Abort requests cancellation of a PROCESSING job. Any other stored
	// status returns ErrInvalidTransition.
	Abort(ctx context.Context, id int64) error

	// GetByRunID lists the jobs of one logical run, id ascending.
	GetByRunID(ctx context.Context, runID string) ([]*Job, error)

	// OutputForInput returns the output of the most recently completed job
	// whose fingerprint matches input, or ErrNotFound.
	OutputForInput(ctx context.Context, input map[string]any) (map[string]any, error)

	// SaveProgress updates the progress columns of a non-terminal job
	// without touching its status.
	SaveProgress(ctx context.Context, id int64, progress float64, message string, details map[string]any) error

	// Delete removes one job by id.
	Delete(ctx context.Context, id int64) error

	// DeleteAll removes every job in the instance scope.
	DeleteAll(ctx context.Context) error

	// DeleteByStatusAndAge removes jobs in the given status whose
	// completed_at is older than olderThan, returning the count.
	DeleteByStatusAndAge(ctx context.Context, status Status, olderThan time.Duration) (int64, error)

	// RecoverStale re-queues PROCESSING jobs whose last_ran_at is older
	// than olderThan: back to PENDING, worker cleared, run_attempts
	// untouched. Returns the count.
	RecoverStale(ctx context.Context, olderThan time.Duration) (int64, error)

	// FailExpired fails PENDING jobs whose deadline has passed with code
	// DEADLINE_EXCEEDED, without incrementing run_attempts. Returns the
	// count.
	FailExpired(ctx context.Context) (int64, error)

	// Subscribe registers fn for change notifications. The current scope
	// state arrives first as INSERT events, then deltas. The returned
	// unsubscribe is idempotent.
	Subscribe(ctx context.Context, fn ChangeFunc, opts SubscribeOptions) (func(), error)

	// Close stops subscription loops and releases backend resources.
	Close() error
}

// PrepareAdd normalizes a job before insertion: queue scope stamped,
// fingerprint computed when absent, defaults applied, attempt and result
// fields reset. Backends call it first in Add so new rows start identical
// everywhere.
func PrepareAdd(j *Job, opts Options, now time.Time) error {
	if j.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	j.QueueName = opts.QueueName
	if j.Fingerprint == "" {
		fp, err := Fingerprint(j.Input)
		if err != nil {
			return err
		}
		j.Fingerprint = fp
	}
	j.Status = StatusPending
	if j.MaxRetries == 0 {
		j.MaxRetries = DefaultMaxRetries
	}
	if j.RunAfter.IsZero() {
		j.RunAfter = now
	}
	j.CreatedAt = now
	j.RunAttempts = 0
	j.Progress = 0
	j.ProgressMessage = ""
	j.ProgressDetails = nil
	j.Error = ""
	j.ErrorCode = ""
	j.Output = nil
	j.LastRanAt = nil
	j.CompletedAt = nil
	j.WorkerID = ""
	j.Prefixes = opts.PrefixMap()
	return nil
}

// Eligible reports whether j can be dispatched at now.
func Eligible(j *Job, now time.Time) bool {
	if j.Status != StatusPending {
		return false
	}
	if j.RunAfter.After(now) {
		return false
	}
	if j.DeadlineAt != nil && j.DeadlineAt.Before(now) {
		return false
	}
	return true
}

// DispatchBefore orders jobs by run_after then id, the dispatch order.
func DispatchBefore(a, b *Job) bool {
	if !a.RunAfter.Equal(b.RunAfter) {
		return a.RunAfter.Before(b.RunAfter)
	}
	return a.ID < b.ID
}

// CompletionUpdate is the set of column writes a validated Complete call
// applies. Backends translate it to their own update statement so the
// transition semantics stay identical everywhere.
type CompletionUpdate struct {
	Status      Status
	RunAttempts int
	Output      JSON
	Error       string
	ErrorCode   string

	// RunAfter is set for retry transitions; zero means leave unchanged.
	RunAfter time.Time

	// CompletedAt is set for terminal transitions, nil for retries.
	CompletedAt *time.Time

	Progress float64

	// ClearProgressMeta clears progress_message and progress_details
	// (retry transitions start the next attempt clean).
	ClearProgressMeta bool
}

// PlanCompletion validates stored.Status→update.Status and materializes the
// column writes. Complete implementations call this after re-reading the
// stored row inside their transaction; run_attempts is computed from the
// stored value so stale caller copies cannot skew the count.
func PlanCompletion(stored, update *Job, now time.Time) (*CompletionUpdate, error) {
	target := update.Status
	switch target {
	case StatusCompleted, StatusFailed, StatusPending, StatusDisabled:
	default:
		return nil, fmt.Errorf("%w: %s is not a completion target", ErrInvalidTransition, target)
	}
	if !CanTransition(stored.Status, target) {
		return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, stored.Status, target)
	}

	u := &CompletionUpdate{
		Status:      target,
		RunAttempts: stored.RunAttempts + 1,
		Output:      update.Output,
		Error:       TruncateError(update.Error),
		ErrorCode:   update.ErrorCode,
	}
	switch target {
	case StatusDisabled:
		u.RunAttempts = stored.RunAttempts
		t := now
		u.CompletedAt = &t
		u.Progress = 100
	case StatusCompleted, StatusFailed:
		t := now
		u.CompletedAt = &t
		u.Progress = 100
	case StatusPending:
		u.RunAfter = update.RunAfter
		if u.RunAfter.IsZero() {
			u.RunAfter = now
		}
		u.Progress = 0
		u.ClearProgressMeta = true
	}
	return u, nil
}

// ApplyCompletion mutates j in place per u. Used by the in-memory and bolt
// backends, and by SQL backends to refresh the caller's copy.
func ApplyCompletion(j *Job, u *CompletionUpdate) {
	j.Status = u.Status
	j.RunAttempts = u.RunAttempts
	j.Output = u.Output
	j.Error = u.Error
	j.ErrorCode = u.ErrorCode
	if !u.RunAfter.IsZero() {
		j.RunAfter = u.RunAfter
	}
	j.CompletedAt = u.CompletedAt
	j.Progress = u.Progress
	if u.ClearProgressMeta {
		j.ProgressMessage = ""
		j.ProgressDetails = nil
	}
	j.WorkerID = ""
}
