// Package jobs defines the durable job model, the storage contract every
// queue backend implements, and the subscription machinery shared by all of
// them. Backends live in subpackages (memqueue, litequeue, boltqueue,
// pgqueue, cloudqueue); the worker runtime that executes jobs lives in
// domain/workers.
package jobs

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/uptrace/bun"
)

// Status is the lifecycle state of a job. Stored as these exact strings in
// every backend.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusAborting   Status = "ABORTING"
	StatusDisabled   Status = "DISABLED"
)

// Statuses lists every valid status, in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusAborting,
	StatusDisabled,
}

// Valid reports whether s is one of the fixed status strings.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusAborting, StatusDisabled:
		return true
	}
	return false
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusDisabled
}

// transitions enumerates the legal status edges. Terminal states have no
// outgoing edges; DISABLED is reachable from any non-terminal state.
var transitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusProcessing: true,
		StatusDisabled:   true,
	},
	StatusProcessing: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusPending:   true, // retry
		StatusAborting:  true,
		StatusDisabled:  true,
	},
	StatusAborting: {
		StatusFailed:   true,
		StatusDisabled: true,
	},
}

// CanTransition reports whether from→to is a legal status edge.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// DefaultMaxRetries is applied when a job is added without an explicit cap.
const DefaultMaxRetries = 23

// JSON is a map column stored as JSON/JSONB.
type JSON map[string]any

// Scan implements sql.Scanner for JSON.
func (j *JSON) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	}
	return nil
}

// Job is the unit of durable work. One row per job; the status chain of a
// row records every attempt.
type Job struct {
	bun.BaseModel `bun:"table:job_queue,alias:j"`

	ID          int64  `bun:"id,pk,autoincrement" json:"id"`
	QueueName   string `bun:"queue_name,notnull" json:"queue_name"`
	JobRunID    string `bun:"job_run_id" json:"job_run_id,omitempty"`
	Fingerprint string `bun:"fingerprint,notnull" json:"fingerprint"`

	Input  JSON `bun:"input,type:jsonb" json:"input,omitempty"`
	Output JSON `bun:"output,type:jsonb" json:"output,omitempty"`

	Status    Status `bun:"status,notnull" json:"status"`
	Error     string `bun:"error" json:"error,omitempty"`
	ErrorCode string `bun:"error_code" json:"error_code,omitempty"`

	RunAttempts int `bun:"run_attempts,notnull" json:"run_attempts"`
	MaxRetries  int `bun:"max_retries,notnull" json:"max_retries"`

	RunAfter   time.Time  `bun:"run_after,notnull" json:"run_after"`
	DeadlineAt *time.Time `bun:"deadline_at" json:"deadline_at,omitempty"`

	CreatedAt   time.Time  `bun:"created_at,notnull" json:"created_at"`
	LastRanAt   *time.Time `bun:"last_ran_at" json:"last_ran_at,omitempty"`
	CompletedAt *time.Time `bun:"completed_at" json:"completed_at,omitempty"`

	Progress        float64 `bun:"progress,notnull" json:"progress"`
	ProgressMessage string  `bun:"progress_message" json:"progress_message,omitempty"`
	ProgressDetails JSON    `bun:"progress_details,type:jsonb" json:"progress_details,omitempty"`

	WorkerID string `bun:"worker_id" json:"worker_id,omitempty"`

	// Prefixes carries the row's prefix-column values. The columns
	// themselves are dynamic per storage instance, so they are not part of
	// the bun mapping; backends stamp this field when loading rows.
	Prefixes map[string]any `bun:"-" json:"prefixes,omitempty"`
}

// Clone returns a deep copy. Snapshot diffing and the in-memory backend rely
// on callers never sharing mutable state through returned jobs.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Input = JSON(cloneMap(j.Input))
	c.Output = JSON(cloneMap(j.Output))
	c.ProgressDetails = JSON(cloneMap(j.ProgressDetails))
	c.Prefixes = cloneMap(j.Prefixes)
	if j.DeadlineAt != nil {
		t := *j.DeadlineAt
		c.DeadlineAt = &t
	}
	if j.LastRanAt != nil {
		t := *j.LastRanAt
		c.LastRanAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Equal reports whether two snapshots carry the same observable state.
// Times compare by instant so location and monotonic-clock differences
// between reads never register as changes.
func (j *Job) Equal(o *Job) bool {
	if j == nil || o == nil {
		return j == o
	}
	return j.ID == o.ID &&
		j.QueueName == o.QueueName &&
		j.JobRunID == o.JobRunID &&
		j.Fingerprint == o.Fingerprint &&
		j.Status == o.Status &&
		j.Error == o.Error &&
		j.ErrorCode == o.ErrorCode &&
		j.RunAttempts == o.RunAttempts &&
		j.MaxRetries == o.MaxRetries &&
		j.RunAfter.Equal(o.RunAfter) &&
		timePtrEqual(j.DeadlineAt, o.DeadlineAt) &&
		j.CreatedAt.Equal(o.CreatedAt) &&
		timePtrEqual(j.LastRanAt, o.LastRanAt) &&
		timePtrEqual(j.CompletedAt, o.CompletedAt) &&
		j.Progress == o.Progress &&
		j.ProgressMessage == o.ProgressMessage &&
		j.WorkerID == o.WorkerID &&
		reflect.DeepEqual(j.Input, o.Input) &&
		reflect.DeepEqual(j.Output, o.Output) &&
		reflect.DeepEqual(j.ProgressDetails, o.ProgressDetails) &&
		reflect.DeepEqual(j.Prefixes, o.Prefixes)
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case JSON:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// ChangeType classifies a change notification.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is the payload delivered to subscribers. INSERT carries only New,
// DELETE only Old, UPDATE both.
type Change struct {
	Type ChangeType `json:"type"`
	Old  *Job       `json:"old,omitempty"`
	New  *Job       `json:"new,omitempty"`
}
