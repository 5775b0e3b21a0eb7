package sse

// StreamEventType represents the type of SSE event in a job change stream.
type StreamEventType string

const (
	// EventSnapshot is the first event, carrying the full set of jobs in
	// scope. It is re-sent whenever the server has to resynchronize, so
	// clients can always rebuild their view from the latest snapshot.
	EventSnapshot StreamEventType = "snapshot"

	// EventChange is emitted for each job insert, update or delete that
	// follows the snapshot.
	EventChange StreamEventType = "change"

	// EventError is emitted when an error occurs during streaming.
	EventError StreamEventType = "error"
)

// SnapshotEvent is the first event in a job stream, carrying current state.
type SnapshotEvent struct {
	Type string `json:"type"`
	Jobs []any  `json:"jobs"`
}

// NewSnapshotEvent creates a new snapshot event. A nil slice is serialized
// as an empty array so clients never see "jobs": null.
func NewSnapshotEvent(jobs []any) SnapshotEvent {
	if jobs == nil {
		jobs = []any{}
	}
	return SnapshotEvent{
		Type: string(EventSnapshot),
		Jobs: jobs,
	}
}

// ChangeEvent is emitted for one job transition. Prev carries the prior
// state on updates and deletes; Job is absent on deletes.
type ChangeEvent struct {
	Type string `json:"type"`
	Op   string `json:"op"` // "INSERT", "UPDATE", "DELETE"
	Job  any    `json:"job,omitempty"`
	Prev any    `json:"prev,omitempty"`
}

// NewChangeEvent creates a new change event.
func NewChangeEvent(op string, job, prev any) ChangeEvent {
	return ChangeEvent{
		Type: string(EventChange),
		Op:   op,
		Job:  job,
		Prev: prev,
	}
}

// ErrorEvent is emitted when an error occurs during streaming.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewErrorEvent creates a new error event.
func NewErrorEvent(errMsg string) ErrorEvent {
	return ErrorEvent{
		Type:  string(EventError),
		Error: errMsg,
	}
}
