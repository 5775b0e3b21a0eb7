package jobs

import (
	"time"
)

// EnqueueRequest is the request DTO for enqueueing a job.
type EnqueueRequest struct {
	Input      map[string]any `json:"input"`
	RunID      string         `json:"run_id,omitempty"`
	MaxRetries int            `json:"max_retries,omitempty"`
	RunAfter   *time.Time     `json:"run_after,omitempty"`
	DeadlineAt *time.Time     `json:"deadline_at,omitempty"`
	Dedupe     bool           `json:"dedupe,omitempty"`
}

// JobResponse is the response DTO for a job.
type JobResponse struct {
	ID          int64          `json:"id"`
	QueueName   string         `json:"queue_name"`
	RunID       string         `json:"run_id,omitempty"`
	Fingerprint string         `json:"fingerprint"`
	Status      string         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	RunAttempts int            `json:"run_attempts"`
	MaxRetries  int            `json:"max_retries"`
	RunAfter    string         `json:"run_after"`
	DeadlineAt  *string        `json:"deadline_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	LastRanAt   *string        `json:"last_ran_at,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`

	Progress        float64        `json:"progress"`
	ProgressMessage string         `json:"progress_message,omitempty"`
	ProgressDetails map[string]any `json:"progress_details,omitempty"`

	WorkerID string         `json:"worker_id,omitempty"`
	Prefixes map[string]any `json:"prefixes,omitempty"`
}

// EnqueueResponse is the response DTO for an enqueue. Exactly one of Job
// and Output is set: Output carries the cached result on a dedupe hit.
type EnqueueResponse struct {
	Job    *JobResponse   `json:"job,omitempty"`
	Cached bool           `json:"cached"`
	Output map[string]any `json:"output,omitempty"`
}

// ToResponse converts a Job entity to a JobResponse.
func ToResponse(j *Job) *JobResponse {
	r := &JobResponse{
		ID:              j.ID,
		QueueName:       j.QueueName,
		RunID:           j.JobRunID,
		Fingerprint:     j.Fingerprint,
		Status:          string(j.Status),
		Input:           j.Input,
		Output:          j.Output,
		Error:           j.Error,
		ErrorCode:       j.ErrorCode,
		RunAttempts:     j.RunAttempts,
		MaxRetries:      j.MaxRetries,
		RunAfter:        j.RunAfter.Format(time.RFC3339Nano),
		CreatedAt:       j.CreatedAt.Format(time.RFC3339Nano),
		Progress:        j.Progress,
		ProgressMessage: j.ProgressMessage,
		ProgressDetails: j.ProgressDetails,
		WorkerID:        j.WorkerID,
		Prefixes:        j.Prefixes,
	}
	r.DeadlineAt = formatTimePtr(j.DeadlineAt)
	r.LastRanAt = formatTimePtr(j.LastRanAt)
	r.CompletedAt = formatTimePtr(j.CompletedAt)
	return r
}

// ToResponseList converts a slice of Job entities to JobResponses.
func ToResponseList(list []*Job) []*JobResponse {
	out := make([]*JobResponse, len(list))
	for i, j := range list {
		out[i] = ToResponse(j)
	}
	return out
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339Nano)
	return &s
}
