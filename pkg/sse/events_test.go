package sse

import (
	"testing"
)

func TestNewSnapshotEvent(t *testing.T) {
	tests := []struct {
		name     string
		jobs     []any
		wantSize int
	}{
		{
			name:     "with jobs",
			jobs:     []any{map[string]any{"id": 1}, map[string]any{"id": 2}},
			wantSize: 2,
		},
		{
			name:     "with empty slice",
			jobs:     []any{},
			wantSize: 0,
		},
		{
			name:     "with nil slice",
			jobs:     nil,
			wantSize: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewSnapshotEvent(tt.jobs)

			if event.Type != string(EventSnapshot) {
				t.Errorf("Type = %q, want %q", event.Type, string(EventSnapshot))
			}
			if event.Jobs == nil {
				t.Error("Jobs should never be nil")
			}
			if len(event.Jobs) != tt.wantSize {
				t.Errorf("Jobs length = %d, want %d", len(event.Jobs), tt.wantSize)
			}
		})
	}
}

func TestNewChangeEvent(t *testing.T) {
	tests := []struct {
		name     string
		op       string
		job      any
		prev     any
		wantJob  bool
		wantPrev bool
	}{
		{
			name:    "insert carries only the new job",
			op:      "INSERT",
			job:     map[string]any{"id": int64(7), "status": "PENDING"},
			prev:    nil,
			wantJob: true,
		},
		{
			name:     "update carries both states",
			op:       "UPDATE",
			job:      map[string]any{"id": int64(7), "status": "PROCESSING"},
			prev:     map[string]any{"id": int64(7), "status": "PENDING"},
			wantJob:  true,
			wantPrev: true,
		},
		{
			name:     "delete carries only the prior state",
			op:       "DELETE",
			job:      nil,
			prev:     map[string]any{"id": int64(7), "status": "COMPLETED"},
			wantPrev: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewChangeEvent(tt.op, tt.job, tt.prev)

			if event.Type != string(EventChange) {
				t.Errorf("Type = %q, want %q", event.Type, string(EventChange))
			}
			if event.Op != tt.op {
				t.Errorf("Op = %q, want %q", event.Op, tt.op)
			}
			if tt.wantJob && event.Job == nil {
				t.Error("Job should be set")
			}
			if !tt.wantJob && event.Job != nil {
				t.Errorf("Job should be nil, got %v", event.Job)
			}
			if tt.wantPrev && event.Prev == nil {
				t.Error("Prev should be set")
			}
			if !tt.wantPrev && event.Prev != nil {
				t.Errorf("Prev should be nil, got %v", event.Prev)
			}
		})
	}
}

func TestNewErrorEvent(t *testing.T) {
	tests := []struct {
		name   string
		errMsg string
	}{
		{
			name:   "simple error message",
			errMsg: "something went wrong",
		},
		{
			name:   "empty error message",
			errMsg: "",
		},
		{
			name:   "detailed error message",
			errMsg: "error: database connection failed: timeout after 30s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := NewErrorEvent(tt.errMsg)

			if event.Type != string(EventError) {
				t.Errorf("Type = %q, want %q", event.Type, string(EventError))
			}
			if event.Error != tt.errMsg {
				t.Errorf("Error = %q, want %q", event.Error, tt.errMsg)
			}
		})
	}
}

func TestStreamEventTypeConstants(t *testing.T) {
	// Verify constants have expected wire values
	tests := []struct {
		name     string
		constant StreamEventType
		expected string
	}{
		{"EventSnapshot", EventSnapshot, "snapshot"},
		{"EventChange", EventChange, "change"},
		{"EventError", EventError, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("%s = %q, want %q", tt.name, string(tt.constant), tt.expected)
			}
		})
	}
}
