package jobs

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusConstants(t *testing.T) {
	assert.Equal(t, Status("PENDING"), StatusPending)
	assert.Equal(t, Status("PROCESSING"), StatusProcessing)
	assert.Equal(t, Status("COMPLETED"), StatusCompleted)
	assert.Equal(t, Status("FAILED"), StatusFailed)
	assert.Equal(t, Status("ABORTING"), StatusAborting)
	assert.Equal(t, Status("DISABLED"), StatusDisabled)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusAborting.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusDisabled.Terminal())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		want bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusPending, StatusDisabled, true},
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusFailed, false},
		{StatusPending, StatusAborting, false},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusProcessing, StatusPending, true},
		{StatusProcessing, StatusAborting, true},
		{StatusProcessing, StatusDisabled, true},
		{StatusAborting, StatusFailed, true},
		{StatusAborting, StatusDisabled, true},
		{StatusAborting, StatusCompleted, false},
		{StatusAborting, StatusPending, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusDisabled, false},
		{StatusFailed, StatusPending, false},
		{StatusDisabled, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTruncateError(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want string
	}{
		{name: "short message", msg: "short error", want: "short error"},
		{name: "exactly 500 characters", msg: strings.Repeat("a", 500), want: strings.Repeat("a", 500)},
		{name: "501 characters truncated", msg: strings.Repeat("a", 501), want: strings.Repeat("a", 497) + "..."},
		{name: "empty string", msg: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateError(tt.msg)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, len(got), 500)
		})
	}
}

func TestErrorClassification(t *testing.T) {
	t.Run("permanent", func(t *testing.T) {
		err := NewPermanent("", "invalid input shape")
		assert.Equal(t, CodePermanent, CodeOf(err))
		assert.False(t, Retryable(err))
		assert.Zero(t, RetryAfterOf(err))
	})

	t.Run("permanent with reserved code", func(t *testing.T) {
		err := NewPermanent(CodeModelNotFound, "no model gpt-x")
		assert.Equal(t, CodeModelNotFound, CodeOf(err))
		assert.False(t, Retryable(err))
	})

	t.Run("retryable with delay", func(t *testing.T) {
		err := NewRetryable("rate limited", 42*time.Second)
		assert.Equal(t, CodeRetryable, CodeOf(err))
		assert.True(t, Retryable(err))
		assert.Equal(t, 42*time.Second, RetryAfterOf(err))
	})

	t.Run("unclassified errors are retryable", func(t *testing.T) {
		err := assert.AnError
		assert.True(t, Retryable(err))
		assert.Equal(t, CodeRetryable, CodeOf(err))
		assert.Zero(t, RetryAfterOf(err))
	})
}

func TestPlanCompletion(t *testing.T) {
	now := time.Now()

	t.Run("completed increments attempts", func(t *testing.T) {
		stored := &Job{Status: StatusProcessing, RunAttempts: 2}
		update := &Job{Status: StatusCompleted, Output: JSON{"r": "ok"}}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, u.Status)
		assert.Equal(t, 3, u.RunAttempts)
		assert.EqualValues(t, 100, u.Progress)
		require.NotNil(t, u.CompletedAt)
		assert.False(t, u.ClearProgressMeta)
	})

	t.Run("attempts come from the stored row", func(t *testing.T) {
		stored := &Job{Status: StatusProcessing, RunAttempts: 5}
		update := &Job{Status: StatusFailed, RunAttempts: 99}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Equal(t, 6, u.RunAttempts)
	})

	t.Run("disable preserves attempts", func(t *testing.T) {
		stored := &Job{Status: StatusPending, RunAttempts: 4}
		update := &Job{Status: StatusDisabled}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Equal(t, 4, u.RunAttempts)
		assert.EqualValues(t, 100, u.Progress)
		require.NotNil(t, u.CompletedAt)
	})

	t.Run("retry resets progress and schedules", func(t *testing.T) {
		retryAt := now.Add(time.Minute)
		stored := &Job{Status: StatusProcessing, RunAttempts: 0}
		update := &Job{Status: StatusPending, RunAfter: retryAt, Error: "timeout", ErrorCode: CodeRetryable}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Equal(t, 1, u.RunAttempts)
		assert.Equal(t, retryAt, u.RunAfter)
		assert.Nil(t, u.CompletedAt)
		assert.EqualValues(t, 0, u.Progress)
		assert.True(t, u.ClearProgressMeta)
		assert.Equal(t, "timeout", u.Error)
	})

	t.Run("retry without run_after runs immediately", func(t *testing.T) {
		stored := &Job{Status: StatusProcessing}
		update := &Job{Status: StatusPending}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Equal(t, now, u.RunAfter)
	})

	t.Run("oversized error text is truncated", func(t *testing.T) {
		stored := &Job{Status: StatusProcessing}
		update := &Job{Status: StatusFailed, Error: strings.Repeat("x", 2000)}

		u, err := PlanCompletion(stored, update, now)
		require.NoError(t, err)
		assert.Len(t, u.Error, 500)
	})

	t.Run("illegal edges are rejected", func(t *testing.T) {
		stored := &Job{Status: StatusPending}
		update := &Job{Status: StatusCompleted}
		_, err := PlanCompletion(stored, update, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stored = &Job{Status: StatusCompleted}
		update = &Job{Status: StatusPending}
		_, err = PlanCompletion(stored, update, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)

		stored = &Job{Status: StatusProcessing}
		update = &Job{Status: StatusProcessing}
		_, err = PlanCompletion(stored, update, now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestPrepareAdd(t *testing.T) {
	opts := Options{QueueName: "tasks", Prefixes: []Prefix{{Name: "org_id", Type: PrefixTypeUUIDText, Value: "org-1"}}}
	now := time.Now()

	t.Run("defaults", func(t *testing.T) {
		j := &Job{Input: JSON{"task": "t"}}
		require.NoError(t, PrepareAdd(j, opts, now))

		assert.Equal(t, "tasks", j.QueueName)
		assert.Equal(t, StatusPending, j.Status)
		assert.NotEmpty(t, j.Fingerprint)
		assert.Equal(t, DefaultMaxRetries, j.MaxRetries)
		assert.Equal(t, now, j.RunAfter)
		assert.Equal(t, now, j.CreatedAt)
		assert.Equal(t, "org-1", j.Prefixes["org_id"])
	})

	t.Run("stale result fields are wiped", func(t *testing.T) {
		done := now
		j := &Job{
			Input:       JSON{"task": "t"},
			Status:      StatusCompleted,
			RunAttempts: 7,
			Output:      JSON{"stale": true},
			Error:       "old",
			ErrorCode:   CodePermanent,
			Progress:    100,
			CompletedAt: &done,
			WorkerID:    "w9",
		}
		require.NoError(t, PrepareAdd(j, opts, now))

		assert.Equal(t, StatusPending, j.Status)
		assert.Zero(t, j.RunAttempts)
		assert.Nil(t, j.Output)
		assert.Empty(t, j.Error)
		assert.Empty(t, j.ErrorCode)
		assert.Zero(t, j.Progress)
		assert.Nil(t, j.CompletedAt)
		assert.Empty(t, j.WorkerID)
	})

	t.Run("negative max_retries rejected", func(t *testing.T) {
		j := &Job{Input: JSON{"task": "t"}, MaxRetries: -1}
		assert.Error(t, PrepareAdd(j, opts, now))
	})
}

func TestJobCloneAndEqual(t *testing.T) {
	deadline := time.Now().Add(time.Hour)
	j := &Job{
		ID:              4,
		QueueName:       "tasks",
		Status:          StatusProcessing,
		Input:           JSON{"nested": map[string]any{"a": "b"}, "list": []any{"x"}},
		DeadlineAt:      &deadline,
		Progress:        12,
		ProgressDetails: JSON{"step": "parse"},
		Prefixes:        map[string]any{"org_id": "org-1"},
	}

	c := j.Clone()
	require.True(t, j.Equal(c))

	// Mutating the clone's nested state must not reach the original.
	c.Input["nested"].(map[string]any)["a"] = "changed"
	assert.Equal(t, "b", j.Input["nested"].(map[string]any)["a"])

	c2 := j.Clone()
	c2.Progress = 13
	assert.False(t, j.Equal(c2))

	// Equal ignores time representation differences.
	c3 := j.Clone()
	utc := c3.DeadlineAt.UTC()
	c3.DeadlineAt = &utc
	assert.True(t, j.Equal(c3))

	assert.False(t, j.Equal(nil))
	var nilJob *Job
	assert.True(t, nilJob.Equal(nil))
}

func TestOptionsTableName(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		want string
	}{
		{
			name: "no prefixes",
			opts: Options{QueueName: "tasks"},
			want: "job_queue",
		},
		{
			name: "single prefix",
			opts: Options{QueueName: "tasks", Prefixes: []Prefix{
				{Name: "org_id", Type: PrefixTypeUUIDText, Value: "o"},
			}},
			want: "job_queue_org_id",
		},
		{
			name: "two prefixes keep declaration order",
			opts: Options{QueueName: "tasks", Prefixes: []Prefix{
				{Name: "org_id", Type: PrefixTypeUUIDText, Value: "o"},
				{Name: "shard", Type: PrefixTypeInteger, Value: 3},
			}},
			want: "job_queue_org_id_shard",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.opts.TableName())
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	assert.Error(t, Options{}.Validate())

	ok := Options{QueueName: "tasks", Prefixes: []Prefix{
		{Name: "org_id", Type: PrefixTypeUUIDText, Value: "org-1"},
		{Name: "shard", Type: PrefixTypeInteger, Value: 7},
	}}
	assert.NoError(t, ok.Validate())

	dup := Options{QueueName: "tasks", Prefixes: []Prefix{
		{Name: "org_id", Type: PrefixTypeUUIDText, Value: "a"},
		{Name: "org_id", Type: PrefixTypeUUIDText, Value: "b"},
	}}
	assert.Error(t, dup.Validate())

	badName := Options{QueueName: "tasks", Prefixes: []Prefix{
		{Name: "Org ID", Type: PrefixTypeUUIDText, Value: "a"},
	}}
	assert.Error(t, badName.Validate())

	badType := Options{QueueName: "tasks", Prefixes: []Prefix{
		{Name: "org_id", Type: PrefixType("bogus"), Value: "a"},
	}}
	assert.Error(t, badType.Validate())

	badValue := Options{QueueName: "tasks", Prefixes: []Prefix{
		{Name: "shard", Type: PrefixTypeInteger, Value: 1.5},
	}}
	assert.Error(t, badValue.Validate())
}

func TestPrefixValueEqual(t *testing.T) {
	assert.True(t, PrefixValueEqual("a", "a"))
	assert.False(t, PrefixValueEqual("a", "b"))
	assert.True(t, PrefixValueEqual(1, int64(1)))
	assert.True(t, PrefixValueEqual(float64(7), 7))
	assert.False(t, PrefixValueEqual(1, 2))
	assert.False(t, PrefixValueEqual("1", 1))
}
