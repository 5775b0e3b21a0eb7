package cloudqueue

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
)

func newTestQueue(t *testing.T, opts jobs.Options) *Queue {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q, err := New(nil, "", opts, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRelevantFiltersByQueue(t *testing.T) {
	q := newTestQueue(t, jobs.Options{QueueName: "tasks"})

	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{"own queue", `{"op":"INSERT","id":7,"queue_name":"tasks"}`, true},
		{"other queue", `{"op":"INSERT","id":7,"queue_name":"emails"}`, false},
		{"missing queue name", `{"op":"INSERT","id":7}`, true},
		{"malformed payload", `not json`, true},
		{"empty payload", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, q.relevant(tt.payload))
		})
	}
}

func TestScopeClause(t *testing.T) {
	q := newTestQueue(t, jobs.Options{
		QueueName: "tasks",
		Prefixes: []jobs.Prefix{
			{Name: "org_id", Type: jobs.PrefixTypeUUIDText, Value: "org-1"},
			{Name: "shard", Type: jobs.PrefixTypeInteger, Value: 3},
		},
	})

	assert.Equal(t, "queue_name = $1 AND org_id = $2 AND shard = $3", q.scope)
	assert.Equal(t, []any{"tasks", "org-1", 3}, q.args())
	assert.Equal(t, 4, q.argn(1))
}
