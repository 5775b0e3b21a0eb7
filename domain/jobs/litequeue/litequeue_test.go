package litequeue_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/litequeue"
	"github.com/conveyorhq/conveyor/domain/jobs/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Factory {
		db, err := litequeue.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		return func(opts jobs.Options) (jobs.Storage, error) {
			return litequeue.New(db, opts, testLogger())
		}
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := litequeue.Open(path)
	require.NoError(t, err)

	q, err := litequeue.New(db, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Setup(ctx))

	j := &jobs.Job{Input: jobs.JSON{"task": "persist-me"}}
	require.NoError(t, q.Add(ctx, j))
	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	db2, err := litequeue.Open(path)
	require.NoError(t, err)
	defer db2.Close()

	q2, err := litequeue.New(db2, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, q2.Setup(ctx))
	defer q2.Close()

	got, err := q2.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist-me", got.Input["task"])
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestSetupIsIdempotent(t *testing.T) {
	db, err := litequeue.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()

	q, err := litequeue.New(db, jobs.Options{
		QueueName: "tasks",
		Prefixes:  []jobs.Prefix{{Name: "org_id", Type: jobs.PrefixTypeUUIDText, Value: "org-1"}},
	}, testLogger())
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Setup(ctx))
	require.NoError(t, q.Setup(ctx))
}
