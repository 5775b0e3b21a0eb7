package boltqueue_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/boltqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Factory {
		db, err := boltqueue.Open(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		return func(opts jobs.Options) (jobs.Storage, error) {
			return boltqueue.New(db, opts, testLogger())
		}
	})
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := boltqueue.Open(path)
	require.NoError(t, err)

	q, err := boltqueue.New(db, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Setup(ctx))

	j := &jobs.Job{Input: jobs.JSON{"task": "persist-me"}}
	require.NoError(t, q.Add(ctx, j))
	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	db2, err := boltqueue.Open(path)
	require.NoError(t, err)
	defer db2.Close()

	q2, err := boltqueue.New(db2, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, q2.Setup(ctx))
	defer q2.Close()

	got, err := q2.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "persist-me", got.Input["task"])
	assert.Equal(t, jobs.StatusPending, got.Status)
}

func TestDispatchOrderSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	db, err := boltqueue.Open(path)
	require.NoError(t, err)

	q, err := boltqueue.New(db, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	require.NoError(t, q.Setup(ctx))

	first := &jobs.Job{Input: jobs.JSON{"n": 1}}
	second := &jobs.Job{Input: jobs.JSON{"n": 2}}
	require.NoError(t, q.Add(ctx, first))
	require.NoError(t, q.Add(ctx, second))
	require.NoError(t, q.Close())
	require.NoError(t, db.Close())

	db2, err := boltqueue.Open(path)
	require.NoError(t, err)
	defer db2.Close()

	q2, err := boltqueue.New(db2, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	defer q2.Close()

	got, err := q2.Next(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
}

func TestRequiresSetup(t *testing.T) {
	db, err := boltqueue.Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	defer db.Close()

	q, err := boltqueue.New(db, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	defer q.Close()

	err = q.Add(context.Background(), &jobs.Job{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Setup")
}
