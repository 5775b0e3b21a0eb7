package cloudqueue_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/cloudqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openTestPool creates a throwaway database for one harness invocation and
// returns a pool on it plus its DSN for the listener.
func openTestPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()
	baseURL := os.Getenv("TEST_DATABASE_URL")
	if baseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()

	name := fmt.Sprintf("conveyor_test_%d", time.Now().UnixNano())

	admin, err := pgxpool.New(ctx, baseURL)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)

	u, err := url.Parse(baseURL)
	require.NoError(t, err)
	u.Path = "/" + name
	dsn := u.String()

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+name)
		admin.Close()
	})
	return pool, dsn
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Factory {
		pool, _ := openTestPool(t)
		return func(opts jobs.Options) (jobs.Storage, error) {
			// Conformance runs on polling alone; the listener path has
			// its own test.
			return cloudqueue.New(pool, "", opts, testLogger())
		}
	})
}

// TestListenerWakesSubscribers proves changes cross instances without
// polling: the subscriber's poll interval is an hour, so only the
// notification can deliver the insert in time.
func TestListenerWakesSubscribers(t *testing.T) {
	pool, dsn := openTestPool(t)
	ctx := context.Background()

	opts := jobs.Options{QueueName: "tasks", PollInterval: time.Hour}

	subscriberQ, err := cloudqueue.New(pool, dsn, opts, testLogger())
	require.NoError(t, err)
	defer subscriberQ.Close()
	require.NoError(t, subscriberQ.Setup(ctx))

	writerQ, err := cloudqueue.New(pool, "", opts, testLogger())
	require.NoError(t, err)
	defer writerQ.Close()

	var mu sync.Mutex
	var got []jobs.Change
	unsubscribe, err := subscriberQ.Subscribe(ctx, func(c jobs.Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}, jobs.SubscribeOptions{})
	require.NoError(t, err)
	defer unsubscribe()

	// Let the listener connect before writing.
	time.Sleep(500 * time.Millisecond)

	j := &jobs.Job{Input: jobs.JSON{"task": "notify-me"}}
	require.NoError(t, writerQ.Add(ctx, j))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range got {
			if c.Type == jobs.ChangeInsert && c.New != nil && c.New.ID == j.ID {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond)
}
