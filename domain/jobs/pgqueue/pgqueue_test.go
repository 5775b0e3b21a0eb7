package pgqueue_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/pgqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/storagetest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// openTestDB creates a throwaway database for one harness invocation so
// scenarios never see each other's rows.
func openTestDB(t *testing.T) *bun.DB {
	t.Helper()
	baseURL := os.Getenv("TEST_DATABASE_URL")
	if baseURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL integration test")
	}
	ctx := context.Background()

	name := fmt.Sprintf("conveyor_test_%d", time.Now().UnixNano())

	adminCfg, err := pgxpool.ParseConfig(baseURL)
	require.NoError(t, err)
	admin, err := pgxpool.NewWithConfig(ctx, adminCfg)
	require.NoError(t, err)

	_, err = admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)

	cfg, err := pgxpool.ParseConfig(baseURL)
	require.NoError(t, err)
	cfg.ConnConfig.Database = name
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)

	db := bun.NewDB(stdlib.OpenDBFromPool(pool), pgdialect.New())
	t.Cleanup(func() {
		_ = db.Close()
		pool.Close()
		_, _ = admin.Exec(context.Background(), "DROP DATABASE IF EXISTS "+name)
		admin.Close()
	})
	return db
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Factory {
		db := openTestDB(t)
		return func(opts jobs.Options) (jobs.Storage, error) {
			return pgqueue.New(db, opts, testLogger())
		}
	})
}

func TestSetupIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	q, err := pgqueue.New(db, jobs.Options{
		QueueName: "tasks",
		Prefixes:  []jobs.Prefix{{Name: "org_id", Type: jobs.PrefixTypeUUIDText, Value: "org-1"}},
	}, testLogger())
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Setup(ctx))
	require.NoError(t, q.Setup(ctx))
}

func TestSetupProvisionsNotifyTrigger(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	q, err := pgqueue.New(db, jobs.Options{QueueName: "tasks"}, testLogger())
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.Setup(ctx))

	var n int
	err = db.NewRaw("SELECT count(*) FROM pg_trigger WHERE tgname = ?", "job_queue_notify").Scan(ctx, &n)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}
