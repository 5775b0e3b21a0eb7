package workers

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	bolt "go.etcd.io/bbolt"

	"github.com/conveyorhq/conveyor/domain/jobs"
	"github.com/conveyorhq/conveyor/domain/jobs/boltqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/cloudqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/litequeue"
	"github.com/conveyorhq/conveyor/domain/jobs/memqueue"
	"github.com/conveyorhq/conveyor/domain/jobs/pgqueue"
	"github.com/conveyorhq/conveyor/internal/config"
	"github.com/conveyorhq/conveyor/pkg/logger"
)

// StorageFactory opens one storage instance per queue definition. The
// embedded backends share a single database handle per file, opened
// lazily; the factory owns those handles and closes them on shutdown. The
// Postgres handles belong to the application container.
type StorageFactory struct {
	cfg  *config.Config
	db   bun.IDB
	pool *pgxpool.Pool
	log  *slog.Logger

	mu     sync.Mutex
	mem    *memqueue.Store
	sqlite *bun.DB
	boltDB *bolt.DB
}

// NewStorageFactory creates a factory over the shared Postgres handles.
func NewStorageFactory(cfg *config.Config, db bun.IDB, pool *pgxpool.Pool, log *slog.Logger) *StorageFactory {
	return &StorageFactory{
		cfg:  cfg,
		db:   db,
		pool: pool,
		log:  log.With(logger.Scope("workers.storage")),
	}
}

// Open builds the storage instance for one queue definition. An empty
// backend falls back to the configured default.
func (f *StorageFactory) Open(def QueueDefinition) (jobs.Storage, error) {
	opts, err := def.StorageOptions()
	if err != nil {
		return nil, fmt.Errorf("queue %s: %w", def.Name, err)
	}

	backend := def.Backend
	if backend == "" {
		backend = f.cfg.Store.Backend
	}

	switch backend {
	case BackendMemory:
		return memqueue.New(f.memStore(), opts, f.log)
	case BackendSQLite:
		db, err := f.sqliteHandle()
		if err != nil {
			return nil, err
		}
		return litequeue.New(db, opts, f.log)
	case BackendBolt:
		db, err := f.boltHandle()
		if err != nil {
			return nil, err
		}
		return boltqueue.New(db, opts, f.log)
	case BackendPostgres:
		if f.db == nil {
			return nil, fmt.Errorf("queue %s: backend postgres needs a database connection, set DATABASE_ENABLED=true", def.Name)
		}
		return pgqueue.New(f.db, opts, f.log)
	case BackendCloud:
		if f.pool == nil {
			return nil, fmt.Errorf("queue %s: backend cloud needs a database connection, set DATABASE_ENABLED=true", def.Name)
		}
		return cloudqueue.New(f.pool, f.cfg.Database.DSN(), opts, f.log)
	}
	return nil, fmt.Errorf("queue %s: unknown backend %q", def.Name, backend)
}

func (f *StorageFactory) memStore() *memqueue.Store {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mem == nil {
		f.mem = memqueue.NewStore()
	}
	return f.mem
}

func (f *StorageFactory) sqliteHandle() (*bun.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sqlite != nil {
		return f.sqlite, nil
	}
	path := f.cfg.Store.SQLitePath
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := litequeue.Open(path)
	if err != nil {
		return nil, err
	}
	f.sqlite = db
	return db, nil
}

func (f *StorageFactory) boltHandle() (*bolt.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.boltDB != nil {
		return f.boltDB, nil
	}
	path := f.cfg.Store.BoltPath
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	db, err := boltqueue.Open(path)
	if err != nil {
		return nil, err
	}
	f.boltDB = db
	return db, nil
}

// Close releases the embedded database handles. Queue instances must be
// closed first.
func (f *StorageFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	if f.sqlite != nil {
		if err := f.sqlite.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.sqlite = nil
	}
	if f.boltDB != nil {
		if err := f.boltDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.boltDB = nil
	}
	return firstErr
}

func ensureDir(path string) error {
	if path == "" || path == ":memory:" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dir, err)
	}
	return nil
}
