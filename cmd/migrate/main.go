// Command migrate manages the PostgreSQL schema for the queue backends.
//
// The embedded backends (memory, sqlite, bolt) create their own schema on
// open; this command only concerns the postgres and cloud backends. The
// migration sources are compiled into the binary, so it runs anywhere the
// server runs.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"

	"github.com/conveyorhq/conveyor/internal/migrate"
)

func usage() {
	fmt.Println("Usage: migrate <command> [arguments]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up                  Apply all pending migrations")
	fmt.Println("  up-to <version>     Apply migrations up to and including <version>")
	fmt.Println("  down                Roll back the most recent migration")
	fmt.Println("  status              Print the status of every known migration")
	fmt.Println("  version             Print the current schema version")
	fmt.Println("  create <name>       Create a new SQL migration file under migrations/")
	fmt.Println("  mark-applied <ver>  Record <ver> as applied without running it")
	fmt.Println()
	fmt.Println("The database is taken from DATABASE_URL, or assembled from")
	fmt.Println("POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER, POSTGRES_PASSWORD")
	fmt.Println("and POSTGRES_DB when DATABASE_URL is unset.")
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	// Load .env files if present (for local development)
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dbHost := getEnv("POSTGRES_HOST", "localhost")
		dbPort := getEnv("POSTGRES_PORT", "5432")
		dbUser := getEnv("POSTGRES_USER", "conveyor")
		dbPass := getEnv("POSTGRES_PASSWORD", "")
		dbName := getEnv("POSTGRES_DB", "conveyor")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", dbUser, dbPass, dbHost, dbPort, dbName)
	}

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())
	defer db.Close()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Printf("Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	migrator := migrate.NewMigrator(db, logger)
	ctx := context.Background()

	if err := run(ctx, migrator); err != nil {
		logger.Error("migration command failed",
			zap.String("command", flag.Arg(0)),
			zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, migrator *migrate.Migrator) error {
	switch cmd := flag.Arg(0); cmd {
	case "up":
		return migrator.Up(ctx)

	case "up-to":
		version, err := versionArg()
		if err != nil {
			return err
		}
		return migrator.UpTo(ctx, version)

	case "down":
		return migrator.Down(ctx)

	case "status":
		return migrator.Status(ctx)

	case "version":
		version, err := migrator.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("version: %d\n", version)
		return nil

	case "create":
		name := flag.Arg(1)
		if name == "" {
			return fmt.Errorf("create requires a migration name")
		}
		return migrator.CreateMigration(name, "sql")

	case "mark-applied":
		version, err := versionArg()
		if err != nil {
			return err
		}
		if err := migrator.EnsureVersionTable(ctx); err != nil {
			return err
		}
		return migrator.MarkApplied(ctx, version)

	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// versionArg parses the second positional argument as a migration version.
func versionArg() (int64, error) {
	raw := flag.Arg(1)
	if raw == "" {
		return 0, fmt.Errorf("%s requires a migration version", flag.Arg(0))
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", raw, err)
	}
	return version, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
