package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const defaultDBName = "cohortline.db"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Workspace string
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is required for postgres and ignored for sqlite.
	DSN         string
	PingTimeout time.Duration
}

// Handle bundles the connection pool with the dialect it speaks.
type Handle struct {
	*sql.DB
	Dialect Dialect
}

func dbPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".cohortline", defaultDBName)
}

// EnsureWorkspace creates workspace directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, ".cohortline")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open opens the configured database. SQLite runs with foreign keys on and
// BEGIN IMMEDIATE so a writer holds the lock from its first statement.
func Open(cfg Config) (Handle, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(cfg)
	case DriverPostgres:
		return openPostgres(cfg)
	default:
		return Handle{}, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

func openSQLite(cfg Config) (Handle, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return Handle{}, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate", dbPath(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return Handle{}, err
	}
	return Handle{DB: conn, Dialect: SQLite}, nil
}

func openPostgres(cfg Config) (Handle, error) {
	if cfg.DSN == "" {
		return Handle{}, errors.New("db dsn is required for postgres")
	}
	conn, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return Handle{}, fmt.Errorf("open: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return Handle{}, fmt.Errorf("ping: %w", err)
	}
	return Handle{DB: conn, Dialect: Postgres}, nil
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	return dbPath(workspace)
}
