package jobqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Config configures a Queue.
type Config struct {
	// Path is a local filesystem path to the queue database.
	// ":memory:" opens an in-memory queue (tests).
	Path string
}

// Queue is a durable, lease-based job queue backed by SQLite.
//
// The store runs on a single connection with WAL enabled, so every operation
// executes as one serialized transaction against the database. That
// serialization is the sole mutual-exclusion mechanism between concurrent
// claimers.
type Queue struct {
	db *sql.DB
}

// Open opens (and creates if needed) the queue database.
func Open(ctx context.Context, cfg Config) (*Queue, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping queue store: %w", err)
	}
	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	q := &Queue{db: db}
	if err := q.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

// Close releases the underlying database.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func buildDSN(cfg Config) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return "", errors.New("queue store path is required")
	}
	if path == ":memory:" {
		return path, nil
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func ensureStoreDir(path string) error {
	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create queue store directory: %w", err)
	}
	return nil
}

func configureLocalSQLite(ctx context.Context, db *sql.DB, dsn string) error {
	// Keep a single connection and use WAL to reduce lock contention.
	// Single-connection mode is also what makes each operation a serialized
	// transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if dsn == ":memory:" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	var busyTimeout int
	if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

func (q *Queue) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO queue_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			requester TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			run_at_ms INTEGER NOT NULL,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_run_at ON jobs(status, run_at_ms);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := q.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init queue schema meta: %w", err)
			}
			continue
		}
		if _, err := q.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init queue schema: %w", err)
		}
	}
	return nil
}
