package store_sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/glebarez/go-sqlite"
)

// DB is the shared handle behind Registry and Executions. It keeps a single
// connection open so transactions are serialized and ":memory:" databases
// survive between calls.
type DB struct {
	db *sql.DB
}

func Open(ctx context.Context, dsn string, busyTimeoutMs int) (*DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("missing sqlite dsn")
	}
	if !strings.Contains(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeoutMs <= 0 {
		busyTimeoutMs = 5000
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeoutMs),
		"PRAGMA foreign_keys=ON;",
	}
	if !strings.Contains(dsn, ":memory:") {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL;")
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite %s: %w", p, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *DB) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *DB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *DB) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS approvals (
  token TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL,
  pipeline TEXT NOT NULL DEFAULT '',
  reference_link TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  created_at_ms INTEGER NOT NULL,
  expires_at_ms INTEGER NOT NULL,
  resolved_at_ms INTEGER,
  notified_at_ms INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending ON approvals(execution_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id, created_at_ms);

CREATE TABLE IF NOT EXISTS approval_decisions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  token TEXT NOT NULL REFERENCES approvals(token),
  actor TEXT NOT NULL,
  decision TEXT NOT NULL,
  comment TEXT NOT NULL DEFAULT '',
  decided_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_decisions_token ON approval_decisions(token);

CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  pipeline TEXT NOT NULL DEFAULT '',
  trigger_json TEXT NOT NULL,
  stages_json TEXT NOT NULL,
  status TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  created_at_ms INTEGER NOT NULL,
  updated_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status);
`)
	if err != nil {
		return err
	}

	// databases created before notified_at_ms existed
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE approvals ADD COLUMN notified_at_ms INTEGER`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return err
	}
	return nil
}
