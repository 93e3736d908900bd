package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"edgeagent/internal/deployment"

	_ "modernc.org/sqlite"
)

var _ deployment.Store = (*Store)(nil)

// Store is the agent's durable state: the deployment stage marker, the
// deployment record, its payloads, the effective configuration and the
// status history. Every write is synced before it returns.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS deployment_stage (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	stage TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deployment_record (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	deployment_id TEXT NOT NULL,
	record_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS deployment_payloads (
	name TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS effective_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS status_history (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	deployment_id TEXT NOT NULL,
	update_json TEXT NOT NULL,
	recorded_at TEXT NOT NULL
);`

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	pragmas := []struct{ stmt, what string }{
		{`PRAGMA journal_mode = WAL`, "journal mode"},
		{`PRAGMA synchronous = FULL`, "synchronous mode"},
		{`PRAGMA busy_timeout = 5000`, "busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set state db %s: %w", p.what, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize state db schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) stamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// loadBlob reads a single-row or keyed blob. ok is false when absent.
func (s *Store) loadBlob(query string, args ...any) ([]byte, bool, error) {
	var data []byte
	if err := s.db.QueryRow(query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}
