// Package store provides the sqlite-backed API key and usage stores.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat is how instants are stored in sqlite. Always UTC, so the
// DATE() and strftime() grouping in the usage queries is stable.
const timeFormat = "2006-01-02 15:04:05"

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key_hash TEXT NOT NULL UNIQUE,
	key_prefix TEXT NOT NULL,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL DEFAULT (datetime('now')),
	expires_at TEXT,
	rate_limit INTEGER,
	deleted_at TEXT
);

CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	api_key_id INTEGER NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	request_time TEXT NOT NULL DEFAULT (datetime('now')),
	request_id TEXT
);

CREATE INDEX IF NOT EXISTS idx_usage_api_key_id ON usage_records(api_key_id);
CREATE INDEX IF NOT EXISTS idx_usage_model ON usage_records(model);
CREATE INDEX IF NOT EXISTS idx_usage_request_time ON usage_records(request_time);
CREATE INDEX IF NOT EXISTS idx_usage_composite ON usage_records(api_key_id, model, request_time);
`

// DB wraps the single sqlite connection. Writes are serialized behind the
// mutex; modernc sqlite is otherwise safe for the concurrent reads the
// usage endpoints issue.
type DB struct {
	mu     sync.Mutex
	conn   *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database and initializes the schema.
// Initialization is idempotent, including the reserved admin row.
func Open(path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, logger: logger}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	logger.Info("database ready", "path", path)
	return db, nil
}

func (db *DB) init() error {
	if _, err := db.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	// The admin key lives at id 0 with a sentinel hash; the real admin key
	// is configuration, never stored.
	var n int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM api_keys WHERE id = 0`).Scan(&n); err != nil {
		return fmt.Errorf("failed to check admin row: %w", err)
	}
	if n == 0 {
		_, err := db.conn.Exec(
			`INSERT INTO api_keys (id, key_hash, key_prefix, name, enabled, created_at)
			 VALUES (0, 'admin', 'admin', 'admin', 1, datetime('now'))`)
		if err != nil {
			return fmt.Errorf("failed to insert admin row: %w", err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}
