package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database holding operator telemetry: the API audit log
// and the usage-delivery journal. Tunnel state itself is never persisted.
type DB struct {
	conn *sql.DB
}

// New opens a SQLite database at the given path (use ":memory:" for tests),
// enables WAL mode, and runs all migrations.
func New(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite doesn't do well with concurrent writes

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the raw *sql.DB connection for direct use.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			source_ip TEXT,
			method    TEXT NOT NULL,
			path      TEXT NOT NULL,
			body_hash TEXT,
			result    TEXT NOT NULL,
			error_msg TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS usage_journal (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp        INTEGER NOT NULL,
			records          INTEGER NOT NULL,
			total_quantity   REAL NOT NULL,
			credits_deducted REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp)`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
