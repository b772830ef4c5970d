// Package sqlite implements the repository interfaces on top of SQLite.
//
// modernc.org/sqlite is a pure Go port of SQLite, so the binaries build
// without cgo. Use ":memory:" as the path for a throwaway database in tests.
//
// database/sql basics used throughout this package:
//   - sql.DB is a connection pool, not a single connection
//   - ExecContext for INSERT/UPDATE/DELETE, QueryRowContext for one row,
//     QueryContext for many (always close the rows)
//   - placeholders (?) for every value, never string formatting
package sqlite

import (
	"database/sql"
	"fmt"

	// registers the "sqlite" driver with database/sql
	_ "modernc.org/sqlite"
)

// DB wraps the connection pool. It implements repository.SnippetRepository
// directly; the execution history is reached through Executions().
type DB struct {
	conn       *sql.DB
	executions *ExecutionStore
}

// New opens the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/runner.db" → file-based database (persistent)
//   - ":memory:"       → in-memory database (lost on close)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// An in-memory database exists per connection. Pin the pool to one
	// connection so every query sees the same tables.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	// WAL lets readers proceed while a write is in progress.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: enabling foreign keys: %w", err)
	}

	db := &DB{conn: conn}
	db.executions = &ExecutionStore{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Executions returns the execution history store backed by this database.
func (db *DB) Executions() *ExecutionStore {
	return db.executions
}

// migrate creates or upgrades the schema. Every step is idempotent.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS snippets (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			code        TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_snippets_created_at ON snippets(created_at);
	`)
	if err != nil {
		return fmt.Errorf("creating snippets table: %w", err)
	}

	// Snippets predating multi-language support were all Python.
	if err := db.addColumnIfNotExists("snippets", "language",
		"TEXT NOT NULL DEFAULT 'python'"); err != nil {
		return fmt.Errorf("adding language to snippets: %w", err)
	}

	// snippet_id is a plain column, not a foreign key: history outlives
	// deleted snippets.
	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id            TEXT PRIMARY KEY,
			snippet_id    TEXT NOT NULL DEFAULT '',
			client_id     TEXT NOT NULL DEFAULT '',
			language      TEXT NOT NULL,
			code_hash     TEXT NOT NULL,
			timeout_ms    INTEGER NOT NULL,
			status        TEXT NOT NULL,
			stdout        TEXT NOT NULL DEFAULT '',
			stderr        TEXT NOT NULL DEFAULT '',
			exit_code     INTEGER NOT NULL DEFAULT 0,
			elapsed_ms    REAL NOT NULL DEFAULT 0,
			error_kind    TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at);
		CREATE INDEX IF NOT EXISTS idx_executions_snippet_id ON executions(snippet_id);
		CREATE INDEX IF NOT EXISTS idx_executions_code_hash ON executions(code_hash);
	`)
	if err != nil {
		return fmt.Errorf("creating executions table: %w", err)
	}

	return nil
}

// addColumnIfNotExists adds a column to a table only if it doesn't already exist.
func (db *DB) addColumnIfNotExists(table, column, definition string) error {
	var count int
	err := db.conn.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`,
		table, column,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking column %s.%s: %w", table, column, err)
	}
	if count > 0 {
		return nil
	}
	_, err = db.conn.Exec(fmt.Sprintf(
		`ALTER TABLE %s ADD COLUMN %s %s`, table, column, definition,
	))
	return err
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
