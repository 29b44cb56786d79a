package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists records in a SQLite database. Conditional writes are
// guarded by the stored version. Versions come from a counter row in the same
// database, so every process sharing the file draws from one sequence.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the session table at dsn.
func OpenSQLite(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS sessions (
		call_id TEXT PRIMARY KEY,
		data    BLOB NOT NULL,
		version INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS session_version (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create version table: %w", err)
	}
	if _, err := db.Exec(`INSERT OR IGNORE INTO session_version (id, value)
		VALUES (1, (SELECT COALESCE(MAX(version), 0) FROM sessions))`); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed version counter: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Get returns the record stored for key.
func (s *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, Version, error) {
	var (
		data    []byte
		version int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version FROM sessions WHERE call_id = ?`, key).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return data, Version(version), nil
}

// Put inserts (expected == 0) or updates the record for key.
func (s *SQLiteBackend) Put(ctx context.Context, key string, value []byte, expected Version) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer tx.Rollback()

	// Bumping the counter first takes the write lock for the whole transaction.
	var next int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE session_version SET value = value + 1 WHERE id = 1 RETURNING value`).Scan(&next); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	var res sql.Result
	if expected == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO sessions (call_id, data, version) VALUES (?, ?, ?)
			 ON CONFLICT(call_id) DO NOTHING`, key, value, next)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE sessions SET data = ?, version = ? WHERE call_id = ? AND version = ?`,
			value, next, key, int64(expected))
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n == 0 {
		return 0, ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return Version(next), nil
}

// Delete removes the record for key if its version matches expected.
func (s *SQLiteBackend) Delete(ctx context.Context, key string, expected Version) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE call_id = ? AND version = ?`, key, int64(expected))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if n == 1 {
		return nil
	}
	// Distinguish a lost race from a record that is already gone.
	if _, _, err := s.Get(ctx, key); err != nil {
		return err
	}
	return ErrVersionConflict
}

// Close closes the database.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
