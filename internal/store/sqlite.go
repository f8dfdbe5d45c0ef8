package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend implements Backend using a single SQLite table.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the key-value database at dbPath.
func NewSQLite(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One slot, one writer.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the value for key, or nil if absent.
func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read key %s: %w", key, err)
	}
	return []byte(value), nil
}

// Put overwrites the value for key.
func (b *SQLiteBackend) Put(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	return withWriteRetry(ctx, "put", key, func() error {
		if _, err := b.db.ExecContext(ctx, query, key, string(value), time.Now().Unix()); err != nil {
			return fmt.Errorf("write key %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key.
func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	return withWriteRetry(ctx, "delete", key, func() error {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete key %s: %w", key, err)
		}
		return nil
	})
}

// Update reads and rewrites key inside one transaction.
func (b *SQLiteBackend) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return withWriteRetry(ctx, "update", key, func() error {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin update %s: %w", key, err)
		}
		defer func() { _ = tx.Rollback() }()

		var current []byte
		var value string
		err = tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read key %s: %w", key, err)
		default:
			current = []byte(value)
		}

		next, mutation, err := fn(current)
		if err != nil {
			return err
		}
		switch mutation {
		case MutationKeep:
			return nil
		case MutationPut:
			_, err = tx.ExecContext(ctx, `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`, key, string(next), time.Now().Unix())
		case MutationDelete:
			_, err = tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		}
		if err != nil {
			return fmt.Errorf("write key %s: %w", key, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit update %s: %w", key, err)
		}
		return nil
	})
}

// Ping verifies database connectivity.
func (b *SQLiteBackend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
