package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrConflict reports a guarded update that lost a race with another
// transaction. InTx retries it.
var ErrConflict = errors.New("store: concurrent update conflict")

const (
	busyTimeout = 5 * time.Second
	txAttempts  = 5
	txBackoff   = 20 * time.Millisecond
)

// DB is an open pool database.
type DB struct {
	*sql.DB
	log zerolog.Logger
}

// Open opens or creates the SQLite database at path and applies the schema.
// Write transactions begin IMMEDIATE, so concurrent writers are serialized
// by the database lock.
func Open(ctx context.Context, path string, log zerolog.Logger) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	q := url.Values{}
	q.Set("_txlock", "immediate")
	q.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	q.Set("_synchronous", "NORMAL")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	log.Debug().Str("path", path).Msg("database opened")
	return &DB{DB: db, log: log}, nil
}

// InTx runs fn in a write transaction and commits it. Transient failures
// (database busy or locked, ErrConflict) roll back and rerun fn a bounded
// number of times; any other error is returned after rollback.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= txAttempts; attempt++ {
		err = db.runTx(ctx, fn)
		if err == nil || !IsTransient(err) {
			return err
		}

		db.log.Debug().Err(err).Int("attempt", attempt).Msg("retrying transaction")

		t := time.NewTimer(time.Duration(attempt) * txBackoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", txAttempts, err)
}

func (db *DB) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// IsTransient reports whether err is contention that a retry can clear.
func IsTransient(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// PoolEntries returns every pool entry ordered by port.
func (db *DB) PoolEntries(ctx context.Context) ([]PoolEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, port, username, password, status, COALESCE(assigned_slot_id, 0), updated_at
		FROM pool_entries ORDER BY port`)
	if err != nil {
		return nil, fmt.Errorf("query pool entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []PoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PoolEntryByPort returns the entry for port, or sql.ErrNoRows.
func (db *DB) PoolEntryByPort(ctx context.Context, port int) (PoolEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, port, username, password, status, COALESCE(assigned_slot_id, 0), updated_at
		FROM pool_entries WHERE port = ?`, port)
	return scanPoolEntry(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPoolEntry(s scanner) (PoolEntry, error) {
	var e PoolEntry
	var updated int64
	if err := s.Scan(&e.ID, &e.Port, &e.Username, &e.Password, &e.Status, &e.AssignedSlotID, &updated); err != nil {
		return PoolEntry{}, err
	}
	e.UpdatedAt = Time(updated)
	return e, nil
}
