// Package store provides the on-device SQLite record store for field surveys.
//
// The store is the durable, local-first half of fieldsync: every survey is
// written here first with status pending, and the sync pass later flips it to
// synced or failed. Records are append-only; only the delivery columns
// (sync_status, remote_id and attempt bookkeeping) ever change.
//
// Architecture:
//   - Database file: .fieldsync/surveys.db
//   - WAL mode: the sync pass reads while the data-entry path inserts
//   - Schema: survey_records, sync_passes
//   - Indexes: sync_status for pending scans, unique remote_id
//
// Workflow:
//  1. Data entry calls Insert, which assigns the local id
//  2. A sync pass calls ListByStatus(pending) and takes a snapshot
//  3. Each delivery outcome is written back with UpdateStatus
//  4. Failed records return to pending only through Requeue
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Schema version tracking:
// 0 - empty database
// 1 - survey_records, sync_passes
// 2 - attempt bookkeeping columns on survey_records
const currentSchemaVersion = 2

// DB wraps the SQLite connection with survey-record operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout so the data-entry
// path and the sync pass can share it. The parent directory is created if
// needed.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	db, err := store.Open(".fieldsync/surveys.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("create database directory", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	params := url.Values{}
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(on)")
	params.Add("_pragma", "synchronous(normal)")
	params.Set("_txlock", "immediate")
	connStr := fmt.Sprintf("file:%s?%s", path, params.Encode())

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("ping database", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn: conn,
		path: path,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return storageErr("close database", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist and applies
// pending migrations. Safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return storageErr("read schema version", err)
	}

	if version < 1 {
		if err := db.migrateToV1(ctx); err != nil {
			return err
		}
	}
	if version < 2 {
		if err := db.migrateToV2(ctx); err != nil {
			return err
		}
	}

	if version != currentSchemaVersion {
		if _, err := db.conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return storageErr("set schema version", err)
		}
	}

	return nil
}

// migrateToV1 creates the record and pass-log tables.
func (db *DB) migrateToV1(ctx context.Context) error {
	schema := `
	-- AUTOINCREMENT guarantees local ids are never reused.
	CREATE TABLE IF NOT EXISTS survey_records (
		local_id INTEGER PRIMARY KEY AUTOINCREMENT,
		remote_id TEXT UNIQUE,
		payload TEXT NOT NULL,  -- JSON, sent verbatim to the remote
		sync_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (sync_status IN ('pending', 'synced', 'failed')),
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_survey_records_status ON survey_records(sync_status);

	CREATE TABLE IF NOT EXISTS sync_passes (
		pass_id TEXT PRIMARY KEY,
		trigger TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		success_count INTEGER NOT NULL DEFAULT 0,
		fail_count INTEGER NOT NULL DEFAULT 0,
		store_errors INTEGER NOT NULL DEFAULT 0,
		skipped_reason TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_sync_passes_started ON sync_passes(started_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return storageErr("initialize schema", err)
	}
	return nil
}

// migrateToV2 adds attempt bookkeeping. The three-state status is unchanged;
// these columns only record how often and when delivery was tried.
func (db *DB) migrateToV2(ctx context.Context) error {
	columns := []struct {
		name string
		def  string
	}{
		{"attempts", "INTEGER NOT NULL DEFAULT 0"},
		{"last_attempt_at", "TEXT"},
		{"last_error", "TEXT"},
	}

	for _, col := range columns {
		exists, err := db.columnExists(ctx, "survey_records", col.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE survey_records ADD COLUMN %s %s", col.name, col.def)
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return storageErr("migrate to v2", err)
		}
	}
	return nil
}

func (db *DB) columnExists(ctx context.Context, table, column string) (bool, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil {
		return false, storageErr("inspect schema", err)
	}
	return count > 0, nil
}
