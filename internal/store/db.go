// Package store provides the embedded SQLite persistence layer for offline
// return processing.
//
// The database holds one table per record family (demands, conferences,
// checklists, anomalies, finish_photos, products). Every record carries a
// synced flag: local writes always clear it, and only the sync engine sets it
// after the remote system confirmed the record. The store survives process
// restarts and arbitrarily long offline periods.
//
// Architecture:
//   - Database file: devosync.db (path from config)
//   - WAL mode: concurrent readers during writes
//   - Indexes: per family on demanda_id, synced and created_at
//
// Workflow:
//  1. UI-driven calls mutate records through the per-family stores
//  2. Each mutation clears synced and publishes a change on the Bus
//  3. The sync engine reads unsynced records and pushes them to the remote API
//  4. Confirmed records are marked synced
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DB wraps the SQLite database connection.
// This provides embedded SQLite with WAL mode for concurrent access.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema afterwards.
//
// The caller MUST call Close() when done to ensure proper cleanup.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
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
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates all record-family tables along with their secondary indexes.
// Idempotent - safe to call on every open. There is no further migration
// machinery: indexes are created if absent and that is the full contract.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS demands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		demanda_id TEXT NOT NULL UNIQUE,
		placa TEXT NOT NULL DEFAULT '',
		motorista TEXT NOT NULL DEFAULT '',
		doca TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		senha TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',  -- JSON object
		finalizada INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS conferences (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL UNIQUE,
		demanda_id TEXT NOT NULL,
		sku TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		expected_quantity INTEGER NOT NULL DEFAULT 0,
		checked_quantity INTEGER NOT NULL DEFAULT 0,
		expected_box_quantity INTEGER,
		box_quantity INTEGER,
		lote TEXT NOT NULL DEFAULT '',
		is_checked INTEGER NOT NULL DEFAULT 0,
		is_extra INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS checklists (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		demanda_id TEXT NOT NULL UNIQUE,
		foto_bau_aberto TEXT NOT NULL DEFAULT '',
		foto_bau_fechado TEXT NOT NULL DEFAULT '',
		temperatura_bau TEXT NOT NULL DEFAULT '',
		temperatura_produto TEXT NOT NULL DEFAULT '',
		anomalias TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS anomalies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		item_id TEXT NOT NULL,
		demanda_id TEXT NOT NULL,
		sku TEXT NOT NULL,
		lote TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 0,
		quantity_box INTEGER,
		quantity_unit INTEGER,
		description TEXT NOT NULL DEFAULT '',
		photos TEXT NOT NULL DEFAULT '[]',  -- JSON array
		replicated_group_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS finish_photos (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		demanda_id TEXT NOT NULL,
		photos TEXT NOT NULL DEFAULT '[]',  -- JSON array
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		descricao TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}',  -- JSON object
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_demands_synced ON demands(synced);
	CREATE INDEX IF NOT EXISTS idx_demands_created ON demands(created_at);

	CREATE INDEX IF NOT EXISTS idx_conferences_demanda ON conferences(demanda_id);
	CREATE INDEX IF NOT EXISTS idx_conferences_synced ON conferences(synced);
	CREATE INDEX IF NOT EXISTS idx_conferences_created ON conferences(created_at);

	CREATE INDEX IF NOT EXISTS idx_checklists_synced ON checklists(synced);
	CREATE INDEX IF NOT EXISTS idx_checklists_created ON checklists(created_at);

	CREATE INDEX IF NOT EXISTS idx_anomalies_item ON anomalies(item_id);
	CREATE INDEX IF NOT EXISTS idx_anomalies_demanda ON anomalies(demanda_id);
	CREATE INDEX IF NOT EXISTS idx_anomalies_synced ON anomalies(synced);
	CREATE INDEX IF NOT EXISTS idx_anomalies_created ON anomalies(created_at);

	CREATE INDEX IF NOT EXISTS idx_finish_photos_demanda ON finish_photos(demanda_id);
	CREATE INDEX IF NOT EXISTS idx_finish_photos_synced ON finish_photos(synced);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back
// otherwise. Used for bulk hydration and wholesale catalog replacement, which
// must be all-or-nothing.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// nowMillis returns the current time as epoch milliseconds, the timestamp
// representation used by every record family.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
