package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-based implementation of the job store
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// - _journal_mode=WAL: readers do not block the single writer
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _txlock=immediate: take the write lock at BEGIN so claims serialize
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &SQLiteStore{sqlStore: newSQLStore(db, dialect{
		name:      "sqlite",
		seqColumn: "rowid",
		isUnique:  isSQLiteUnique,
	})}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the database schema
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		relay_channel INTEGER NOT NULL DEFAULT 0,
		observed_state TEXT NOT NULL DEFAULT 'offline',
		maintenance BOOLEAN NOT NULL DEFAULT 0,
		active_job_id TEXT NOT NULL DEFAULT '',
		last_seen DATETIME,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		source_path TEXT NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'normal',
		estimated_minutes INTEGER NOT NULL DEFAULT 0,
		actual_minutes INTEGER,
		progress INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME,
		state_transitions TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_device_status ON jobs(device_id, status);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);

	CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_device_printing
		ON jobs(device_id) WHERE status = 'printing';
	CREATE UNIQUE INDEX IF NOT EXISTS uq_jobs_owner_device_active
		ON jobs(owner_id, device_id) WHERE status IN ('queued', 'claimed', 'printing');
	`

	_, err := s.db.Exec(schema)
	return err
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

var _ Store = (*SQLiteStore)(nil)
