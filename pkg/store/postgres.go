package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgreSQLStore implements Store using PostgreSQL
type PostgreSQLStore struct {
	*sqlStore
}

// NewPostgreSQLStore creates a new PostgreSQL store
func NewPostgreSQLStore(config Config) (*PostgreSQLStore, error) {
	dsn := config.DSN
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(25)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(5)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgreSQLStore{sqlStore: newSQLStore(db, dialect{
		name:       "postgres",
		numbered:   true,
		seqColumn:  "seq",
		forUpdate:  " FOR UPDATE",
		skipLocked: " FOR UPDATE SKIP LOCKED",
		isUnique:   isPostgresUnique,
	})}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates tables if they don't exist
func (s *PostgreSQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		relay_channel INTEGER NOT NULL DEFAULT 0,
		observed_state TEXT NOT NULL DEFAULT 'offline',
		maintenance BOOLEAN NOT NULL DEFAULT FALSE,
		active_job_id TEXT NOT NULL DEFAULT '',
		last_seen TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS jobs (
		seq BIGSERIAL,
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
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		state_transitions JSONB NOT NULL DEFAULT '[]'::jsonb
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at DESC);
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

func isPostgresUnique(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ Store = (*PostgreSQLStore)(nil)
