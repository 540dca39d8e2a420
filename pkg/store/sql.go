package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

// dialect captures the differences between the SQL backends
type dialect struct {
	name       string
	numbered   bool   // $1-style placeholders
	seqColumn  string // insertion order column for FIFO tie-breaks
	forUpdate  string // row lock suffix for single-row reads in a transaction
	skipLocked string // row lock suffix for the claim candidate query
	isUnique   func(error) bool
}

// rebind converts ? placeholders to the dialect's form
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements Store on database/sql; SQLiteStore and PostgreSQLStore embed it
type sqlStore struct {
	db      *sql.DB
	mu      sync.Mutex
	d       dialect
	sources SourceValidator
	now     func() time.Time
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{
		db:      db,
		d:       d,
		sources: fileSource{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

const jobColumns = `id, owner_id, device_id, source_path, file_name, status, priority, estimated_minutes,
	actual_minutes, progress, error, created_at, started_at, completed_at, state_transitions`

const deviceColumns = `id, display_name, endpoint, relay_channel, observed_state, maintenance, active_job_id,
	last_seen, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var actual sql.NullInt64
	var startedAt, completedAt sql.NullTime
	var transitionsJSON sql.NullString

	err := row.Scan(&job.ID, &job.OwnerID, &job.DeviceID, &job.SourcePath, &job.FileName, &job.Status,
		&job.Priority, &job.EstimatedMinutes, &actual, &job.Progress, &job.Error, &job.CreatedAt,
		&startedAt, &completedAt, &transitionsJSON)
	if err != nil {
		return nil, err
	}

	if actual.Valid {
		v := int(actual.Int64)
		job.ActualMinutes = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &job.StateTransitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state_transitions: %w", err)
		}
	}
	return &job, nil
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.DisplayName, &d.Endpoint, &d.RelayChannel, &d.ObservedState, &d.Maintenance,
		&d.ActiveJobID, &lastSeen, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		d.LastSeen = &t
	}
	return &d, nil
}

func (s *sqlStore) queryJobs(query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := s.db.Query(s.d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetSourceValidator replaces the artifact existence check used by Enqueue
func (s *sqlStore) SetSourceValidator(v SourceValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = v
}

// Device operations

// RegisterDevice adds a device or refreshes its configured fields.
// Observed state is reset to offline until the first successful poll.
func (s *sqlStore) RegisterDevice(device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(s.d.rebind(`
		INSERT INTO devices (id, display_name, endpoint, relay_channel, observed_state, maintenance, active_job_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			endpoint = excluded.endpoint,
			relay_channel = excluded.relay_channel,
			observed_state = excluded.observed_state,
			updated_at = excluded.updated_at
	`), device.ID, device.DisplayName, device.Endpoint, device.RelayChannel, string(models.DeviceOffline),
		device.Maintenance, s.now())
	if err != nil {
		return fmt.Errorf("register device %s: %w", device.ID, err)
	}
	return nil
}

// GetDevice retrieves a device by ID
func (s *sqlStore) GetDevice(id string) (*models.Device, error) {
	d, err := scanDevice(s.db.QueryRow(s.d.rebind(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	return d, err
}

// ListDevices returns all devices in id order
func (s *sqlStore) ListDevices() ([]*models.Device, error) {
	rows, err := s.db.Query(`SELECT ` + deviceColumns + ` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// UpdateDeviceState records the last observed device state
func (s *sqlStore) UpdateDeviceState(id string, state models.DeviceState, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if state == models.DeviceOffline {
		res, err = s.db.Exec(s.d.rebind(`UPDATE devices SET observed_state = ?, updated_at = ? WHERE id = ?`),
			string(state), s.now(), id)
	} else {
		res, err = s.db.Exec(s.d.rebind(`UPDATE devices SET observed_state = ?, last_seen = ?, updated_at = ? WHERE id = ?`),
			string(state), seenAt.UTC(), s.now(), id)
	}
	return requireRow(res, err, ErrDeviceNotFound)
}

// SetMaintenance toggles the operator maintenance flag
func (s *sqlStore) SetMaintenance(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(s.d.rebind(`UPDATE devices SET maintenance = ?, updated_at = ? WHERE id = ?`),
		enabled, s.now(), id)
	return requireRow(res, err, ErrDeviceNotFound)
}

// Job operations

// Enqueue validates and stores a new queued job
func (s *sqlStore) Enqueue(job *models.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepareJob(job, s.sources, s.now()); err != nil {
		return "", err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	active, err := s.countActive(tx, job.OwnerID, job.DeviceID, "")
	if err != nil {
		return "", err
	}
	if active > 0 {
		return "", &ConflictError{OwnerID: job.OwnerID, DeviceID: job.DeviceID, Reason: "owner already has an active job on this device"}
	}

	_, err = tx.Exec(s.d.rebind(`
		INSERT INTO jobs (id, owner_id, device_id, source_path, file_name, status, priority, estimated_minutes,
			progress, error, created_at, state_transitions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, '[]')
	`), job.ID, job.OwnerID, job.DeviceID, job.SourcePath, job.FileName, string(job.Status),
		string(job.Priority), job.EstimatedMinutes, job.CreatedAt)
	if err != nil {
		if s.d.isUnique(err) {
			return "", &ConflictError{OwnerID: job.OwnerID, DeviceID: job.DeviceID, Reason: "owner already has an active job on this device"}
		}
		return "", fmt.Errorf("insert job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit transaction: %w", err)
	}
	return job.ID, nil
}

// GetJob retrieves a job by ID
func (s *sqlStore) GetJob(id string) (*models.Job, error) {
	job, err := scanJob(s.db.QueryRow(s.d.rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id))
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

// UpdateProgress sets the progress of a printing job; other statuses are left untouched
func (s *sqlStore) UpdateProgress(id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(s.d.rebind(`UPDATE jobs SET progress = ? WHERE id = ? AND status = ?`),
		clampPercent(percent), id, string(models.JobStatusPrinting))
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRow(s.d.rebind(`SELECT COUNT(*) FROM jobs WHERE id = ?`), id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return ErrJobNotFound
	}
	return nil
}

// SetPriority changes the tier of a queued job
func (s *sqlStore) SetPriority(id string, tier models.PriorityTier) error {
	if !tier.Valid() {
		return models.ErrInvalidPriority
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(s.d.rebind(`SELECT status FROM jobs WHERE id = ?`+s.d.forUpdate), id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if models.JobStatus(status) != models.JobStatusQueued {
		return ErrJobNotQueued
	}

	if _, err := tx.Exec(s.d.rebind(`UPDATE jobs SET priority = ? WHERE id = ?`), string(tier), id); err != nil {
		return fmt.Errorf("update priority: %w", err)
	}
	return tx.Commit()
}

// ListQueue returns active jobs and recently finished ones in display order
func (s *sqlStore) ListQueue() ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE completed_at IS NULL OR completed_at >= ?
		ORDER BY `+statusOrderSQL+`, `+priorityRankSQL+` DESC, created_at ASC, `+s.d.seqColumn+` ASC`,
		s.now().Add(-queueWindow))
}

// ListHistory returns an owner's jobs, newest first, with the total count
func (s *sqlStore) ListHistory(ownerID string, limit, offset int) ([]*models.Job, int, error) {
	limit, offset = normalizePage(limit, offset)

	var total int
	if err := s.db.QueryRow(s.d.rebind(`SELECT COUNT(*) FROM jobs WHERE owner_id = ?`), ownerID).Scan(&total); err != nil {
		return nil, 0, err
	}

	jobs, err := s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ?
		ORDER BY created_at DESC, `+s.d.seqColumn+` DESC LIMIT ? OFFSET ?`, ownerID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	return jobs, total, nil
}

// PrintingJobs returns every job currently printing
func (s *sqlStore) PrintingJobs() ([]*models.Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs WHERE status = ?`, string(models.JobStatusPrinting))
}

// ActiveJobCounts returns queued+claimed+printing counts per device id
func (s *sqlStore) ActiveJobCounts() (map[string]int, error) {
	rows, err := s.db.Query(s.d.rebind(`SELECT device_id, COUNT(*) FROM jobs WHERE status IN (?, ?, ?) GROUP BY device_id`),
		string(models.JobStatusQueued), string(models.JobStatusClaimed), string(models.JobStatusPrinting))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var deviceID string
		var n int
		if err := rows.Scan(&deviceID, &n); err != nil {
			return nil, err
		}
		counts[deviceID] = n
	}
	return counts, rows.Err()
}

// GetJobStats aggregates jobs created since the given time
func (s *sqlStore) GetJobStats(since time.Time) (*JobStats, error) {
	rows, err := s.db.Query(s.d.rebind(`
		SELECT device_id, status, COUNT(*), COALESCE(SUM(actual_minutes), 0), COUNT(actual_minutes)
		FROM jobs WHERE created_at >= ?
		GROUP BY device_id, status
	`), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	acc := newStatsAccumulator()
	for rows.Next() {
		var deviceID, status string
		var count, sum, withActual int
		if err := rows.Scan(&deviceID, &status, &count, &sum, &withActual); err != nil {
			return nil, err
		}
		acc.add(deviceID, models.JobStatus(status), count, sum, withActual)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return acc.result(), nil
}

// Lifecycle

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}

// HealthCheck verifies the database is reachable
func (s *sqlStore) HealthCheck() error {
	return s.db.Ping()
}

// countActive counts an owner's active jobs on a device, excluding skipID
func (s *sqlStore) countActive(tx *sql.Tx, ownerID, deviceID, skipID string) (int, error) {
	var n int
	err := tx.QueryRow(s.d.rebind(`
		SELECT COUNT(*) FROM jobs
		WHERE owner_id = ? AND device_id = ? AND id <> ? AND status IN (?, ?, ?)
	`), ownerID, deviceID, skipID, string(models.JobStatusQueued), string(models.JobStatusClaimed),
		string(models.JobStatusPrinting)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

func requireRow(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
