package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

// Store defines the interface for job and device persistence.
// Memory, SQLite and PostgreSQL implement it; every job status change
// is validated against the job FSM inside a single transaction.
type Store interface {
	// Device operations
	RegisterDevice(device *models.Device) error
	GetDevice(id string) (*models.Device, error)
	ListDevices() ([]*models.Device, error)
	UpdateDeviceState(id string, state models.DeviceState, seenAt time.Time) error
	SetMaintenance(id string, enabled bool) error

	// Job operations
	Enqueue(job *models.Job) (string, error)
	GetJob(id string) (*models.Job, error)
	UpdateProgress(id string, percent int) error
	SetPriority(id string, tier models.PriorityTier) error
	ListQueue() ([]*models.Job, error)
	ListHistory(ownerID string, limit, offset int) ([]*models.Job, int, error)
	PrintingJobs() ([]*models.Job, error)
	ActiveJobCounts() (map[string]int, error)
	GetJobStats(since time.Time) (*JobStats, error)

	// FSM operations (dispatcher, poller, cancel path)
	ClaimNextEligible(deviceID string) (*models.Job, error)
	ReleaseClaim(id string) error
	MarkPrinting(id, deviceID string, startedAt time.Time) error
	MarkCompleted(id string, actualMinutes int) error
	MarkFailed(id string, reason string) error
	MarkCancelled(id string) error
	RecoverClaims() (int, error)

	// Lifecycle
	SetSourceValidator(v SourceValidator)
	Close() error
	HealthCheck() error
}

// JobStats contains aggregated job statistics for the stats endpoint
type JobStats struct {
	Total              int                       `json:"total_jobs"`
	Queued             int                       `json:"queued_jobs"`
	Printing           int                       `json:"printing_jobs"`
	Completed          int                       `json:"completed_jobs"`
	Failed             int                       `json:"failed_jobs"`
	Cancelled          int                       `json:"cancelled_jobs"`
	AvgActualMinutes   float64                   `json:"avg_print_minutes"`
	TotalActualMinutes int                       `json:"total_print_minutes"`
	ByDevice           map[string]DeviceJobStats `json:"devices"`
}

// DeviceJobStats is the per-device part of JobStats
type DeviceJobStats struct {
	Total            int     `json:"total_jobs"`
	Completed        int     `json:"completed_jobs"`
	AvgActualMinutes float64 `json:"avg_print_minutes"`
}

// SourceValidator checks that a job's source artifact exists
type SourceValidator interface {
	Exists(path string) error
}

// fileSource is the default validator: the path must be a regular file
type fileSource struct{}

func (fileSource) Exists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// Config holds database configuration
type Config struct {
	Type string // "sqlite", "postgres" or "memory"
	DSN  string // Connection string or SQLite path

	// PostgreSQL specific
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	case "sqlite", "":
		path := config.DSN
		if path == "" {
			path = "printfarm.db"
		}
		return NewSQLiteStore(path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDatabase, config.Type)
	}
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
	ErrJobNotFound         = errors.New("job not found")
	ErrDeviceNotFound      = errors.New("device not found")
	ErrConflict            = errors.New("conflict")
	ErrJobNotQueued        = errors.New("job not queued")
	ErrSourceNotFound      = errors.New("source artifact not found")
)

// ConflictError explains which active job blocked an operation
type ConflictError struct {
	OwnerID  string
	DeviceID string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s (owner %s, device %s)", e.Reason, e.OwnerID, e.DeviceID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// prepareJob fills defaults and validates a job before insertion
func prepareJob(job *models.Job, sources SourceValidator, now time.Time) error {
	if job.Priority == "" {
		job.Priority = models.PriorityNormal
	}
	if !job.Priority.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidPriority, job.Priority)
	}
	if job.OwnerID == "" {
		return errors.New("owner id is required")
	}
	if job.SourcePath == "" {
		return fmt.Errorf("%w: empty source path", ErrSourceNotFound)
	}
	if err := sources.Exists(job.SourcePath); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceNotFound, err)
	}
	if job.DeviceID == "" {
		job.DeviceID = models.AutoDevice
	}
	if job.ID == "" {
		job.ID = newJobID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.ActualMinutes = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.Error = ""
	job.StateTransitions = nil
	return nil
}

func clampPercent(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// autoClaimMarker tags the claim transition of a job submitted for any device
const autoClaimMarker = " (auto)"

func claimReason(deviceID string, auto bool) string {
	reason := "claimed for device " + deviceID
	if auto {
		reason += autoClaimMarker
	}
	return reason
}

// claimedFromAuto reports whether the latest claim resolved an "auto" job
func claimedFromAuto(transitions []models.StateTransition) bool {
	for i := len(transitions) - 1; i >= 0; i-- {
		if transitions[i].To == models.JobStatusClaimed {
			return strings.HasSuffix(transitions[i].Reason, autoClaimMarker)
		}
	}
	return false
}

// queueWindow is how long terminal jobs stay in the queue projection
const queueWindow = 24 * time.Hour

// normalizePage applies the history paging defaults
func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
