package store

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

// MemoryStore is an in-memory implementation of the data store.
// A single mutex guards jobs and devices so claims and transitions are atomic.
type MemoryStore struct {
	mu      sync.Mutex
	devices map[string]*models.Device
	jobs    map[string]*models.Job
	seq     map[string]int64 // insertion order, FIFO tie-break for equal timestamps
	nextSeq int64
	sources SourceValidator
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices: make(map[string]*models.Device),
		jobs:    make(map[string]*models.Job),
		seq:     make(map[string]int64),
		sources: fileSource{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetSourceValidator replaces the artifact existence check used by Enqueue
func (s *MemoryStore) SetSourceValidator(v SourceValidator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = v
}

// Device operations

// RegisterDevice adds a device or refreshes its configured fields.
// Observed state is reset to offline until the first successful poll.
func (s *MemoryStore) RegisterDevice(device *models.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := *device
	d.ObservedState = models.DeviceOffline
	d.UpdatedAt = s.now()
	if existing, ok := s.devices[d.ID]; ok {
		d.Maintenance = existing.Maintenance
		d.ActiveJobID = existing.ActiveJobID
		d.LastSeen = existing.LastSeen
	}
	s.devices[d.ID] = &d
	return nil
}

// GetDevice retrieves a device by ID
func (s *MemoryStore) GetDevice(id string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	c := *d
	return &c, nil
}

// ListDevices returns all devices in id order
func (s *MemoryStore) ListDevices() ([]*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]*models.Device, 0, len(s.devices))
	for _, d := range s.devices {
		c := *d
		devices = append(devices, &c)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// UpdateDeviceState records the last observed device state
func (s *MemoryStore) UpdateDeviceState(id string, state models.DeviceState, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.ObservedState = state
	d.UpdatedAt = s.now()
	if state != models.DeviceOffline {
		t := seenAt.UTC()
		d.LastSeen = &t
	}
	return nil
}

// SetMaintenance toggles the operator maintenance flag
func (s *MemoryStore) SetMaintenance(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Maintenance = enabled
	d.UpdatedAt = s.now()
	return nil
}

// Job operations

// Enqueue validates and stores a new queued job
func (s *MemoryStore) Enqueue(job *models.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := prepareJob(job, s.sources, s.now()); err != nil {
		return "", err
	}
	if s.hasActiveLocked(job.OwnerID, job.DeviceID, "") {
		return "", &ConflictError{OwnerID: job.OwnerID, DeviceID: job.DeviceID, Reason: "owner already has an active job on this device"}
	}

	stored := cloneJob(job)
	s.jobs[job.ID] = stored
	s.nextSeq++
	s.seq[job.ID] = s.nextSeq
	return job.ID, nil
}

// GetJob retrieves a job by ID
func (s *MemoryStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateProgress sets the progress of a printing job; other statuses are left untouched
func (s *MemoryStore) UpdateProgress(id string, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status == models.JobStatusPrinting {
		job.Progress = clampPercent(percent)
	}
	return nil
}

// SetPriority changes the tier of a queued job
func (s *MemoryStore) SetPriority(id string, tier models.PriorityTier) error {
	if !tier.Valid() {
		return models.ErrInvalidPriority
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusQueued {
		return ErrJobNotQueued
	}
	job.Priority = tier
	return nil
}

// ListQueue returns active jobs and recently finished ones in display order
func (s *MemoryStore) ListQueue() ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-queueWindow)
	var jobs []*models.Job
	for _, job := range s.jobs {
		if models.IsTerminalState(job.Status) && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			continue
		}
		jobs = append(jobs, cloneJob(job))
	}
	s.sortBySeq(jobs)
	SortQueue(jobs)
	return jobs, nil
}

// ListHistory returns an owner's jobs, newest first, with the total count
func (s *MemoryStore) ListHistory(ownerID string, limit, offset int) ([]*models.Job, int, error) {
	limit, offset = normalizePage(limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return s.seq[jobs[i].ID] > s.seq[jobs[j].ID]
	})

	total := len(jobs)
	if offset >= total {
		return []*models.Job{}, total, nil
	}
	end := total
	if offset+limit < total {
		end = offset + limit
	}
	return jobs[offset:end], total, nil
}

// PrintingJobs returns every job currently printing
func (s *MemoryStore) PrintingJobs() ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPrinting {
			jobs = append(jobs, cloneJob(job))
		}
	}
	return jobs, nil
}

// ActiveJobCounts returns queued+claimed+printing counts per device id
func (s *MemoryStore) ActiveJobCounts() (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, job := range s.jobs {
		if models.IsActiveState(job.Status) {
			counts[job.DeviceID]++
		}
	}
	return counts, nil
}

// GetJobStats aggregates jobs created since the given time
func (s *MemoryStore) GetJobStats(since time.Time) (*JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := newStatsAccumulator()
	for _, job := range s.jobs {
		if job.CreatedAt.Before(since) {
			continue
		}
		actual, hasActual := 0, 0
		if job.ActualMinutes != nil {
			actual, hasActual = *job.ActualMinutes, 1
		}
		acc.add(job.DeviceID, job.Status, 1, actual, hasActual)
	}
	return acc.result(), nil
}

// FSM operations

// ClaimNextEligible atomically reserves the best queued job for a device.
// Returns (nil, nil) when nothing is eligible.
func (s *MemoryStore) ClaimNextEligible(deviceID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobStatusQueued {
			continue
		}
		if job.DeviceID != deviceID && !job.IsAuto() {
			continue
		}
		if job.IsAuto() && s.hasActiveLocked(job.OwnerID, deviceID, job.ID) {
			continue
		}
		if best == nil || claimBefore(job, best) ||
			(!claimBefore(best, job) && s.seq[job.ID] < s.seq[best.ID]) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	reason := claimReason(deviceID, best.IsAuto())
	if err := s.transitionLocked(best, models.JobStatusClaimed, reason); err != nil {
		return nil, err
	}
	best.DeviceID = deviceID
	return cloneJob(best), nil
}

// ReleaseClaim returns a claimed job to the queue
func (s *MemoryStore) ReleaseClaim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != models.JobStatusClaimed {
		return models.ValidateTransition(job.Status, models.JobStatusQueued)
	}
	return s.unclaimLocked(job, "claim released")
}

// unclaimLocked returns a claimed job to the queue, back to "auto" if it was claimed from there
func (s *MemoryStore) unclaimLocked(job *models.Job, reason string) error {
	auto := claimedFromAuto(job.StateTransitions)
	if err := s.transitionLocked(job, models.JobStatusQueued, reason); err != nil {
		return err
	}
	if auto {
		job.DeviceID = models.AutoDevice
	}
	return nil
}

// MarkPrinting records that a job started on a device
func (s *MemoryStore) MarkPrinting(id, deviceID string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := models.ValidateTransition(job.Status, models.JobStatusPrinting); err != nil {
		return err
	}
	for _, other := range s.jobs {
		if other.ID != id && other.Status == models.JobStatusPrinting && other.DeviceID == deviceID {
			return &ConflictError{OwnerID: job.OwnerID, DeviceID: deviceID, Reason: "device already printing job " + other.ID}
		}
	}
	if job.DeviceID != deviceID && s.hasActiveLocked(job.OwnerID, deviceID, id) {
		return &ConflictError{OwnerID: job.OwnerID, DeviceID: deviceID, Reason: "owner already has an active job on this device"}
	}

	if err := s.transitionLocked(job, models.JobStatusPrinting, "started on device "+deviceID); err != nil {
		return err
	}
	started := startedAt.UTC()
	job.DeviceID = deviceID
	job.StartedAt = &started
	job.Progress = 0
	if d, ok := s.devices[deviceID]; ok {
		d.ActiveJobID = id
	}
	return nil
}

// MarkCompleted finishes a printing job
func (s *MemoryStore) MarkCompleted(id string, actualMinutes int) error {
	return s.finish(id, models.JobStatusCompleted, "print completed", func(job *models.Job) {
		minutes := actualMinutes
		job.ActualMinutes = &minutes
	})
}

// MarkFailed fails a claimed or printing job with a human-readable reason
func (s *MemoryStore) MarkFailed(id string, reason string) error {
	return s.finish(id, models.JobStatusFailed, reason, func(job *models.Job) {
		job.Error = reason
	})
}

// MarkCancelled cancels a queued, claimed or printing job
func (s *MemoryStore) MarkCancelled(id string) error {
	return s.finish(id, models.JobStatusCancelled, "cancelled", nil)
}

// RecoverClaims releases claims left behind by a crash and rebuilds device back-references
func (s *MemoryStore) RecoverClaims() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, job := range s.jobs {
		if job.Status == models.JobStatusClaimed {
			if err := s.unclaimLocked(job, "claim recovered at startup"); err != nil {
				return released, err
			}
			released++
		}
	}
	for _, d := range s.devices {
		d.ActiveJobID = ""
	}
	for _, job := range s.jobs {
		if job.Status == models.JobStatusPrinting {
			if d, ok := s.devices[job.DeviceID]; ok {
				d.ActiveJobID = job.ID
			}
		}
	}
	return released, nil
}

// Lifecycle

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}

// HealthCheck always succeeds for the memory store
func (s *MemoryStore) HealthCheck() error {
	return nil
}

func (s *MemoryStore) finish(id string, to models.JobStatus, reason string, apply func(*models.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if err := s.transitionLocked(job, to, reason); err != nil {
		return err
	}
	now := s.now()
	job.CompletedAt = &now
	if apply != nil {
		apply(job)
	}
	if d, ok := s.devices[job.DeviceID]; ok && d.ActiveJobID == id {
		d.ActiveJobID = ""
	}
	return nil
}

// transitionLocked validates and applies a status change; caller holds s.mu
func (s *MemoryStore) transitionLocked(job *models.Job, to models.JobStatus, reason string) error {
	from := job.Status
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}
	job.Status = to
	job.StateTransitions = append(job.StateTransitions, models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: s.now(),
		Reason:    reason,
	})
	log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", job.ID, from, to, reason)
	return nil
}

// hasActiveLocked reports whether owner has an active job on device, ignoring skipID
func (s *MemoryStore) hasActiveLocked(ownerID, deviceID, skipID string) bool {
	for _, job := range s.jobs {
		if job.ID != skipID && job.OwnerID == ownerID && job.DeviceID == deviceID && models.IsActiveState(job.Status) {
			return true
		}
	}
	return false
}

func (s *MemoryStore) sortBySeq(jobs []*models.Job) {
	sort.Slice(jobs, func(i, j int) bool { return s.seq[jobs[i].ID] < s.seq[jobs[j].ID] })
}

func cloneJob(job *models.Job) *models.Job {
	c := *job
	if job.ActualMinutes != nil {
		v := *job.ActualMinutes
		c.ActualMinutes = &v
	}
	if job.StartedAt != nil {
		v := *job.StartedAt
		c.StartedAt = &v
	}
	if job.CompletedAt != nil {
		v := *job.CompletedAt
		c.CompletedAt = &v
	}
	c.StateTransitions = append([]models.StateTransition(nil), job.StateTransitions...)
	return &c
}

var _ Store = (*MemoryStore)(nil)
