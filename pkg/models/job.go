package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the status of a print job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"    // Waiting for a device
	JobStatusClaimed   JobStatus = "claimed"   // Reserved by the dispatcher, not yet started
	JobStatusPrinting  JobStatus = "printing"  // Running on a device
	JobStatusCompleted JobStatus = "completed" // Finished successfully
	JobStatusFailed    JobStatus = "failed"    // Upload/start failed or the print was interrupted
	JobStatusCancelled JobStatus = "cancelled" // Cancelled by owner or operator
)

// AutoDevice is the wildcard device id accepted at submission time
const AutoDevice = "auto"

// PriorityTier is the ordinal queue precedence class of a job
type PriorityTier string

const (
	PriorityHigh   PriorityTier = "high"
	PriorityNormal PriorityTier = "normal"
	PriorityLow    PriorityTier = "low"
)

var ErrInvalidPriority = errors.New("invalid priority tier")

// ParsePriorityTier parses a tier name. An empty string means normal.
func ParsePriorityTier(s string) (PriorityTier, error) {
	switch PriorityTier(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityNormal, "":
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Valid reports whether the tier is one of the enumerated tiers
func (p PriorityTier) Valid() bool {
	return p == PriorityHigh || p == PriorityNormal || p == PriorityLow
}

// Rank returns the sort weight of the tier, higher first
func (p PriorityTier) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Job represents a print job submitted by a user
type Job struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"owner_id"`
	DeviceID         string            `json:"device_id"` // concrete id or "auto" until dispatch
	SourcePath       string            `json:"source_path"`
	FileName         string            `json:"file_name"`
	Status           JobStatus         `json:"status"`
	Priority         PriorityTier      `json:"priority"`
	EstimatedMinutes int               `json:"estimated_minutes"`
	ActualMinutes    *int              `json:"actual_minutes,omitempty"`
	Progress         int               `json:"progress"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	StateTransitions []StateTransition `json:"state_transitions,omitempty"`
}

// StateTransition records one status change of a job
type StateTransition struct {
	From      JobStatus `json:"from"`
	To        JobStatus `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason,omitempty"`
}

// JobRequest is the queue submission payload
type JobRequest struct {
	DeviceID  string `json:"device_id"`
	SourceRef string `json:"source_ref"`
	Priority  string `json:"priority"`
}

// IsAuto reports whether the job still targets any device
func (j *Job) IsAuto() bool {
	return j.DeviceID == "" || j.DeviceID == AutoDevice
}

// PublicStatus hides the internal claimed state from callers
func (j *Job) PublicStatus() JobStatus {
	if j.Status == JobStatusClaimed {
		return JobStatusQueued
	}
	return j.Status
}

// ElapsedMinutes returns whole minutes since the job started, rounded up, at least 1
func (j *Job) ElapsedMinutes(now time.Time) int {
	if j.StartedAt == nil {
		return 0
	}
	d := now.Sub(*j.StartedAt)
	minutes := int(d / time.Minute)
	if d%time.Minute > 0 {
		minutes++
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}
