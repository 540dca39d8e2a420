package models

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid transition")

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusClaimed:   true, // Queued → Claimed (dispatcher reserves job)
		JobStatusPrinting:  true, // Queued → Printing (direct start)
		JobStatusCancelled: true, // Queued → Cancelled (owner cancels)
	},
	JobStatusClaimed: {
		JobStatusQueued:    true, // Claimed → Queued (claim released, window exceeded)
		JobStatusPrinting:  true, // Claimed → Printing (upload and start succeeded)
		JobStatusFailed:    true, // Claimed → Failed (upload or start failed)
		JobStatusCancelled: true, // Claimed → Cancelled (owner cancels mid-dispatch)
	},
	JobStatusPrinting: {
		JobStatusCompleted: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid.
// The returned error wraps ErrInvalidTransition.
func ValidateTransition(from, to JobStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("%w: unknown source state %s", ErrInvalidTransition, from)
	}
	if !allowed[to] {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal (no further transitions)
func IsTerminalState(state JobStatus) bool {
	return state == JobStatusCompleted || state == JobStatusFailed || state == JobStatusCancelled
}

// IsActiveState returns true if the job occupies its (owner, device) slot
func IsActiveState(state JobStatus) bool {
	return state == JobStatusQueued || state == JobStatusClaimed || state == JobStatusPrinting
}

// IsCancellable returns true if an owner or operator may cancel the job
func IsCancellable(state JobStatus) bool {
	return state == JobStatusQueued || state == JobStatusClaimed || state == JobStatusPrinting
}

// ActiveStatuses lists the statuses that count against the one-job-per-owner-per-device rule
func ActiveStatuses() []JobStatus {
	return []JobStatus{JobStatusQueued, JobStatusClaimed, JobStatusPrinting}
}
