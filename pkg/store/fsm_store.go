package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/psantana5/printfarm/pkg/models"
)

// jobState is the part of a job row a transition needs
type jobState struct {
	id          string
	from        models.JobStatus
	ownerID     string
	deviceID    string
	transitions []models.StateTransition // history before this change
}

// transitionTx validates and applies a status change inside tx.
// The caller commits; nothing is written if validation fails.
func (s *sqlStore) transitionTx(tx *sql.Tx, jobID string, to models.JobStatus, reason string) (*jobState, error) {
	var status, ownerID, deviceID string
	var transitionsJSON sql.NullString
	err := tx.QueryRow(s.d.rebind(`
		SELECT status, owner_id, device_id, state_transitions
		FROM jobs WHERE id = ?`+s.d.forUpdate), jobID).Scan(&status, &ownerID, &deviceID, &transitionsJSON)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job state: %w", err)
	}

	from := models.JobStatus(status)
	if err := models.ValidateTransition(from, to); err != nil {
		return nil, err
	}

	var transitions []models.StateTransition
	var previous []models.StateTransition
	if transitionsJSON.Valid && transitionsJSON.String != "" && transitionsJSON.String != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON.String), &transitions); err != nil {
			log.Printf("[FSM] Warning: failed to parse transitions for job %s: %v", jobID, err)
			transitions = nil
		}
	}
	previous = transitions
	transitions = append(transitions[:len(transitions):len(transitions)], models.StateTransition{
		From:      from,
		To:        to,
		Timestamp: s.now(),
		Reason:    reason,
	})
	newTransitionsJSON, err := json.Marshal(transitions)
	if err != nil {
		return nil, fmt.Errorf("marshal transitions: %w", err)
	}

	_, err = tx.Exec(s.d.rebind(`UPDATE jobs SET status = ?, state_transitions = ? WHERE id = ?`),
		string(to), string(newTransitionsJSON), jobID)
	if err != nil {
		return nil, fmt.Errorf("update job state: %w", err)
	}

	return &jobState{id: jobID, from: from, ownerID: ownerID, deviceID: deviceID, transitions: previous}, nil
}

// ClaimNextEligible atomically reserves the best queued job for a device.
// Candidates target the device or "auto"; an auto job is skipped when its
// owner already has an active job on the device. Returns (nil, nil) when
// nothing is eligible.
func (s *sqlStore) ClaimNextEligible(deviceID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRow(s.d.rebind(`
		SELECT `+jobColumns+` FROM jobs j
		WHERE j.status = ?
		  AND (j.device_id = ? OR j.device_id = ?)
		  AND NOT (j.device_id = ? AND EXISTS (
			SELECT 1 FROM jobs other
			WHERE other.owner_id = j.owner_id AND other.device_id = ? AND other.status IN (?, ?, ?)))
		ORDER BY `+priorityRankSQL+` DESC, j.created_at ASC, j.`+s.d.seqColumn+` ASC
		LIMIT 1`+s.d.skipLocked),
		string(models.JobStatusQueued), deviceID, models.AutoDevice, models.AutoDevice, deviceID,
		string(models.JobStatusQueued), string(models.JobStatusClaimed), string(models.JobStatusPrinting)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claim candidate: %w", err)
	}

	reason := claimReason(deviceID, job.IsAuto())
	if _, err := s.transitionTx(tx, job.ID, models.JobStatusClaimed, reason); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(s.d.rebind(`UPDATE jobs SET device_id = ? WHERE id = ?`), deviceID, job.ID); err != nil {
		return nil, fmt.Errorf("resolve device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", job.ID, job.Status, models.JobStatusClaimed, reason)
	job.Status = models.JobStatusClaimed
	job.DeviceID = deviceID
	return job, nil
}

// ReleaseClaim returns a claimed job to the queue. A job claimed from
// "auto" goes back to "auto".
func (s *sqlStore) ReleaseClaim(id string) error {
	return s.transition(id, models.JobStatusQueued, "claim released", s.unclaim)
}

func (s *sqlStore) unclaim(tx *sql.Tx, st *jobState) error {
	if !claimedFromAuto(st.transitions) {
		return nil
	}
	_, err := tx.Exec(s.d.rebind(`UPDATE jobs SET device_id = ? WHERE id = ?`), models.AutoDevice, st.id)
	return err
}

// MarkPrinting records that a job started on a device
func (s *sqlStore) MarkPrinting(id, deviceID string, startedAt time.Time) error {
	return s.transition(id, models.JobStatusPrinting, "started on device "+deviceID, func(tx *sql.Tx, st *jobState) error {
		var printing int
		err := tx.QueryRow(s.d.rebind(`SELECT COUNT(*) FROM jobs WHERE device_id = ? AND status = ? AND id <> ?`),
			deviceID, string(models.JobStatusPrinting), id).Scan(&printing)
		if err != nil {
			return fmt.Errorf("count printing jobs: %w", err)
		}
		if printing > 0 {
			return &ConflictError{OwnerID: st.ownerID, DeviceID: deviceID, Reason: "device already printing"}
		}
		if st.deviceID != deviceID {
			active, err := s.countActive(tx, st.ownerID, deviceID, id)
			if err != nil {
				return err
			}
			if active > 0 {
				return &ConflictError{OwnerID: st.ownerID, DeviceID: deviceID, Reason: "owner already has an active job on this device"}
			}
		}

		_, err = tx.Exec(s.d.rebind(`UPDATE jobs SET device_id = ?, started_at = ?, progress = 0 WHERE id = ?`),
			deviceID, startedAt.UTC(), id)
		if err != nil {
			if s.d.isUnique(err) {
				return &ConflictError{OwnerID: st.ownerID, DeviceID: deviceID, Reason: "device already printing"}
			}
			return fmt.Errorf("update job: %w", err)
		}
		_, err = tx.Exec(s.d.rebind(`UPDATE devices SET active_job_id = ? WHERE id = ?`), id, deviceID)
		return err
	})
}

// MarkCompleted finishes a printing job
func (s *sqlStore) MarkCompleted(id string, actualMinutes int) error {
	return s.finish(id, models.JobStatusCompleted, "print completed", `actual_minutes = ?`, actualMinutes)
}

// MarkFailed fails a claimed or printing job with a human-readable reason
func (s *sqlStore) MarkFailed(id string, reason string) error {
	return s.finish(id, models.JobStatusFailed, reason, `error = ?`, reason)
}

// MarkCancelled cancels a queued, claimed or printing job
func (s *sqlStore) MarkCancelled(id string) error {
	return s.finish(id, models.JobStatusCancelled, "cancelled", "")
}

// RecoverClaims releases claims left behind by a crash and rebuilds device back-references
func (s *sqlStore) RecoverClaims() (int, error) {
	rows, err := s.db.Query(s.d.rebind(`SELECT id FROM jobs WHERE status = ?`), string(models.JobStatusClaimed))
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	released := 0
	for _, id := range ids {
		if err := s.transition(id, models.JobStatusQueued, "claim recovered at startup", s.unclaim); err != nil {
			return released, fmt.Errorf("release claim %s: %w", id, err)
		}
		released++
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(s.d.rebind(`
		UPDATE devices SET active_job_id = COALESCE(
			(SELECT jobs.id FROM jobs WHERE jobs.device_id = devices.id AND jobs.status = ? LIMIT 1), '')
	`), string(models.JobStatusPrinting))
	if err != nil {
		return released, fmt.Errorf("rebuild active jobs: %w", err)
	}
	return released, nil
}

// transition runs one validated status change plus optional extra writes in a transaction
func (s *sqlStore) transition(id string, to models.JobStatus, reason string, apply func(*sql.Tx, *jobState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	st, err := s.transitionTx(tx, id, to, reason)
	if err != nil {
		return err
	}
	if apply != nil {
		if err := apply(tx, st); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	log.Printf("[FSM] Job %s: %s -> %s (reason: %s)", id, st.from, to, reason)
	return nil
}

// finish moves a job to a terminal state, stamps completed_at and frees its device
func (s *sqlStore) finish(id string, to models.JobStatus, reason, extraSet string, extraArgs ...interface{}) error {
	return s.transition(id, to, reason, func(tx *sql.Tx, st *jobState) error {
		query := `UPDATE jobs SET completed_at = ?`
		args := []interface{}{s.now()}
		if extraSet != "" {
			query += `, ` + extraSet
			args = append(args, extraArgs...)
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		if _, err := tx.Exec(s.d.rebind(query), args...); err != nil {
			return fmt.Errorf("update job: %w", err)
		}
		_, err := tx.Exec(s.d.rebind(`UPDATE devices SET active_job_id = '' WHERE active_job_id = ?`), id)
		return err
	})
}
