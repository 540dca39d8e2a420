package store

import (
	"sort"

	"github.com/google/uuid"
	"github.com/psantana5/printfarm/pkg/models"
)

func newJobID() string {
	return uuid.New().String()
}

// statusOrder ranks statuses for the queue projection: printing first,
// then waiting jobs, then terminal states.
func statusOrder(status models.JobStatus) int {
	switch status {
	case models.JobStatusPrinting:
		return 1
	case models.JobStatusQueued, models.JobStatusClaimed:
		return 2
	case models.JobStatusCompleted:
		return 3
	case models.JobStatusFailed:
		return 4
	case models.JobStatusCancelled:
		return 5
	default:
		return 6
	}
}

// claimBefore orders claim candidates: tier High > Normal > Low, then FIFO
func claimBefore(a, b *models.Job) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// SortQueue orders jobs the way GET /queue presents them
func SortQueue(jobs []*models.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		oi, oj := statusOrder(jobs[i].Status), statusOrder(jobs[j].Status)
		if oi != oj {
			return oi < oj
		}
		return claimBefore(jobs[i], jobs[j])
	})
}

// priorityRankSQL is the ORDER BY expression matching PriorityTier.Rank
const priorityRankSQL = `CASE priority WHEN 'high' THEN 3 WHEN 'normal' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

// statusOrderSQL is the ORDER BY expression matching statusOrder
const statusOrderSQL = `CASE status WHEN 'printing' THEN 1 WHEN 'queued' THEN 2 WHEN 'claimed' THEN 2
	WHEN 'completed' THEN 3 WHEN 'failed' THEN 4 WHEN 'cancelled' THEN 5 ELSE 6 END`
