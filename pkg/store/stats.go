package store

import "github.com/psantana5/printfarm/pkg/models"

// statsAccumulator folds (device, status) groups into JobStats
type statsAccumulator struct {
	stats      *JobStats
	sum        int
	withActual int
	devSum     map[string]int
	devActual  map[string]int
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{
		stats:     &JobStats{ByDevice: make(map[string]DeviceJobStats)},
		devSum:    make(map[string]int),
		devActual: make(map[string]int),
	}
}

func (a *statsAccumulator) add(deviceID string, status models.JobStatus, count, sumMinutes, withActual int) {
	a.stats.Total += count
	switch status {
	case models.JobStatusQueued, models.JobStatusClaimed:
		a.stats.Queued += count
	case models.JobStatusPrinting:
		a.stats.Printing += count
	case models.JobStatusCompleted:
		a.stats.Completed += count
	case models.JobStatusFailed:
		a.stats.Failed += count
	case models.JobStatusCancelled:
		a.stats.Cancelled += count
	}
	a.sum += sumMinutes
	a.withActual += withActual

	dev := a.stats.ByDevice[deviceID]
	dev.Total += count
	if status == models.JobStatusCompleted {
		dev.Completed += count
	}
	a.stats.ByDevice[deviceID] = dev
	a.devSum[deviceID] += sumMinutes
	a.devActual[deviceID] += withActual
}

func (a *statsAccumulator) result() *JobStats {
	a.stats.TotalActualMinutes = a.sum
	if a.withActual > 0 {
		a.stats.AvgActualMinutes = float64(a.sum) / float64(a.withActual)
	}
	for id, dev := range a.stats.ByDevice {
		if n := a.devActual[id]; n > 0 {
			dev.AvgActualMinutes = float64(a.devSum[id]) / float64(n)
			a.stats.ByDevice[id] = dev
		}
	}
	return a.stats
}
