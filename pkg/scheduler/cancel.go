package scheduler

import (
	"context"
	"fmt"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/store"
)

// ErrNotCancellable is returned for jobs that already reached a terminal status
var ErrNotCancellable = fmt.Errorf("%w: job is not cancellable", models.ErrInvalidTransition)

// CancelService cancels jobs from the API and the printer routes
type CancelService struct {
	store   store.Store
	devices *octoprint.Pool
	events  events.Publisher
	logger  *logging.Logger
}

// NewCancelService creates a cancel service
func NewCancelService(s store.Store, devices *octoprint.Pool, pub events.Publisher, logger *logging.Logger) *CancelService {
	return &CancelService{
		store:   s,
		devices: devices,
		events:  pub,
		logger:  componentLogger(logger, "cancel"),
	}
}

// Cancel stops the device when the job is printing, then records the job as
// cancelled. A failing device cancel is logged and never blocks the store
// transition, so operators can always clear the queue.
func (c *CancelService) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := c.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if !models.IsCancellable(job.Status) {
		return nil, fmt.Errorf("%w (status %s)", ErrNotCancellable, job.PublicStatus())
	}

	if job.Status == models.JobStatusPrinting && !job.IsAuto() {
		if client, err := c.devices.Get(job.DeviceID); err == nil {
			if err := client.Cancel(ctx); err != nil {
				c.logger.Warn("Device cancel failed, cancelling job anyway", map[string]interface{}{
					"job_id": jobID,
					"device": job.DeviceID,
					"error":  err.Error(),
				})
			}
		}
	}

	if err := c.store.MarkCancelled(jobID); err != nil {
		return nil, err
	}
	c.logger.Info("Job cancelled", map[string]interface{}{"job_id": jobID, "owner": job.OwnerID, "device": job.DeviceID})

	publishQueue(ctx, c.events, c.logger, events.QueueEvent{
		Action:   events.ActionCancelled,
		JobID:    jobID,
		OwnerID:  job.OwnerID,
		DeviceID: job.DeviceID,
	})
	return c.store.GetJob(jobID)
}

// CancelActive cancels the job printing on a device
func (c *CancelService) CancelActive(ctx context.Context, deviceID string) (*models.Job, error) {
	device, err := c.store.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if device.ActiveJobID == "" {
		// Nothing tracked; still stop whatever the device is doing
		client, err := c.devices.Get(deviceID)
		if err != nil {
			return nil, err
		}
		return nil, client.Cancel(ctx)
	}
	return c.Cancel(ctx, device.ActiveJobID)
}
