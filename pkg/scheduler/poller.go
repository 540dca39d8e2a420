package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/metrics"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/store"
	"github.com/psantana5/printfarm/pkg/tracing"
)

// DefaultDispatchGrace is how long a freshly started job may go unseen on its device
const DefaultDispatchGrace = 2 * time.Minute

// Poll results recorded in metrics
const (
	PollOK          = "ok"
	PollUnreachable = "unreachable"
	PollError       = "error"
)

// Poller observes every device once per tick, keeps observed state current
// and drives printing jobs to completed or failed.
type Poller struct {
	store   store.Store
	devices *octoprint.Pool
	events  events.Publisher
	metrics *metrics.Exporter
	logger  *logging.Logger
	tracer  trace.Tracer
	grace   time.Duration
	now     func() time.Time

	// jobs observed running on their device; Tick is never run concurrently
	seen map[string]bool
}

// PollerConfig holds the poller collaborators
type PollerConfig struct {
	Store   store.Store
	Devices *octoprint.Pool
	Events  events.Publisher
	Metrics *metrics.Exporter
	Logger  *logging.Logger
	Grace   time.Duration
}

// NewPoller creates a status poller
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultDispatchGrace
	}
	return &Poller{
		store:   cfg.Store,
		devices: cfg.Devices,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  componentLogger(cfg.Logger, "poller"),
		tracer:  tracer(),
		grace:   cfg.Grace,
		now:     time.Now,
		seen:    make(map[string]bool),
	}
}

// Tick polls all devices in id order and publishes one fleet snapshot
func (p *Poller) Tick(ctx context.Context) error {
	devices, err := p.store.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	printing, err := p.store.PrintingJobs()
	if err != nil {
		return fmt.Errorf("failed to list printing jobs: %w", err)
	}
	byDevice := make(map[string]*models.Job, len(printing))
	for _, job := range printing {
		byDevice[job.DeviceID] = job
	}

	snapshot := models.FleetSnapshot{
		Devices:   make([]models.DeviceSnapshot, 0, len(devices)),
		Timestamp: p.now().UTC(),
	}
	for _, d := range devices {
		snapshot.Devices = append(snapshot.Devices, p.pollDevice(ctx, d, byDevice[d.ID]))
	}

	for id := range p.seen {
		if !containsJob(printing, id) {
			delete(p.seen, id)
		}
	}

	if p.events != nil {
		if err := p.events.PublishSnapshot(ctx, snapshot); err != nil {
			p.logger.Warn("Failed to publish fleet snapshot", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}

func (p *Poller) pollDevice(ctx context.Context, d *models.Device, job *models.Job) models.DeviceSnapshot {
	snap := models.DeviceSnapshot{ID: d.ID, ObservedState: d.ObservedState, ActiveJobID: d.ActiveJobID}
	if job != nil {
		snap.ActiveJobID = job.ID
		snap.Progress = job.Progress
	}

	client, err := p.devices.Get(d.ID)
	if err != nil {
		return snap
	}

	ctx, span := p.tracer.Start(ctx, "poller.device", trace.WithAttributes(tracing.DeviceIDKey.String(d.ID)))
	defer span.End()

	status, err := client.GetStatus(ctx)
	now := p.now()
	if err != nil {
		state, result := models.DeviceError, PollError
		if errors.Is(err, octoprint.ErrDeviceUnreachable) {
			// In-flight jobs are left alone: a network blip must not fail a real print
			state, result = models.DeviceOffline, PollUnreachable
		}
		p.logger.Warn("Device poll failed", map[string]interface{}{
			"device": d.ID,
			"state":  string(state),
			"error":  err.Error(),
		})
		p.metrics.RecordPoll(result)
		p.setState(d.ID, state, now)
		snap.ObservedState = state
		return snap
	}

	p.metrics.RecordPoll(PollOK)
	p.setState(d.ID, status.State, now)
	snap.ObservedState = status.State

	if job != nil {
		snap.ActiveJobID, snap.Progress = p.track(ctx, d.ID, job, status, now)
	}
	return snap
}

func (p *Poller) setState(deviceID string, state models.DeviceState, now time.Time) {
	if err := p.store.UpdateDeviceState(deviceID, state, now); err != nil {
		p.logger.Error("Failed to record device state", map[string]interface{}{"device": deviceID, "error": err.Error()})
	}
	p.metrics.SetDeviceState(deviceID, state)
}

// track applies one observation to the job printing on the device and
// returns the active job id and progress to report in the snapshot.
func (p *Poller) track(ctx context.Context, deviceID string, job *models.Job, st *octoprint.Status, now time.Time) (string, int) {
	running := (st.State == models.DevicePrinting || st.State == models.DevicePaused) && st.HasActiveFile()

	switch {
	case running:
		p.seen[job.ID] = true
		if st.Progress == nil {
			return job.ID, job.Progress
		}
		percent := int(*st.Progress)
		if err := p.store.UpdateProgress(job.ID, percent); err != nil {
			p.logger.Warn("Failed to update progress", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		}
		return job.ID, clamp(percent)

	case st.State == models.DeviceError:
		p.finish(ctx, deviceID, job, now, false, "device reported error: "+st.StateText)
		return "", job.Progress

	case st.State == models.DeviceOperational:
		// A finished run of this job's file completes it even if no running
		// tick was observed (controller restart, device unreachable meanwhile)
		done := st.Progress != nil && *st.Progress >= 100
		if done && (p.seen[job.ID] || reportsFile(st, job)) {
			p.finish(ctx, deviceID, job, now, true, "")
			return "", 100
		}
		if !p.seen[job.ID] {
			if job.StartedAt != nil && now.Sub(*job.StartedAt) < p.grace {
				return job.ID, job.Progress
			}
			p.finish(ctx, deviceID, job, now, false, "print did not start on device")
			return "", job.Progress
		}
		p.finish(ctx, deviceID, job, now, false, "print interrupted")
		return "", job.Progress
	}

	// Offline (not connected) or printing without a file: wait for a clearer observation
	return job.ID, job.Progress
}

// reportsFile matches the device's current file against the job's upload name
func reportsFile(st *octoprint.Status, job *models.Job) bool {
	if !st.HasActiveFile() {
		return false
	}
	name := job.FileName
	if name == "" {
		name = filepath.Base(job.SourcePath)
	}
	return st.FileName == name
}

func (p *Poller) finish(ctx context.Context, deviceID string, job *models.Job, now time.Time, completed bool, reason string) {
	var (
		err    error
		action string
	)
	if completed {
		minutes := job.ElapsedMinutes(now)
		err = p.store.MarkCompleted(job.ID, minutes)
		action = events.ActionCompleted
	} else {
		err = p.store.MarkFailed(job.ID, reason)
		action = events.ActionFailed
	}
	delete(p.seen, job.ID)

	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Cancelled or finished by another path since the tick started
			p.logger.Debug("Job already left printing", map[string]interface{}{"job_id": job.ID})
			return
		}
		p.logger.Error("Failed to finish job", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
		return
	}

	fields := map[string]interface{}{"job_id": job.ID, "device": deviceID, "owner": job.OwnerID}
	if completed {
		p.logger.Info("Print completed", fields)
	} else {
		fields["reason"] = reason
		p.logger.Warn("Print failed", fields)
	}
	publishQueue(ctx, p.events, p.logger, events.QueueEvent{
		Action:   action,
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		DeviceID: deviceID,
		Reason:   reason,
	})
}

func containsJob(jobs []*models.Job, id string) bool {
	for _, j := range jobs {
		if j.ID == id {
			return true
		}
	}
	return false
}

func clamp(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}
