package scheduler

import (
	"context"
	"errors"
	"fmt"
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

// Dispatch results recorded in metrics and returned in outcomes
const (
	ResultStarted  = "started"
	ResultDeferred = "deferred"
	ResultFailed   = "failed"
	ResultError    = "error"
)

// Outcome describes what one dispatcher pass did on one device
type Outcome struct {
	DeviceID string `json:"device_id"`
	JobID    string `json:"job_id,omitempty"`
	Result   string `json:"result"`
	Error    string `json:"error,omitempty"`
}

// Dispatcher moves queued jobs onto idle devices. It is the only component
// that takes jobs out of queued.
type Dispatcher struct {
	store   store.Store
	devices *octoprint.Pool
	events  events.Publisher
	metrics *metrics.Exporter
	logger  *logging.Logger
	tracer  trace.Tracer
	cutoff  *Cutoff
	now     func() time.Time

	// job id -> day its deferral was announced, so owners hear about it once a day
	deferred map[string]string
}

// DispatcherConfig holds the dispatcher collaborators
type DispatcherConfig struct {
	Store   store.Store
	Devices *octoprint.Pool
	Events  events.Publisher
	Metrics *metrics.Exporter
	Logger  *logging.Logger
	Cutoff  *Cutoff
}

// NewDispatcher creates a dispatcher. A nil Cutoff disables the time budget guard.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		store:    cfg.Store,
		devices:  cfg.Devices,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   componentLogger(cfg.Logger, "dispatcher"),
		tracer:   tracer(),
		cutoff:   cfg.Cutoff,
		now:      time.Now,
		deferred: make(map[string]string),
	}
}

// Cutoff returns the configured cutoff, nil when disabled
func (d *Dispatcher) Cutoff() *Cutoff {
	return d.cutoff
}

// Tick makes one pass over the devices in id order and dispatches at most
// one job per idle device.
func (d *Dispatcher) Tick(ctx context.Context) ([]Outcome, error) {
	devices, err := d.store.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	now := d.now()
	if d.cutoff != nil && d.cutoff.Remaining(now) <= 0 {
		d.logger.Debug("Past cutoff, nothing dispatched", map[string]interface{}{"cutoff": d.cutoff.String()})
		return nil, nil
	}
	d.pruneDeferred(now)

	var outcomes []Outcome
	for _, dev := range devices {
		if !dev.Dispatchable() {
			continue
		}
		client, err := d.devices.Get(dev.ID)
		if err != nil {
			continue
		}
		if out, ok := d.dispatchDevice(ctx, dev.ID, client); ok {
			outcomes = append(outcomes, out)
		}
	}
	return outcomes, nil
}

func (d *Dispatcher) dispatchDevice(ctx context.Context, deviceID string, client octoprint.Printer) (Outcome, bool) {
	job, err := d.store.ClaimNextEligible(deviceID)
	if err != nil {
		d.logger.Error("Claim failed", map[string]interface{}{"device": deviceID, "error": err.Error()})
		d.metrics.RecordDispatch(ResultError)
		return Outcome{DeviceID: deviceID, Result: ResultError, Error: err.Error()}, true
	}
	if job == nil {
		return Outcome{}, false
	}

	ctx, span := d.tracer.Start(ctx, "dispatcher.job", trace.WithAttributes(
		tracing.DeviceIDKey.String(deviceID),
		tracing.JobIDKey.String(job.ID),
	))
	defer span.End()

	now := d.now()
	if err := d.cutoff.Check(job.EstimatedMinutes, now); err != nil {
		if rerr := d.store.ReleaseClaim(job.ID); rerr != nil {
			d.logger.Error("Failed to release claim", map[string]interface{}{"job_id": job.ID, "error": rerr.Error()})
		}
		d.announceDeferral(ctx, job, deviceID, err, now)
		d.metrics.RecordDispatch(ResultDeferred)
		return Outcome{DeviceID: deviceID, JobID: job.ID, Result: ResultDeferred, Error: err.Error()}, true
	}

	name, err := client.UploadAndSelect(ctx, job.SourcePath)
	if err != nil {
		tracing.Fail(span, err)
		return d.fail(ctx, deviceID, job, fmt.Sprintf("upload failed: %v", err)), true
	}
	if err := client.Start(ctx, name); err != nil {
		tracing.Fail(span, err)
		return d.fail(ctx, deviceID, job, fmt.Sprintf("start failed: %v", err)), true
	}

	if err := d.store.MarkPrinting(job.ID, deviceID, d.now()); err != nil {
		// The device is printing a job the store refused, most likely cancelled mid-dispatch
		d.logger.Warn("Job could not be marked printing, stopping device", map[string]interface{}{
			"job_id": job.ID,
			"device": deviceID,
			"error":  err.Error(),
		})
		if cerr := client.Cancel(ctx); cerr != nil {
			d.logger.Error("Failed to cancel device", map[string]interface{}{"device": deviceID, "error": cerr.Error()})
		}
		if ferr := d.store.MarkFailed(job.ID, "could not record print start: "+err.Error()); ferr != nil && !errors.Is(ferr, models.ErrInvalidTransition) {
			d.logger.Error("Failed to mark job failed", map[string]interface{}{"job_id": job.ID, "error": ferr.Error()})
		}
		d.metrics.RecordDispatch(ResultFailed)
		return Outcome{DeviceID: deviceID, JobID: job.ID, Result: ResultFailed, Error: err.Error()}, true
	}

	delete(d.deferred, job.ID)
	d.logger.Info("Print started", map[string]interface{}{
		"job_id":            job.ID,
		"device":            deviceID,
		"owner":             job.OwnerID,
		"file":              name,
		"priority":          string(job.Priority),
		"estimated_minutes": job.EstimatedMinutes,
	})
	d.metrics.RecordDispatch(ResultStarted)
	publishQueue(ctx, d.events, d.logger, events.QueueEvent{
		Action:   events.ActionStarted,
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		DeviceID: deviceID,
	})
	return Outcome{DeviceID: deviceID, JobID: job.ID, Result: ResultStarted}, true
}

// fail records an upload or start failure. The device stays free for the next tick.
func (d *Dispatcher) fail(ctx context.Context, deviceID string, job *models.Job, reason string) Outcome {
	d.logger.Error("Dispatch failed", map[string]interface{}{"job_id": job.ID, "device": deviceID, "reason": reason})
	if err := d.store.MarkFailed(job.ID, reason); err != nil {
		d.logger.Error("Failed to mark job failed", map[string]interface{}{"job_id": job.ID, "error": err.Error()})
	} else {
		publishQueue(ctx, d.events, d.logger, events.QueueEvent{
			Action:   events.ActionFailed,
			JobID:    job.ID,
			OwnerID:  job.OwnerID,
			DeviceID: deviceID,
			Reason:   reason,
		})
	}
	d.metrics.RecordDispatch(ResultFailed)
	return Outcome{DeviceID: deviceID, JobID: job.ID, Result: ResultFailed, Error: reason}
}

func (d *Dispatcher) announceDeferral(ctx context.Context, job *models.Job, deviceID string, err error, now time.Time) {
	day := d.day(now)
	if d.deferred[job.ID] == day {
		return
	}
	d.deferred[job.ID] = day
	d.logger.Info("Job deferred past cutoff", map[string]interface{}{"job_id": job.ID, "device": deviceID, "reason": err.Error()})
	publishQueue(ctx, d.events, d.logger, events.QueueEvent{
		Action:   events.ActionDeferred,
		JobID:    job.ID,
		OwnerID:  job.OwnerID,
		DeviceID: deviceID,
		Reason:   err.Error(),
	})
}

func (d *Dispatcher) pruneDeferred(now time.Time) {
	day := d.day(now)
	for id, announced := range d.deferred {
		if announced != day {
			delete(d.deferred, id)
		}
	}
}

func (d *Dispatcher) day(now time.Time) string {
	if d.cutoff != nil {
		now = now.In(d.cutoff.loc)
	}
	return now.Format("2006-01-02")
}
