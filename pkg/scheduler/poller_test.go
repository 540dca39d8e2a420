package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
)

func printingFixture(t *testing.T, startedAt time.Time) (*fixture, *Poller, string) {
	f := newFixture(t, "p1", "p2")
	id := f.enqueue(t, "alice", "p1", models.PriorityNormal, 30)
	f.startPrint(t, id, "p1", startedAt)

	p := f.poller()
	return f, p, id
}

func TestPollerUnreachableLeavesJobUntouched(t *testing.T) {
	start := time.Now().Add(-10 * time.Minute)
	f, p, id := printingFixture(t, start)
	f.printers["p1"].set(printing("alice.gcode", 40), nil)
	require.NoError(t, p.Tick(context.Background()))

	f.printers["p1"].set(octoprint.Status{}, fmt.Errorf("%w: i/o timeout", octoprint.ErrDeviceUnreachable))
	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusPrinting, job.Status)
	assert.Equal(t, 40, job.Progress)

	d := f.device(t, "p1")
	assert.Equal(t, models.DeviceOffline, d.ObservedState)
	assert.Equal(t, id, d.ActiveJobID)

	// Coming back mid-print continues tracking
	f.printers["p1"].set(printing("alice.gcode", 55), nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 55, f.job(t, id).Progress)
	assert.Equal(t, models.DevicePrinting, f.device(t, "p1").ObservedState)
}

func TestPollerCompletesFinishedPrint(t *testing.T) {
	start := time.Now().Add(-30*time.Minute - 10*time.Second)
	f, p, id := printingFixture(t, start)

	f.printers["p1"].set(printing("alice.gcode", 99.5), nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, 99, f.job(t, id).Progress)

	f.printers["p1"].set(finished(100), nil)
	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	require.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.ActualMinutes)
	assert.Equal(t, 31, *job.ActualMinutes)
	assert.NotNil(t, job.CompletedAt)
	assert.Empty(t, f.device(t, "p1").ActiveJobID)
	assert.Equal(t, []string{events.ActionCompleted}, f.events.actions())
}

func TestPollerCompletesPrintFinishedWhileUnobserved(t *testing.T) {
	// Controller restarted or device unreachable for the whole print
	f, p, id := printingFixture(t, time.Now().Add(-3*time.Hour))

	done := finished(100)
	done.FileName = "alice.gcode"
	f.printers["p1"].set(done, nil)
	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	require.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	require.NotNil(t, job.ActualMinutes)
	assert.InDelta(t, 180, *job.ActualMinutes, 1)
	assert.Equal(t, []string{events.ActionCompleted}, f.events.actions())
}

func TestPollerFailsInterruptedPrint(t *testing.T) {
	f, p, id := printingFixture(t, time.Now().Add(-5*time.Minute))

	f.printers["p1"].set(printing("alice.gcode", 20), nil)
	require.NoError(t, p.Tick(context.Background()))

	f.printers["p1"].set(finished(20), nil)
	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "print interrupted", job.Error)
}

func TestPollerWaitsForGraceBeforeFailing(t *testing.T) {
	start := time.Now()
	f, p, id := printingFixture(t, start)

	// A stale 100% from the previous print must not complete the new job
	f.printers["p1"].set(finished(100), nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, models.JobStatusPrinting, f.job(t, id).Status)

	previous := finished(100)
	previous.FileName = "bob.gcode"
	f.printers["p1"].set(previous, nil)
	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, models.JobStatusPrinting, f.job(t, id).Status)

	p.now = func() time.Time { return start.Add(2 * time.Minute) }
	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "print did not start on device", job.Error)
}

func TestPollerFailsOnDeviceError(t *testing.T) {
	f, p, id := printingFixture(t, time.Now())
	f.printers["p1"].set(octoprint.Status{State: models.DeviceError, StateText: "Error: Thermal Runaway"}, nil)

	require.NoError(t, p.Tick(context.Background()))

	job := f.job(t, id)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "device reported error: Error: Thermal Runaway", job.Error)
	assert.Equal(t, models.DeviceError, f.device(t, "p1").ObservedState)
}

func TestPollerAPIErrorMarksDeviceError(t *testing.T) {
	f, p, id := printingFixture(t, time.Now())
	f.printers["p1"].set(octoprint.Status{}, &octoprint.APIError{StatusCode: 500, Body: "boom"})

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, models.DeviceError, f.device(t, "p1").ObservedState)
	assert.Equal(t, models.JobStatusPrinting, f.job(t, id).Status)
}

func TestPollerNotConnectedKeepsJob(t *testing.T) {
	f, p, id := printingFixture(t, time.Now().Add(-time.Hour))
	f.printers["p1"].set(octoprint.Status{State: models.DeviceOffline, StateText: "Offline"}, nil)

	require.NoError(t, p.Tick(context.Background()))
	assert.Equal(t, models.JobStatusPrinting, f.job(t, id).Status)
}

func TestPollerPublishesSnapshotEveryCycle(t *testing.T) {
	f, p, id := printingFixture(t, time.Now())
	f.printers["p1"].set(printing("alice.gcode", 12), nil)
	f.printers["p2"].set(octoprint.Status{}, octoprint.ErrDeviceUnreachable)

	require.NoError(t, p.Tick(context.Background()))
	require.NoError(t, p.Tick(context.Background()))

	require.Len(t, f.events.snapshots, 2)
	snap := f.events.snapshots[1]
	require.Len(t, snap.Devices, 2)
	assert.Equal(t, models.DeviceSnapshot{ID: "p1", ObservedState: models.DevicePrinting, ActiveJobID: id, Progress: 12}, snap.Devices[0])
	assert.Equal(t, models.DeviceSnapshot{ID: "p2", ObservedState: models.DeviceOffline}, snap.Devices[1])
}

func TestPollerIgnoresCancelledJob(t *testing.T) {
	f, p, id := printingFixture(t, time.Now().Add(-10*time.Minute))
	f.printers["p1"].set(printing("alice.gcode", 50), nil)
	require.NoError(t, p.Tick(context.Background()))

	require.NoError(t, f.store.MarkCancelled(id))
	f.printers["p1"].set(finished(50), nil)
	require.NoError(t, p.Tick(context.Background()))

	assert.Equal(t, models.JobStatusCancelled, f.job(t, id).Status)
	assert.Empty(t, p.seen)
}
