package scheduler

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/store"
)

// fakePrinter is a scriptable device
type fakePrinter struct {
	mu        sync.Mutex
	status    octoprint.Status
	statusErr error
	uploadErr error
	startErr  error
	cancelErr error
	uploads   []string
	started   []string
	starts    int
	cancels   int
}

func idle() octoprint.Status {
	return octoprint.Status{State: models.DeviceOperational, StateText: "Operational"}
}

func printing(file string, progress float64) octoprint.Status {
	return octoprint.Status{State: models.DevicePrinting, StateText: "Printing", FileName: file, Progress: &progress}
}

func finished(progress float64) octoprint.Status {
	return octoprint.Status{State: models.DeviceOperational, StateText: "Operational", Progress: &progress}
}

func (f *fakePrinter) set(st octoprint.Status, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = st
	f.statusErr = err
}

func (f *fakePrinter) GetStatus(ctx context.Context) (*octoprint.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func (f *fakePrinter) UploadAndSelect(ctx context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, path)
	return path, nil
}

func (f *fakePrinter) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, name)
	f.starts++
	return nil
}

func (f *fakePrinter) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return f.cancelErr
}

func (f *fakePrinter) Pause(ctx context.Context) error  { return nil }
func (f *fakePrinter) Resume(ctx context.Context) error { return nil }

func (f *fakePrinter) ListFiles(ctx context.Context) ([]octoprint.RemoteFile, error) {
	return nil, nil
}

func (f *fakePrinter) DeleteFile(ctx context.Context, name string) error { return nil }

type anySource struct{}

func (anySource) Exists(string) error { return nil }

// recorder captures published events
type recorder struct {
	mu        sync.Mutex
	snapshots []models.FleetSnapshot
	queue     []events.QueueEvent
}

func (r *recorder) PublishSnapshot(ctx context.Context, s models.FleetSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recorder) PublishQueue(ctx context.Context, ev events.QueueEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, ev)
	return nil
}

func (r *recorder) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.queue))
	for _, ev := range r.queue {
		out = append(out, ev.Action)
	}
	return out
}

type fixture struct {
	store    *store.MemoryStore
	pool     *octoprint.Pool
	printers map[string]*fakePrinter
	events   *recorder
	logger   *logging.Logger
}

// newFixture registers operational devices p1..pN, each with a fake printer
func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	s.SetSourceValidator(anySource{})

	logger := logging.NewLogger(logging.DEBUG, false)
	logger.SetOutput(io.Discard)

	f := &fixture{
		store:    s,
		pool:     octoprint.NewPool(),
		printers: make(map[string]*fakePrinter),
		events:   &recorder{},
		logger:   logger,
	}
	for _, id := range ids {
		require.NoError(t, s.RegisterDevice(&models.Device{ID: id, Endpoint: "http://" + id}))
		require.NoError(t, s.UpdateDeviceState(id, models.DeviceOperational, time.Now()))
		p := &fakePrinter{status: idle()}
		f.printers[id] = p
		f.pool.Add(id, p)
	}
	return f
}

func (f *fixture) enqueue(t *testing.T, owner, device string, tier models.PriorityTier, minutes int) string {
	t.Helper()
	id, err := f.store.Enqueue(&models.Job{
		OwnerID:          owner,
		DeviceID:         device,
		SourcePath:       "/uploads/" + owner + ".gcode",
		FileName:         owner + ".gcode",
		Priority:         tier,
		EstimatedMinutes: minutes,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) job(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := f.store.GetJob(id)
	require.NoError(t, err)
	return job
}

func (f *fixture) device(t *testing.T, id string) *models.Device {
	t.Helper()
	d, err := f.store.GetDevice(id)
	require.NoError(t, err)
	return d
}

func (f *fixture) dispatcher(cutoff *Cutoff) *Dispatcher {
	return NewDispatcher(DispatcherConfig{
		Store:   f.store,
		Devices: f.pool,
		Events:  f.events,
		Logger:  f.logger,
		Cutoff:  cutoff,
	})
}

func (f *fixture) poller() *Poller {
	return NewPoller(PollerConfig{
		Store:   f.store,
		Devices: f.pool,
		Events:  f.events,
		Logger:  f.logger,
		Grace:   time.Minute,
	})
}

// startPrint moves a job to printing on device the way a dispatch would
func (f *fixture) startPrint(t *testing.T, jobID, device string, at time.Time) {
	t.Helper()
	claimed, err := f.store.ClaimNextEligible(device)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, jobID, claimed.ID)
	require.NoError(t, f.store.MarkPrinting(jobID, device, at))
}

// failingClaims makes every claim fail
type failingClaims struct {
	*store.MemoryStore
}

func (failingClaims) ClaimNextEligible(string) (*models.Job, error) {
	return nil, errClaim
}
