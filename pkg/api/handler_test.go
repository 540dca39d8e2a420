package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/psantana5/printfarm/pkg/artifacts"
	"github.com/psantana5/printfarm/pkg/auth"
	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/logging"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
	"github.com/psantana5/printfarm/pkg/power"
	"github.com/psantana5/printfarm/pkg/ratelimit"
	"github.com/psantana5/printfarm/pkg/scheduler"
	"github.com/psantana5/printfarm/pkg/store"
)

// fakePrinter records the verbs sent to it
type fakePrinter struct {
	mu      sync.Mutex
	status  octoprint.Status
	err     error
	actions []string
	files   []octoprint.RemoteFile
}

func (f *fakePrinter) record(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.err
}

func (f *fakePrinter) GetStatus(ctx context.Context) (*octoprint.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	st := f.status
	return &st, nil
}

func (f *fakePrinter) UploadAndSelect(ctx context.Context, path string) (string, error) {
	return filepath.Base(path), f.record("upload")
}

func (f *fakePrinter) Start(ctx context.Context, name string) error { return f.record("start") }

func (f *fakePrinter) Cancel(ctx context.Context) error { return f.record("cancel") }
func (f *fakePrinter) Pause(ctx context.Context) error  { return f.record("pause") }
func (f *fakePrinter) Resume(ctx context.Context) error { return f.record("resume") }

func (f *fakePrinter) ListFiles(ctx context.Context) ([]octoprint.RemoteFile, error) {
	return f.files, nil
}

func (f *fakePrinter) DeleteFile(ctx context.Context, name string) error {
	return f.record("delete " + name)
}

// fakeScheduler stands in for the scheduler loop
type fakeScheduler struct {
	triggers int
	auto     bool
	outcomes []scheduler.Outcome
	err      error
}

func (s *fakeScheduler) Trigger()                      { s.triggers++ }
func (s *fakeScheduler) SetAutoProcessing(enabled bool) { s.auto = enabled }
func (s *fakeScheduler) AutoProcessing() bool          { return s.auto }
func (s *fakeScheduler) RunDispatchNow(ctx context.Context) ([]scheduler.Outcome, error) {
	return s.outcomes, s.err
}

type nopPort struct {
	mu     sync.Mutex
	frames []string
}

func (p *nopPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, string(b))
	return len(b), nil
}

func (p *nopPort) Close() error { return nil }

type testEnv struct {
	handler  *Handler
	router   *mux.Router
	store    *store.MemoryStore
	printers map[string]*fakePrinter
	sched    *fakeScheduler
	hub      *events.Hub
	port     *nopPort
	uploads  string
}

func newTestEnv(t *testing.T, keys *auth.KeyStore) *testEnv {
	t.Helper()
	logger := logging.NewLogger(logging.ERROR, false)
	logger.SetOutput(io.Discard)

	uploads := t.TempDir()
	resolver, err := artifacts.NewResolver(uploads, octoprint.AllowedExtensions)
	require.NoError(t, err)

	s := store.NewMemoryStore()
	s.SetSourceValidator(resolver)

	pool := octoprint.NewPool()
	printers := map[string]*fakePrinter{}
	for _, id := range []string{"p1", "p2"} {
		require.NoError(t, s.RegisterDevice(&models.Device{ID: id, Endpoint: "http://" + id}))
		require.NoError(t, s.UpdateDeviceState(id, models.DeviceOperational, time.Now()))
		p := &fakePrinter{status: octoprint.Status{State: models.DeviceOperational, StateText: "Operational"}}
		printers[id] = p
		pool.Add(id, p)
	}

	port := &nopPort{}
	coord, err := power.NewCoordinator(port, map[string]int{"p1": 1, "p2": 2}, logger, power.WithCommandDelay(0))
	require.NoError(t, err)

	cutoff, err := scheduler.ParseCutoff("20:00", time.UTC)
	require.NoError(t, err)

	hub := events.NewHub(16)
	sched := &fakeScheduler{auto: true}
	h := NewHandler(Config{
		Store:     s,
		Artifacts: resolver,
		Devices:   pool,
		Power:     coord,
		Scheduler: sched,
		Cancel:    scheduler.NewCancelService(s, pool, hub, logger),
		Cutoff:    cutoff,
		Fleet:     hub,
		Stream:    hub,
		Events:    hub,
		Keys:      keys,
		Logger:    logger,
	})
	h.now = func() time.Time { return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) }

	router := mux.NewRouter()
	h.RegisterRoutes(router)

	return &testEnv{
		handler:  h,
		router:   router,
		store:    s,
		printers: printers,
		sched:    sched,
		hub:      hub,
		port:     port,
		uploads:  uploads,
	}
}

func (e *testEnv) upload(t *testing.T, name string, size int64) {
	t.Helper()
	path := filepath.Join(e.uploads, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}

func (e *testEnv) do(t *testing.T, method, path, user string, admin bool, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(auth.HeaderUserID, user)
	}
	if admin {
		req.Header.Set(auth.HeaderUserRole, auth.RoleAdmin)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) add(t *testing.T, user, device, file string) string {
	t.Helper()
	rr := e.do(t, "POST", "/queue/add", user, false, models.JobRequest{DeviceID: device, SourceRef: file})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var resp AddJobResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	return resp.JobID
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(v))
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rr := env.do(t, "GET", "/health", "", false, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var resp map[string]interface{}
	decode(t, rr, &resp)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, true, resp["auto_processing"])
}

func TestAddJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "benchy.gcode", 512*1024)

	rr := env.do(t, "POST", "/queue/add", "alice", false, models.JobRequest{
		DeviceID:  "p2",
		SourceRef: "benchy.gcode",
		Priority:  "high",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp AddJobResponse
	decode(t, rr, &resp)
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "p2", resp.DeviceID)
	assert.Equal(t, 30, resp.EstimatedMinutes)
	assert.Equal(t, 1, env.sched.triggers)

	job, err := env.store.GetJob(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.OwnerID)
	assert.Equal(t, models.PriorityHigh, job.Priority)
	assert.Equal(t, filepath.Join(env.uploads, "benchy.gcode"), job.SourcePath)
	assert.Equal(t, models.JobStatusQueued, job.Status)
}

func TestAddJobResolvesAuto(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	require.NoError(t, env.store.SetMaintenance("p1", true))

	rr := env.do(t, "POST", "/queue/add", "alice", false, models.JobRequest{DeviceID: "auto", SourceRef: "a.gcode"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp AddJobResponse
	decode(t, rr, &resp)
	assert.Equal(t, "p2", resp.DeviceID)
	assert.Equal(t, 1, resp.EstimatedMinutes)
}

func TestAddJobErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	env.upload(t, "model.stl", 1024)

	tests := []struct {
		name   string
		req    models.JobRequest
		status int
	}{
		{"missing file", models.JobRequest{DeviceID: "p1", SourceRef: "nope.gcode"}, http.StatusBadRequest},
		{"escapes uploads", models.JobRequest{DeviceID: "p1", SourceRef: "../etc/passwd.gcode"}, http.StatusBadRequest},
		{"unsupported type", models.JobRequest{DeviceID: "p1", SourceRef: "model.stl"}, http.StatusBadRequest},
		{"bad priority", models.JobRequest{DeviceID: "p1", SourceRef: "a.gcode", Priority: "urgent"}, http.StatusBadRequest},
		{"unknown device", models.JobRequest{DeviceID: "p9", SourceRef: "a.gcode"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, "POST", "/queue/add", "alice", false, tt.req)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/queue/add", bytes.NewBufferString("{"))
	req.Header.Set(auth.HeaderUserID, "alice")
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	jobs, err := env.store.ListQueue()
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Zero(t, env.sched.triggers)
}

func TestAddJobConflict(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)

	env.add(t, "alice", "p1", "a.gcode")
	rr := env.do(t, "POST", "/queue/add", "alice", false, models.JobRequest{DeviceID: "p1", SourceRef: "a.gcode"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Another owner, or another device, is fine
	env.add(t, "bob", "p1", "a.gcode")
	env.add(t, "alice", "p2", "a.gcode")
}

func TestAddJobPastCutoff(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.now = func() time.Time { return time.Date(2026, 3, 2, 19, 40, 0, 0, time.UTC) }
	env.upload(t, "big.gcode", 1024*1024)

	rr := env.do(t, "POST", "/queue/add", "alice", false, models.JobRequest{DeviceID: "p1", SourceRef: "big.gcode"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	var resp map[string]string
	decode(t, rr, &resp)
	assert.Equal(t, "print does not fit before 20:00: 20 minutes left, print takes ~60 minutes", resp["error"])

	jobs, err := env.store.ListQueue()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestAddJobRateLimited(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.limiter = ratelimit.NewLimiter(0.001, 1)
	env.router = mux.NewRouter()
	env.handler.RegisterRoutes(env.router)
	env.upload(t, "a.gcode", 1024)

	env.add(t, "alice", "p1", "a.gcode")
	rr := env.do(t, "POST", "/queue/add", "alice", false, models.JobRequest{DeviceID: "p2", SourceRef: "a.gcode"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	// Limits are per caller
	env.add(t, "bob", "p1", "a.gcode")
}

func TestIdentityRequired(t *testing.T) {
	keys := auth.NewKeyStore(bcrypt.MinCost)
	require.NoError(t, keys.Add("gateway", "s3cret"))
	env := newTestEnv(t, keys)

	rr := env.do(t, "GET", "/queue", "alice", false, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest("GET", "/queue", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req.Header.Set(auth.HeaderUserID, "alice")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Health stays open
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/health", "", false, nil).Code)
}

func TestListQueueHidesClaimed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")
	env.add(t, "bob", "p2", "a.gcode")

	claimed, err := env.store.ClaimNextEligible("p1")
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	rr := env.do(t, "GET", "/queue", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Count int          `json:"count"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.Count)
	for _, job := range resp.Jobs {
		assert.Equal(t, models.JobStatusQueued, job.Status)
	}

	rr = env.do(t, "GET", "/queue/"+id, "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var job models.Job
	decode(t, rr, &job)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/queue/missing", "alice", false, nil).Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")

	assert.Equal(t, http.StatusForbidden, env.do(t, "DELETE", "/queue/"+id, "bob", false, nil).Code)

	rr := env.do(t, "DELETE", "/queue/"+id, "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var job models.Job
	decode(t, rr, &job)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Terminal jobs cannot be cancelled again
	assert.Equal(t, http.StatusBadRequest, env.do(t, "DELETE", "/queue/"+id, "alice", false, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/queue/missing", "alice", false, nil).Code)
}

func TestAdminCancelsPrintingJob(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")

	_, err := env.store.ClaimNextEligible("p1")
	require.NoError(t, err)
	require.NoError(t, env.store.MarkPrinting(id, "p1", time.Now()))

	rr := env.do(t, "DELETE", "/queue/"+id, "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"cancel"}, env.printers["p1"].actions)

	device, err := env.store.GetDevice("p1")
	require.NoError(t, err)
	assert.Empty(t, device.ActiveJobID)
}

func TestSetPriority(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")

	body := map[string]string{"tier": "high"}
	assert.Equal(t, http.StatusForbidden, env.do(t, "PATCH", "/queue/"+id+"/priority", "alice", false, body).Code)

	rr := env.do(t, "PATCH", "/queue/"+id+"/priority", "root", true, body)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var job models.Job
	decode(t, rr, &job)
	assert.Equal(t, models.PriorityHigh, job.Priority)

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, "PATCH", "/queue/"+id+"/priority", "root", true, map[string]string{"tier": "urgent"}).Code)
	assert.Equal(t, http.StatusBadRequest,
		env.do(t, "PATCH", "/queue/"+id+"/priority", "root", true, map[string]string{}).Code)

	// Only queued jobs can be re-prioritized
	_, err := env.store.ClaimNextEligible("p1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, env.do(t, "PATCH", "/queue/"+id+"/priority", "root", true, body).Code)
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	first := env.add(t, "alice", "p1", "a.gcode")
	_, err := env.handler.cancel.Cancel(context.Background(), first)
	require.NoError(t, err)
	env.add(t, "alice", "p1", "a.gcode")
	env.add(t, "bob", "p1", "a.gcode")

	rr := env.do(t, "GET", "/queue/history?limit=500", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Jobs  []models.Job `json:"jobs"`
		Total int          `json:"total"`
		Limit int          `json:"limit"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 100, resp.Limit)
	for _, job := range resp.Jobs {
		assert.Equal(t, "alice", job.OwnerID)
	}

	// ?owner= only works for admins
	rr = env.do(t, "GET", "/queue/history?owner=bob", "alice", false, nil)
	decode(t, rr, &resp)
	assert.Equal(t, 2, resp.Total)

	rr = env.do(t, "GET", "/queue/history?owner=bob", "root", true, nil)
	decode(t, rr, &resp)
	assert.Equal(t, 1, resp.Total)
}

func TestStatsRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, nil)
	assert.Equal(t, http.StatusForbidden, env.do(t, "GET", "/queue/stats", "alice", false, nil).Code)

	rr := env.do(t, "GET", "/queue/stats", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Stats store.JobStats `json:"stats"`
	}
	decode(t, rr, &resp)
	assert.Zero(t, resp.Stats.Total)
}

func TestProcessAndAutoProcessing(t *testing.T) {
	env := newTestEnv(t, nil)
	env.sched.outcomes = []scheduler.Outcome{{DeviceID: "p1", JobID: "j1", Result: scheduler.ResultStarted}}

	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", "/queue/process", "alice", false, nil).Code)

	rr := env.do(t, "POST", "/queue/process", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Outcomes []scheduler.Outcome `json:"outcomes"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, env.sched.outcomes, resp.Outcomes)

	env.sched.err = scheduler.ErrTickInProgress
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/queue/process", "root", true, nil).Code)

	rr = env.do(t, "POST", "/queue/auto-processing/disable", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.False(t, env.sched.auto)

	rr = env.do(t, "GET", "/queue/auto-processing/status", "alice", false, nil)
	var status map[string]bool
	decode(t, rr, &status)
	assert.False(t, status["enabled"])

	env.do(t, "POST", "/queue/auto-processing/enable", "root", true, nil)
	assert.True(t, env.sched.auto)
	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/queue/auto-processing/toggle", "root", true, nil).Code)
}

func TestPrinters(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.handler.power.SetPower("p1", true)
	require.NoError(t, err)

	rr := env.do(t, "GET", "/printers", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list struct {
		Printers []map[string]interface{} `json:"printers"`
		Count    int                      `json:"count"`
	}
	decode(t, rr, &list)
	require.Equal(t, 2, list.Count)
	assert.Equal(t, "p1", list.Printers[0]["id"])
	assert.Equal(t, "on", list.Printers[0]["power"])
	assert.Equal(t, "unknown", list.Printers[1]["power"])

	rr = env.do(t, "GET", "/printers/p1/status", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var st octoprint.Status
	decode(t, rr, &st)
	assert.Equal(t, models.DeviceOperational, st.State)

	env.printers["p2"].err = octoprint.ErrDeviceUnreachable
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/printers/p2/status", "alice", false, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/printers/p9/status", "alice", false, nil).Code)
}

func TestPrinterMaintenance(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]bool{"enabled": true}

	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", "/printers/p1/maintenance", "alice", false, body).Code)

	rr := env.do(t, "POST", "/printers/p1/maintenance", "root", true, body)
	require.Equal(t, http.StatusOK, rr.Code)
	device, err := env.store.GetDevice("p1")
	require.NoError(t, err)
	assert.True(t, device.Maintenance)

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/printers/p9/maintenance", "root", true, body).Code)
}

func TestPrinterActions(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")
	_, err := env.store.ClaimNextEligible("p1")
	require.NoError(t, err)
	require.NoError(t, env.store.MarkPrinting(id, "p1", time.Now()))

	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/printers/p1/pause", "root", true, nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/printers/p1/resume", "root", true, nil).Code)

	rr := env.do(t, "POST", "/printers/p1/cancel", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, []string{"pause", "resume", "cancel"}, env.printers["p1"].actions)

	job, err := env.store.GetJob(id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, job.Status)

	// Idle device: the cancel still reaches the printer
	rr = env.do(t, "POST", "/printers/p2/cancel", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []string{"cancel"}, env.printers["p2"].actions)

	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", "/printers/p1/pause", "alice", false, nil).Code)
}

func TestPrinterFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	env.printers["p1"].files = []octoprint.RemoteFile{{Name: "a.gcode", Size: 10}}

	rr := env.do(t, "GET", "/printers/p1/files", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Files []octoprint.RemoteFile `json:"files"`
	}
	decode(t, rr, &resp)
	assert.Equal(t, env.printers["p1"].files, resp.Files)

	assert.Equal(t, http.StatusNoContent, env.do(t, "DELETE", "/printers/p1/files/a.gcode", "root", true, nil).Code)
	assert.Equal(t, []string{"delete a.gcode"}, env.printers["p1"].actions)
}

func TestPower(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.Equal(t, http.StatusForbidden, env.do(t, "POST", "/power/p1/on", "alice", false, nil).Code)

	rr := env.do(t, "POST", "/power/p1/on", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var res power.Result
	decode(t, rr, &res)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Channel)

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/power/p9/on", "root", true, nil).Code)

	rr = env.do(t, "GET", "/power/states", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var states struct {
		Channels []struct {
			Channel  int    `json:"channel"`
			DeviceID string `json:"device_id"`
			State    string `json:"state"`
		} `json:"channels"`
	}
	decode(t, rr, &states)
	require.Len(t, states.Channels, 2)
	assert.Equal(t, "on", states.Channels[0].State)
	assert.Equal(t, "unknown", states.Channels[1].State)
}

func TestPowerAllOffSkipsPrinting(t *testing.T) {
	env := newTestEnv(t, nil)
	env.upload(t, "a.gcode", 1024)
	id := env.add(t, "alice", "p1", "a.gcode")
	_, err := env.store.ClaimNextEligible("p1")
	require.NoError(t, err)
	require.NoError(t, env.store.MarkPrinting(id, "p1", time.Now()))

	rr := env.do(t, "POST", "/power/all/off", "root", true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp struct {
		Results []power.Result `json:"results"`
		Failed  int            `json:"failed"`
	}
	decode(t, rr, &resp)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "skipped", resp.Results[0].Error)
	assert.True(t, resp.Results[1].Success)
	assert.Equal(t, 1, resp.Failed)

	rr = env.do(t, "POST", "/power/all/off?force=true", "root", true, nil)
	decode(t, rr, &resp)
	assert.Zero(t, resp.Failed)
}

func TestPowerDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	env.handler.power = nil
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "GET", "/power/states", "root", true, nil).Code)
}

func TestFleet(t *testing.T) {
	env := newTestEnv(t, nil)

	rr := env.do(t, "GET", "/fleet", "alice", false, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var snap models.FleetSnapshot
	decode(t, rr, &snap)
	assert.Len(t, snap.Devices, 2)

	published := models.FleetSnapshot{
		Devices:   []models.DeviceSnapshot{{ID: "p1", ObservedState: models.DevicePrinting, ActiveJobID: "j1", Progress: 42}},
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, env.hub.PublishSnapshot(context.Background(), published))

	rr = env.do(t, "GET", "/fleet", "alice", false, nil)
	decode(t, rr, &snap)
	assert.Equal(t, published.Devices, snap.Devices)
	assert.True(t, published.Timestamp.Equal(snap.Timestamp))
}

func TestFleetStream(t *testing.T) {
	env := newTestEnv(t, nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	first := models.FleetSnapshot{
		Devices:   []models.DeviceSnapshot{{ID: "p1", ObservedState: models.DeviceOperational}},
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, env.hub.PublishSnapshot(context.Background(), first))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/fleet/stream", nil)
	require.NoError(t, err)
	req.Header.Set(auth.HeaderUserID, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	next := func() (string, events.Event) {
		var name string
		var ev events.Event
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			case line == "" && name != "":
				return name, ev
			}
		}
	}

	name, ev := next()
	assert.Equal(t, events.TypeFleetSnapshot, name)
	assert.Equal(t, events.TypeFleetSnapshot, ev.Type)

	require.NoError(t, env.hub.PublishQueue(context.Background(), events.QueueEvent{Action: events.ActionAdded, JobID: "j1", OwnerID: "alice"}))
	name, ev = next()
	assert.Equal(t, events.TypeQueueUpdated, name)
	payload, ok := ev.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "j1", payload["job_id"])
}

func TestKeyManagement(t *testing.T) {
	keys := auth.NewKeyStore(bcrypt.MinCost)
	require.NoError(t, keys.Add("gateway", "s3cret"))
	env := newTestEnv(t, keys)

	call := func(method, path, key string, admin bool, body interface{}) *httptest.ResponseRecorder {
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(b)
		}
		req := httptest.NewRequest(method, path, reader)
		req.Header.Set("Authorization", "Bearer "+key)
		req.Header.Set(auth.HeaderUserID, "root")
		if admin {
			req.Header.Set(auth.HeaderUserRole, auth.RoleAdmin)
		}
		rr := httptest.NewRecorder()
		env.router.ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusForbidden, call("POST", "/auth/keys", "s3cret", false, map[string]string{"name": "cli"}).Code)

	rr := call("POST", "/auth/keys", "s3cret", true, map[string]string{"name": "cli"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created CreateKeyResponse
	decode(t, rr, &created)
	assert.Equal(t, "cli", created.Name)
	require.NotEmpty(t, created.Key)

	assert.Equal(t, http.StatusConflict, call("POST", "/auth/keys", "s3cret", true, map[string]string{"name": "cli"}).Code)
	assert.Equal(t, http.StatusBadRequest, call("POST", "/auth/keys", "s3cret", true, map[string]string{}).Code)

	// The new key authenticates
	rr = call("GET", "/auth/keys", created.Key, true, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var listed struct {
		Keys  []string `json:"keys"`
		Count int      `json:"count"`
	}
	decode(t, rr, &listed)
	assert.Equal(t, []string{"cli", "gateway"}, listed.Keys)

	assert.Equal(t, http.StatusOK, call("DELETE", "/auth/keys/gateway", created.Key, true, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call("GET", "/queue", "s3cret", false, nil).Code)
	assert.Equal(t, http.StatusNotFound, call("DELETE", "/auth/keys/gateway", created.Key, true, nil).Code)
	assert.Equal(t, http.StatusConflict, call("DELETE", "/auth/keys/cli", created.Key, true, nil).Code)
}
