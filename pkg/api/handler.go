package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

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

// Scheduler is the part of the scheduler loop the HTTP layer drives
type Scheduler interface {
	Trigger()
	RunDispatchNow(ctx context.Context) ([]scheduler.Outcome, error)
	SetAutoProcessing(enabled bool)
	AutoProcessing() bool
}

// SnapshotSource returns the last published fleet snapshot
type SnapshotSource interface {
	LastSnapshot() (models.FleetSnapshot, bool)
}

// Subscriber hands out live event streams
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Config wires the handler to its collaborators. Power, Fleet, Stream,
// Events, Keys and Limiter are optional.
type Config struct {
	Store     store.Store
	Artifacts *artifacts.Resolver
	Devices   *octoprint.Pool
	Power     *power.Coordinator
	Scheduler Scheduler
	Cancel    *scheduler.CancelService
	Cutoff    *scheduler.Cutoff
	Fleet     SnapshotSource
	Stream    Subscriber
	Events    events.Publisher
	Keys      *auth.KeyStore
	Limiter   *ratelimit.Limiter
	Logger    *logging.Logger
}

// Handler serves the queue, printer, power and fleet routes
type Handler struct {
	store     store.Store
	artifacts *artifacts.Resolver
	devices   *octoprint.Pool
	power     *power.Coordinator
	scheduler Scheduler
	cancel    *scheduler.CancelService
	cutoff    *scheduler.Cutoff
	fleet     SnapshotSource
	stream    Subscriber
	events    events.Publisher
	keys      *auth.KeyStore
	limiter   *ratelimit.Limiter
	logger    *logging.Logger
	now       func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Handler{
		store:     cfg.Store,
		artifacts: cfg.Artifacts,
		devices:   cfg.Devices,
		power:     cfg.Power,
		scheduler: cfg.Scheduler,
		cancel:    cfg.Cancel,
		cutoff:    cfg.Cutoff,
		fleet:     cfg.Fleet,
		stream:    cfg.Stream,
		events:    cfg.Events,
		keys:      cfg.Keys,
		limiter:   cfg.Limiter,
		logger:    logger.WithComponent("api"),
		now:       time.Now,
	}
}

// RegisterRoutes registers all API routes. Specific paths are registered
// before parameterized ones so "/queue/history" never matches "/queue/{id}".
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(h.logRequests)
	api.Use(auth.Middleware(h.keys))
	admin := auth.RequireAdmin

	var add http.Handler = http.HandlerFunc(h.AddJob)
	if h.limiter != nil {
		add = h.limiter.Middleware(ratelimit.HeaderKeyFunc(auth.HeaderUserID))(add)
	}

	// Queue
	api.Handle("/queue/add", add).Methods("POST")
	api.HandleFunc("/queue", h.ListQueue).Methods("GET")
	api.HandleFunc("/queue/history", h.History).Methods("GET")
	api.Handle("/queue/stats", admin(http.HandlerFunc(h.Stats))).Methods("GET")
	api.Handle("/queue/process", admin(http.HandlerFunc(h.ProcessNow))).Methods("POST")
	api.HandleFunc("/queue/auto-processing/status", h.AutoProcessingStatus).Methods("GET")
	api.Handle("/queue/auto-processing/{action:enable|disable}", admin(http.HandlerFunc(h.SetAutoProcessing))).Methods("POST")
	api.HandleFunc("/queue/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/queue/{id}", h.CancelJob).Methods("DELETE")
	api.Handle("/queue/{id}/priority", admin(http.HandlerFunc(h.SetPriority))).Methods("PATCH")

	// Printers
	api.HandleFunc("/printers", h.ListPrinters).Methods("GET")
	api.HandleFunc("/printers/{id}/status", h.PrinterStatus).Methods("GET")
	api.HandleFunc("/printers/{id}/files", h.ListFiles).Methods("GET")
	api.Handle("/printers/{id}/files/{name}", admin(http.HandlerFunc(h.DeleteFile))).Methods("DELETE")
	api.Handle("/printers/{id}/maintenance", admin(http.HandlerFunc(h.SetMaintenance))).Methods("POST")
	api.Handle("/printers/{id}/{action:pause|resume|cancel}", admin(http.HandlerFunc(h.PrinterAction))).Methods("POST")

	// Power
	api.Handle("/power/states", admin(http.HandlerFunc(h.PowerStates))).Methods("GET")
	api.Handle("/power/all/{state:on|off}", admin(http.HandlerFunc(h.PowerAll))).Methods("POST")
	api.Handle("/power/{id}/{state:on|off}", admin(http.HandlerFunc(h.PowerDevice))).Methods("POST")

	// Fleet
	api.HandleFunc("/fleet", h.Fleet).Methods("GET")
	api.HandleFunc("/fleet/stream", h.FleetStream).Methods("GET")

	// API keys
	api.Handle("/auth/keys", admin(http.HandlerFunc(h.ListKeys))).Methods("GET")
	api.Handle("/auth/keys", admin(http.HandlerFunc(h.CreateKey))).Methods("POST")
	api.Handle("/auth/keys/{name}", admin(http.HandlerFunc(h.RevokeKey))).Methods("DELETE")
}

// Health reports store reachability
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status": "healthy",
		"time":   h.now().UTC(),
	}
	if h.scheduler != nil {
		resp["auto_processing"] = h.scheduler.AutoProcessing()
	}
	if err := h.store.HealthCheck(); err != nil {
		resp["status"] = "unhealthy"
		resp["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Fleet returns the snapshot published by the last poll. Before the first
// poll it is built from the stored device rows.
func (h *Handler) Fleet(w http.ResponseWriter, r *http.Request) {
	if h.fleet != nil {
		if snap, ok := h.fleet.LastSnapshot(); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}

	devices, err := h.store.ListDevices()
	if err != nil {
		h.writeError(w, err)
		return
	}
	snap := models.FleetSnapshot{Devices: make([]models.DeviceSnapshot, 0, len(devices)), Timestamp: h.now()}
	for _, d := range devices {
		snap.Devices = append(snap.Devices, models.DeviceSnapshot{
			ID:            d.ID,
			ObservedState: d.ObservedState,
			ActiveJobID:   d.ActiveJobID,
		})
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		h.logger.Debug("Request served", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.status,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (h *Handler) publish(ctx context.Context, ev events.QueueEvent) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishQueue(ctx, ev); err != nil {
		h.logger.Warn("Failed to publish queue event", map[string]interface{}{
			"action": ev.Action,
			"job_id": ev.JobID,
			"error":  err.Error(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps the error taxonomy to HTTP status codes
func statusFor(err error) int {
	var apiErr *octoprint.APIError
	switch {
	case errors.Is(err, store.ErrJobNotFound),
		errors.Is(err, store.ErrDeviceNotFound),
		errors.Is(err, auth.ErrKeyNotFound),
		errors.Is(err, store.ErrJobNotQueued),
		errors.Is(err, octoprint.ErrUnknownPrinter),
		errors.Is(err, power.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, store.ErrConflict),
		errors.Is(err, scheduler.ErrTickInProgress),
		errors.Is(err, auth.ErrDuplicateKey),
		errors.Is(err, auth.ErrLastKey):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidPriority),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, scheduler.ErrScheduleWindowExceeded),
		errors.Is(err, store.ErrSourceNotFound),
		errors.Is(err, artifacts.ErrArtifactNotFound),
		errors.Is(err, artifacts.ErrInvalidReference),
		errors.Is(err, artifacts.ErrUnsupportedType),
		errors.Is(err, octoprint.ErrUnsupportedFile),
		errors.Is(err, auth.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, octoprint.ErrDeviceUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, power.ErrPowerCommandFailed), errors.As(err, &apiErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", map[string]interface{}{"error": err.Error()})
	}
	writeMessage(w, status, err.Error())
}

func identity(r *http.Request) auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}
