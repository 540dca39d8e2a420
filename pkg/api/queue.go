package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/psantana5/printfarm/pkg/artifacts"
	"github.com/psantana5/printfarm/pkg/events"
	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/scheduler"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	statsWindowDays     = 30
)

// AddJobResponse is returned by POST /queue/add
type AddJobResponse struct {
	JobID            string `json:"job_id"`
	DeviceID         string `json:"device_id"`
	EstimatedMinutes int    `json:"estimated_minutes"`
}

// AddJob handles POST /queue/add
func (h *Handler) AddJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	tier, err := models.ParsePriorityTier(req.Priority)
	if err != nil {
		h.writeError(w, err)
		return
	}

	artifact, err := h.artifacts.Resolve(req.SourceRef)
	if err != nil {
		h.writeError(w, err)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" || deviceID == models.AutoDevice {
		if deviceID, err = scheduler.ResolveAutoDevice(h.store); err != nil {
			h.writeError(w, err)
			return
		}
	} else if _, err := h.store.GetDevice(deviceID); err != nil {
		h.writeError(w, err)
		return
	}

	estimate := artifacts.EstimateMinutes(artifact.Size)
	if err := h.cutoff.Check(estimate, h.now()); err != nil {
		h.writeError(w, err)
		return
	}

	caller := identity(r)
	job := &models.Job{
		OwnerID:          caller.UserID,
		DeviceID:         deviceID,
		SourcePath:       artifact.Path,
		FileName:         artifact.Name,
		Priority:         tier,
		EstimatedMinutes: estimate,
	}
	jobID, err := h.store.Enqueue(job)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("Job queued", map[string]interface{}{
		"job_id":            jobID,
		"owner":             caller.UserID,
		"device":            deviceID,
		"priority":          string(tier),
		"estimated_minutes": estimate,
	})
	h.publish(r.Context(), events.QueueEvent{
		Action:   events.ActionAdded,
		JobID:    jobID,
		OwnerID:  caller.UserID,
		DeviceID: deviceID,
	})
	if h.scheduler != nil {
		h.scheduler.Trigger()
	}

	writeJSON(w, http.StatusCreated, AddJobResponse{
		JobID:            jobID,
		DeviceID:         deviceID,
		EstimatedMinutes: estimate,
	})
}

// ListQueue handles GET /queue. Claimed jobs are reported as queued.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListQueue()
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, job := range jobs {
		job.Status = job.PublicStatus()
		job.StateTransitions = nil
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// History handles GET /queue/history. Privileged callers may pass ?owner=.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	caller := identity(r)
	owner := caller.UserID
	if o := r.URL.Query().Get("owner"); o != "" && caller.Admin {
		owner = o
	}

	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := h.store.ListHistory(owner, limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	for _, job := range jobs {
		job.Status = job.PublicStatus()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// Stats handles GET /queue/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	since := h.now().AddDate(0, 0, -statsWindowDays)
	stats, err := h.store.GetJobStats(since)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since": since.UTC(),
		"stats": stats,
	})
}

// ProcessNow handles POST /queue/process: one dispatch pass, now
func (h *Handler) ProcessNow(w http.ResponseWriter, r *http.Request) {
	outcomes, err := h.scheduler.RunDispatchNow(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []scheduler.Outcome{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}

// SetAutoProcessing handles POST /queue/auto-processing/{enable|disable}
func (h *Handler) SetAutoProcessing(w http.ResponseWriter, r *http.Request) {
	enabled := mux.Vars(r)["action"] == "enable"
	h.scheduler.SetAutoProcessing(enabled)
	h.logger.Info("Auto processing set", map[string]interface{}{"enabled": enabled, "by": identity(r).UserID})
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

// AutoProcessingStatus handles GET /queue/auto-processing/status
func (h *Handler) AutoProcessingStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": h.scheduler.AutoProcessing()})
}

// GetJob handles GET /queue/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	job.Status = job.PublicStatus()
	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles DELETE /queue/{id}: the owner or a privileged caller
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	job, err := h.store.GetJob(jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	caller := identity(r)
	if job.OwnerID != caller.UserID && !caller.Admin {
		writeMessage(w, http.StatusForbidden, "only the owner or an admin can cancel this job")
		return
	}

	job, err = h.cancel.Cancel(r.Context(), jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type priorityRequest struct {
	Tier string `json:"tier"`
}

// SetPriority handles PATCH /queue/{id}/priority
func (h *Handler) SetPriority(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Tier == "" {
		writeMessage(w, http.StatusBadRequest, "tier is required")
		return
	}
	tier, err := models.ParsePriorityTier(req.Tier)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if err := h.store.SetPriority(jobID, tier); err != nil {
		h.writeError(w, err)
		return
	}
	job, err := h.store.GetJob(jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.publish(r.Context(), events.QueueEvent{
		Action:   events.ActionPriority,
		JobID:    jobID,
		OwnerID:  job.OwnerID,
		DeviceID: job.DeviceID,
	})
	job.Status = job.PublicStatus()
	writeJSON(w, http.StatusOK, job)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
