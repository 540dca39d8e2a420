package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/octoprint"
)

// PrinterView is a stored device row plus its relay state
type PrinterView struct {
	*models.Device
	Power string `json:"power,omitempty"`
}

// ListPrinters handles GET /printers with the last observed state of each device
func (h *Handler) ListPrinters(w http.ResponseWriter, r *http.Request) {
	devices, err := h.store.ListDevices()
	if err != nil {
		h.writeError(w, err)
		return
	}

	views := make([]PrinterView, 0, len(devices))
	for _, d := range devices {
		view := PrinterView{Device: d}
		if h.power != nil {
			if state, err := h.power.GetState(d.ID); err == nil {
				view.Power = state.String()
			}
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"printers": views,
		"count":    len(views),
	})
}

// PrinterStatus handles GET /printers/{id}/status with a live device call
func (h *Handler) PrinterStatus(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	st, err := client.GetStatus(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

// SetMaintenance handles POST /printers/{id}/maintenance
func (h *Handler) SetMaintenance(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["id"]

	var req maintenanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if err := h.store.SetMaintenance(deviceID, req.Enabled); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Maintenance mode changed", map[string]interface{}{
		"device":  deviceID,
		"enabled": req.Enabled,
		"by":      identity(r).UserID,
	})

	device, err := h.store.GetDevice(deviceID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// PrinterAction handles POST /printers/{id}/{pause|resume|cancel}.
// Cancel goes through the cancel service so the active job is recorded too.
func (h *Handler) PrinterAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	deviceID, action := vars["id"], vars["action"]

	if action == "cancel" {
		job, err := h.cancel.CancelActive(r.Context(), deviceID)
		if err != nil {
			h.writeError(w, err)
			return
		}
		resp := map[string]interface{}{"device_id": deviceID, "action": action}
		if job != nil {
			resp["job"] = job
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	client, ok := h.client(w, r)
	if !ok {
		return
	}
	var err error
	if action == "pause" {
		err = client.Pause(r.Context())
	} else {
		err = client.Resume(r.Context())
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("Printer action sent", map[string]interface{}{"device": deviceID, "action": action})
	writeJSON(w, http.StatusOK, map[string]string{"device_id": deviceID, "action": action})
}

// ListFiles handles GET /printers/{id}/files
func (h *Handler) ListFiles(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	files, err := client.ListFiles(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if files == nil {
		files = []octoprint.RemoteFile{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

// DeleteFile handles DELETE /printers/{id}/files/{name}
func (h *Handler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	client, ok := h.client(w, r)
	if !ok {
		return
	}
	name := mux.Vars(r)["name"]
	if err := client.DeleteFile(r.Context(), name); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) client(w http.ResponseWriter, r *http.Request) (octoprint.Printer, bool) {
	client, err := h.devices.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return client, true
}
