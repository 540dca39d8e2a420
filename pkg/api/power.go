package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/psantana5/printfarm/pkg/scheduler"
)

// PowerDevice handles POST /power/{id}/{on|off}
func (h *Handler) PowerDevice(w http.ResponseWriter, r *http.Request) {
	if !h.powerEnabled(w) {
		return
	}
	vars := mux.Vars(r)
	res, err := h.power.SetPower(vars["id"], vars["state"] == "on")
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// PowerAll handles POST /power/all/{on|off}. Switching off skips devices
// with a printing job unless ?force=true.
func (h *Handler) PowerAll(w http.ResponseWriter, r *http.Request) {
	if !h.powerEnabled(w) {
		return
	}
	on := mux.Vars(r)["state"] == "on"

	var skip func(string) bool
	if !on && r.URL.Query().Get("force") != "true" {
		skip = scheduler.BusyDevices(h.store)
	}
	results := h.power.ToggleAll(on, skip)

	failed := 0
	for _, res := range results {
		if !res.Success {
			failed++
		}
	}
	h.logger.Info("Switched all relays", map[string]interface{}{
		"on":     on,
		"failed": failed,
		"by":     identity(r).UserID,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"failed":  failed,
	})
}

// PowerStates handles GET /power/states
func (h *Handler) PowerStates(w http.ResponseWriter, r *http.Request) {
	if !h.powerEnabled(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": h.power.States()})
}

func (h *Handler) powerEnabled(w http.ResponseWriter) bool {
	if h.power == nil {
		writeMessage(w, http.StatusServiceUnavailable, "power control is disabled")
		return false
	}
	return true
}
