package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateKeyResponse carries a new key. The key is shown only once.
type CreateKeyResponse struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// ListKeys handles GET /auth/keys
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if h.keys != nil {
		names = h.keys.Names()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": names, "count": len(names)})
}

// CreateKey handles POST /auth/keys. Keys live in memory only and are
// lost on restart; the configured gateway key is always registered again.
func (h *Handler) CreateKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeMessage(w, http.StatusNotImplemented, "key management not available")
		return
	}
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key, err := h.keys.Generate(req.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("API key created", map[string]interface{}{"name": req.Name, "by": identity(r).UserID})
	writeJSON(w, http.StatusCreated, CreateKeyResponse{Name: req.Name, Key: key})
}

// RevokeKey handles DELETE /auth/keys/{name}
func (h *Handler) RevokeKey(w http.ResponseWriter, r *http.Request) {
	if h.keys == nil {
		writeMessage(w, http.StatusNotImplemented, "key management not available")
		return
	}
	name := mux.Vars(r)["name"]
	if err := h.keys.Revoke(name); err != nil {
		h.writeError(w, err)
		return
	}
	h.logger.Info("API key revoked", map[string]interface{}{"name": name, "by": identity(r).UserID})
	writeJSON(w, http.StatusOK, map[string]string{"revoked": name})
}
