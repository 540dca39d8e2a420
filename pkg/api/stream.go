package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/psantana5/printfarm/pkg/events"
)

const streamKeepAlive = 25 * time.Second

// FleetStream handles GET /fleet/stream. It sends the last snapshot, then
// every fleet and queue event as server-sent events until the client leaves.
func (h *Handler) FleetStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeMessage(w, http.StatusNotImplemented, "event stream not available")
		return
	}

	rc := http.NewResponseController(w)
	// The server write timeout would cut the stream
	_ = rc.SetWriteDeadline(time.Time{})

	ch, unsubscribe := h.stream.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if h.fleet != nil {
		if snap, ok := h.fleet.LastSnapshot(); ok {
			if err := writeEvent(w, events.Event{Type: events.TypeFleetSnapshot, Timestamp: snap.Timestamp, Payload: snap}); err != nil {
				return
			}
		}
	}
	if err := rc.Flush(); err != nil {
		h.logger.Warn("Event stream not flushable", map[string]interface{}{"error": err.Error()})
		return
	}

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}
