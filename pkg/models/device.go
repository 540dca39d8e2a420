package models

import (
	"strings"
	"time"
)

// DeviceState is the last state observed from a device
type DeviceState string

const (
	DeviceOperational DeviceState = "operational"
	DevicePrinting    DeviceState = "printing"
	DevicePaused      DeviceState = "paused"
	DeviceError       DeviceState = "error"
	DeviceOffline     DeviceState = "offline"
)

// ParseDeviceState maps an OctoPrint state text to a DeviceState.
// Unknown texts are treated as errors, empty text as offline.
func ParseDeviceState(text string) DeviceState {
	t := strings.ToLower(strings.TrimSpace(text))
	switch {
	case t == "":
		return DeviceOffline
	case t == "operational" || t == "ready":
		return DeviceOperational
	case strings.HasPrefix(t, "printing"), t == "starting", t == "finishing", t == "resuming":
		return DevicePrinting
	case t == "paused" || t == "pausing" || t == "cancelling":
		return DevicePaused
	case strings.HasPrefix(t, "offline"), t == "closed", strings.HasPrefix(t, "connecting"), t == "detecting serial connection":
		return DeviceOffline
	default:
		return DeviceError
	}
}

// Device represents one physical printer
type Device struct {
	ID            string      `json:"id"`
	DisplayName   string      `json:"display_name"`
	Endpoint      string      `json:"endpoint"`
	Credential    string      `json:"-"`
	RelayChannel  int         `json:"relay_channel,omitempty"`
	ObservedState DeviceState `json:"observed_state"`
	Maintenance   bool        `json:"maintenance"`
	ActiveJobID   string      `json:"active_job_id,omitempty"`
	LastSeen      *time.Time  `json:"last_seen,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Dispatchable reports whether the dispatcher may start a job on the device
func (d *Device) Dispatchable() bool {
	return !d.Maintenance && d.ObservedState == DeviceOperational && d.ActiveJobID == ""
}

// DeviceSnapshot is the per-device part of a fleet snapshot
type DeviceSnapshot struct {
	ID            string      `json:"id"`
	ObservedState DeviceState `json:"observed_state"`
	ActiveJobID   string      `json:"active_job_id,omitempty"`
	Progress      int         `json:"progress"`
}

// FleetSnapshot is published once per poll cycle
type FleetSnapshot struct {
	Devices   []DeviceSnapshot `json:"devices"`
	Timestamp time.Time        `json:"timestamp"`
}
