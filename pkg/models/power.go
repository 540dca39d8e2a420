package models

import "encoding/json"

// PowerState is the last known state of a relay channel
type PowerState int

const (
	PowerUnknown PowerState = iota
	PowerOn
	PowerOff
)

func (p PowerState) String() string {
	switch p {
	case PowerOn:
		return "on"
	case PowerOff:
		return "off"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form
func (p PowerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// PowerStateOf converts a commanded value to a PowerState
func PowerStateOf(on bool) PowerState {
	if on {
		return PowerOn
	}
	return PowerOff
}

// RelayChannel is one switchable output of the relay board
type RelayChannel struct {
	Channel  int        `json:"channel"`
	DeviceID string     `json:"device_id"`
	State    PowerState `json:"state"`
}
