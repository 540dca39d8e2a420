package scheduler

import (
	"fmt"
	"sort"

	"github.com/psantana5/printfarm/pkg/models"
	"github.com/psantana5/printfarm/pkg/store"
)

// ResolveAutoDevice picks a concrete device for an "auto" submission: the
// first idle operational device in id order, otherwise the device with the
// fewest active jobs (ties to the lowest id). Devices in maintenance are
// only considered when every device is in maintenance. With no devices the
// job stays "auto" and any device may claim it.
func ResolveAutoDevice(s store.Store) (string, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return "", fmt.Errorf("failed to list devices: %w", err)
	}
	if len(devices) == 0 {
		return models.AutoDevice, nil
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	for _, d := range devices {
		if d.Dispatchable() {
			return d.ID, nil
		}
	}

	counts, err := s.ActiveJobCounts()
	if err != nil {
		return "", fmt.Errorf("failed to count active jobs: %w", err)
	}

	candidates := make([]*models.Device, 0, len(devices))
	for _, d := range devices {
		if !d.Maintenance {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		candidates = devices
	}

	best := candidates[0]
	for _, d := range candidates[1:] {
		if counts[d.ID] < counts[best.ID] {
			best = d
		}
	}
	return best.ID, nil
}

// BusyDevices returns a predicate reporting devices with a printing job.
// The power-off schedule and the all-off route use it to skip those relays.
func BusyDevices(s store.Store) func(deviceID string) bool {
	return func(deviceID string) bool {
		jobs, err := s.PrintingJobs()
		if err != nil {
			// Unknown means busy: never cut power on a guess
			return true
		}
		for _, job := range jobs {
			if job.DeviceID == deviceID {
				return true
			}
		}
		return false
	}
}
