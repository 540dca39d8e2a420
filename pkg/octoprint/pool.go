package octoprint

import (
	"errors"
	"sort"
)

// ErrUnknownPrinter is returned for a device id with no client
var ErrUnknownPrinter = errors.New("unknown printer")

// Pool maps device ids to their clients
type Pool struct {
	clients map[string]Printer
	ids     []string
}

// NewPool creates an empty pool
func NewPool() *Pool {
	return &Pool{clients: make(map[string]Printer)}
}

// Add registers the client for a device, replacing any previous one
func (p *Pool) Add(deviceID string, client Printer) {
	if _, ok := p.clients[deviceID]; !ok {
		p.ids = append(p.ids, deviceID)
		sort.Strings(p.ids)
	}
	p.clients[deviceID] = client
}

// Get returns the client for a device
func (p *Pool) Get(deviceID string) (Printer, error) {
	c, ok := p.clients[deviceID]
	if !ok {
		return nil, ErrUnknownPrinter
	}
	return c, nil
}

// IDs returns the device ids in stable order
func (p *Pool) IDs() []string {
	out := make([]string, len(p.ids))
	copy(out, p.ids)
	return out
}
