// Package gateway connects the network server to its gateway
// population. A Backend speaks one transport for one region: it streams
// uplink frames, tx-acks and stats reports into the server and accepts
// downlink frames for transmission.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// Backend is a per-region gateway transport.
type Backend interface {
	// Start connects the backend and blocks until ctx is cancelled.
	Start(ctx context.Context) error

	// SendDownlinkFrame hands a frame to the gateway named in it.
	SendDownlinkFrame(ctx context.Context, frame models.DownlinkFrame) error

	UplinkFrames() <-chan models.UplinkFrame
	TXAcks() <-chan models.TXAck
	GatewayStats() <-chan models.GatewayStats

	Close() error
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// RegisterBackend binds a backend to a region config id. Binding the
// same region twice panics, as that is a wiring bug.
func RegisterBackend(regionConfigID string, b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, ok := backends[regionConfigID]; ok {
		panic(fmt.Sprintf("gateway: backend for region %q already registered", regionConfigID))
	}
	backends[regionConfigID] = b
}

// GetBackend returns the backend serving a region config id.
func GetBackend(regionConfigID string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	b, ok := backends[regionConfigID]
	if !ok {
		return nil, fmt.Errorf("gateway: no backend for region %q", regionConfigID)
	}
	return b, nil
}

// Backends returns a snapshot of all registered backends by region.
func Backends() map[string]Backend {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	out := make(map[string]Backend, len(backends))
	for id, b := range backends {
		out[id] = b
	}
	return out
}
