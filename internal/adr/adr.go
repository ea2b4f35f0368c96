// Package adr implements the server-side adaptive data-rate engine.
// Algorithms are pluggable and selected per device-profile by id.
package adr

import (
	"context"
	"fmt"
	"sync"

	"github.com/loraflux/loraflux-ns/internal/models"
)

// Request carries everything an algorithm may consult. The current
// values are the session's; the bounds come from the region.
type Request struct {
	RegionName        string
	MACVersion        string
	RegParamsRevision string

	// ADR reflects the device's uplink ADR bit. Algorithms must not
	// change DR or TX power when the device opted out.
	ADR bool

	DR           int
	TXPowerIndex int
	NbTrans      int

	MaxTXPowerIndex    int
	RequiredSNRForDR   float64
	InstallationMargin float64
	MinDR              int
	MaxDR              int

	UplinkHistory []models.UplinkADRHistory
}

// Response is the new tx-parameter triple.
type Response struct {
	DR           int
	TXPowerIndex int
	NbTrans      int
}

// Algorithm computes new tx parameters from an uplink history.
type Algorithm interface {
	ID() string
	Name() string
	Handle(ctx context.Context, req *Request) (*Response, error)
}

var (
	mu         sync.RWMutex
	algorithms = map[string]Algorithm{}
)

// Register adds an algorithm to the registry. Registering an id twice
// panics, as that is a wiring bug.
func Register(a Algorithm) {
	mu.Lock()
	defer mu.Unlock()

	if _, ok := algorithms[a.ID()]; ok {
		panic(fmt.Sprintf("adr: algorithm %q already registered", a.ID()))
	}
	algorithms[a.ID()] = a
}

// Get returns the algorithm for an id, falling back to the default
// algorithm for unknown or empty ids.
func Get(id string) Algorithm {
	mu.RLock()
	defer mu.RUnlock()

	if a, ok := algorithms[id]; ok {
		return a
	}
	return algorithms["default"]
}

// IDs returns the registered algorithm ids, for the admin API.
func IDs() map[string]string {
	mu.RLock()
	defer mu.RUnlock()

	out := make(map[string]string, len(algorithms))
	for id, a := range algorithms {
		out[id] = a.Name()
	}
	return out
}

func init() {
	Register(&DefaultAlgorithm{})
	Register(&DisabledAlgorithm{})
}
