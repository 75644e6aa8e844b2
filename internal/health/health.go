// Package health aggregates the liveness of the gateway's dependencies.
package health

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds each component check.
const probeTimeout = 2 * time.Second

// Probe checks one dependency. It must honor ctx cancellation.
type Probe func(ctx context.Context) error

// Component is one dependency's health snapshot.
type Component struct {
	Healthy   bool   `json:"healthy"`
	Disabled  bool   `json:"disabled,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the aggregate of all component checks.
type Report struct {
	Healthy    bool                 `json:"healthy"`
	Components map[string]Component `json:"components"`
}

// Aggregator runs registered probes concurrently.
type Aggregator struct {
	mu     sync.Mutex
	probes map[string]Probe
}

// New creates an empty aggregator.
func New() *Aggregator {
	return &Aggregator{probes: make(map[string]Probe)}
}

// Register adds a named probe. A nil probe marks the component as
// disabled, which counts as healthy.
func (a *Aggregator) Register(name string, probe Probe) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.probes[name] = probe
}

// Check probes every component concurrently, each within its own timeout,
// and reports the aggregate. An aggregator with no probes is healthy.
func (a *Aggregator) Check(ctx context.Context) Report {
	a.mu.Lock()
	probes := make(map[string]Probe, len(a.probes))
	for name, probe := range a.probes {
		probes[name] = probe
	}
	a.mu.Unlock()

	var mu sync.Mutex
	report := Report{Healthy: true, Components: make(map[string]Component, len(probes))}

	g, ctx := errgroup.WithContext(ctx)
	for name, probe := range probes {
		name, probe := name, probe
		g.Go(func() error {
			component := runProbe(ctx, probe)
			mu.Lock()
			report.Components[name] = component
			if !component.Healthy {
				report.Healthy = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return report
}

func runProbe(ctx context.Context, probe Probe) Component {
	if probe == nil {
		return Component{Healthy: true, Disabled: true}
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	started := time.Now()
	err := probe(probeCtx)
	latency := time.Since(started).Milliseconds()
	if err != nil {
		return Component{Healthy: false, Error: err.Error(), LatencyMS: latency}
	}
	return Component{Healthy: true, LatencyMS: latency}
}
