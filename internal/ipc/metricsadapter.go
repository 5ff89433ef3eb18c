package ipc

import (
	"context"

	"github.com/mimolo/operations/internal/metrics"
)

// MetricsAdapter adapts a metrics.Registry to MetricsProvider, the
// collaborator interface get_runtime_perf dispatches through. It lives
// here, not in internal/metrics, because internal/orchestrator depends on
// internal/metrics (to record restarts) and this package depends on
// internal/orchestrator — an adapter inside internal/metrics importing
// this package back would cycle.
type MetricsAdapter struct {
	registry *metrics.Registry
	source   metrics.InstanceSource
}

// NewMetricsAdapter returns a MetricsProvider sampling source through registry.
func NewMetricsAdapter(registry *metrics.Registry, source metrics.InstanceSource) *MetricsAdapter {
	return &MetricsAdapter{registry: registry, source: source}
}

// Snapshot implements MetricsProvider. The interface carries no context,
// so a background one is used — sampling a handful of /proc entries is
// fast enough that the per-request IPC timeout dwarfs it.
func (a *MetricsAdapter) Snapshot() (RuntimePerf, error) {
	return a.registry.Snapshot(context.Background(), a.source)
}
