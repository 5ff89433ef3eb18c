// Package metrics collects per-instance restart counts and live CPU/memory
// usage, consulted in-process by get_runtime_perf. No /metrics HTTP
// endpoint is exposed — that would reintroduce the network-transport
// surface the core otherwise has no need for; prometheus.Gather is called
// directly rather than served.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// RuntimePerf has the same shape as ipc.RuntimePerf. It aliases an unnamed
// struct type, so a value of it is assignable to ipc.RuntimePerf without
// this package importing internal/ipc (which imports this package).
type RuntimePerf = struct {
	Data json.RawMessage `json:"data"`
}

// InstanceSnapshot is one label's row in get_runtime_perf's payload.
type InstanceSnapshot struct {
	Label        string  `json:"label"`
	State        string  `json:"state"`
	PID          int     `json:"pid,omitempty"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryBytes  uint64  `json:"memory_bytes"`
	RestartCount int     `json:"restart_count"`
}

// InstanceSource supplies the running instance table metrics samples
// against — satisfied by *orchestrator.Orchestrator without this package
// importing orchestrator's concrete type, avoiding an import cycle since
// orchestrator is the one that constructs a Registry.
type InstanceSource interface {
	Instances() []InstanceView
}

// InstanceView is the subset of orchestrator.Instance metrics needs.
type InstanceView struct {
	Label string
	State string
	PID   int
}

// Registry is a Prometheus registry plus the per-instance counters/gauges
// it exposes, and the live process sampler backing CPU/memory figures.
type Registry struct {
	logger *zap.Logger
	reg    *prometheus.Registry

	restartsTotal *prometheus.CounterVec
	cpuPercent    *prometheus.GaugeVec
	memoryBytes   *prometheus.GaugeVec

	sampler processSampler
}

// New returns a Registry with its collectors registered.
func New(logger *zap.Logger) *Registry {
	reg := prometheus.NewRegistry()

	restartsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mimolo",
		Subsystem: "operations",
		Name:      "agent_restarts_total",
		Help:      "Cumulative restarts of an Agent Instance by the restart policy.",
	}, []string{"label"})

	cpuPercent := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mimolo",
		Subsystem: "operations",
		Name:      "agent_cpu_percent",
		Help:      "Most recently sampled CPU percent for a running Agent Instance.",
	}, []string{"label"})

	memoryBytes := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mimolo",
		Subsystem: "operations",
		Name:      "agent_memory_bytes",
		Help:      "Most recently sampled resident memory, in bytes, for a running Agent Instance.",
	}, []string{"label"})

	reg.MustRegister(restartsTotal, cpuPercent, memoryBytes)

	return &Registry{
		logger:        logger.Named("metrics"),
		reg:           reg,
		restartsTotal: restartsTotal,
		cpuPercent:    cpuPercent,
		memoryBytes:   memoryBytes,
	}
}

// RecordRestart increments label's restart counter. Called by the
// orchestrator's restart policy each time it actually schedules a restart.
func (r *Registry) RecordRestart(label string) {
	r.restartsTotal.WithLabelValues(label).Inc()
}

// Forget removes a removed instance's series so a stale label doesn't
// linger in the registry forever.
func (r *Registry) Forget(label string) {
	r.restartsTotal.DeleteLabelValues(label)
	r.cpuPercent.DeleteLabelValues(label)
	r.memoryBytes.DeleteLabelValues(label)
}

// Snapshot samples live CPU/memory for every running instance in source,
// updates the corresponding gauges, and serializes the combined per-label
// view into the RuntimePerf payload get_runtime_perf returns.
func (r *Registry) Snapshot(ctx context.Context, source InstanceSource) (RuntimePerf, error) {
	instances := source.Instances()
	rows := make([]InstanceSnapshot, 0, len(instances))

	for _, inst := range instances {
		row := InstanceSnapshot{Label: inst.Label, State: inst.State, PID: inst.PID}
		if inst.PID > 0 {
			cpu, rss, err := r.sampler.sample(ctx, inst.PID)
			if err != nil {
				r.logger.Warn("process sample failed", zap.String("label", inst.Label), zap.Error(err))
			} else {
				row.CPUPercent = cpu
				row.MemoryBytes = rss
				r.cpuPercent.WithLabelValues(inst.Label).Set(cpu)
				r.memoryBytes.WithLabelValues(inst.Label).Set(float64(rss))
			}
		}
		row.RestartCount = r.restartCount(inst.Label)
		rows = append(rows, row)
	}

	data, err := json.Marshal(rows)
	if err != nil {
		return RuntimePerf{}, fmt.Errorf("metrics: marshal snapshot: %w", err)
	}
	return RuntimePerf{Data: data}, nil
}

func (r *Registry) restartCount(label string) int {
	metricFamilies, err := r.reg.Gather()
	if err != nil {
		return 0
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != "mimolo_operations_agent_restarts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "label" && lp.GetValue() == label {
					return int(m.GetCounter().GetValue())
				}
			}
		}
	}
	return 0
}
