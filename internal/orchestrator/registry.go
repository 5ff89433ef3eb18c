// Package orchestrator implements the Orchestrator Core: the event loop
// that applies each running instance's Session events to the Agent
// Instance registry. Registry writes come from that loop and from the
// goroutines calling AddInstance, RemoveInstance, UpdateInstance and
// StartInstance (IPC workers, scheduled restarts); the Registry's lock
// serializes them. They are not funneled through the loop.
package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// InstanceState is one of an Agent Instance's lifecycle states, as seen
// from Control — distinct from session.State, which only exists while a
// Session is actually running.
type InstanceState string

const (
	InstanceInactive     InstanceState = "inactive"
	InstanceRunning      InstanceState = "running"
	InstanceShuttingDown InstanceState = "shutting-down"
	InstanceError        InstanceState = "error"
)

// RegistryError reports a registry invariant violation — a duplicate
// label, an operation against an instance that does not exist, or a
// request that the instance's current state cannot satisfy.
type RegistryError struct {
	Label string
	Code  string
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("orchestrator: %s: %s", e.Label, e.Code)
}

// InstanceSpec is the configuration an Agent Instance is created from —
// the recognized per-instance keys from SPEC_FULL.md §6.3.
type InstanceSpec struct {
	Label                    string
	TemplateID               string
	Enabled                  bool
	Executable               string
	Args                     []string
	HeartbeatIntervalS       float64
	AgentFlushIntervalS      float64
	LaunchInSeparateTerminal bool
	CPUBudgetPercent         float64
}

// Instance is the orchestrator's addressable runtime entity, mutated only
// through the Registry under its lock. A *Registry snapshot
// is a defensive copy — mutating it does not affect the registry, matching
// ConnectedAgents' "returned slice is a copy" contract in agentmanager.
type Instance struct {
	Label      string
	TemplateID string
	Spec       InstanceSpec
	State      InstanceState
	Detail     string
	PID        int
	UpdatedAt  time.Time
}

// Registry is the in-memory table of Agent Instances. Reads (label lookup,
// full snapshot) may happen from any goroutine — the IPC layer's read loop
// in particular — concurrently with mutation; writes come from several
// goroutines and the RWMutex serializes them, mirroring
// agentmanager.Manager's split between gRPC-server-writes and
// REST-API-reads against the same RWMutex-guarded map.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	logger    *zap.Logger
}

// NewRegistry returns an empty Registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		instances: make(map[string]*Instance),
		logger:    logger.Named("registry"),
	}
}

// Add creates a new inactive Instance for spec.Label. Fails with
// label_conflict if the label already exists, enforcing the "labels are
// unique within the orchestrator at all times" invariant.
func (r *Registry) Add(spec InstanceSpec) (*Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[spec.Label]; exists {
		return nil, &RegistryError{Label: spec.Label, Code: "label_conflict"}
	}

	inst := &Instance{
		Label:      spec.Label,
		TemplateID: spec.TemplateID,
		Spec:       spec,
		State:      InstanceInactive,
		UpdatedAt:  time.Now().UTC(),
	}
	r.instances[spec.Label] = inst
	r.logger.Info("instance added", zap.String("label", spec.Label), zap.String("template_id", spec.TemplateID))
	return inst, nil
}

// Remove deletes an instance. Fails with invalid_state_transition if the
// instance is not inactive (callers must stop it first).
func (r *Registry) Remove(label string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, exists := r.instances[label]
	if !exists {
		return &RegistryError{Label: label, Code: "unknown_instance"}
	}
	if inst.State != InstanceInactive && inst.State != InstanceError {
		return &RegistryError{Label: label, Code: "invalid_state_transition"}
	}
	delete(r.instances, label)
	r.logger.Info("instance removed", zap.String("label", label))
	return nil
}

// Get returns a defensive copy of one instance, or unknown_instance.
func (r *Registry) Get(label string) (Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, exists := r.instances[label]
	if !exists {
		return Instance{}, &RegistryError{Label: label, Code: "unknown_instance"}
	}
	return *inst, nil
}

// Snapshot returns a defensive copy of every instance, for
// get_agent_instances/get_agent_states.
func (r *Registry) Snapshot() []Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, *inst)
	}
	return out
}

// setState mutates one instance's lifecycle fields. It is called from the
// orchestrator event loop and from StartInstance on its caller's goroutine.
func (r *Registry) setState(label string, state InstanceState, detail string, pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, exists := r.instances[label]
	if !exists {
		return
	}
	inst.State = state
	inst.Detail = detail
	inst.PID = pid
	inst.UpdatedAt = time.Now().UTC()
}

// updateSpec replaces the configuration of an existing, inactive instance,
// for update_agent_instance.
func (r *Registry) updateSpec(label string, spec InstanceSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, exists := r.instances[label]
	if !exists {
		return &RegistryError{Label: label, Code: "unknown_instance"}
	}
	if inst.State == InstanceRunning || inst.State == InstanceShuttingDown {
		return &RegistryError{Label: label, Code: "invalid_state_transition"}
	}
	spec.Label = label
	inst.Spec = spec
	inst.TemplateID = spec.TemplateID
	inst.UpdatedAt = time.Now().UTC()
	return nil
}
