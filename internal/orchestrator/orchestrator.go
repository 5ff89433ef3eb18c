package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/flush"
	"github.com/mimolo/operations/internal/metrics"
	"github.com/mimolo/operations/internal/session"
	"github.com/mimolo/operations/internal/sink"
	"github.com/mimolo/operations/internal/supervisor"
	"github.com/mimolo/operations/internal/widget"
)

// restartableDetail is the set of error details that trigger the restart
// policy rather than sticking the instance at error permanently.
var restartableDetail = map[string]bool{
	"spawn_error":         true,
	"exited_unexpectedly": true,
	"heartbeat_lost":      true,
}

// Config configures one Orchestrator instance.
type Config struct {
	DataDir            string
	EvidencePath       string
	DiagnosticsPath    string
	AdvertisedProtocol string
	AppVersion         string
	RotateBytes        int
	RotateKeep         int
}

// Orchestrator is the single logical event loop coordinating session
// ingress, restart scheduling, and sink routing, per SPEC_FULL.md §4.6.
// Session events are processed on the one goroutine running Run, fed by a
// bounded inbox. Add/Remove/Update/StartInstance write the registry on
// their caller's goroutine instead; the registry's lock serializes both.
type Orchestrator struct {
	cfg        Config
	logger     *zap.Logger
	registry   *Registry
	supervisor *supervisor.Supervisor
	flushSched *flush.Scheduler
	restarts   *restartPolicy

	evidence    *sink.Writer
	diagnostics *sink.Writer

	mu       sync.Mutex
	sessions map[string]*session.Session

	inbox        chan loopEvent
	stateChanged chan struct{}

	metrics *metrics.Registry
	widgets *widget.Cache
}

type loopEvent struct {
	label string
	ev    session.Event
}

// New builds an Orchestrator and its owned components (sinks, flush
// scheduler, restart policy) but does not start any of them — call Run.
func New(cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	logger = logger.Named("orchestrator")

	evidence, err := sink.New("evidence", sink.Options{
		Path: cfg.EvidencePath, RotateBytes: cfg.RotateBytes, RotateKeep: cfg.RotateKeep, FsyncOnWrite: true,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open evidence sink: %w", err)
	}
	diagnostics, err := sink.New("diagnostics", sink.Options{
		Path: cfg.DiagnosticsPath, RotateBytes: cfg.RotateBytes, RotateKeep: cfg.RotateKeep,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: open diagnostics sink: %w", err)
	}

	flushSched, err := flush.New(func(err error) bool { return errors.Is(err, supervisor.ErrStdinFull) }, logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create flush scheduler: %w", err)
	}

	restarts, err := newRestartPolicy(logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create restart policy: %w", err)
	}

	return &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		registry:     NewRegistry(logger),
		supervisor:   supervisor.New(logger),
		flushSched:   flushSched,
		restarts:     restarts,
		evidence:     evidence,
		diagnostics:  diagnostics,
		sessions:     make(map[string]*session.Session),
		inbox:        make(chan loopEvent, 256),
		stateChanged: make(chan struct{}, 1),
	}, nil
}

// Registry exposes the instance table for IPC read handlers
// (get_agent_instances, get_agent_states).
func (o *Orchestrator) Registry() *Registry { return o.registry }

// SetMetrics attaches the metrics Registry that receives restart counts and
// backs get_runtime_perf's live CPU/memory samples. Optional — a nil
// receiver never gets it, and every call site below guards against it
// being unset.
func (o *Orchestrator) SetMetrics(m *metrics.Registry) { o.metrics = m }

// SetWidgetCache attaches the widget.Cache that receives every widget_frame
// message the orchestrator observes on the rendering plane. Optional — a
// nil cache just means widget_frame messages are dropped, as they were
// before this cache existed.
func (o *Orchestrator) SetWidgetCache(c *widget.Cache) { o.widgets = c }

// SendWidgetAction dispatches a widget_action command to label's running
// session, the handler for dispatch_widget_action.
func (o *Orchestrator) SendWidgetAction(label string, action []byte) error {
	o.mu.Lock()
	sess, ok := o.sessions[label]
	o.mu.Unlock()
	if !ok {
		return &RegistryError{Label: label, Code: "unknown_instance"}
	}
	return sess.SendWidgetAction(action)
}

// Instances implements metrics.InstanceSource, the live view the metrics
// Registry samples CPU/memory against at get_runtime_perf time.
func (o *Orchestrator) Instances() []metrics.InstanceView {
	snapshot := o.registry.Snapshot()
	out := make([]metrics.InstanceView, 0, len(snapshot))
	for _, inst := range snapshot {
		out = append(out, metrics.InstanceView{Label: inst.Label, State: string(inst.State), PID: inst.PID})
	}
	return out
}

// StateChanges signals once (dropping further signals until drained)
// whenever any instance is added, removed, updated, or changes lifecycle
// state — the notification source for `get_agent_states watch` subscribers.
func (o *Orchestrator) StateChanges() <-chan struct{} { return o.stateChanged }

func (o *Orchestrator) notifyStateChanged() {
	select {
	case o.stateChanged <- struct{}{}:
	default:
	}
}

// Run drives the event loop until ctx is cancelled, then shuts down every
// running instance and the owned components.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.flushSched.Start(ctx); err != nil {
		return err
	}
	go o.evidence.Run()
	go o.diagnostics.Run()
	go o.drainSinkErrors(o.evidence, "evidence")
	go o.drainSinkErrors(o.diagnostics, "diagnostics")

	for {
		select {
		case <-ctx.Done():
			o.shutdownAll()
			_ = o.restarts.stop()
			_ = o.evidence.Close()
			_ = o.diagnostics.Close()
			return nil

		case esc := <-o.flushSched.Escalations():
			o.registry.setState(esc.Label, InstanceError, esc.Detail, 0)
			o.diagnostics.Enqueue(sink.Record{
				Timestamp: time.Now().UTC(), Label: esc.Label, Event: "flush_escalation",
				Data: rawJSON(map[string]string{"detail": esc.Detail}),
			})

		case le := <-o.inbox:
			o.processEvent(ctx, le)
		}
	}
}

func (o *Orchestrator) drainSinkErrors(w *sink.Writer, plane string) {
	for err := range w.Errors() {
		o.logger.Warn("sink write failed", zap.String("plane", plane), zap.Error(err))
	}
}

// AddInstance registers a new inactive Agent Instance.
func (o *Orchestrator) AddInstance(spec InstanceSpec) (*Instance, error) {
	inst, err := o.registry.Add(spec)
	if err == nil {
		o.notifyStateChanged()
	}
	return inst, err
}

// RemoveInstance deletes an inactive (or errored) instance.
func (o *Orchestrator) RemoveInstance(label string) error {
	err := o.registry.Remove(label)
	if err == nil {
		o.notifyStateChanged()
		if o.metrics != nil {
			o.metrics.Forget(label)
		}
		if o.widgets != nil {
			o.widgets.Forget(label)
		}
	}
	return err
}

// UpdateInstance replaces the configuration of an inactive instance.
func (o *Orchestrator) UpdateInstance(label string, spec InstanceSpec) error {
	err := o.registry.updateSpec(label, spec)
	if err == nil {
		o.notifyStateChanged()
	}
	return err
}

// ListInstances returns a snapshot of every instance.
func (o *Orchestrator) ListInstances() []Instance { return o.registry.Snapshot() }

// GetInstance returns one instance's current snapshot.
func (o *Orchestrator) GetInstance(label string) (Instance, error) { return o.registry.Get(label) }

// StartInstance spawns the configured subprocess for label and begins its
// Session, the handler for `start_agent`.
func (o *Orchestrator) StartInstance(ctx context.Context, label string) error {
	inst, err := o.registry.Get(label)
	if err != nil {
		return err
	}
	if inst.State == InstanceRunning || inst.State == InstanceShuttingDown {
		return &RegistryError{Label: label, Code: "invalid_state_transition"}
	}

	agentID := uuid.NewString()
	h, err := o.supervisor.Spawn(ctx, supervisor.Spec{
		Label:      label,
		AgentID:    agentID,
		Executable: inst.Spec.Executable,
		Args:       inst.Spec.Args,
		DataDir:    filepath.Join(o.cfg.DataDir, "agents", inst.TemplateID, label),
	})
	if err != nil {
		o.registry.setState(label, InstanceError, "spawn_error", 0)
		o.notifyStateChanged()
		return err
	}
	o.registry.setState(label, InstanceRunning, "", h.Pid)
	o.notifyStateChanged()

	sess := session.New(session.Config{
		Label:               label,
		AdvertisedProtocol:  o.cfg.AdvertisedProtocol,
		AppVersion:          o.cfg.AppVersion,
		HeartbeatIntervalS:  inst.Spec.HeartbeatIntervalS,
		AgentFlushIntervalS: inst.Spec.AgentFlushIntervalS,
	}, h, o.logger)

	o.mu.Lock()
	o.sessions[label] = sess
	o.mu.Unlock()

	if inst.Spec.AgentFlushIntervalS > 0 {
		o.flushSched.Register(label, inst.Spec.AgentFlushIntervalS, sess.Flush)
	}

	go o.runSession(ctx, label, sess)
	return nil
}

// StopInstance requests the graceful shutdown sequence for a running
// instance, the handler for `stop_agent`. Idempotent on an
// already-inactive instance: it returns ("already_inactive", nil) rather
// than erroring, since "label never existed" (unknown_instance) and
// "label exists but isn't running" are distinct outcomes.
func (o *Orchestrator) StopInstance(label string) (string, error) {
	o.mu.Lock()
	sess, running := o.sessions[label]
	o.mu.Unlock()
	if running {
		sess.Stop()
		return "", nil
	}

	if _, err := o.registry.Get(label); err != nil {
		return "", err
	}
	return "already_inactive", nil
}

// RestartInstance stops then restarts a running instance immediately,
// bypassing the backoff schedule — the handler for `restart_agent`.
func (o *Orchestrator) RestartInstance(ctx context.Context, label string) error {
	if _, err := o.StopInstance(label); err != nil {
		return err
	}
	o.restarts.reset(label)
	return nil
}

// runSession pumps one session's Run loop and forwards its Events into the
// orchestrator's inbox for serialized processing, then tears down its
// bookkeeping once the session terminates.
func (o *Orchestrator) runSession(ctx context.Context, label string, sess *session.Session) {
	go sess.Run(ctx)
	for ev := range sess.Events() {
		o.inbox <- loopEvent{label: label, ev: ev}
	}
	o.flushSched.Unregister(label)
	o.mu.Lock()
	delete(o.sessions, label)
	o.mu.Unlock()
}

// processEvent applies one session Event to the registry and sinks. It
// only ever runs on the Run goroutine.
func (o *Orchestrator) processEvent(ctx context.Context, le loopEvent) {
	switch le.ev.Kind {
	case session.EventStateChanged:
		o.applyStateChange(ctx, le.label, le.ev)
	case session.EventSinkWrite:
		o.routeSinkWrite(le.label, le.ev)
	}
}

func (o *Orchestrator) applyStateChange(ctx context.Context, label string, ev session.Event) {
	defer o.notifyStateChanged()
	switch ev.State {
	case session.StateRunning:
		o.registry.setState(label, InstanceRunning, "", 0)
		o.restarts.reset(label)

	case session.StateShuttingDown:
		o.registry.setState(label, InstanceShuttingDown, "", 0)

	case session.StateExited:
		o.registry.setState(label, InstanceInactive, "", 0)

	case session.StateErrored:
		o.registry.setState(label, InstanceError, ev.Detail, 0)
		o.diagnostics.Enqueue(sink.Record{
			Timestamp: time.Now().UTC(), Label: label, Event: "session_error",
			Data: rawJSON(map[string]string{"detail": ev.Detail}),
		})
		o.maybeScheduleRestart(ctx, label, ev.Detail)
	}
}

// maybeScheduleRestart implements the restart policy from SPEC_FULL.md
// §4.6: exponential backoff with jitter, unless the instance has exceeded
// max_consecutive_restart_failures within restart_failure_window, in which
// case it sticks at error.
func (o *Orchestrator) maybeScheduleRestart(ctx context.Context, label string, detail string) {
	if !restartableDetail[detail] {
		return
	}
	if o.restarts.recordFailure(label) {
		o.diagnostics.Enqueue(sink.Record{
			Timestamp: time.Now().UTC(), Label: label, Event: "restart_exhausted",
			Data: rawJSON(map[string]string{"detail": detail}),
		})
		return
	}
	delay, err := o.restarts.schedule(label, func() {
		if startErr := o.StartInstance(ctx, label); startErr != nil {
			o.logger.Warn("scheduled restart failed", zap.String("label", label), zap.Error(startErr))
		}
	})
	if err != nil {
		o.logger.Warn("failed to schedule restart", zap.String("label", label), zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordRestart(label)
	}
	o.logger.Info("restart scheduled after error", zap.String("label", label), zap.String("detail", detail), zap.Duration("delay", delay))
}

// routeSinkWrite writes a decoded message to the plane session.PlaneFor
// selects, skipping the ephemeral rendering plane (widget_frame is never
// persisted, per §6.1).
func (o *Orchestrator) routeSinkWrite(label string, ev session.Event) {
	if ev.Message == nil {
		if ev.Detail != "" {
			o.diagnostics.Enqueue(sink.Record{
				Timestamp: time.Now().UTC(), Label: label, Event: "protocol_error",
				Data: rawJSON(map[string]string{"detail": ev.Detail}),
			})
		}
		return
	}

	plane := session.PlaneFor(ev.Message.Type)
	if plane == session.PlaneRendering {
		if o.widgets != nil {
			o.widgets.Put(label, ev.Message.Data)
		}
		return
	}

	rec := sink.Record{
		Timestamp: ev.Message.Timestamp,
		Label:     label,
		Event:     string(ev.Message.Type),
		Data:      ev.Message.Data,
	}
	if plane == session.PlaneEvidence {
		o.evidence.Enqueue(rec)
	} else {
		o.diagnostics.Enqueue(rec)
	}
}

// shutdownAll requests a graceful stop on every running session and gives
// them up to one graceful_exit_timeout-scaled grace period to drain before
// Run returns; each Session already escalates to a graceful and then a
// forceful signal on its own graceful_exit_timeout.
func (o *Orchestrator) shutdownAll() {
	o.mu.Lock()
	labels := make([]string, 0, len(o.sessions))
	for label, sess := range o.sessions {
		labels = append(labels, label)
		sess.Stop()
	}
	o.mu.Unlock()

	deadline := time.After(session.DefaultGracefulExitTimeout * 2)
	for len(labels) > 0 {
		select {
		case le := <-o.inbox:
			o.processEvent(context.Background(), le)
			if le.ev.Kind == session.EventStateChanged && (le.ev.State == session.StateExited || le.ev.State == session.StateErrored) {
				labels = removeLabel(labels, le.label)
			}
		case <-deadline:
			return
		}
	}
}

func removeLabel(labels []string, label string) []string {
	for i, l := range labels {
		if l == label {
			return append(labels[:i], labels[i+1:]...)
		}
	}
	return labels
}

func rawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return b
}
