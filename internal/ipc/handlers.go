package ipc

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mimolo/operations/internal/orchestrator"
)

// dispatch routes one decoded Request to its handler and always returns a
// Response — handlers never return a bare error, they fold it into the
// envelope's error field so the worker pool has one uniform reply path.
func (s *Server) dispatch(ctx context.Context, c *Conn, req Request) Response {
	switch req.Cmd {
	case "ping":
		return ok(req.Cmd, req.RequestID, map[string]string{"status": "ok"})

	case "get_agent_instances":
		return ok(req.Cmd, req.RequestID, instancesPayload(s.orch.ListInstances()))

	case "get_agent_states":
		return s.handleGetAgentStates(c, req)

	case "start_agent":
		// The child outlives the request: the worker cancels ctx as soon as
		// dispatch returns, and the spawned process is bound to the context
		// it is started with.
		return s.withLabel(req, func(label string) error { return s.orch.StartInstance(context.WithoutCancel(ctx), label) })

	case "stop_agent":
		return s.handleStopAgent(req)

	case "restart_agent":
		return s.withLabel(req, func(label string) error { return s.orch.RestartInstance(context.WithoutCancel(ctx), label) })

	case "add_agent_instance":
		return s.handleAddAgentInstance(req)

	case "duplicate_agent_instance":
		return s.handleDuplicateAgentInstance(req)

	case "remove_agent_instance":
		return s.withLabel(req, func(label string) error { return s.orch.RemoveInstance(label) })

	case "update_agent_instance":
		return s.handleUpdateAgentInstance(req)

	case "get_registered_plugins", "list_agent_templates":
		return s.handleListTemplates(req)

	case "get_monitor_settings":
		return s.handleGetSettings(req)

	case "update_monitor_settings":
		return s.handleUpdateSettings(req)

	case "get_runtime_perf":
		return s.handleRuntimePerf(req)

	case "get_widget_manifest":
		return s.handleWidgetManifest(req)

	case "request_widget_render":
		return s.handleWidgetRender(req)

	case "dispatch_widget_action":
		return s.handleWidgetAction(req)

	case "inspect_plugin_archive":
		return s.handleInspectArchive(req)

	case "install_plugin":
		return s.handleInstallPlugin(req)

	case "upgrade_plugin":
		return s.handleUpgradePlugin(req)

	case "control_orchestrator":
		return s.handleControlOrchestrator(req)

	case "":
		return errResponse(req.Cmd, req.RequestID, ErrInvalidCmd)

	default:
		return errResponse(req.Cmd, req.RequestID, ErrInvalidCmd)
	}
}

func registryErrorCode(err error) string {
	var rerr *orchestrator.RegistryError
	if asRegistryError(err, &rerr) {
		return rerr.Code
	}
	return ErrInternal
}

func asRegistryError(err error, target **orchestrator.RegistryError) bool {
	if re, ok := err.(*orchestrator.RegistryError); ok {
		*target = re
		return true
	}
	return false
}

func (s *Server) withLabel(req Request, fn func(label string) error) Response {
	var args struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	if err := fn(args.Label); err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.Label})
}

// handleStopAgent handles `stop_agent` separately from the other
// withLabel commands because it must surface StopInstance's
// already_inactive detail on success, not just {label}.
func (s *Server) handleStopAgent(req Request) Response {
	var args struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	detail, err := s.orch.StopInstance(args.Label)
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.Label, "detail": detail})
}

func (s *Server) handleGetAgentStates(c *Conn, req Request) Response {
	var args struct {
		Watch bool `json:"watch"`
	}
	_ = json.Unmarshal(req.Raw, &args)

	if args.Watch {
		s.mu.Lock()
		s.watchers[c] = req.RequestID
		s.mu.Unlock()
	}
	return ok(req.Cmd, req.RequestID, agentStatesPayload(s.orch.ListInstances()))
}

type instanceView struct {
	Label      string `json:"label"`
	TemplateID string `json:"template_id"`
	State      string `json:"state"`
	Detail     string `json:"detail,omitempty"`
	PID        int    `json:"pid,omitempty"`
}

func instancesPayload(insts []orchestrator.Instance) []instanceView {
	out := make([]instanceView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, instanceView{
			Label: inst.Label, TemplateID: inst.TemplateID,
			State: string(inst.State), Detail: inst.Detail, PID: inst.PID,
		})
	}
	return out
}

type agentStateView struct {
	Label  string `json:"label"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

func agentStatesPayload(insts []orchestrator.Instance) []agentStateView {
	out := make([]agentStateView, 0, len(insts))
	for _, inst := range insts {
		out = append(out, agentStateView{Label: inst.Label, State: string(inst.State), Detail: inst.Detail})
	}
	return out
}

type instanceSpecArgs struct {
	Label                    string   `json:"label"`
	TemplateID               string   `json:"template_id"`
	Enabled                  bool     `json:"enabled"`
	Executable               string   `json:"executable"`
	Args                     []string `json:"args"`
	HeartbeatIntervalS       float64  `json:"heartbeat_interval_s"`
	AgentFlushIntervalS      float64  `json:"agent_flush_interval_s"`
	LaunchInSeparateTerminal bool     `json:"launch_in_separate_terminal"`
	CPUBudgetPercent         float64  `json:"cpu_budget_percent"`
}

func (a instanceSpecArgs) toSpec() orchestrator.InstanceSpec {
	return orchestrator.InstanceSpec{
		Label:                    a.Label,
		TemplateID:               a.TemplateID,
		Enabled:                  a.Enabled,
		Executable:               a.Executable,
		Args:                     a.Args,
		HeartbeatIntervalS:       a.HeartbeatIntervalS,
		AgentFlushIntervalS:      a.AgentFlushIntervalS,
		LaunchInSeparateTerminal: a.LaunchInSeparateTerminal,
		CPUBudgetPercent:         a.CPUBudgetPercent,
	}
}

func (s *Server) handleAddAgentInstance(req Request) Response {
	var args instanceSpecArgs
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	if _, err := s.orch.AddInstance(args.toSpec()); err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.Label})
}

func (s *Server) handleUpdateAgentInstance(req Request) Response {
	var args instanceSpecArgs
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	if err := s.orch.UpdateInstance(args.Label, args.toSpec()); err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.Label})
}

func (s *Server) handleDuplicateAgentInstance(req Request) Response {
	var args struct {
		Label    string `json:"label"`
		NewLabel string `json:"new_label"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	if args.NewLabel == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("new_label"))
	}
	src, err := s.orch.GetInstance(args.Label)
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	spec := src.Spec
	spec.Label = args.NewLabel
	if _, err := s.orch.AddInstance(spec); err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.NewLabel})
}

func (s *Server) handleListTemplates(req Request) Response {
	if s.deps.Templates == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	templates, err := s.deps.Templates.ListTemplates()
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, templates)
}

func (s *Server) handleGetSettings(req Request) Response {
	if s.deps.Settings == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	settings, err := s.deps.Settings.GetSettings()
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, settings)
}

func (s *Server) handleUpdateSettings(req Request) Response {
	if s.deps.Settings == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var settings MonitorSettings
	if err := json.Unmarshal(req.Raw, &settings); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if err := s.deps.Settings.UpdateSettings(settings); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, settings)
}

func (s *Server) handleRuntimePerf(req Request) Response {
	if s.deps.Metrics == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	perf, err := s.deps.Metrics.Snapshot()
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, perf)
}

func (s *Server) handleWidgetManifest(req Request) Response {
	if s.deps.Widgets == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	manifest, err := s.deps.Widgets.Manifest()
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, manifest)
}

func (s *Server) handleWidgetRender(req Request) Response {
	if s.deps.Widgets == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var args struct {
		Label string `json:"label"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	frame, err := s.deps.Widgets.RequestRender(args.Label)
	if err != nil {
		if errors.Is(err, ErrWidgetFrameNotCached) {
			return errResponse(req.Cmd, req.RequestID, "widget_frame_not_cached")
		}
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, frame)
}

func (s *Server) handleWidgetAction(req Request) Response {
	if s.deps.Widgets == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var args struct {
		Label  string          `json:"label"`
		Action json.RawMessage `json:"action"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Label == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("label"))
	}
	if err := s.deps.Widgets.DispatchAction(args.Label, args.Action); err != nil {
		return errResponse(req.Cmd, req.RequestID, registryErrorCode(err))
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"label": args.Label})
}

func (s *Server) handleInspectArchive(req Request) Response {
	if s.deps.Plugins == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Path == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("path"))
	}
	info, err := s.deps.Plugins.InspectArchive(args.Path)
	if err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, info)
}

func (s *Server) handleInstallPlugin(req Request) Response {
	if s.deps.Plugins == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Path == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("path"))
	}
	if err := s.deps.Plugins.InstallPlugin(args.Path); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"path": args.Path})
}

func (s *Server) handleUpgradePlugin(req Request) Response {
	if s.deps.Plugins == nil {
		return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
	}
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	if args.Path == "" {
		return errResponse(req.Cmd, req.RequestID, missingField("path"))
	}
	if err := s.deps.Plugins.UpgradePlugin(args.Path); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInternal)
	}
	return ok(req.Cmd, req.RequestID, map[string]string{"path": args.Path})
}

func (s *Server) handleControlOrchestrator(req Request) Response {
	var args struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(req.Raw, &args); err != nil {
		return errResponse(req.Cmd, req.RequestID, ErrInvalidJSON)
	}
	switch args.Action {
	case "shutdown":
		if s.shutdown == nil {
			return errResponse(req.Cmd, req.RequestID, ErrNotManaged)
		}
		s.shutdown()
		return ok(req.Cmd, req.RequestID, map[string]string{"action": "shutdown"})
	default:
		return errResponse(req.Cmd, req.RequestID, missingField("action"))
	}
}
