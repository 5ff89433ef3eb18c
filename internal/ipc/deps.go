package ipc

import "encoding/json"

// The collaborators below are optional. cmd/operations wires in the packages
// backing them (internal/pluginstore, internal/config, internal/metrics,
// internal/widget, internal/pluginvalidator); a nil collaborator makes its
// commands answer operations_not_managed rather than panic, so the server is
// usable standalone, as in its own tests.

// TemplateSummary is one entry of list_agent_templates.
type TemplateSummary struct {
	TemplateID string `json:"template_id"`
	Script     string `json:"script"`
}

// TemplateLister backs get_registered_plugins / list_agent_templates.
type TemplateLister interface {
	ListTemplates() ([]TemplateSummary, error)
}

// MonitorSettings is the recognized set from SPEC_FULL.md/spec.md §6.2.
type MonitorSettings struct {
	PollTickS        float64 `json:"poll_tick_s"`
	CooldownSeconds  int     `json:"cooldown_seconds"`
	ConsoleVerbosity string  `json:"console_verbosity"`
}

// SettingsStore backs get_monitor_settings / update_monitor_settings.
type SettingsStore interface {
	GetSettings() (MonitorSettings, error)
	UpdateSettings(MonitorSettings) error
}

// RuntimePerf backs get_runtime_perf.
type RuntimePerf struct {
	Data json.RawMessage `json:"data"`
}

// MetricsProvider backs get_runtime_perf.
type MetricsProvider interface {
	Snapshot() (RuntimePerf, error)
}

// WidgetFrame is the response payload for request_widget_render — never
// persisted to the evidence plane, per §6.1.
type WidgetFrame struct {
	Label string          `json:"label"`
	Frame json.RawMessage `json:"frame"`
}

// WidgetHost backs get_widget_manifest / request_widget_render /
// dispatch_widget_action.
type WidgetHost interface {
	Manifest() (json.RawMessage, error)
	RequestRender(label string) (WidgetFrame, error)
	DispatchAction(label string, action json.RawMessage) error
}

// ArchiveInfo backs inspect_plugin_archive.
type ArchiveInfo struct {
	TemplateID string `json:"template_id"`
	Version    string `json:"version"`
	Signed     bool   `json:"signed"`
}

// PluginManager backs inspect_plugin_archive / install_plugin / upgrade_plugin.
type PluginManager interface {
	InspectArchive(path string) (ArchiveInfo, error)
	InstallPlugin(path string) error
	UpgradePlugin(path string) error
}

// Deps bundles the Server's optional collaborators. Any nil field makes its
// commands answer operations_not_managed.
type Deps struct {
	Templates TemplateLister
	Settings  SettingsStore
	Metrics   MetricsProvider
	Widgets   WidgetHost
	Plugins   PluginManager
}
