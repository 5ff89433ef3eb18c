// Package config loads, merges, and persists the runtime TOML that
// describes which agents the core manages and how. It owns the one file
// on disk every other component treats as the source of truth for
// per-instance and global settings.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Instance is the recognized per-agent shape under runtime.toml's
// top-level instance tables.
type Instance struct {
	Enabled                  bool     `toml:"enabled"`
	Executable               string   `toml:"executable"`
	Args                     []string `toml:"args"`
	HeartbeatIntervalS       float64  `toml:"heartbeat_interval_s"`
	AgentFlushIntervalS      float64  `toml:"agent_flush_interval_s"`
	LaunchInSeparateTerminal bool     `toml:"launch_in_separate_terminal"`
	CPUBudgetPercent         float64  `toml:"cpu_budget_percent"`
	TemplateID               string   `toml:"template_id"`
}

// Operations is the `[operations]` table: core timers and global tuning
// that apply across every managed agent.
type Operations struct {
	PollTickS             float64 `toml:"poll_tick_s"`
	CooldownSeconds       int     `toml:"cooldown_seconds"`
	ConsoleVerbosity      string  `toml:"console_verbosity"`
	WidgetCacheCapacity   int     `toml:"widget_cache_capacity"`
	WidgetCacheTTLSeconds float64 `toml:"widget_cache_ttl_seconds"`
}

// Plugin is one `[plugins.<label>]` table: per-installation overrides for
// an Agent Template's default config, keyed by label in Runtime.Plugins.
type Plugin struct {
	TemplateID string         `toml:"template_id"`
	Config     map[string]any `toml:"config"`
}

// Runtime is the strongly typed form of runtime.toml. Only the keys
// enumerated here are recognized; BurntSushi/toml's decode ignores any
// other key without an error, and since only these fields are encoded
// back out, unrecognized keys are dropped when Store rewrites the file.
type Runtime struct {
	Operations Operations          `toml:"operations"`
	Instances  map[string]Instance `toml:"instances"`
	Plugins    map[string]Plugin   `toml:"plugins"`
}

// Load decodes the runtime TOML at path. A missing file is not an error —
// it returns a zero-value Runtime, the same "nothing configured yet"
// posture the bootstrap stage's seeded default establishes on first run.
func Load(path string) (Runtime, error) {
	var rt Runtime
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Runtime{Instances: map[string]Instance{}, Plugins: map[string]Plugin{}}, nil
		}
		return Runtime{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), &rt); err != nil {
		return Runtime{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if rt.Instances == nil {
		rt.Instances = map[string]Instance{}
	}
	if rt.Plugins == nil {
		rt.Plugins = map[string]Plugin{}
	}
	return rt, nil
}
