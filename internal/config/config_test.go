package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mimolo/operations/internal/ipc"
)

func TestLoad_MissingFileReturnsEmptyRuntime(t *testing.T) {
	rt, err := Load(filepath.Join(t.TempDir(), "runtime.toml"))
	require.NoError(t, err)
	require.NotNil(t, rt.Instances)
	require.NotNil(t, rt.Plugins)
	require.Empty(t, rt.Instances)
}

func TestLoad_DecodesRecognizedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.toml")
	contents := `
[operations]
poll_tick_s = 0.5
cooldown_seconds = 30
console_verbosity = "info"

[instances.folderwatch]
enabled = true
executable = "python3"
args = ["-m", "agents.folderwatch"]
heartbeat_interval_s = 5.0
agent_flush_interval_s = 1.0
launch_in_separate_terminal = false
cpu_budget_percent = 10.0
template_id = "folderwatch"

[plugins.folderwatch]
template_id = "folderwatch"
[plugins.folderwatch.config]
watch_dir = "/tmp/watched"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	rt, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.5, rt.Operations.PollTickS)
	require.Equal(t, 30, rt.Operations.CooldownSeconds)
	require.Equal(t, "info", rt.Operations.ConsoleVerbosity)

	inst, ok := rt.Instances["folderwatch"]
	require.True(t, ok)
	require.True(t, inst.Enabled)
	require.Equal(t, "python3", inst.Executable)
	require.Equal(t, []string{"-m", "agents.folderwatch"}, inst.Args)
	require.Equal(t, 10.0, inst.CPUBudgetPercent)

	plugin, ok := rt.Plugins["folderwatch"]
	require.True(t, ok)
	require.Equal(t, "/tmp/watched", plugin.Config["watch_dir"])
}

func TestStore_UpdatePersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.toml")
	store := NewStore(path)

	_, err := store.Update(context.Background(), func(rt *Runtime) error {
		rt.Operations.PollTickS = 1.5
		rt.Instances["folderwatch"] = Instance{Enabled: true, Executable: "python3"}
		return nil
	})
	require.NoError(t, err)

	rt, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 1.5, rt.Operations.PollTickS)
	require.True(t, rt.Instances["folderwatch"].Enabled)
}

func TestStore_UpdateSeesPriorWritesOnEachCall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.toml")
	store := NewStore(path)

	for i := 0; i < 3; i++ {
		_, err := store.Update(context.Background(), func(rt *Runtime) error {
			rt.Operations.CooldownSeconds++
			return nil
		})
		require.NoError(t, err)
	}

	rt, err := store.Load()
	require.NoError(t, err)
	require.Equal(t, 3, rt.Operations.CooldownSeconds)
}

func TestSettingsAdapter_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.toml")
	adapter := NewSettingsAdapter(NewStore(path))

	err := adapter.UpdateSettings(ipc.MonitorSettings{PollTickS: 0.25, CooldownSeconds: 60, ConsoleVerbosity: "debug"})
	require.NoError(t, err)

	got, err := adapter.GetSettings()
	require.NoError(t, err)
	require.Equal(t, 0.25, got.PollTickS)
	require.Equal(t, 60, got.CooldownSeconds)
	require.Equal(t, "debug", got.ConsoleVerbosity)
}
