package config

import (
	"context"

	"github.com/mimolo/operations/internal/ipc"
)

// SettingsAdapter adapts a Store to ipc.SettingsStore, narrowing the full
// Runtime down to the `[operations]` table the get_monitor_settings /
// update_monitor_settings commands expose.
type SettingsAdapter struct {
	store *Store
}

// NewSettingsAdapter returns an ipc.SettingsStore backed by store.
func NewSettingsAdapter(store *Store) *SettingsAdapter {
	return &SettingsAdapter{store: store}
}

// GetSettings implements ipc.SettingsStore.
func (a *SettingsAdapter) GetSettings() (ipc.MonitorSettings, error) {
	rt, err := a.store.Load()
	if err != nil {
		return ipc.MonitorSettings{}, err
	}
	return ipc.MonitorSettings{
		PollTickS:        rt.Operations.PollTickS,
		CooldownSeconds:  rt.Operations.CooldownSeconds,
		ConsoleVerbosity: rt.Operations.ConsoleVerbosity,
	}, nil
}

// UpdateSettings implements ipc.SettingsStore: read-modify-write under the
// Store's file lock, touching only the `[operations]` table.
func (a *SettingsAdapter) UpdateSettings(settings ipc.MonitorSettings) error {
	_, err := a.store.Update(context.Background(), func(rt *Runtime) error {
		rt.Operations.PollTickS = settings.PollTickS
		rt.Operations.CooldownSeconds = settings.CooldownSeconds
		rt.Operations.ConsoleVerbosity = settings.ConsoleVerbosity
		return nil
	})
	return err
}
