package metrics

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	instances []InstanceView
}

func (f fakeSource) Instances() []InstanceView { return f.instances }

func TestRegistry_SnapshotSamplesLiveProcessForRunningInstance(t *testing.T) {
	reg := New(zap.NewNop())
	source := fakeSource{instances: []InstanceView{
		{Label: "folderwatch", State: "running", PID: os.Getpid()},
		{Label: "idle", State: "inactive", PID: 0},
	}}

	perf, err := reg.Snapshot(context.Background(), source)
	require.NoError(t, err)

	var rows []InstanceSnapshot
	require.NoError(t, json.Unmarshal(perf.Data, &rows))
	require.Len(t, rows, 2)

	byLabel := map[string]InstanceSnapshot{}
	for _, r := range rows {
		byLabel[r.Label] = r
	}
	require.Equal(t, os.Getpid(), byLabel["folderwatch"].PID)
	require.GreaterOrEqual(t, byLabel["folderwatch"].CPUPercent, 0.0)
	require.Equal(t, 0, byLabel["idle"].PID)
	require.Equal(t, uint64(0), byLabel["idle"].MemoryBytes)
}

func TestRegistry_RecordRestartIncrementsCount(t *testing.T) {
	reg := New(zap.NewNop())
	reg.RecordRestart("folderwatch")
	reg.RecordRestart("folderwatch")
	reg.RecordRestart("other")

	require.Equal(t, 2, reg.restartCount("folderwatch"))
	require.Equal(t, 1, reg.restartCount("other"))
	require.Equal(t, 0, reg.restartCount("never-restarted"))
}

func TestRegistry_ForgetRemovesSeries(t *testing.T) {
	reg := New(zap.NewNop())
	reg.RecordRestart("folderwatch")
	require.Equal(t, 1, reg.restartCount("folderwatch"))

	reg.Forget("folderwatch")
	require.Equal(t, 0, reg.restartCount("folderwatch"))
}

func TestRegistry_SnapshotIncludesRestartCount(t *testing.T) {
	reg := New(zap.NewNop())
	reg.RecordRestart("folderwatch")
	reg.RecordRestart("folderwatch")

	source := fakeSource{instances: []InstanceView{{Label: "folderwatch", State: "running", PID: 0}}}
	perf, err := reg.Snapshot(context.Background(), source)
	require.NoError(t, err)

	var rows []InstanceSnapshot
	require.NoError(t, json.Unmarshal(perf.Data, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, 2, rows[0].RestartCount)
}
