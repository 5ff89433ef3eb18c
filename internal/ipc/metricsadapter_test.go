package ipc

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/metrics"
)

type fakeInstanceSource struct {
	instances []metrics.InstanceView
}

func (f fakeInstanceSource) Instances() []metrics.InstanceView { return f.instances }

func TestMetricsAdapter_SnapshotProducesValidJSON(t *testing.T) {
	registry := metrics.New(zap.NewNop())
	source := fakeInstanceSource{instances: []metrics.InstanceView{
		{Label: "folderwatch", State: "running", PID: os.Getpid()},
	}}
	adapter := NewMetricsAdapter(registry, source)

	perf, err := adapter.Snapshot()
	require.NoError(t, err)
	require.True(t, json.Valid(perf.Data))

	var rows []metrics.InstanceSnapshot
	require.NoError(t, json.Unmarshal(perf.Data, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "folderwatch", rows[0].Label)
}
