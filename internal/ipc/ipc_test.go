package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/orchestrator"
)

func newTestServer(t *testing.T, deps Deps) (*Server, *orchestrator.Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	orch, err := orchestrator.New(orchestrator.Config{
		DataDir:            dir,
		EvidencePath:       filepath.Join(dir, "evidence.jsonl"),
		DiagnosticsPath:    filepath.Join(dir, "diagnostics.jsonl"),
		AdvertisedProtocol: "0.3",
		AppVersion:         "1.0.0",
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go orch.Run(ctx)

	sockPath := filepath.Join(dir, "control.sock")
	srv, err := New(sockPath, orch, deps, nil, zap.NewNop())
	require.NoError(t, err)

	go srv.Serve(ctx)
	return srv, orch, sockPath
}

// testClient dials the socket and gives each test a request/response
// round-trip helper over newline-delimited JSON.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Scanner
}

func dial(t *testing.T, path string) *testClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 20; i++ {
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewScanner(conn)}
}

func (c *testClient) send(cmd, requestID string, args map[string]any) {
	c.t.Helper()
	msg := map[string]any{"cmd": cmd, "request_id": requestID}
	for k, v := range args {
		msg[k] = v
	}
	line, err := json.Marshal(msg)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(line, '\n'))
	require.NoError(c.t, err)
}

func (c *testClient) recv() Response {
	c.t.Helper()
	require.True(c.t, c.r.Scan(), "expected a response line")
	var resp Response
	require.NoError(c.t, json.Unmarshal(c.r.Bytes(), &resp))
	return resp
}

func TestIPC_Ping(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("ping", "r1", nil)
	resp := cl.recv()
	require.True(t, resp.Ok)
	require.Equal(t, "ping", resp.Cmd)
	require.Equal(t, "r1", resp.RequestID)
}

func TestIPC_AddStartStopRemoveInstance(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("add_agent_instance", "r1", map[string]any{
		"label": "folderwatch", "template_id": "tmpl.folderwatch", "executable": "/bin/sh",
		"args": []string{"-c", `echo '{"type":"handshake","timestamp":"2026-07-31T00:00:00Z","agent_id":"a1","agent_label":"folderwatch","protocol_version":"0.3","agent_version":"1.0","data":{},"min_app_version":"1.0.0","capabilities":["summary"]}'; trap 'exit 0' TERM; while true; do sleep 0.05; done`},
	})
	addResp := cl.recv()
	require.True(t, addResp.Ok, addResp.Error)

	cl.send("start_agent", "r2", map[string]any{"label": "folderwatch"})
	startResp := cl.recv()
	require.True(t, startResp.Ok, startResp.Error)

	cl.send("stop_agent", "r3", map[string]any{"label": "folderwatch"})
	stopResp := cl.recv()
	require.True(t, stopResp.Ok, stopResp.Error)

	// The child never acknowledges stop/flush, so it is only signalled
	// after the 5s default graceful_exit_timeout.
	deadline := time.Now().Add(8 * time.Second)
	for {
		cl.send("get_agent_instances", "r4", nil)
		listResp := cl.recv()
		require.True(t, listResp.Ok)
		var insts []instanceView
		require.NoError(t, json.Unmarshal(listResp.Data, &insts))
		if len(insts) == 1 && insts[0].State == "inactive" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("instance did not settle to inactive: %+v", insts)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cl.send("remove_agent_instance", "r5", map[string]any{"label": "folderwatch"})
	removeResp := cl.recv()
	require.True(t, removeResp.Ok, removeResp.Error)
}

func TestIPC_AddDuplicateLabelConflicts(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	args := map[string]any{"label": "dup", "template_id": "t", "executable": "/bin/sh"}
	cl.send("add_agent_instance", "r1", args)
	require.True(t, cl.recv().Ok)

	cl.send("add_agent_instance", "r2", args)
	resp := cl.recv()
	require.False(t, resp.Ok)
	require.Equal(t, ErrLabelConflict, resp.Error)
}

func TestIPC_StopAgentIsIdempotentOnInactiveInstance(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("add_agent_instance", "r1", map[string]any{
		"label": "folderwatch", "template_id": "tmpl.folderwatch", "executable": "/bin/sh",
	})
	require.True(t, cl.recv().Ok)

	cl.send("stop_agent", "r2", map[string]any{"label": "folderwatch"})
	resp := cl.recv()
	require.True(t, resp.Ok, resp.Error)

	var data struct {
		Label  string `json:"label"`
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	require.Equal(t, "already_inactive", data.Detail)
}

func TestIPC_UnknownInstanceOnStart(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("start_agent", "r1", map[string]any{"label": "does-not-exist"})
	resp := cl.recv()
	require.False(t, resp.Ok)
	require.Equal(t, ErrUnknownInstance, resp.Error)
}

func TestIPC_UnmanagedCollaboratorAnswersNotManaged(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("get_monitor_settings", "r1", nil)
	resp := cl.recv()
	require.False(t, resp.Ok)
	require.Equal(t, ErrNotManaged, resp.Error)
}

type stubSettings struct{ settings MonitorSettings }

func (s *stubSettings) GetSettings() (MonitorSettings, error) { return s.settings, nil }
func (s *stubSettings) UpdateSettings(m MonitorSettings) error {
	s.settings = m
	return nil
}

func TestIPC_SettingsRoundTrip(t *testing.T) {
	store := &stubSettings{settings: MonitorSettings{PollTickS: 1, CooldownSeconds: 5, ConsoleVerbosity: "info"}}
	_, _, sockPath := newTestServer(t, Deps{Settings: store})
	cl := dial(t, sockPath)

	cl.send("get_monitor_settings", "r1", nil)
	resp := cl.recv()
	require.True(t, resp.Ok)
	var got MonitorSettings
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	require.Equal(t, 5, got.CooldownSeconds)

	cl.send("update_monitor_settings", "r2", map[string]any{
		"poll_tick_s": 2.0, "cooldown_seconds": 10, "console_verbosity": "debug",
	})
	updateResp := cl.recv()
	require.True(t, updateResp.Ok, updateResp.Error)
	require.Equal(t, 10, store.settings.CooldownSeconds)
}

func TestIPC_InvalidJSONLine(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	_, err := cl.conn.Write([]byte("not json\n"))
	require.NoError(t, err)
	resp := cl.recv()
	require.False(t, resp.Ok)
	require.Equal(t, ErrInvalidJSON, resp.Error)
}

func TestIPC_MissingLabelFieldReportsMissingField(t *testing.T) {
	_, _, sockPath := newTestServer(t, Deps{})
	cl := dial(t, sockPath)

	cl.send("start_agent", "r1", nil)
	resp := cl.recv()
	require.False(t, resp.Ok)
	require.Equal(t, fmt.Sprintf("missing_field:%s", "label"), resp.Error)
}
