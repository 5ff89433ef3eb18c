// Package main implements mimolo-agentshim, a minimal JLP-speaking
// subprocess used by integration tests and local smoke-testing of the
// supervisor/session/orchestrator chain. It is not part of the product
// surface Control depends on — it exists so tests spawn a real child
// process instead of mocking exec.Cmd.
//
// Protocol: reads one jlp.Command per line on stdin, writes one
// jlp.Message per line on stdout, both newline-delimited JSON.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mimolo/operations/internal/jlp"
)

func main() {
	agentID := flag.String("agent-id", "shim-agent", "agent_id advertised in the handshake")
	agentLabel := flag.String("agent-label", "shim", "agent_label advertised in the handshake")
	protocolVersion := flag.String("protocol-version", "1.0", "protocol_version advertised in the handshake")
	heartbeatIntervalS := flag.Float64("heartbeat-interval-s", 0, "heartbeat cadence; 0 disables heartbeats")
	flag.Parse()

	out := bufio.NewWriter(os.Stdout)
	shim := &shim{
		agentID:    *agentID,
		agentLabel: *agentLabel,
		protocol:   *protocolVersion,
		out:        out,
	}

	if err := shim.sendHandshake(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var heartbeat <-chan time.Time
	if *heartbeatIntervalS > 0 {
		ticker := time.NewTicker(time.Duration(*heartbeatIntervalS * float64(time.Second)))
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	commands := make(chan jlp.Command)
	go shim.readCommands(commands)

	for {
		select {
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			if done := shim.handle(cmd); done {
				return
			}
		case <-heartbeat:
			_ = shim.send(jlp.MessageHeartbeat, json.RawMessage(`{}`))
		}
	}
}

type shim struct {
	agentID    string
	agentLabel string
	protocol   string
	out        *bufio.Writer

	sequence int
}

func (s *shim) readCommands(out chan<- jlp.Command) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		var cmd jlp.Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			continue
		}
		out <- cmd
	}
}

// handle applies one command, returning done=true once the shim should
// exit (stop/shutdown, or a rejected handshake).
func (s *shim) handle(cmd jlp.Command) (done bool) {
	switch cmd.Cmd {
	case jlp.CommandAck:
		return false
	case jlp.CommandReject:
		return true
	case jlp.CommandFlush:
		s.sequence++
		_ = s.send(jlp.MessageSummary, summaryData(s.sequence))
		return false
	case jlp.CommandStatus:
		_ = s.send(jlp.MessageStatus, json.RawMessage(`{"state":"running"}`))
		return false
	case jlp.CommandWidgetRender:
		_ = s.send(jlp.MessageWidgetFrame, json.RawMessage(fmt.Sprintf(`{"rows":%d}`, s.sequence)))
		return false
	case jlp.CommandWidgetAction:
		_ = s.send(jlp.MessageAck, json.RawMessage(`{"action":"acknowledged"}`))
		return false
	case jlp.CommandSequence:
		for _, sub := range cmd.Sequence {
			if s.handle(jlp.Command{Cmd: sub}) {
				return true
			}
		}
		return false
	case jlp.CommandStop, jlp.CommandShutdown:
		s.sequence++
		_ = s.send(jlp.MessageSummary, summaryData(s.sequence))
		return true
	default:
		return false
	}
}

func summaryData(sequence int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"sequence":%d,"end_time":%q}`, sequence, time.Now().UTC().Format(time.RFC3339)))
}

func (s *shim) sendHandshake() error {
	msg := jlp.Message{
		Type:            jlp.MessageHandshake,
		Timestamp:       time.Now().UTC(),
		AgentID:         s.agentID,
		AgentLabel:      s.agentLabel,
		ProtocolVersion: s.protocol,
		AgentVersion:    "0.1.0-shim",
		Data:            json.RawMessage(`{}`),
		MinAppVersion:   "0.0.0",
		Capabilities:    []string{"summary", "heartbeat", "status", "widget_frame"},
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := s.out.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *shim) send(t jlp.MessageType, data json.RawMessage) error {
	msg := jlp.Message{
		Type:            t,
		Timestamp:       time.Now().UTC(),
		AgentID:         s.agentID,
		AgentLabel:      s.agentLabel,
		ProtocolVersion: s.protocol,
		AgentVersion:    "0.1.0-shim",
		Data:            data,
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := s.out.Write(line); err != nil {
		return err
	}
	return s.out.Flush()
}
