// Package jlp implements the line-delimited JSON protocol (JLP) spoken
// between the Operations orchestrator and its supervised Agent subprocesses:
// one JSON object per '\n'-terminated line, UTF-8, uncompressed.
package jlp

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of envelope an agent sends to the
// orchestrator on stdout. The set is additive — new types may be added
// without breaking older orchestrators, but an orchestrator running in
// strict mode rejects any type it does not recognize.
type MessageType string

const (
	MessageHandshake   MessageType = "handshake"
	MessageSummary     MessageType = "summary"
	MessageHeartbeat   MessageType = "heartbeat"
	MessageStatus      MessageType = "status"
	MessageError       MessageType = "error"
	MessageLog         MessageType = "log"
	MessageAck         MessageType = "ack"
	MessageWidgetFrame MessageType = "widget_frame"
)

// knownMessageTypes is consulted by envelope validation in strict mode.
var knownMessageTypes = map[MessageType]bool{
	MessageHandshake:   true,
	MessageSummary:     true,
	MessageHeartbeat:   true,
	MessageStatus:      true,
	MessageError:       true,
	MessageLog:         true,
	MessageAck:         true,
	MessageWidgetFrame: true,
}

// Message is the agent→orchestrator envelope. Data carries the payload
// specific to Type and is preserved verbatim — unknown fields inside Data
// are never rejected, only unknown top-level envelope fields are (and only
// in strict mode).
type Message struct {
	Type            MessageType     `json:"type"`
	Timestamp       time.Time       `json:"timestamp"`
	AgentID         string          `json:"agent_id"`
	AgentLabel      string          `json:"agent_label"`
	ProtocolVersion string          `json:"protocol_version"`
	AgentVersion    string          `json:"agent_version"`
	Data            json.RawMessage `json:"data"`

	// Optional fields, present depending on Type.
	Metrics       json.RawMessage `json:"metrics,omitempty"`
	Health        json.RawMessage `json:"health,omitempty"`
	Message       string          `json:"message,omitempty"`
	MinAppVersion string          `json:"min_app_version,omitempty"`
	Capabilities  []string        `json:"capabilities,omitempty"`
}

// CommandName identifies the kind of instruction the orchestrator sends to
// an agent's stdin.
type CommandName string

const (
	CommandFlush        CommandName = "flush"
	CommandStop         CommandName = "stop"
	CommandStart        CommandName = "start"
	CommandShutdown     CommandName = "shutdown"
	CommandStatus       CommandName = "status"
	CommandSequence     CommandName = "sequence"
	CommandAck          CommandName = "ack"
	CommandReject       CommandName = "reject"
	CommandWidgetRender CommandName = "widget_render"
	CommandWidgetAction CommandName = "widget_action"
)

// Command is the orchestrator→agent envelope.
type Command struct {
	Cmd CommandName `json:"cmd"`

	Args     json.RawMessage `json:"args,omitempty"`
	ID       string          `json:"id,omitempty"`
	Sequence []CommandName   `json:"sequence,omitempty"`

	// Fields used by the handshake ack/reject reply.
	AppVersion      string `json:"app_version,omitempty"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	Accepted        *bool  `json:"accepted,omitempty"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
}

// ActivitySignal is carried inside a summary message's Data field, used by
// collaborators for post-hoc work-state inference. It is opaque to the
// codec — the Orchestrator Core never inspects it, only evidence readers do.
type ActivitySignal struct {
	Mode      string  `json:"mode"` // "active" | "passive"
	KeepAlive *bool   `json:"keep_alive"`
	Reason    *string `json:"reason,omitempty"`
}
