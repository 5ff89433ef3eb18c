// Package session implements the Agent Session state machine binding one
// running Agent Instance to its supervised subprocess: handshake negotiation,
// heartbeat tracking, flush/sequence dispatch, and ACK ordering.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/jlp"
	"github.com/mimolo/operations/internal/supervisor"
)

// State is one of the Agent Session's lifecycle states.
type State string

const (
	StateSpawned      State = "spawned"
	StateHandshaking  State = "handshaking"
	StateRunning      State = "running"
	StateShuttingDown State = "shutting-down"
	StateExited       State = "exited"
	StateErrored      State = "errored"
)

// HandshakeError reports why a session failed to reach running.
type HandshakeError struct {
	Label  string
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("session: %s: handshake failed: %s", e.Label, e.Reason)
}

const (
	DefaultHandshakeTimeout    = 5 * time.Second
	DefaultGracefulExitTimeout = 5 * time.Second
	DefaultHeartbeatMissFactor = 3
)

// Config carries the per-session timers and negotiated version.
type Config struct {
	Label               string
	AdvertisedProtocol  string
	AppVersion          string
	HandshakeTimeout    time.Duration
	GracefulExitTimeout time.Duration
	HeartbeatIntervalS  float64
	HeartbeatMissFactor float64
	AgentFlushIntervalS float64
}

// Event is emitted by a Session for the orchestrator to route: a decoded
// envelope reaching a sink, or a state transition to observe in the
// registry.
type Event struct {
	Kind       EventKind
	Message    *jlp.Message
	State      State
	Detail     string
	RestartDue bool
}

// EventKind distinguishes the two things a Session reports upward.
type EventKind int

const (
	EventSinkWrite EventKind = iota
	EventStateChanged
)

// SinkPlane tells the orchestrator which append-only stream an EventSinkWrite
// belongs on.
type SinkPlane string

const (
	PlaneEvidence    SinkPlane = "evidence"
	PlaneDiagnostics SinkPlane = "diagnostics"
	PlaneRendering   SinkPlane = "rendering"
)

// PlaneFor returns which sink plane (if any) a message type belongs on,
// implementing the "route all non-summary types to diagnostics" resolution
// from the design notes, with widget_frame carved out to the rendering
// plane (never persisted).
func PlaneFor(t jlp.MessageType) SinkPlane {
	switch t {
	case jlp.MessageSummary:
		return PlaneEvidence
	case jlp.MessageWidgetFrame:
		return PlaneRendering
	default:
		return PlaneDiagnostics
	}
}

// Session is a state machine wrapping one supervisor.Handle. It owns no
// locks of its own: all state transitions happen on the single goroutine
// that calls Run, matching the teacher's Client whose fields are read-only
// after construction except for fields touched by exactly one pump.
type Session struct {
	cfg    Config
	handle *supervisor.Handle
	logger *zap.Logger

	state         State
	pendingAcks   []jlp.CommandName
	lastHeartbeat time.Time
	negotiated    string

	events        chan Event
	stopRequested chan struct{}
}

// New wraps handle in a Session using cfg's negotiated timers.
func New(cfg Config, handle *supervisor.Handle, logger *zap.Logger) *Session {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.GracefulExitTimeout == 0 {
		cfg.GracefulExitTimeout = DefaultGracefulExitTimeout
	}
	if cfg.HeartbeatMissFactor == 0 {
		cfg.HeartbeatMissFactor = DefaultHeartbeatMissFactor
	}
	return &Session{
		cfg:           cfg,
		handle:        handle,
		logger:        logger.Named("session").With(zap.String("label", cfg.Label)),
		state:         StateSpawned,
		events:        make(chan Event, 64),
		stopRequested: make(chan struct{}, 1),
	}
}

// Events is the channel the orchestrator drains to receive sink writes and
// state transitions, in emission order.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the session's current state. Only safe to call from the
// goroutine that owns Run, or after Run has returned.
func (s *Session) State() State { return s.state }

// Run drives the session to completion: handshake, then running until
// Stop is called or a fatal condition is hit, emitting Events as it goes.
// It returns once the session reaches exited or errored.
func (s *Session) Run(ctx context.Context) {
	defer close(s.events)

	if !s.doHandshake(ctx) {
		return
	}

	s.setState(StateRunning, "")
	s.runLoop(ctx)
}

func (s *Session) doHandshake(ctx context.Context) bool {
	s.setState(StateHandshaking, "")

	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-s.handle.Messages():
		if !ok {
			s.fail("spawn_error")
			return false
		}
		return s.handleHandshakeMessage(msg)

	case perr, ok := <-s.handle.ParseErrors():
		if ok {
			s.emitSinkWrite(nil, perr)
		}
		s.fail("protocol_violation")
		return false

	case <-timer.C:
		_ = s.handle.Send(&jlp.Command{Cmd: jlp.CommandReject, Reason: "handshake_timeout"})
		s.handle.SignalForceful()
		s.fail("handshake_timeout")
		return false

	case <-ctx.Done():
		s.handle.SignalForceful()
		s.fail("spawn_error")
		return false
	}
}

func (s *Session) handleHandshakeMessage(msg *jlp.Message) bool {
	if msg.Type != jlp.MessageHandshake {
		_ = s.handle.Send(&jlp.Command{Cmd: jlp.CommandReject, Reason: "unexpected_message"})
		s.handle.SignalForceful()
		s.fail("protocol_violation")
		return false
	}

	if !protocolCompatible(s.cfg.AdvertisedProtocol, msg.ProtocolVersion) {
		_ = s.handle.Send(&jlp.Command{Cmd: jlp.CommandReject, Reason: "protocol_version_mismatch"})
		s.handle.SignalForceful()
		s.fail("protocol_version_mismatch")
		return false
	}

	s.negotiated = msg.ProtocolVersion
	accepted := true
	_ = s.handle.Send(&jlp.Command{
		Cmd:             jlp.CommandAck,
		AppVersion:      s.cfg.AppVersion,
		ProtocolVersion: s.cfg.AdvertisedProtocol,
		Accepted:        &accepted,
	})
	s.lastHeartbeat = time.Now().UTC()
	return true
}

// protocolCompatible implements the spec's compatibility rule: equal, or
// differing only in an additive patch/minor component. A differing major
// component is always incompatible.
func protocolCompatible(advertised, candidate string) bool {
	if advertised == candidate {
		return true
	}
	aMajor, _, _ := splitVersion(advertised)
	cMajor, _, _ := splitVersion(candidate)
	return aMajor == cMajor
}

func splitVersion(v string) (major, minor, patch string) {
	parts := [3]string{}
	idx := 0
	cur := ""
	for _, r := range v {
		if r == '.' && idx < 2 {
			parts[idx] = cur
			idx++
			cur = ""
			continue
		}
		cur += string(r)
	}
	parts[idx] = cur
	return parts[0], parts[1], parts[2]
}

func (s *Session) runLoop(ctx context.Context) {
	missWindow := time.Duration(s.cfg.HeartbeatIntervalS*s.cfg.HeartbeatMissFactor) * time.Second
	if missWindow <= 0 {
		missWindow = time.Hour // heartbeat disabled for this instance
	}
	heartbeatTimer := time.NewTimer(missWindow)
	defer heartbeatTimer.Stop()
	// Armed when a stop request moves the session to shutting-down; a child
	// that has not acknowledged stop/flush by then is signalled to exit.
	var shutdownDeadline <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-s.stopRequested:
			s.beginShutdown()
			if s.state == StateShuttingDown && shutdownDeadline == nil {
				shutdownDeadline = time.After(s.cfg.GracefulExitTimeout)
			}

		case <-shutdownDeadline:
			s.handle.SignalGraceful()
			if s.handle.Wait(s.cfg.GracefulExitTimeout).TimedOut {
				s.handle.SignalForceful()
			}
			s.setState(StateExited, "")
			return

		case <-heartbeatTimer.C:
			s.handle.SignalForceful()
			s.setState(StateErrored, "heartbeat_lost")
			return

		case msg, ok := <-s.handle.Messages():
			if !ok {
				// Child's stdout closed — it has exited (or is exiting).
				// During a commanded shutdown this is the expected terminal
				// event; otherwise it is an unrequested death.
				if s.state == StateShuttingDown {
					s.awaitExit()
				} else {
					s.setState(StateErrored, "exited_unexpectedly")
				}
				return
			}
			if msg.Type == jlp.MessageHeartbeat {
				s.lastHeartbeat = time.Now().UTC()
				heartbeatTimer.Reset(missWindow)
			}
			if err := s.routeMessage(msg); err != nil {
				s.setState(StateErrored, err.Error())
				return
			}
			if s.state == StateShuttingDown && len(s.pendingAcks) == 0 {
				s.awaitExit()
				return
			}

		case perr, ok := <-s.handle.ParseErrors():
			if !ok {
				continue
			}
			s.emitSinkWrite(nil, perr)
			s.setState(StateErrored, "protocol_violation")
			return
		}
	}
}

// routeMessage dispatches one decoded envelope: summaries to evidence,
// everything else to diagnostics (widget_frame to rendering, never
// persisted), and reconciles ACK ordering against pendingAcks.
func (s *Session) routeMessage(msg *jlp.Message) error {
	if msg.Type == jlp.MessageAck && len(s.pendingAcks) > 0 {
		if err := s.reconcileAck(msg); err != nil {
			return err
		}
	}
	// An implicit ACK for "flush" is a summary arriving while flush is the
	// head of the pending-ack queue.
	if msg.Type == jlp.MessageSummary && len(s.pendingAcks) > 0 && s.pendingAcks[0] == jlp.CommandFlush {
		s.pendingAcks = s.pendingAcks[1:]
	}

	s.events <- Event{Kind: EventSinkWrite, Message: msg}
	return nil
}

// awaitExit blocks (bounded by GracefulExitTimeout, escalating to forceful
// kill) for the child to actually terminate once its stdin sequence has
// been fully acknowledged, then reports the terminal state.
func (s *Session) awaitExit() {
	outcome := s.handle.Wait(s.cfg.GracefulExitTimeout)
	if outcome.TimedOut {
		s.handle.SignalGraceful()
		outcome = s.handle.Wait(s.cfg.GracefulExitTimeout)
	}
	if outcome.TimedOut {
		s.handle.SignalForceful()
	}
	s.setState(StateExited, "")
}

func (s *Session) reconcileAck(msg *jlp.Message) error {
	var ackData struct {
		Cmd string `json:"cmd"`
	}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &ackData)
	}
	expected := s.pendingAcks[0]
	if ackData.Cmd != "" && jlp.CommandName(ackData.Cmd) != expected {
		return fmt.Errorf("sequence_ack_out_of_order")
	}
	s.pendingAcks = s.pendingAcks[1:]
	return nil
}

// Stop requests the graceful shutdown sequence. It is safe to call from any
// goroutine: the request is only a signal, picked up and acted on by the
// single goroutine running Run so that every mutation of session state
// still happens on one owner. A second call while one is already pending
// is a no-op.
func (s *Session) Stop() {
	select {
	case s.stopRequested <- struct{}{}:
	default:
	}
}

// beginShutdown performs the actual dispatch for a Stop request: it is
// only ever called from the runLoop goroutine.
func (s *Session) beginShutdown() {
	if s.state != StateRunning {
		return
	}
	seq := []jlp.CommandName{jlp.CommandStop, jlp.CommandFlush, jlp.CommandShutdown}
	_ = s.handle.Send(&jlp.Command{Cmd: jlp.CommandSequence, Sequence: seq})
	// shutdown itself has no ACK — its completion is observed as process
	// exit, handled by awaitExit once stop/flush are acknowledged.
	s.pendingAcks = []jlp.CommandName{jlp.CommandStop, jlp.CommandFlush}
	s.setState(StateShuttingDown, "")
}

// Flush dispatches a single flush command, used by the flush scheduler on
// each agent's deadline tick.
func (s *Session) Flush() error {
	return s.handle.Send(&jlp.Command{Cmd: jlp.CommandFlush})
}

// SendWidgetAction dispatches a widget_action command with the given
// opaque args, used by dispatch_widget_action. The agent's own response
// (if any) arrives later as an ordinary widget_frame message on the
// rendering plane, not as a synchronous reply to this call.
func (s *Session) SendWidgetAction(action json.RawMessage) error {
	return s.handle.Send(&jlp.Command{Cmd: jlp.CommandWidgetAction, Args: action})
}

func (s *Session) fail(detail string) {
	s.setState(StateErrored, detail)
}

func (s *Session) setState(st State, detail string) {
	s.state = st
	s.events <- Event{Kind: EventStateChanged, State: st, Detail: detail}
}

func (s *Session) emitSinkWrite(msg *jlp.Message, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.events <- Event{Kind: EventSinkWrite, Message: msg, Detail: detail}
}
