// Package supervisor spawns and manages the OS subprocess backing one agent
// instance: one process per Handle, its three pipes, and the goroutines that
// drain stdout into decoded JLP messages and serialize writes to stdin.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mimolo/operations/internal/jlp"
)

// Spec describes how to launch one agent subprocess.
type Spec struct {
	Label      string
	AgentID    string
	Executable string
	Args       []string
	WorkingDir string
	DataDir    string
	Env        map[string]string
}

// ExitOutcome classifies how a child process terminated, mirroring the
// exited_clean/exited_nonzero/killed_by_signal/timeout vocabulary.
type ExitOutcome struct {
	Clean    bool
	Code     int
	Signaled bool
	Signal   string
	TimedOut bool
}

// LifecycleError is returned for spawn and wait failures so callers can
// errors.As into it instead of matching strings.
type LifecycleError struct {
	Label string
	Op    string
	Err   error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("supervisor: %s: %s: %v", e.Label, e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ErrStdinFull is returned by Handle.Send when the child is not draining its
// stdin fast enough to keep the bounded write queue from filling.
var ErrStdinFull = fmt.Errorf("supervisor: stdin_full")

const stdinQueueDepth = 64

// Handle is a live supervised subprocess. The zero value is not usable;
// obtain one from Supervisor.Spawn.
type Handle struct {
	Label   string
	AgentID string
	Pid     int

	cmd       *exec.Cmd
	stdin     io.WriteCloser
	writeCh   chan []byte
	writeErr  chan error
	messages  chan *jlp.Message
	stderrCh  chan string
	parseErrs chan error
	done      chan ExitOutcome

	logger *zap.Logger

	closeOnce sync.Once
}

// Supervisor constructs Handles. It carries no per-process state itself —
// every Handle is independent, matching the teacher's restic.Wrapper being
// safe for concurrent use because each call builds its own *exec.Cmd.
type Supervisor struct {
	logger *zap.Logger
}

// New returns a Supervisor that logs under the given parent logger.
func New(logger *zap.Logger) *Supervisor {
	return &Supervisor{logger: logger.Named("supervisor")}
}

// Spawn launches spec's executable with its configured args and working
// directory, overlaying the MIMOLO_* environment variables on top of the
// current process environment the way restic.Wrapper.buildCmd overlays
// RESTIC_REPOSITORY/RESTIC_PASSWORD on cmd.Environ().
func (s *Supervisor) Spawn(ctx context.Context, spec Spec) (*Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Executable, spec.Args...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}

	env := append(os.Environ(),
		"MIMOLO_AGENT_LABEL="+spec.Label,
		"MIMOLO_AGENT_ID="+spec.AgentID,
		"MIMOLO_DATA_DIR="+spec.DataDir,
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LifecycleError{Label: spec.Label, Op: "spawn_error", Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &LifecycleError{Label: spec.Label, Op: "spawn_error", Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &LifecycleError{Label: spec.Label, Op: "spawn_error", Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &LifecycleError{Label: spec.Label, Op: "spawn_error", Err: err}
	}

	h := &Handle{
		Label:     spec.Label,
		AgentID:   spec.AgentID,
		Pid:       cmd.Process.Pid,
		cmd:       cmd,
		stdin:     stdin,
		writeCh:   make(chan []byte, stdinQueueDepth),
		writeErr:  make(chan error, 1),
		messages:  make(chan *jlp.Message, 256),
		stderrCh:  make(chan string, 64),
		parseErrs: make(chan error, 16),
		done:      make(chan ExitOutcome, 1),
		logger:    s.logger.With(zap.String("label", spec.Label), zap.String("agent_id", spec.AgentID)),
	}

	go h.readStdout(stdout)
	go h.readStderr(stderr)
	go h.writeStdin()
	go h.waitForExit()

	h.logger.Info("agent process spawned", zap.Int("pid", h.Pid))
	return h, nil
}

// Messages returns the channel of decoded JLP messages read from the
// child's stdout, in emission order.
func (h *Handle) Messages() <-chan *jlp.Message { return h.messages }

// ParseErrors returns the channel of protocol errors encountered while
// decoding stdout — callers route these to diagnostics and typically
// transition the owning session to error.
func (h *Handle) ParseErrors() <-chan error { return h.parseErrs }

// StderrLines returns raw stderr lines for diagnostics logging.
func (h *Handle) StderrLines() <-chan string { return h.stderrCh }

// Done fires exactly once with the process's terminal outcome.
func (h *Handle) Done() <-chan ExitOutcome { return h.done }

// Send appends a '\n'-terminated line to the child's stdin. It never blocks
// past the bounded queue: if the child is not draining, it returns
// ErrStdinFull immediately.
func (h *Handle) Send(cmd *jlp.Command) error {
	line, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("supervisor: marshal command: %w", err)
	}
	line = append(line, '\n')
	select {
	case h.writeCh <- line:
		return nil
	default:
		return ErrStdinFull
	}
}

// SignalGraceful sends the OS-neutral polite-exit signal (SIGTERM on POSIX).
func (h *Handle) SignalGraceful() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := signalGraceful(h.cmd.Process); err != nil {
		return &LifecycleError{Label: h.Label, Op: "signal_graceful", Err: err}
	}
	return nil
}

// SignalForceful uninterruptibly kills the child.
func (h *Handle) SignalForceful() error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil {
		return &LifecycleError{Label: h.Label, Op: "signal_forceful", Err: err}
	}
	return nil
}

// Wait blocks until the process exits or timeout elapses, returning the
// terminal outcome. It is safe to call Wait from only one goroutine at a
// time; Done() may be read directly by others.
func (h *Handle) Wait(timeout time.Duration) ExitOutcome {
	select {
	case outcome := <-h.done:
		// Re-deliver so a second Wait (or Done reader) still observes it.
		h.redeliver(outcome)
		return outcome
	case <-time.After(timeout):
		return ExitOutcome{TimedOut: true}
	}
}

func (h *Handle) redeliver(outcome ExitOutcome) {
	select {
	case h.done <- outcome:
	default:
	}
}

func (h *Handle) readStdout(stdout io.Reader) {
	dec := jlp.NewDecoder(stdout)
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			if err == io.EOF {
				close(h.messages)
				close(h.parseErrs)
				return
			}
			select {
			case h.parseErrs <- err:
			default:
				h.logger.Warn("dropping parse error, channel full", zap.Error(err))
			}
			continue
		}
		h.messages <- msg
	}
}

func (h *Handle) readStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case h.stderrCh <- scanner.Text():
		default:
			h.logger.Warn("dropping stderr line, channel full")
		}
	}
	close(h.stderrCh)
}

// writeStdin is the single writer funnel for this child's stdin, matching
// the concurrency model's "writer is the only thread that touches stdin".
func (h *Handle) writeStdin() {
	for line := range h.writeCh {
		if _, err := h.stdin.Write(line); err != nil {
			h.logger.Warn("stdin write failed", zap.Error(err))
			continue
		}
	}
}

func (h *Handle) waitForExit() {
	err := h.cmd.Wait()
	h.closeOnce.Do(func() {
		close(h.writeCh)
		h.stdin.Close()
	})

	outcome := classifyExit(err)
	h.logger.Info("agent process exited",
		zap.Bool("clean", outcome.Clean),
		zap.Int("code", outcome.Code),
		zap.Bool("signaled", outcome.Signaled),
	)
	h.done <- outcome
}

func classifyExit(err error) ExitOutcome {
	if err == nil {
		return ExitOutcome{Clean: true}
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if exitErr.ProcessState != nil {
			if sig := exitErr.ProcessState.Sys(); sig != nil {
				if ws, ok := sig.(interface{ Signaled() bool }); ok && ws.Signaled() {
					return ExitOutcome{Signaled: true, Signal: exitErr.ProcessState.String()}
				}
			}
		}
		return ExitOutcome{Code: exitErr.ExitCode()}
	}
	return ExitOutcome{Code: -1}
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

