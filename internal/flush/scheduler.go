// Package flush implements the per-agent deadline-based flush scheduler:
// a global tick cadence (substrate) driven by gocron, and a bespoke
// per-agent deadline scan (not a good fit for gocron's CronJob/DurationJob
// abstractions on its own) that dispatches "flush" on schedule and applies
// backoff/escalation under stdin backpressure.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// FlushFunc dispatches a flush command for one agent instance. It returns
// an error equal to (or wrapping) supervisor.ErrStdinFull when the child's
// stdin is not draining — the scheduler itself does not import supervisor
// to avoid a dependency cycle; callers pass supervisor.ErrStdinFull's
// sentinel value (or one that compares equal via errors.Is) through
// IsStdinFull.
type FlushFunc func() error

// IsStdinFullFunc lets the scheduler recognize a stdin-backpressure error
// without importing internal/supervisor directly.
type IsStdinFullFunc func(error) bool

const (
	DefaultTickInterval  = 100 * time.Millisecond
	DefaultFlushBackoffS = 2.0
	MaxConsecutiveFails  = 3
)

// Escalation is emitted once an agent's flush has failed three consecutive
// times, per §4.5's "three consecutive failures transition to error".
type Escalation struct {
	Label  string
	Detail string
}

type agentState struct {
	flush        FlushFunc
	intervalS    float64
	nextFlushAt  time.Time
	backoffUntil time.Time
	consecutive  int
}

// Scheduler owns the tick substrate and the per-agent deadline table.
type Scheduler struct {
	cron         gocron.Scheduler
	isStdinFull  IsStdinFullFunc
	tickInterval time.Duration
	backoffS     float64
	logger       *zap.Logger

	mu     sync.Mutex
	agents map[string]*agentState

	escalations chan Escalation
}

// New constructs a Scheduler. isStdinFull classifies FlushFunc errors as
// stdin backpressure versus any other failure.
func New(isStdinFull IsStdinFullFunc, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("flush: create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:         cron,
		isStdinFull:  isStdinFull,
		tickInterval: DefaultTickInterval,
		backoffS:     DefaultFlushBackoffS,
		logger:       logger.Named("flush"),
		agents:       make(map[string]*agentState),
		escalations:  make(chan Escalation, 32),
	}, nil
}

// Escalations reports agents whose flush has failed three consecutive
// times; the caller transitions the instance to error with
// detail=flush_backpressure_exhausted.
func (s *Scheduler) Escalations() <-chan Escalation { return s.escalations }

// Register begins scheduling periodic flushes for label, with the first
// flush due one interval from now.
func (s *Scheduler) Register(label string, agentFlushIntervalS float64, fn FlushFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[label] = &agentState{
		flush:       fn,
		intervalS:   agentFlushIntervalS,
		nextFlushAt: time.Now().Add(time.Duration(agentFlushIntervalS * float64(time.Second))),
	}
}

// Unregister stops scheduling flushes for label (e.g. on instance stop or
// removal).
func (s *Scheduler) Unregister(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, label)
}

// Start begins the tick substrate as a gocron DurationJob.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.tickInterval),
		gocron.NewTask(func() { s.tick() }),
	)
	if err != nil {
		return fmt.Errorf("flush: schedule tick job: %w", err)
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()
	return nil
}

// Stop shuts down the tick substrate.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("flush: shutdown: %w", err)
	}
	return nil
}

// tick scans all registered agents and dispatches flush to any whose
// deadline has elapsed. last_flush_at updates on successful send, not on
// ACK receipt, per §4.5 ("to prevent pile-up").
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.Lock()
	due := make([]string, 0, len(s.agents))
	for label, st := range s.agents {
		if now.Before(st.nextFlushAt) || now.Before(st.backoffUntil) {
			continue
		}
		due = append(due, label)
	}
	s.mu.Unlock()

	for _, label := range due {
		s.dispatchOne(label, now)
	}
}

func (s *Scheduler) dispatchOne(label string, now time.Time) {
	s.mu.Lock()
	st, ok := s.agents[label]
	if !ok {
		s.mu.Unlock()
		return
	}
	fn := st.flush
	intervalS := st.intervalS
	s.mu.Unlock()

	err := fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok = s.agents[label]
	if !ok {
		return
	}

	if err == nil {
		st.nextFlushAt = now.Add(time.Duration(intervalS * float64(time.Second)))
		st.consecutive = 0
		return
	}

	if s.isStdinFull != nil && s.isStdinFull(err) {
		st.consecutive++
		st.backoffUntil = now.Add(time.Duration(s.backoffS * float64(time.Second)))
		s.logger.Warn("flush dispatch backed off, stdin full",
			zap.String("label", label), zap.Int("consecutive", st.consecutive))
		if st.consecutive >= MaxConsecutiveFails {
			delete(s.agents, label)
			select {
			case s.escalations <- Escalation{Label: label, Detail: "flush_backpressure_exhausted"}:
			default:
				s.logger.Warn("dropping escalation, channel full", zap.String("label", label))
			}
		}
		return
	}

	// Any other flush error is logged but does not itself escalate — that
	// is the session's job via its own message/heartbeat handling.
	s.logger.Warn("flush dispatch failed", zap.String("label", label), zap.Error(err))
	st.nextFlushAt = now.Add(time.Duration(intervalS * float64(time.Second)))
}
