package orchestrator

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const (
	restartBackoffInitial = 1 * time.Second
	restartBackoffMax     = 60 * time.Second
	restartBackoffFactor  = 2.0
	// restartJitterFraction adds up to ±25% perturbation to each delay,
	// per spec — widened from the teacher's ±20% to the spec's ±25%.
	restartJitterFraction = 0.25

	DefaultMaxConsecutiveRestartFailures = 5
	DefaultRestartFailureWindow          = 300 * time.Second
)

// nextBackoff returns the next backoff duration, capped at
// restartBackoffMax. Adapted from connection.Manager.nextBackoff.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * restartBackoffFactor)
	if next > restartBackoffMax {
		return restartBackoffMax
	}
	return next
}

// jitter adds a random ±restartJitterFraction perturbation to d, adapted
// from connection.Manager.jitter.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * restartJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

// restartState tracks one instance's restart backoff and failure-window
// bookkeeping.
type restartState struct {
	backoff     time.Duration
	consecutive int
	windowStart time.Time
	exhausted   bool
}

// restartPolicy schedules restart attempts via gocron one-shot jobs so
// every delayed retry is visible to the same scheduler instrumentation
// the flush ticker uses, instead of a bare time.After.
type restartPolicy struct {
	cron   gocron.Scheduler
	logger *zap.Logger

	maxConsecutiveFailures int
	failureWindow          time.Duration

	states map[string]*restartState
}

func newRestartPolicy(logger *zap.Logger) (*restartPolicy, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create restart scheduler: %w", err)
	}
	cron.Start()
	return &restartPolicy{
		cron:                   cron,
		logger:                 logger.Named("restart"),
		maxConsecutiveFailures: DefaultMaxConsecutiveRestartFailures,
		failureWindow:          DefaultRestartFailureWindow,
		states:                 make(map[string]*restartState),
	}, nil
}

func (p *restartPolicy) stop() error {
	return p.cron.Shutdown()
}

// recordFailure registers one restart-triggering error for label and
// returns whether the instance has now exceeded
// max_consecutive_restart_failures within restart_failure_window — in
// which case the caller must stick the instance at error instead of
// scheduling another attempt.
func (p *restartPolicy) recordFailure(label string) (exhausted bool) {
	now := time.Now()
	st, ok := p.states[label]
	if !ok || now.Sub(st.windowStart) > p.failureWindow {
		st = &restartState{backoff: restartBackoffInitial, windowStart: now}
		p.states[label] = st
	}
	st.consecutive++
	if st.consecutive > p.maxConsecutiveFailures {
		st.exhausted = true
		return true
	}
	return false
}

// reset clears backoff state after a clean run, per "resets backoff for
// the next reconnect" in the teacher.
func (p *restartPolicy) reset(label string) {
	delete(p.states, label)
}

// schedule arranges for fn to run after the current backoff delay for
// label, advancing the backoff for next time. Returns the delay actually
// used, for diagnostics logging.
func (p *restartPolicy) schedule(label string, fn func()) (time.Duration, error) {
	st, ok := p.states[label]
	if !ok {
		st = &restartState{backoff: restartBackoffInitial, windowStart: time.Now()}
		p.states[label] = st
	}
	delay := jitter(st.backoff)
	if delay < 0 {
		delay = 0
	}
	st.backoff = nextBackoff(st.backoff)

	_, err := p.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(delay))),
		gocron.NewTask(fn),
	)
	if err != nil {
		return 0, fmt.Errorf("orchestrator: schedule restart for %s: %w", label, err)
	}
	p.logger.Info("restart scheduled", zap.String("label", label), zap.Duration("delay", delay))
	return delay, nil
}
