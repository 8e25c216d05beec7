// Package poller runs self-rescheduling fetch-and-apply loops.
//
// A Loop calls its tick function, then waits Policy.Interval after a success
// or Policy.RetryInterval after a failure, and calls it again. A loop has at
// most one tick in flight. It runs until its context ends, Stop is called, or
// a tick returns Park, in which case the loop stops itself and hands control
// to its OnPark hook.
package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Outcome tells the loop what to do after a successful tick.
type Outcome int

const (
	// Again reschedules the tick after Policy.Interval.
	Again Outcome = iota
	// Park stops the loop and runs the OnPark hook.
	Park
)

// TickFunc performs one poll. A non-nil error counts as a failure whatever
// the outcome.
type TickFunc func(ctx context.Context) (Outcome, error)

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the logger used for failure and lifecycle messages.
func WithLogger(l zerolog.Logger) Option {
	return func(lp *Loop) { lp.log = l }
}

// WithOnPark registers the hook run after the loop parked itself. It gets the
// context the loop was started with.
func WithOnPark(fn func(ctx context.Context)) Option {
	return func(lp *Loop) { lp.onPark = fn }
}

// WithOnEscalate registers the hook run when a failure streak exhausts the
// retry budget.
func WithOnEscalate(fn func(name string, failures int, err error)) Option {
	return func(lp *Loop) { lp.onEscalate = fn }
}

// Loop is a cancellable polling task. Start, Stop and Wake are safe for
// concurrent use.
type Loop struct {
	name       string
	tick       TickFunc
	policy     Policy
	log        zerolog.Logger
	onPark     func(ctx context.Context)
	onEscalate func(name string, failures int, err error)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}

	ticks uint64
}

// New builds a stopped loop. The policy is assumed valid; see
// Policy.Validate.
func New(name string, tick TickFunc, policy Policy, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		tick:   tick,
		policy: policy,
		log:    log.Logger,
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With().Str("loop", name).Logger()
	closed := make(chan struct{})
	close(closed)
	l.done = closed
	return l
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Start launches the loop unless it is already running or ctx is done. The
// first tick runs immediately. It reports whether a new run was started.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running || ctx.Err() != nil {
		return false
	}
	select {
	case <-l.wake:
	default:
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.running = true
	l.cancel = cancel
	l.done = done
	runningLoops.WithLabelValues(l.name).Set(1)

	go l.run(ctx, runCtx, done)
	return true
}

// Stop cancels the current run and waits for it to exit. It must not be
// called from the loop's own tick function.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// Wake cuts the current wait short so the next tick runs now. It is a no-op
// when the loop is not running.
func (l *Loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Running reports whether the loop is scheduled.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Done returns a channel closed when the current run ends.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Ticks counts tick invocations over the loop's lifetime.
func (l *Loop) Ticks() uint64 { return atomic.LoadUint64(&l.ticks) }

func (l *Loop) run(parent, ctx context.Context, done chan struct{}) {
	defer close(done)

	b := l.policy.backOff()
	failures := 0
	escalated := false

	for {
		outcome, err := l.tickOnce(ctx)
		if ctx.Err() != nil {
			l.finish(done)
			return
		}

		var wait time.Duration
		if err != nil {
			failures++
			consecutiveFailures.WithLabelValues(l.name).Set(float64(failures))
			wait = b.NextBackOff()
			if wait == backoff.Stop {
				if !escalated {
					escalated = true
					l.escalate(failures, err)
				}
				b.Reset()
				wait = b.NextBackOff()
			}
			l.log.Warn().Err(err).Int("failures", failures).Dur("retry_in", wait).Msg("poll failed")
		} else {
			if failures > 0 {
				l.log.Info().Int("failures", failures).Msg("poll recovered")
				consecutiveFailures.WithLabelValues(l.name).Set(0)
			}
			failures = 0
			escalated = false
			b.Reset()

			if outcome == Park {
				l.finish(done)
				l.log.Debug().Msg("loop parked")
				if l.onPark != nil {
					l.onPark(parent)
				}
				return
			}
			wait = l.policy.Interval
		}

		if !l.sleep(ctx, wait) {
			l.finish(done)
			return
		}
	}
}

func (l *Loop) tickOnce(ctx context.Context) (Outcome, error) {
	atomic.AddUint64(&l.ticks, 1)
	tctx := ctx
	if l.policy.RequestTimeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, l.policy.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	outcome, err := l.tick(tctx)
	pollDuration.WithLabelValues(l.name).Observe(time.Since(start).Seconds())

	result := "ok"
	if err != nil {
		result = "error"
	}
	pollsTotal.WithLabelValues(l.name, result).Inc()
	return outcome, err
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-l.wake:
		return true
	}
}

// finish marks the run identified by done as stopped, so a later Start can
// launch a fresh one.
func (l *Loop) finish(done chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != done {
		return
	}
	l.running = false
	if l.cancel != nil {
		l.cancel()
	}
	runningLoops.WithLabelValues(l.name).Set(0)
}

func (l *Loop) escalate(failures int, err error) {
	escalationsTotal.WithLabelValues(l.name).Inc()
	l.log.Error().Err(err).Int("failures", failures).Msg("poll failures exceeded retry budget")
	if l.onEscalate != nil {
		l.onEscalate(l.name, failures, err)
	}
}
