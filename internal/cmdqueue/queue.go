// Package cmdqueue runs fire-and-forget backend commands on a single FIFO
// worker. Callers get an answer as soon as the command is accepted; the
// outcome is observed later through the poll loops.
package cmdqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	clienterrors "github.com/mycelian/dreamwatch/internal/errors"
)

// ErrQueueClosed is returned by Submit after Stop.
var ErrQueueClosed = errors.New("command queue closed")

// QueueFullError reports that the queue stayed full for the whole
// enqueue timeout.
type QueueFullError struct {
	Length   int
	Capacity int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("command queue full (%d/%d)", e.Length, e.Capacity)
}

// Job is a unit of work executed by the Queue.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to a Job.
type JobFunc func(ctx context.Context) error

// Run implements Job.
func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

// Config tunes a Queue. Zero values pick the defaults.
type Config struct {
	QueueSize      int
	EnqueueTimeout time.Duration
	// MaxAttempts of 1 disables retry, which is what the backend commands
	// expect by default.
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxInterval  time.Duration
	ErrorHandler func(name string, err error)
	Logger       *zerolog.Logger
}

type queued struct {
	ctx  context.Context
	name string
	job  Job
}

// Queue executes Jobs one at a time in submission order.
type Queue struct {
	cfg Config
	log zerolog.Logger
	ch  chan queued

	done   chan struct{}
	closed uint32
	wg     sync.WaitGroup
}

// New constructs the queue and starts its worker.
func New(cfg Config) *Queue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = 100 * time.Millisecond
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	q := &Queue{
		cfg:  cfg,
		log:  logger.With().Str("component", "cmdqueue").Logger(),
		ch:   make(chan queued, cfg.QueueSize),
		done: make(chan struct{}),
	}
	q.wg.Add(1)
	go q.runWorker()
	return q
}

// Submit enqueues job under a name used for logs and metrics. The job runs
// with ctx and is skipped if ctx has ended by the time the worker reaches it.
//
//   - Returns nil on success.
//   - Returns ErrQueueClosed if the queue is stopped.
//   - Returns *QueueFullError if there is no room after EnqueueTimeout.
//   - Returns ctx.Err() if the caller's context ends first.
func (q *Queue) Submit(ctx context.Context, name string, job Job) error {
	return q.submit(ctx, ctx, name, job)
}

// SubmitDetached is Submit for fire-and-forget commands: ctx bounds only the
// enqueue, and the job runs with ctx's values but without its cancellation,
// so it still runs after the submitter's request has ended.
func (q *Queue) SubmitDetached(ctx context.Context, name string, job Job) error {
	return q.submit(ctx, context.WithoutCancel(ctx), name, job)
}

func (q *Queue) submit(ctx, runCtx context.Context, name string, job Job) error {
	if job == nil {
		return fmt.Errorf("submit %s: nil job", name)
	}
	if atomic.LoadUint32(&q.closed) == 1 {
		return ErrQueueClosed
	}
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}

	timer := time.NewTimer(q.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case q.ch <- queued{ctx: runCtx, name: name, job: job}:
		submittedTotal.WithLabelValues(name).Inc()
		queueDepth.Set(float64(len(q.ch)))
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		rejectedTotal.WithLabelValues(name).Inc()
		return &QueueFullError{Length: len(q.ch), Capacity: cap(q.ch)}
	}
}

// Barrier waits until every job submitted before it has run.
func (q *Queue) Barrier(ctx context.Context) error {
	reached := make(chan struct{})
	if err := q.Submit(ctx, "barrier", JobFunc(func(context.Context) error {
		close(reached)
		return nil
	})); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reached:
		return nil
	}
}

// Stop drains pending jobs and waits for the worker. Idempotent.
func (q *Queue) Stop() {
	if !atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		return
	}
	close(q.done)
	q.wg.Wait()
}

// Close lets Queue satisfy io.Closer.
func (q *Queue) Close() error {
	q.Stop()
	return nil
}

// ------------------------- internals -------------------------

func (q *Queue) runWorker() {
	defer q.wg.Done()
	for {
		select {
		case item := <-q.ch:
			q.execute(item)
			queueDepth.Set(float64(len(q.ch)))
		case <-q.done:
			drained := 0
			for {
				select {
				case item := <-q.ch:
					q.execute(item)
					drained++
				default:
					if drained > 0 {
						q.log.Info().Int("drained", drained).Msg("command queue drained")
					}
					queueDepth.Set(0)
					return
				}
			}
		}
	}
}

// execute runs one job with the configured retry budget. A panicking job is
// reported as a failure and never takes the worker down.
func (q *Queue) execute(item queued) {
	if err := item.ctx.Err(); err != nil {
		q.fail(item.name, err)
		return
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = q.cfg.BaseBackoff
	exp.MaxInterval = q.cfg.MaxInterval
	exp.Multiplier = 2
	exp.Reset()

	for attempt := 1; ; attempt++ {
		start := time.Now()
		err := q.runSafely(item)
		runDuration.WithLabelValues(item.name).Observe(time.Since(start).Seconds())
		if err == nil {
			return
		}
		if clienterrors.IsIrrecoverable(err) || attempt >= q.cfg.MaxAttempts {
			q.fail(item.name, err)
			return
		}

		wait := exp.NextBackOff()
		q.log.Debug().Err(err).Str("command", item.name).Int("attempt", attempt).Dur("retry_in", wait).Msg("command failed, retrying")
		select {
		case <-time.After(wait):
		case <-item.ctx.Done():
			q.fail(item.name, item.ctx.Err())
			return
		}
	}
}

func (q *Queue) runSafely(item queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("command %s panicked: %v", item.name, r)
		}
	}()
	return item.job.Run(item.ctx)
}

func (q *Queue) fail(name string, err error) {
	failedTotal.WithLabelValues(name).Inc()
	if q.cfg.ErrorHandler == nil {
		q.log.Error().Err(err).Str("command", name).Msg("command failed")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Interface("panic", r).Msg("command error handler panicked")
		}
	}()
	q.cfg.ErrorHandler(name, err)
}
