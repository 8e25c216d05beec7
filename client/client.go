// Package client mirrors the memory / dream backend into a local state store
// and issues its commands.
//
// Three poll loops keep the store current: memories, dream state and, while a
// dream runs, dream detail. The dream-state loop parks while the backend is
// dreaming and the detail loop takes over; when dreaming ends the detail loop
// parks and hands control back. Commands that only affect what the loops will
// observe (trigger, bulk post) are fire-and-forget through a FIFO command
// queue; reset is synchronous.
package client

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mycelian/dreamwatch/internal/api"
	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	"github.com/mycelian/dreamwatch/internal/events"
	"github.com/mycelian/dreamwatch/internal/poller"
	"github.com/mycelian/dreamwatch/internal/state"
	"github.com/mycelian/dreamwatch/internal/types"
)

// Loop names, also used as metric labels.
const (
	LoopMemories    = "memories"
	LoopDreamState  = "dream-state"
	LoopDreamDetail = "dream-detail"
)

// Default cadences. Failures never stop a loop.
var (
	DefaultMemoriesPolicy   = poller.Policy{Interval: 3 * time.Second, RetryInterval: 5 * time.Second}
	DefaultDreamStatePolicy = poller.Policy{Interval: 2 * time.Second, RetryInterval: 5 * time.Second}
	DefaultDreamsPolicy     = poller.Policy{Interval: time.Second, RetryInterval: 3 * time.Second}
)

// Client polls one backend and exposes its mirrored state and commands. Use
// New to construct it.
type Client struct {
	baseURL string
	http    *http.Client
	exec    executor
	store   *state.Store
	log     zerolog.Logger
	now     func() time.Time

	memoriesPolicy   poller.Policy
	dreamStatePolicy poller.Policy
	dreamsPolicy     poller.Policy
	queueCfg         cmdqueue.Config
	onEscalate       func(loop string, failures int, err error)
	debug            bool

	memories    *poller.Loop
	dreamState  *poller.Loop
	dreamDetail *poller.Loop

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc

	closedOnce uint32 // ensures Stop is idempotent
}

// New constructs a Client for the backend at baseURL. Nothing is polled
// until Start.
func New(baseURL string, opts ...Option) (*Client, error) {
	if err := types.ValidateBaseURL(baseURL); err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:          baseURL,
		http:             &http.Client{Timeout: 30 * time.Second},
		store:            state.New(),
		log:              log.Logger,
		now:              time.Now,
		memoriesPolicy:   DefaultMemoriesPolicy,
		dreamStatePolicy: DefaultDreamStatePolicy,
		dreamsPolicy:     DefaultDreamsPolicy,
	}

	// Auto-enable debug via env variable without changing code.
	if debugLoggingRequested() {
		opts = append(opts, WithDebugLogging(true))
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	c.log = c.log.With().Str("component", "dreamwatch-client").Logger()

	if c.exec == nil {
		c.exec = c.newDefaultExecutor()
	}
	c.wrapTransport()
	c.buildLoops()

	return c, nil
}

// newDefaultExecutor constructs the command queue, reporting failed commands
// through the client's logger and metrics.
func (c *Client) newDefaultExecutor() *cmdqueue.Queue {
	cfg := c.queueCfg
	userHandler := cfg.ErrorHandler
	cfg.ErrorHandler = func(name string, err error) {
		commandsTotal.WithLabelValues(name, "error").Inc()
		c.log.Error().Err(err).Str("command", name).Msg("command failed")
		if userHandler != nil {
			userHandler(name, err)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = &c.log
	}
	return cmdqueue.New(cfg)
}

func (c *Client) buildLoops() {
	logOpt := poller.WithLogger(c.log)
	escalate := poller.WithOnEscalate(func(name string, failures int, err error) {
		if c.onEscalate != nil {
			c.onEscalate(name, failures, err)
		}
	})

	c.memories = poller.New(LoopMemories, c.pollMemories, c.memoriesPolicy, logOpt, escalate)
	c.dreamState = poller.New(LoopDreamState, c.pollDreamState, c.dreamStatePolicy, logOpt, escalate,
		poller.WithOnPark(func(ctx context.Context) {
			c.log.Info().Msg("dream started, switching to dream detail polling")
			c.dreamDetail.Start(ctx)
		}))
	c.dreamDetail = poller.New(LoopDreamDetail, c.pollDreams, c.dreamsPolicy, logOpt, escalate,
		poller.WithOnPark(func(ctx context.Context) {
			c.log.Info().Msg("dream finished, resuming dream state polling")
			c.dreamState.Start(ctx)
		}))
}

// wrapTransport wraps the HTTP client's transport so every request carries
// an X-Request-ID header, with the optional debug dump underneath.
func (c *Client) wrapTransport() {
	baseTransport := c.http.Transport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	if c.debug {
		baseTransport = &debugTransport{base: baseTransport, log: c.log}
	}
	c.http.Transport = &requestIDTransport{base: baseTransport}
}

// requestIDTransport stamps a fresh request id unless the caller set one.
type requestIDTransport struct {
	base http.RoundTripper
}

func (t *requestIDTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(api.RequestIDHeader) != "" {
		return t.base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set(api.RequestIDHeader, uuid.NewString())
	return t.base.RoundTrip(cloned)
}

// --------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------

// Start launches the memories and dream-state loops. The loops run until ctx
// ends or Stop is called. Calling Start again while started is a no-op.
func (c *Client) Start(ctx context.Context) error {
	if atomic.LoadUint32(&c.closedOnce) == 1 {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel

	c.memories.Start(runCtx)
	c.dreamState.Start(runCtx)
	c.log.Info().Str("base_url", c.baseURL).Msg("polling started")
	return nil
}

// Stop cancels every loop, waits for them to exit and drains the command
// queue. Safe to call multiple times.
func (c *Client) Stop() {
	if !atomic.CompareAndSwapUint32(&c.closedOnce, 0, 1) {
		return
	}
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	c.memories.Stop()
	c.dreamState.Stop()
	c.dreamDetail.Stop()
	if c.exec != nil {
		c.exec.Stop()
	}
	c.log.Info().Msg("polling stopped")
}

// Close stops the client. It lets Client satisfy io.Closer.
func (c *Client) Close() error {
	c.Stop()
	return nil
}

// AwaitCommands blocks until every command submitted before the call has
// been executed by the command queue.
func (c *Client) AwaitCommands(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.exec.Barrier(ctx)
}

// Refresh runs one memories and one dream-state poll synchronously, plus a
// dream-detail poll while dreaming. It lets one-shot callers populate the
// store without starting the loops.
func (c *Client) Refresh(ctx context.Context) error {
	if atomic.LoadUint32(&c.closedOnce) == 1 {
		return ErrClosed
	}
	if _, err := c.pollMemories(ctx); err != nil {
		return err
	}
	if _, err := c.pollDreamState(ctx); err != nil {
		return err
	}
	if c.store.Dreaming() {
		if _, err := c.pollDreams(ctx); err != nil {
			return err
		}
	}
	return nil
}

// --------------------------------------------------------------------
// State access
// --------------------------------------------------------------------

// Store returns the state store the loops write into.
func (c *Client) Store() *state.Store { return c.store }

// Snapshot returns a copy of the current local state.
func (c *Client) Snapshot() Snapshot { return c.store.Snapshot() }

// Loops reports the scheduling state of each poll loop.
func (c *Client) Loops() []LoopInfo {
	out := make([]LoopInfo, 0, 3)
	for _, l := range []*poller.Loop{c.memories, c.dreamState, c.dreamDetail} {
		out = append(out, LoopInfo{Name: l.Name(), Running: l.Running(), Ticks: l.Ticks()})
	}
	return out
}

// LoopInfo describes one poll loop.
type LoopInfo struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Ticks   uint64 `json:"ticks"`
}

// --------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------

// TriggerDream asks the backend to start a dream cycle. The request is
// queued and the ack returned immediately; the dream shows up through the
// dream-state loop. It returns ErrAlreadyDreaming while the store reports a
// running dream.
func (c *Client) TriggerDream(ctx context.Context) (*EnqueueAck, error) {
	if atomic.LoadUint32(&c.closedOnce) == 1 {
		return nil, ErrClosed
	}
	if c.store.Dreaming() {
		commandsTotal.WithLabelValues("trigger-dream", "rejected").Inc()
		return nil, ErrAlreadyDreaming
	}
	ack, err := api.TriggerDream(ctx, c.exec, c.http, c.baseURL, func(resp *types.CommandResponse) {
		outcome := resp.Outcome()
		if outcome == types.TriggerAlreadyDreaming {
			commandsTotal.WithLabelValues("trigger-dream", "rejected").Inc()
			c.log.Warn().Msg("backend is already dreaming")
		} else {
			commandsTotal.WithLabelValues("trigger-dream", "ok").Inc()
			c.log.Info().Str("status", outcome).Msg("dream trigger accepted")
		}
		c.dreamState.Wake()
		c.dreamDetail.Wake()
	})
	if err != nil {
		return nil, err
	}
	c.log.Debug().Str("request_id", ack.RequestID).Msg("dream trigger enqueued")
	return ack, nil
}

// ResetSystem clears the backend and, once it confirmed, every piece of local
// state. On failure the local state is left untouched and the error is
// returned.
func (c *Client) ResetSystem(ctx context.Context) error {
	if atomic.LoadUint32(&c.closedOnce) == 1 {
		return ErrClosed
	}
	if _, err := api.ResetSystem(ctx, c.http, c.baseURL); err != nil {
		commandsTotal.WithLabelValues("reset-system", "error").Inc()
		return err
	}
	commandsTotal.WithLabelValues("reset-system", "ok").Inc()
	c.store.Reset()
	c.log.Info().Msg("system reset")
	c.memories.Wake()
	c.dreamState.Wake()
	return nil
}

// PostEvents converts a day of events into memories, records the batch as
// the store's daily events and queues the bulk post.
func (c *Client) PostEvents(ctx context.Context, batch []DailyEvent) (*EnqueueAck, error) {
	if atomic.LoadUint32(&c.closedOnce) == 1 {
		return nil, ErrClosed
	}
	memories, err := events.ToMemories(batch, c.now())
	if err != nil {
		return nil, err
	}
	ack, err := api.PostMemories(ctx, c.exec, c.http, c.baseURL, memories, func(resp *types.CommandResponse) {
		if resp.Success != nil && !*resp.Success {
			commandsTotal.WithLabelValues("post-memories", "rejected").Inc()
			c.log.Warn().Str("message", resp.Message).Msg("backend rejected memories")
			return
		}
		commandsTotal.WithLabelValues("post-memories", "ok").Inc()
		c.log.Info().Int("count", len(memories)).Msg("memories stored")
		c.memories.Wake()
	})
	if err != nil {
		return nil, err
	}
	c.store.SetDailyEvents(batch)
	return ack, nil
}

// --------------------------------------------------------------------
// Poll ticks
// --------------------------------------------------------------------

func (c *Client) pollMemories(ctx context.Context) (poller.Outcome, error) {
	gen := c.store.Generation()
	resp, err := api.GetMemories(ctx, c.http, c.baseURL)
	if err != nil {
		return poller.Again, err
	}
	if !c.store.ApplyMemories(gen, resp) {
		c.log.Debug().Msg("discarded memories fetched before reset")
	}
	return poller.Again, nil
}

func (c *Client) pollDreamState(ctx context.Context) (poller.Outcome, error) {
	gen := c.store.Generation()
	status, err := api.GetDreamState(ctx, c.http, c.baseURL)
	if err != nil {
		return poller.Again, err
	}
	c.applyStatus(gen, *status)
	if status.Dreaming {
		return poller.Park, nil
	}
	return poller.Again, nil
}

// pollDreams re-checks the dream state and fetches the dream records in the
// same tick. The records are applied before the status, so the tick that sees
// dreaming end still captures the completed record before the loop parks.
func (c *Client) pollDreams(ctx context.Context) (poller.Outcome, error) {
	gen := c.store.Generation()
	status, err := api.GetDreamState(ctx, c.http, c.baseURL)
	if err != nil {
		return poller.Again, err
	}
	records, err := api.ListDreams(ctx, c.http, c.baseURL)
	if err != nil {
		return poller.Again, err
	}
	c.store.ApplyDreams(gen, records)
	c.applyStatus(gen, *status)
	if !status.Dreaming {
		return poller.Park, nil
	}
	return poller.Again, nil
}

func (c *Client) applyStatus(gen uint64, status types.DreamStatus) {
	prev := c.store.Stage()
	applied, changed := c.store.ApplyStatus(gen, status)
	if !applied {
		c.log.Debug().Msg("discarded dream state fetched before reset")
		return
	}
	if changed {
		next := status.EffectiveStage()
		stageTransitionsTotal.WithLabelValues(string(next)).Inc()
		c.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("dream stage changed")
	}
}
