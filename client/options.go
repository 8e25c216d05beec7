package client

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	"github.com/mycelian/dreamwatch/internal/poller"
)

// Option configures a Client during construction in New.
//
// Options are applied before the transport wrappers are installed, so the
// debug dump sits underneath the request-id stamp and sees its header.
type Option func(*Client) error

// WithHTTPTimeout sets the underlying http.Client Timeout.
//
// Each poll is also bounded by its Policy.RequestTimeout; this timeout is a
// coarse safety net for every request, commands included. The value must be
// greater than zero.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("http timeout must be > 0")
		}
		c.http.Timeout = d
		return nil
	}
}

// WithHTTPClient replaces the http.Client. Its transport is wrapped, not
// modified in place.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("http client must not be nil")
		}
		cp := *hc
		c.http = &cp
		return nil
	}
}

// WithDebugLogging dumps each request/response through the client logger
// when enabled is true. It composes with WithHTTPClient in any order. Do not
// enable it in production: dumps include bodies.
func WithDebugLogging(enabled bool) Option {
	return func(c *Client) error {
		if enabled {
			c.debug = true
		}
		return nil
	}
}

// WithLogger sets the logger for the client, its loops and its command queue.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) error {
		c.log = l
		return nil
	}
}

// WithMemoriesPolicy overrides the memories loop cadence.
func WithMemoriesPolicy(p poller.Policy) Option {
	return policyOption("memories", p, func(c *Client) *poller.Policy { return &c.memoriesPolicy })
}

// WithDreamStatePolicy overrides the dream-state loop cadence.
func WithDreamStatePolicy(p poller.Policy) Option {
	return policyOption("dream state", p, func(c *Client) *poller.Policy { return &c.dreamStatePolicy })
}

// WithDreamsPolicy overrides the dream-detail loop cadence.
func WithDreamsPolicy(p poller.Policy) Option {
	return policyOption("dreams", p, func(c *Client) *poller.Policy { return &c.dreamsPolicy })
}

func policyOption(name string, p poller.Policy, field func(*Client) *poller.Policy) Option {
	return func(c *Client) error {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s policy: %w", name, err)
		}
		*field(c) = p
		return nil
	}
}

// WithQueueConfig tunes the command queue. A zero MaxAttempts keeps commands
// unretried.
func WithQueueConfig(cfg cmdqueue.Config) Option {
	return func(c *Client) error {
		if cfg.QueueSize < 0 {
			return fmt.Errorf("queue size must be >= 0")
		}
		c.queueCfg = cfg
		return nil
	}
}

// WithOnEscalate registers a hook run when a loop's failure streak exhausts
// its retry budget.
func WithOnEscalate(fn func(loop string, failures int, err error)) Option {
	return func(c *Client) error {
		c.onEscalate = fn
		return nil
	}
}

// WithClock overrides the time source used to stamp posted memories.
func WithClock(now func() time.Time) Option {
	return func(c *Client) error {
		if now == nil {
			return fmt.Errorf("clock must not be nil")
		}
		c.now = now
		return nil
	}
}
