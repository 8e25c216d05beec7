// Package config loads dreamwatch settings from DREAMWATCH_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"

	"github.com/mycelian/dreamwatch/client"
	"github.com/mycelian/dreamwatch/internal/cmdqueue"
	"github.com/mycelian/dreamwatch/internal/poller"
	"github.com/mycelian/dreamwatch/internal/types"
)

// Prefix is the environment variable prefix.
const Prefix = "DREAMWATCH"

// Config holds the client and dev server settings.
// Example: DREAMWATCH_BASE_URL, DREAMWATCH_MEMORIES_INTERVAL=3s
type Config struct {
	BaseURL string `envconfig:"BASE_URL" default:"http://localhost:5000"`

	// Poll cadence per loop
	MemoriesInterval   time.Duration `envconfig:"MEMORIES_INTERVAL" default:"3s"`
	MemoriesRetry      time.Duration `envconfig:"MEMORIES_RETRY" default:"5s"`
	DreamStateInterval time.Duration `envconfig:"DREAM_STATE_INTERVAL" default:"2s"`
	DreamStateRetry    time.Duration `envconfig:"DREAM_STATE_RETRY" default:"5s"`
	DreamsInterval     time.Duration `envconfig:"DREAMS_INTERVAL" default:"1s"`
	DreamsRetry        time.Duration `envconfig:"DREAMS_RETRY" default:"3s"`

	// Failures in a row (beyond the first) before a loop escalates; 0 never escalates.
	MaxRetries     uint64        `envconfig:"MAX_RETRIES" default:"5"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"10s"`
	HTTPTimeout    time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	// A backend may run the whole dream cycle inside the trigger request
	// (four stages of several seconds each), which can outlast HTTP_TIMEOUT.
	// The one-shot trigger command uses the larger of the two.
	TriggerTimeout time.Duration `envconfig:"TRIGGER_TIMEOUT" default:"2m"`

	// Command queue
	QueueSize       int `envconfig:"QUEUE_SIZE" default:"64"`
	CommandAttempts int `envconfig:"COMMAND_ATTEMPTS" default:"1"`

	// Local status API; empty disables it.
	StatusAddr string `envconfig:"STATUS_ADDR" default:""`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogPretty bool   `envconfig:"LOG_PRETTY" default:"false"`
	Debug     bool   `envconfig:"DEBUG" default:"false"`

	// Dev backend
	DevAddr          string        `envconfig:"DEV_ADDR" default:":5000"`
	DevStageDuration time.Duration `envconfig:"DEV_STAGE_DURATION" default:"5s"`
	DevAutoDream     time.Duration `envconfig:"DEV_AUTO_DREAM" default:"0s"`
}

// New creates a Config by parsing environment variables.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Debug().
		Str("base_url", cfg.BaseURL).
		Dur("memories_interval", cfg.MemoriesInterval).
		Dur("dream_state_interval", cfg.DreamStateInterval).
		Dur("dreams_interval", cfg.DreamsInterval).
		Uint64("max_retries", cfg.MaxRetries).
		Str("status_addr", cfg.StatusAddr).
		Msg("Configuration loaded")

	return &cfg, nil
}

// Validate checks the values envconfig cannot.
func (c *Config) Validate() error {
	if err := types.ValidateBaseURL(c.BaseURL); err != nil {
		return err
	}
	mem, state, dreams := c.Policies()
	for name, p := range map[string]poller.Policy{"memories": mem, "dream state": state, "dreams": dreams} {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("%s policy: %w", name, err)
		}
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http timeout must be > 0")
	}
	if c.TriggerTimeout <= 0 {
		return fmt.Errorf("trigger timeout must be > 0")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must be >= 0")
	}
	return nil
}

// Policies returns the poll policies of the memories, dream-state and
// dream-detail loops.
func (c *Config) Policies() (memories, dreamState, dreams poller.Policy) {
	memories = poller.Policy{Interval: c.MemoriesInterval, RetryInterval: c.MemoriesRetry, MaxRetries: c.MaxRetries, RequestTimeout: c.RequestTimeout}
	dreamState = poller.Policy{Interval: c.DreamStateInterval, RetryInterval: c.DreamStateRetry, MaxRetries: c.MaxRetries, RequestTimeout: c.RequestTimeout}
	dreams = poller.Policy{Interval: c.DreamsInterval, RetryInterval: c.DreamsRetry, MaxRetries: c.MaxRetries, RequestTimeout: c.RequestTimeout}
	return memories, dreamState, dreams
}

// TriggerHTTPTimeout bounds a synchronous trigger request.
func (c *Config) TriggerHTTPTimeout() time.Duration {
	if c.TriggerTimeout > c.HTTPTimeout {
		return c.TriggerTimeout
	}
	return c.HTTPTimeout
}

// ClientOptions translates the settings into client options.
func (c *Config) ClientOptions() []client.Option {
	mem, state, dreams := c.Policies()
	return []client.Option{
		client.WithHTTPTimeout(c.HTTPTimeout),
		client.WithDebugLogging(c.Debug),
		client.WithMemoriesPolicy(mem),
		client.WithDreamStatePolicy(state),
		client.WithDreamsPolicy(dreams),
		client.WithQueueConfig(cmdqueue.Config{QueueSize: c.QueueSize, MaxAttempts: c.CommandAttempts}),
	}
}
