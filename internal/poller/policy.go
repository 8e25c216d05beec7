package poller

import (
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
)

// Policy defines a loop's cadence and failure handling.
//
// Failures are retried after a fixed RetryInterval with no jitter. Once
// MaxRetries retries in a row have failed the loop escalates (once per
// failure streak) and keeps retrying; a zero MaxRetries never escalates.
type Policy struct {
	Interval       time.Duration
	RetryInterval  time.Duration
	MaxRetries     uint64
	RequestTimeout time.Duration
}

// Validate rejects policies that would spin or never run.
func (p Policy) Validate() error {
	if p.Interval <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	if p.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be > 0")
	}
	if p.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must be >= 0")
	}
	return nil
}

func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(p.RetryInterval)
	if p.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, p.MaxRetries)
	}
	b.Reset()
	return b
}
