// Package retry wraps flaky stages with a fixed attempt count and a
// fixed inter-attempt delay. There is deliberately no backoff growth and
// no jitter: external coding-tool calls already run under their own hard
// timeout, so pacing retries evenly keeps total stage latency predictable.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config defines retry behavior for a stage.
type Config struct {
	Attempts int           `json:"attempts"` // Total attempts, including the first
	Delay    time.Duration `json:"delay"`    // Fixed delay between attempts
}

// DefaultConfig matches the historical stage wrapper: two attempts with
// a half-second pause.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultConfig = Config{
	Attempts: 2,
	Delay:    500 * time.Millisecond,
}

// Policy encapsulates retry configuration for a named stage.
type Policy struct {
	Name   string
	Config Config
}

// NewPolicy creates a retry policy, clamping nonsensical values.
func NewPolicy(name string, cfg Config) *Policy {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Policy{Name: name, Config: cfg}
}

// Do invokes fn up to the configured attempt count, sleeping the fixed
// delay between attempts. The final error is returned after exhaustion.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Config.Attempts; attempt++ {
		if attempt > 1 && p.Config.Delay > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry of %s cancelled: %w", p.Name, ctx.Err())
			case <-time.After(p.Config.Delay):
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
