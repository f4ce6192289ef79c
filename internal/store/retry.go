package store

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/learnd/internal/config"
	"github.com/fyrsmithlabs/learnd/internal/learning"
)

// RetryConfig controls exponential backoff for transient backend failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// RetryConfigFrom converts the config section.
func RetryConfigFrom(c config.RetryConfig) RetryConfig {
	return RetryConfig{
		MaxRetries:        c.MaxRetries,
		InitialBackoff:    c.InitialBackoff.Duration(),
		MaxBackoff:        c.MaxBackoff.Duration(),
		BackoffMultiplier: c.Multiplier,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2
	}
}

// Retry runs op until it succeeds, fails with a non-retryable error, the
// attempts run out or ctx is done. Only learning.ErrBackendUnreachable is
// retried.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	cfg.ApplyDefaults()
	backoff := cfg.InitialBackoff

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !learning.IsRetryable(err) {
			return err
		}
		if attempt >= cfg.MaxRetries {
			if cfg.MaxRetries == 0 {
				return err
			}
			return fmt.Errorf("after %d retries: %w", cfg.MaxRetries, err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled: %w: %w", ctx.Err(), err)
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffMultiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
}
