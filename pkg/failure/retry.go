package failure

import (
	"context"
	"time"

	"github.com/grafana/dskit/backoff"
)

// RetryConfig bounds the retry loop for retriable failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

func (c *RetryConfig) RegisterFlagsAndApplyDefaults() {
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Retry runs fn until it succeeds, returns a non-retriable failure, or the
// attempt budget is exhausted. Backoff between attempts is exponential with
// jitter, capped at MaxBackoff. An exhausted budget promotes the last error
// to non-retriable so the caller routes it to the dead-letter path.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	boff := backoff.New(ctx, backoff.Config{
		MinBackoff: cfg.BaseBackoff,
		MaxBackoff: cfg.MaxBackoff,
		MaxRetries: cfg.MaxAttempts,
	})

	var lastErr error
	for boff.Ongoing() {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !IsRetriable(lastErr) {
			return lastErr
		}
		boff.Wait()
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if lastErr == nil {
		return nil
	}
	return Promote(lastErr)
}
