// Package retry provides exponential backoff for downloads and handler I/O.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Delay returns the backoff before the given retry attempt (1-based: the
// delay that follows the first failed attempt is Delay(1)). Pure: no jitter.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := time.Duration(float64(c.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if c.MaxDelay > 0 && (delay > c.MaxDelay || delay < 0) {
		delay = c.MaxDelay
	}
	return delay
}

// JitteredDelay scales Delay(attempt) into [50%, 100%] using r, a value in [0, 1).
// Returns Delay(attempt) unchanged when jitter is disabled.
func (c Config) JitteredDelay(attempt int, r float64) time.Duration {
	delay := c.Delay(attempt)
	if !c.Jitter {
		return delay
	}
	return time.Duration(float64(delay) * (0.5 + r*0.5))
}

// Next returns the jittered delay for attempt using the global random source.
func (c Config) Next(attempt int) time.Duration {
	return c.JitteredDelay(attempt, rand.Float64())
}

// Exhausted reports whether attempts already made reach the ceiling.
func (c Config) Exhausted(attempts int) bool {
	return c.MaxAttempts > 0 && attempts >= c.MaxAttempts
}

// Do executes fn with exponential backoff. Only retries if the error is retryable.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !herrors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if err := Sleep(ctx, cfg.Next(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
