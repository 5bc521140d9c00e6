package session

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"torrentdesk/internal/domain"
)

// RetryConfig controls the backoff used for engine commands and store writes.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultEngineRetry retries an engine command once.
func DefaultEngineRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// DefaultStoreRetry: 3 attempts, 200ms→400ms.
func DefaultStoreRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	}
}

// retryWithBackoff retries fn with exponential backoff and ±25% jitter until
// it succeeds, fails permanently or ctx is done.
func retryWithBackoff(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if permanent(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		jittered := applyJitter(delay)
		if cfg.MaxDelay > 0 && jittered > cfg.MaxDelay {
			jittered = cfg.MaxDelay
		}
		timer := time.NewTimer(jittered)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

// applyJitter returns d scaled by a factor in [0.75, 1.25).
func applyJitter(d time.Duration) time.Duration {
	factor := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * factor)
}

// permanent reports errors a second attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrPathEscape) ||
		errors.Is(err, domain.ErrClosed)
}
