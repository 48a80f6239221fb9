package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wrenchai/wrench/internal/provider"
)

// RetryConfig configures per-stage retry behavior. Only transient
// failures (ErrUnavailable, ErrTimeout) are retried.
type RetryConfig struct {
	MaxRetries      int           // Maximum number of retry attempts
	InitialInterval time.Duration // Initial backoff interval
	MaxInterval     time.Duration // Maximum backoff interval
}

// DefaultRetryConfig returns sensible defaults for provider calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = d.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	return c
}

// runWithRetry executes fn with exponential backoff. Each attempt gets a
// fresh timeout; non-transient errors fail immediately.
func (e *Engine) runWithRetry(ctx context.Context, logger *slog.Logger, op string, attemptTimeout time.Duration, fn func(context.Context) error) error {
	var lastErr error
	delay := e.cfg.Retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= e.cfg.Retry.MaxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if attempt > 0 {
				logger.Debug("stage succeeded after retry",
					"op", op,
					"attempts", attempt+1,
					"elapsed", time.Since(start))
			}
			return nil
		}
		lastErr = err

		if !provider.Transient(err) {
			return err
		}
		if attempt == e.cfg.Retry.MaxRetries {
			break
		}

		logger.Debug("retrying stage",
			"op", op,
			"attempt", attempt+1,
			"delay", delay,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, e.cfg.Retry.MaxInterval)
		}
	}

	return fmt.Errorf("%s after %d retries (elapsed: %v): %w",
		op, e.cfg.Retry.MaxRetries, time.Since(start), lastErr)
}
