// Package retry provides bounded retry with exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMaxAttemptsExceeded is returned when max retry attempts are exceeded
	ErrMaxAttemptsExceeded = errors.New("max retry attempts exceeded")
	// ErrContextCancelled is returned when the context is cancelled during retry
	ErrContextCancelled = errors.New("context cancelled during retry")
)

// Config configures retry behavior
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first one)
	MaxAttempts int
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the exponential backoff
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier (default: 2.0)
	Multiplier float64
	// IsRetryable determines if an error should be retried
	IsRetryable func(error) bool
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		IsRetryable:  DefaultIsRetryable,
	}
}

var retryablePatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"no such host",
	"temporary failure",
	"network is unreachable",
}

// DefaultIsRetryable returns true for network errors and timeouts.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func (c Config) Backoff(attempt int) time.Duration {
	c.setDefaults()
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if d > c.MaxDelay {
		return c.MaxDelay
	}
	return d
}

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent.
func Retry(ctx context.Context, config Config, fn func() error) error {
	config.setDefaults()

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !config.IsRetryable(err) {
			return err
		}

		if attempt < config.MaxAttempts {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
			case <-time.After(config.Backoff(attempt)):
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrMaxAttemptsExceeded, config.MaxAttempts, lastErr)
}
