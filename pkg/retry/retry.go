// Package retry runs fallible calls with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bardlex/vrscpool/pkg/errors"
)

// Config bounds the attempts and the backoff between them. Delay n is
// BaseDelay*Multiplier^n capped at MaxDelay, plus up to 10% when Jitter is set.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool

	// OnRetry, when set, is called before sleeping ahead of the next attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns a sensible default retry configuration
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// NetworkConfig returns retry configuration for short network operations
// such as publishing an event or a pub/sub message.
func NetworkConfig() *Config {
	return &Config{
		MaxAttempts: 5,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  1.5,
		Jitter:      true,
	}
}

// TemplateConfig returns the configuration used for block template fetches.
// The previous job keeps serving miners while this runs, so the budget is
// allowed to stretch over several seconds.
func TemplateConfig(maxAttempts int) *Config {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Config{
		MaxAttempts: maxAttempts,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    4 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// BlockConfig returns the configuration used for forwarding a solved block.
func BlockConfig() *Config {
	return &Config{
		MaxAttempts: 2,
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts run out.
func Do(ctx context.Context, config *Config, fn func() error) error {
	_, err := DoWithResult(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult is Do for calls producing a value. Non-retryable errors are
// returned unchanged. Exhausting the attempts wraps the last error as an
// internal error carrying max_attempts.
func DoWithResult[T any](ctx context.Context, config *Config, fn func() (T, error)) (T, error) {
	var zero T
	if config == nil {
		config = DefaultConfig()
	}

	attempts := max(config.MaxAttempts, 1)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var res T
		if res, err = fn(); err == nil {
			return res, nil
		}
		if !errors.IsRetryable(err) {
			return zero, err
		}
		if attempt+1 == attempts {
			break
		}

		delay := config.calculateDelay(attempt)
		if config.OnRetry != nil {
			config.OnRetry(attempt+1, err, delay)
		}
		if werr := wait(ctx, delay); werr != nil {
			return zero, werr
		}
	}

	return zero, errors.Wrap(err, errors.ErrorTypeInternal, "retry", "giving up").
		WithContext("max_attempts", attempts)
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Config) calculateDelay(attempt int) time.Duration {
	delay := min(float64(c.BaseDelay)*math.Pow(c.Multiplier, float64(attempt)), float64(c.MaxDelay))
	if c.Jitter {
		delay += delay * 0.1 * rand.Float64()
	}
	return time.Duration(delay)
}
