package errors

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for persistence operations.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1
}

// DefaultRetryConfig returns sensible defaults for local file and bolt writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retrier retries retryable operations with exponential backoff.
type Retrier struct {
	config RetryConfig
}

// NewRetrier creates a new retrier.
func NewRetrier(config RetryConfig) *Retrier {
	return &Retrier{config: config}
}

// RetryResult holds the result of a retry operation.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
	Success   bool
}

// Do executes fn until it succeeds, returns a non-retryable error, or attempts run out.
func (r *Retrier) Do(ctx context.Context, operation, origin string, fn func(ctx context.Context) error) *RetryResult {
	result := &RetryResult{}
	start := time.Now()
	delay := r.config.InitialDelay

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		result.Attempts++

		err := fn(ctx)
		if err == nil {
			result.Success = true
			result.Duration = time.Since(start)
			return result
		}
		result.LastError = err

		if ctx.Err() != nil {
			result.LastError = NewCancelledError(origin, operation)
			break
		}
		if attempt >= r.config.MaxRetries || !IsRetryable(err) {
			break
		}

		select {
		case <-ctx.Done():
			result.LastError = NewCancelledError(origin, operation)
			result.Duration = time.Since(start)
			return result
		case <-time.After(r.jittered(delay)):
		}

		delay = time.Duration(float64(delay) * r.config.Multiplier)
		if delay > r.config.MaxDelay {
			delay = r.config.MaxDelay
		}
	}

	result.Duration = time.Since(start)
	return result
}

func (r *Retrier) jittered(base time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return base
	}
	j := r.config.Jitter * float64(base)
	return time.Duration(float64(base) + (rand.Float64()*2*j - j))
}
