package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	harvestRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	harvestRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	harvestRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// retryWithBackoff executes fn with exponential backoff retry logic.
// Transient failures are retried up to MaxRetries times with
// min(initial * multiplier^attempt, max) delays and ±20% jitter; fatal
// failures short-circuit immediately. The attempt counter is local to
// this call, so each page starts with a fresh retry budget.
func retryWithBackoff(ctx context.Context, config RetryConfig, logger zerolog.Logger, fn func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	maxAttempts := config.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Int("attempt", attempt).
					Msg("Fetch succeeded after retry")
			}
			return nil
		}

		lastErr = err

		// Fatal errors don't consume retry budget.
		if !retryable(err) {
			return lastErr
		}

		if attempt >= maxAttempts {
			break
		}

		errClass := string(classOf(err))
		harvestRetriesTotal.WithLabelValues(errClass).Inc()

		// Add jitter (±20% randomness)
		jitter := time.Duration(float64(backoff) * (0.8 + rand.Float64()*0.4))
		harvestRetryBackoffSeconds.WithLabelValues(errClass).Observe(jitter.Seconds())

		logger.Warn().
			Err(err).
			Str("error_class", errClass).
			Int("attempt", attempt).
			Dur("backoff", jitter).
			Msg("Retrying fetch after backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(jitter):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	errClass := string(classOf(lastErr))
	harvestRetryExhaustedTotal.WithLabelValues(errClass).Inc()
	logger.Error().
		Err(lastErr).
		Str("error_class", errClass).
		Int("max_retries", config.MaxRetries).
		Msg("Retry attempts exhausted")

	return fmt.Errorf("%w after %d retries: %v", ErrRetryExhausted, config.MaxRetries, lastErr)
}

// classOf extracts the error class for metrics and logging.
func classOf(err error) ErrorClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ErrorClassNetwork
}
