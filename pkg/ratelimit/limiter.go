// Package ratelimit implements the outbound request gate: a bound on
// concurrently in-flight requests plus a global minimum spacing between
// request starts. No request may bypass either bound.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	harvestInFlightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "harvest_inflight_requests",
		Help: "Number of requests currently holding a concurrency slot",
	})

	harvestRequestsAcquiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvest_requests_acquired_total",
		Help: "Total number of successfully acquired request permits",
	})

	harvestAcquireWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "harvest_acquire_wait_seconds",
		Help:    "Time spent waiting for a request permit",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
	})
)

// Limiter gates outbound requests. Acquire blocks until both a
// concurrency slot and the global spacing gate allow one request;
// Release frees the slot when the request completes.
type Limiter struct {
	slots   chan struct{}
	spacing time.Duration
	logger  zerolog.Logger

	mu          sync.Mutex
	nextAllowed time.Time
}

// NewLimiter creates a limiter with the given concurrency bound and
// minimum inter-request spacing. maxConcurrent must be >= 1; a spacing
// of zero disables the spacing gate.
func NewLimiter(maxConcurrent int, spacing time.Duration, logger zerolog.Logger) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		spacing: spacing,
		logger:  logger,
	}
}

// Acquire blocks until the caller may issue one outbound request.
// It returns early with the context error on cancellation, in which
// case no slot is held and Release must not be called.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()

	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := l.waitSpacing(ctx); err != nil {
		// Give the slot back; the request never started.
		<-l.slots
		return err
	}

	harvestInFlightRequests.Inc()
	harvestRequestsAcquiredTotal.Inc()
	harvestAcquireWaitSeconds.Observe(time.Since(start).Seconds())

	if wait := time.Since(start); wait > l.spacing {
		l.logger.Debug().
			Dur("wait", wait).
			Msg("Acquired request permit after wait")
	}

	return nil
}

// Release frees the concurrency slot held by a prior Acquire. It must
// be called exactly once per successful Acquire, whether the request
// succeeded or failed.
func (l *Limiter) Release() {
	<-l.slots
	harvestInFlightRequests.Dec()
}

// InFlight returns the number of currently held slots.
func (l *Limiter) InFlight() int {
	return len(l.slots)
}

// waitSpacing reserves the next allowed start time and sleeps until it.
// Reservations are handed out under the mutex so concurrent acquirers
// get strictly increasing start times spaced by l.spacing.
func (l *Limiter) waitSpacing(ctx context.Context) error {
	if l.spacing <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	at := l.nextAllowed
	if at.Before(now) {
		at = now
	}
	l.nextAllowed = at.Add(l.spacing)
	l.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
