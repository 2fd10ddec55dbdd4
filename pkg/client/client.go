// Package client provides the HTTP page client: envelope decoding,
// error classification, retry with exponential backoff, and rate-limited
// request execution.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/pkg/cache"
	"github.com/tbeckert/harvest/pkg/config"
	"github.com/tbeckert/harvest/pkg/logging"
	"github.com/tbeckert/harvest/pkg/ratelimit"
)

// Prometheus metrics for page fetch operations.
var (
	harvestPagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_pages_fetched_total",
		Help: "Total page fetches by source and status",
	}, []string{"source", "status"})

	harvestFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_fetch_duration_seconds",
		Help:    "Page fetch duration in seconds by source",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	harvestFetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_fetch_errors_total",
		Help: "Total fetch errors by class",
	}, []string{"class"})

	harvestPageCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_page_cache_hits_total",
		Help: "Total page fetches served from the page cache",
	}, []string{"source"})
)

// maxBodyBytes bounds how much of a response body is read, keeping one
// page's memory footprint finite even against a misbehaving server.
const maxBodyBytes = 64 << 20

// Envelope is the pagination envelope every source must return: an
// array of opaque record documents plus pagination metadata. Either
// TotalPages or HasMore must be present.
type Envelope struct {
	Records    []json.RawMessage `json:"records"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages"`
	HasMore    *bool             `json:"has_more"`
}

// Config holds the page client configuration.
type Config struct {
	// HTTPTimeout is the per-request timeout.
	HTTPTimeout time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// Retry configures the per-page retry policy.
	Retry RetryConfig
}

// Client fetches single pages from remote sources. Every outbound
// request passes through the rate limiter; an optional page cache can
// serve repeat fetches without touching the network.
type Client struct {
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	pages      *cache.Store
	config     Config
	logger     zerolog.Logger
}

// New creates a page client. pages may be nil to disable caching.
func New(cfg Config, limiter *ratelimit.Limiter, pages *cache.Store) (*Client, error) {
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "harvest/1.0"
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		limiter: limiter,
		pages:   pages,
		config:  cfg,
		logger:  logging.NewLogger("client"),
	}, nil
}

// FetchPage fetches one page of a source, consulting the page cache
// first and gating the network request through the rate limiter.
// Returns a FetchError on failure.
func (c *Client) FetchPage(ctx context.Context, src config.Source, page int) (*Envelope, error) {
	start := time.Now()
	defer func() {
		harvestFetchDuration.WithLabelValues(src.Name).Observe(time.Since(start).Seconds())
	}()

	if c.pages != nil {
		body, err := c.pages.Get(ctx, src.Name, page)
		if err == nil {
			harvestPageCacheHitsTotal.WithLabelValues(src.Name).Inc()
			c.logger.Debug().
				Str("source", src.Name).
				Int("page", page).
				Msg("Page served from cache")
			return c.decodeEnvelope(src, page, body)
		}
		if err != cache.ErrCacheMiss {
			c.logger.Warn().Err(err).
				Str("source", src.Name).
				Int("page", page).
				Msg("Page cache error, falling back to network")
		}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.limiter.Release()

	body, err := c.doRequest(ctx, src, page)
	if err != nil {
		return nil, err
	}

	env, err := c.decodeEnvelope(src, page, body)
	if err != nil {
		return nil, err
	}

	if c.pages != nil {
		if cacheErr := c.pages.Set(ctx, src.Name, page, body); cacheErr != nil {
			c.logger.Warn().Err(cacheErr).
				Str("source", src.Name).
				Int("page", page).
				Msg("Failed to cache page")
		}
	}

	return env, nil
}

// FetchPageWithRetry wraps FetchPage in the retry policy. Transient
// failures (network errors, 429, 5xx) are retried with exponential
// backoff and jitter; fatal failures and exhausted budgets surface as
// the terminal error for this page.
func (c *Client) FetchPageWithRetry(ctx context.Context, src config.Source, page int) (*Envelope, error) {
	var env *Envelope

	logger := c.logger.With().Str("source", src.Name).Int("page", page).Logger()

	err := retryWithBackoff(ctx, c.config.Retry, logger, func() error {
		var fetchErr error
		env, fetchErr = c.FetchPage(ctx, src, page)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}

	return env, nil
}

// doRequest performs one HTTP GET for a page and returns the raw body.
func (c *Client) doRequest(ctx context.Context, src config.Source, page int) ([]byte, error) {
	pageURL, err := buildPageURL(src.URL, page)
	if err != nil {
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassClient,
			Err:    fmt.Errorf("build page url: %w", err),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassClient,
			Err:    fmt.Errorf("create request: %w", err),
		}
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		harvestFetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		harvestPagesFetchedTotal.WithLabelValues(src.Name, "network_error").Inc()
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassNetwork,
			Err:    err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		class := classifyStatus(resp.StatusCode)
		harvestFetchErrorsTotal.WithLabelValues(string(class)).Inc()
		harvestPagesFetchedTotal.WithLabelValues(src.Name, strconv.Itoa(resp.StatusCode)).Inc()

		c.logger.Warn().
			Str("source", src.Name).
			Int("page", page).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Page fetch returned error status")

		return nil, &FetchError{
			Source:     src.Name,
			Page:       page,
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		harvestFetchErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassNetwork,
			Err:    fmt.Errorf("read body: %w", err),
		}
	}

	harvestPagesFetchedTotal.WithLabelValues(src.Name, "200").Inc()
	return body, nil
}

// decodeEnvelope parses a response body into an Envelope. A body that
// does not decode, or that carries no pagination signal at all, is a
// fatal malformed-envelope error.
func (c *Client) decodeEnvelope(src config.Source, page int, body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		harvestFetchErrorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassEnvelope,
			Err:    fmt.Errorf("%w: %v", ErrMalformedEnvelope, err),
		}
	}

	if env.TotalPages <= 0 && env.HasMore == nil {
		harvestFetchErrorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		return nil, &FetchError{
			Source: src.Name,
			Page:   page,
			Class:  ErrorClassEnvelope,
			Err:    fmt.Errorf("%w: neither total_pages nor has_more present", ErrMalformedEnvelope),
		}
	}

	return &env, nil
}

// buildPageURL appends the page number as a query parameter.
func buildPageURL(base string, page int) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	case status >= 400:
		return ErrorClassClient
	default:
		return ErrorClassNetwork
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
