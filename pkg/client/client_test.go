package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbeckert/harvest/internal/testutil"
	"github.com/tbeckert/harvest/pkg/config"
	"github.com/tbeckert/harvest/pkg/ratelimit"
)

func testClient(t *testing.T, retries int) *Client {
	t.Helper()

	limiter := ratelimit.NewLimiter(5, 0, zerolog.Nop())
	c, err := New(Config{
		HTTPTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxRetries:        retries,
			InitialBackoff:    1 * time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		},
	}, limiter, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestFetchPage_Success(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/alpha", testutil.PaginatedHandler("/alpha", 3, 2))

	c := testClient(t, 0)
	src := config.Source{Name: "alpha", URL: mock.SourceURL("/alpha")}

	env, err := c.FetchPage(context.Background(), src, 1)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if env.TotalPages != 3 {
		t.Errorf("TotalPages = %d, want 3", env.TotalPages)
	}
	if len(env.Records) != 2 {
		t.Errorf("len(Records) = %d, want 2", len(env.Records))
	}
}

func TestFetchPage_HasMoreEnvelope(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/beta", testutil.HasMoreHandler("/beta", 2, 3))

	c := testClient(t, 0)
	src := config.Source{Name: "beta", URL: mock.SourceURL("/beta")}

	env, err := c.FetchPage(context.Background(), src, 2)
	if err != nil {
		t.Fatalf("FetchPage() error = %v", err)
	}

	if env.HasMore == nil {
		t.Fatal("Expected has_more to be present")
	}
	if *env.HasMore {
		t.Error("Expected has_more = false on last page")
	}
}

func TestFetchPage_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		handler       http.HandlerFunc
		wantClass     ErrorClass
		wantRetryable bool
	}{
		{
			name:          "404 is fatal client error",
			handler:       testutil.StatusHandler(http.StatusNotFound),
			wantClass:     ErrorClassClient,
			wantRetryable: false,
		},
		{
			name:          "429 is retryable rate limit",
			handler:       testutil.StatusHandler(http.StatusTooManyRequests),
			wantClass:     ErrorClassRateLimit,
			wantRetryable: true,
		},
		{
			name:          "500 is retryable server error",
			handler:       testutil.StatusHandler(http.StatusInternalServerError),
			wantClass:     ErrorClassServer,
			wantRetryable: true,
		},
		{
			name:          "malformed envelope is fatal",
			handler:       testutil.MalformedHandler(),
			wantClass:     ErrorClassEnvelope,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := testutil.NewMockServer()
			defer mock.Close()
			mock.SetHandler("/src", tt.handler)

			c := testClient(t, 0)
			src := config.Source{Name: "src", URL: mock.SourceURL("/src")}

			_, err := c.FetchPage(context.Background(), src, 1)
			if err == nil {
				t.Fatal("Expected fetch error")
			}

			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("Expected *FetchError, got %T: %v", err, err)
			}
			if fe.Class != tt.wantClass {
				t.Errorf("Class = %s, want %s", fe.Class, tt.wantClass)
			}
			if fe.Retryable() != tt.wantRetryable {
				t.Errorf("Retryable() = %v, want %v", fe.Retryable(), tt.wantRetryable)
			}
		})
	}
}

func TestFetchPageWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()

	// Page 1 fails with 500 four times, then succeeds on the fifth
	// attempt within a budget of 5 retries.
	mock.SetHandler("/src", testutil.FlakyHandler(
		testutil.PaginatedHandler("/src", 1, 2),
		http.StatusInternalServerError,
		map[int]int{1: 4},
	))

	c := testClient(t, 5)
	src := config.Source{Name: "src", URL: mock.SourceURL("/src")}

	env, err := c.FetchPageWithRetry(context.Background(), src, 1)
	if err != nil {
		t.Fatalf("FetchPageWithRetry() error = %v", err)
	}
	if len(env.Records) != 2 {
		t.Errorf("len(Records) = %d, want 2", len(env.Records))
	}
	if hits := mock.PageHits("/src", 1); hits != 5 {
		t.Errorf("Page hits = %d, want 5 (4 failures + 1 success)", hits)
	}
}

func TestFetchPageWithRetry_FatalShortCircuits(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/src", testutil.StatusHandler(http.StatusNotFound))

	c := testClient(t, 5)
	src := config.Source{Name: "src", URL: mock.SourceURL("/src")}

	_, err := c.FetchPageWithRetry(context.Background(), src, 1)
	if err == nil {
		t.Fatal("Expected fetch error")
	}
	if errors.Is(err, ErrRetryExhausted) {
		t.Error("Fatal error must not consume retry budget")
	}
	if hits := mock.PageHits("/src", 1); hits != 1 {
		t.Errorf("Page hits = %d, want 1 (no retries for fatal errors)", hits)
	}
}

func TestFetchPageWithRetry_Exhausted(t *testing.T) {
	mock := testutil.NewMockServer()
	defer mock.Close()
	mock.SetHandler("/src", testutil.StatusHandler(http.StatusInternalServerError))

	c := testClient(t, 2)
	src := config.Source{Name: "src", URL: mock.SourceURL("/src")}

	_, err := c.FetchPageWithRetry(context.Background(), src, 1)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("Expected ErrRetryExhausted, got %v", err)
	}
	if hits := mock.PageHits("/src", 1); hits != 3 {
		t.Errorf("Page hits = %d, want 3 (initial attempt + 2 retries)", hits)
	}
}

func TestFetchPage_NetworkError(t *testing.T) {
	c := testClient(t, 0)
	// Connection refused: nothing listens on this port.
	src := config.Source{Name: "src", URL: "http://127.0.0.1:1/src"}

	_, err := c.FetchPage(context.Background(), src, 1)
	if err == nil {
		t.Fatal("Expected network error")
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected *FetchError, got %T", err)
	}
	if fe.Class != ErrorClassNetwork {
		t.Errorf("Class = %s, want %s", fe.Class, ErrorClassNetwork)
	}
}

func TestBuildPageURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		page int
		want string
	}{
		{"plain url", "http://example.com/src", 3, "http://example.com/src?page=3"},
		{"existing query", "http://example.com/src?limit=10", 2, "http://example.com/src?limit=10&page=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildPageURL(tt.base, tt.page)
			if err != nil {
				t.Fatalf("buildPageURL() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("buildPageURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{502, ErrorClassServer},
		{400, ErrorClassClient},
		{404, ErrorClassClient},
		{403, ErrorClassClient},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}
