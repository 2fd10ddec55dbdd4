// Package testutil provides testing utilities for the harvest pipeline.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
)

// Envelope mirrors the wire format mock sources serve.
type Envelope struct {
	Records    []json.RawMessage `json:"records"`
	Page       int               `json:"page"`
	TotalPages int               `json:"total_pages,omitempty"`
	HasMore    *bool             `json:"has_more,omitempty"`
}

// MockServer is a configurable mock paginated API for testing.
type MockServer struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	requestCount int
	pageHits     map[string]int // "<path>?page=N" -> hits
}

// NewMockServer creates a mock server. Paths without a registered
// handler return 404.
func NewMockServer() *MockServer {
	mock := &MockServer{
		handlers: make(map[string]http.HandlerFunc),
		pageHits: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.requestCount++
		mock.pageHits[r.URL.Path+"?page="+r.URL.Query().Get("page")]++
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if !exists {
			http.NotFound(w, r)
			return
		}
		handler(w, r)
	}))

	return mock
}

// URL returns the mock server base URL.
func (m *MockServer) URL() string {
	return m.server.URL
}

// SourceURL returns the full URL for a source path.
func (m *MockServer) SourceURL(path string) string {
	return m.server.URL + path
}

// Close shuts down the mock server.
func (m *MockServer) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path.
func (m *MockServer) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// RequestCount returns the total number of requests served.
func (m *MockServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestCount
}

// PageHits returns how many times a specific page of a path was
// requested.
func (m *MockServer) PageHits(path string, page int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageHits[path+"?page="+strconv.Itoa(page)]
}

// Record builds the deterministic record body for a (path, page, index)
// triple, so tests can assert on exact dataset contents.
func Record(path string, page, index int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":"%s-p%d-r%d"}`, path, page, index))
}

// pageFromRequest parses the page query parameter, defaulting to 1.
func pageFromRequest(r *http.Request) int {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 1 {
		return 1
	}
	return page
}

// writeEnvelope serializes an envelope response.
func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

// PaginatedHandler serves totalPages pages of recordsPerPage records
// each, using the total_pages envelope style.
func PaginatedHandler(path string, totalPages, recordsPerPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := pageFromRequest(r)
		if page > totalPages {
			writeEnvelope(w, Envelope{Records: []json.RawMessage{}, Page: page, TotalPages: totalPages})
			return
		}

		records := make([]json.RawMessage, recordsPerPage)
		for i := range records {
			records[i] = Record(path, page, i)
		}
		writeEnvelope(w, Envelope{Records: records, Page: page, TotalPages: totalPages})
	}
}

// HasMoreHandler serves totalPages pages using the has_more envelope
// style (no total page count up front).
func HasMoreHandler(path string, totalPages, recordsPerPage int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := pageFromRequest(r)
		hasMore := page < totalPages

		records := make([]json.RawMessage, 0, recordsPerPage)
		if page <= totalPages {
			for i := 0; i < recordsPerPage; i++ {
				records = append(records, Record(path, page, i))
			}
		}
		writeEnvelope(w, Envelope{Records: records, Page: page, HasMore: &hasMore})
	}
}

// FlakyHandler wraps a handler, failing each listed page with the given
// status for its first `failures` requests before delegating.
func FlakyHandler(inner http.HandlerFunc, status int, failures map[int]int) http.HandlerFunc {
	var mu sync.Mutex
	failed := make(map[int]int)

	return func(w http.ResponseWriter, r *http.Request) {
		page := pageFromRequest(r)

		mu.Lock()
		budget, flaky := failures[page]
		shouldFail := flaky && failed[page] < budget
		if shouldFail {
			failed[page]++
		}
		mu.Unlock()

		if shouldFail {
			http.Error(w, `{"error":"injected failure"}`, status)
			return
		}
		inner(w, r)
	}
}

// StatusHandler always responds with the given status code.
func StatusHandler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"configured failure"}`, status)
	}
}

// MalformedHandler responds 200 with a body that is not a pagination
// envelope.
func MalformedHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"unexpected": true}`))
	}
}
