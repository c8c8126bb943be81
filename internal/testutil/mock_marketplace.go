// Package testutil provides testing utilities for the marketplace client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock endpoint.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockMarketplace is a configurable mock provider server. It issues tokens
// at /oauth/token, emits rate-limit headers on every response, and lets
// tests inject failures per path.
type MockMarketplace struct {
	server   *httptest.Server
	mu       sync.Mutex
	handlers map[string]http.HandlerFunc

	// Failure injection: the first FailFirst requests to a path return
	// FailStatus before the default handler takes over.
	failFirst  map[string]int
	failStatus map[string]int

	// Rate-limit headers attached to every response.
	RateLimit     int
	RateRemaining int
	RateReset     int

	// Tracking
	RequestCount int
	TokenCount   int
	LastHeader   http.Header
}

// NewMockMarketplace creates a mock provider server with healthy rate-limit
// headers and a working token endpoint.
func NewMockMarketplace() *MockMarketplace {
	mock := &MockMarketplace{
		handlers:      make(map[string]http.HandlerFunc),
		failFirst:     make(map[string]int),
		failStatus:    make(map[string]int),
		RateLimit:     100,
		RateRemaining: 99,
		RateReset:     60,
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.RequestCount++
		mock.LastHeader = r.Header.Clone()

		if n := mock.failFirst[r.URL.Path]; n > 0 {
			mock.failFirst[r.URL.Path] = n - 1
			status := mock.failStatus[r.URL.Path]
			mock.setRateHeadersLocked(w)
			mock.mu.Unlock()
			if status == 429 {
				w.Header().Set("Retry-After", "1")
			}
			w.WriteHeader(status)
			return
		}

		handler, exists := mock.handlers[r.URL.Path]
		mock.setRateHeadersLocked(w)
		mock.mu.Unlock()

		if r.URL.Path == "/oauth/token" || r.URL.Path == "/auth/refresh" {
			mock.tokenHandler(w, r)
			return
		}

		if exists {
			handler(w, r)
			return
		}

		mock.defaultHandler(w, r)
	}))

	return mock
}

// URL returns the mock server's base URL.
func (m *MockMarketplace) URL() string {
	return m.server.URL
}

// Close shuts the mock server down.
func (m *MockMarketplace) Close() {
	m.server.Close()
}

// Handle registers a custom handler for a path.
func (m *MockMarketplace) Handle(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// HandleResponse registers a fixed response for a path.
func (m *MockMarketplace) HandleResponse(path string, resp MockResponse) {
	m.Handle(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		fmt.Fprint(w, resp.Body)
	})
}

// FailFirst makes the first n requests to path return the given status.
func (m *MockMarketplace) FailFirst(path string, n, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFirst[path] = n
	m.failStatus[path] = status
}

// SetRateLimit adjusts the rate-limit headers emitted with every response.
func (m *MockMarketplace) SetRateLimit(limit, remaining, resetSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RateLimit = limit
	m.RateRemaining = remaining
	m.RateReset = resetSeconds
}

// Requests returns the total request count.
func (m *MockMarketplace) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// TokenRequests returns the number of token endpoint calls.
func (m *MockMarketplace) TokenRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.TokenCount
}

func (m *MockMarketplace) setRateHeadersLocked(w http.ResponseWriter) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.RateLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.RateRemaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(m.RateReset))
}

func (m *MockMarketplace) tokenHandler(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.TokenCount++
	count := m.TokenCount
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  fmt.Sprintf("mock-access-%d", count),
		"token":         fmt.Sprintf("mock-access-%d", count),
		"refresh_token": "mock-refresh",
		"expires_in":    3600,
		"expires_at":    time.Now().Add(time.Hour).Unix(),
	})
}

func (m *MockMarketplace) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"ok": true}`)
}
