// Package testutil provides testing utilities for the weather proxy.
package testutil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Paths served by MockUpstream for the weather services.
const (
	GeocodingPath = "/v1/search"
	ForecastPath  = "/v1/forecast"
)

// MockResponse defines the behavior for a mock endpoint response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// City is a place known to the mock geocoder.
type City struct {
	Name      string
	Country   string
	Latitude  float64
	Longitude float64
}

// MockUpstream is a configurable mock of the geocoding, forecast and
// arbitrary proxy targets.
type MockUpstream struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	failures map[string][]MockResponse
	cities   map[string]City

	requestCount      int
	pathCounts        map[string]int
	lastRequestHeader http.Header
	lastRequestBody   []byte
	lastRequestMethod string
}

// NewMockUpstream creates a mock that knows London and Berlin.
func NewMockUpstream() *MockUpstream {
	mock := &MockUpstream{
		handlers:   make(map[string]http.HandlerFunc),
		failures:   make(map[string][]MockResponse),
		cities:     make(map[string]City),
		pathCounts: make(map[string]int),
	}
	mock.AddCity(City{Name: "London", Country: "United Kingdom", Latitude: 51.50853, Longitude: -0.12574})
	mock.AddCity(City{Name: "Berlin", Country: "Germany", Latitude: 52.52437, Longitude: 13.41053})

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockUpstream) serve(w http.ResponseWriter, r *http.Request) {
	body := readAll(r)

	m.mu.Lock()
	m.requestCount++
	m.pathCounts[r.URL.Path]++
	m.lastRequestHeader = r.Header.Clone()
	m.lastRequestBody = body
	m.lastRequestMethod = r.Method

	var failure *MockResponse
	if queue := m.failures[r.URL.Path]; len(queue) > 0 {
		failure = &queue[0]
		m.failures[r.URL.Path] = queue[1:]
	}
	handler, exists := m.handlers[r.URL.Path]
	m.mu.Unlock()

	if failure != nil {
		writeResponse(w, *failure)
		return
	}

	if exists {
		handler(w, r)
		return
	}

	switch r.URL.Path {
	case GeocodingPath:
		m.geocode(w, r)
	case ForecastPath:
		m.forecast(w, r)
	default:
		m.echo(w, r, body)
	}
}

// URL returns the mock server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// GeocodingURL returns the geocoding search endpoint.
func (m *MockUpstream) GeocodingURL() string {
	return m.server.URL + GeocodingPath
}

// ForecastURL returns the forecast endpoint.
func (m *MockUpstream) ForecastURL() string {
	return m.server.URL + ForecastPath
}

// Close shuts down the mock server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

// Reset clears all tracking counters.
func (m *MockUpstream) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount = 0
	m.pathCounts = make(map[string]int)
	m.lastRequestHeader = nil
	m.lastRequestBody = nil
	m.lastRequestMethod = ""
}

// AddCity registers a place with the geocoder.
func (m *MockUpstream) AddCity(c City) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cities[strings.ToLower(c.Name)] = c
}

// SetHandler sets a custom handler for a specific path.
func (m *MockUpstream) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockUpstream) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, resp)
	})
}

// FailNext makes the next n requests to path answer with resp before the
// regular handler takes over again.
func (m *MockUpstream) FailNext(path string, n int, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[path] = append(m.failures[path], resp)
	}
}

// RequestCount returns the number of requests made to the server.
func (m *MockUpstream) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requestCount
}

// PathCount returns the number of requests made to path.
func (m *MockUpstream) PathCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pathCounts[path]
}

// LastRequestHeader returns the headers of the most recent request.
func (m *MockUpstream) LastRequestHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestHeader.Clone()
}

// LastRequestBody returns the body of the most recent request.
func (m *MockUpstream) LastRequestBody() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.lastRequestBody...)
}

// LastRequestMethod returns the method of the most recent request.
func (m *MockUpstream) LastRequestMethod() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequestMethod
}

func (m *MockUpstream) geocode(w http.ResponseWriter, r *http.Request) {
	name := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("name")))

	m.mu.RLock()
	city, ok := m.cities[name]
	m.mu.RUnlock()

	// Open-Meteo omits "results" entirely for unknown names.
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"generationtime_ms": 0.5})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"results": []map[string]any{{
			"name":      city.Name,
			"country":   city.Country,
			"latitude":  city.Latitude,
			"longitude": city.Longitude,
		}},
	})
}

func (m *MockUpstream) forecast(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("latitude") == "" || q.Get("longitude") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": true, "reason": "missing coordinates"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"latitude":  q.Get("latitude"),
		"longitude": q.Get("longitude"),
		"timezone":  "Europe/London",
		"current_weather": map[string]any{
			"temperature":   15.5,
			"windspeed":     10.2,
			"winddirection": 270,
			"weathercode":   3,
			"time":          "2026-10-19T12:00",
		},
	})
}

// echo answers any other path with a description of the request.
func (m *MockUpstream) echo(w http.ResponseWriter, r *http.Request, body []byte) {
	w.Header().Set("X-Mock-Upstream", "true")
	writeJSON(w, http.StatusOK, map[string]any{
		"method": r.Method,
		"path":   r.URL.Path,
		"query":  r.URL.RawQuery,
		"body":   string(body),
	})
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewServiceUnavailableResponse creates a 503 Service Unavailable response.
func NewServiceUnavailableResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"error": "Service unavailable"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewNotFoundResponse creates a 404 Not Found response.
func NewNotFoundResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusNotFound,
		Body:       `{"error": "Not found"}`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// NewMalformedResponse creates a 200 response whose body is not JSON.
func NewMalformedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"results": [`,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
}

// ErrInjectedNetwork is returned by FlakyTransport for injected failures.
var ErrInjectedNetwork = errors.New("injected network failure: connection refused")

// FlakyTransport fails the first Failures round trips with a network error
// and then delegates to Base.
type FlakyTransport struct {
	Base     http.RoundTripper
	Failures int64

	calls atomic.Int64
}

// NewFlakyTransport wraps http.DefaultTransport.
func NewFlakyTransport(failures int) *FlakyTransport {
	return &FlakyTransport{Base: http.DefaultTransport, Failures: int64(failures)}
}

// RoundTrip implements http.RoundTripper.
func (t *FlakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := t.calls.Add(1)
	if n <= t.Failures {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", req.URL.Host, ErrInjectedNetwork)
	}
	return t.Base.RoundTrip(req)
}

// Calls returns the number of round trips attempted.
func (t *FlakyTransport) Calls() int64 {
	return t.calls.Load()
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func readAll(r *http.Request) []byte {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	body, _ := io.ReadAll(r.Body)
	return body
}
