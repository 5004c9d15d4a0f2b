// Package upstream calls the external APIs the proxy fronts, with bounded
// retries and exponential backoff on transient failures.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
)

// Operation is one logical upstream call. Attempt may be invoked several
// times; it must not retain state between attempts.
type Operation interface {
	// Endpoint is the metrics label for the operation.
	Endpoint() string

	// Idempotent reports whether a failed attempt may be repeated.
	Idempotent() bool

	// Validate rejects malformed input before any network call.
	Validate() error

	// Attempt performs a single call.
	Attempt(ctx context.Context, client *http.Client) (*Response, *AttemptError)
}

// Response is the decoded outcome of a successful operation.
type Response struct {
	// StatusCode is the last upstream status observed.
	StatusCode int

	// Payload is the JSON document handed to the caller and the cache.
	Payload json.RawMessage
}

// Recorder receives upstream metrics. *metrics.Registry implements it.
type Recorder interface {
	RecordUpstreamStatus(endpoint, statusCode string)
	RecordRetry(endpoint string, backoff time.Duration)
}

// Config holds the fetcher configuration.
type Config struct {
	Retry RetryConfig

	// Timeout bounds each attempt.
	Timeout time.Duration

	// UserAgent is sent on every upstream request.
	UserAgent string
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	return Config{
		Retry:     DefaultRetryConfig(),
		Timeout:   30 * time.Second,
		UserAgent: "weather-proxy/1.0.0",
	}
}

// Fetcher executes operations with retry.
type Fetcher struct {
	httpClient *http.Client
	recorder   Recorder
	config     Config
	sleep      Sleeper
	attempts   atomic.Int64
}

// New creates a Fetcher. Zero retry fields fall back to the defaults.
func New(cfg Config, recorder Recorder) *Fetcher {
	if recorder == nil {
		panic("upstream: recorder cannot be nil")
	}

	def := DefaultConfig()
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.Retry.BaseDelay
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}

	return &Fetcher{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &userAgentTransport{base: http.DefaultTransport, userAgent: cfg.UserAgent},
		},
		recorder: recorder,
		config:   cfg,
		sleep:    sleepContext,
	}
}

// SetHTTPClient replaces the HTTP client (useful for testing).
func (f *Fetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// SetSleeper replaces the backoff sleeper (useful for testing).
func (f *Fetcher) SetSleeper(s Sleeper) {
	f.sleep = s
}

// Config returns the effective configuration.
func (f *Fetcher) Config() Config {
	return f.config
}

// Attempts returns the number of upstream attempts made so far.
func (f *Fetcher) Attempts() int64 {
	return f.attempts.Load()
}

// Close releases idle upstream connections.
func (f *Fetcher) Close() error {
	f.httpClient.CloseIdleConnections()
	return nil
}

// Fetch runs op until it succeeds, fails terminally, or exhausts its attempts.
// Non-idempotent operations get exactly one attempt. The returned error is
// always a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, op Operation) (*Response, error) {
	logger := logging.FromContext(ctx)

	if op == nil {
		return nil, &FetchError{Kind: FetchInvalidRequest, Err: errors.New("nil operation")}
	}
	endpoint := op.Endpoint()

	if err := op.Validate(); err != nil {
		logger.Debug().Err(err).Str("endpoint", endpoint).Msg("Rejected invalid upstream request")
		return nil, &FetchError{Kind: FetchInvalidRequest, Err: err}
	}

	maxAttempts := f.config.Retry.MaxAttempts
	if !op.Idempotent() {
		maxAttempts = 1
	}

	var last *AttemptError
	attempt := 0
	for attempt < maxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, f.canceled(ctx, endpoint, attempt, last, err)
		}

		attempt++
		f.attempts.Add(1)

		start := time.Now()
		resp, aerr := op.Attempt(ctx, f.httpClient)
		if aerr == nil {
			f.recorder.RecordUpstreamStatus(endpoint, strconv.Itoa(resp.StatusCode))
			logger.Debug().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Int("status_code", resp.StatusCode).
				Dur("duration", time.Since(start)).
				Msg("Upstream request succeeded")
			return resp, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, f.canceled(ctx, endpoint, attempt, aerr, err)
		}

		last = aerr
		if Classify(aerr) == Terminal {
			f.recorder.RecordUpstreamStatus(endpoint, statusLabel(aerr))
			logger.Info().
				Str("endpoint", endpoint).
				Int("attempt", attempt).
				Str("error_class", string(aerr.Class())).
				Int("status_code", aerr.StatusCode).
				Msg("Upstream returned terminal error")
			return nil, &FetchError{Kind: FetchTerminal, Attempts: attempt, Last: aerr}
		}

		if attempt >= maxAttempts {
			break
		}

		delay := f.config.Retry.Backoff(attempt)
		f.recorder.RecordRetry(endpoint, delay)
		logger.Warn().
			Err(aerr).
			Str("endpoint", endpoint).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Str("error_class", string(aerr.Class())).
			Dur("backoff", delay).
			Msg("Upstream attempt failed, retrying")

		if err := f.sleep(ctx, delay); err != nil {
			return nil, f.canceled(ctx, endpoint, attempt, last, err)
		}
	}

	f.recorder.RecordUpstreamStatus(endpoint, statusLabel(last))
	logger.Error().
		Err(last).
		Str("endpoint", endpoint).
		Int("attempts", attempt).
		Str("error_class", string(last.Class())).
		Msg("Upstream attempts exhausted")

	return nil, &FetchError{Kind: FetchTransientExhausted, Attempts: attempt, Last: last}
}

func (f *Fetcher) canceled(ctx context.Context, endpoint string, attempts int, last *AttemptError, err error) error {
	logging.FromContext(ctx).Debug().
		Err(err).
		Str("endpoint", endpoint).
		Int("attempts", attempts).
		Msg("Upstream fetch abandoned")
	return &FetchError{Kind: FetchCanceled, Attempts: attempts, Last: last, Err: err}
}

// statusLabel is the last observed status code, or network_error when no
// response arrived.
func statusLabel(e *AttemptError) string {
	if e == nil || e.StatusCode == 0 {
		return metrics.StatusNetworkError
	}
	return strconv.Itoa(e.StatusCode)
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}
