// Package pipeline composes request context, cache, upstream fetch and
// metrics into the handling of one logical request.
//
// Every request follows the same order: validate, cache lookup (eligible
// requests only), upstream fetch on miss, cache write on success, and exactly
// one requests_total / request_duration observation on every path.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/cache"
	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/requestid"
	"github.com/Sternrassler/weather-proxy/pkg/upstream"
)

// Error categories carried in error bodies and errors_total.
const (
	CategoryBadRequest          = "bad_request"
	CategoryNotFound            = "not_found"
	CategoryUpstreamUnavailable = "upstream_unavailable"
	CategoryShuttingDown        = "shutting_down"
	CategoryCanceled            = "client_closed_request"
)

// StatusClientClosedRequest is reported when the caller went away mid-request.
const StatusClientClosedRequest = 499

// Cache is the cache-aside store used by the pipeline. *cache.Store implements it.
type Cache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, error)
	Set(ctx context.Context, key cache.Key, entry *cache.Entry, ttl time.Duration) error
}

// Fetcher performs upstream operations. *upstream.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, op upstream.Operation) (*upstream.Response, error)
}

// Recorder receives request metrics. *metrics.Registry implements it.
type Recorder interface {
	RecordRequest(method, endpoint string, status int, d time.Duration)
	RecordError(endpoint, errorType string)
}

// Config holds per-resource cache TTLs and upstream endpoints.
type Config struct {
	WeatherTTL time.Duration
	ProxyTTL   time.Duration

	// CacheWriteTimeout bounds how long a response waits on its cache write.
	CacheWriteTimeout time.Duration

	Weather upstream.WeatherConfig
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		WeatherTTL:        600 * time.Second,
		ProxyTTL:          300 * time.Second,
		CacheWriteTimeout: 2 * time.Second,
		Weather:           upstream.DefaultWeatherConfig(),
	}
}

// Result is the outcome of one pipeline run, ready to be written to a client.
type Result struct {
	// StatusCode is the HTTP status for the response.
	StatusCode int

	// Body is the JSON response body. It always carries request_id.
	Body json.RawMessage

	// Cached reports whether the payload was served from the cache.
	Cached bool

	RequestID string

	// Category is empty on success.
	Category string
}

// ProxyInput describes a request to forward.
type ProxyInput struct {
	Method string

	// URL is the raw target from the "url" query parameter.
	URL string

	// Path is appended to the target path.
	Path string

	// Query holds the inbound query parameters; "url" is dropped.
	Query url.Values

	Header http.Header
	Body   []byte
}

// Pipeline runs requests end to end. It is safe for concurrent use.
type Pipeline struct {
	cache    Cache
	fetcher  Fetcher
	recorder Recorder
	config   Config
}

// New creates a Pipeline.
func New(c Cache, f Fetcher, r Recorder, cfg Config) *Pipeline {
	if c == nil || f == nil || r == nil {
		panic("pipeline: cache, fetcher and recorder are required")
	}

	def := DefaultConfig()
	if cfg.WeatherTTL <= 0 {
		cfg.WeatherTTL = def.WeatherTTL
	}
	if cfg.ProxyTTL <= 0 {
		cfg.ProxyTTL = def.ProxyTTL
	}
	if cfg.CacheWriteTimeout <= 0 {
		cfg.CacheWriteTimeout = def.CacheWriteTimeout
	}

	return &Pipeline{cache: c, fetcher: f, recorder: r, config: cfg}
}

// request is one run of the shared algorithm.
type request struct {
	method   string
	endpoint string
	op       upstream.Operation

	// invalid short-circuits the run before any cache or upstream call.
	invalid error

	// key is zero for requests that bypass the cache.
	key cache.Key
	ttl time.Duration

	// cacheable decides whether a fetched response is written back.
	cacheable func(*upstream.Response) bool
}

// Weather returns the current weather for city.
func (p *Pipeline) Weather(ctx context.Context, city string) *Result {
	op := upstream.NewWeatherOperation(city, p.config.Weather)

	req := request{
		method:    http.MethodGet,
		endpoint:  upstream.WeatherEndpoint,
		op:        op,
		invalid:   op.Validate(),
		ttl:       p.config.WeatherTTL,
		cacheable: func(*upstream.Response) bool { return true },
	}
	if req.invalid == nil {
		req.key = cache.WeatherKey(op.City())
	}

	return p.run(ctx, req)
}

// Proxy forwards in to its target. Only GET responses with status 200 are cached.
func (p *Pipeline) Proxy(ctx context.Context, in ProxyInput) *Result {
	req := request{
		method:   MethodLabel(in.Method),
		endpoint: upstream.ProxyEndpoint,
		ttl:      p.config.ProxyTTL,
		cacheable: func(resp *upstream.Response) bool {
			return resp.StatusCode == http.StatusOK
		},
	}

	target, err := upstream.ProxyTarget(in.URL, in.Path, in.Query)
	if err != nil {
		req.invalid = err
		return p.run(ctx, req)
	}

	op := upstream.NewProxyOperation(in.Method, target, in.Header, in.Body)
	req.method = MethodLabel(op.Method())
	req.op = op
	if req.invalid = op.Validate(); req.invalid == nil && cache.Eligible(op.Method()) {
		req.key = cache.ProxyKey(target)
	}

	return p.run(ctx, req)
}

func (p *Pipeline) run(ctx context.Context, req request) (res *Result) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	defer func() {
		status := http.StatusServiceUnavailable
		if res != nil {
			status = res.StatusCode
		}
		p.recorder.RecordRequest(req.method, req.endpoint, status, time.Since(start))
	}()

	if req.invalid != nil {
		logger.Debug().Err(req.invalid).Str("endpoint", req.endpoint).Msg("Rejected invalid request")
		return p.failure(ctx, req.endpoint, http.StatusBadRequest, CategoryBadRequest, req.invalid.Error())
	}

	eligible := !req.key.IsZero()
	if eligible {
		entry, err := p.cache.Get(ctx, req.key)
		switch {
		case err == nil:
			return p.success(ctx, req.endpoint, entry.Payload, entry.StatusCode, true)
		case errors.Is(err, cache.ErrCacheDegraded):
			logger.Warn().Err(err).Str("endpoint", req.endpoint).Msg("Cache unavailable, serving fresh")
		}
	}

	resp, err := p.fetcher.Fetch(ctx, req.op)
	if err != nil {
		return p.fetchFailure(ctx, req.endpoint, err)
	}

	if eligible && req.cacheable(resp) {
		p.store(ctx, req.key, resp, req.ttl)
	}

	return p.success(ctx, req.endpoint, resp.Payload, resp.StatusCode, false)
}

// store writes a fetched response back, bounded by CacheWriteTimeout. An
// abandoned request is never cached.
func (p *Pipeline) store(ctx context.Context, key cache.Key, resp *upstream.Response, ttl time.Duration) {
	if ctx.Err() != nil {
		return
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.CacheWriteTimeout)
	defer cancel()

	// Failures are already logged and counted by the store.
	_ = p.cache.Set(writeCtx, key, cache.NewEntry(resp.Payload, resp.StatusCode), ttl)
}

func (p *Pipeline) fetchFailure(ctx context.Context, endpoint string, err error) *Result {
	logger := logging.FromContext(ctx)

	switch {
	case errors.Is(err, upstream.ErrInvalidRequest):
		var fetchErr *upstream.FetchError
		detail := "invalid request"
		if errors.As(err, &fetchErr) && fetchErr.Err != nil {
			detail = fetchErr.Err.Error()
		}
		return p.failure(ctx, endpoint, http.StatusBadRequest, CategoryBadRequest, detail)

	case errors.Is(err, upstream.ErrTerminal):
		return p.failure(ctx, endpoint, http.StatusNotFound, CategoryNotFound, notFoundDetail(endpoint))

	case errors.Is(err, upstream.ErrCanceled):
		logger.Info().Str("endpoint", endpoint).Msg("Request abandoned by client")
		return p.failure(ctx, endpoint, StatusClientClosedRequest, CategoryCanceled, "request canceled")

	case errors.Is(err, upstream.ErrTransientExhausted):
		return p.failure(ctx, endpoint, http.StatusServiceUnavailable, CategoryUpstreamUnavailable,
			"upstream service unavailable")

	default:
		logger.Error().Err(err).Str("endpoint", endpoint).Msg("Unexpected upstream failure")
		return p.failure(ctx, endpoint, http.StatusServiceUnavailable, CategoryUpstreamUnavailable,
			"upstream service unavailable")
	}
}

func notFoundDetail(endpoint string) string {
	if endpoint == upstream.WeatherEndpoint {
		return "city not found"
	}
	return "resource not found"
}

func (p *Pipeline) success(ctx context.Context, endpoint string, payload json.RawMessage, status int, cached bool) *Result {
	id := requestid.FromContext(ctx)

	body, err := decorate(payload, cached, id)
	if err != nil {
		logging.FromContext(ctx).Error().Err(err).Msg("Failed to compose response body")
		return p.failure(ctx, endpoint, http.StatusServiceUnavailable, CategoryUpstreamUnavailable,
			"upstream service unavailable")
	}
	if status == 0 {
		status = http.StatusOK
	}

	return &Result{StatusCode: status, Body: body, Cached: cached, RequestID: id}
}

func (p *Pipeline) failure(ctx context.Context, endpoint string, status int, category, detail string) *Result {
	p.recorder.RecordError(endpoint, category)
	id := requestid.FromContext(ctx)
	return &Result{
		StatusCode: status,
		Body:       ErrorBody(category, detail, id),
		RequestID:  id,
		Category:   category,
	}
}

// MethodLabel folds a request method into the bounded set used as a metric
// label. Anything unrecognized becomes OTHER.
func MethodLabel(method string) string {
	switch m := strings.ToUpper(method); m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return m
	default:
		return "OTHER"
	}
}

// ErrorBody renders the error response shared by every endpoint.
func ErrorBody(category, detail, id string) json.RawMessage {
	body, _ := json.Marshal(struct {
		Error     string `json:"error"`
		Detail    string `json:"detail"`
		RequestID string `json:"request_id"`
	}{category, detail, id})
	return body
}

// decorate adds cached and request_id to a JSON object payload. Non-object
// payloads are nested under "data".
func decorate(payload json.RawMessage, cached bool, id string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{}
		if len(payload) > 0 {
			if !json.Valid(payload) {
				return nil, errors.New("payload is not valid JSON")
			}
			fields["data"] = payload
		}
	}

	cachedJSON, _ := json.Marshal(cached)
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	fields["cached"] = cachedJSON
	fields["request_id"] = idJSON

	return json.Marshal(fields)
}
