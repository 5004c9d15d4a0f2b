// Package metrics provides the process-wide metrics registry for the weather proxy.
//
// A Registry wraps an isolated prometheus.Registry instead of the default
// global registerer, so the composition root owns exactly one instance and
// every test can build its own. Series are vectors created at construction;
// individual label combinations are created lazily on first observation.
//
// Series (all prefixed with weather_proxy_):
//   - requests_total{method, endpoint, status} (Counter)
//   - request_duration_seconds{method, endpoint} (Histogram)
//   - errors_total{endpoint, error_type} (Counter)
//   - cache_operations_total{operation, result} (Counter)
//   - upstream_status_total{endpoint, status_code} (Counter)
//   - upstream_retries_total{endpoint} (Counter)
//   - upstream_backoff_seconds{endpoint} (Histogram)
//   - redis_connected (Gauge)
//
// Label values come from small fixed sets (logical endpoint names, HTTP
// methods and status codes, cache results). Never label by request id or
// target URL.
//
// Example Prometheus Queries:
//
//	# Cache Hit Rate
//	sum(rate(weather_proxy_cache_operations_total{operation="get",result="hit"}[5m])) /
//	sum(rate(weather_proxy_cache_operations_total{operation="get"}[5m]))
//
//	# P95 Request Latency
//	histogram_quantile(0.95, rate(weather_proxy_request_duration_seconds_bucket[5m]))
//
//	# Upstream failure rate
//	sum(rate(weather_proxy_upstream_status_total{status_code=~"5..|network_error"}[5m]))
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every series name.
const Namespace = "weather_proxy"

// Series names, without the namespace prefix.
const (
	RequestsTotal          = "requests_total"
	RequestDuration        = "request_duration_seconds"
	ErrorsTotal            = "errors_total"
	CacheOperationsTotal   = "cache_operations_total"
	UpstreamStatusTotal    = "upstream_status_total"
	UpstreamRetriesTotal   = "upstream_retries_total"
	UpstreamBackoffSeconds = "upstream_backoff_seconds"
	RedisConnected         = "redis_connected"
)

// Cache operation label values.
const (
	CacheGet = "get"
	CacheSet = "set"

	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
	CacheOK    = "success"
)

// StatusNetworkError labels an upstream outcome without any HTTP response.
const StatusNetworkError = "network_error"

// ErrUnknownSeries is returned for a series name the registry does not define.
var ErrUnknownSeries = errors.New("unknown metric series")

// Registry aggregates counters and histograms for one process.
// The vector maps are written only by NewRegistry; all later access is
// read-only, and each series is updated atomically by client_golang.
type Registry struct {
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	redisUp    prometheus.Gauge
}

// NewRegistry creates a registry with every weather proxy series registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	r.counter(RequestsTotal, "Total number of requests by method, endpoint and status",
		"method", "endpoint", "status")
	r.counter(ErrorsTotal, "Total number of failed requests by endpoint and error type",
		"endpoint", "error_type")
	r.counter(CacheOperationsTotal, "Total number of cache operations by operation and result",
		"operation", "result")
	r.counter(UpstreamStatusTotal, "Final upstream outcome by endpoint and status code",
		"endpoint", "status_code")
	r.counter(UpstreamRetriesTotal, "Total number of upstream retry attempts by endpoint",
		"endpoint")

	r.histogram(RequestDuration, "Request duration in seconds by method and endpoint",
		[]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		"method", "endpoint")
	r.histogram(UpstreamBackoffSeconds, "Backoff slept before an upstream retry by endpoint",
		[]float64{0.5, 1, 2, 5, 10, 30, 60},
		"endpoint")

	r.redisUp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      RedisConnected,
		Help:      "Redis connection status (1 = connected, 0 = disconnected)",
	})
	r.reg.MustRegister(r.redisUp)

	return r
}

func (r *Registry) counter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) histogram(name, help string, buckets []float64, labels ...string) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

// IncCounter increments the counter series identified by name and labels,
// creating it on first use. The label set must match the series definition.
func (r *Registry) IncCounter(name string, labels prometheus.Labels) error {
	vec, ok := r.counters[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSeries, name)
	}
	c, err := vec.GetMetricWith(labels)
	if err != nil {
		return fmt.Errorf("counter %s: %w", name, err)
	}
	c.Inc()
	return nil
}

// ObserveDuration records one observation, in seconds, into a histogram series.
func (r *Registry) ObserveDuration(name string, labels prometheus.Labels, seconds float64) error {
	vec, ok := r.histograms[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSeries, name)
	}
	h, err := vec.GetMetricWith(labels)
	if err != nil {
		return fmt.Errorf("histogram %s: %w", name, err)
	}
	h.Observe(seconds)
	return nil
}

// RecordRequest records the single requests_total increment and
// request_duration observation owed by every handled request.
func (r *Registry) RecordRequest(method, endpoint string, status int, d time.Duration) {
	r.counters[RequestsTotal].WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	r.histograms[RequestDuration].WithLabelValues(method, endpoint).Observe(d.Seconds())
}

// RecordError counts a failed request under its stable error category.
func (r *Registry) RecordError(endpoint, errorType string) {
	r.counters[ErrorsTotal].WithLabelValues(endpoint, errorType).Inc()
}

// RecordCacheOperation counts one cache get or set outcome.
func (r *Registry) RecordCacheOperation(operation, result string) {
	r.counters[CacheOperationsTotal].WithLabelValues(operation, result).Inc()
}

// RecordUpstreamStatus counts the final outcome of one upstream fetch.
// statusCode is an HTTP status code or StatusNetworkError.
func (r *Registry) RecordUpstreamStatus(endpoint, statusCode string) {
	r.counters[UpstreamStatusTotal].WithLabelValues(endpoint, statusCode).Inc()
}

// RecordRetry counts one retry and the backoff slept before it.
func (r *Registry) RecordRetry(endpoint string, backoff time.Duration) {
	r.counters[UpstreamRetriesTotal].WithLabelValues(endpoint).Inc()
	r.histograms[UpstreamBackoffSeconds].WithLabelValues(endpoint).Observe(backoff.Seconds())
}

// SetRedisConnected publishes the cache backing connection state.
func (r *Registry) SetRedisConnected(connected bool) {
	if connected {
		r.redisUp.Set(1)
		return
	}
	r.redisUp.Set(0)
}

// Gatherer exposes the underlying registry, e.g. for prometheus/testutil.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the text exposition format for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
