package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/weather-proxy/internal/testutil"
	"github.com/Sternrassler/weather-proxy/pkg/cache"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
	"github.com/Sternrassler/weather-proxy/pkg/pipeline"
	"github.com/Sternrassler/weather-proxy/pkg/requestid"
	"github.com/Sternrassler/weather-proxy/pkg/shutdown"
	"github.com/Sternrassler/weather-proxy/pkg/upstream"
)

type testEnv struct {
	server      *httptest.Server
	mock        *testutil.MockUpstream
	store       *cache.Store
	registry    *metrics.Registry
	fetcher     *upstream.Fetcher
	coordinator *shutdown.Coordinator
}

func newTestEnv(t *testing.T, client redis.UniversalClient) *testEnv {
	t.Helper()

	env := &testEnv{
		mock:        testutil.NewMockUpstream(),
		registry:    metrics.NewRegistry(),
		coordinator: shutdown.New(shutdown.Config{Grace: 100 * time.Millisecond, Timeout: time.Second, ResourceTimeout: 100 * time.Millisecond}),
	}
	t.Cleanup(env.mock.Close)

	env.store = cache.NewStore(client, env.registry, cache.StoreConfig{OperationTimeout: time.Second})
	env.fetcher = upstream.New(upstream.DefaultConfig(), env.registry)
	env.fetcher.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	cfg := pipeline.DefaultConfig()
	cfg.Weather = upstream.WeatherConfig{GeocodingURL: env.mock.GeocodingURL(), ForecastURL: env.mock.ForecastURL()}
	p := pipeline.New(env.store, env.fetcher, env.registry, cfg)

	srv := New(p, env.registry, env.store, env.coordinator)
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)

	return env
}

func newRedisEnv(t *testing.T) (*testEnv, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newTestEnv(t, client), mr
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, header http.Header) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, e.server.URL+path, body)
	require.NoError(t, err)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	} else {
		out = map[string]any{"raw": string(raw)}
	}
	return resp, out
}

func TestNew_PanicsOnMissingDependencies(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil, nil, nil) })
}

func TestWeather_MissThenHit(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodGet, "/weather?city=London", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "London", body["city"])
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, resp.Header.Get(requestid.Header), body["request_id"])
	assert.NotEmpty(t, body["request_id"])

	resp2, body2 := env.do(t, http.MethodGet, "/weather?city=london", nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, true, body2["cached"])
	assert.Equal(t, "HIT", resp2.Header.Get("X-Cache"))
	assert.NotEqual(t, body["request_id"], body2["request_id"])
	assert.Equal(t, int64(1), env.fetcher.Attempts())
}

func TestWeather_CustomRequestID(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodGet, "/weather?city=London", nil, http.Header{requestid.Header: {"abc-123"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "abc-123", resp.Header.Get(requestid.Header))
	assert.Equal(t, "abc-123", body["request_id"])
}

func TestWeather_Errors(t *testing.T) {
	env, _ := newRedisEnv(t)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantError  string
	}{
		{"missing city", "/weather", http.StatusBadRequest, pipeline.CategoryBadRequest},
		{"blank city", "/weather?city=%20%20", http.StatusBadRequest, pipeline.CategoryBadRequest},
		{"unknown city", "/weather?city=Zzzznotacity", http.StatusNotFound, pipeline.CategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := env.do(t, http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, tt.wantError, body["error"])
			assert.NotEmpty(t, body["detail"])
			assert.Equal(t, resp.Header.Get(requestid.Header), body["request_id"])
		})
	}
}

func TestWeather_UpstreamUnavailable(t *testing.T) {
	env, _ := newRedisEnv(t)
	env.mock.SetResponse(testutil.GeocodingPath, testutil.NewServerErrorResponse())

	resp, body := env.do(t, http.MethodGet, "/weather?city=London", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, pipeline.CategoryUpstreamUnavailable, body["error"])
	assert.Equal(t, 3, env.mock.PathCount(testutil.GeocodingPath))
}

func TestProxy_Get(t *testing.T) {
	env, mr := newRedisEnv(t)

	path := "/proxy/items?url=" + env.mock.URL() + "&page=2"
	resp, body := env.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(200), body["status_code"])
	assert.Equal(t, false, body["cached"])
	assert.Contains(t, body["content"], `"path":"/items"`)
	assert.Contains(t, body["content"], `"query":"page=2"`)
	assert.NotEmpty(t, mr.Keys())

	resp2, body2 := env.do(t, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.Equal(t, true, body2["cached"])
	assert.Equal(t, 1, env.mock.PathCount("/items"))
}

func TestProxy_PostForwardsBody(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodPost, "/proxy/submit?url="+env.mock.URL(),
		strings.NewReader(`{"name":"x"}`), http.Header{"Content-Type": {"application/json"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, `{"name":"x"}`, string(env.mock.LastRequestBody()))
	assert.Equal(t, http.MethodPost, env.mock.LastRequestMethod())
	assert.Equal(t, resp.Header.Get(requestid.Header), env.mock.LastRequestHeader().Get(requestid.Header))
}

func TestProxy_RelaysUpstreamStatus(t *testing.T) {
	env, _ := newRedisEnv(t)
	env.mock.SetResponse("/missing", testutil.NewNotFoundResponse())

	resp, body := env.do(t, http.MethodGet, "/proxy/missing?url="+env.mock.URL(), nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, float64(404), body["status_code"])
}

func TestProxy_MissingURL(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodGet, "/proxy/anything", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, pipeline.CategoryBadRequest, body["error"])
}

func TestHealth(t *testing.T) {
	t.Run("connected", func(t *testing.T) {
		env, _ := newRedisEnv(t)
		require.NoError(t, env.store.Probe(context.Background()))
		env.do(t, http.MethodGet, "/weather?city=London", nil, nil)

		resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, ServiceName, body["service"])
		assert.Equal(t, map[string]any{"status": "connected"}, body["redis"])

		m := body["metrics"].(map[string]any)
		assert.Equal(t, float64(1), m["total_requests"])
		assert.Equal(t, float64(0), m["total_errors"])
		assert.Contains(t, m, "request_duration")
		assert.Equal(t, map[string]any{"200": float64(1)}, m["upstream_status_codes"])
	})

	t.Run("not configured", func(t *testing.T) {
		env := newTestEnv(t, nil)

		_, body := env.do(t, http.MethodGet, "/health", nil, nil)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "not_configured", body["redis"].(map[string]any)["status"])
	})

	t.Run("disconnected", func(t *testing.T) {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 200 * time.Millisecond, MaxRetries: -1})
		t.Cleanup(func() { _ = client.Close() })
		env := newTestEnv(t, client)
		require.Error(t, env.store.Probe(context.Background()))

		start := time.Now()
		_, body := env.do(t, http.MethodGet, "/health", nil, nil)
		assert.Less(t, time.Since(start), time.Second, "health must not block on redis")
		assert.Equal(t, "degraded", body["status"])
		redisBody := body["redis"].(map[string]any)
		assert.Equal(t, "disconnected", redisBody["status"])
		assert.NotEmpty(t, redisBody["error"])
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env, _ := newRedisEnv(t)
	env.do(t, http.MethodGet, "/weather?city=Berlin", nil, nil)

	resp, body := env.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	text := body["raw"].(string)
	assert.Contains(t, text, "# HELP weather_proxy_requests_total")
	assert.Contains(t, text, "# TYPE weather_proxy_requests_total counter")
	assert.Contains(t, text, `weather_proxy_requests_total{endpoint="/weather",method="GET",status="200"} 1`)
	assert.Contains(t, text, `weather_proxy_cache_operations_total{operation="get",result="miss"} 1`)
	assert.Contains(t, text, `weather_proxy_upstream_status_total{endpoint="/weather",status_code="200"} 1`)
	assert.NotEmpty(t, resp.Header.Get(requestid.Header))
}

func TestRoot(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, resp.Header.Get(requestid.Header), body["request_id"])
}

func TestUnknownRoute(t *testing.T) {
	env, _ := newRedisEnv(t)

	resp, body := env.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, pipeline.CategoryNotFound, body["error"])
	assert.NotEmpty(t, body["request_id"])

	resp, body = env.do(t, http.MethodDelete, "/weather?city=London", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, pipeline.CategoryBadRequest, body["error"])
}

func TestRequestsCountedOnce(t *testing.T) {
	env, _ := newRedisEnv(t)

	env.do(t, http.MethodGet, "/weather?city=London", nil, nil)
	env.do(t, http.MethodGet, "/weather", nil, nil)
	env.do(t, http.MethodGet, "/", nil, nil)
	env.do(t, http.MethodGet, "/nope", nil, nil)

	snap, err := env.registry.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(4), snap.TotalRequests)
	assert.Equal(t, uint64(4), snap.RequestDuration.Count)
	assert.Equal(t, float64(2), snap.TotalErrors)
}

func TestShuttingDown(t *testing.T) {
	env, _ := newRedisEnv(t)
	env.coordinator.Shutdown(context.Background())

	resp, body := env.do(t, http.MethodGet, "/weather?city=London", nil, http.Header{requestid.Header: {"late-1"}})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, pipeline.CategoryShuttingDown, body["error"])
	assert.Equal(t, "late-1", body["request_id"])
	assert.Equal(t, "late-1", resp.Header.Get(requestid.Header))
	assert.Equal(t, 0, env.mock.RequestCount())
}

func TestRecoverer(t *testing.T) {
	h := requestid.Middleware(recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/weather", nil)
	r.Header.Set(requestid.Header, "panic-1")
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"upstream_unavailable","detail":"service unavailable","request_id":"panic-1"}`, w.Body.String())
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"/weather":        "/weather",
		"/proxy":          "/proxy",
		"/proxy/a/b/c":    "/proxy",
		"/health":         "/health",
		"/metrics":        "/metrics",
		"/":               "/",
		"/random/path/42": "unmatched",
	}
	for path, want := range tests {
		assert.Equal(t, want, endpointLabel(path), path)
	}
}
