package shutdown

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		Grace:           200 * time.Millisecond,
		Timeout:         2 * time.Second,
		ResourceTimeout: 200 * time.Millisecond,
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "closing_resources", ClosingResources.String())
	assert.Equal(t, "terminated", Terminated.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNew_AppliesDefaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultConfig(), c.config)
	assert.Equal(t, Running, c.State())
}

func TestAcquireRelease(t *testing.T) {
	c := New(fastConfig())

	release1, ok := c.Acquire()
	require.True(t, ok)
	release2, ok := c.Acquire()
	require.True(t, ok)
	assert.Equal(t, 2, c.InFlight())

	release1()
	release1()
	assert.Equal(t, 1, c.InFlight(), "release must be idempotent")

	release2()
	assert.Equal(t, 0, c.InFlight())
}

func TestShutdown_ClosesResourcesInOrder(t *testing.T) {
	c := New(fastConfig())

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"http-server", "upstream", "cache"} {
		name := name
		c.Register(name, func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
	}

	report := c.Shutdown(context.Background())

	assert.True(t, report.Drained)
	assert.False(t, report.Forced)
	assert.Empty(t, report.Failed)
	assert.Equal(t, []string{"http-server", "upstream", "cache"}, order)
	assert.Equal(t, Terminated, c.State())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done() should be closed after Shutdown returns")
	}
}

func TestShutdown_WaitsForInFlight(t *testing.T) {
	cfg := fastConfig()
	cfg.Grace = 5 * time.Second
	c := New(cfg)

	release, ok := c.Acquire()
	require.True(t, ok)

	reports := make(chan Report, 1)
	go func() { reports <- c.Shutdown(context.Background()) }()

	require.Eventually(t, func() bool { return c.State() == Draining }, time.Second, 5*time.Millisecond)

	_, ok = c.Acquire()
	assert.False(t, ok, "no new requests are admitted while draining")

	start := time.Now()
	release()

	select {
	case report := <-reports:
		assert.True(t, report.Drained)
		assert.Zero(t, report.Abandoned)
		assert.Less(t, time.Since(start), time.Second, "drain should end as soon as in-flight reaches zero")
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not finish after the last request completed")
	}
}

func TestShutdown_GraceElapses(t *testing.T) {
	cfg := fastConfig()
	cfg.Grace = 50 * time.Millisecond
	c := New(cfg)

	release, ok := c.Acquire()
	require.True(t, ok)
	defer release()

	var closed atomic.Bool
	c.Register("cache", func(context.Context) error {
		closed.Store(true)
		return nil
	})

	report := c.Shutdown(context.Background())

	assert.False(t, report.Drained)
	assert.Equal(t, 1, report.Abandoned)
	assert.True(t, closed.Load(), "resources close even when requests are still running")
	assert.Equal(t, Terminated, c.State())
}

func TestShutdown_CloseFailureDoesNotBlockOthers(t *testing.T) {
	c := New(fastConfig())
	boom := errors.New("boom")

	var upstreamClosed atomic.Bool
	c.Register("cache", func(context.Context) error { return boom })
	c.Register("upstream", func(context.Context) error {
		upstreamClosed.Store(true)
		return nil
	})

	report := c.Shutdown(context.Background())

	require.Len(t, report.Failed, 1)
	assert.ErrorIs(t, report.Failed["cache"], boom)
	assert.True(t, upstreamClosed.Load())
	assert.False(t, report.Forced)
}

func TestShutdown_HangingCloseIsBounded(t *testing.T) {
	c := New(fastConfig())

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	var cacheClosed atomic.Bool
	c.Register("upstream", func(context.Context) error {
		<-block
		return nil
	})
	c.Register("cache", func(context.Context) error {
		cacheClosed.Store(true)
		return nil
	})

	start := time.Now()
	report := c.Shutdown(context.Background())

	assert.ErrorIs(t, report.Failed["upstream"], ErrCloseTimeout)
	assert.True(t, cacheClosed.Load(), "a hanging close must not block the next one")
	assert.Less(t, time.Since(start), time.Second)
}

func TestShutdown_HardCeiling(t *testing.T) {
	c := New(Config{
		Grace:           5 * time.Second,
		Timeout:         100 * time.Millisecond,
		ResourceTimeout: 5 * time.Second,
	})

	release, ok := c.Acquire()
	require.True(t, ok)
	defer release()

	start := time.Now()
	report := c.Shutdown(context.Background())

	assert.True(t, report.Forced)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Terminated, c.State())
}

func TestShutdown_Idempotent(t *testing.T) {
	c := New(fastConfig())

	var calls atomic.Int32
	c.Register("cache", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Shutdown(context.Background())
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Terminated, c.State())
}

func TestShutdown_CallerStopsWaiting(t *testing.T) {
	cfg := fastConfig()
	cfg.Grace = 300 * time.Millisecond
	c := New(cfg)

	release, ok := c.Acquire()
	require.True(t, ok)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := c.Shutdown(ctx)
	assert.True(t, report.Forced)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown sequence should continue after the caller stops waiting")
	}
}

func TestMiddleware(t *testing.T) {
	c := New(fastConfig())

	var seen int
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = c.InFlight()
		w.WriteHeader(http.StatusOK)
	})
	rejected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	handler := c.Middleware(rejected)(next)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, seen)
	assert.Equal(t, 0, c.InFlight())

	c.Shutdown(context.Background())

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/weather", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))
}
