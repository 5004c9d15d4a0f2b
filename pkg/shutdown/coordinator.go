// Package shutdown drains in-flight requests and releases resources when
// the process is asked to terminate.
//
// States advance strictly forward:
//
//	Running -> Draining -> ClosingResources -> Terminated
//
// Draining ends when the in-flight count reaches zero or the grace window
// elapses. Each resource close is bounded on its own, and Terminated is
// reached after the hard ceiling even if a close hangs.
package shutdown

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/rs/zerolog"
)

// State is the coordinator lifecycle state.
type State int

const (
	Running State = iota
	Draining
	ClosingResources
	Terminated
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case ClosingResources:
		return "closing_resources"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ErrCloseTimeout is reported for a resource that did not close in time.
var ErrCloseTimeout = errors.New("resource close timed out")

// Config holds shutdown timing.
type Config struct {
	// Grace is the longest Draining waits for in-flight requests.
	Grace time.Duration

	// Timeout is the hard ceiling from signal to Terminated.
	Timeout time.Duration

	// ResourceTimeout bounds each resource close.
	ResourceTimeout time.Duration
}

// DefaultConfig returns the default shutdown timing.
func DefaultConfig() Config {
	return Config{
		Grace:           2 * time.Second,
		Timeout:         10 * time.Second,
		ResourceTimeout: 3 * time.Second,
	}
}

// CloseFunc releases one resource.
type CloseFunc func(ctx context.Context) error

type resource struct {
	name  string
	close CloseFunc
}

// Report summarizes a completed shutdown.
type Report struct {
	// Drained is false when the grace window elapsed with requests in flight.
	Drained bool

	// Abandoned is the in-flight count when draining stopped waiting.
	Abandoned int

	// Failed maps resource names to their close error.
	Failed map[string]error

	// Forced is true when the hard ceiling cut the sequence short.
	Forced bool

	Duration time.Duration
}

// Coordinator tracks in-flight requests and runs the shutdown sequence once.
type Coordinator struct {
	config Config
	logger zerolog.Logger

	mu        sync.Mutex
	state     State
	inflight  int
	idle      chan struct{}
	resources []resource

	once   sync.Once
	done   chan struct{}
	report Report
}

// New creates a Coordinator in the Running state.
func New(cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.Grace <= 0 {
		cfg.Grace = def.Grace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ResourceTimeout <= 0 {
		cfg.ResourceTimeout = def.ResourceTimeout
	}

	return &Coordinator{
		config: cfg,
		logger: logging.NewLogger("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a resource to close during ClosingResources. Resources close
// in registration order.
func (c *Coordinator) Register(name string, fn CloseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources = append(c.resources, resource{name: name, close: fn})
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InFlight returns the number of admitted requests still running.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

// Done is closed once Terminated is reached.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Acquire admits a request. It returns false once draining has begun; the
// returned release func is idempotent.
func (c *Coordinator) Acquire() (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Running {
		return nil, false
	}
	c.inflight++

	var once sync.Once
	return func() { once.Do(c.release) }, true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inflight--
	if c.inflight == 0 && c.idle != nil {
		close(c.idle)
		c.idle = nil
	}
}

// Middleware admits requests through Acquire and hands rejected ones to
// rejected. It matches mux.MiddlewareFunc.
func (c *Coordinator) Middleware(rejected http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := c.Acquire()
			if !ok {
				w.Header().Set("Connection", "close")
				rejected.ServeHTTP(w, r)
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}

// Shutdown runs the sequence on the first call and waits for Terminated or
// ctx, whichever comes first. Later calls only wait.
func (c *Coordinator) Shutdown(ctx context.Context) Report {
	c.once.Do(func() { go c.run() })

	select {
	case <-c.done:
		return c.report
	case <-ctx.Done():
		c.logger.Warn().Err(ctx.Err()).Msg("Stopped waiting for shutdown")
		return Report{Forced: true}
	}
}

func (c *Coordinator) run() {
	start := time.Now()
	hardCtx, cancel := context.WithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	finished := make(chan Report, 1)
	go func() {
		r := Report{Failed: make(map[string]error)}
		r.Drained, r.Abandoned = c.drain(hardCtx)
		c.closeResources(hardCtx, r.Failed)
		finished <- r
	}()

	var report Report
	select {
	case report = <-finished:
		report.Forced = hardCtx.Err() != nil
	case <-hardCtx.Done():
		c.logger.Error().Dur("timeout", c.config.Timeout).Msg("Shutdown hard timeout reached, terminating")
		report = Report{Forced: true, Failed: map[string]error{}}
	}

	report.Duration = time.Since(start)
	c.report = report
	c.setState(Terminated)
	c.logger.Info().
		Bool("drained", report.Drained).
		Int("failed_resources", len(report.Failed)).
		Bool("forced", report.Forced).
		Dur("duration", report.Duration).
		Msg("Shutdown complete")
	close(c.done)
}

// drain stops admission and waits for in-flight requests up to Grace.
func (c *Coordinator) drain(ctx context.Context) (drained bool, abandoned int) {
	c.mu.Lock()
	c.advance(Draining)
	inflight := c.inflight
	var idle chan struct{}
	if inflight > 0 {
		idle = make(chan struct{})
		c.idle = idle
	}
	c.mu.Unlock()

	c.logger.Info().Int("in_flight", inflight).Dur("grace", c.config.Grace).Msg("Draining requests")
	if idle == nil {
		return true, 0
	}

	timer := time.NewTimer(c.config.Grace)
	defer timer.Stop()

	select {
	case <-idle:
		return true, 0
	case <-timer.C:
	case <-ctx.Done():
	}

	abandoned = c.InFlight()
	c.logger.Warn().Int("in_flight", abandoned).Msg("Grace period elapsed with requests in flight")
	return false, abandoned
}

func (c *Coordinator) closeResources(ctx context.Context, failed map[string]error) {
	c.mu.Lock()
	c.advance(ClosingResources)
	resources := append([]resource(nil), c.resources...)
	c.mu.Unlock()

	for _, res := range resources {
		if err := c.closeOne(ctx, res); err != nil {
			failed[res.name] = err
			c.logger.Error().Err(err).Str("resource", res.name).Msg("Failed to close resource")
			continue
		}
		c.logger.Info().Str("resource", res.name).Msg("Closed resource")
	}
}

// closeOne returns when the close finishes or its timeout expires, even if
// the close func ignores its context.
func (c *Coordinator) closeOne(ctx context.Context, res resource) error {
	rctx, cancel := context.WithTimeout(ctx, c.config.ResourceTimeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- res.close(rctx) }()

	select {
	case err := <-result:
		return err
	case <-rctx.Done():
		return ErrCloseTimeout
	}
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance(s)
}

// advance moves the state forward only. c.mu must be held.
func (c *Coordinator) advance(s State) {
	if s > c.state {
		c.state = s
	}
}
