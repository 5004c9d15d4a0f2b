// Package server is the HTTP ingress of the weather proxy.
package server

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Sternrassler/weather-proxy/pkg/cache"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
	"github.com/Sternrassler/weather-proxy/pkg/pipeline"
	"github.com/Sternrassler/weather-proxy/pkg/requestid"
	"github.com/Sternrassler/weather-proxy/pkg/shutdown"
)

const (
	ServiceName = "weather-proxy"
	Version     = "1.0.0"
)

// maxProxyBody bounds a forwarded request body.
const maxProxyBody = 10 << 20

var proxyMethods = []string{
	http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch,
}

// CacheStatus reports the last observed cache connection state without
// touching the network. *cache.Store implements it.
type CacheStatus interface {
	Status() (cache.ConnectionStatus, string)
}

// Server routes requests into the pipeline.
type Server struct {
	pipeline    *pipeline.Pipeline
	registry    *metrics.Registry
	cache       CacheStatus
	coordinator *shutdown.Coordinator
	handler     http.Handler
}

// New builds the router and middleware chain.
func New(p *pipeline.Pipeline, registry *metrics.Registry, cacheStatus CacheStatus, coordinator *shutdown.Coordinator) *Server {
	if p == nil || registry == nil || cacheStatus == nil || coordinator == nil {
		panic("server: pipeline, registry, cache status and coordinator are required")
	}

	s := &Server{
		pipeline:    p,
		registry:    registry,
		cache:       cacheStatus,
		coordinator: coordinator,
	}

	r := mux.NewRouter()
	r.HandleFunc("/weather", s.handleWeather).Methods(http.MethodGet)
	r.HandleFunc("/proxy", s.handleProxy).Methods(proxyMethods...)
	r.HandleFunc("/proxy/{path:.*}", s.handleProxy).Methods(proxyMethods...)
	r.Handle("/health", s.instrument("/health", http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	r.Handle("/metrics", s.instrument("/metrics", registry.Handler())).Methods(http.MethodGet)
	r.Handle("/", s.instrument("/", http.HandlerFunc(s.handleRoot))).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.handleMethodNotAllowed)

	var h http.Handler = r
	h = coordinator.Middleware(http.HandlerFunc(s.handleShuttingDown))(h)
	h = recoverer(h)
	h = accessLog(h)
	h = requestid.Middleware(h)
	s.handler = h

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// HTTPServer returns a listener-ready server. WriteTimeout leaves room for
// a full retry cycle against a slow upstream.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
}
