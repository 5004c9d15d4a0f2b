package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/Sternrassler/weather-proxy/pkg/cache"
	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
	"github.com/Sternrassler/weather-proxy/pkg/pipeline"
	"github.com/Sternrassler/weather-proxy/pkg/requestid"
)

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	res := s.pipeline.Weather(r.Context(), r.URL.Query().Get("city"))
	writeResult(w, res)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		if err != nil {
			start := time.Now()
			status, detail := http.StatusBadRequest, "unreadable request body"
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				status, detail = http.StatusRequestEntityTooLarge, "request body too large"
			}
			s.registry.RecordError("/proxy", pipeline.CategoryBadRequest)
			s.registry.RecordRequest(pipeline.MethodLabel(r.Method), "/proxy", status, time.Since(start))
			writeError(w, r, status, pipeline.CategoryBadRequest, detail)
			return
		}
	}

	q := r.URL.Query()
	res := s.pipeline.Proxy(r.Context(), pipeline.ProxyInput{
		Method: r.Method,
		URL:    q.Get("url"),
		Path:   mux.Vars(r)["path"],
		Query:  q,
		Header: r.Header,
		Body:   body,
	})
	writeResult(w, res)
}

type redisHealth struct {
	Status cache.ConnectionStatus `json:"status"`
	Error  string                 `json:"error,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"`
	Service   string           `json:"service"`
	Version   string           `json:"version"`
	Redis     redisHealth      `json:"redis"`
	Metrics   metrics.Snapshot `json:"metrics"`
	RequestID string           `json:"request_id"`
}

// handleHealth never probes Redis; it reports the monitor's last observation.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, errText := s.cache.Status()

	snap, err := s.registry.Snapshot()
	if err != nil {
		logging.FromContext(r.Context()).Warn().Err(err).Msg("Failed to snapshot metrics")
	}

	overall := "healthy"
	if status == cache.StatusDisconnected {
		overall = "degraded"
	}

	writeJSON(w, r, http.StatusOK, healthResponse{
		Status:    overall,
		Service:   ServiceName,
		Version:   Version,
		Redis:     redisHealth{Status: status, Error: errText},
		Metrics:   snap,
		RequestID: requestid.FromContext(r.Context()),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{
		"service":    ServiceName,
		"status":     "running",
		"version":    Version,
		"request_id": requestid.FromContext(r.Context()),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.reject(w, r, http.StatusNotFound, pipeline.CategoryNotFound, "route not found")
}

func (s *Server) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.reject(w, r, http.StatusMethodNotAllowed, pipeline.CategoryBadRequest, "method not allowed")
}

func (s *Server) handleShuttingDown(w http.ResponseWriter, r *http.Request) {
	s.reject(w, r, http.StatusServiceUnavailable, pipeline.CategoryShuttingDown, "server is shutting down")
}

// reject answers a request that never reaches a handler, counting it once.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, category, detail string) {
	endpoint := endpointLabel(r.URL.Path)
	s.registry.RecordError(endpoint, category)
	s.registry.RecordRequest(pipeline.MethodLabel(r.Method), endpoint, status, 0)
	writeError(w, r, status, category, detail)
}

func writeResult(w http.ResponseWriter, res *pipeline.Result) {
	if res.Category == "" {
		if res.Cached {
			w.Header().Set("X-Cache", "HIT")
		} else {
			w.Header().Set("X-Cache", "MISS")
		}
	}
	writeBody(w, res.StatusCode, res.Body)
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		logging.FromContext(r.Context()).Error().Err(err).Msg("Failed to encode response")
		writeError(w, r, http.StatusServiceUnavailable, pipeline.CategoryUpstreamUnavailable, "service unavailable")
		return
	}
	writeBody(w, status, body)
}
