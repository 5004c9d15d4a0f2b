package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/pipeline"
	"github.com/Sternrassler/weather-proxy/pkg/requestid"
)

// responseWriter captures the status code and size of a response.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// accessLog writes one line per request at a level chosen by status.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)

		next.ServeHTTP(rw, r)

		logger := logging.FromContext(r.Context())
		event := logger.Info()
		switch {
		case rw.statusCode >= 500:
			event = logger.Error()
		case rw.statusCode >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status_code", rw.statusCode).
			Int64("response_size", rw.size).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

// recoverer turns a handler panic into a 503 upstream_unavailable body.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := wrap(w)
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				logging.FromContext(r.Context()).Error().
					Interface("panic", err).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Msg("Panic recovered in request handler")
				if !rw.wroteHeader {
					writeError(rw, r, http.StatusServiceUnavailable, pipeline.CategoryUpstreamUnavailable, "service unavailable")
				}
			}
		}()
		next.ServeHTTP(rw, r)
	})
}

// instrument records requests_total and request_duration for endpoints
// served outside the pipeline.
func (s *Server) instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)
		status := http.StatusServiceUnavailable
		defer func() {
			if rw.wroteHeader {
				status = rw.statusCode
			}
			s.registry.RecordRequest(pipeline.MethodLabel(r.Method), endpoint, status, time.Since(start))
		}()
		next.ServeHTTP(rw, r)
	})
}

// endpointLabel maps a path onto the fixed endpoint label set.
func endpointLabel(path string) string {
	switch {
	case path == "/weather", path == "/health", path == "/metrics", path == "/":
		return path
	case path == "/proxy", strings.HasPrefix(path, "/proxy/"):
		return "/proxy"
	default:
		return "unmatched"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, category, detail string) {
	body := pipeline.ErrorBody(category, detail, requestid.FromContext(r.Context()))
	writeBody(w, status, body)
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
