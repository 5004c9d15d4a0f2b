// Package requestid binds a correlation identifier to the lifetime of one
// inbound request.
//
// The identifier travels in the request's context.Context rather than in
// function parameters. Every component that logs or records metrics while
// handling the request reads it back with FromContext, and outside a request
// scope the sentinel NoRequestID is returned instead.
//
//	ctx, scope := requestid.Begin(r.Context(), r.Header.Get(requestid.Header))
//	defer scope.End()
//
// Begin also stores a zerolog logger carrying the request_id field in the
// context, so zerolog.Ctx(ctx) emits correlated log lines.
package requestid

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// Header is the inbound and outbound correlation header.
	Header = "X-Request-ID"

	// NoRequestID is reported when no request scope is active
	// (startup, shutdown, background work).
	NoRequestID = "no-request-id"
)

type contextKey struct{}

// Scope is the per-request binding created by Begin.
type Scope struct {
	id     string
	cancel context.CancelFunc
	once   sync.Once
}

// ID returns the correlation identifier bound by this scope.
func (s *Scope) ID() string {
	return s.id
}

// End releases the scope. Calling End more than once is a no-op.
func (s *Scope) End() {
	s.once.Do(s.cancel)
}

// New generates a fresh random identifier.
func New() string {
	return uuid.NewString()
}

// Begin binds a correlation identifier to a new child of ctx.
// A non-empty inbound value is reused verbatim; otherwise a fresh identifier
// is generated. The returned scope must be ended exactly once on every exit path.
func Begin(ctx context.Context, inbound string) (context.Context, *Scope) {
	id := inbound
	if strings.TrimSpace(id) == "" {
		id = New()
	}

	ctx, cancel := context.WithCancel(ctx)
	ctx = context.WithValue(ctx, contextKey{}, id)

	logger := log.Logger.With().Str("request_id", id).Logger()
	ctx = logger.WithContext(ctx)

	return ctx, &Scope{id: id, cancel: cancel}
}

// FromContext returns the identifier bound to ctx, or NoRequestID.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return NoRequestID
	}
	if id, ok := ctx.Value(contextKey{}).(string); ok && id != "" {
		return id
	}
	return NoRequestID
}

// Bound reports whether ctx carries a request scope.
func Bound(ctx context.Context) bool {
	return FromContext(ctx) != NoRequestID
}
