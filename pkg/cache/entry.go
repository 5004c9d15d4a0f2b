package cache

import (
	"encoding/json"
	"time"
)

// Entry is a cached response payload.
type Entry struct {
	// Payload is the structured response body (a JSON object).
	Payload json.RawMessage `json:"payload"`

	// StatusCode is the status of the response that produced the payload.
	StatusCode int `json:"status_code"`

	// CachedAt is when the payload was written.
	CachedAt time.Time `json:"cached_at"`

	// Expires mirrors the Redis TTL so a stale read is detectable.
	Expires time.Time `json:"expires"`
}

// NewEntry wraps a payload for caching.
func NewEntry(payload json.RawMessage, statusCode int) *Entry {
	return &Entry{
		Payload:    payload,
		StatusCode: statusCode,
	}
}

// IsExpired returns true if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return !e.Expires.IsZero() && time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
