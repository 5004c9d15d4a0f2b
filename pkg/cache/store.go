package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
	"github.com/Sternrassler/weather-proxy/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDegraded indicates the backing store could not serve the operation.
	// Degraded lookups wrap ErrCacheMiss as well.
	ErrCacheDegraded = errors.New("cache degraded")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Recorder receives cache outcomes. *metrics.Registry implements it.
type Recorder interface {
	RecordCacheOperation(operation, result string)
	SetRedisConnected(connected bool)
}

// StoreConfig holds Store tuning.
type StoreConfig struct {
	// OperationTimeout bounds every Redis round trip.
	OperationTimeout time.Duration
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		OperationTimeout: 5 * time.Second,
	}
}

// Store is the cache-aside store over Redis. It is safe for concurrent use;
// the Redis client's connection pool is shared by all callers.
type Store struct {
	redis    redis.UniversalClient
	recorder Recorder
	config   StoreConfig

	mu      sync.RWMutex
	status  ConnectionStatus
	lastErr string
}

// NewStore creates a cache store. A nil redisClient yields a store that is
// not configured: every Get misses and every Set is a no-op.
func NewStore(redisClient redis.UniversalClient, recorder Recorder, cfg StoreConfig) *Store {
	if recorder == nil {
		panic("cache recorder cannot be nil")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = DefaultStoreConfig().OperationTimeout
	}

	s := &Store{
		redis:    redisClient,
		recorder: recorder,
		config:   cfg,
		status:   StatusNotConfigured,
	}
	if redisClient != nil {
		s.status = StatusDisconnected
	}
	recorder.SetRedisConnected(false)
	return s
}

// Configured reports whether a Redis client backs the store.
func (s *Store) Configured() bool {
	return s.redis != nil
}

// Get retrieves a cache entry by key.
// Returns an error wrapping ErrCacheMiss if the key doesn't exist, the entry
// is unreadable, or Redis is unavailable; the last case also wraps
// ErrCacheDegraded.
func (s *Store) Get(ctx context.Context, key Key) (*Entry, error) {
	if s.redis == nil {
		return nil, ErrCacheMiss
	}

	logger := logging.FromContext(ctx)
	cacheKey := key.String()

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	data, err := s.redis.Get(opCtx, cacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			s.markConnected()
			s.recorder.RecordCacheOperation(metrics.CacheGet, metrics.CacheMiss)
			logger.Debug().Str("component", "cache").Str("cache_key", cacheKey).Msg("Cache miss")
			return nil, ErrCacheMiss
		}

		s.recorder.RecordCacheOperation(metrics.CacheGet, metrics.CacheError)
		s.observeFailure(ctx, err)
		logger.Warn().Err(err).Str("component", "cache").Str("cache_key", cacheKey).
			Msg("Cache read failed, fetching fresh")
		return nil, fmt.Errorf("%w (%w): redis get: %w", ErrCacheMiss, ErrCacheDegraded, err)
	}
	s.markConnected()

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.recorder.RecordCacheOperation(metrics.CacheGet, metrics.CacheError)
		logger.Warn().Err(err).Str("component", "cache").Str("cache_key", cacheKey).
			Msg("Discarding unreadable cache entry")
		return nil, fmt.Errorf("%w: %w: %v", ErrCacheMiss, ErrInvalidEntry, err)
	}

	if entry.IsExpired() {
		s.recorder.RecordCacheOperation(metrics.CacheGet, metrics.CacheMiss)
		return nil, ErrCacheMiss
	}

	s.recorder.RecordCacheOperation(metrics.CacheGet, metrics.CacheHit)
	logger.Debug().Str("component", "cache").Str("cache_key", cacheKey).Msg("Cache hit")

	return &entry, nil
}

// Set stores a cache entry for ttl. It is best effort: failures are logged
// and counted, and the returned error (wrapping ErrCacheDegraded) exists
// only for callers that want to inspect it.
func (s *Store) Set(ctx context.Context, key Key, entry *Entry, ttl time.Duration) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}
	if s.redis == nil || ttl <= 0 {
		return nil
	}

	logger := logging.FromContext(ctx)
	cacheKey := key.String()

	now := time.Now()
	stored := *entry
	stored.CachedAt = now
	stored.Expires = now.Add(ttl)

	data, err := json.Marshal(&stored)
	if err != nil {
		s.recorder.RecordCacheOperation(metrics.CacheSet, metrics.CacheError)
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	if err := s.redis.Set(opCtx, cacheKey, data, ttl).Err(); err != nil {
		s.recorder.RecordCacheOperation(metrics.CacheSet, metrics.CacheError)
		s.observeFailure(ctx, err)
		logger.Warn().Err(err).Str("component", "cache").Str("cache_key", cacheKey).
			Msg("Cache write failed")
		return fmt.Errorf("%w: redis set: %w", ErrCacheDegraded, err)
	}
	s.markConnected()

	s.recorder.RecordCacheOperation(metrics.CacheSet, metrics.CacheOK)
	logger.Info().Str("component", "cache").Str("cache_key", cacheKey).Dur("ttl", ttl).
		Msg("Cached response")

	return nil
}

// Close releases the Redis connection pool.
func (s *Store) Close() error {
	if s.redis == nil {
		return nil
	}
	s.setStatus(StatusDisconnected, "closed")
	if err := s.redis.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// observeFailure marks the backend disconnected unless the failure came
// from the caller abandoning the request.
func (s *Store) observeFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.setStatus(StatusDisconnected, err.Error())
}

func (s *Store) markConnected() {
	s.setStatus(StatusConnected, "")
}
