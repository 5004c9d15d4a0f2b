package cache

import (
	"context"
	"time"

	"github.com/Sternrassler/weather-proxy/pkg/logging"
)

// ConnectionStatus is the last observed state of the Redis backend.
type ConnectionStatus string

const (
	StatusConnected     ConnectionStatus = "connected"
	StatusNotConfigured ConnectionStatus = "not_configured"
	StatusDisconnected  ConnectionStatus = "disconnected"
)

// Status returns the last observed connection state and, when disconnected,
// the last error text. It never touches the network.
func (s *Store) Status() (ConnectionStatus, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status, s.lastErr
}

// Probe pings Redis once, bounded by the operation timeout, and records the result.
func (s *Store) Probe(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	if err := s.redis.Ping(opCtx).Err(); err != nil {
		s.observeFailure(ctx, err)
		return err
	}
	s.markConnected()
	return nil
}

// Monitor probes Redis every interval until ctx is done, keeping Status
// and the redis_connected gauge current for health checks.
func (s *Store) Monitor(ctx context.Context, interval time.Duration) {
	if s.redis == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Probe(ctx)
		}
	}
}

func (s *Store) setStatus(status ConnectionStatus, errText string) {
	s.mu.RLock()
	unchanged := s.status == status && s.lastErr == errText
	s.mu.RUnlock()
	if unchanged {
		return
	}

	// The gauge is published under the lock so it never disagrees with Status.
	s.mu.Lock()
	prev := s.status
	s.status = status
	s.lastErr = errText
	s.recorder.SetRedisConnected(status == StatusConnected)
	s.mu.Unlock()

	if prev != status {
		logger := logging.NewLogger("cache")
		event := logger.Info()
		if status == StatusDisconnected {
			event = logger.Warn().Str("error", errText)
		}
		event.Str("from", string(prev)).Str("to", string(status)).Msg("Redis connection state changed")
	}
}
