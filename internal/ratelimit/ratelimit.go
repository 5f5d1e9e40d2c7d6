// Package ratelimit bounds inbound socket-event frequency per connection.
package ratelimit

import (
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a connection exceeds its token bucket.
// The offending event is dropped; the connection stays open so bursty but
// legitimate clients are tolerated.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config defines the per-connection token bucket.
type Config struct {
	Burst     int     // bucket capacity
	PerSecond float64 // steady refill rate, independent of request volume
}

// ConnectionLimiter keeps one token bucket per live connection. Buckets are
// created on first use and must be removed when the connection closes.
type ConnectionLimiter struct {
	mu      sync.Mutex
	config  Config
	buckets map[string]*rate.Limiter
	logger  *zap.Logger
}

// New creates a connection limiter with the given bucket shape.
func New(cfg Config, logger *zap.Logger) *ConnectionLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}

	return &ConnectionLimiter{
		config:  cfg,
		buckets: make(map[string]*rate.Limiter),
		logger:  logger,
	}
}

// Allow consumes one token from the connection's bucket.
// Returns ErrRateLimited when the bucket is empty.
func (l *ConnectionLimiter) Allow(connectionID string) error {
	l.mu.Lock()
	bucket, ok := l.buckets[connectionID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(l.config.PerSecond), l.config.Burst)
		l.buckets[connectionID] = bucket
	}
	l.mu.Unlock()

	if !bucket.Allow() {
		l.logger.Debug("socket event rate limited",
			zap.String("connection_id", connectionID),
		)
		return ErrRateLimited
	}

	return nil
}

// Remove drops the bucket for a closed connection.
func (l *ConnectionLimiter) Remove(connectionID string) {
	l.mu.Lock()
	delete(l.buckets, connectionID)
	l.mu.Unlock()
}

// Size returns the number of tracked connections.
func (l *ConnectionLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
