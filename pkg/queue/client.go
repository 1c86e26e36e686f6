package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"

	"github.com/thc1006/flakeguard-sub006/internal/apperrors"
)

// Client wraps a go-redis client with double-checked-locking connection
// establishment: the common case (already connected) is a single atomic
// load, while the first caller to observe a disconnected client pays the
// cost of dialing and PINGing.
type Client struct {
	redisClient *redis.Client
	logger      logr.Logger

	mu        sync.Mutex
	connected atomic.Bool
}

// NewClient constructs a Client without connecting. Connection is
// deferred to the first EnsureConnection call so a service can start up
// even when Redis is temporarily unreachable.
func NewClient(opts *redis.Options, logger logr.Logger) *Client {
	return &Client{
		redisClient: redis.NewClient(opts),
		logger:      logger,
	}
}

// EnsureConnection establishes the connection if needed. Fast path: an
// atomic load confirming an already-established connection. Slow path:
// a mutex-guarded PING, re-checked after acquiring the lock so that
// concurrent callers don't all dial Redis at once (thundering herd).
func (c *Client) EnsureConnection(ctx context.Context) error {
	if c.connected.Load() {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	if err := c.redisClient.Ping(ctx).Err(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "redis unavailable")
	}

	c.connected.Store(true)
	return nil
}

// GetClient returns the underlying go-redis client for direct use.
func (c *Client) GetClient() *redis.Client {
	return c.redisClient
}

// Close releases the connection pool and marks the client disconnected,
// so a subsequent EnsureConnection call will re-dial.
func (c *Client) Close() error {
	c.connected.Store(false)
	if err := c.redisClient.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeNetwork, "failed to close redis client")
	}
	return nil
}
