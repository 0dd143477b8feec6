package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// L2 defaults.
const (
	DefaultDistributedTTL     = 24 * time.Hour
	DefaultDistributedTimeout = 500 * time.Millisecond
	defaultDistributedPrefix  = "aigw:cache:"
)

// DistributedTier is the Redis-backed L2 tier shared by all gateway
// instances. Entries expire only through their TTL; there is no bulk
// invalidation.
//
// Every call carries its own short timeout so a slow Redis degrades to a
// miss instead of stalling the request.
type DistributedTier struct {
	client       *redis.Client
	prefix       string
	ttl          time.Duration
	queryTimeout time.Duration
}

// DistributedOption configures a DistributedTier.
type DistributedOption func(*DistributedTier)

// WithDistributedTTL sets the default entry TTL.
func WithDistributedTTL(ttl time.Duration) DistributedOption {
	return func(c *DistributedTier) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithDistributedTimeout sets the per-operation timeout.
func WithDistributedTimeout(d time.Duration) DistributedOption {
	return func(c *DistributedTier) {
		if d > 0 {
			c.queryTimeout = d
		}
	}
}

// WithKeyPrefix sets the Redis key namespace.
func WithKeyPrefix(prefix string) DistributedOption {
	return func(c *DistributedTier) { c.prefix = prefix }
}

// NewDistributedTier wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewDistributedTier(client *redis.Client, opts ...DistributedOption) *DistributedTier {
	c := &DistributedTier{
		client:       client,
		prefix:       defaultDistributedPrefix,
		ttl:          DefaultDistributedTTL,
		queryTimeout: DefaultDistributedTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// NewDistributedTierFromURL parses redisURL, creates a client, verifies the
// connection with a PING and returns a tier that owns the client.
func NewDistributedTierFromURL(ctx context.Context, redisURL string, opts ...DistributedOption) (*DistributedTier, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return NewDistributedTier(cli, opts...), nil
}

// Get returns the cached response or (nil, nil) on a miss.
func (c *DistributedTier) Get(ctx context.Context, key string) (*providers.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, &TierError{Tier: TierL2, Op: "get", Err: err}
	}

	return decodeResponse(TierL2, val)
}

// Put stores resp under key. A non-positive ttl uses the tier default.
func (c *DistributedTier) Put(ctx context.Context, key string, resp *providers.Response, ttl time.Duration) error {
	data, err := encodeResponse(TierL2, resp)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, c.prefix+key, data, ttl).Err(); err != nil {
		return &TierError{Tier: TierL2, Op: "put", Err: err}
	}
	return nil
}

// Ping checks connectivity.
func (c *DistributedTier) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Ping(ctx).Err(); err != nil {
		return &TierError{Tier: TierL2, Op: "ping", Err: err}
	}
	return nil
}

// Client exposes the underlying Redis client so other components (the RPM
// limiter) can share the connection pool.
func (c *DistributedTier) Client() *redis.Client { return c.client }

// Close releases the Redis connection pool.
func (c *DistributedTier) Close() error {
	return c.client.Close()
}
