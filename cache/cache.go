package cache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache is a key-value store with per-entry expiry, used for precomputed
// query results. Implementations must be safe for concurrent use.
type Cache interface {
	// Get retrieves a value from the cache. The context controls
	// cancellation and timeout for I/O-backed implementations.
	Get(ctx context.Context, key string) (bool, any, error)

	// Set stores a value in the cache with a TTL. If expires <= 0,
	// the cache's configured default TTL is used.
	Set(ctx context.Context, key string, val any, expires time.Duration) error

	// Delete removes a key from the cache.
	Delete(ctx context.Context, key string) (bool, error)

	// Close shuts down the cache.
	Close() error
}

type entry struct {
	object  any
	expires time.Time
}

// GetAs retrieves a typed value from the cache.
// For in-memory caches, it performs a direct type assertion.
// For serialized caches (like Redis), it deserializes from []byte using msgpack.
func GetAs[T any](ctx context.Context, c Cache, key string) (bool, T, error) {
	var zero T
	found, val, err := c.Get(ctx, key)
	if !found || err != nil {
		return false, zero, err
	}
	if typed, ok := val.(T); ok {
		return true, typed, nil
	}
	if data, ok := val.([]byte); ok {
		var result T
		if err := msgpack.Unmarshal(data, &result); err != nil {
			return false, zero, errors.Wrap(err, "cache: failed to unmarshal value")
		}
		return true, result, nil
	}
	return false, zero, errors.Newf("cache: cannot convert value of type %T to %T", val, zero)
}

// DefaultExpires is the default TTL used when Set is called with expires <= 0
// and no WithExpires option was supplied.
const DefaultExpires = time.Hour

// DefaultQueryTimeout is the per-operation timeout for cache backends that
// perform I/O (Redis). Prevents indefinite hangs on slow or unresponsive
// storage.
const DefaultQueryTimeout = 5 * time.Second

// config holds the resolved configuration for a cache implementation.
type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
}

// Option configures a Cache implementation.
type Option func(*config)

func defaultConfig() config {
	return config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
	}
}

func applyOptions(opts []Option) config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the default TTL for cached values. This is used when
// Set is called with expires <= 0. Defaults to DefaultExpires (1 hour).
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed caches.
// Defaults to DefaultQueryTimeout (5 seconds).
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval for background expired entry cleanup
// in the in-memory backend. Defaults to 1 minute.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix sets the key prefix for namespacing cache keys.
// Applies to the Redis backend. Defaults to empty (no prefix).
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}
