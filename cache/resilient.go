package cache

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/berdl/tableserve/logger"
)

// LookupState classifies the outcome of a resilient cache read.
type LookupState int

const (
	// LookupMiss means the key was not present.
	LookupMiss LookupState = iota
	// LookupHit means the key was present and the value decoded.
	LookupHit
	// LookupUnavailable means the backing store could not answer. Callers
	// treat it like a miss; it exists so the two can be logged apart.
	LookupUnavailable
)

func (s LookupState) String() string {
	switch s {
	case LookupHit:
		return "hit"
	case LookupMiss:
		return "miss"
	default:
		return "unavailable"
	}
}

// Lookup is the result of a resilient cache read.
type Lookup struct {
	State LookupState
	Value any
}

// Resilient wraps a Cache so that backend failures never propagate: reads
// degrade to LookupUnavailable and writes become logged no-ops. A nil inner
// cache is valid and behaves as a permanently empty cache, which is how the
// service runs when no result cache is configured.
type Resilient struct {
	inner Cache
	log   logger.Logger
}

// NewResilient returns a degrading wrapper around inner. inner may be nil.
func NewResilient(inner Cache, log logger.Logger) *Resilient {
	return &Resilient{inner: inner, log: log.WithPrefix("[cache]")}
}

// Enabled reports whether a backing cache is configured at all.
func (r *Resilient) Enabled() bool {
	return r.inner != nil
}

// Lookup reads key, mapping any backend error to LookupUnavailable.
func (r *Resilient) Lookup(ctx context.Context, key string) Lookup {
	if r.inner == nil {
		return Lookup{State: LookupMiss}
	}
	found, val, err := r.inner.Get(ctx, key)
	if err != nil {
		r.log.Warn("cache read failed, treating as miss: key=%s err=%v", key, err)
		return Lookup{State: LookupUnavailable}
	}
	if !found {
		return Lookup{State: LookupMiss}
	}
	return Lookup{State: LookupHit, Value: val}
}

// LookupAs reads and decodes key into T. A value that is present but cannot
// be decoded counts as unavailable, not as an error.
func LookupAs[T any](ctx context.Context, r *Resilient, key string) (LookupState, T) {
	var zero T
	res := r.Lookup(ctx, key)
	if res.State != LookupHit {
		return res.State, zero
	}
	if typed, ok := res.Value.(T); ok {
		return LookupHit, typed
	}
	if data, ok := res.Value.([]byte); ok {
		var out T
		if err := msgpack.Unmarshal(data, &out); err != nil {
			r.log.Warn("cache entry could not be decoded, treating as miss: key=%s err=%v", key, err)
			return LookupUnavailable, zero
		}
		return LookupHit, out
	}
	r.log.Warn("cache entry has unexpected type %T, treating as miss: key=%s", res.Value, key)
	return LookupUnavailable, zero
}

// Put stores key with the given TTL, swallowing any backend error.
func (r *Resilient) Put(ctx context.Context, key string, val any, expires time.Duration) {
	if r.inner == nil {
		return
	}
	if err := r.inner.Set(ctx, key, val, expires); err != nil {
		r.log.Warn("cache write failed, result not cached: key=%s err=%v", key, err)
	}
}

// Close closes the wrapped cache, if any.
func (r *Resilient) Close() error {
	if r.inner == nil {
		return nil
	}
	return r.inner.Close()
}
