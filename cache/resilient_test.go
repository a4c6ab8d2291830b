package cache

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/berdl/tableserve/logger"
)

// brokenCache fails every operation, standing in for an unreachable backend.
type brokenCache struct{}

func (b brokenCache) Get(context.Context, string) (bool, any, error) {
	return false, nil, errors.New("connection refused")
}

func (b brokenCache) Set(context.Context, string, any, time.Duration) error {
	return errors.New("connection refused")
}

func (b brokenCache) Delete(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}

func (b brokenCache) Close() error { return nil }

func TestResilientNilInner(t *testing.T) {
	ctx := context.Background()
	r := NewResilient(nil, logger.NewTestLogger())

	assert.False(t, r.Enabled())
	assert.Equal(t, LookupMiss, r.Lookup(ctx, "key").State)
	r.Put(ctx, "key", "value", time.Minute)
	assert.Equal(t, LookupMiss, r.Lookup(ctx, "key").State)
	assert.NoError(t, r.Close())
}

func TestResilientDegradesToUnavailable(t *testing.T) {
	ctx := context.Background()
	log := logger.NewTestLogger()
	r := NewResilient(brokenCache{}, log)

	assert.True(t, r.Enabled())
	res := r.Lookup(ctx, "key")
	assert.Equal(t, LookupUnavailable, res.State)

	// Writes are swallowed and logged, never surfaced.
	r.Put(ctx, "key", "value", time.Minute)

	warned := 0
	for _, entry := range log.Logs() {
		if entry.Severity == "WARNING" {
			warned++
		}
	}
	assert.Equal(t, 2, warned)
}

func TestResilientHitAndTypedLookup(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemory(ctx, WithExpiryCheck(time.Minute))
	r := NewResilient(inner, logger.NewTestLogger())
	defer r.Close()

	r.Put(ctx, "key", "value", time.Minute)
	state, val := LookupAs[string](ctx, r, "key")
	assert.Equal(t, LookupHit, state)
	assert.Equal(t, "value", val)

	state, _ = LookupAs[string](ctx, r, "absent")
	assert.Equal(t, LookupMiss, state)
}

func TestResilientTypedLookupFromBytes(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemory(ctx, WithExpiryCheck(time.Minute))
	r := NewResilient(inner, logger.NewTestLogger())
	defer r.Close()

	type payload struct {
		Rows int `msgpack:"rows"`
	}
	buf, err := msgpack.Marshal(payload{Rows: 42})
	assert.NoError(t, err)
	r.Put(ctx, "key", buf, time.Minute)

	state, val := LookupAs[payload](ctx, r, "key")
	assert.Equal(t, LookupHit, state)
	assert.Equal(t, 42, val.Rows)
}

func TestResilientUndecodableEntry(t *testing.T) {
	ctx := context.Background()
	inner := NewInMemory(ctx, WithExpiryCheck(time.Minute))
	log := logger.NewTestLogger()
	r := NewResilient(inner, log)
	defer r.Close()

	r.Put(ctx, "key", 12345, time.Minute)
	state, _ := LookupAs[[]string](ctx, r, "key")
	assert.Equal(t, LookupUnavailable, state)
	assert.NotEmpty(t, log.Logs())
}

func TestLookupStateString(t *testing.T) {
	assert.Equal(t, "hit", LookupHit.String())
	assert.Equal(t, "miss", LookupMiss.String())
	assert.Equal(t, "unavailable", LookupUnavailable.String())
}
