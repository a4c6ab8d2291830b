package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestRedisSetGet(t *testing.T) {
	_, client := newTestRedis(t)
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(client, WithPrefix("tableserve"))
	defer c.Close()

	found, val, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, val)

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	found, val, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)
	assert.NotNil(t, val)

	ok, str, err := GetAs[string](ctx, c, "key")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", str)
}

func TestRedisKeyPrefix(t *testing.T) {
	mr, client := newTestRedis(t)
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(client, WithPrefix("tableserve"))
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	assert.True(t, mr.Exists("tableserve:key"))
	assert.False(t, mr.Exists("key"))
}

func TestRedisExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(client)
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))

	// Use miniredis FastForward to simulate time passing.
	mr.FastForward(2 * time.Minute)

	found, _, err := c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisComplexValues(t *testing.T) {
	_, client := newTestRedis(t)
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(client)
	defer c.Close()

	type result struct {
		Headers []string   `msgpack:"headers"`
		Rows    [][]string `msgpack:"rows"`
		Total   int        `msgpack:"total"`
	}
	in := result{
		Headers: []string{"ID", "Function"},
		Rows:    [][]string{{"g1", "DNA repair"}, {"g2", "metabolism"}},
		Total:   3356,
	}
	assert.NoError(t, c.Set(ctx, "result", in, time.Minute))
	ok, out, err := GetAs[result](ctx, c, "result")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)
}

func TestRedisDelete(t *testing.T) {
	_, client := newTestRedis(t)
	defer client.Close()
	ctx := context.Background()
	c := NewRedis(client)
	defer c.Close()

	assert.NoError(t, c.Set(ctx, "key", "value", time.Minute))
	found, err := c.Delete(ctx, "key")
	assert.NoError(t, err)
	assert.True(t, found)

	found, _, err = c.Get(ctx, "key")
	assert.NoError(t, err)
	assert.False(t, found)
}

func TestRedisUnreachable(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	c := NewRedis(client, WithQueryTimeout(time.Second))
	defer c.Close()

	mr.Close()
	client.Close()

	_, _, err := c.Get(ctx, "key")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "key", "value", time.Minute))
}
