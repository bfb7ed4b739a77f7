//go:build integration

package jobs

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLease(t *testing.T) {
	client := newTestRedis(t)
	prefix := "test:" + t.Name() + ":"
	first := NewRedisLease(client, WithKeyPrefix(prefix))
	second := NewRedisLease(client, WithKeyPrefix(prefix))
	ctx := context.Background()
	t.Cleanup(func() { client.Del(context.Background(), prefix+"sweep") })

	release, acquired, err := first.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	_, acquired, err = second.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	release()
	releaseSecond, acquired, err := second.Acquire(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	release()
	ttl, err := client.PTTL(ctx, prefix+"sweep").Result()
	require.NoError(t, err)
	assert.Positive(t, ttl, "a stale release must not delete the new holder's key")
	releaseSecond()
}
