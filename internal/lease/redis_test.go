package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLease_ExclusiveUntilReleased(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	name := "sweep-" + uuid.NewString()

	first := NewRedisLease(client, name, time.Minute)
	second := NewRedisLease(client, name, time.Minute)
	t.Cleanup(func() { client.Del(ctx, first.Key()) })

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// Чужой Release не снимает lease.
	require.NoError(t, second.Release(ctx))
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLease_ExpiresAfterTTL(t *testing.T) {
	client := getRedisClient(t)
	ctx := context.Background()
	name := "sweep-" + uuid.NewString()

	first := NewRedisLease(client, name, 50*time.Millisecond)
	second := NewRedisLease(client, name, time.Minute)
	t.Cleanup(func() { client.Del(ctx, first.Key()) })

	ok, err := first.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := second.TryAcquire(ctx)
		return err == nil && ok
	}, time.Second, 20*time.Millisecond)
}
