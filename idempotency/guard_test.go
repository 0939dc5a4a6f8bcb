package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseGuard(t *testing.T, g Guard) {
	t.Helper()
	ctx := context.Background()

	ok, err := g.Claim(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, ok, "first claim")

	ok, err = g.Claim(ctx, "txn-1")
	require.NoError(t, err)
	assert.False(t, ok, "replayed claim")

	ok, err = g.Claim(ctx, "txn-2")
	require.NoError(t, err)
	assert.True(t, ok, "other key")

	require.NoError(t, g.Release(ctx, "txn-1"))
	ok, err = g.Claim(ctx, "txn-1")
	require.NoError(t, err)
	assert.True(t, ok, "claim after release")
}

func TestMemoryGuard(t *testing.T) {
	exerciseGuard(t, NewMemory(time.Hour))
}

func TestMemoryGuard_Expiry(t *testing.T) {
	g := NewMemory(time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	ok, _ := g.Claim(context.Background(), "txn")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	ok, _ = g.Claim(context.Background(), "txn")
	assert.True(t, ok, "expired key can be claimed again")
}

func TestRedisGuard(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	g := NewRedis(client, "test:", time.Hour)
	require.NoError(t, g.Ping(context.Background()))
	exerciseGuard(t, g)

	assert.True(t, mr.Exists("test:txn-2"))
	mr.FastForward(2 * time.Hour)
	assert.False(t, mr.Exists("test:txn-2"))
}
