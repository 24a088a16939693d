package replay

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	seen, err := m.Seen(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, _ = m.Seen(ctx, "k", time.Minute)
	assert.True(t, seen)

	now = now.Add(61 * time.Second)
	seen, _ = m.Seen(ctx, "k", time.Minute)
	assert.False(t, seen, "expired ids are forgotten")
}

func TestMemoryStoreSweepsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemoryStore()
	m.now = func() time.Time { return now }

	for _, k := range []string{"a", "b", "c"} {
		_, _ = m.Seen(ctx, k, time.Second)
	}
	assert.Equal(t, 3, m.Len())

	now = now.Add(2 * time.Minute)
	_, _ = m.Seen(ctx, "d", time.Second)
	assert.Equal(t, 1, m.Len())
}

func setupRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := NewRedisStore(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store, mr := setupRedis(t)

	seen, err := store.Seen(ctx, "resend:msg_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, "resend:msg_1", time.Minute)
	require.NoError(t, err)
	assert.True(t, seen)

	assert.True(t, mr.Exists("vaultgate:nonce:resend:msg_1"))
	assert.Equal(t, time.Minute, mr.TTL("vaultgate:nonce:resend:msg_1"))

	mr.FastForward(2 * time.Minute)
	seen, err = store.Seen(ctx, "resend:msg_1", time.Minute)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisStoreUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreFromClient(client)
	mr.Close()

	_, err = store.Seen(context.Background(), "k", time.Minute)
	assert.Error(t, err)
	_ = store.Close()
}

func TestNewRedisStoreBadURL(t *testing.T) {
	_, err := NewRedisStore(context.Background(), "not a url")
	assert.Error(t, err)
}
