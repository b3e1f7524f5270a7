package buffer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisListStore_AppendAndRead(t *testing.T) {
	_, client := withRedis(t)
	store := NewRedisListStore(client)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, store.Append(ctx, "list", []byte(v)))
	}

	length, err := store.Length(ctx, "list")
	require.NoError(t, err)
	assert.Equal(t, int64(3), length)

	values, err := store.ReadRange(ctx, "list", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, values)

	values, err = store.ReadRange(ctx, "list", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, values)
}

func TestRedisListStore_ReplaceAndCompact(t *testing.T) {
	mr, client := withRedis(t)
	store := NewRedisListStore(client)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, store.Append(ctx, "list", []byte(v)))
	}
	snapshot, err := store.ReadRange(ctx, "list", 0)
	require.NoError(t, err)
	require.Len(t, snapshot, 4)

	// lands between the read and the compaction
	require.NoError(t, store.Append(ctx, "list", []byte("e")))

	require.NoError(t, store.ReplaceAndCompact(ctx, "list", []int{0, 2}, Tombstone))

	list, err := mr.List("list")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "d", "e"}, list)
}

func TestRedisListStore_ReplaceAndCompact_NoIndices(t *testing.T) {
	mr, client := withRedis(t)
	store := NewRedisListStore(client)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "list", []byte("a")))
	require.NoError(t, store.ReplaceAndCompact(ctx, "list", nil, Tombstone))

	list, err := mr.List("list")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, list)
}

func TestRedisListStore_Quarantine(t *testing.T) {
	mr, client := withRedis(t)
	store := NewRedisListStore(client)

	require.NoError(t, store.Quarantine(context.Background(), "list", "boom", []byte(`[1,2]`)))

	var failedKey string
	for _, key := range mr.Keys() {
		if strings.HasPrefix(key, "list:failed:") {
			failedKey = key
		}
	}
	require.NotEmpty(t, failedKey)
	assert.Equal(t, "boom", mr.HGet(failedKey, "error"))
	assert.Equal(t, "[1,2]", mr.HGet(failedKey, "data"))
	assert.Equal(t, "0", mr.HGet(failedKey, "retries"))
}

func TestRedisListStore_TryLock(t *testing.T) {
	mr, client := withRedis(t)
	store := NewRedisListStore(client)
	ctx := context.Background()

	unlock, ok, err := store.TryLock(ctx, "list", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = store.TryLock(ctx, "list", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	assert.False(t, mr.Exists("list:lock"))

	unlock, ok, err = store.TryLock(ctx, "list", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestRedisListStore_TryLockExpires(t *testing.T) {
	mr, client := withRedis(t)
	store := NewRedisListStore(client)
	ctx := context.Background()

	_, ok, err := store.TryLock(ctx, "list", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	unlock, ok, err := store.TryLock(ctx, "list", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}
