package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.SetNow(func() time.Time { return now })

	require.NoError(t, store.SetWithTTL(ctx, "k", []byte("v"), time.Minute))

	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	now = now.Add(time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_GetDelConsumesValue(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SetWithTTL(ctx, "k", []byte("once"), time.Minute))

	val, err := store.GetDel(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("once"), val)

	_, err = store.GetDel(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_IncrWithExpiryKeepsWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.SetNow(func() time.Time { return now })

	count, err := store.IncrWithExpiry(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Later hits inside the window must not push the expiry out.
	now = now.Add(30 * time.Second)
	count, err = store.IncrWithExpiry(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	now = now.Add(31 * time.Second)
	count, err = store.IncrWithExpiry(ctx, "bucket", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "window should have reset after the original TTL")
}

func TestMemoryStore_SetOps(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SAdd(ctx, "set", "a", "b"))
	require.NoError(t, store.SAdd(ctx, "set", "b", "c"))

	members, err := store.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, members)

	require.NoError(t, store.SRem(ctx, "set", "a"))
	members, err = store.SMembers(ctx, "set")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, members)
}

func TestMemoryStore_KeysPrefixPattern(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.SetWithTTL(ctx, "titan:rl:b:a", []byte("1"), 0))
	require.NoError(t, store.SetWithTTL(ctx, "titan:rl:b:b", []byte("2"), 0))
	require.NoError(t, store.SetWithTTL(ctx, "titan:sess:x", []byte("3"), 0))

	keys, err := store.Keys(ctx, "titan:rl:b:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"titan:rl:b:a", "titan:rl:b:b"}, keys)
}

func TestMemoryStore_TTLReporting(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now()
	store.SetNow(func() time.Time { return now })

	_, err := store.TTL(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.SetWithTTL(ctx, "forever", []byte("v"), 0))
	d, err := store.TTL(ctx, "forever")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	require.NoError(t, store.SetWithTTL(ctx, "bounded", []byte("v"), time.Minute))
	d, err = store.TTL(ctx, "bounded")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)
}
