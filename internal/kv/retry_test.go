package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures calls of each op with a transient
// error, then delegates to an in-memory store.
type flakyStore struct {
	*MemoryStore
	failures int
	getCalls int
	getDels  int
	incrs    int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.getCalls++
	if f.getCalls <= f.failures {
		return nil, &TransientError{Op: "get", Cause: errors.New("connection reset")}
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *flakyStore) GetDel(ctx context.Context, key string) ([]byte, error) {
	f.getDels++
	if f.getDels <= f.failures {
		return nil, &TransientError{Op: "getdel", Cause: errors.New("connection reset")}
	}
	return f.MemoryStore.GetDel(ctx, key)
}

func (f *flakyStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	f.incrs++
	if f.incrs <= f.failures {
		return 0, &TransientError{Op: "incr", Cause: errors.New("connection reset")}
	}
	return f.MemoryStore.IncrWithExpiry(ctx, key, ttl)
}

func TestRetryStore_RetriesTransientGet(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	require.NoError(t, inner.SetWithTTL(ctx, "k", []byte("v"), 0))

	store := NewRetryStore(inner, 3, time.Millisecond)
	val, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)
	assert.Equal(t, 3, inner.getCalls)
}

func TestRetryStore_BudgetExhausted(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 10}

	store := NewRetryStore(inner, 3, time.Millisecond)
	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 3, inner.getCalls)
}

func TestRetryStore_NotFoundPassesThrough(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore()}

	store := NewRetryStore(inner, 3, time.Millisecond)
	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.getCalls)
}

func TestRetryStore_GetDelNeverRetries(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}
	require.NoError(t, inner.SetWithTTL(ctx, "ticket", []byte("v"), 0))

	store := NewRetryStore(inner, 3, time.Millisecond)
	_, err := store.GetDel(ctx, "ticket")
	require.Error(t, err)
	assert.Equal(t, 1, inner.getDels, "GetDel must surface the first failure")
}

func TestRetryStore_IncrNeverRetries(t *testing.T) {
	ctx := context.Background()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1}

	store := NewRetryStore(inner, 3, time.Millisecond)
	_, err := store.IncrWithExpiry(ctx, "bucket", time.Minute)
	require.Error(t, err)
	assert.Equal(t, 1, inner.incrs, "IncrWithExpiry must not double-count")
}
