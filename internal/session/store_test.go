package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titanplay/backend/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.MemoryStore, *time.Time) {
	t.Helper()
	mem := kv.NewMemoryStore()
	now := time.Now().Truncate(time.Millisecond)
	mem.SetNow(func() time.Time { return now })

	store := NewStore(mem, Options{
		Lifetime:      24 * time.Hour,
		SlidingWindow: 6 * time.Hour,
		MaxPerUser:    5,
	})
	store.SetNow(func() time.Time { return now })
	return store, mem, &now
}

func TestCreateAndValidate(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	rec, err := store.Create(ctx, "u1", "Mock", []string{"player"}, false)
	require.NoError(t, err)
	assert.Len(t, rec.Ticket, 32)

	got, err := store.Validate(ctx, rec.Ticket)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"player"}, got.Roles)
	assert.False(t, got.IsAdmin)
}

func TestValidateUnknownTicket(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	got, err := store.Validate(ctx, "nonexistent-ticket")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestValidateExpiredSession(t *testing.T) {
	ctx := context.Background()
	store, _, now := newTestStore(t)

	rec, err := store.Create(ctx, "u1", "Mock", nil, false)
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)

	got, err := store.Validate(ctx, rec.Ticket)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSlidingRefreshPreservesCreatedAt(t *testing.T) {
	ctx := context.Background()
	store, _, now := newTestStore(t)

	rec, err := store.Create(ctx, "u1", "Mock", nil, false)
	require.NoError(t, err)
	created := rec.CreatedAt

	// Outside the sliding window: no refresh.
	*now = now.Add(10 * time.Hour)
	got, err := store.Validate(ctx, rec.Ticket)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.ExpiresAt.Equal(rec.ExpiresAt))

	// Inside the last 6 hours: expiry extends, creation stays put.
	*now = now.Add(9 * time.Hour)
	got, err = store.Validate(ctx, rec.Ticket)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.ExpiresAt.After(rec.ExpiresAt))
	assert.True(t, got.CreatedAt.Equal(created))
}

func TestPerUserCapEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store, _, now := newTestStore(t)

	tickets := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		rec, err := store.Create(ctx, "u1", "Mock", nil, false)
		require.NoError(t, err)
		tickets = append(tickets, rec.Ticket)
		*now = now.Add(time.Second)
	}

	count, err := store.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	// The oldest ticket is the one evicted.
	got, err := store.Validate(ctx, tickets[0])
	require.NoError(t, err)
	assert.Nil(t, got)

	for _, ticket := range tickets[1:] {
		got, err := store.Validate(ctx, ticket)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}
}

func TestInvalidateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	rec, err := store.Create(ctx, "u1", "Mock", nil, false)
	require.NoError(t, err)

	removed, err := store.Invalidate(ctx, rec.Ticket)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.Invalidate(ctx, rec.Ticket)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestInvalidateAll(t *testing.T) {
	ctx := context.Background()
	store, _, _ := newTestStore(t)

	for i := 0; i < 3; i++ {
		_, err := store.Create(ctx, "u1", "Mock", nil, false)
		require.NoError(t, err)
	}
	other, err := store.Create(ctx, "u2", "Mock", nil, false)
	require.NoError(t, err)

	n, err := store.InvalidateAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := store.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, count)

	// Other users are untouched.
	got, err := store.Validate(ctx, other.Ticket)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestListOrderingAndPaging(t *testing.T) {
	ctx := context.Background()
	store, _, now := newTestStore(t)

	for i := 0; i < 4; i++ {
		_, err := store.Create(ctx, "u1", "Mock", nil, false)
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}

	all, err := store.List(ctx, "u1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "expected oldest-first ordering")
	}

	page, err := store.List(ctx, "u1", 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.True(t, page[0].CreatedAt.Equal(all[2].CreatedAt))

	empty, err := store.List(ctx, "u1", 10, 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
