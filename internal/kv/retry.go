package kv

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryStore decorates a Store with a bounded retry budget for transient
// failures. Non-transient errors (ErrNotFound, context cancellation) pass
// through untouched.
type RetryStore struct {
	inner    Store
	attempts int
	baseWait time.Duration
}

// NewRetryStore wraps inner with up to attempts tries per call.
func NewRetryStore(inner Store, attempts int, baseWait time.Duration) *RetryStore {
	if attempts < 1 {
		attempts = 3
	}
	if baseWait <= 0 {
		baseWait = 25 * time.Millisecond
	}
	return &RetryStore{inner: inner, attempts: attempts, baseWait: baseWait}
}

// retry runs op until it succeeds, fails non-transiently, or the budget is
// spent. Backoff is jittered linear: baseWait * attempt * [0.5, 1.5).
func (r *RetryStore) retry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		err = op()
		if err == nil || !IsTransient(err) {
			return err
		}
		if attempt == r.attempts {
			break
		}
		wait := time.Duration(float64(r.baseWait) * float64(attempt) * (0.5 + rand.Float64()))
		slog.Warn("kv retry", "attempt", attempt, "wait", wait, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

func (r *RetryStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.Get(ctx, key)
		return err
	})
	return out, err
}

func (r *RetryStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.retry(ctx, func() error {
		return r.inner.SetWithTTL(ctx, key, value, ttl)
	})
}

func (r *RetryStore) Del(ctx context.Context, keys ...string) (int, error) {
	var n int
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.inner.Del(ctx, keys...)
		return err
	})
	return n, err
}

// GetDel is not retried: a transient failure after the delete took effect
// would burn the single-use ticket, so the caller sees the error instead.
func (r *RetryStore) GetDel(ctx context.Context, key string) ([]byte, error) {
	return r.inner.GetDel(ctx, key)
}

// IncrWithExpiry is not retried: re-running the increment would double-count
// the hit against the caller's rate-limit bucket.
func (r *RetryStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return r.inner.IncrWithExpiry(ctx, key, ttl)
}

func (r *RetryStore) SAdd(ctx context.Context, key string, members ...string) error {
	return r.retry(ctx, func() error {
		return r.inner.SAdd(ctx, key, members...)
	})
}

func (r *RetryStore) SRem(ctx context.Context, key string, members ...string) error {
	return r.retry(ctx, func() error {
		return r.inner.SRem(ctx, key, members...)
	})
}

func (r *RetryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var out []string
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.SMembers(ctx, key)
		return err
	})
	return out, err
}

func (r *RetryStore) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	var out [][]byte
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.MGet(ctx, keys...)
		return err
	})
	return out, err
}

func (r *RetryStore) PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	var ok bool
	err := r.retry(ctx, func() error {
		var err error
		ok, err = r.inner.PExpire(ctx, key, ttl)
		return err
	})
	return ok, err
}

func (r *RetryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	var d time.Duration
	err := r.retry(ctx, func() error {
		var err error
		d, err = r.inner.TTL(ctx, key)
		return err
	})
	return d, err
}

func (r *RetryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	err := r.retry(ctx, func() error {
		var err error
		out, err = r.inner.Keys(ctx, pattern)
		return err
	})
	return out, err
}
