// Package session implements opaque bearer session tickets and single-use
// connection tickets on top of the shared key-value store. Nothing is cached
// in process memory — any node can validate a ticket created by any other.
package session

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/titanplay/backend/internal/kv"
)

const (
	recordKeyPrefix  = "titan:sess:"
	userSetKeyPrefix = "titan:sess:user:"

	// ticketBytes gives 192 bits of entropy, 32 chars of URL-safe base64.
	ticketBytes = 24
)

// Record is the stored state of one session ticket.
type Record struct {
	Ticket    string    `json:"-"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Roles     []string  `json:"roles"`
	IsAdmin   bool      `json:"is_admin"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HasRole reports whether the session carries the given role.
func (r *Record) HasRole(role string) bool {
	for _, have := range r.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// Options tunes session lifetime behaviour.
type Options struct {
	// Lifetime is the TTL written on create and on sliding refresh.
	Lifetime time.Duration
	// SlidingWindow triggers a refresh when remaining life drops below it.
	SlidingWindow time.Duration
	// MaxPerUser caps live tickets per user; the oldest are evicted.
	MaxPerUser int
}

// DefaultOptions matches the production deployment.
func DefaultOptions() Options {
	return Options{
		Lifetime:      24 * time.Hour,
		SlidingWindow: 6 * time.Hour,
		MaxPerUser:    5,
	}
}

// Store creates, validates, and invalidates session tickets.
type Store struct {
	kv   kv.Store
	opts Options
	now  func() time.Time
}

// NewStore creates a session store on the given KV backend.
func NewStore(store kv.Store, opts Options) *Store {
	if opts.Lifetime <= 0 {
		opts.Lifetime = DefaultOptions().Lifetime
	}
	if opts.SlidingWindow <= 0 {
		opts.SlidingWindow = DefaultOptions().SlidingWindow
	}
	if opts.MaxPerUser <= 0 {
		opts.MaxPerUser = DefaultOptions().MaxPerUser
	}
	return &Store{kv: store, opts: opts, now: time.Now}
}

// SetNow overrides the clock for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func recordKey(ticket string) string { return recordKeyPrefix + ticket }
func userSetKey(userID string) string { return userSetKeyPrefix + userID }

// newTicket returns a fresh URL-safe ticket id with no '+', '/', or '='.
func newTicket() (string, error) {
	buf := make([]byte, ticketBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session ticket: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a new session ticket for the user and enforces the per-user
// cap by evicting the oldest tickets.
func (s *Store) Create(ctx context.Context, userID, provider string, roles []string, isAdmin bool) (*Record, error) {
	ticket, err := newTicket()
	if err != nil {
		return nil, err
	}

	now := s.now()
	rec := &Record{
		Ticket:    ticket,
		UserID:    userID,
		Provider:  provider,
		Roles:     append([]string(nil), roles...),
		IsAdmin:   isAdmin,
		CreatedAt: now,
		ExpiresAt: now.Add(s.opts.Lifetime),
	}

	if err := s.write(ctx, rec, s.opts.Lifetime); err != nil {
		return nil, err
	}
	if err := s.kv.SAdd(ctx, userSetKey(userID), ticket); err != nil {
		return nil, err
	}

	if err := s.enforceCap(ctx, userID); err != nil {
		// The new ticket is already live; eviction failing is not fatal for
		// the login, but the cap invariant will be restored on the next create.
		slog.Warn("session cap enforcement failed", "user_id", userID, "error", err)
	}

	return rec, nil
}

// Validate loads the session for ticket, returning (nil, nil) when it is
// missing or expired. A session inside the sliding window gets its expiry
// extended without touching CreatedAt.
func (s *Store) Validate(ctx context.Context, ticket string) (*Record, error) {
	rec, err := s.load(ctx, ticket)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := s.now()
	if !now.Before(rec.ExpiresAt) {
		// TTL should have removed it already; clean up remnants.
		_, _ = s.kv.Del(ctx, recordKey(ticket))
		_ = s.kv.SRem(ctx, userSetKey(rec.UserID), ticket)
		return nil, nil
	}

	if rec.ExpiresAt.Sub(now) < s.opts.SlidingWindow {
		rec.ExpiresAt = now.Add(s.opts.Lifetime)
		if err := s.write(ctx, rec, s.opts.Lifetime); err != nil {
			return nil, err
		}
	}

	return rec, nil
}

// Invalidate destroys one session. Returns false when it was already gone.
func (s *Store) Invalidate(ctx context.Context, ticket string) (bool, error) {
	rec, err := s.load(ctx, ticket)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	n, err := s.kv.Del(ctx, recordKey(ticket))
	if err != nil {
		return false, err
	}
	if err := s.kv.SRem(ctx, userSetKey(rec.UserID), ticket); err != nil {
		return false, err
	}
	return n > 0, nil
}

// InvalidateAll destroys every live session of the user. Returns the number
// of sessions removed.
func (s *Store) InvalidateAll(ctx context.Context, userID string) (int, error) {
	tickets, err := s.kv.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(tickets)+1)
	for _, t := range tickets {
		keys = append(keys, recordKey(t))
	}
	keys = append(keys, userSetKey(userID))
	n, err := s.kv.Del(ctx, keys...)
	if err != nil {
		return 0, err
	}
	if n > len(tickets) {
		n = len(tickets)
	}
	return n, nil
}

// List returns the user's live sessions ordered oldest first, with
// skip/take paging.
func (s *Store) List(ctx context.Context, userID string, skip, take int) ([]*Record, error) {
	records, err := s.liveRecords(ctx, userID)
	if err != nil {
		return nil, err
	}
	if skip < 0 {
		skip = 0
	}
	if skip >= len(records) {
		return nil, nil
	}
	records = records[skip:]
	if take > 0 && take < len(records) {
		records = records[:take]
	}
	return records, nil
}

// Count returns the number of live sessions for the user.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	records, err := s.liveRecords(ctx, userID)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

func (s *Store) write(ctx context.Context, rec *Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	return s.kv.SetWithTTL(ctx, recordKey(rec.Ticket), data, ttl)
}

func (s *Store) load(ctx context.Context, ticket string) (*Record, error) {
	data, err := s.kv.Get(ctx, recordKey(ticket))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session record: %w", err)
	}
	rec.Ticket = ticket
	return &rec, nil
}

// liveRecords loads every session in the user set with one MGET, pruning
// set members whose records have lapsed. Sorted oldest first, ticket id as
// tiebreaker.
func (s *Store) liveRecords(ctx context.Context, userID string) ([]*Record, error) {
	tickets, err := s.kv.SMembers(ctx, userSetKey(userID))
	if err != nil {
		return nil, err
	}
	if len(tickets) == 0 {
		return nil, nil
	}

	keys := make([]string, len(tickets))
	for i, t := range tickets {
		keys[i] = recordKey(t)
	}
	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	var stale []string
	records := make([]*Record, 0, len(tickets))
	for i, data := range values {
		if data == nil {
			stale = append(stale, tickets[i])
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			stale = append(stale, tickets[i])
			continue
		}
		rec.Ticket = tickets[i]
		records = append(records, &rec)
	}
	if len(stale) > 0 {
		_ = s.kv.SRem(ctx, userSetKey(userID), stale...)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return bytes.Compare([]byte(records[i].Ticket), []byte(records[j].Ticket)) < 0
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// enforceCap evicts the oldest sessions beyond MaxPerUser.
func (s *Store) enforceCap(ctx context.Context, userID string) error {
	records, err := s.liveRecords(ctx, userID)
	if err != nil {
		return err
	}
	excess := len(records) - s.opts.MaxPerUser
	if excess <= 0 {
		return nil
	}

	evict := records[:excess]
	keys := make([]string, len(evict))
	tickets := make([]string, len(evict))
	for i, rec := range evict {
		keys[i] = recordKey(rec.Ticket)
		tickets[i] = rec.Ticket
	}
	if _, err := s.kv.Del(ctx, keys...); err != nil {
		return err
	}
	if err := s.kv.SRem(ctx, userSetKey(userID), tickets...); err != nil {
		return err
	}
	slog.Info("evicted sessions over cap", "user_id", userID, "count", excess)
	return nil
}
