package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/kv"
)

const (
	connTicketKeyPrefix = "titan:tk:"
	connTicketBytes     = 16

	// DefaultTicketTTL bounds the window between issuing a connection
	// ticket and opening the hub socket.
	DefaultTicketTTL = 30 * time.Second
)

// TicketIssuer hands out single-use connection tickets bound to a session.
// The ticket lets the client authenticate a WebSocket upgrade without
// putting the long-lived bearer in a URL.
type TicketIssuer struct {
	kv  kv.Store
	ttl time.Duration
}

// NewTicketIssuer creates an issuer with the given ticket TTL.
func NewTicketIssuer(store kv.Store, ttl time.Duration) *TicketIssuer {
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	return &TicketIssuer{kv: store, ttl: ttl}
}

// Issue creates a connection ticket bound to sessionTicket.
func (t *TicketIssuer) Issue(ctx context.Context, sessionTicket string) (string, error) {
	buf := make([]byte, connTicketBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate connection ticket: %w", err)
	}
	// Hex keeps the ticket URL-safe: it rides in the negotiate query string.
	id := hex.EncodeToString(buf)

	if err := t.kv.SetWithTTL(ctx, connTicketKeyPrefix+id, []byte(sessionTicket), t.ttl); err != nil {
		return "", err
	}
	return id, nil
}

// Redeem consumes a connection ticket atomically and returns the bound
// session ticket. A ticket redeems at most once, even inside its TTL.
func (t *TicketIssuer) Redeem(ctx context.Context, ticket string) (string, error) {
	val, err := t.kv.GetDel(ctx, connTicketKeyPrefix+ticket)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return "", apperr.Unauthenticated("invalid or already used connection ticket")
		}
		return "", err
	}
	return string(val), nil
}
