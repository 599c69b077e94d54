package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Identity is the resolved caller bound to a connection for its lifetime.
type Identity struct {
	UserID        string
	Roles         []string
	IsAdmin       bool
	SessionTicket string
}

// HasRole reports whether the identity carries role.
func (id Identity) HasRole(role string) bool {
	for _, have := range id.Roles {
		if have == role {
			return true
		}
	}
	return false
}

// Hub is one RPC endpoint (e.g. /accountHub). It tracks live connections,
// runs the per-call pipeline, and fans out broadcasts.
type Hub struct {
	name      string
	path      string
	pipeline  *Pipeline
	metrics   *Metrics
	adminOnly bool

	mu     sync.RWMutex
	conns  map[string]*Conn
	byUser map[string]map[string]*Conn
}

// NewHub creates a hub served at path.
func NewHub(name, path string, pipeline *Pipeline, metrics *Metrics) *Hub {
	return &Hub{
		name:     name,
		path:     path,
		pipeline: pipeline,
		metrics:  metrics,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
	}
}

// RequireAdmin restricts negotiations to admin sessions. Non-admin
// connections are refused before the upgrade.
func (h *Hub) RequireAdmin() *Hub {
	h.adminOnly = true
	return h
}

// Name returns the hub's name.
func (h *Hub) Name() string { return h.name }

// Path returns the HTTP path the hub is mounted on.
func (h *Hub) Path() string { return h.path }

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID] = c
	userConns := h.byUser[c.Identity.UserID]
	if userConns == nil {
		userConns = make(map[string]*Conn)
		h.byUser[c.Identity.UserID] = userConns
	}
	userConns[c.ID] = c
	h.metrics.connOpened(h.name)
	slog.Info("hub connection opened", "hub", h.name, "conn_id", c.ID, "user_id", c.Identity.UserID)
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.ID]; !ok {
		return
	}
	delete(h.conns, c.ID)
	if userConns := h.byUser[c.Identity.UserID]; userConns != nil {
		delete(userConns, c.ID)
		if len(userConns) == 0 {
			delete(h.byUser, c.Identity.UserID)
		}
	}
	h.metrics.connClosed(h.name)
	slog.Info("hub connection closed", "hub", h.name, "conn_id", c.ID, "user_id", c.Identity.UserID)
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// snapshotConns copies the live connection list so sealing and sending run
// outside the registry lock.
func (h *Hub) snapshotConns() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *Hub) connsForUser(userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	userConns := h.byUser[userID]
	out := make([]*Conn, 0, len(userConns))
	for _, c := range userConns {
		out = append(out, c)
	}
	return out
}

// Broadcast publishes a server-initiated message to every connection.
// Payloads are serialized as UTF-8 JSON, then sealed per recipient with that
// recipient's current key; recipients without encryption state get the raw
// object.
func (h *Hub) Broadcast(ctx context.Context, method string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("broadcast payload marshal failed", "hub", h.name, "method", method, "error", err)
		return
	}
	for _, c := range h.snapshotConns() {
		h.pushTo(ctx, c, method, raw)
	}
}

// PushToUser publishes a message to every connection of one user.
func (h *Hub) PushToUser(ctx context.Context, userID, method string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("push payload marshal failed", "hub", h.name, "method", method, "error", err)
		return
	}
	for _, c := range h.connsForUser(userID) {
		h.pushTo(ctx, c, method, raw)
	}
}

func (h *Hub) pushTo(_ context.Context, c *Conn, method string, raw []byte) {
	frame := pushFrame{Method: method, Payload: raw}

	if h.pipeline.crypto.Enabled() && h.pipeline.crypto.HasState(c.Identity.UserID) {
		env, err := h.pipeline.crypto.EncryptAndSign(c.Identity.UserID, raw, "")
		if err != nil {
			slog.Warn("broadcast sealing failed, dropping for recipient",
				"hub", h.name, "user_id", c.Identity.UserID, "error", err)
			return
		}
		sealed, err := json.Marshal(env)
		if err != nil {
			return
		}
		frame.Payload = sealed
		frame.Encrypted = true
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.enqueue(data)
}

func newConnID() string { return uuid.NewString() }
