package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // Max message size per frame
	sendBuffer = 256              // Per-connection outbound channel buffer
)

// buildCheckOrigin returns a CheckOrigin based on the deployment
// environment. Production validates against TITAN_ALLOWED_ORIGINS; dev and
// staging allow all origins.
func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("TITAN_ENV")
	allowedRaw := os.Getenv("TITAN_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("WebSocket origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("Rejected connection origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("TITAN_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool { return true }
}

// Authenticator resolves the identity behind a hub negotiation: a one-shot
// connection ticket in the query, or a long-lived bearer session.
type Authenticator struct {
	Sessions *session.Store
	Tickets  *session.TicketIssuer
}

// Authenticate resolves a negotiation request into an identity.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	var sessionTicket string

	if ticket := r.URL.Query().Get("ticket"); ticket != "" {
		redeemed, err := a.Tickets.Redeem(ctx, ticket)
		if err != nil {
			return Identity{}, err
		}
		sessionTicket = redeemed
	} else if token := bearerToken(r); token != "" {
		sessionTicket = token
	} else {
		return Identity{}, apperr.Unauthenticated("no ticket or bearer presented")
	}

	rec, err := a.Sessions.Validate(ctx, sessionTicket)
	if err != nil {
		return Identity{}, err
	}
	if rec == nil {
		return Identity{}, apperr.Unauthenticated("session expired or unknown")
	}

	return Identity{
		UserID:        rec.UserID,
		Roles:         rec.Roles,
		IsAdmin:       rec.IsAdmin,
		SessionTicket: sessionTicket,
	}, nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

// Conn is one live hub connection. Its methods run serially: the read pump
// handles calls one at a time, and the write pump owns all socket writes.
type Conn struct {
	ID       string
	Identity Identity

	hub      *Hub
	ws       *websocket.Conn
	remoteIP string
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	cancel   context.CancelFunc
}

// enqueue hands a frame to the write pump without blocking; a full buffer
// drops the frame rather than stall a broadcast on one slow client.
func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		slog.Warn("send buffer full, dropping frame", "hub", c.hub.name, "conn_id", c.ID)
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		c.hub.unregister(c)
		c.ws.Close()
	})
}

// ServeHTTP authenticates the negotiation, upgrades to WebSocket, and runs
// the connection until either side closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	auth := h.pipeline.authenticator
	identity, err := auth.Authenticate(r.Context(), r)
	if err != nil {
		status := apperr.HTTPStatus(err)
		slog.Info("hub negotiation rejected", "hub", h.name, "status", status)
		http.Error(w, http.StatusText(status), status)
		return
	}
	if h.adminOnly && !identity.IsAdmin {
		slog.Info("hub negotiation rejected", "hub", h.name, "status", http.StatusForbidden, "user_id", identity.UserID)
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "hub", h.name, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ID:       newConnID(),
		Identity: identity,
		hub:      h,
		ws:       ws,
		remoteIP: clientIP(r),
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	h.register(c)
	go c.writePump()
	go c.readPump(ctx)
}

// writePump owns all writes to the socket: responses, pushes, pings, close.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Warn("write failed", "hub", c.hub.name, "conn_id", c.ID, "error", err)
				return
			}

			// Drain queued frames while we hold the writer.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump owns all reads and runs the per-call pipeline serially, so one
// connection observes its calls in order.
func (c *Conn) readPump(ctx context.Context) {
	defer c.close()

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("WebSocket error", "hub", c.hub.name, "conn_id", c.ID, "error", err)
			}
			return
		}

		var req requestFrame
		if err := json.Unmarshal(payload, &req); err != nil {
			slog.Info("invalid frame", "hub", c.hub.name, "conn_id", c.ID, "error", err)
			continue
		}

		resp := c.hub.pipeline.Handle(ctx, c, &req)
		data, err := json.Marshal(resp)
		if err != nil {
			continue
		}
		c.enqueue(data)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
