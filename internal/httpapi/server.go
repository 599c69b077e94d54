// Package httpapi exposes the authentication endpoints: login, connection
// tickets, and the admin auth lifecycle.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/identity"
	"github.com/titanplay/backend/internal/ratelimit"
	"github.com/titanplay/backend/internal/session"
)

// SessionCookie is the httpOnly cookie carrying the bearer ticket for
// browser clients.
const SessionCookie = "session"

// Server wires the auth endpoints.
type Server struct {
	sessions *session.Store
	tickets  *session.TicketIssuer
	resolver identity.Resolver
	limiter  *ratelimit.Engine
	secure   bool // mark cookies Secure in production
}

// NewServer creates the auth API surface.
func NewServer(sessions *session.Store, tickets *session.TicketIssuer, resolver identity.Resolver, limiter *ratelimit.Engine, secureCookies bool) *Server {
	return &Server{
		sessions: sessions,
		tickets:  tickets,
		resolver: resolver,
		limiter:  limiter,
		secure:   secureCookies,
	}
}

// Register mounts the routes on the router. Rate limiting wraps the whole
// auth surface.
func (s *Server) Register(r *mux.Router) {
	auth := r.PathPrefix("/api/auth").Subrouter()
	auth.Use(s.limiter.Middleware(s.identityOf))
	auth.HandleFunc("/login", s.handleLogin).Methods(http.MethodPost)
	auth.HandleFunc("/connection-ticket", s.handleConnectionTicket).Methods(http.MethodPost)

	admin := r.PathPrefix("/api/admin/auth").Subrouter()
	admin.Use(s.limiter.Middleware(s.identityOf))
	admin.HandleFunc("/login", s.handleAdminLogin).Methods(http.MethodPost)
	admin.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	admin.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	admin.HandleFunc("/revoke-all", s.handleRevokeAll).Methods(http.MethodPost)
}

// identityOf resolves the user id for rate-limit partitioning without
// consuming the session.
func (s *Server) identityOf(r *http.Request) string {
	ticket := BearerTicket(r)
	if ticket == "" {
		return ""
	}
	rec, err := s.sessions.Validate(r.Context(), ticket)
	if err != nil || rec == nil {
		return ""
	}
	return rec.UserID
}

// BearerTicket extracts the session ticket from the Authorization header or
// the session cookie.
func BearerTicket(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

type loginRequest struct {
	Token    string `json:"token"`
	Provider string `json:"provider"`
}

type loginResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request, adminOnly bool) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("malformed login body"))
		return
	}

	user, err := s.resolver.Resolve(r.Context(), req.Token, req.Provider)
	if err != nil {
		writeError(w, err)
		return
	}
	if adminOnly && !user.IsAdmin {
		writeError(w, apperr.Forbidden("admin role required"))
		return
	}

	rec, err := s.sessions.Create(r.Context(), user.ID, user.Provider, user.Roles, user.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}

	s.setSessionCookie(w, rec.Ticket, rec.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		SessionID: rec.Ticket,
		UserID:    rec.UserID,
		ExpiresAt: rec.ExpiresAt,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, false)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	s.login(w, r, true)
}

func (s *Server) handleConnectionTicket(w http.ResponseWriter, r *http.Request) {
	_, ticket, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	connTicket, err := s.tickets.Issue(r.Context(), ticket)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ticket": connTicket})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_, ticket, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.sessions.Invalidate(r.Context(), ticket); err != nil {
		writeError(w, err)
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleRefresh rotates the bearer: a new session id is issued and the old
// one is invalidated in the same call.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	rec, ticket, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	fresh, err := s.sessions.Create(r.Context(), rec.UserID, rec.Provider, rec.Roles, rec.IsAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.sessions.Invalidate(r.Context(), ticket); err != nil {
		slog.Warn("failed to invalidate refreshed session", "user_id", rec.UserID, "error", err)
	}

	s.setSessionCookie(w, fresh.Ticket, fresh.ExpiresAt)
	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		SessionID: fresh.Ticket,
		UserID:    fresh.UserID,
		ExpiresAt: fresh.ExpiresAt,
	})
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	rec, _, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	count, err := s.sessions.InvalidateAll(r.Context(), rec.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": count})
}

func (s *Server) requireSession(r *http.Request) (*session.Record, string, error) {
	ticket := BearerTicket(r)
	if ticket == "" {
		return nil, "", apperr.Unauthenticated("no session presented")
	}
	rec, err := s.sessions.Validate(r.Context(), ticket)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", apperr.Unauthenticated("session expired or unknown")
	}
	return rec, ticket, nil
}

func (s *Server) setSessionCookie(w http.ResponseWriter, ticket string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    ticket,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	var appErr *apperr.Error
	message := "internal error"
	if errors.As(err, &appErr) {
		message = appErr.Message
	} else {
		slog.Error("unclassified API error", "error", err)
	}
	body := map[string]any{"error": message, "code": apperr.KindOf(err).String()}
	if retry := apperr.RetryAfter(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		body["retry_after_seconds"] = retry
	}
	writeJSON(w, status, body)
}
