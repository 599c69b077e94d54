// Package admin is the operator control plane: session inspection and
// revocation, live rate-limit configuration, and encryption lifecycle
// control. Every route requires an admin session.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/crypt"
	"github.com/titanplay/backend/internal/hub"
	"github.com/titanplay/backend/internal/ratelimit"
	"github.com/titanplay/backend/internal/session"
)

// Server holds the admin API surface.
type Server struct {
	sessions *session.Store
	limiter  *ratelimit.Engine
	crypto   *crypt.Service
	rotator  *hub.Rotator
	notifier *Notifier
}

// NewServer creates the admin control plane.
func NewServer(sessions *session.Store, limiter *ratelimit.Engine, crypto *crypt.Service, rotator *hub.Rotator, notifier *Notifier) *Server {
	return &Server{
		sessions: sessions,
		limiter:  limiter,
		crypto:   crypto,
		rotator:  rotator,
		notifier: notifier,
	}
}

// Register mounts the admin routes behind the admin-session middleware.
func (s *Server) Register(r *mux.Router) {
	api := r.PathPrefix("/api/admin").Subrouter()
	api.Use(s.requireAdmin)

	api.HandleFunc("/sessions", s.handleListOwnSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/count", s.handleCountOwnSessions).Methods(http.MethodGet)
	api.HandleFunc("/sessions/{ticket}", s.handleDeleteSession).Methods(http.MethodDelete)
	api.HandleFunc("/users/{userId}/sessions", s.handleListSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/sessions/count", s.handleCountSessions).Methods(http.MethodGet)
	api.HandleFunc("/users/{userId}/sessions", s.handleRevokeUserSessions).Methods(http.MethodDelete)

	rl := api.PathPrefix("/rate-limiting").Subrouter()
	rl.HandleFunc("/config", s.handleGetRateLimitConfig).Methods(http.MethodGet)
	rl.HandleFunc("/config", s.handlePutRateLimitConfig).Methods(http.MethodPost)
	rl.HandleFunc("/policies/{name}", s.handlePutPolicy).Methods(http.MethodPost)
	rl.HandleFunc("/policies/{name}", s.handleDeletePolicy).Methods(http.MethodDelete)
	rl.HandleFunc("/mappings", s.handlePutMappings).Methods(http.MethodPost)
	rl.HandleFunc("/mappings", s.handleDeleteMapping).Methods(http.MethodDelete)
	rl.HandleFunc("/default-policy", s.handlePutDefaultPolicy).Methods(http.MethodPost)
	rl.HandleFunc("/enabled", s.handlePutRateLimitEnabled).Methods(http.MethodPost)
	rl.HandleFunc("/metrics", s.handleRateLimitMetrics).Methods(http.MethodGet)
	rl.HandleFunc("/reset", s.handleRateLimitReset).Methods(http.MethodPost)

	enc := api.PathPrefix("/encryption").Subrouter()
	enc.HandleFunc("/config", s.handleGetEncryptionConfig).Methods(http.MethodGet)
	enc.HandleFunc("/enabled", s.handlePutEncryptionEnabled).Methods(http.MethodPost)
	enc.HandleFunc("/required", s.handlePutEncryptionRequired).Methods(http.MethodPost)
	enc.HandleFunc("/metrics", s.handleEncryptionMetrics).Methods(http.MethodGet)
	enc.HandleFunc("/rotate-all", s.handleRotateAll).Methods(http.MethodPost)
	enc.HandleFunc("/connections/needs-rotation", s.handleNeedsRotation).Methods(http.MethodGet)
	enc.HandleFunc("/connections/{userId}/stats", s.handleEncryptionStats).Methods(http.MethodGet)
	enc.HandleFunc("/connections/{userId}/rotate", s.handleRotateUser).Methods(http.MethodPost)
	enc.HandleFunc("/connections/{userId}", s.handleRemoveEncryptionState).Methods(http.MethodDelete)
}

// requireAdmin validates the bearer session and requires the admin flag.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ticket := bearerTicket(r)
		if ticket == "" {
			writeError(w, apperr.Unauthenticated("no session presented"))
			return
		}
		rec, err := s.sessions.Validate(r.Context(), ticket)
		if err != nil {
			writeError(w, err)
			return
		}
		if rec == nil {
			writeError(w, apperr.Unauthenticated("session expired or unknown"))
			return
		}
		if !rec.IsAdmin {
			slog.Warn("non-admin hit admin API", "user_id", rec.UserID, "path", r.URL.Path)
			writeError(w, apperr.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, rec)))
	})
}

type sessionKey struct{}

// adminSession returns the validated session of the caller. The middleware
// guarantees it is present on every registered route.
func adminSession(r *http.Request) *session.Record {
	rec, _ := r.Context().Value(sessionKey{}).(*session.Record)
	return rec
}

func bearerTicket(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	if cookie, err := r.Cookie("session"); err == nil {
		return cookie.Value
	}
	return ""
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	message := "internal error"
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		message = appErr.Message
	} else {
		slog.Error("unclassified admin API error", "error", err)
	}
	writeJSON(w, status, map[string]any{
		"error": message,
		"code":  apperr.KindOf(err).String(),
	})
}

func decodeBody(r *http.Request, out any) error {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return apperr.Validation("malformed request body")
	}
	return nil
}
