package admin

import (
	"net/http"

	"github.com/gorilla/mux"
)

// sessionView is the admin projection of a session record. The ticket id is
// included so admins can revoke individual sessions.
type sessionView struct {
	Ticket    string   `json:"ticket"`
	UserID    string   `json:"userId"`
	Provider  string   `json:"provider"`
	Roles     []string `json:"roles"`
	IsAdmin   bool     `json:"isAdmin"`
	CreatedAt string   `json:"createdAt"`
	ExpiresAt string   `json:"expiresAt"`
}

// handleListOwnSessions lists the calling admin's sessions.
func (s *Server) handleListOwnSessions(w http.ResponseWriter, r *http.Request) {
	s.listSessions(w, r, adminSession(r).UserID)
}

func (s *Server) handleCountOwnSessions(w http.ResponseWriter, r *http.Request) {
	s.countSessions(w, r, adminSession(r).UserID)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	s.listSessions(w, r, mux.Vars(r)["userId"])
}

func (s *Server) handleCountSessions(w http.ResponseWriter, r *http.Request) {
	s.countSessions(w, r, mux.Vars(r)["userId"])
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request, userID string) {
	skip := queryInt(r, "skip", 0)
	take := queryInt(r, "take", 50)

	records, err := s.sessions.List(r.Context(), userID, skip, take)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]sessionView, 0, len(records))
	for _, rec := range records {
		views = append(views, sessionView{
			Ticket:    rec.Ticket,
			UserID:    rec.UserID,
			Provider:  rec.Provider,
			Roles:     rec.Roles,
			IsAdmin:   rec.IsAdmin,
			CreatedAt: rec.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
			ExpiresAt: rec.ExpiresAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views, "skip": skip, "take": take})
}

func (s *Server) countSessions(w http.ResponseWriter, r *http.Request, userID string) {
	count, err := s.sessions.Count(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "count": count})
}

func (s *Server) handleRevokeUserSessions(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	count, err := s.sessions.InvalidateAll(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ticket := mux.Vars(r)["ticket"]
	removed, err := s.sessions.Invalidate(r.Context(), ticket)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
