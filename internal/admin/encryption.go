package admin

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleGetEncryptionConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.crypto.Config())
}

func (s *Server) handlePutEncryptionEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.crypto.SetEnabled(body.Enabled)
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, s.crypto.Config())
}

func (s *Server) handlePutEncryptionRequired(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Required bool `json:"required"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	s.crypto.SetRequired(body.Required)
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, s.crypto.Config())
}

func (s *Server) handleNeedsRotation(w http.ResponseWriter, r *http.Request) {
	users := s.crypto.NeedingRotation()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleEncryptionMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config":        s.crypto.Config(),
		"activeUsers":   len(s.crypto.Users()),
		"needsRotation": len(s.crypto.NeedingRotation()),
	})
}

func (s *Server) handleEncryptionStats(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	stats, err := s.crypto.Stats(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleRotateUser(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	req, err := s.rotator.Rotate(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"initiated": true, "keyId": req.KeyID})
}

func (s *Server) handleRotateAll(w http.ResponseWriter, r *http.Request) {
	rotated := s.rotator.RotateAll(r.Context())
	if rotated == nil {
		rotated = []string{}
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"rotated": rotated})
}

func (s *Server) handleRemoveEncryptionState(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	removed := s.crypto.RemoveState(userID)
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
