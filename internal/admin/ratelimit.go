package admin

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/ratelimit"
)

func (s *Server) handleGetRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	cfg, version := s.limiter.Config()
	writeJSON(w, http.StatusOK, map[string]any{"version": version, "config": cfg})
}

func (s *Server) handlePutRateLimitConfig(w http.ResponseWriter, r *http.Request) {
	var cfg ratelimit.Config
	if err := decodeBody(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := s.limiter.SetConfig(&cfg); err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	_, version := s.limiter.Config()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "version": version})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var policy ratelimit.Policy
	if err := decodeBody(r, &policy); err != nil {
		writeError(w, err)
		return
	}
	policy.Name = name

	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		cfg.Policies[name] = policy
		return nil
	})
	if err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		if _, ok := cfg.Policies[name]; !ok {
			return fmt.Errorf("policy %q does not exist", name)
		}
		if cfg.DefaultPolicy == name {
			return fmt.Errorf("policy %q is the default and cannot be removed", name)
		}
		delete(cfg.Policies, name)
		return nil
	})
	if err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handlePutMappings upserts the given pattern→policy pairs; mappings not
// named in the body are left alone.
func (s *Server) handlePutMappings(w http.ResponseWriter, r *http.Request) {
	var mappings map[string]string
	if err := decodeBody(r, &mappings); err != nil {
		writeError(w, err)
		return
	}
	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		if cfg.Endpoints == nil {
			cfg.Endpoints = make(map[string]string, len(mappings))
		}
		for pattern, policy := range mappings {
			cfg.Endpoints[pattern] = policy
		}
		return nil
	})
	if err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleDeleteMapping removes one endpoint mapping. The pattern arrives as a
// query parameter because patterns contain slashes.
func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, apperr.Validation("pattern query parameter is required"))
		return
	}
	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		if _, ok := cfg.Endpoints[pattern]; !ok {
			return fmt.Errorf("no mapping for pattern %q", pattern)
		}
		delete(cfg.Endpoints, pattern)
		return nil
	})
	if err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePutDefaultPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Policy string `json:"policy"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		cfg.DefaultPolicy = body.Policy
		return nil
	})
	if err != nil {
		writeError(w, apperr.Validation(err.Error()))
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handlePutRateLimitEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	err := s.limiter.Update(func(cfg *ratelimit.Config) error {
		cfg.Enabled = body.Enabled
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": body.Enabled})
}

func (s *Server) handleRateLimitMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.limiter.MetricsSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Partition string `json:"partition"`
	}
	// An empty body resets everything.
	_ = decodeBody(r, &body)

	removed, err := s.limiter.Reset(r.Context(), body.Partition)
	if err != nil {
		writeError(w, err)
		return
	}
	s.notifier.Notify()
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
