package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"roadside/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range s.info {
		info[k] = v
	}
	writeJSON(w, http.StatusOK, info)
}

// HealthHandler reports liveness only.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler pings the store and Redis.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.checks))
	for n := range s.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := s.checks[n](ctx)
		cancel()
		if err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not Ready", n+": "+err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
