package api

import (
	"net/http"
	"strings"

	"roadside/internal/model"
)

// bearer returns the token from the Authorization header. Browsers cannot set
// headers on EventSource or WebSocket, so access_token is accepted as a
// query parameter too.
func bearer(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

// authed verifies the caller before running h.
func (s *Server) authed(h func(http.ResponseWriter, *http.Request, model.Actor)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := bearer(r)
		if tok == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="roadside"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token", r.URL.Path)
			return
		}
		actor, err := s.Auth.Verify(tok)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="roadside", error="invalid_token"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		h(w, r, actor)
	}
}

func requireRole(a model.Actor, roles ...model.Role) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return model.Forbiddenf("role %s may not call this endpoint", a.Role)
}

// selfOrAdmin allows a mechanic acting on their own record, or an admin.
func selfOrAdmin(a model.Actor, mechanicID string) error {
	if a.IsAdmin() || (a.Role == model.RoleMechanic && a.ID == mechanicID) {
		return nil
	}
	return model.Forbiddenf("cannot act for mechanic %s", mechanicID)
}
