package server

import (
	"net/http"
	"time"

	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/rs/zerolog/hlog"
)

// SessionHandler describes the caller's session.
//
//	GET /session
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			writeJSONError(w, "unauthorized", errorDescriptions["unauthorized"], http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, principal)
	}
}

// RefreshHandler rotates the presented session token into a new one.
//
//	POST /session/refresh
func (s *Server) RefreshHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Require has already accepted this header
		value, err := auth.BearerToken(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		next, err := s.coordinator.Refresh(r.Context(), value)
		if err != nil {
			writeError(w, r, err)
			return
		}

		hlog.FromRequest(r).Info().Str("token", next.String()).Msg("session rotated")
		w.Header().Set("Pragma", "no-cache")
		writeJSON(w, http.StatusOK, newTokenResponse(next, time.Now()))
	}
}

// RevokeHandler invalidates the presented session token.
//
//	POST /session/revoke
func (s *Server) RevokeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := auth.BearerToken(r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		if err := s.store.Revoke(r.Context(), value); err != nil {
			writeError(w, r, err)
			return
		}

		hlog.FromRequest(r).Info().Msg("session revoked")
		w.WriteHeader(http.StatusNoContent)
	}
}
