package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/rs/zerolog/log"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

// ContextKeyPrincipal stores the authenticated *Principal
const ContextKeyPrincipal ContextKey = "principal"

// unauthorizedDescription is the single description every 401 carries.
const unauthorizedDescription = "a valid session token is required"

// Middleware guards handlers with session token authentication.
type Middleware struct {
	authenticator Authenticator
	realm         string
}

func NewMiddleware(authenticator Authenticator, realm string) *Middleware {
	return &Middleware{
		authenticator: authenticator,
		realm:         realm,
	}
}

// Require halts the request unless it carries a valid Bearer session token,
// and attaches the Principal to the request context otherwise.
func (m *Middleware) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionToken, err := BearerToken(r)
		if err != nil {
			m.writeError(w, err)
			return
		}

		principal, err := m.authenticator.Authenticate(r.Context(), sessionToken)
		if err != nil {
			if !apperrors.IsAuthentication(err) {
				log.Err(err).Str("path", r.URL.Path).Msg("authentication failed")
			}
			m.writeError(w, err)
			return
		}

		next(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	}
}

// RequireScope must run after Require. It answers 403 unless the principal
// holds every one of scopes.
func (m *Middleware) RequireScope(scopes ...string) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				m.writeError(w, apperrors.ErrUnauthorized)
				return
			}
			if !principal.HasScopes(scopes...) {
				log.Debug().Str("subject", principal.Subject).Strs("required", scopes).Strs("granted", principal.Scopes).Msg("insufficient scope")
				w.Header().Set("WWW-Authenticate", m.challenge(
					`error="insufficient_scope"`,
					fmt.Sprintf(`scope="%s"`, strings.Join(scopes, " ")),
				))
				WriteJSONError(w, apperrors.Code(apperrors.ErrInsufficientScope), "the session token lacks a required scope", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ContextKeyPrincipal, p)
}

// PrincipalFromContext returns the principal attached by Require.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ContextKeyPrincipal).(*Principal)
	return p, ok && p != nil
}

func (m *Middleware) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	switch status {
	case http.StatusUnauthorized:
		// Identical for missing, unknown, revoked and expired tokens.
		w.Header().Set("WWW-Authenticate", m.challenge())
		WriteJSONError(w, apperrors.Code(err), unauthorizedDescription, status)
	case http.StatusBadRequest:
		w.Header().Set("WWW-Authenticate", m.challenge(`error="invalid_request"`))
		WriteJSONError(w, apperrors.Code(err), "session tokens must be sent in the Authorization header as a Bearer token", status)
	default:
		WriteJSONError(w, apperrors.Code(err), "authentication is temporarily unavailable", status)
	}
}

func (m *Middleware) challenge(params ...string) string {
	all := append([]string{fmt.Sprintf(`realm="%s"`, m.realm)}, params...)
	return "Bearer " + strings.Join(all, ", ")
}

// WriteJSONError writes an OAuth style {error, error_description} body.
func WriteJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
