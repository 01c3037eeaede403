package server

import (
	"strings"
	"time"

	"github.com/jrsteele09/mcp-auth-gateway/token"
)

// TokenResponse is returned by the session refresh endpoint. It follows the
// RFC 6749 token response shape so OAuth client libraries can read it.
type TokenResponse struct {
	// SessionToken replaces the token presented on the refresh request,
	// which is invalid from then on.
	// Usage: Include in Authorization header: "Bearer <session_token>"
	SessionToken string `json:"session_token"`

	// TokenType is always "Bearer".
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the session token.
	// Example: 3600
	ExpiresIn int `json:"expires_in"`

	// Scope is the space-separated list of scopes carried over from the
	// rotated token.
	Scope string `json:"scope,omitempty"`
}

func newTokenResponse(t *token.Token, now time.Time) TokenResponse {
	expiresIn := int(t.ExpiresAt.Sub(now).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return TokenResponse{
		SessionToken: t.Value,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		Scope:        strings.Join(t.Scopes, " "),
	}
}
