// Package auth decides whether a request may reach the protected protocol
// server.
//
// Authenticator is transport neutral: the HTTP middleware and any other
// transport the protocol is carried over resolve session tokens through the
// same implementation. Clients only ever see one kind of authentication
// failure; whether a token was expired or unknown is visible in logs only.
package auth

import (
	"context"
	"fmt"
	"slices"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// Authenticator resolves a presented session token to the principal behind it.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionToken string) (*Principal, error)
}

// Principal is the authenticated caller of a protected request.
type Principal struct {
	Subject   string        `json:"subject"`
	Scopes    []string      `json:"scopes,omitempty"`
	ExpiresAt time.Time     `json:"expires_at"`
	Upstream  *oauth2.Token `json:"-"`

	// Token is the fingerprint of the presented session token.
	Token string `json:"-"`
}

// HasScopes reports whether the principal was granted every one of scopes.
func (p *Principal) HasScopes(scopes ...string) bool {
	for _, s := range scopes {
		if !slices.Contains(p.Scopes, s) {
			return false
		}
	}
	return true
}

var _ Authenticator = (*StoreAuthenticator)(nil)

// StoreAuthenticator authenticates against a token.Store.
type StoreAuthenticator struct {
	store token.Store
}

func NewStoreAuthenticator(store token.Store) *StoreAuthenticator {
	return &StoreAuthenticator{store: store}
}

// Authenticate returns ErrUnauthorized for every missing, unknown, revoked,
// rotated or expired token.
func (a *StoreAuthenticator) Authenticate(ctx context.Context, sessionToken string) (*Principal, error) {
	if sessionToken == "" {
		return nil, apperrors.ErrUnauthorized
	}

	rec, err := a.store.Validate(ctx, sessionToken)
	if err != nil {
		short := token.ShortFingerprint(sessionToken)
		switch {
		case apperrors.Is(err, apperrors.ErrTokenExpired):
			log.Debug().Str("token", short).Msg("rejected expired session token")
		case apperrors.Is(err, apperrors.ErrTokenInvalid):
			log.Debug().Str("token", short).Msg("rejected unknown or revoked session token")
		default:
			return nil, fmt.Errorf("[StoreAuthenticator.Authenticate] %w", err)
		}
		return nil, apperrors.ErrUnauthorized
	}

	return &Principal{
		Subject:   rec.Subject,
		Scopes:    rec.Scopes,
		ExpiresAt: rec.ExpiresAt,
		Upstream:  rec.Upstream,
		Token:     rec.Fingerprint,
	}, nil
}
