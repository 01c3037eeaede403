// Package token issues, validates, rotates and revokes the opaque session
// tokens clients present as Bearer credentials.
//
// Raw token values are handed to the caller exactly once, at issue or
// rotation time. Stores only ever keep the BLAKE2b-256 fingerprint of a value,
// and logs only ever show the first characters of that fingerprint.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/oauth2"
)

const (
	// ValueBytes is the entropy of every session token value.
	ValueBytes = 32

	// fingerprintLogLength is how much of a fingerprint is shown in logs.
	fingerprintLogLength = 8

	// MaxIssueAttempts bounds regeneration when a new value collides with a stored one.
	MaxIssueAttempts = 4
)

// Store is the session token store. All methods are safe for concurrent use.
type Store interface {
	// Issue mints a new token for grant that lives for ttl.
	Issue(ctx context.Context, grant Grant, ttl time.Duration) (*Token, error)

	// Validate resolves value to its record. Unknown, revoked and rotated
	// tokens return ErrTokenInvalid; expired tokens return ErrTokenExpired.
	Validate(ctx context.Context, value string) (*Record, error)

	// Revoke invalidates value immediately.
	Revoke(ctx context.Context, value string) error

	// Rotate atomically invalidates value and issues its successor. A non-nil
	// upstream replaces the upstream credentials carried by the chain.
	Rotate(ctx context.Context, value string, upstream *oauth2.Token) (*Token, error)

	// Sweep purges expired records and returns how many were removed.
	Sweep(ctx context.Context) (int, error)
}

// Grant is what a session token is minted for.
type Grant struct {
	Subject  string
	Scopes   []string
	Upstream *oauth2.Token
}

// Token is a freshly minted session token. Value is the only copy of the raw
// token the gateway ever holds.
type Token struct {
	Value     string    `json:"-"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// String keeps raw values out of formatted output.
func (t *Token) String() string {
	return "token:" + ShortFingerprint(t.Value)
}

// Record is the server side state of a session token.
type Record struct {
	Fingerprint string        `json:"fingerprint"`
	Subject     string        `json:"subject"`
	Scopes      []string      `json:"scopes,omitempty"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Upstream    *oauth2.Token `json:"upstream,omitempty"`
	RefreshRef  string        `json:"refresh_ref,omitempty"` // fingerprint of the upstream refresh token
	Revoked     bool          `json:"revoked"`
	Successor   string        `json:"successor,omitempty"` // fingerprint of the rotated-in token
	Generation  int           `json:"generation"`
}

// Expired reports whether the record has reached its expiry at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Lifetime is the ttl the record was issued with. Rotation preserves it.
func (r *Record) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.IssuedAt)
}

// Check applies the validity rules shared by every Store implementation.
func (r *Record) Check(now time.Time) error {
	if r.Revoked {
		return apperrors.ErrTokenInvalid
	}
	if r.Expired(now) {
		return apperrors.ErrTokenExpired
	}
	return nil
}

// TokenFor rebuilds the caller facing Token for a record and its raw value.
func (r *Record) TokenFor(value string) *Token {
	return &Token{
		Value:     value,
		Subject:   r.Subject,
		Scopes:    r.Scopes,
		IssuedAt:  r.IssuedAt,
		ExpiresAt: r.ExpiresAt,
	}
}

// NewRecord builds the record for a freshly generated value.
func NewRecord(fingerprint string, grant Grant, issuedAt time.Time, ttl time.Duration) *Record {
	return &Record{
		Fingerprint: fingerprint,
		Subject:     grant.Subject,
		Scopes:      grant.Scopes,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(ttl),
		Upstream:    grant.Upstream,
		RefreshRef:  refreshRef(grant.Upstream),
	}
}

// NewSuccessor builds the record that replaces r during rotation.
func (r *Record) NewSuccessor(fingerprint string, issuedAt time.Time, upstream *oauth2.Token) *Record {
	if upstream == nil {
		upstream = r.Upstream
	}
	return &Record{
		Fingerprint: fingerprint,
		Subject:     r.Subject,
		Scopes:      r.Scopes,
		IssuedAt:    issuedAt,
		ExpiresAt:   issuedAt.Add(r.Lifetime()),
		Upstream:    upstream,
		RefreshRef:  refreshRef(upstream),
		Generation:  r.Generation + 1,
	}
}

// Fingerprint is the storage key for a token value.
func Fingerprint(value string) string {
	sum := blake2b.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// ShortFingerprint is the loggable form of a token value.
func ShortFingerprint(value string) string {
	if value == "" {
		return ""
	}
	return Fingerprint(value)[:fingerprintLogLength]
}

// NewValue reads ValueBytes from r (crypto/rand when nil) and encodes them
// base64url without padding.
func NewValue(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	b := make([]byte, ValueBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("[token.NewValue] failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidateGrant rejects grants that cannot be issued.
func ValidateGrant(grant Grant, ttl time.Duration) error {
	if grant.Subject == "" {
		return fmt.Errorf("%w: subject is required", apperrors.ErrInvalidRequest)
	}
	if ttl <= 0 {
		return fmt.Errorf("%w: ttl must be positive", apperrors.ErrInvalidRequest)
	}
	return nil
}

func refreshRef(upstream *oauth2.Token) string {
	if upstream == nil || upstream.RefreshToken == "" {
		return ""
	}
	return Fingerprint(upstream.RefreshToken)
}
