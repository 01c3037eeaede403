// Package pkce implements the S256 Proof Key for Code Exchange transform
// (RFC 7636) used between the gateway and the upstream provider.
package pkce

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/oauth2"
)

// MethodS256 is the only challenge method the gateway emits.
const MethodS256 = "S256"

var errInvalidVerifier = errors.New("pkce: generated verifier is invalid")

const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// Pair is a verifier and its challenge. The verifier stays server-side; only
// the challenge is ever sent to the upstream authorization endpoint.
type Pair struct {
	Verifier  string
	Challenge string
	Method    string
}

// Generate creates a fresh verifier (32 random bytes, base64url, 43 chars)
// and its S256 challenge.
func Generate() (Pair, error) {
	verifier := oauth2.GenerateVerifier()
	if !ValidVerifier(verifier) {
		// oauth2.GenerateVerifier always yields 43 unreserved characters.
		return Pair{}, errInvalidVerifier
	}
	return Pair{
		Verifier:  verifier,
		Challenge: Challenge(verifier),
		Method:    MethodS256,
	}, nil
}

// Challenge returns BASE64URL(SHA256(verifier)) without padding.
func Challenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// Verify recomputes the challenge for verifier and compares it in constant time.
func Verify(verifier, challenge string) bool {
	if !ValidVerifier(verifier) || challenge == "" {
		return false
	}
	expected := Challenge(verifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) == 1
}

// ValidVerifier checks length (43-128) and the unreserved character set.
func ValidVerifier(verifier string) bool {
	if len(verifier) < minVerifierLength || len(verifier) > maxVerifierLength {
		return false
	}
	for i := 0; i < len(verifier); i++ {
		c := verifier[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-', c == '.', c == '_', c == '~':
		default:
			return false
		}
	}
	return true
}
