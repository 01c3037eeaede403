package pkce_test

import (
	"strings"
	"testing"

	"github.com/jrsteele09/mcp-auth-gateway/pkce"
	"github.com/stretchr/testify/require"
)

// RFC 7636 appendix B
const (
	rfcVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	rfcChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func TestChallenge_RFCVector(t *testing.T) {
	require.Equal(t, rfcChallenge, pkce.Challenge(rfcVerifier))
	require.True(t, pkce.Verify(rfcVerifier, rfcChallenge))
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		pair, err := pkce.Generate()
		require.NoError(t, err)
		require.Equal(t, pkce.MethodS256, pair.Method)
		require.GreaterOrEqual(t, len(pair.Verifier), 43)
		require.LessOrEqual(t, len(pair.Verifier), 128)
		require.NotContains(t, pair.Challenge, "=")
		require.True(t, pkce.Verify(pair.Verifier, pair.Challenge))

		_, dup := seen[pair.Verifier]
		require.False(t, dup)
		seen[pair.Verifier] = struct{}{}
	}
}

func TestVerify_WrongVerifier(t *testing.T) {
	for i := 0; i < 100; i++ {
		a, err := pkce.Generate()
		require.NoError(t, err)
		b, err := pkce.Generate()
		require.NoError(t, err)
		require.False(t, pkce.Verify(b.Verifier, a.Challenge))
	}
}

func TestVerify_Malformed(t *testing.T) {
	t.Run("empty challenge", func(t *testing.T) {
		require.False(t, pkce.Verify(rfcVerifier, ""))
	})
	t.Run("short verifier", func(t *testing.T) {
		require.False(t, pkce.Verify("short", pkce.Challenge("short")))
	})
	t.Run("long verifier", func(t *testing.T) {
		v := strings.Repeat("a", 129)
		require.False(t, pkce.Verify(v, pkce.Challenge(v)))
	})
	t.Run("illegal characters", func(t *testing.T) {
		v := strings.Repeat("a", 42) + "+"
		require.False(t, pkce.Verify(v, pkce.Challenge(v)))
	})
	t.Run("plain challenge is not accepted", func(t *testing.T) {
		require.False(t, pkce.Verify(rfcVerifier, rfcVerifier))
	})
}
