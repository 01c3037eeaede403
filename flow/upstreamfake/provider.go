// Package upstreamfake is an in-process OAuth 2.0 / OpenID Connect provider
// for exercising the gateway against a real HTTP upstream in tests.
package upstreamfake

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/mcp-auth-gateway/pkce"
	"golang.org/x/oauth2"
)

const (
	ClientID     = "gateway-client"
	ClientSecret = "gateway-secret"

	keyID = "upstream-test-key"
)

type jwks struct {
	Keys []jwk `json:"keys"`
}

type jwk struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
}

type grant struct {
	challenge string
	subject   string
}

// Provider is a fake upstream identity provider backed by httptest.
type Provider struct {
	server *httptest.Server
	key    *rsa.PrivateKey

	mu            sync.Mutex
	subject       string
	scope         string
	expiresIn     int
	codes         map[string]grant
	accessTokens  map[string]string // access token -> subject
	refreshTokens map[string]string // refresh token -> subject
	failNext      int
	tokenCalls    int
	deny          bool
}

type Option func(*Provider)

// WithSubject sets the end user the provider authenticates.
func WithSubject(subject string) Option {
	return func(p *Provider) {
		p.subject = subject
	}
}

// WithScope sets the scope string returned from the token endpoint.
func WithScope(scope string) Option {
	return func(p *Provider) {
		p.scope = scope
	}
}

// WithExpiresIn sets the lifetime in seconds of issued access tokens.
func WithExpiresIn(seconds int) Option {
	return func(p *Provider) {
		p.expiresIn = seconds
	}
}

// New starts a provider. Callers must Close it.
func New(options ...Option) (*Provider, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("[upstreamfake.New] failed to generate key: %w", err)
	}

	p := &Provider{
		key:           key,
		subject:       "user-1",
		scope:         "openid profile",
		expiresIn:     3600,
		codes:         make(map[string]grant),
		accessTokens:  make(map[string]string),
		refreshTokens: make(map[string]string),
	}
	for _, opt := range options {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET /jwks", p.keys)
	mux.HandleFunc("POST /token", p.token)
	mux.HandleFunc("GET /userinfo", p.userInfo)
	p.server = httptest.NewServer(mux)
	return p, nil
}

func (p *Provider) Close() {
	p.server.Close()
}

// URL is the provider's issuer URL.
func (p *Provider) URL() string {
	return p.server.URL
}

func (p *Provider) AuthURL() string     { return p.server.URL + "/authorize" }
func (p *Provider) TokenURL() string    { return p.server.URL + "/token" }
func (p *Provider) UserInfoURL() string { return p.server.URL + "/userinfo" }

// Client returns an HTTP client that reaches the provider.
func (p *Provider) Client() *http.Client {
	return p.server.Client()
}

// OAuth2Config is a client configuration for this provider.
func (p *Provider) OAuth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     ClientID,
		ClientSecret: ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"openid", "profile"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthURL(),
			TokenURL:  p.TokenURL(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// IssueCode plays the user consenting at the authorization endpoint and
// returns the code the upstream would redirect back with.
func (p *Provider) IssueCode(challenge string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	code := uuid.NewString()
	p.codes[code] = grant{challenge: challenge, subject: p.subject}
	return code
}

// FailNext makes the next n token endpoint calls answer 503.
func (p *Provider) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// DenyAll makes the token endpoint reject every grant.
func (p *Provider) DenyAll(deny bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = deny
}

// TokenCalls is how many requests reached the token endpoint.
func (p *Provider) TokenCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenCalls
}

func (p *Provider) discovery(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.server.URL,
		"authorization_endpoint":                p.AuthURL(),
		"token_endpoint":                        p.TokenURL(),
		"userinfo_endpoint":                     p.UserInfoURL(),
		"jwks_uri":                              p.server.URL + "/jwks",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{pkce.MethodS256},
	})
}

func (p *Provider) keys(w http.ResponseWriter, r *http.Request) {
	pub := p.key.PublicKey
	writeJSON(w, http.StatusOK, jwks{Keys: []jwk{{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenCalls++

	if p.failNext > 0 {
		p.failNext--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if r.PostForm.Get("client_id") != ClientID || r.PostForm.Get("client_secret") != ClientSecret {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}
	if p.deny {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		code := r.PostForm.Get("code")
		g, ok := p.codes[code]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		delete(p.codes, code)
		if g.challenge != "" && !pkce.Verify(r.PostForm.Get("code_verifier"), g.challenge) {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		p.writeTokens(w, g.subject, true)

	case "refresh_token":
		subject, ok := p.refreshTokens[r.PostForm.Get("refresh_token")]
		if !ok {
			writeOAuthError(w, http.StatusBadRequest, "invalid_grant")
			return
		}
		p.writeTokens(w, subject, false)

	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
	}
}

// writeTokens must be called with p.mu held.
func (p *Provider) writeTokens(w http.ResponseWriter, subject string, withIDToken bool) {
	accessToken := uuid.NewString()
	refreshToken := uuid.NewString()
	p.accessTokens[accessToken] = subject
	p.refreshTokens[refreshToken] = subject

	body := map[string]any{
		"access_token":  accessToken,
		"token_type":    "Bearer",
		"expires_in":    p.expiresIn,
		"refresh_token": refreshToken,
		"scope":         p.scope,
	}
	if withIDToken {
		idToken, err := p.idToken(subject)
		if err != nil {
			writeOAuthError(w, http.StatusInternalServerError, "server_error")
			return
		}
		body["id_token"] = idToken
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *Provider) idToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.server.URL,
		"sub": subject,
		"aud": ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
		"jti": uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID

	signed, err := tok.SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}

func (p *Provider) userInfo(w http.ResponseWriter, r *http.Request) {
	accessToken, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	p.mu.Lock()
	subject, known := p.accessTokens[accessToken]
	p.mu.Unlock()
	if !known {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sub": subject})
}

func writeOAuthError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
