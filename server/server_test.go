package server_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/jrsteele09/mcp-auth-gateway/flow"
	"github.com/jrsteele09/mcp-auth-gateway/flow/upstreamfake"
	"github.com/jrsteele09/mcp-auth-gateway/internal/config"
	"github.com/jrsteele09/mcp-auth-gateway/redirect"
	"github.com/jrsteele09/mcp-auth-gateway/server"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/stretchr/testify/require"
)

const (
	testClientRedirect = "http://localhost:3000/callback"
	testCallbackURL    = "https://gw.example.com/token"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// serverFixture is a gateway served over httptest in front of a fake upstream
type serverFixture struct {
	provider *upstreamfake.Provider
	store    *token.MemoryStore
	clock    *testClock
	gateway  *server.Server
	http     *httptest.Server
	client   *http.Client
}

func setupServer(t *testing.T, options ...upstreamfake.Option) *serverFixture {
	t.Helper()
	t.Setenv("ENV", "TEST")

	p, err := upstreamfake.New(options...)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	clock := &testClock{now: time.Now()}
	store := token.NewMemoryStore(token.WithNowFunc(clock.Now))
	coordinator, err := flow.NewCoordinator(flow.Deps{
		Policy: redirect.NewPolicy(),
		Repo:   flow.NewInMemoryRepo(flow.WithRepoNowFunc(clock.Now)),
		Store:  store,
		Exchanger: flow.NewOAuth2Exchanger(
			p.OAuth2Config(testCallbackURL),
			flow.WithHTTPClient(p.Client()),
			flow.WithRetryBackoff(time.Millisecond),
		),
		Resolver: flow.NewUserInfoResolver(p.UserInfoURL(), p.Client(), time.Second),
	}, flow.Settings{
		SessionTTL:  time.Hour,
		FlowTimeout: 10 * time.Minute,
		RequirePKCE: true,
	}, flow.WithNowFunc(clock.Now))
	require.NoError(t, err)

	s, err := server.New(config.New(), server.Deps{
		Coordinator: coordinator,
		Store:       store,
		Auth:        auth.NewMiddleware(auth.NewStoreAuthenticator(store), "gateway"),
	})
	require.NoError(t, err)

	f := &serverFixture{
		provider: p,
		store:    store,
		clock:    clock,
		gateway:  s,
		http:     httptest.NewServer(s),
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	t.Cleanup(f.http.Close)
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, sessionToken string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.http.URL+path, nil)
	require.NoError(t, err)
	if sessionToken != "" {
		req.Header.Set("Authorization", "Bearer "+sessionToken)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// login runs the whole browser handshake and returns the final redirect
func (f *serverFixture) login(t *testing.T, clientState string) *url.URL {
	t.Helper()

	q := url.Values{"redirect_uri": {testClientRedirect}}
	if clientState != "" {
		q.Set("state", clientState)
	}
	resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?"+q.Encode(), "")
	require.Equal(t, http.StatusFound, resp.StatusCode)

	upstream, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(upstream.String(), f.provider.AuthURL()))
	code := f.provider.IssueCode(upstream.Query().Get("code_challenge"))

	callback := url.Values{"code": {code}, "state": {upstream.Query().Get("state")}}
	resp = f.do(t, http.MethodGet, server.RouteToken+"?"+callback.Encode(), "")
	require.Equal(t, http.StatusFound, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	final, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	return final
}

func (f *serverFixture) sessionToken(t *testing.T) string {
	t.Helper()
	value := f.login(t, "").Query().Get(flow.SessionTokenParam)
	require.NotEmpty(t, value)
	return value
}

func decodeError(t *testing.T, resp *http.Response) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func echoSubject(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	_, _ = io.WriteString(w, p.Subject)
}

func TestHealth(t *testing.T) {
	f := setupServer(t)
	resp := f.do(t, http.MethodGet, server.RouteHealth, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	require.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestLoginFlow(t *testing.T) {
	f := setupServer(t, upstreamfake.WithSubject("alice"))

	final := f.login(t, "client-xyz")
	require.Equal(t, "localhost:3000", final.Host)
	require.Equal(t, "/callback", final.Path)
	require.Equal(t, "client-xyz", final.Query().Get("state"))

	value := final.Query().Get(flow.SessionTokenParam)
	resp := f.do(t, http.MethodGet, server.RouteSession, value)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var principal auth.Principal
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&principal))
	require.Equal(t, "alice", principal.Subject)
	require.Equal(t, []string{"openid", "profile"}, principal.Scopes)
}

func TestAuthorize_Rejected(t *testing.T) {
	f := setupServer(t)

	for _, uri := range []string{"", "http://evil.example.com/cb", "https://user:pw@app.example.com/cb"} {
		resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?"+url.Values{"redirect_uri": {uri}}.Encode(), "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, uri)
		require.Empty(t, resp.Header.Get("Location"))
		require.Equal(t, "invalid_redirect_uri", decodeError(t, resp)["error"])
	}

	q := url.Values{"redirect_uri": {testClientRedirect, "https://evil.example.com/cb"}}
	resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?"+q.Encode(), "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_request", decodeError(t, resp)["error"])
}

func TestCallback_Failures(t *testing.T) {
	t.Run("unknown state", func(t *testing.T) {
		f := setupServer(t)
		resp := f.do(t, http.MethodGet, server.RouteToken+"?code=abc&state=missing", "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "invalid_request", decodeError(t, resp)["error"])
	})

	t.Run("upstream denied", func(t *testing.T) {
		f := setupServer(t)
		resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?redirect_uri="+url.QueryEscape(testClientRedirect), "")
		upstream, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)

		q := url.Values{"state": {upstream.Query().Get("state")}, "error": {"access_denied"}}
		resp = f.do(t, http.MethodGet, server.RouteCallback+"?"+q.Encode(), "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "access_denied", decodeError(t, resp)["error"])
	})

	t.Run("upstream unavailable", func(t *testing.T) {
		f := setupServer(t)
		resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?redirect_uri="+url.QueryEscape(testClientRedirect), "")
		upstream, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		code := f.provider.IssueCode(upstream.Query().Get("code_challenge"))
		f.provider.FailNext(2)

		q := url.Values{"state": {upstream.Query().Get("state")}, "code": {code}}
		resp = f.do(t, http.MethodGet, server.RouteToken+"?"+q.Encode(), "")
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		require.Equal(t, "temporarily_unavailable", decodeError(t, resp)["error"])
	})

	t.Run("flow timeout", func(t *testing.T) {
		f := setupServer(t)
		resp := f.do(t, http.MethodGet, server.RouteAuthorize+"?redirect_uri="+url.QueryEscape(testClientRedirect), "")
		upstream, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		code := f.provider.IssueCode(upstream.Query().Get("code_challenge"))
		f.clock.Advance(11 * time.Minute)

		q := url.Values{"state": {upstream.Query().Get("state")}, "code": {code}}
		resp = f.do(t, http.MethodGet, server.RouteToken+"?"+q.Encode(), "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		require.Equal(t, "flow_timeout", decodeError(t, resp)["error"])
	})
}

func TestProtect(t *testing.T) {
	f := setupServer(t)
	f.gateway.Protect("GET "+server.RouteProtocol, http.HandlerFunc(echoSubject))
	value := f.sessionToken(t)

	t.Run("valid bearer", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, server.RouteProtocol, value)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, "user-1", string(body))
	})

	t.Run("token in query is a bad request", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, server.RouteProtocol+"?access_token="+value, "")
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing token", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, server.RouteProtocol, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Contains(t, resp.Header.Get("WWW-Authenticate"), "Bearer")
	})
}

func TestProtect_UniformUnauthorized(t *testing.T) {
	f := setupServer(t)
	f.gateway.Protect("GET "+server.RouteProtocol, http.HandlerFunc(echoSubject))

	expired := f.sessionToken(t)
	revoked := f.sessionToken(t)
	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, server.RouteSessionRevoke, revoked).StatusCode)
	f.clock.Advance(2 * time.Hour)

	var bodies []string
	for _, value := range []string{expired, revoked, "never-issued"} {
		resp := f.do(t, http.MethodGet, server.RouteProtocol, value)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		bodies = append(bodies, string(body))
	}
	require.Equal(t, bodies[0], bodies[1])
	require.Equal(t, bodies[0], bodies[2])
}

func TestProtect_Scopes(t *testing.T) {
	f := setupServer(t, upstreamfake.WithScope("mcp:read"))
	f.gateway.Protect("GET /tools", http.HandlerFunc(echoSubject), "mcp:read")
	f.gateway.Protect("POST /tools", http.HandlerFunc(echoSubject), "mcp:write")
	value := f.sessionToken(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/tools", value).StatusCode)

	resp := f.do(t, http.MethodPost, "/tools", value)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="insufficient_scope"`)
}

func TestSessionRefresh(t *testing.T) {
	f := setupServer(t)
	old := f.sessionToken(t)

	resp := f.do(t, http.MethodPost, server.RouteSessionRefresh, old)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tr server.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tr))
	require.NotEmpty(t, tr.SessionToken)
	require.NotEqual(t, old, tr.SessionToken)
	require.Equal(t, "Bearer", tr.TokenType)
	require.Equal(t, "openid profile", tr.Scope)
	require.Positive(t, tr.ExpiresIn)

	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, server.RouteSession, old).StatusCode)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, server.RouteSession, tr.SessionToken).StatusCode)

	// A rotated token cannot be rotated again
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, server.RouteSessionRefresh, old).StatusCode)
}

func TestSessionRevoke(t *testing.T) {
	f := setupServer(t)
	value := f.sessionToken(t)

	require.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, server.RouteSessionRevoke, value).StatusCode)
	require.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, server.RouteSession, value).StatusCode)

	_, err := f.store.Validate(context.Background(), value)
	require.Error(t, err)
}

func TestProtocolProxy(t *testing.T) {
	type seen struct {
		authorization string
		subject       string
		path          string
	}
	got := make(chan seen, 1)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{
			authorization: r.Header.Get("Authorization"),
			subject:       r.Header.Get(server.HeaderSubject),
			path:          r.URL.Path,
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(backend.Close)

	f := setupServer(t, upstreamfake.WithSubject("bob"))
	proxy, err := server.NewProtocolProxy(backend.URL)
	require.NoError(t, err)
	f.gateway.Protect(server.RouteProtocol, proxy)
	value := f.sessionToken(t)

	req, err := http.NewRequest(http.MethodPost, f.http.URL+server.RouteProtocol, strings.NewReader(`{"jsonrpc":"2.0"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+value)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(server.HeaderSubject, "spoofed")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	s := <-got
	require.Empty(t, s.authorization)
	require.Equal(t, "bob", s.subject)
	require.Equal(t, server.RouteProtocol, s.path)

	t.Run("unauthenticated never reaches the backend", func(t *testing.T) {
		resp := f.do(t, http.MethodPost, server.RouteProtocol, "")
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		require.Empty(t, got)
	})

	t.Run("invalid target", func(t *testing.T) {
		_, err := server.NewProtocolProxy("not a url")
		require.Error(t, err)
	})
}

func TestCors(t *testing.T) {
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")
	f := setupServer(t)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+server.RouteSession, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), "Authorization")

	req, err = http.NewRequest(http.MethodGet, f.http.URL+server.RouteSession, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://other.example.com")
	resp, err = f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRecoverMiddleware(t *testing.T) {
	f := setupServer(t)
	f.gateway.RegisterRouteHandler("GET /panic", server.ChainMiddleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}, f.gateway.APIMiddleware()...))

	resp := f.do(t, http.MethodGet, "/panic", "")
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "server_error", decodeError(t, resp)["error"])
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := server.New(config.New(), server.Deps{})
	require.Error(t, err)
}
