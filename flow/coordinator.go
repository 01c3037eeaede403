// Package flow drives the OAuth 2.0 authorization code handshake with the
// upstream identity provider and turns its outcome into a session token.
//
// Each handshake is tracked by a Context that moves through
// Started -> RedirectIssued -> CodeReceived -> TokenExchanged -> SessionIssued,
// or into Failed with a reason. Contexts are single use and expire on their own.
package flow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/jrsteele09/mcp-auth-gateway/pkce"
	"github.com/jrsteele09/mcp-auth-gateway/redirect"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// SessionTokenParam is the query parameter carrying the session token on the
// final redirect back to the client.
const SessionTokenParam = "session_token"

const clientStateParam = "state"

// Deps are the collaborators a Coordinator drives.
type Deps struct {
	Policy    *redirect.Policy
	Repo      Repo
	Store     token.Store
	Exchanger Exchanger
	Resolver  SubjectResolver
}

// Settings tune a Coordinator.
type Settings struct {
	SessionTTL  time.Duration
	FlowTimeout time.Duration
	RequirePKCE bool

	// DefaultScopes are granted when the upstream does not report any.
	DefaultScopes []string
}

// AuthorizeRequest starts a handshake on behalf of a client.
type AuthorizeRequest struct {
	RedirectURI string
	State       string
}

// CallbackRequest is what the upstream sends back to the gateway.
type CallbackRequest struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Result is a completed handshake.
type Result struct {
	FlowID      string
	RedirectURL string
	Token       *token.Token
}

type Coordinator struct {
	deps     Deps
	settings Settings
	nowFunc  func() time.Time

	// refreshGroup serialises Refresh per session token so a single-use
	// upstream refresh token is spent once.
	refreshGroup singleflight.Group
}

type CoordinatorOption func(*Coordinator)

// WithNowFunc sets the clock (primarily for testing)
func WithNowFunc(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.nowFunc = now
	}
}

func NewCoordinator(deps Deps, settings Settings, options ...CoordinatorOption) (*Coordinator, error) {
	switch {
	case deps.Policy == nil:
		return nil, fmt.Errorf("[flow.NewCoordinator] redirect policy is required")
	case deps.Repo == nil:
		return nil, fmt.Errorf("[flow.NewCoordinator] flow repo is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("[flow.NewCoordinator] token store is required")
	case deps.Exchanger == nil:
		return nil, fmt.Errorf("[flow.NewCoordinator] exchanger is required")
	case deps.Resolver == nil:
		return nil, fmt.Errorf("[flow.NewCoordinator] subject resolver is required")
	case settings.SessionTTL <= 0 || settings.FlowTimeout <= 0:
		return nil, fmt.Errorf("[flow.NewCoordinator] session ttl and flow timeout must be positive")
	}

	c := &Coordinator{
		deps:     deps,
		settings: settings,
		nowFunc:  time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Authorize validates the client's redirect URI, records a new flow and
// returns the upstream URL the client must be sent to.
func (c *Coordinator) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	if err := c.deps.Policy.Validate(req.RedirectURI); err != nil {
		log.Warn().Str("reason", string(ReasonInvalidRedirect)).Err(err).Msg("authorization rejected")
		return "", fmt.Errorf("[Coordinator.Authorize] %w", err)
	}

	if reservedParamsUsed(req.RedirectURI, req.State) {
		log.Warn().Str("reason", string(ReasonInvalidRequest)).Msg("redirect_uri carries session_token or state")
		return "", fmt.Errorf("[Coordinator.Authorize] redirect_uri carries a reserved parameter: %w", apperrors.ErrInvalidRequest)
	}

	fc := NewContext(req.RedirectURI, req.State, c.nowFunc(), c.settings.FlowTimeout)
	if c.settings.RequirePKCE {
		pair, err := pkce.Generate()
		if err != nil {
			return "", fmt.Errorf("[Coordinator.Authorize] %w", err)
		}
		fc.Verifier = pair.Verifier
		fc.Challenge = pair.Challenge
	}

	if err := fc.Transition(StateRedirectIssued); err != nil {
		return "", err
	}
	if err := c.deps.Repo.Put(ctx, fc); err != nil {
		return "", fmt.Errorf("[Coordinator.Authorize] failed to store flow: %w: %w", apperrors.ErrInternal, err)
	}

	log.Debug().Str("flow", fc.ID).Str("state", string(fc.State)).Bool("pkce", fc.Challenge != "").Msg("authorization redirect issued")
	return c.deps.Exchanger.AuthCodeURL(fc.ID, fc.Challenge), nil
}

// Callback completes the handshake for the flow named by req.State and
// returns where the client must be redirected with its new session token.
func (c *Coordinator) Callback(ctx context.Context, req CallbackRequest) (*Result, error) {
	if req.State == "" {
		return nil, fmt.Errorf("[Coordinator.Callback] missing state: %w", apperrors.ErrInvalidRequest)
	}

	fc, err := c.deps.Repo.Take(ctx, req.State)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			log.Warn().Str("flow", req.State).Str("reason", string(ReasonInvalidRequest)).Msg("callback for unknown or completed flow")
			return nil, fmt.Errorf("[Coordinator.Callback] unknown flow: %w", apperrors.ErrInvalidRequest)
		}
		return nil, fmt.Errorf("[Coordinator.Callback] failed to load flow: %w: %w", apperrors.ErrInternal, err)
	}

	if fc.Expired(c.nowFunc()) {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] flow %s: %w", fc.ID, apperrors.ErrFlowTimeout))
	}
	if err := fc.Transition(StateCodeReceived); err != nil {
		return nil, err
	}

	if req.Error != "" {
		desc := req.Error
		if req.ErrorDescription != "" {
			desc += ": " + req.ErrorDescription
		}
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w: %s", apperrors.ErrUpstreamDenied, desc))
	}
	if req.Code == "" {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] missing code: %w", apperrors.ErrInvalidRequest))
	}
	if fc.Challenge != "" && !pkce.Verify(fc.Verifier, fc.Challenge) {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", apperrors.ErrPKCEMismatch))
	}

	// No store lock is held while the upstream is consulted.
	upstream, err := c.deps.Exchanger.Exchange(ctx, req.Code, fc.Verifier)
	if err != nil {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", err))
	}
	if err := fc.Transition(StateTokenExchanged); err != nil {
		return nil, err
	}

	subject, err := c.deps.Resolver.Resolve(ctx, upstream)
	if err != nil {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", err))
	}

	// The stored URI is checked again in case the policy was tightened or
	// the stored context was tampered with.
	if err := c.deps.Policy.Validate(fc.RedirectURI); err != nil {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", err))
	}

	tok, err := c.deps.Store.Issue(ctx, token.Grant{
		Subject:  subject,
		Scopes:   c.scopesFrom(upstream),
		Upstream: upstream,
	}, c.settings.SessionTTL)
	if err != nil {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", err))
	}

	redirectURL, err := buildRedirect(fc.RedirectURI, tok.Value, fc.ClientState)
	if err != nil {
		return nil, c.fail(fc, fmt.Errorf("[Coordinator.Callback] %w", err))
	}
	if err := fc.Transition(StateSessionIssued); err != nil {
		return nil, err
	}

	log.Info().Str("flow", fc.ID).Str("subject", subject).Str("token", token.ShortFingerprint(tok.Value)).Msg("session issued")
	return &Result{
		FlowID:      fc.ID,
		RedirectURL: redirectURL,
		Token:       tok,
	}, nil
}

// Refresh rotates a session token, renewing the upstream credentials it
// carries first when they have expired.
//
// Validation, the upstream refresh and the rotation run as one flight per
// token, so an upstream refresh token is sent at most once. Callers that
// join a flight already in progress lose with ErrTokenInvalid.
func (c *Coordinator) Refresh(ctx context.Context, value string) (*token.Token, error) {
	// The flight outlives any one caller; the exchanger bounds upstream calls.
	flightCtx := context.WithoutCancel(ctx)

	ran := false
	result, err, _ := c.refreshGroup.Do(token.Fingerprint(value), func() (interface{}, error) {
		ran = true
		return c.rotate(flightCtx, value)
	})
	if err != nil {
		return nil, err
	}
	if !ran {
		log.Debug().Str("token", token.ShortFingerprint(value)).Msg("refresh lost to a concurrent rotation")
		return nil, fmt.Errorf("[Coordinator.Refresh] %w", apperrors.ErrTokenInvalid)
	}
	return result.(*token.Token), nil
}

func (c *Coordinator) rotate(ctx context.Context, value string) (*token.Token, error) {
	rec, err := c.deps.Store.Validate(ctx, value)
	if err != nil {
		return nil, err
	}

	var upstream *oauth2.Token
	if rec.Upstream != nil && !rec.Upstream.Valid() && rec.Upstream.RefreshToken != "" {
		upstream, err = c.deps.Exchanger.Refresh(ctx, rec.Upstream)
		if err != nil {
			return nil, fmt.Errorf("[Coordinator.Refresh] %w", err)
		}
		log.Debug().Str("token", token.ShortFingerprint(value)).Msg("upstream credentials refreshed")
	}

	next, err := c.deps.Store.Rotate(ctx, value, upstream)
	if err != nil {
		return nil, fmt.Errorf("[Coordinator.Refresh] %w", err)
	}
	return next, nil
}

func (c *Coordinator) fail(fc *Context, err error) error {
	reason := ReasonFor(err)
	fc.Fail(reason)
	log.Warn().Err(err).Str("flow", fc.ID).Str("reason", string(reason)).Msg("authorization flow failed")
	return err
}

func (c *Coordinator) scopesFrom(upstream *oauth2.Token) []string {
	if raw, ok := upstream.Extra("scope").(string); ok {
		if scopes := strings.Fields(raw); len(scopes) > 0 {
			return scopes
		}
	}
	return c.settings.DefaultScopes
}

func buildRedirect(redirectURI, sessionToken, clientState string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrInvalidRedirect, err)
	}
	// The client's own query is kept byte for byte.
	extra := url.Values{SessionTokenParam: {sessionToken}}
	if clientState != "" {
		extra.Set(clientStateParam, clientState)
	}
	if u.RawQuery == "" {
		u.RawQuery = extra.Encode()
	} else {
		u.RawQuery += "&" + extra.Encode()
	}
	return u.String(), nil
}

// reservedParamsUsed reports whether redirectURI already carries a parameter
// the final redirect would add.
func reservedParamsUsed(redirectURI, clientState string) bool {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	q := u.Query()
	if q.Has(SessionTokenParam) {
		return true
	}
	return clientState != "" && q.Has(clientStateParam)
}
