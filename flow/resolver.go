package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"golang.org/x/oauth2"
)

// SubjectResolver identifies the end user behind upstream credentials.
type SubjectResolver interface {
	Resolve(ctx context.Context, upstream *oauth2.Token) (string, error)
}

var (
	_ SubjectResolver = (*OIDCResolver)(nil)
	_ SubjectResolver = (*UserInfoResolver)(nil)
)

// OIDCResolver takes the subject from the verified ID token the upstream
// returned alongside its access token.
type OIDCResolver struct {
	verifier *oidc.IDTokenVerifier
}

func NewOIDCResolver(verifier *oidc.IDTokenVerifier) *OIDCResolver {
	return &OIDCResolver{verifier: verifier}
}

func (r *OIDCResolver) Resolve(ctx context.Context, upstream *oauth2.Token) (string, error) {
	rawIDToken, ok := upstream.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return "", fmt.Errorf("[OIDCResolver.Resolve] no id_token in upstream response: %w", apperrors.ErrUpstreamDenied)
	}

	idToken, err := r.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("[OIDCResolver.Resolve] id token verification failed: %w: %w", apperrors.ErrUpstreamDenied, err)
	}
	if idToken.Subject == "" {
		return "", fmt.Errorf("[OIDCResolver.Resolve] id token has no subject: %w", apperrors.ErrUpstreamDenied)
	}
	return idToken.Subject, nil
}

// UserInfoResolver asks the upstream userinfo endpoint who the access token
// belongs to.
type UserInfoResolver struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

func NewUserInfoResolver(userInfoURL string, client *http.Client, timeout time.Duration) *UserInfoResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	return &UserInfoResolver{
		url:     userInfoURL,
		client:  client,
		timeout: timeout,
	}
}

func (r *UserInfoResolver) Resolve(ctx context.Context, upstream *oauth2.Token) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("[UserInfoResolver.Resolve] %w", err)
	}
	req.Header.Set("Accept", "application/json")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)
	resp, err := oauth2.NewClient(ctx, oauth2.StaticTokenSource(upstream)).Do(req)
	if err != nil {
		return "", fmt.Errorf("[UserInfoResolver.Resolve] %w: %w", apperrors.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("[UserInfoResolver.Resolve] userinfo returned %d: %w", resp.StatusCode, apperrors.ErrUpstreamUnavailable)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("[UserInfoResolver.Resolve] userinfo returned %d: %w", resp.StatusCode, apperrors.ErrUpstreamDenied)
	}

	var info struct {
		Subject string `json:"sub"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return "", fmt.Errorf("[UserInfoResolver.Resolve] invalid userinfo response: %w: %w", apperrors.ErrUpstreamUnavailable, err)
	}
	if info.Subject == "" {
		return "", fmt.Errorf("[UserInfoResolver.Resolve] userinfo has no subject: %w", apperrors.ErrUpstreamDenied)
	}
	return info.Subject, nil
}
