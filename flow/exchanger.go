package flow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/jrsteele09/mcp-auth-gateway/pkce"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const (
	defaultExchangeTimeout = 10 * time.Second
	defaultRetryBackoff    = 250 * time.Millisecond
)

// Exchanger talks to the upstream authorization server.
type Exchanger interface {
	// AuthCodeURL builds the upstream authorization URL for a flow. An empty
	// challenge omits the PKCE parameters.
	AuthCodeURL(state, challenge string) string

	// Exchange swaps an authorization code for upstream credentials.
	Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error)

	// Refresh renews expired upstream credentials with their refresh token.
	Refresh(ctx context.Context, upstream *oauth2.Token) (*oauth2.Token, error)
}

var _ Exchanger = (*OAuth2Exchanger)(nil)

// OAuth2Exchanger implements Exchanger on an oauth2.Config. Every upstream
// call runs under its own timeout and a transient failure is retried once.
type OAuth2Exchanger struct {
	config  *oauth2.Config
	client  *http.Client
	timeout time.Duration
	backoff time.Duration
}

type ExchangerOption func(*OAuth2Exchanger)

// WithHTTPClient sets the client used for upstream calls
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.client = client
	}
}

// WithTimeout bounds each upstream call
func WithTimeout(d time.Duration) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.timeout = d
	}
}

// WithRetryBackoff sets the pause before the single retry
func WithRetryBackoff(d time.Duration) ExchangerOption {
	return func(e *OAuth2Exchanger) {
		e.backoff = d
	}
}

func NewOAuth2Exchanger(config *oauth2.Config, options ...ExchangerOption) *OAuth2Exchanger {
	e := &OAuth2Exchanger{
		config:  config,
		client:  http.DefaultClient,
		timeout: defaultExchangeTimeout,
		backoff: defaultRetryBackoff,
	}
	for _, opt := range options {
		opt(e)
	}
	return e
}

func (e *OAuth2Exchanger) AuthCodeURL(state, challenge string) string {
	var opts []oauth2.AuthCodeOption
	if challenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", challenge),
			oauth2.SetAuthURLParam("code_challenge_method", pkce.MethodS256),
		)
	}
	return e.config.AuthCodeURL(state, opts...)
}

func (e *OAuth2Exchanger) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := e.withRetry(ctx, "exchange", func(ctx context.Context) (*oauth2.Token, error) {
		return e.config.Exchange(ctx, code, opts...)
	})
	if err != nil {
		return nil, fmt.Errorf("[OAuth2Exchanger.Exchange] %w", err)
	}
	return tok, nil
}

func (e *OAuth2Exchanger) Refresh(ctx context.Context, upstream *oauth2.Token) (*oauth2.Token, error) {
	if upstream == nil || upstream.RefreshToken == "" {
		return nil, fmt.Errorf("[OAuth2Exchanger.Refresh] no upstream refresh token: %w", apperrors.ErrUpstreamDenied)
	}

	// Force a refresh even if the caller's copy still looks valid.
	stale := *upstream
	stale.AccessToken = ""

	tok, err := e.withRetry(ctx, "refresh", func(ctx context.Context) (*oauth2.Token, error) {
		return e.config.TokenSource(ctx, &stale).Token()
	})
	if err != nil {
		return nil, fmt.Errorf("[OAuth2Exchanger.Refresh] %w", err)
	}
	return tok, nil
}

// withRetry runs call with a per-attempt timeout. 4xx rejections by the
// upstream are final; anything else is retried once after the backoff.
func (e *OAuth2Exchanger) withRetry(ctx context.Context, op string, call func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		tok, err := e.attempt(ctx, call)
		if err == nil {
			return tok, nil
		}
		lastErr = err

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && statusOf(retrieveErr) < http.StatusInternalServerError {
			log.Warn().Str("op", op).Str("error_code", retrieveErr.ErrorCode).Int("status", statusOf(retrieveErr)).Msg("upstream rejected the request")
			return nil, fmt.Errorf("%w: %s", apperrors.ErrUpstreamDenied, describe(retrieveErr))
		}
		if ctx.Err() != nil || attempt == 2 {
			break
		}

		log.Warn().Err(err).Str("op", op).Dur("backoff", e.backoff).Msg("upstream call failed, retrying")
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, ctx.Err())
		case <-time.After(e.backoff):
		}
	}
	return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstreamUnavailable, lastErr)
}

func (e *OAuth2Exchanger) attempt(ctx context.Context, call func(context.Context) (*oauth2.Token, error)) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.client)
	return call(ctx)
}

func statusOf(err *oauth2.RetrieveError) int {
	if err.Response == nil {
		return 0
	}
	return err.Response.StatusCode
}

func describe(err *oauth2.RetrieveError) string {
	switch {
	case err.ErrorCode != "" && err.ErrorDescription != "":
		return err.ErrorCode + ": " + err.ErrorDescription
	case err.ErrorCode != "":
		return err.ErrorCode
	default:
		return fmt.Sprintf("status %d", statusOf(err))
	}
}
