package oauthmodel

import (
	"fmt"
	"net/url"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
)

// Parameter names used on the gateway's OAuth surface.
const (
	ParamRedirectURI      = "redirect_uri"
	ParamState            = "state"
	ParamCode             = "code"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
)

// AuthorizationParameters holds parameters for the gateway authorization request.
// These are received as query parameters at the /authorize endpoint.
type AuthorizationParameters struct {
	// RedirectURI is where the client receives its session token.
	// Required: Yes
	// Example: "http://localhost:3000/callback"
	// Validated against: redirect.Policy, again before the final redirect
	RedirectURI string

	// State is an opaque value used by the client to maintain state between request and callback.
	// Required: Recommended (CSRF protection)
	// Example: Random string like "abc123xyz789"
	// The gateway stores it with the flow and echoes it back on the final redirect
	State string
}

// CallbackParameters holds what the upstream provider sends back to the
// gateway's callback endpoint, in the query or a form_post body.
type CallbackParameters struct {
	// State is the flow id the gateway sent upstream.
	State string

	// Code is the upstream authorization code. Absent when Error is set.
	Code string

	// Error and ErrorDescription report an upstream refusal.
	// Example: "access_denied"
	Error            string
	ErrorDescription string
}

// AuthorizationParametersFrom reads an authorization request. Repeated
// parameters are refused (RFC 6749 §3.1).
func AuthorizationParametersFrom(values url.Values) (AuthorizationParameters, error) {
	if err := singleValued(values, ParamRedirectURI, ParamState); err != nil {
		return AuthorizationParameters{}, err
	}
	return AuthorizationParameters{
		RedirectURI: values.Get(ParamRedirectURI),
		State:       values.Get(ParamState),
	}, nil
}

// CallbackParametersFrom reads an upstream callback.
func CallbackParametersFrom(values url.Values) (CallbackParameters, error) {
	if err := singleValued(values, ParamState, ParamCode, ParamError, ParamErrorDescription); err != nil {
		return CallbackParameters{}, err
	}
	return CallbackParameters{
		State:            values.Get(ParamState),
		Code:             values.Get(ParamCode),
		Error:            values.Get(ParamError),
		ErrorDescription: values.Get(ParamErrorDescription),
	}, nil
}

func singleValued(values url.Values, names ...string) error {
	for _, name := range names {
		if len(values[name]) > 1 {
			return fmt.Errorf("%w: parameter %s repeated", apperrors.ErrInvalidRequest, name)
		}
	}
	return nil
}
