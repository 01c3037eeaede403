package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the gateway. Every failure surfaced to a client maps onto
// one of these through HTTPStatus and Code.
var (
	// Validation errors (400)
	ErrInvalidRedirect       = errors.New("invalid redirect uri")
	ErrPKCEMismatch          = errors.New("pkce verifier does not match challenge")
	ErrTokenMalformedRequest = errors.New("malformed token request")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrFlowTimeout           = errors.New("authorization flow timed out")

	// Authentication errors (uniform 401)
	ErrUnauthorized = errors.New("unauthorized")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")

	// Authorization errors (403)
	ErrInsufficientScope = errors.New("insufficient scope")

	// Upstream errors
	ErrUpstreamDenied      = errors.New("upstream denied the authorization")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// General errors
	ErrNotFound = errors.New("not found")
	ErrInternal = errors.New("internal error")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// IsAuthentication reports whether err is one of the failures that must be
// reported to clients as a uniform 401.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenInvalid)
}

// HTTPStatus maps an error onto the status code returned to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsAuthentication(err):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientScope):
		return http.StatusForbidden
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrInvalidRedirect),
		errors.Is(err, ErrPKCEMismatch),
		errors.Is(err, ErrTokenMalformedRequest),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrFlowTimeout),
		errors.Is(err, ErrUpstreamDenied):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Code maps an error onto the OAuth2 style error code written in JSON bodies.
// Authentication failures all share one code so expired and unknown tokens
// cannot be told apart from the outside.
func Code(err error) string {
	switch {
	case IsAuthentication(err):
		return "unauthorized"
	case errors.Is(err, ErrInsufficientScope):
		return "insufficient_scope"
	case errors.Is(err, ErrInvalidRedirect):
		return "invalid_redirect_uri"
	case errors.Is(err, ErrPKCEMismatch):
		return "invalid_grant"
	case errors.Is(err, ErrFlowTimeout):
		return "flow_timeout"
	case errors.Is(err, ErrUpstreamDenied):
		return "access_denied"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "temporarily_unavailable"
	case errors.Is(err, ErrTokenMalformedRequest), errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return "server_error"
	}
}
