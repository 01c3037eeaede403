package errors_test

import (
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{apperrors.ErrInvalidRedirect, http.StatusBadRequest, "invalid_redirect_uri"},
		{apperrors.ErrPKCEMismatch, http.StatusBadRequest, "invalid_grant"},
		{apperrors.ErrTokenMalformedRequest, http.StatusBadRequest, "invalid_request"},
		{apperrors.ErrFlowTimeout, http.StatusBadRequest, "flow_timeout"},
		{apperrors.ErrUpstreamDenied, http.StatusBadRequest, "access_denied"},
		{apperrors.ErrUpstreamUnavailable, http.StatusBadGateway, "temporarily_unavailable"},
		{apperrors.ErrTokenExpired, http.StatusUnauthorized, "unauthorized"},
		{apperrors.ErrTokenInvalid, http.StatusUnauthorized, "unauthorized"},
		{apperrors.ErrUnauthorized, http.StatusUnauthorized, "unauthorized"},
		{apperrors.ErrInsufficientScope, http.StatusForbidden, "insufficient_scope"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "server_error"},
	}

	for _, c := range cases {
		t.Run(c.err.Error(), func(t *testing.T) {
			wrapped := apperrors.Wrapf(c.err, "[Test] op %d", 1)
			require.Equal(t, c.status, apperrors.HTTPStatus(wrapped))
			require.Equal(t, c.code, apperrors.Code(wrapped))
		})
	}
}

func TestWrapf_Nil(t *testing.T) {
	require.NoError(t, apperrors.Wrapf(nil, "nothing"))
}
