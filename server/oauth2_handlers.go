package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/jrsteele09/mcp-auth-gateway/flow"
	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
	"github.com/jrsteele09/mcp-auth-gateway/oauthmodel"
	"github.com/rs/zerolog/hlog"
)

const contentTypeJSON = "application/json; charset=utf-8"

// errorDescriptions are the client facing descriptions per error code. Wrapped
// error text stays in the logs.
var errorDescriptions = map[string]string{
	"invalid_redirect_uri":    "redirect_uri is not an allowed absolute URI",
	"invalid_grant":           "the authorization code could not be verified",
	"flow_timeout":            "the authorization flow expired, start again",
	"access_denied":           "the identity provider denied the authorization",
	"temporarily_unavailable": "the identity provider is unavailable, try again later",
	"invalid_request":         "the request is missing a parameter or is malformed",
	"unauthorized":            "a valid session token is required",
	"insufficient_scope":      "the session token lacks a required scope",
	"server_error":            "internal server error",
}

// AuthorizeHandler starts the handshake and redirects the client upstream.
//
//	GET /authorize?redirect_uri=<uri>[&state=<s>]
func (s *Server) AuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := oauthmodel.AuthorizationParametersFrom(r.URL.Query())
		if err != nil {
			writeError(w, r, err)
			return
		}

		upstreamURL, err := s.coordinator.Authorize(r.Context(), flow.AuthorizeRequest{
			RedirectURI: params.RedirectURI,
			State:       params.State,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, upstreamURL, http.StatusFound)
	}
}

// TokenHandler receives the upstream callback, completes the handshake and
// redirects the client back with its session token.
//
//	GET /token?code=<code>&state=<flow id>
func (s *Server) TokenHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// r.Form covers both query and form_post responses
		if err := r.ParseForm(); err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", apperrors.ErrInvalidRequest, err))
			return
		}
		params, err := oauthmodel.CallbackParametersFrom(r.Form)
		if err != nil {
			writeError(w, r, err)
			return
		}

		result, err := s.coordinator.Callback(r.Context(), flow.CallbackRequest{
			State:            params.State,
			Code:             params.Code,
			Error:            params.Error,
			ErrorDescription: params.ErrorDescription,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}

		hlog.FromRequest(r).Info().
			Str("flow", result.FlowID).
			Str("token", result.Token.String()).
			Msg("session issued")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		http.Redirect(w, r, result.RedirectURL, http.StatusFound)
	}
}

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// PreflightHandler ends OPTIONS requests once CorsMiddleware has run.
func (s *Server) PreflightHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// writeError maps err onto the gateway error taxonomy and writes it as an
// OAuth style JSON body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	code := apperrors.Code(err)

	logger := hlog.FromRequest(r)
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
	} else {
		logger.Warn().Err(err).Str("code", code).Msg("request rejected")
	}

	writeJSONError(w, code, errorDescriptions[code], status)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	auth.WriteJSONError(w, errorCode, description, statusCode)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
