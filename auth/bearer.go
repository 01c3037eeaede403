package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
)

// maxBodyBytes bounds how much of a body is inspected for smuggled tokens.
const maxBodyBytes = 1 << 20

// tokenParams are the names a token must never be sent under outside the
// Authorization header.
var tokenParams = []string{"access_token", "session_token"}

// BearerToken extracts the session token from the Authorization header.
//
// A token in the query string, a form body or a top-level JSON key is refused with
// ErrTokenMalformedRequest whether or not it is valid, as is any scheme
// other than Bearer. A missing header is ErrUnauthorized.
func BearerToken(r *http.Request) (string, error) {
	query := r.URL.Query()
	for _, name := range tokenParams {
		if query.Has(name) {
			return "", fmt.Errorf("%w: token must not be sent in the query string", apperrors.ErrTokenMalformedRequest)
		}
	}

	inBody, err := tokenInBody(r)
	if err != nil {
		return "", err
	}
	if inBody {
		return "", fmt.Errorf("%w: token must not be sent in the request body", apperrors.ErrTokenMalformedRequest)
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", apperrors.ErrUnauthorized
	}

	scheme, value, found := strings.Cut(authHeader, " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", fmt.Errorf("%w: authorization scheme must be Bearer", apperrors.ErrTokenMalformedRequest)
	}
	value = strings.TrimSpace(value)
	if value == "" || strings.ContainsAny(value, " \t") {
		return "", fmt.Errorf("%w: empty or malformed bearer token", apperrors.ErrTokenMalformedRequest)
	}
	return value, nil
}

// tokenInBody peeks at a urlencoded or JSON body and puts it back untouched
// so the request can still be forwarded. Only top-level JSON object keys
// are inspected.
func tokenInBody(r *http.Request) (bool, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return false, nil
	}
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return false, nil
	}
	isForm := mediaType == "application/x-www-form-urlencoded"
	isJSON := mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
	if !isForm && !isJSON {
		return false, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return false, fmt.Errorf("%w: unreadable body: %w", apperrors.ErrTokenMalformedRequest, err)
	}
	if len(body) > maxBodyBytes {
		return false, fmt.Errorf("%w: body too large", apperrors.ErrTokenMalformedRequest)
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	if isJSON {
		// Arrays and malformed JSON carry no top-level keys; the
		// protected handler rejects them on its own terms.
		var object map[string]json.RawMessage
		if json.Unmarshal(body, &object) != nil {
			return false, nil
		}
		for _, name := range tokenParams {
			if _, ok := object[name]; ok {
				return true, nil
			}
		}
		return false, nil
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		return false, fmt.Errorf("%w: malformed form body", apperrors.ErrTokenMalformedRequest)
	}
	for _, name := range tokenParams {
		if form.Has(name) {
			return true, nil
		}
	}
	return false, nil
}
