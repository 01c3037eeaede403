package server

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/rs/zerolog/hlog"
)

// HeaderSubject carries the authenticated subject to the protocol server.
const HeaderSubject = "X-Authenticated-Subject"

// NewProtocolProxy forwards authenticated requests to the protocol server at
// target. The session token is stripped; the protocol server learns who is
// calling from HeaderSubject only.
func NewProtocolProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("[server.NewProtocolProxy] invalid protocol upstream url %q", target)
	}

	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.SetXForwarded()
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(HeaderSubject)
			if p, ok := auth.PrincipalFromContext(pr.In.Context()); ok {
				pr.Out.Header.Set(HeaderSubject, p.Subject)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Error().Err(err).Msg("protocol upstream unreachable")
			writeJSONError(w, "temporarily_unavailable", "the protocol server is unavailable", http.StatusBadGateway)
		},
	}, nil
}
