// Package redirect decides whether a client supplied redirect URI is an
// acceptable target for the gateway's redirects.
package redirect

import (
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/jrsteele09/mcp-auth-gateway/internal/errors"
)

// Policy describes which redirect targets are acceptable. It is built once at
// startup and never mutated, so a single Policy is safe for concurrent use.
type Policy struct {
	allowedHosts  map[string]struct{}
	allowLoopback bool
}

type PolicyOption func(*Policy)

// WithAllowedHosts restricts https redirects to the given hosts. Ports are ignored.
func WithAllowedHosts(hosts ...string) PolicyOption {
	return func(p *Policy) {
		for _, h := range hosts {
			h = strings.ToLower(strings.TrimSpace(h))
			if h != "" {
				p.allowedHosts[h] = struct{}{}
			}
		}
	}
}

// WithLoopback toggles http://localhost and http://127.0.0.1 redirects.
func WithLoopback(allow bool) PolicyOption {
	return func(p *Policy) {
		p.allowLoopback = allow
	}
}

// NewPolicy returns a policy that accepts any https host and loopback http
// unless narrowed by options.
func NewPolicy(options ...PolicyOption) *Policy {
	p := &Policy{
		allowedHosts:  make(map[string]struct{}),
		allowLoopback: true,
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Validate returns nil when uri is acceptable. Rejections wrap
// ErrInvalidRedirect and carry the reason.
func (p *Policy) Validate(uri string) error {
	if uri == "" {
		return reject("redirect_uri is required")
	}
	if strings.ContainsAny(uri, "\\\r\n\t ") || strings.ContainsFunc(uri, isControl) {
		return reject("redirect_uri contains illegal characters")
	}

	u, err := url.Parse(uri)
	if err != nil {
		return reject("redirect_uri is not a valid URI")
	}
	if !u.IsAbs() || u.Opaque != "" {
		return reject("redirect_uri must be absolute")
	}
	if u.User != nil {
		return reject("redirect_uri must not contain credentials")
	}
	if u.Fragment != "" || strings.Contains(uri, "#") {
		return reject("redirect_uri must not contain a fragment")
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return reject("redirect_uri must have a host")
	}

	switch strings.ToLower(u.Scheme) {
	case "https":
		if len(p.allowedHosts) == 0 {
			return nil
		}
		if _, ok := p.allowedHosts[host]; ok {
			return nil
		}
		if p.allowLoopback && isLoopback(host) {
			return nil
		}
		return reject(fmt.Sprintf("host %q is not allowed", host))
	case "http":
		if p.allowLoopback && isLoopback(host) {
			return nil
		}
		return reject("http redirect_uri is only allowed for localhost")
	default:
		return reject(fmt.Sprintf("scheme %q is not allowed", u.Scheme))
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1"
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func reject(reason string) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidRedirect, reason)
}
