package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jrsteele09/mcp-auth-gateway/auth"
	"github.com/jrsteele09/mcp-auth-gateway/flow"
	"github.com/jrsteele09/mcp-auth-gateway/internal/config"
	"github.com/jrsteele09/mcp-auth-gateway/token"
	"github.com/rs/zerolog/log"
)

// Deps are the components the HTTP surface is served from.
type Deps struct {
	Coordinator *flow.Coordinator
	Store       token.Store
	Auth        *auth.Middleware
}

type Server struct {
	env         string // Environment (e.g., "DEV", "PROD")
	mux         *http.ServeMux
	routes      []string
	config      config.Config
	coordinator *flow.Coordinator
	store       token.Store
	auth        *auth.Middleware
	preflight   http.HandlerFunc
}

func New(config config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("[server.New] coordinator is required")
	case deps.Store == nil:
		return nil, fmt.Errorf("[server.New] token store is required")
	case deps.Auth == nil:
		return nil, fmt.Errorf("[server.New] auth middleware is required")
	}

	s := &Server{
		mux:         http.NewServeMux(),
		config:      config,
		coordinator: deps.Coordinator,
		store:       deps.Store,
		auth:        deps.Auth,
	}
	s.env = config.GetEnv()
	s.preflight = ChainMiddleware(s.PreflightHandler(), s.APIMiddleware()...)

	s.initRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Routes are registered per method, so preflights are answered here
	if r.Method == http.MethodOptions {
		s.preflight(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) RegisterRouteHandler(pattern string, handler http.Handler) {
	s.routes = append(s.routes, pattern)
	s.mux.Handle(pattern, handler)
}

func (s *Server) RegisterRouteFunc(pattern string, handler func(http.ResponseWriter, *http.Request)) {
	s.routes = append(s.routes, pattern)
	s.mux.HandleFunc(pattern, handler)
}

// Protect registers handler behind session token authentication. Requests
// reach it only with a valid Bearer token holding every one of scopes.
func (s *Server) Protect(pattern string, handler http.Handler, scopes ...string) {
	s.RegisterRouteHandler(pattern, ChainMiddleware(handler.ServeHTTP, s.ProtectedMiddleware(scopes...)...))
}

// LogRoutes prints the route table in development.
func (s *Server) LogRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			logRoute(parts[0], parts[1])
		} else {
			logRoute("", parts[0])
		}
	}
}

func logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	log.Info().Msgf("[%-19s] %s", displayMethod, path)
}
