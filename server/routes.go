package server

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteHealth, ChainMiddleware(s.HealthHandler(), s.APIMiddleware()...))

	// Authorization handshake
	s.RegisterRouteHandler("GET "+RouteAuthorize, ChainMiddleware(s.AuthorizeHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteToken, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteCallback, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteCallback, ChainMiddleware(s.TokenHandler(), s.APIMiddleware()...)) // For form_post response mode

	// Session management
	s.RegisterRouteHandler("GET "+RouteSession, ChainMiddleware(s.SessionHandler(), s.ProtectedMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteSessionRefresh, ChainMiddleware(s.RefreshHandler(), s.ProtectedMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteSessionRevoke, ChainMiddleware(s.RevokeHandler(), s.ProtectedMiddleware()...))
}
