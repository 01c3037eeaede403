package server

// Route path constants
// All gateway routes are defined here to ensure consistency and prevent typos
const (
	// Authorization handshake
	RouteAuthorize = "/authorize"
	RouteToken     = "/token"
	RouteCallback  = "/callback" // alias of RouteToken for upstreams registered against it

	// Session management (protected)
	RouteSession        = "/session"
	RouteSessionRefresh = "/session/refresh"
	RouteSessionRevoke  = "/session/revoke"

	// Protocol server (protected)
	RouteProtocol = "/mcp"

	RouteHealth = "/healthz"
)
