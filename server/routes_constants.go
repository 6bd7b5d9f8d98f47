package server

// Route path constants
const (
	RouteHealth = "/healthz"

	// Session
	RouteSession         = "/api/session"
	RouteSessionEvents   = "/api/session/events"
	RouteSessionActivity = "/api/session/activity"
	RouteSessionSignOut  = "/api/session/signout"
	RouteSessionRetry    = "/api/session/retry"

	// Route guard
	RouteAuthorize = "/api/authorize"

	// Identity - registered only when the provider supports the method
	RouteIdentityPassword     = "/api/identity/password"
	RouteIdentityToken        = "/api/identity/token"
	RouteIdentityOIDCLogin    = "/api/identity/oidc/login"
	RouteIdentityOIDCCallback = "/api/identity/oidc/callback"

	RouteAPIValidatePassword = "/api/validate-password"
)
