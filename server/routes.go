package server

import "net/http"

func (s *Server) initRoutes() {
	s.RegisterRouteFunc(http.MethodGet, RouteHealth, s.HealthHandler())

	// Session
	s.RegisterRouteFunc(http.MethodGet, RouteSession, s.SessionHandler())
	s.RegisterRouteFunc(http.MethodGet, RouteSessionEvents, s.SessionEventsHandler())
	s.RegisterRouteFunc(http.MethodPost, RouteSessionActivity, s.ActivityHandler())
	s.RegisterRouteFunc(http.MethodPost, RouteSessionSignOut, s.SignOutHandler())
	s.RegisterRouteFunc(http.MethodPost, RouteSessionRetry, s.RetryHandler())

	s.RegisterRouteFunc(http.MethodGet, RouteAuthorize, s.AuthorizeHandler())

	// Identity routes depend on what the provider can do
	if p, ok := s.provider.(PasswordSignIn); ok {
		s.RegisterRouteFunc(http.MethodPost, RouteIdentityPassword, s.PasswordSignInHandler(p))
		s.RegisterRouteFunc(http.MethodPost, RouteAPIValidatePassword, s.ValidatePasswordHandler())
	}
	if p, ok := s.provider.(TokenSignIn); ok {
		s.RegisterRouteFunc(http.MethodPost, RouteIdentityToken, s.TokenSignInHandler(p))
	}
	if p, ok := s.provider.(OIDCSignIn); ok {
		s.RegisterRouteFunc(http.MethodGet, RouteIdentityOIDCLogin, s.OIDCLoginHandler(p))
		s.RegisterRouteFunc(http.MethodGet, RouteIdentityOIDCCallback, s.OIDCCallbackHandler(p))
	}
}
