// Package server exposes the session engine over HTTP: session snapshots and
// their event stream, activity and recovery actions, route authorization and
// the sign-in endpoints of whichever identity provider is configured.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/internal/config"
	"github.com/jrsteele09/portal-session/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// SessionEngine is the part of the session machine the HTTP surface drives.
type SessionEngine interface {
	Current() session.Snapshot
	Subscribe() (<-chan session.Snapshot, func())
	RecordActivity(sig session.Signal) bool
	SignOut(ctx context.Context) error
	Retry(ctx context.Context) error
}

// PasswordSignIn is implemented by providers that accept email and password.
type PasswordSignIn interface {
	SignInWithPassword(ctx context.Context, email, password string) (*identity.Identity, error)
}

// TokenSignIn is implemented by providers that accept a signed ID token.
type TokenSignIn interface {
	SignInWithToken(ctx context.Context, rawToken string) (*identity.Identity, error)
}

// OIDCSignIn is implemented by providers that redirect to an external issuer.
type OIDCSignIn interface {
	AuthCodeURL(returnURL string) (string, error)
	Exchange(ctx context.Context, state, code string) (*identity.Identity, string, error)
}

var _ SessionEngine = (*session.Machine)(nil)

type Server struct {
	env      string // Environment (e.g., "DEV", "PROD")
	router   *chi.Mux
	routes   []string
	config   config.Config
	logger   zerolog.Logger
	engine   SessionEngine
	provider identity.Provider
	activity *rate.Limiter
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func New(cfg config.Config, engine SessionEngine, provider identity.Provider, options ...Option) (*Server, error) {
	if cfg == nil || engine == nil || provider == nil {
		return nil, errors.New("[server.New] config, session engine and provider are required")
	}

	s := &Server{
		env:      cfg.GetEnv(),
		router:   chi.NewRouter(),
		config:   cfg,
		logger:   log.Logger,
		engine:   engine,
		provider: provider,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "server").Logger()

	limit := rate.Inf
	if r := cfg.GetActivityRate(); r > 0 {
		limit = rate.Limit(r)
	}
	s.activity = rate.NewLimiter(limit, 1)

	s.initMiddleware()
	s.initRoutes()
	s.logRoutes()

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// RegisterRouteFunc mounts handler for method and pattern and records the
// route for start-up logging.
func (s *Server) RegisterRouteFunc(method, pattern string, handler http.HandlerFunc) {
	s.routes = append(s.routes, method+" "+pattern)
	s.router.Method(method, pattern, handler)
}

// Routes lists the registered routes as "METHOD /path".
func (s *Server) Routes() []string {
	return append([]string(nil), s.routes...)
}

func (s *Server) logRoutes() {
	if s.env != "DEV" {
		return // Skip logging in non-development environments
	}
	for _, route := range s.routes {
		parts := strings.SplitN(route, " ", 2)

		if len(parts) > 1 {
			s.logRoute(parts[0], parts[1])
		} else {
			s.logRoute("", parts[0])
		}
	}
}

func (s *Server) logRoute(method, path string) {
	var displayMethod string
	paddedMethod := fmt.Sprintf(" %-7s", method)
	if color, ok := methodColors[method]; ok {
		displayMethod = color + paddedMethod + ResetColor
	} else {
		displayMethod = Gray + paddedMethod + ResetColor
	}
	s.logger.Info().Msgf("[%-19s] %s", displayMethod, path)
}

// Helper function to determine the scheme (http/https)
func getScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}
