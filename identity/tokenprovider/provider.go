// Package tokenprovider derives identities from HS256-signed ID tokens that
// clients obtain from the hosted authentication service and present here.
package tokenprovider

import (
	"context"
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/portal-session/identity"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
)

var _ identity.Provider = (*Provider)(nil)

// Claims are the ID token claims the provider reads.
type Claims struct {
	Email string `json:"email"`
	jwtlib.RegisteredClaims
}

type Config struct {
	Secret   []byte // HMAC key shared with the issuing service
	Issuer   string // Expected iss, optional
	Audience string // Expected aud, optional
}

type Provider struct {
	*identity.Broadcaster

	cfg     Config
	nowFunc func() time.Time
}

type Option func(*Provider)

// WithNowFunc sets the clock used for exp/nbf checks (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(p *Provider) {
		p.nowFunc = now
	}
}

func New(cfg Config, options ...Option) (*Provider, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("[tokenprovider.New] secret is required")
	}

	p := &Provider{
		Broadcaster: identity.NewBroadcaster(),
		cfg:         cfg,
		nowFunc:     time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Verify checks the token signature and claims and returns the identity it names.
func (p *Provider) Verify(rawToken string) (*identity.Identity, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, apperrors.ErrInvalidToken
	}

	parserOptions := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithTimeFunc(p.nowFunc),
	}
	if p.cfg.Issuer != "" {
		parserOptions = append(parserOptions, jwtlib.WithIssuer(p.cfg.Issuer))
	}
	if p.cfg.Audience != "" {
		parserOptions = append(parserOptions, jwtlib.WithAudience(p.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwtlib.ParseWithClaims(rawToken, claims, func(*jwtlib.Token) (interface{}, error) {
		return p.cfg.Secret, nil
	}, parserOptions...)
	if err != nil || !token.Valid {
		return nil, errors.Join(apperrors.ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidToken, "token missing sub claim")
	}

	return &identity.Identity{ID: claims.Subject, Email: claims.Email}, nil
}

// SignInWithToken verifies rawToken and announces its identity.
func (p *Provider) SignInWithToken(ctx context.Context, rawToken string) (*identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ident, err := p.Verify(rawToken)
	if err != nil {
		return nil, err
	}
	p.Emit(ident)
	return ident, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.Emit(nil)
	return nil
}
