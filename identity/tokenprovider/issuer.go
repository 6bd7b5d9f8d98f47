package tokenprovider

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/portal-session/identity"
)

const DefaultTokenTTL = time.Hour

// Issuer mints ID tokens that a Provider with the same Config accepts. It
// stands in for the hosted authentication service during development.
type Issuer struct {
	cfg     Config
	ttl     time.Duration
	nowFunc func() time.Time
}

type IssuerOption func(*Issuer)

// WithIssuerNowFunc sets the clock used for iat/exp (primarily for testing)
func WithIssuerNowFunc(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.nowFunc = now
	}
}

func NewIssuer(cfg Config, ttl time.Duration, options ...IssuerOption) (*Issuer, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("[tokenprovider.NewIssuer] secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	i := &Issuer{cfg: cfg, ttl: ttl, nowFunc: time.Now}
	for _, opt := range options {
		opt(i)
	}
	return i, nil
}

// Issue signs an HS256 ID token naming ident.
func (i *Issuer) Issue(ident identity.Identity) (string, error) {
	if ident.ID == "" {
		return "", errors.New("[tokenprovider.Issue] identity id is required")
	}

	now := i.nowFunc()
	claims := Claims{
		Email: ident.Email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   ident.ID,
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.ttl)),
			ID:        uuid.NewString(),
		},
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{i.cfg.Audience}
	}

	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("[tokenprovider.Issue] failed to sign token: %w", err)
	}
	return signed, nil
}
