// Package oidcprovider signs users in through an external OpenID Connect
// issuer using the authorization code flow with PKCE.
package oidcprovider

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/portal-session/identity"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"golang.org/x/oauth2"
)

var _ identity.Provider = (*Provider)(nil)

const defaultFlowTTL = 10 * time.Minute

type Config struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

type Provider struct {
	*identity.Broadcaster

	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	flows    FlowStore
	nowFunc  func() time.Time
}

type Option func(*Provider)

// WithFlowStore replaces the in-memory flow state store.
func WithFlowStore(store FlowStore) Option {
	return func(p *Provider) {
		p.flows = store
	}
}

// WithNowFunc sets the clock used to stamp flow state (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(p *Provider) {
		p.nowFunc = now
	}
}

// WithStaticEndpoints skips issuer discovery and uses the given endpoint and
// verifier directly.
func WithStaticEndpoints(endpoint oauth2.Endpoint, verifier *oidc.IDTokenVerifier) Option {
	return func(p *Provider) {
		p.oauth.Endpoint = endpoint
		p.verifier = verifier
	}
}

// New creates a provider for cfg.Issuer. Unless static endpoints are supplied
// the issuer's discovery document is fetched using ctx.
func New(ctx context.Context, cfg Config, options ...Option) (*Provider, error) {
	if cfg.Issuer == "" || cfg.ClientID == "" {
		return nil, errors.New("[oidcprovider.New] issuer and client id are required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	p := &Provider{
		Broadcaster: identity.NewBroadcaster(),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
		},
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	if p.flows == nil {
		p.flows = NewInMemoryFlowStore(defaultFlowTTL, p.nowFunc)
	}

	if p.verifier == nil {
		discovered, err := oidc.NewProvider(ctx, cfg.Issuer)
		if err != nil {
			return nil, fmt.Errorf("[oidcprovider.New] failed to create OIDC provider: %w", err)
		}
		p.oauth.Endpoint = discovered.Endpoint()
		p.verifier = discovered.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}

	return p, nil
}

// AuthCodeURL starts a sign-in and returns the issuer URL to send the browser
// to. returnURL is handed back by Exchange once the flow completes.
func (p *Provider) AuthCodeURL(returnURL string) (string, error) {
	state := generateRandomString(32)
	flow := FlowState{
		CodeVerifier: oauth2.GenerateVerifier(),
		Nonce:        generateRandomString(16),
		ReturnURL:    returnURL,
		CreatedAt:    p.nowFunc(),
	}
	if err := p.flows.Put(state, flow); err != nil {
		return "", fmt.Errorf("[oidcprovider.AuthCodeURL] storing flow state: %w", err)
	}

	return p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(flow.CodeVerifier),
		oidc.Nonce(flow.Nonce),
	), nil
}

// Exchange completes the flow started by AuthCodeURL: it redeems code, verifies
// the ID token and its nonce, then announces the identity. It returns the
// identity and the return URL recorded for state.
func (p *Provider) Exchange(ctx context.Context, state, code string) (*identity.Identity, string, error) {
	if state == "" || code == "" {
		return nil, "", apperrors.Wrapf(apperrors.ErrInvalidToken, "missing code or state")
	}

	flow, err := p.flows.Take(state)
	if err != nil {
		return nil, "", apperrors.Wrapf(apperrors.ErrInvalidToken, "unknown state")
	}

	token, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(flow.CodeVerifier))
	if err != nil {
		return nil, "", fmt.Errorf("[oidcprovider.Exchange] token exchange failed: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, "", apperrors.Wrapf(apperrors.ErrInvalidToken, "no id_token in response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, "", errors.Join(apperrors.ErrInvalidToken, err)
	}
	if idToken.Nonce != flow.Nonce {
		return nil, "", apperrors.Wrapf(apperrors.ErrInvalidToken, "nonce mismatch")
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, "", fmt.Errorf("[oidcprovider.Exchange] failed to extract claims: %w", err)
	}

	ident := &identity.Identity{ID: idToken.Subject, Email: claims.Email}
	p.Emit(ident)
	return ident, flow.ReturnURL, nil
}

func (p *Provider) SignOut(ctx context.Context) error {
	p.Emit(nil)
	return nil
}

// generateRandomString creates a random base64url string
func generateRandomString(length int) string {
	b := make([]byte, length)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
