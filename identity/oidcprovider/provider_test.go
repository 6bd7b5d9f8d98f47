package oidcprovider_test

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/portal-session/identity/oidcprovider"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	issuer   = "https://issuer.example.edu"
	clientID = "portal"
)

type testFixture struct {
	provider *oidcprovider.Provider
	key      *rsa.PrivateKey
	nonce    string // nonce the fake issuer will place in the next ID token
	verifier string // code_verifier the fake issuer received
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fx := &testFixture{key: key}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		fx.verifier = r.PostForm.Get("code_verifier")

		idToken, err := jwtlib.NewWithClaims(jwtlib.SigningMethodRS256, jwtlib.MapClaims{
			"iss":   issuer,
			"aud":   clientID,
			"sub":   "U1",
			"email": "u1@example.edu",
			"nonce": fx.nonce,
			"iat":   time.Now().Unix(),
			"exp":   time.Now().Add(time.Hour).Unix(),
		}).SignedString(key)
		require.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"id_token":     idToken,
		})
	}))
	t.Cleanup(srv.Close)

	verifier := oidc.NewVerifier(issuer, &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&key.PublicKey}}, &oidc.Config{ClientID: clientID})
	p, err := oidcprovider.New(context.Background(), oidcprovider.Config{
		Issuer:      issuer,
		ClientID:    clientID,
		RedirectURL: "http://localhost:8080/api/identity/oidc/callback",
	}, oidcprovider.WithStaticEndpoints(oauth2.Endpoint{
		AuthURL:   issuer + "/authorize",
		TokenURL:  srv.URL + "/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}, verifier))
	require.NoError(t, err)

	fx.provider = p
	return fx
}

func startFlow(t *testing.T, fx *testFixture, returnURL string) (state, nonce string) {
	t.Helper()
	raw, err := fx.provider.AuthCodeURL(returnURL)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	q := u.Query()
	require.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))
	return q.Get("state"), q.Get("nonce")
}

func TestExchange(t *testing.T) {
	t.Run("completes flow and emits identity", func(t *testing.T) {
		fx := setupTestFixture(t)
		state, nonce := startFlow(t, fx, "/teacher")
		fx.nonce = nonce

		ident, returnURL, err := fx.provider.Exchange(context.Background(), state, "code-123")
		require.NoError(t, err)
		require.Equal(t, "U1", ident.ID)
		require.Equal(t, "u1@example.edu", ident.Email)
		require.Equal(t, "/teacher", returnURL)
		require.NotEmpty(t, fx.verifier)
		require.Equal(t, "U1", fx.provider.Current().ID)
	})

	t.Run("state is single use", func(t *testing.T) {
		fx := setupTestFixture(t)
		state, nonce := startFlow(t, fx, "")
		fx.nonce = nonce

		_, _, err := fx.provider.Exchange(context.Background(), state, "code-123")
		require.NoError(t, err)
		_, _, err = fx.provider.Exchange(context.Background(), state, "code-123")
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})

	t.Run("nonce mismatch", func(t *testing.T) {
		fx := setupTestFixture(t)
		state, _ := startFlow(t, fx, "")
		fx.nonce = "forged"

		_, _, err := fx.provider.Exchange(context.Background(), state, "code-123")
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)
		require.Nil(t, fx.provider.Current())
	})

	t.Run("missing parameters", func(t *testing.T) {
		fx := setupTestFixture(t)
		_, _, err := fx.provider.Exchange(context.Background(), "", "code")
		require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	})
}

func TestInMemoryFlowStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	store := oidcprovider.NewInMemoryFlowStore(time.Minute, func() time.Time { return now })

	require.NoError(t, store.Put("s1", oidcprovider.FlowState{Nonce: "n", CreatedAt: now}))
	now = now.Add(2 * time.Minute)

	_, err := store.Take("s1")
	require.Error(t, err)
}
