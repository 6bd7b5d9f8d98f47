package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/portal-session/identity"
	"github.com/jrsteele09/portal-session/identity/localprovider"
	"github.com/jrsteele09/portal-session/identity/tokenprovider"
	"github.com/jrsteele09/portal-session/internal/config"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/jrsteele09/portal-session/server"
	"github.com/jrsteele09/portal-session/session"
	"github.com/jrsteele09/portal-session/users"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	mu       sync.Mutex
	snapshot session.Snapshot
	updates  chan session.Snapshot
	counted  bool
	touches  []session.Signal
	signOuts int
	retryErr error
	retries  int
}

func (e *fakeEngine) Current() session.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

func (e *fakeEngine) Subscribe() (<-chan session.Snapshot, func()) {
	ch := make(chan session.Snapshot, 1)
	ch <- e.Current()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case s := <-e.updates:
				select {
				case <-ch:
				default:
				}
				ch <- s
			}
		}
	}()
	var once sync.Once
	return ch, func() { once.Do(func() { close(done) }) }
}

func (e *fakeEngine) RecordActivity(sig session.Signal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.touches = append(e.touches, sig)
	return e.counted
}

func (e *fakeEngine) SignOut(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signOuts++
	return nil
}

func (e *fakeEngine) Retry(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries++
	return e.retryErr
}

type testFixture struct {
	server   *server.Server
	engine   *fakeEngine
	provider *localprovider.Provider
}

func readyTeacher() session.Snapshot {
	return session.Snapshot{
		Status:     session.Ready(true),
		Identity:   &identity.Identity{ID: "U1", Email: "t@example.edu"},
		Profile:    &users.Profile{ID: "U1", Email: "t@example.edu", Role: users.RoleTeacher},
		Generation: 3,
	}
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()
	t.Setenv("ENV", "TEST")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://portal.example.edu")
	t.Setenv("ACTIVITY_RATE", "0.001")

	cfg, err := config.Load("")
	require.NoError(t, err)

	provider := localprovider.New()
	_, err = provider.AddAccount("hod@example.edu", "Passw0rd!")
	require.NoError(t, err)

	engine := &fakeEngine{snapshot: readyTeacher(), updates: make(chan session.Snapshot), counted: true}
	srv, err := server.New(cfg, engine, provider)
	require.NoError(t, err)

	return &testFixture{server: srv, engine: engine, provider: provider}
}

func (fx *testFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	fx.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewRequiresDependencies(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	_, err = server.New(cfg, nil, localprovider.New())
	require.Error(t, err)
}

func TestHealthAndSession(t *testing.T) {
	fx := setupTestFixture(t)

	rec := fx.do(t, http.MethodGet, server.RouteHealth, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	require.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))

	rec = fx.do(t, http.MethodGet, server.RouteSession, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	status := body["status"].(map[string]any)
	require.Equal(t, "ready", status["state"])
	require.Equal(t, true, status["hasProfile"])
	require.Equal(t, "teacher", body["profile"].(map[string]any)["role"])
}

func TestAuthorize(t *testing.T) {
	fx := setupTestFixture(t)

	t.Run("allowed role", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, server.RouteAuthorize+"?allowed=teacher,hod", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "allow", decode(t, rec)["outcome"])
	})

	t.Run("other role goes home", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, server.RouteAuthorize+"?allowed=admin", nil)
		body := decode(t, rec)
		require.Equal(t, "redirect_to_role_home", body["outcome"])
		require.Equal(t, "/teacher", body["destination"])
	})

	t.Run("unspecified allows", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, server.RouteAuthorize, nil)
		require.Equal(t, "allow", decode(t, rec)["outcome"])
	})

	t.Run("empty list admits nobody", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, server.RouteAuthorize+"?allowed=", nil)
		require.Equal(t, "redirect_to_role_home", decode(t, rec)["outcome"])
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, server.RouteAuthorize+"?allowed=janitor", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("loading", func(t *testing.T) {
		fx.engine.mu.Lock()
		fx.engine.snapshot = session.Snapshot{Status: session.Loading, Generation: 4}
		fx.engine.mu.Unlock()

		rec := fx.do(t, http.MethodGet, server.RouteAuthorize+"?allowed=teacher", nil)
		require.Equal(t, "show_loading", decode(t, rec)["outcome"])
	})
}

func TestActivity(t *testing.T) {
	fx := setupTestFixture(t)

	rec := fx.do(t, http.MethodPost, server.RouteSessionActivity, map[string]string{"signal": "blink"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, http.MethodPost, server.RouteSessionActivity, map[string]string{"signal": "keyboard"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["counted"])

	// The limiter's single token is spent; the next signal is coalesced
	rec = fx.do(t, http.MethodPost, server.RouteSessionActivity, map[string]string{"signal": "pointer"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, decode(t, rec)["coalesced"])

	require.Equal(t, []session.Signal{session.SignalKeyboard}, fx.engine.touches)
}

func TestSignOutAndRetry(t *testing.T) {
	fx := setupTestFixture(t)

	rec := fx.do(t, http.MethodPost, server.RouteSessionSignOut, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 1, fx.engine.signOuts)

	rec = fx.do(t, http.MethodPost, server.RouteSessionRetry, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	fx.engine.retryErr = apperrors.ErrNotRunning
	rec = fx.do(t, http.MethodPost, server.RouteSessionRetry, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, 2, fx.engine.retries)
}

func TestIdentityRoutesFollowProvider(t *testing.T) {
	fx := setupTestFixture(t)

	routes := fx.server.Routes()
	require.Contains(t, routes, "POST "+server.RouteIdentityPassword)
	require.Contains(t, routes, "POST "+server.RouteAPIValidatePassword)
	require.NotContains(t, routes, "POST "+server.RouteIdentityToken)
	require.NotContains(t, routes, "GET "+server.RouteIdentityOIDCLogin)

	rec := fx.do(t, http.MethodPost, server.RouteIdentityToken, map[string]string{"idToken": "x"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPasswordSignIn(t *testing.T) {
	fx := setupTestFixture(t)

	t.Run("bad password", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, server.RouteIdentityPassword, map[string]string{
			"email": "hod@example.edu", "password": "wrong",
		})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		require.Nil(t, fx.provider.Current())
	})

	t.Run("unknown field", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, server.RouteIdentityPassword, map[string]string{"user": "x"})
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("success announces identity", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, server.RouteIdentityPassword, map[string]string{
			"email": "HOD@example.edu", "password": "Passw0rd!",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		ident := decode(t, rec)["identity"].(map[string]any)
		require.Equal(t, "hod@example.edu", ident["email"])
		require.NotNil(t, fx.provider.Current())
	})
}

func TestValidatePassword(t *testing.T) {
	fx := setupTestFixture(t)

	rec := fx.do(t, http.MethodPost, server.RouteAPIValidatePassword, map[string]string{"password": "short"})
	require.Equal(t, false, decode(t, rec)["valid"])

	rec = fx.do(t, http.MethodPost, server.RouteAPIValidatePassword, map[string]string{"password": "Longer1Password"})
	require.Equal(t, true, decode(t, rec)["valid"])
}

func TestCors(t *testing.T) {
	fx := setupTestFixture(t)

	t.Run("preflight from allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, server.RouteSessionActivity, nil)
		req.Header.Set("Origin", "https://portal.example.edu")
		rec := httptest.NewRecorder()
		fx.server.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "https://portal.example.edu", rec.Header().Get("Access-Control-Allow-Origin"))
		require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
		require.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Methods"))
	})

	t.Run("other origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		fx.server.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestOriginGuard(t *testing.T) {
	fx := setupTestFixture(t)

	post := func(target, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, target, nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		rec := httptest.NewRecorder()
		fx.server.ServeHTTP(rec, req)
		return rec
	}

	t.Run("foreign origin cannot end the session", func(t *testing.T) {
		rec := post(server.RouteSessionSignOut, "https://evil.example.com")
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Equal(t, "forbidden_origin", decode(t, rec)["error"])

		rec = post(server.RouteSessionRetry, "https://evil.example.com")
		require.Equal(t, http.StatusForbidden, rec.Code)
		require.Zero(t, fx.engine.signOuts)
		require.Zero(t, fx.engine.retries)
	})

	t.Run("trusted origins pass", func(t *testing.T) {
		require.Equal(t, http.StatusNoContent, post(server.RouteSessionSignOut, "https://portal.example.edu").Code)
		require.Equal(t, http.StatusNoContent, post(server.RouteSessionSignOut, "http://example.com").Code)
		require.Equal(t, http.StatusNoContent, post(server.RouteSessionSignOut, "").Code)
		require.Equal(t, 3, fx.engine.signOuts)
	})

	t.Run("reads are not guarded", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, server.RouteSession, nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()
		fx.server.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRecoverMiddleware(t *testing.T) {
	fx := setupTestFixture(t)
	fx.server.RegisterRouteFunc(http.MethodGet, "/boom", func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := fx.do(t, http.MethodGet, "/boom", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal_error", decode(t, rec)["error"])
}

func TestSessionEvents(t *testing.T) {
	fx := setupTestFixture(t)
	ts := httptest.NewServer(fx.server)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+server.RouteSessionEvents, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan session.Snapshot, 4)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var raw struct {
				Generation uint64 `json:"generation"`
			}
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &raw) == nil {
				events <- session.Snapshot{Generation: raw.Generation}
			}
		}
		close(events)
	}()

	select {
	case s := <-events:
		require.Equal(t, uint64(3), s.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	fx.engine.updates <- session.Snapshot{Status: session.Unauthenticated, Generation: 4, Cause: session.CauseInactivity}

	select {
	case s := <-events:
		require.Equal(t, uint64(4), s.Generation)
	case <-time.After(2 * time.Second):
		t.Fatal("no update")
	}
}

type fakeOIDC struct {
	*identity.Broadcaster
	lastReturn string
}

func (f *fakeOIDC) SignOut(ctx context.Context) error {
	f.Emit(nil)
	return nil
}

func (f *fakeOIDC) AuthCodeURL(returnURL string) (string, error) {
	f.lastReturn = returnURL
	return "https://issuer.example.edu/authorize?state=s1", nil
}

func (f *fakeOIDC) Exchange(ctx context.Context, state, code string) (*identity.Identity, string, error) {
	if state != "s1" {
		return nil, "", apperrors.ErrInvalidToken
	}
	ident := &identity.Identity{ID: "U9", Email: "s@example.edu"}
	f.Emit(ident)
	return ident, f.lastReturn, nil
}

func TestOIDCRoutes(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	provider := &fakeOIDC{Broadcaster: identity.NewBroadcaster()}
	srv, err := server.New(cfg, &fakeEngine{updates: make(chan session.Snapshot)}, provider)
	require.NoError(t, err)

	serve := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	t.Run("rejects foreign return URL", func(t *testing.T) {
		require.Equal(t, http.StatusBadRequest, serve(server.RouteIdentityOIDCLogin+"?return=//evil.example.com").Code)
		require.Equal(t, http.StatusBadRequest, serve(server.RouteIdentityOIDCLogin+"?return=https://evil.example.com/x").Code)
	})

	t.Run("login and callback", func(t *testing.T) {
		rec := serve(server.RouteIdentityOIDCLogin + "?return=/student")
		require.Equal(t, http.StatusFound, rec.Code)
		require.True(t, strings.HasPrefix(rec.Header().Get("Location"), "https://issuer.example.edu/authorize"))

		rec = serve(server.RouteIdentityOIDCCallback + "?state=s1&code=c1")
		require.Equal(t, http.StatusFound, rec.Code)
		require.Equal(t, "/student", rec.Header().Get("Location"))
		require.Equal(t, "U9", provider.Current().ID)
	})

	t.Run("bad state", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, serve(server.RouteIdentityOIDCCallback+"?state=zz&code=c1").Code)
	})

	t.Run("issuer error", func(t *testing.T) {
		require.Equal(t, http.StatusUnauthorized, serve(server.RouteIdentityOIDCCallback+"?error=access_denied").Code)
	})
}

func TestTokenSignIn(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	tokenCfg := tokenprovider.Config{Secret: []byte("server-test-secret-value")}
	provider, err := tokenprovider.New(tokenCfg)
	require.NoError(t, err)
	issuer, err := tokenprovider.NewIssuer(tokenCfg, time.Minute)
	require.NoError(t, err)

	srv, err := server.New(cfg, &fakeEngine{updates: make(chan session.Snapshot)}, provider)
	require.NoError(t, err)
	require.NotContains(t, srv.Routes(), "POST "+server.RouteIdentityPassword)

	t.Run("rejects garbage", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, server.RouteIdentityToken, strings.NewReader(`{"idToken":"nope"}`))
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("bearer header", func(t *testing.T) {
		raw, err := issuer.Issue(identity.Identity{ID: "U5", Email: "a@example.edu"})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, server.RouteIdentityToken, nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "U5", provider.Current().ID)
	})
}
