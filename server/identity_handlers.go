package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/jrsteele09/portal-session/identity/localprovider"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/rs/zerolog/hlog"
)

type passwordSignInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordSignInHandler signs in with email and password. The session
// transition follows asynchronously from the provider's announcement.
func (s *Server) PasswordSignInHandler(p PasswordSignIn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req passwordSignInRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		ident, err := p.SignInWithPassword(r.Context(), req.Email, req.Password)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidCredentials) {
				writeJSONError(w, "invalid_credentials", "invalid email or password", http.StatusUnauthorized)
				return
			}
			hlog.FromRequest(r).Err(err).Msg("password sign-in failed")
			writeJSONError(w, "server_error", "sign-in failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identity": ident})
	}
}

type tokenSignInRequest struct {
	IDToken string `json:"idToken"`
}

// TokenSignInHandler signs in with an ID token from the request body or,
// failing that, a bearer Authorization header.
func (s *Server) TokenSignInHandler(p TokenSignIn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			var req tokenSignInRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
				return
			}
			raw = req.IDToken
		}

		ident, err := p.SignInWithToken(r.Context(), raw)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidToken) {
				hlog.FromRequest(r).Debug().Err(err).Msg("rejected ID token")
				writeJSONError(w, "invalid_token", "invalid ID token", http.StatusUnauthorized)
				return
			}
			hlog.FromRequest(r).Err(err).Msg("token sign-in failed")
			writeJSONError(w, "server_error", "sign-in failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"identity": ident})
	}
}

// OIDCLoginHandler redirects the browser to the issuer. The optional return
// parameter is where the callback sends the browser afterwards.
func (s *Server) OIDCLoginHandler(p OIDCSignIn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		returnURL, ok := safeReturnURL(r, r.URL.Query().Get("return"))
		if !ok {
			writeJSONError(w, "invalid_request", "return must be a same-origin URL", http.StatusBadRequest)
			return
		}

		authURL, err := p.AuthCodeURL(returnURL)
		if err != nil {
			hlog.FromRequest(r).Err(err).Msg("starting OIDC flow")
			writeJSONError(w, "server_error", "could not start sign-in", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

func (s *Server) OIDCCallbackHandler(p OIDCSignIn) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			hlog.FromRequest(r).Warn().Str("error", errCode).Str("description", q.Get("error_description")).Msg("issuer returned an error")
			writeJSONError(w, errCode, q.Get("error_description"), http.StatusUnauthorized)
			return
		}

		_, returnURL, err := p.Exchange(r.Context(), q.Get("state"), q.Get("code"))
		if err != nil {
			if apperrors.Is(err, apperrors.ErrInvalidToken) {
				hlog.FromRequest(r).Warn().Err(err).Msg("rejected OIDC callback")
				writeJSONError(w, "invalid_request", "sign-in could not be verified", http.StatusUnauthorized)
				return
			}
			hlog.FromRequest(r).Err(err).Msg("OIDC exchange failed")
			writeJSONError(w, "server_error", "sign-in failed", http.StatusBadGateway)
			return
		}

		if returnURL == "" {
			returnURL = "/"
		}
		http.Redirect(w, r, returnURL, http.StatusFound)
	}
}

type validatePasswordRequest struct {
	Password string `json:"password"`
}

// ValidatePasswordHandler reports whether a candidate password meets the
// local provider's strength rules.
func (s *Server) ValidatePasswordHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req validatePasswordRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]any{"valid": true}
		if err := localprovider.ValidatePasswordStrength(req.Password); err != nil {
			resp = map[string]any{"valid": false, "error": err.Error()}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// safeReturnURL accepts a local path or an absolute URL on the request's own
// origin.
func safeReturnURL(r *http.Request, raw string) (string, bool) {
	if raw == "" {
		return "", true
	}
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, "/\\") {
		return raw, true
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme == getScheme(r) && u.Host == r.Host {
		return u.String(), true
	}
	return "", false
}
