package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/portal-session/authz"
	apperrors "github.com/jrsteele09/portal-session/internal/errors"
	"github.com/jrsteele09/portal-session/session"
	"github.com/jrsteele09/portal-session/users"
	"github.com/rs/zerolog/hlog"
)

const (
	contentTypeJSON = "application/json; charset=utf-8"
	maxBodyBytes    = 1 << 20
	keepAlivePeriod = 25 * time.Second
)

func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// SessionHandler returns the latest published snapshot.
func (s *Server) SessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.engine.Current())
	}
}

// SessionEventsHandler streams snapshots as server-sent events, starting with
// the current one. Intermediate snapshots may be skipped for slow readers.
func (s *Server) SessionEventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, "streaming_unsupported", "streaming not supported", http.StatusInternalServerError)
			return
		}

		subscriberID := uuid.NewString()
		logger := hlog.FromRequest(r).With().Str("subscriber", subscriberID).Logger()

		snapshots, unsubscribe := s.engine.Subscribe()
		defer unsubscribe()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		logger.Debug().Msg("event stream opened")
		defer logger.Debug().Msg("event stream closed")

		keepAlive := time.NewTicker(keepAlivePeriod)
		defer keepAlive.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				data, err := json.Marshal(snap)
				if err != nil {
					logger.Err(err).Msg("encoding snapshot")
					continue
				}
				if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Generation, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

type activityRequest struct {
	Signal session.Signal `json:"signal"`
}

type activityResponse struct {
	Counted   bool `json:"counted"`
	Coalesced bool `json:"coalesced,omitempty"`
}

// ActivityHandler feeds a user input signal to the inactivity monitor. Bursts
// are coalesced so the monitor sees at most one signal per limiter token.
func (s *Server) ActivityHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req activityRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}
		if !req.Signal.Valid() {
			writeJSONError(w, "invalid_request", fmt.Sprintf("unknown signal %q", req.Signal), http.StatusBadRequest)
			return
		}

		if !s.activity.Allow() {
			writeJSON(w, http.StatusAccepted, activityResponse{Coalesced: true})
			return
		}
		writeJSON(w, http.StatusOK, activityResponse{Counted: s.engine.RecordActivity(req.Signal)})
	}
}

func (s *Server) SignOutHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.engine.SignOut(r.Context()); err != nil {
			hlog.FromRequest(r).Err(err).Msg("sign-out failed")
			writeJSONError(w, "signout_failed", "sign-out failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) RetryHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := s.engine.Retry(r.Context())
		switch {
		case err == nil:
			w.WriteHeader(http.StatusAccepted)
		case apperrors.Is(err, apperrors.ErrNotRunning):
			writeJSONError(w, "unavailable", err.Error(), http.StatusServiceUnavailable)
		default:
			hlog.FromRequest(r).Err(err).Msg("retry failed")
			writeJSONError(w, "retry_failed", "retry failed", http.StatusInternalServerError)
		}
	}
}

type authorizeResponse struct {
	authz.Decision
	Status session.Status `json:"status"`
	Role   users.Role     `json:"role,omitempty"`
}

// AuthorizeHandler evaluates the route guard for the current session. The
// allowed query parameter is a comma separated role list; when it is absent
// any known role passes, when it is present but empty nobody does.
func (s *Server) AuthorizeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed, err := parseAllowedRoles(r)
		if err != nil {
			writeJSONError(w, "invalid_request", err.Error(), http.StatusBadRequest)
			return
		}

		snap := s.engine.Current()
		writeJSON(w, http.StatusOK, authorizeResponse{
			Decision: authz.Decide(snap.Status, snap.Role(), allowed),
			Status:   snap.Status,
			Role:     snap.Role(),
		})
	}
}

func parseAllowedRoles(r *http.Request) ([]users.Role, error) {
	values, present := r.URL.Query()["allowed"]
	if !present {
		return nil, nil
	}

	allowed := []users.Role{}
	for _, v := range values {
		for _, name := range strings.Split(v, ",") {
			if strings.TrimSpace(name) == "" {
				continue
			}
			role, ok := users.ParseRole(name)
			if !ok {
				return nil, fmt.Errorf("unknown role %q", name)
			}
			allowed = append(allowed, role)
		}
	}
	return allowed, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, errorCode, description string, statusCode int) {
	writeJSON(w, statusCode, map[string]string{
		"error":             errorCode,
		"error_description": description,
	})
}
