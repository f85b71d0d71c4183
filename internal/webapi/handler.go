// Package webapi exposes the session controller as a JSON HTTP API. Every
// mutating endpoint blocks until the controller has settled and responds
// with the resulting view.
package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/fpang/socratic-discovery/internal/auth"
	"github.com/fpang/socratic-discovery/internal/session"
	"github.com/rs/zerolog/log"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// KeyActivator validates an API key and, if usable, makes it the active
// credential. Rejected keys return an *auth.ValidationError.
type KeyActivator func(ctx context.Context, apiKey string) error

// Sessions returns the controller that serves one request.
type Sessions func(ctx context.Context) *session.Controller

// Config wires a Handler. Exactly one of Controller and Sessions is used;
// Controller wins when both are set.
type Config struct {
	// Controller serves every request of a long-lived process.
	Controller *session.Controller
	// Sessions builds a controller per request over shared storage, for
	// deployments where concurrent instances serve the same session.
	Sessions Sessions
	Activate KeyActivator
	// Version is reported by /api/health.
	Version string
	// AllowedOrigins are exact origins allowed by CORS in addition to localhost.
	AllowedOrigins []string
	// OriginVerifySecret, when set, must arrive in the x-origin-verify header.
	// CloudFront injects it so direct API Gateway access is blocked.
	OriginVerifySecret string
}

type api struct {
	sessions Sessions
	activate KeyActivator
	version  string
}

// New builds the API handler with its middleware chain.
func New(cfg Config) http.Handler {
	sessions := cfg.Sessions
	if ctrl := cfg.Controller; ctrl != nil {
		sessions = func(context.Context) *session.Controller { return ctrl }
	}
	a := &api{sessions: sessions, activate: cfg.Activate, version: cfg.Version}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/view", a.handleView)
	mux.HandleFunc("POST /api/start", a.handleStart)
	mux.HandleFunc("POST /api/answer", a.handleAnswer)
	mux.HandleFunc("POST /api/skip", a.handleSkip)
	mux.HandleFunc("POST /api/key/request", a.handleKeyRequest)
	mux.HandleFunc("POST /api/key", a.handleKey)
	mux.HandleFunc("POST /api/key/cancel", a.handleKeyCancel)
	mux.HandleFunc("POST /api/restart", a.handleRestart)

	var h http.Handler = withBodyLimit(mux)
	h = withSecurityHeaders(h)
	h = withOriginVerify(cfg.OriginVerifySecret, h)
	h = withCORS(cfg.AllowedOrigins, h)
	return withLogging(withMetrics(h))
}

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"phase":   string(a.sessions(r.Context()).Phase()),
		"version": a.version,
	})
}

func (a *api) handleView(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, a.sessions(r.Context()).View())
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Topic string `json:"topic"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctrl := a.sessions(r.Context())
	a.respond(w, ctrl, ctrl.Start(r.Context(), req.Topic))
}

func (a *api) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Answer string `json:"answer"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ctrl := a.sessions(r.Context())
	a.respond(w, ctrl, ctrl.SubmitAnswer(r.Context(), req.Answer))
}

func (a *api) handleSkip(w http.ResponseWriter, r *http.Request) {
	ctrl := a.sessions(r.Context())
	a.respond(w, ctrl, ctrl.Skip(r.Context()))
}

func (a *api) handleKeyRequest(w http.ResponseWriter, r *http.Request) {
	ctrl := a.sessions(r.Context())
	a.respond(w, ctrl, ctrl.RequestKey(r.Context()))
}

// handleKey activates a new key when one is given, then resumes the session.
// Without a key it retries with the current credential.
func (a *api) handleKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	if req.APIKey != "" {
		if a.activate == nil {
			httpError(w, http.StatusNotImplemented, "key activation is not available")
			return
		}
		if err := a.activate(r.Context(), req.APIKey); err != nil {
			var valErr *auth.ValidationError
			if errors.As(err, &valErr) && valErr.Rejects() {
				log.Warn().Str("type", valErr.Type.String()).Msg("Rejected API key")
				respondJSON(w, http.StatusUnauthorized, map[string]string{
					"error": valErr.Message,
					"type":  valErr.Type.String(),
				})
				return
			}
			log.Error().Err(err).Msg("Key activation failed")
			httpError(w, http.StatusBadGateway, "key activation failed")
			return
		}
	}

	ctrl := a.sessions(r.Context())
	err := ctrl.CredentialResolved(r.Context())
	if errors.Is(err, session.ErrWrongPhase) && req.APIKey != "" {
		// A key supplied outside recovery is simply activated.
		err = nil
	}
	a.respond(w, ctrl, err)
}

func (a *api) handleKeyCancel(w http.ResponseWriter, r *http.Request) {
	ctrl := a.sessions(r.Context())
	a.respond(w, ctrl, ctrl.Cancel(r.Context()))
}

func (a *api) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctrl := a.sessions(r.Context())
	ctrl.Restart(r.Context())
	a.respond(w, ctrl, nil)
}

// respond maps a controller error to a status, or writes the current view.
func (a *api) respond(w http.ResponseWriter, ctrl *session.Controller, err error) {
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, ctrl.View())
	case errors.Is(err, session.ErrEmptyTopic):
		httpError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrWrongPhase):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"view":  ctrl.View(),
		})
	default:
		log.Error().Err(err).Msg("Unexpected controller error")
		httpError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody decodes an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func httpError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
