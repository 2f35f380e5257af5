// Package daemon is the HTTP control plane: the chi router, token auth,
// the error-envelope mapping, and the handlers binding sessions, pages,
// actions, observation buffers, and state endpoints to the lower layers.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/agentmb/internal/pipeline"
	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/internal/session"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

// Version is reported by /health. Overridden at build time with
// -ldflags "-X .../internal/daemon.Version=...".
var Version = "dev"

// Server binds the HTTP surface to the session registry and pipeline.
type Server struct {
	reg      *session.Registry
	pipe     *pipeline.Pipeline
	log      *slog.Logger
	apiToken string
	started  time.Time
}

// New wires a server. An empty apiToken disables authentication.
func New(reg *session.Registry, pipe *pipeline.Pipeline, apiToken string, logger *slog.Logger) *Server {
	return &Server{
		reg:      reg,
		pipe:     pipe,
		log:      logger,
		apiToken: apiToken,
		started:  time.Now(),
	}
}

// Router builds the full route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/status", s.handleHealth)
		r.Get("/profiles", s.handleProfilesList)
		r.Post("/profiles/{name}/reset", s.handleProfileReset)

		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleSessionCreate)
			r.Get("/", s.handleSessionList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleSessionGet)
				r.Delete("/", s.handleSessionDelete)
				r.Post("/seal", s.handleSessionSeal)
				r.Post("/mode", s.handleSessionMode)
				r.Post("/handoff/start", s.handleHandoffStart)
				r.Post("/handoff/complete", s.handleHandoffComplete)
				r.Get("/policy", s.handlePolicyGet)
				r.Post("/policy", s.handlePolicySet)
				r.Get("/settings", s.handleSettings)
				r.Get("/logs", s.handleLogs)

				r.Get("/pages", s.handlePagesList)
				r.Post("/pages", s.handlePageNew)
				r.Post("/pages/switch", s.handlePageSwitch)
				r.Delete("/pages/{pageID}", s.handlePageClose)

				r.Get("/page_rev", s.handleAction("page_rev"))
				for _, verb := range pipeline.Verbs() {
					if verb == "page_rev" {
						continue
					}
					r.Post("/"+verb, s.handleAction(verb))
				}

				r.Put("/viewport", s.handleViewport)
				r.Post("/network_conditions", s.handleNetworkConditionsSet)
				r.Delete("/network_conditions", s.handleNetworkConditionsClear)
				r.Get("/clipboard", s.handleClipboardGet)
				r.Post("/clipboard", s.handleClipboardSet)

				r.Get("/console", s.handleRingGet("console"))
				r.Delete("/console", s.handleRingClear("console"))
				r.Get("/page_errors", s.handleRingGet("page_errors"))
				r.Delete("/page_errors", s.handleRingClear("page_errors"))
				r.Get("/dialogs", s.handleRingGet("dialogs"))
				r.Delete("/dialogs", s.handleRingClear("dialogs"))

				r.Get("/cookies", s.handleCookiesGet)
				r.Post("/cookies", s.handleCookiesSet)
				r.Delete("/cookies", s.handleCookiesClear)
				r.Post("/cookies/delete", s.handleCookiesDelete)
				r.Get("/storage_state", s.handleStorageStateGet)
				r.Post("/storage_state", s.handleStorageStateSet)

				r.Get("/cdp", s.handleCDPInfo)
				r.Post("/cdp", s.handleCDPSend)
				r.Get("/cdp/ws", s.handleCDPWS)
				r.Post("/trace/start", s.handleTraceStart)
				r.Post("/trace/stop", s.handleTraceStop)

				r.Get("/routes", s.handleRoutesList)
				r.Post("/route", s.handleRouteAdd)
				r.Delete("/route", s.handleRouteRemove)

				r.Get("/events", s.handleEvents)
			})
		})
	})
	return r
}

// authMiddleware checks X-API-Token or a Bearer token. No configured
// token means an open daemon (loopback-bound by default).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			token := r.Header.Get("X-API-Token")
			if token == "" {
				const prefix = "Bearer "
				if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
					token = auth[len(prefix):]
				}
			}
			if token != s.apiToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         Version,
		"uptime_s":        int64(time.Since(s.started).Seconds()),
		"sessions_active": s.reg.Count(),
	})
}

// getSession resolves the {id} route param; a nil return means the
// error was already written.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) *session.Session {
	sess, err := s.reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, err)
		return nil
	}
	return sess
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeMappedError converts the error taxonomy into its HTTP envelope.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	code, body := mapError(err)
	if code >= 500 {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, code, body)
}

func mapError(err error) (int, map[string]any) {
	var ve *session.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, map[string]any{
			"error":      "preflight_failed",
			"field":      ve.Field,
			"constraint": ve.Constraint,
			"message":    ve.Message,
		}
	}
	var pf *pipeline.PreflightError
	if errors.As(err, &pf) {
		return http.StatusBadRequest, map[string]any{
			"error":      "preflight_failed",
			"field":      pf.Field,
			"constraint": pf.Constraint,
			"message":    pf.Message,
		}
	}
	var badRef *snapshot.BadRefError
	if errors.As(err, &badRef) {
		return http.StatusBadRequest, map[string]any{
			"error":   "bad_ref",
			"ref_id":  badRef.RefID,
			"message": badRef.Reason,
		}
	}
	var denied *policy.Denied
	if errors.As(err, &denied) {
		return http.StatusForbidden, map[string]any{
			"error":        string(denied.Reason),
			"policy_event": "deny",
		}
	}
	var stale *snapshot.StaleRefError
	if errors.As(err, &stale) {
		return http.StatusConflict, map[string]any{
			"error":             "stale_ref",
			"ref_id":            stale.RefID,
			"snapshot_page_rev": stale.SnapshotRev,
			"current_page_rev":  stale.CurrentRev,
			"suggestion":        stale.Suggestion,
		}
	}
	var inUse *session.ProfileInUseError
	if errors.As(err, &inUse) {
		return http.StatusConflict, map[string]any{
			"error":       "profile_in_use",
			"profile":     inUse.Profile,
			"session_ids": inUse.SessionIDs,
		}
	}
	var ae *pipeline.ActionError
	if errors.As(err, &ae) {
		body := map[string]any{
			"error":     ae.Code,
			"message":   ae.Message,
			"elapsedMs": ae.Diag.ElapsedMs,
		}
		if ae.Diag.URL != "" {
			body["url"] = ae.Diag.URL
		}
		if ae.Diag.Title != "" {
			body["title"] = ae.Diag.Title
		}
		if ae.Diag.ReadyState != "" {
			body["readyState"] = ae.Diag.ReadyState
		}
		if ae.Diag.RecoveryHint != "" {
			body["recovery_hint"] = ae.Diag.RecoveryHint
		}
		if ae.Diag.FrameSelector != nil {
			body["frame_selector"] = ae.Diag.FrameSelector
			body["available_frames"] = ae.Diag.AvailableFrames
		}
		return http.StatusUnprocessableEntity, body
	}
	var fnf *pipeline.FrameNotFoundError
	if errors.As(err, &fnf) {
		return http.StatusUnprocessableEntity, map[string]any{
			"error":            "frame_not_found",
			"message":          fnf.Error(),
			"frame_selector":   fnf.Selector,
			"available_frames": fnf.Available,
		}
	}

	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, session.ErrNoPage),
		errors.Is(err, session.ErrZombie),
		errors.Is(err, session.ErrNotActive):
		return http.StatusNotFound, map[string]any{"error": "not_found", "message": err.Error()}
	case errors.Is(err, session.ErrLastPage):
		return http.StatusConflict, map[string]any{"error": "last_page", "message": err.Error()}
	case errors.Is(err, session.ErrSealed):
		return http.StatusLocked, map[string]any{"error": "session_sealed"}
	case errors.Is(err, session.ErrShuttingDown):
		return http.StatusServiceUnavailable, map[string]any{"error": "shutting_down"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, map[string]any{"error": "busy", "message": err.Error()}
	}
	return http.StatusInternalServerError, map[string]any{"error": "driver_error", "message": err.Error()}
}
