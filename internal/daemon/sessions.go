package daemon

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/internal/session"
)

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var params session.CreateParams
	if err := decodeBody(r, &params); err != nil {
		s.writeMappedError(w, err)
		return
	}
	sess, err := s.reg.Create(r.Context(), params)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess.Info())
}

func (s *Server) handleSessionList(w http.ResponseWriter, _ *http.Request) {
	sessions := s.reg.List()
	out := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Info())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out, "count": len(out)})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Info())
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Destroy(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionSeal(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	sess.Seal()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": sess.ID, "sealed": true})
}

func (s *Server) handleSessionMode(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	var headless bool
	switch body.Mode {
	case "headless":
		headless = true
	case "headed":
		headless = false
	default:
		s.writeMappedError(w, &session.ValidationError{
			Field: "mode", Constraint: "one of headed, headless",
			Message: "unknown mode " + strconv.Quote(body.Mode),
		})
		return
	}
	if err := s.reg.SetMode(r.Context(), sess, headless); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "session_id": sess.ID, "headless": headless})
}

func (s *Server) handleHandoffStart(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	if err := s.reg.SetMode(r.Context(), sess, false); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": sess.ID,
		"headless":   false,
		"message":    "browser window opened; finish the task by hand, then call handoff/complete",
	})
}

func (s *Server) handleHandoffComplete(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	if err := s.reg.SetMode(r.Context(), sess, true); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session_id": sess.ID,
		"headless":   true,
		"message":    "handoff complete; browser is headless again with cookies and URL preserved",
	})
}

func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	writeJSON(w, http.StatusOK, sess.Policy.Policy())
}

// handlePolicySet accepts either a bare {profile} (expanded to the
// profile's defaults) or explicit field overrides on top of it.
func (s *Server) handlePolicySet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	raw, err := readBody(r)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	var peek struct {
		Profile string `json:"profile"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		s.writeMappedError(w, &session.ValidationError{Field: "body", Constraint: "valid JSON", Message: err.Error()})
		return
	}

	base := sess.Policy.Policy()
	if peek.Profile != "" {
		base, err = policy.ForProfile(peek.Profile)
		if err != nil {
			s.writeMappedError(w, &session.ValidationError{
				Field: "profile", Constraint: "one of safe, permissive, disabled", Message: err.Error(),
			})
			return
		}
	}
	if err := json.Unmarshal(raw, &base); err != nil {
		s.writeMappedError(w, &session.ValidationError{Field: "body", Constraint: "valid policy fields", Message: err.Error()})
		return
	}
	sess.Policy.SetPolicy(base)
	writeJSON(w, http.StatusOK, base)
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	out := session.Settings{
		SessionID:     sess.ID,
		Profile:       sess.Profile,
		Headless:      sess.Headless,
		LaunchMode:    sess.LaunchMode,
		PolicyProfile: sess.Policy.Policy().Profile,
	}
	if drv, err := sess.Driver(); err == nil {
		if ua, err := drv.UserAgent(r.Context()); err == nil {
			out.UserAgent = ua
		}
	}
	if page, err := sess.ActivePage(); err == nil {
		out.URL = page.URL()
		if raw, err := page.Evaluate(r.Context(), `() => window.innerWidth + 'x' + window.innerHeight`); err == nil {
			var vp string
			if json.Unmarshal(raw, &vp) == nil {
				out.Viewport = vp
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	entries := sess.Audit.Tail(tailParam(r))
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleProfilesList(w http.ResponseWriter, _ *http.Request) {
	profiles, err := s.reg.Profiles()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles, "count": len(profiles)})
}

func (s *Server) handleProfileReset(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.reg.ResetProfile(name); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "profile": name})
}

func (s *Server) handlePagesList(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	pages := sess.Pages()
	writeJSON(w, http.StatusOK, map[string]any{"pages": pages, "count": len(pages), "page_rev": sess.Rev.Current()})
}

func (s *Server) handlePageNew(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	id, err := sess.NewPage(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"page_id": id, "page_rev": sess.Rev.Current()})
}

func (s *Server) handlePageSwitch(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		PageID string `json:"page_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := sess.SwitchPage(r.Context(), body.PageID); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "page_id": body.PageID, "page_rev": sess.Rev.Current()})
}

func (s *Server) handlePageClose(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	if err := sess.ClosePage(r.Context(), chi.URLParam(r, "pageID")); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
