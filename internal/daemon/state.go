package daemon

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/pipeline"
	"github.com/hazyhaar/agentmb/internal/session"
)

func (s *Server) handleViewport(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var req pipeline.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.dispatch(w, r, sess, "set_viewport", &req)
}

func (s *Server) handleNetworkConditionsSet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var cond driver.NetworkConditions
	if err := decodeBody(r, &cond); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.dispatch(w, r, sess, "network_conditions", &pipeline.Request{Conditions: &cond})
}

func (s *Server) handleNetworkConditionsClear(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	s.dispatch(w, r, sess, "network_conditions", &pipeline.Request{})
}

func (s *Server) handleClipboardGet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	s.dispatch(w, r, sess, "clipboard_read", &pipeline.Request{})
}

func (s *Server) handleClipboardSet(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	s.dispatch(w, r, sess, "clipboard_write", &pipeline.Request{Text: body.Text})
}

func (s *Server) sessionDriver(w http.ResponseWriter, r *http.Request) (*session.Session, driver.Driver) {
	sess := s.getSession(w, r)
	if sess == nil {
		return nil, nil
	}
	drv, err := sess.Driver()
	if err != nil {
		s.writeMappedError(w, err)
		return nil, nil
	}
	return sess, drv
}

func (s *Server) handleCookiesGet(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	cookies, err := drv.Cookies(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": cookies, "count": len(cookies)})
}

func (s *Server) handleCookiesSet(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	var body struct {
		Cookies []driver.Cookie `json:"cookies"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := drv.SetCookies(r.Context(), body.Cookies); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "set": len(body.Cookies)})
}

func (s *Server) handleCookiesClear(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	if err := drv.ClearCookies(r.Context()); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCookiesDelete removes cookies matching name and/or domain and
// rewrites the rest.
func (s *Server) handleCookiesDelete(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	var body struct {
		Name   string `json:"name,omitempty"`
		Domain string `json:"domain,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if body.Name == "" && body.Domain == "" {
		s.writeMappedError(w, &session.ValidationError{
			Field: "name", Constraint: "name or domain required", Message: "filtered delete needs a name or a domain",
		})
		return
	}

	cookies, err := drv.Cookies(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	kept := cookies[:0]
	removed := 0
	for _, c := range cookies {
		match := true
		if body.Name != "" && c.Name != body.Name {
			match = false
		}
		if body.Domain != "" && !strings.HasSuffix(c.Domain, body.Domain) {
			match = false
		}
		if match {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	if err := drv.ClearCookies(r.Context()); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := drv.SetCookies(r.Context(), kept); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "remaining": len(kept)})
}

func (s *Server) handleStorageStateGet(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	cookies, err := drv.Cookies(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cookies": cookies, "origins": []any{}})
}

// handleStorageStateSet restores cookies only; localStorage origins in
// the payload are counted and skipped.
func (s *Server) handleStorageStateSet(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	var body struct {
		Cookies []driver.Cookie   `json:"cookies"`
		Origins []json.RawMessage `json:"origins,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := drv.SetCookies(r.Context(), body.Cookies); err != nil {
		s.writeMappedError(w, err)
		return
	}
	out := map[string]any{"status": "ok", "cookies_set": len(body.Cookies), "origins_skipped": len(body.Origins)}
	if len(body.Origins) > 0 {
		out["note"] = "localStorage origins are not restored; only cookies apply"
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCDPInfo(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	info, err := drv.CDPVersion(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCDPSend(w http.ResponseWriter, r *http.Request) {
	sess, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	var body struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if body.Method == "" {
		s.writeMappedError(w, &session.ValidationError{Field: "method", Constraint: "required", Message: "cdp send needs a method"})
		return
	}
	page, err := sess.ActivePage()
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	result, err := drv.CDPCall(r.Context(), page, body.Method, body.Params)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "cdp_error",
			"method":  body.Method,
			"message": sanitizeCDPError(err.Error()),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) handleCDPWS(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ws_url": drv.WSEndpoint()})
}

var (
	stackFrameRe = regexp.MustCompile(`(?m)^\s*at .*$`)
	fileURLRe    = regexp.MustCompile(`file://\S*`)
)

// sanitizeCDPError strips stack frames and local paths from protocol
// errors before they reach clients, capped at 300 characters.
func sanitizeCDPError(msg string) string {
	msg = stackFrameRe.ReplaceAllString(msg, "")
	msg = fileURLRe.ReplaceAllString(msg, "")
	msg = strings.TrimSpace(strings.Join(strings.Fields(msg), " "))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	return msg
}

func (s *Server) handleTraceStart(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	var body struct {
		Screenshots bool `json:"screenshots,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := drv.TraceStart(r.Context(), body.Screenshots); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tracing": true})
}

func (s *Server) handleTraceStop(w http.ResponseWriter, r *http.Request) {
	_, drv := s.sessionDriver(w, r)
	if drv == nil {
		return
	}
	data, err := drv.TraceStop(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data":   base64.StdEncoding.EncodeToString(data),
		"size":   len(data),
		"format": "zip",
	})
}

func (s *Server) handleRoutesList(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	mocks := sess.Mocks()
	writeJSON(w, http.StatusOK, map[string]any{"routes": mocks, "count": len(mocks)})
}

func (s *Server) handleRouteAdd(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		Pattern string           `json:"pattern"`
		Mock    driver.RouteMock `json:"mock"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if body.Pattern == "" {
		s.writeMappedError(w, &session.ValidationError{Field: "pattern", Constraint: "required", Message: "route needs a pattern"})
		return
	}
	if err := sess.AddMock(r.Context(), body.Pattern, body.Mock); err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "pattern": body.Pattern})
}

func (s *Server) handleRouteRemove(w http.ResponseWriter, r *http.Request) {
	sess := s.getSession(w, r)
	if sess == nil {
		return
	}
	var body struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeMappedError(w, err)
		return
	}
	if err := sess.RemoveMock(r.Context(), body.Pattern); err != nil {
		s.writeMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
