package daemon

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/hazyhaar/agentmb/internal/pipeline"
	"github.com/hazyhaar/agentmb/internal/session"
)

// maxBodyBytes bounds action request bodies (uploads carry base64 data).
const maxBodyBytes = 64 << 20

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, &session.ValidationError{Field: "body", Constraint: "readable body", Message: err.Error()}
	}
	return raw, nil
}

// decodeBody parses the JSON body into dst. An empty body is fine.
func decodeBody(r *http.Request, dst any) error {
	raw, err := readBody(r)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &session.ValidationError{Field: "body", Constraint: "valid JSON", Message: err.Error()}
	}
	return nil
}

func tailParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("tail"))
	if err != nil || n < 1 {
		return 100
	}
	return n
}

// handleAction builds the handler for one action verb. All verbs share
// the request schema and the dispatch path.
func (s *Server) handleAction(verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.getSession(w, r)
		if sess == nil {
			return
		}
		var req pipeline.Request
		if err := decodeBody(r, &req); err != nil {
			s.writeMappedError(w, err)
			return
		}
		result, err := s.pipe.Dispatch(r.Context(), sess, verb, r.Header.Get("X-Operator"), &req)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		result["session_id"] = sess.ID
		writeJSON(w, http.StatusOK, result)
	}
}

// dispatch runs a verb with a server-built request, for the state
// endpoints that reuse pipeline verbs under different routes.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, sess *session.Session, verb string, req *pipeline.Request) {
	result, err := s.pipe.Dispatch(r.Context(), sess, verb, r.Header.Get("X-Operator"), req)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	result["session_id"] = sess.ID
	writeJSON(w, http.StatusOK, result)
}

// handleRingGet serves the tail of one observation ring.
func (s *Server) handleRingGet(ring string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.getSession(w, r)
		if sess == nil {
			return
		}
		n := tailParam(r)
		var entries any
		var count int
		switch ring {
		case "console":
			e := sess.Console.Tail(n)
			entries, count = e, len(e)
		case "page_errors":
			e := sess.PageErrors.Tail(n)
			entries, count = e, len(e)
		case "dialogs":
			e := sess.Dialogs.Tail(n)
			entries, count = e, len(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": count})
	}
}

// handleRingClear drains one observation ring and returns what it held.
func (s *Server) handleRingClear(ring string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.getSession(w, r)
		if sess == nil {
			return
		}
		var entries any
		var count int
		switch ring {
		case "console":
			e := sess.Console.Drain()
			entries, count = e, len(e)
		case "page_errors":
			e := sess.PageErrors.Drain()
			entries, count = e, len(e)
		case "dialogs":
			e := sess.Dialogs.Drain()
			entries, count = e, len(e)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": count})
	}
}
