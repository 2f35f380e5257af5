package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hazyhaar/agentmb/internal/browser"
	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/driver/drivertest"
	"github.com/hazyhaar/agentmb/internal/pipeline"
	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/internal/session"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

const testToken = "test-token"

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	reg := session.NewRegistry(session.Config{
		DataDir:       t.TempDir(),
		DefaultPolicy: policy.ProfileSafe,
		RingSize:      50,
		SnapshotLRU:   4,
		Logger:        logger,
		Launcher: func(context.Context, browser.LaunchOptions) (driver.Driver, error) {
			return drivertest.New(), nil
		},
	})
	srv := New(reg, pipeline.New(logger, nil, nil), testToken, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		reg.Drain(context.Background())
	})
	return ts, reg
}

// call sends an authenticated JSON request and decodes the response.
func call(t *testing.T, ts *httptest.Server, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-API-Token", testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createSession(t *testing.T, ts *httptest.Server) string {
	t.Helper()
	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions", map[string]any{})
	if code != http.StatusCreated {
		t.Fatalf("create session: %d %v", code, body)
	}
	id, _ := body["session_id"].(string)
	if id == "" {
		t.Fatalf("no session_id in %v", body)
	}
	return id
}

func sessionPage(t *testing.T, reg *session.Registry, id string) *drivertest.Page {
	t.Helper()
	sess, err := reg.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	p, err := sess.ActivePage()
	if err != nil {
		t.Fatal(err)
	}
	return p.(*drivertest.Page)
}

func TestAuth(t *testing.T) {
	ts, _ := newTestServer(t)

	// /health is open.
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health without token = %d", resp.StatusCode)
	}

	// /api/v1 without a token is refused with the exact envelope.
	resp, err = http.Get(ts.URL + "/api/v1/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized || body["error"] != "Unauthorized" {
		t.Fatalf("unauthenticated = %d %v", resp.StatusCode, body)
	}

	// Bearer form works too.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth = %d", resp.StatusCode)
	}

	// Wrong token refused.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/sessions", nil)
	req.Header.Set("X-API-Token", "nope")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	code, body := call(t, ts, http.MethodGet, "/health", nil)
	if code != http.StatusOK {
		t.Fatalf("health = %d", code)
	}
	if body["status"] != "ok" || body["version"] != Version {
		t.Fatalf("health body = %v", body)
	}
	if body["sessions_active"] != float64(0) {
		t.Fatalf("sessions_active = %v", body["sessions_active"])
	}
}

func TestSessionLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	code, body := call(t, ts, http.MethodGet, "/api/v1/sessions", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("list = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if code != http.StatusOK || body["state"] != "live" || body["launch_mode"] != "managed" {
		t.Fatalf("get = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodGet, "/api/v1/sessions/sess_missing", nil)
	if code != http.StatusNotFound || body["error"] != "not_found" {
		t.Fatalf("get missing = %d %v", code, body)
	}

	code, _ = call(t, ts, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if code != http.StatusNoContent {
		t.Fatalf("delete = %d", code)
	}
	code, _ = call(t, ts, http.MethodGet, "/api/v1/sessions/"+id, nil)
	if code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", code)
	}
}

func TestSessionSeal(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/seal", nil)
	if code != http.StatusOK || body["sealed"] != true {
		t.Fatalf("seal = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodDelete, "/api/v1/sessions/"+id, nil)
	if code != http.StatusLocked || body["error"] != "session_sealed" {
		t.Fatalf("delete sealed = %d %v", code, body)
	}
}

func TestActionEndpoint(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	page := sessionPage(t, reg, id)
	page.LocatorFn = func(string) driver.Locator { return &drivertest.Locator{} }

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/click", map[string]any{"selector": "#go"})
	if code != http.StatusOK {
		t.Fatalf("click = %d %v", code, body)
	}
	if body["status"] != "ok" || body["session_id"] != id {
		t.Fatalf("click body = %v", body)
	}
	if _, ok := body["page_rev"]; !ok {
		t.Fatalf("click body missing page_rev: %v", body)
	}
}

func TestActionRunStepsWireShape(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	// "steps" carries the step list on the wire, the same key mouse verbs
	// use for their smoothing count.
	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/run_steps", map[string]any{
		"steps": []map[string]any{
			{"action": "reload"},
		},
	})
	if code != http.StatusOK {
		t.Fatalf("run_steps = %d %v", code, body)
	}
	if body["status"] != "ok" {
		t.Fatalf("run_steps body = %v", body)
	}
	if body["total_steps"] != float64(1) || body["completed_steps"] != float64(1) {
		t.Fatalf("run_steps totals = %v", body)
	}
	results, ok := body["results"].([]any)
	if !ok || len(results) != 1 {
		t.Fatalf("run_steps results = %v", body["results"])
	}
}

func TestActionPreflightEnvelope(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/click", map[string]any{})
	if code != http.StatusBadRequest || body["error"] != "preflight_failed" {
		t.Fatalf("click without target = %d %v", code, body)
	}
	if body["field"] != "selector" || body["constraint"] == "" {
		t.Fatalf("preflight envelope = %v", body)
	}
}

func TestActionPolicyDenialEnvelope(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	page := sessionPage(t, reg, id)
	page.LocatorFn = func(string) driver.Locator { return &drivertest.Locator{} }

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/click",
		map[string]any{"selector": "#buy", "sensitive": true})
	if code != http.StatusForbidden {
		t.Fatalf("sensitive click = %d %v", code, body)
	}
	if body["error"] != "sensitive_action_blocked" || body["policy_event"] != "deny" {
		t.Fatalf("deny envelope = %v", body)
	}
}

func TestActionFailureDiagnostics(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	page := sessionPage(t, reg, id)
	page.SetURL("https://example.com/form")
	page.LocatorFn = func(string) driver.Locator {
		return &drivertest.Locator{Err: driver.NewError(driver.KindNotFound, "click", fmt.Errorf("no node"))}
	}

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/click", map[string]any{"selector": "#gone"})
	if code != http.StatusUnprocessableEntity {
		t.Fatalf("failed click = %d %v", code, body)
	}
	if body["error"] != "element_not_found" {
		t.Fatalf("error code = %v", body["error"])
	}
	if body["url"] != "https://example.com/form" || body["recovery_hint"] == "" {
		t.Fatalf("diagnostics = %v", body)
	}
	if _, ok := body["elapsedMs"]; !ok {
		t.Fatalf("no elapsedMs in %v", body)
	}
}

func TestStaleRefEnvelope(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	sess, _ := reg.Get(id)
	page := sessionPage(t, reg, id)
	page.LocatorFn = func(string) driver.Locator { return &drivertest.Locator{} }

	snap := sess.Snapshots.Add(sess.Rev.Current(), []snapshot.Element{{ElementID: "e0", Tag: "button", Label: "Go"}})
	sess.Rev.Bump()

	code, body := call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/click", map[string]any{"ref_id": snap.ID + ":e0"})
	if code != http.StatusConflict || body["error"] != "stale_ref" {
		t.Fatalf("stale ref = %d %v", code, body)
	}
	if body["suggestion"] == "" {
		t.Fatalf("no suggestion in %v", body)
	}
}

func TestPolicyEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)

	code, body := call(t, ts, http.MethodGet, "/api/v1/sessions/"+id+"/policy", nil)
	if code != http.StatusOK || body["profile"] != "safe" {
		t.Fatalf("policy get = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodPost, "/api/v1/sessions/"+id+"/policy",
		map[string]any{"profile": "permissive", "max_actions_per_minute": 7})
	if code != http.StatusOK {
		t.Fatalf("policy set = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodGet, "/api/v1/sessions/"+id+"/policy", nil)
	if code != http.StatusOK || body["profile"] != "permissive" {
		t.Fatalf("policy after set = %d %v", code, body)
	}
	if body["max_actions_per_minute"] != float64(7) {
		t.Fatalf("override lost: %v", body)
	}
	// Untouched fields keep the profile defaults.
	if body["domain_min_interval_ms"] != float64(500) {
		t.Fatalf("profile default lost: %v", body)
	}
}

func TestPagesEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	base := "/api/v1/sessions/" + id

	code, body := call(t, ts, http.MethodGet, base+"/pages", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("pages list = %d %v", code, body)
	}
	pages := body["pages"].([]any)
	firstID := pages[0].(map[string]any)["page_id"].(string)

	code, body = call(t, ts, http.MethodPost, base+"/pages", nil)
	if code != http.StatusCreated {
		t.Fatalf("new page = %d %v", code, body)
	}
	newID := body["page_id"].(string)

	code, _ = call(t, ts, http.MethodPost, base+"/pages/switch", map[string]any{"page_id": firstID})
	if code != http.StatusOK {
		t.Fatalf("switch = %d", code)
	}

	code, _ = call(t, ts, http.MethodDelete, base+"/pages/"+newID, nil)
	if code != http.StatusNoContent {
		t.Fatalf("close page = %d", code)
	}
	code, body = call(t, ts, http.MethodDelete, base+"/pages/"+firstID, nil)
	if code != http.StatusConflict || body["error"] != "last_page" {
		t.Fatalf("close last page = %d %v", code, body)
	}
}

func TestRingEndpoints(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	sess, _ := reg.Get(id)
	drv, _ := sess.Driver()
	fake := drv.(*drivertest.Fake)

	fake.Emit(driver.Event{Type: driver.EventConsole, Level: "error", Text: "kaboom"})
	waitFor(t, func() bool { return sess.Console.Len() == 1 })

	code, body := call(t, ts, http.MethodGet, "/api/v1/sessions/"+id+"/console", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("console get = %d %v", code, body)
	}
	entries := body["entries"].([]any)
	if entries[0].(map[string]any)["text"] != "kaboom" {
		t.Fatalf("console entries = %v", entries)
	}

	code, body = call(t, ts, http.MethodDelete, "/api/v1/sessions/"+id+"/console", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("console clear = %d %v", code, body)
	}
	code, body = call(t, ts, http.MethodGet, "/api/v1/sessions/"+id+"/console", nil)
	if code != http.StatusOK || body["count"] != float64(0) {
		t.Fatalf("console after clear = %d %v", code, body)
	}
}

func TestCookiesEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	base := "/api/v1/sessions/" + id

	code, body := call(t, ts, http.MethodPost, base+"/cookies", map[string]any{
		"cookies": []map[string]any{
			{"name": "sid", "value": "1", "domain": "example.com", "path": "/"},
			{"name": "pref", "value": "2", "domain": "other.test", "path": "/"},
		},
	})
	if code != http.StatusOK || body["set"] != float64(2) {
		t.Fatalf("cookies set = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodPost, base+"/cookies/delete", map[string]any{"domain": "example.com"})
	if code != http.StatusOK || body["removed"] != float64(1) || body["remaining"] != float64(1) {
		t.Fatalf("cookies delete = %d %v", code, body)
	}

	// Filtered delete without criteria is a preflight error.
	code, body = call(t, ts, http.MethodPost, base+"/cookies/delete", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("cookies delete without filter = %d %v", code, body)
	}

	code, _ = call(t, ts, http.MethodDelete, base+"/cookies", nil)
	if code != http.StatusNoContent {
		t.Fatalf("cookies clear = %d", code)
	}
	code, body = call(t, ts, http.MethodGet, base+"/cookies", nil)
	if code != http.StatusOK || body["count"] != float64(0) {
		t.Fatalf("cookies get = %d %v", code, body)
	}
}

func TestCDPEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	base := "/api/v1/sessions/" + id

	code, body := call(t, ts, http.MethodGet, base+"/cdp", nil)
	if code != http.StatusOK || body["Browser"] != "FakeBrowser/1.0" {
		t.Fatalf("cdp info = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodPost, base+"/cdp", map[string]any{"method": "Page.enable"})
	if code != http.StatusOK {
		t.Fatalf("cdp send = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodPost, base+"/cdp", map[string]any{"method": "Browser.fail"})
	if code != http.StatusUnprocessableEntity || body["error"] != "cdp_error" {
		t.Fatalf("cdp failure = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodPost, base+"/cdp", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("cdp without method = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodGet, base+"/cdp/ws", nil)
	if code != http.StatusOK || !strings.HasPrefix(body["ws_url"].(string), "ws://") {
		t.Fatalf("cdp ws = %d %v", code, body)
	}
}

func TestRouteEndpoints(t *testing.T) {
	ts, _ := newTestServer(t)
	id := createSession(t, ts)
	base := "/api/v1/sessions/" + id

	code, body := call(t, ts, http.MethodPost, base+"/route", map[string]any{
		"pattern": "*/api/*",
		"mock":    map[string]any{"status": 200, "body": `{"mocked": true}`, "content_type": "application/json"},
	})
	if code != http.StatusCreated {
		t.Fatalf("route add = %d %v", code, body)
	}

	code, body = call(t, ts, http.MethodGet, base+"/routes", nil)
	if code != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("routes list = %d %v", code, body)
	}

	code, _ = call(t, ts, http.MethodDelete, base+"/route", map[string]any{"pattern": "*/api/*"})
	if code != http.StatusNoContent {
		t.Fatalf("route remove = %d", code)
	}

	// Missing pattern refused.
	code, _ = call(t, ts, http.MethodPost, base+"/route", map[string]any{})
	if code != http.StatusBadRequest {
		t.Fatalf("route without pattern = %d", code)
	}
}

func TestEventsWebsocket(t *testing.T) {
	ts, reg := newTestServer(t)
	id := createSession(t, ts)
	sess, _ := reg.Get(id)
	drv, _ := sess.Driver()
	fake := drv.(*drivertest.Fake)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/sessions/" + id + "/events"
	header := http.Header{}
	header.Set("X-API-Token", testToken)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial: %v (resp %v)", err, resp)
	}
	defer conn.Close()

	fake.Emit(driver.Event{Type: driver.EventPageError, Text: "ReferenceError: x is not defined"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev map[string]any
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev["kind"] != "page_error" {
		t.Fatalf("event = %v", ev)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
