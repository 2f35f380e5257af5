package pipeline

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/agentmb/internal/driver"
)

func f(v float64) *float64 { return &v }

func frameSel(typ, val string) *driver.FrameSelector {
	return &driver.FrameSelector{Type: typ, Value: val}
}

func TestPreflight_Table(t *testing.T) {
	cases := []struct {
		name      string
		verb      string
		req       Request
		wantField string // "" means pass
	}{
		{"unknown verb", "teleport", Request{}, "action"},
		{"navigate ok", "navigate", Request{URL: "https://example.com"}, ""},
		{"navigate without url", "navigate", Request{}, "url"},
		{"navigate bad wait_until", "navigate", Request{URL: "https://example.com", WaitUntil: "eventually"}, "wait_until"},
		{"click needs target", "click", Request{}, "selector"},
		{"click with selector", "click", Request{Selector: "#go"}, ""},
		{"click with ref", "click", Request{RefID: "snap_a:e0"}, ""},
		{"two targets", "click", Request{Selector: "#go", ElementID: "e1"}, "selector"},
		{"three targets", "click", Request{Selector: "#go", ElementID: "e1", RefID: "snap_a:e0"}, "selector"},
		{"timeout too low", "click", Request{Selector: "#go", TimeoutMs: 10}, "timeout_ms"},
		{"timeout too high", "click", Request{Selector: "#go", TimeoutMs: 120000}, "timeout_ms"},
		{"timeout in range", "click", Request{Selector: "#go", TimeoutMs: 60000}, ""},
		{"value too long", "fill", Request{Selector: "#q", Value: strings.Repeat("a", maxValueLen+1)}, "value"},
		{"fill empty value ok", "fill", Request{Selector: "#q"}, ""},
		{"fill bad strategy", "fill", Request{Selector: "#q", FillStrategy: "paste"}, "fill_strategy"},
		{"press without key", "press", Request{}, "key"},
		{"press page-level", "press", Request{Key: "Enter"}, ""},
		{"press targeted", "press", Request{Key: "Enter", Selector: "#q"}, ""},
		{"select without values", "select", Request{Selector: "#country"}, "values"},
		{"select ok", "select", Request{Selector: "#country", Values: []string{"fr"}}, ""},
		{"click_at missing y", "click_at", Request{X: f(10)}, "x"},
		{"click_at ok", "click_at", Request{X: f(10), Y: f(20)}, ""},
		{"coordinate out of range", "click_at", Request{X: f(2e5), Y: f(20)}, "x"},
		{"mouse_move no coords no target", "mouse_move", Request{}, "x"},
		{"mouse_move with target", "mouse_move", Request{Selector: "#box"}, ""},
		{"wheel delta out of range", "wheel", Request{DeltaY: 50000}, "delta_y"},
		{"drag without destination", "drag", Request{Selector: "#card"}, "to_selector"},
		{"drag with to_selector", "drag", Request{Selector: "#card", ToSelector: "#bin"}, ""},
		{"drag with coords", "drag", Request{Selector: "#card", ToX: f(5), ToY: f(5)}, ""},
		{"eval without expression", "eval", Request{}, "expression"},
		{"eval ok", "eval", Request{Expression: "() => 1"}, ""},
		{"extract bad format", "extract", Request{Selector: "p", Format: "yaml"}, "format"},
		{"get without property", "get", Request{Selector: "#q"}, "property"},
		{"get attr without name", "get", Request{Selector: "#q", Property: "attr"}, "attr_name"},
		{"get attr ok", "get", Request{Selector: "#q", Property: "attr", AttrName: "href"}, ""},
		{"assert bad property", "assert", Request{Selector: "#q", Property: "text"}, "assert_property"},
		{"assert ok", "assert", Request{Selector: "#q", Property: "visible"}, ""},
		{"find without query", "find", Request{QueryType: "role"}, "query"},
		{"find bad query_type", "find", Request{QueryType: "aria", Query: "button"}, "query_type"},
		{"find ok", "find", Request{QueryType: "text", Query: "Sign in"}, ""},
		{"wait_for_url without pattern", "wait_for_url", Request{}, "url_contains"},
		{"wait_for_response without pattern", "wait_for_response", Request{}, "url_pattern"},
		{"wait_text without text", "wait_text", Request{}, "text"},
		{"wait_load_state without state", "wait_load_state", Request{}, "load_state"},
		{"wait_load_state bad state", "wait_load_state", Request{LoadState: "idle"}, "load_state"},
		{"wait_for_selector bad state", "wait_for_selector", Request{Selector: "#x", State: "gone"}, "state"},
		{"scroll_until no condition", "scroll_until", Request{}, "selector"},
		{"scroll_until count without item_selector", "scroll_until", Request{ItemCount: 10}, "item_selector"},
		{"scroll_until ok", "scroll_until", Request{ItemCount: 10, ItemSelector: ".row"}, ""},
		{"load_more_until without button", "load_more_until", Request{}, "button_selector"},
		{"upload without content", "upload", Request{Selector: "input[type=file]"}, "file_path"},
		{"upload_url without url", "upload_url", Request{Selector: "input[type=file]"}, "url"},
		{"download without source", "download", Request{}, "url"},
		{"download with target", "download", Request{Selector: "a.report"}, ""},
		{"run_steps empty", "run_steps", Request{}, "steps"},
		{"run_steps nested", "run_steps", Request{RunSteps: []Step{{Action: "run_steps"}}}, "steps"},
		{"run_steps step without action", "run_steps", Request{RunSteps: []Step{{}}}, "steps"},
		{"run_steps ok", "run_steps", Request{RunSteps: []Step{{Action: "reload"}}}, ""},
		{"set_viewport zero", "set_viewport", Request{}, "width"},
		{"set_viewport huge", "set_viewport", Request{Width: 20000, Height: 800}, "width"},
		{"set_viewport ok", "set_viewport", Request{Width: 1280, Height: 800}, ""},
		{"bad executor", "click", Request{Selector: "#go", Executor: "fast"}, "executor"},
		{"bad button", "click", Request{Selector: "#go", Button: "side"}, "button"},
		{"frame without value", "click", Request{Selector: "#go", Frame: frameSel("name", "")}, "frame"},
		{"frame bad type", "click", Request{Selector: "#go", Frame: frameSel("id", "main")}, "frame_type"},
		{"char delay out of range", "type", Request{Selector: "#q", CharDelayMs: 20000}, "char_delay_ms"},
		{"negative steps", "mouse_move", Request{X: f(1), Y: f(1), Steps: -1}, "steps"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := preflight(tc.verb, &tc.req)
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("preflight(%s) = %v, want pass", tc.verb, err)
				}
				return
			}
			var pf *PreflightError
			if !errors.As(err, &pf) {
				t.Fatalf("preflight(%s) = %v, want PreflightError", tc.verb, err)
			}
			if pf.Field != tc.wantField {
				t.Fatalf("field = %q, want %q (%s)", pf.Field, tc.wantField, pf.Message)
			}
		})
	}
}

func TestIsMutating(t *testing.T) {
	mutating := []string{"navigate", "click", "fill", "eval", "run_steps", "set_viewport", "upload", "clipboard_write", "scroll_until"}
	for _, v := range mutating {
		if !isMutating(v) {
			t.Fatalf("%s should be mutating", v)
		}
	}
	reads := []string{"extract", "get", "screenshot", "element_map", "snapshot_map", "page_rev", "wait_page_stable", "find", "clipboard_read", "bbox"}
	for _, v := range reads {
		if isMutating(v) {
			t.Fatalf("%s should not be mutating", v)
		}
	}
}

func TestInferOperator(t *testing.T) {
	cases := []struct {
		param, header, agent, want string
	}{
		{"param-op", "header-op", "agent-1", "param-op"},
		{"", "header-op", "agent-1", "header-op"},
		{"", "", "agent-1", "agent-1"},
		{"", "", "", DefaultOperator},
	}
	for _, tc := range cases {
		got := InferOperator(&Request{Operator: tc.param}, tc.header, tc.agent)
		if got != tc.want {
			t.Fatalf("InferOperator(%q, %q, %q) = %q, want %q", tc.param, tc.header, tc.agent, got, tc.want)
		}
	}
}

func TestRequest_StepsFieldIsDual(t *testing.T) {
	// Mouse smoothing: "steps" as a number.
	var move Request
	if err := json.Unmarshal([]byte(`{"x": 10, "y": 20, "steps": 5}`), &move); err != nil {
		t.Fatal(err)
	}
	if move.Steps != 5 || len(move.RunSteps) != 0 {
		t.Fatalf("numeric steps: %+v", move)
	}

	// Batch: "steps" as a list of actions.
	var batch Request
	raw := `{"steps": [{"action": "navigate", "params": {"url": "https://example.com"}}, {"action": "reload"}]}`
	if err := json.Unmarshal([]byte(raw), &batch); err != nil {
		t.Fatal(err)
	}
	if len(batch.RunSteps) != 2 || batch.RunSteps[0].Action != "navigate" {
		t.Fatalf("list steps: %+v", batch.RunSteps)
	}
	if batch.Steps != 0 {
		t.Fatalf("numeric steps leaked: %d", batch.Steps)
	}

	// Neither a count nor a step list is an error, not a silent drop.
	var bad Request
	if err := json.Unmarshal([]byte(`{"steps": "soon"}`), &bad); err == nil {
		t.Fatal("string steps decoded without error")
	}
}

func TestRequest_TargetKind(t *testing.T) {
	if got := (&Request{Selector: "#a"}).TargetKind(); got != "selector" {
		t.Fatalf("TargetKind = %q", got)
	}
	if got := (&Request{ElementID: "e1"}).TargetKind(); got != "element_id" {
		t.Fatalf("TargetKind = %q", got)
	}
	if got := (&Request{RefID: "snap_a:e0"}).TargetKind(); got != "ref_id" {
		t.Fatalf("TargetKind = %q", got)
	}
	if got := (&Request{}).TargetKind(); got != "" {
		t.Fatalf("TargetKind = %q", got)
	}
}
