package pipeline

import (
	"encoding/json"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// Stability is the optional per-request stability middleware config.
type Stability struct {
	WaitBeforeMs    int `json:"wait_before_ms,omitempty"`
	WaitAfterMs     int `json:"wait_after_ms,omitempty"`
	WaitDomStableMs int `json:"wait_dom_stable_ms,omitempty"`
}

// Step is one entry of a run_steps request.
type Step struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params"`
}

// Request is the decoded body of an action endpoint. One schema covers
// every verb; preflight enforces which fields each verb accepts.
type Request struct {
	// Target union: exactly one of these for targeted verbs.
	Selector  string `json:"selector,omitempty"`
	ElementID string `json:"element_id,omitempty"`
	RefID     string `json:"ref_id,omitempty"`

	Frame *driver.FrameSelector `json:"frame,omitempty"`

	// Pipeline controls.
	TimeoutMs int        `json:"timeout_ms,omitempty"`
	Purpose   string     `json:"purpose,omitempty"`
	Operator  string     `json:"operator,omitempty"`
	Sensitive bool       `json:"sensitive,omitempty"`
	Retry     bool       `json:"retry,omitempty"`
	Stability *Stability `json:"stability,omitempty"`
	Executor  string     `json:"executor,omitempty"` // high_level (default), low_level, auto_fallback

	// Navigation.
	URL       string `json:"url,omitempty"`
	WaitUntil string `json:"wait_until,omitempty"` // load, domcontentloaded, networkidle, commit

	// Input values.
	Value        string   `json:"value,omitempty"`
	Text         string   `json:"text,omitempty"`
	Key          string   `json:"key,omitempty"`
	Values       []string `json:"values,omitempty"`
	FillStrategy string   `json:"fill_strategy,omitempty"` // fill (default) or type
	CharDelayMs  int      `json:"char_delay_ms,omitempty"`
	Button       string   `json:"button,omitempty"`
	ClickCount   int      `json:"click_count,omitempty"`

	// Coordinates and wheel.
	X      *float64 `json:"x,omitempty"`
	Y      *float64 `json:"y,omitempty"`
	ToX    *float64 `json:"to_x,omitempty"`
	ToY    *float64 `json:"to_y,omitempty"`
	DeltaX float64  `json:"delta_x,omitempty"`
	DeltaY float64  `json:"delta_y,omitempty"`
	Steps  int      `json:"-"` // wire field "steps", routed in UnmarshalJSON

	// Drag target (source comes from the target union).
	ToSelector string `json:"to_selector,omitempty"`

	// Scrolling.
	Direction   string `json:"direction,omitempty"` // up, down, left, right
	AmountPx    int    `json:"amount_px,omitempty"`
	MaxScrolls  int    `json:"max_scrolls,omitempty"`
	MaxLoads    int    `json:"max_loads,omitempty"`
	StallMs     int    `json:"stall_ms,omitempty"`
	StepDelayMs int    `json:"step_delay_ms,omitempty"`
	ItemCount   int    `json:"item_count,omitempty"`
	ItemSelector string `json:"item_selector,omitempty"`
	ButtonSelector string `json:"button_selector,omitempty"`

	// Eval / extract / find / get / assert.
	Expression string `json:"expression,omitempty"`
	Arg        any    `json:"arg,omitempty"`
	Attribute  string `json:"attribute,omitempty"`
	AttrName   string `json:"attr_name,omitempty"`
	Format     string `json:"format,omitempty"` // extract: text, html, markdown
	Limit      int    `json:"limit,omitempty"`
	QueryType  string `json:"query_type,omitempty"` // find: role, text, label, placeholder
	Query      string `json:"query,omitempty"`
	Exact      bool   `json:"exact,omitempty"`
	Property   string `json:"property,omitempty"`
	Expected   *bool  `json:"expected,omitempty"`

	// Waits.
	State           string `json:"state,omitempty"`       // wait_for_selector: visible, hidden, attached, detached
	LoadState       string `json:"load_state,omitempty"`  // load, domcontentloaded, networkidle
	URLContains     string `json:"url_contains,omitempty"`
	URLPattern      string `json:"url_pattern,omitempty"`
	DomStableMs     int    `json:"dom_stable_ms,omitempty"`
	OverlaySelector string `json:"overlay_selector,omitempty"`

	// Element map / snapshots.
	Scope            string `json:"scope,omitempty"`
	IncludeUnlabeled bool   `json:"include_unlabeled,omitempty"`

	// Screenshots.
	FullPage   bool        `json:"full_page,omitempty"`
	Quality    int         `json:"quality,omitempty"`
	Highlights []Highlight `json:"highlights,omitempty"`

	// Uploads and downloads.
	FilePath string `json:"file_path,omitempty"`
	Filename string `json:"filename,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	MaxBytes int64  `json:"max_bytes,omitempty"`

	// Viewport and emulation.
	Width  int      `json:"width,omitempty"`
	Height int      `json:"height,omitempty"`
	Scale  float64  `json:"scale,omitempty"`
	Mobile bool     `json:"mobile,omitempty"`
	Conditions *driver.NetworkConditions `json:"conditions,omitempty"`

	// run_steps.
	RunSteps    []Step `json:"-"` // wire field "steps", routed in UnmarshalJSON
	StopOnError *bool  `json:"stop_on_error,omitempty"`
}

// Highlight is one annotated_screenshot overlay.
type Highlight struct {
	Selector string `json:"selector"`
	Color    string `json:"color,omitempty"`
	Label    string `json:"label,omitempty"`
}

// UnmarshalJSON routes the dual-typed "steps" field: run_steps sends a
// list of steps, mouse verbs send a smoothing count. The Steps/RunSteps
// struct fields are unmapped so the alias decode never sees the key.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var peek struct {
		Steps json.RawMessage `json:"steps"`
	}
	if err := json.Unmarshal(data, &peek); err == nil && len(peek.Steps) > 0 {
		var n int
		if json.Unmarshal(peek.Steps, &n) == nil {
			a.Steps = n
		} else {
			var steps []Step
			if err := json.Unmarshal(peek.Steps, &steps); err != nil {
				return err
			}
			a.RunSteps = steps
		}
	}
	*r = Request(a)
	return nil
}

// TargetKind reports which member of the target union is set.
func (r *Request) TargetKind() string {
	switch {
	case r.RefID != "":
		return "ref_id"
	case r.ElementID != "":
		return "element_id"
	case r.Selector != "":
		return "selector"
	default:
		return ""
	}
}

// SelectorLabel is the human-readable target used in audit entries.
func (r *Request) SelectorLabel() string {
	switch r.TargetKind() {
	case "ref_id":
		return r.RefID
	case "element_id":
		return r.ElementID
	default:
		return r.Selector
	}
}
