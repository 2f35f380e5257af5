package pipeline

import "fmt"

// Parameter bounds. Wire-visible: preflight 400s quote them.
const (
	minTimeoutMs   = 50
	maxTimeoutMs   = 60000
	maxValueLen    = 100000
	maxCoordinate  = 100000
	maxWheelDelta  = 20000
	defaultTimeout = 10000
)

// verbTraits classifies each verb for preflight and the policy gate.
type verbTraits struct {
	needsTarget  bool // exactly one of selector / element_id / ref_id
	allowsTarget bool // target union accepted but optional
	mutating     bool // policy-gated, audited as "action"
}

var verbs = map[string]verbTraits{
	"navigate":             {mutating: true},
	"back":                 {mutating: true},
	"forward":              {mutating: true},
	"reload":               {mutating: true},
	"click":                {needsTarget: true, mutating: true},
	"dblclick":             {needsTarget: true, mutating: true},
	"fill":                 {needsTarget: true, mutating: true},
	"type":                 {needsTarget: true, mutating: true},
	"press":                {allowsTarget: true, mutating: true},
	"select":               {needsTarget: true, mutating: true},
	"hover":                {needsTarget: true, mutating: true},
	"focus":                {needsTarget: true, mutating: true},
	"check":                {needsTarget: true, mutating: true},
	"uncheck":              {needsTarget: true, mutating: true},
	"scroll":               {allowsTarget: true, mutating: true},
	"scroll_into_view":     {needsTarget: true, mutating: true},
	"drag":                 {needsTarget: true, mutating: true},
	"mouse_move":           {allowsTarget: true, mutating: true},
	"mouse_down":           {mutating: true},
	"mouse_up":             {mutating: true},
	"key_down":             {mutating: true},
	"key_up":               {mutating: true},
	"click_at":             {mutating: true},
	"wheel":                {mutating: true},
	"insert_text":          {mutating: true},
	"bbox":                 {needsTarget: true},
	"eval":                 {mutating: true},
	"extract":              {needsTarget: true},
	"screenshot":           {},
	"annotated_screenshot": {},
	"pdf":                  {},
	"element_map":          {},
	"snapshot_map":         {},
	"page_rev":             {},
	"get":                  {needsTarget: true},
	"assert":               {needsTarget: true},
	"wait_page_stable":     {},
	"wait_for_selector":    {needsTarget: true},
	"wait_for_url":         {},
	"wait_for_response":    {},
	"wait_text":            {allowsTarget: true},
	"wait_load_state":      {},
	"wait_function":        {},
	"scroll_until":         {mutating: true},
	"load_more_until":      {mutating: true},
	"upload":               {needsTarget: true, mutating: true},
	"upload_url":           {needsTarget: true, mutating: true},
	"download":             {allowsTarget: true, mutating: true},
	"find":                 {},
	"run_steps":            {mutating: true},
	"set_viewport":         {mutating: true},
	"network_conditions":   {mutating: true},
	"clipboard_write":      {mutating: true},
	"clipboard_read":       {},
}

var enumFields = map[string]map[string]bool{
	"wait_until":    {"load": true, "domcontentloaded": true, "networkidle": true, "commit": true},
	"load_state":    {"load": true, "domcontentloaded": true, "networkidle": true},
	"fill_strategy": {"fill": true, "type": true},
	"query_type":    {"role": true, "text": true, "label": true, "placeholder": true},
	"executor":      {"high_level": true, "low_level": true, "auto_fallback": true},
	"button":        {"left": true, "right": true, "middle": true},
	"direction":     {"up": true, "down": true, "left": true, "right": true},
	"state":         {"visible": true, "hidden": true, "attached": true, "detached": true},
	"format":        {"text": true, "html": true, "markdown": true},
	"get_property":  {"text": true, "html": true, "value": true, "attr": true, "count": true, "box": true},
	"assert_property": {"visible": true, "enabled": true, "checked": true},
	"frame_type":    {"name": true, "url": true, "nth": true},
}

func checkEnum(field, value string) *PreflightError {
	if value == "" {
		return nil
	}
	allowed := enumFields[field]
	if !allowed[value] {
		return preflightErr(field, enumConstraint(field), "unknown value %q", value)
	}
	return nil
}

func enumConstraint(field string) string {
	allowed := enumFields[field]
	out := ""
	// Deterministic order matters for the wire; spell the common ones out.
	switch field {
	case "wait_until":
		return "one of load, domcontentloaded, networkidle, commit"
	case "load_state":
		return "one of load, domcontentloaded, networkidle"
	case "fill_strategy":
		return "one of fill, type"
	case "query_type":
		return "one of role, text, label, placeholder"
	case "executor":
		return "one of high_level, low_level, auto_fallback"
	case "button":
		return "one of left, right, middle"
	case "direction":
		return "one of up, down, left, right"
	case "state":
		return "one of visible, hidden, attached, detached"
	case "format":
		return "one of text, html, markdown"
	case "get_property":
		return "one of text, html, value, attr, count, box"
	case "assert_property":
		return "one of visible, enabled, checked"
	case "frame_type":
		return "one of name, url, nth"
	}
	for v := range allowed {
		if out != "" {
			out += ", "
		}
		out += v
	}
	return "one of " + out
}

// preflight validates the request against the verb's rules. Pure
// function over the parsed body; never touches the session.
func preflight(verb string, r *Request) error {
	traits, ok := verbs[verb]
	if !ok {
		return preflightErr("action", "known verb", "unknown action %q", verb)
	}

	if r.TimeoutMs != 0 && (r.TimeoutMs < minTimeoutMs || r.TimeoutMs > maxTimeoutMs) {
		return preflightErr("timeout_ms", fmt.Sprintf("range [%d, %d]", minTimeoutMs, maxTimeoutMs), "got %d", r.TimeoutMs)
	}
	if len(r.Value) > maxValueLen {
		return preflightErr("value", fmt.Sprintf("length <= %d", maxValueLen), "got %d characters", len(r.Value))
	}
	if len(r.Text) > maxValueLen {
		return preflightErr("text", fmt.Sprintf("length <= %d", maxValueLen), "got %d characters", len(r.Text))
	}

	targets := 0
	for _, set := range []bool{r.Selector != "", r.ElementID != "", r.RefID != ""} {
		if set {
			targets++
		}
	}
	if targets > 1 {
		return preflightErr("selector", "exactly one of selector, element_id, ref_id", "got %d target fields", targets)
	}
	if traits.needsTarget && targets == 0 {
		return preflightErr("selector", "one of selector, element_id, ref_id required", "action %q needs a target", verb)
	}

	for _, c := range []struct {
		name string
		v    *float64
	}{{"x", r.X}, {"y", r.Y}, {"to_x", r.ToX}, {"to_y", r.ToY}} {
		if c.v != nil && (*c.v < -maxCoordinate || *c.v > maxCoordinate) {
			return preflightErr(c.name, fmt.Sprintf("range [%d, %d]", -maxCoordinate, maxCoordinate), "got %v", *c.v)
		}
	}
	if r.DeltaX < -maxWheelDelta || r.DeltaX > maxWheelDelta {
		return preflightErr("delta_x", fmt.Sprintf("range [%d, %d]", -maxWheelDelta, maxWheelDelta), "got %v", r.DeltaX)
	}
	if r.DeltaY < -maxWheelDelta || r.DeltaY > maxWheelDelta {
		return preflightErr("delta_y", fmt.Sprintf("range [%d, %d]", -maxWheelDelta, maxWheelDelta), "got %v", r.DeltaY)
	}
	if r.Steps < 0 {
		return preflightErr("steps", ">= 1", "got %d", r.Steps)
	}
	if r.CharDelayMs < 0 || r.CharDelayMs > 10000 {
		return preflightErr("char_delay_ms", "range [0, 10000]", "got %d", r.CharDelayMs)
	}

	if err := checkEnum("wait_until", r.WaitUntil); err != nil {
		return err
	}
	if err := checkEnum("load_state", r.LoadState); err != nil {
		return err
	}
	if err := checkEnum("fill_strategy", r.FillStrategy); err != nil {
		return err
	}
	if err := checkEnum("executor", r.Executor); err != nil {
		return err
	}
	if err := checkEnum("button", r.Button); err != nil {
		return err
	}
	if err := checkEnum("direction", r.Direction); err != nil {
		return err
	}
	if err := checkEnum("state", r.State); err != nil {
		return err
	}
	if r.Frame != nil {
		if err := checkEnum("frame_type", r.Frame.Type); err != nil {
			return err
		}
		if r.Frame.Value == "" {
			return preflightErr("frame", "value required", "frame selector needs a value")
		}
	}

	switch verb {
	case "navigate":
		if r.URL == "" {
			return preflightErr("url", "required", "navigate needs a url")
		}
	case "fill", "type", "insert_text":
		// value/text may legitimately be empty (clearing a field).
	case "press", "key_down", "key_up":
		if r.Key == "" {
			return preflightErr("key", "required", "%s needs a key", verb)
		}
	case "select":
		if len(r.Values) == 0 {
			return preflightErr("values", "non-empty list", "select needs at least one value")
		}
	case "click_at":
		if r.X == nil || r.Y == nil {
			return preflightErr("x", "x and y required", "click_at needs coordinates")
		}
	case "mouse_move":
		if targets == 0 && (r.X == nil || r.Y == nil) {
			return preflightErr("x", "coordinates or a target required", "mouse_move needs x/y or a target")
		}
	case "drag":
		if r.ToSelector == "" && (r.ToX == nil || r.ToY == nil) {
			return preflightErr("to_selector", "to_selector or to_x/to_y required", "drag needs a destination")
		}
	case "eval", "wait_function":
		if r.Expression == "" {
			return preflightErr("expression", "required", "%s needs an expression", verb)
		}
	case "extract":
		if err := checkEnum("format", r.Format); err != nil {
			return err
		}
	case "get":
		if err := checkEnum("get_property", r.Property); err != nil {
			return err
		}
		if r.Property == "" {
			return preflightErr("property", "required", "get needs a property")
		}
		if r.Property == "attr" && r.AttrName == "" {
			return preflightErr("attr_name", "required for property=attr", "get attr needs attr_name")
		}
	case "assert":
		if err := checkEnum("assert_property", r.Property); err != nil {
			return err
		}
		if r.Property == "" {
			return preflightErr("property", "required", "assert needs a property")
		}
	case "find":
		if err := checkEnum("query_type", r.QueryType); err != nil {
			return err
		}
		if r.QueryType == "" || r.Query == "" {
			return preflightErr("query", "query_type and query required", "find needs a query")
		}
	case "wait_for_url":
		if r.URLContains == "" && r.URLPattern == "" {
			return preflightErr("url_contains", "url_contains or url_pattern required", "wait_for_url needs a pattern")
		}
	case "wait_for_response":
		if r.URLPattern == "" {
			return preflightErr("url_pattern", "required", "wait_for_response needs a url_pattern")
		}
	case "wait_text":
		if r.Text == "" {
			return preflightErr("text", "required", "wait_text needs text")
		}
	case "wait_load_state":
		if r.LoadState == "" {
			return preflightErr("load_state", "required", "wait_load_state needs a load_state")
		}
	case "scroll_until":
		if r.Selector == "" && r.Text == "" && r.ItemCount == 0 {
			return preflightErr("selector", "a stop condition required", "scroll_until needs selector, text or item_count")
		}
		if r.ItemCount > 0 && r.ItemSelector == "" {
			return preflightErr("item_selector", "required with item_count", "counting needs item_selector")
		}
	case "load_more_until":
		if r.ButtonSelector == "" {
			return preflightErr("button_selector", "required", "load_more_until needs button_selector")
		}
	case "upload":
		if r.FilePath == "" && r.Data == "" {
			return preflightErr("file_path", "file_path or data required", "upload needs file content")
		}
	case "upload_url", "download":
		if verb == "upload_url" && r.URL == "" {
			return preflightErr("url", "required", "upload_url needs a url")
		}
		if verb == "download" && r.URL == "" && targets == 0 {
			return preflightErr("url", "url or a target required", "download needs a source")
		}
	case "run_steps":
		if len(r.RunSteps) == 0 {
			return preflightErr("steps", "non-empty list", "run_steps needs steps")
		}
		for i, st := range r.RunSteps {
			if st.Action == "" {
				return preflightErr("steps", "each step needs an action", "step %d has no action", i)
			}
			if st.Action == "run_steps" {
				return preflightErr("steps", "no nested run_steps", "step %d nests run_steps", i)
			}
		}
	case "set_viewport":
		if r.Width < 1 || r.Width > 10000 || r.Height < 1 || r.Height > 10000 {
			return preflightErr("width", "range [1, 10000]", "viewport %dx%d out of range", r.Width, r.Height)
		}
	}
	return nil
}

// isMutating reports whether the verb passes the policy gate.
func isMutating(verb string) bool { return verbs[verb].mutating }
