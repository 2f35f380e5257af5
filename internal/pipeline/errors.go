package pipeline

import (
	"fmt"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// PreflightError is a request parameter violation. HTTP 400.
type PreflightError struct {
	Field      string `json:"field"`
	Constraint string `json:"constraint"`
	Message    string `json:"message"`
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight failed: %s: %s", e.Field, e.Message)
}

func preflightErr(field, constraint, format string, args ...any) *PreflightError {
	return &PreflightError{Field: field, Constraint: constraint, Message: fmt.Sprintf(format, args...)}
}

// FrameNotFoundError reports a missed frame lookup with what exists.
// HTTP 422.
type FrameNotFoundError struct {
	Selector  driver.FrameSelector
	Available []driver.FrameInfo
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame not found: %s=%q (%d frames available)", e.Selector.Type, e.Selector.Value, len(e.Available))
}

// Diagnostics is the enrichment block attached to action failures.
type Diagnostics struct {
	URL             string               `json:"url,omitempty"`
	Title           string               `json:"title,omitempty"`
	ReadyState      string               `json:"readyState,omitempty"`
	ElapsedMs       int64                `json:"elapsedMs"`
	RecoveryHint    string               `json:"recovery_hint,omitempty"`
	FrameSelector   *driver.FrameSelector `json:"frame_selector,omitempty"`
	AvailableFrames []driver.FrameInfo   `json:"available_frames,omitempty"`
}

// ActionError is a failed action with full diagnostics. HTTP 422.
type ActionError struct {
	Code    string // wire "error" field, e.g. "timeout", "element_not_found"
	Message string
	Diag    Diagnostics
	cause   error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ActionError) Unwrap() error { return e.cause }

// recoveryHint maps an error kind to a short human recovery suggestion.
func recoveryHint(kind driver.Kind) string {
	switch kind {
	case driver.KindTimeout:
		return "operation timed out; retry after wait_page_stable or raise timeout_ms"
	case driver.KindNotFound:
		return "element not found within timeout; retry after wait_page_stable or call snapshot_map for fresh refs"
	case driver.KindObstructed:
		return "another element covers the target; try executor=auto_fallback or scroll_into_view first"
	case driver.KindNotClickable:
		return "target cannot receive the interaction; check visibility or pick a different selector"
	case driver.KindEval:
		return "script failed to evaluate; check the expression syntax"
	case driver.KindNavigation:
		return "navigation failed; verify the URL is reachable"
	default:
		return ""
	}
}
