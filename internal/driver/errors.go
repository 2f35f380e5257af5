package driver

import (
	"errors"
	"fmt"
)

// Kind classifies a driver failure so the pipeline can decide between the
// auto-fallback retry, a 422 with diagnostics, or a 500.
type Kind int

const (
	// KindDriver is an unexpected engine or protocol failure. Maps to 500.
	KindDriver Kind = iota
	// KindTimeout means the operation did not finish within its budget.
	KindTimeout
	// KindNotFound means the locator matched no node.
	KindNotFound
	// KindObstructed means another element intercepted the interaction.
	KindObstructed
	// KindNotClickable means the node cannot receive the interaction
	// (zero-size, disabled wrapper, detached mid-action).
	KindNotClickable
	// KindEval is a script compile or runtime error from evaluate.
	KindEval
	// KindNavigation is a failed navigation (DNS, aborted, bad scheme).
	KindNavigation
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNotFound:
		return "element_not_found"
	case KindObstructed:
		return "element_obstructed"
	case KindNotClickable:
		return "not_clickable"
	case KindEval:
		return "eval_error"
	case KindNavigation:
		return "navigation_error"
	default:
		return "driver_error"
	}
}

// Error is the only error type the adapter returns for engine failures.
type Error struct {
	Kind Kind
	Op   string // the adapter operation, e.g. "click", "navigate"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("driver: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("driver: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps an engine failure with its classification.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the Kind from an error chain, defaulting to KindDriver.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindDriver
}

// Retriable reports whether the auto-fallback coordinate track may retry
// after this failure.
func Retriable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindObstructed, KindNotClickable:
		return true
	}
	return false
}
