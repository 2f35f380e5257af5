package browser

import (
	"context"
	"errors"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// classify maps engine failures onto the driver error taxonomy so the
// pipeline can pick between auto-fallback, 422 diagnostics, and 500.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *driver.Error
	if errors.As(err, &de) {
		return err
	}

	kind := driver.KindDriver
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		kind = driver.KindTimeout
	case errors.Is(err, &rod.ElementNotFoundError{}) || errors.Is(err, &rod.ObjectNotFoundError{}):
		kind = driver.KindNotFound
	case errors.Is(err, &rod.CoveredError{}) || errors.Is(err, &rod.NoPointerEventsError{}):
		kind = driver.KindObstructed
	case errors.Is(err, &rod.NotInteractableError{}) || errors.Is(err, &rod.InvisibleShapeError{}):
		kind = driver.KindNotClickable
	case errors.Is(err, &rod.EvalError{}):
		kind = driver.KindEval
	case errors.Is(err, &rod.NavigationError{}):
		kind = driver.KindNavigation
	}
	return driver.NewError(kind, op, err)
}
