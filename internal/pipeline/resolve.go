package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/session"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

// resolved is the outcome of target resolution for one request: the
// locator scope (page or frame), the CSS the locator was built from, and
// the page revision observed when a ref was resolved.
type resolved struct {
	scope driver.Target
	loc   driver.Locator
	css   string

	usedRef      bool
	revAtResolve int64
}

// resolveScope picks the locator scope: the page itself, or the frame the
// request names. A missed frame lookup carries the available frames.
func resolveScope(ctx context.Context, page driver.Page, r *Request) (driver.Target, error) {
	if r.Frame == nil {
		return page, nil
	}
	target, err := page.Frame(ctx, *r.Frame)
	if err != nil {
		infos, infoErr := page.FrameInfos(ctx)
		if infoErr != nil {
			infos = nil
		}
		return nil, &FrameNotFoundError{Selector: *r.Frame, Available: infos}
	}
	return target, nil
}

// resolveTarget turns the request's target union into a locator. Refs
// resolve through the snapshot registry under the page-rev guard;
// element ids address the scan attribute directly; selectors pass
// through as-is.
func resolveTarget(ctx context.Context, sess *session.Session, page driver.Page, r *Request) (*resolved, error) {
	scope, err := resolveScope(ctx, page, r)
	if err != nil {
		return nil, err
	}

	res := &resolved{scope: scope}
	switch r.TargetKind() {
	case "ref_id":
		rev := sess.Rev.Current()
		el, err := sess.Snapshots.Resolve(r.RefID, rev)
		if err != nil {
			return nil, err
		}
		res.css = elementCSS(el.ElementID)
		res.usedRef = true
		res.revAtResolve = rev
	case "element_id":
		res.css = elementCSS(r.ElementID)
	case "selector":
		res.css = r.Selector
	default:
		return nil, preflightErr("selector", "target required", "no target in request")
	}
	res.loc = scope.Locate(res.css)
	return res, nil
}

// recheckRev is the second phase of the ref guard: after the locator
// resolved but before the interaction, the revision must still match
// what the ref was checked against. Catches navigations that land
// between resolution and use.
func (res *resolved) recheckRev(sess *session.Session, refID string) error {
	if !res.usedRef {
		return nil
	}
	if cur := sess.Rev.Current(); cur != res.revAtResolve {
		return &snapshot.StaleRefError{
			RefID:       refID,
			SnapshotRev: res.revAtResolve,
			CurrentRev:  cur,
			Suggestion:  fmt.Sprintf("page changed during the action; call snapshot_map again (current page_rev %d)", cur),
		}
	}
	return nil
}

// isStaleOrBadRef matches the ref errors the HTTP layer maps itself
// (409 stale, 400 malformed).
func isStaleOrBadRef(err error) bool {
	var stale *snapshot.StaleRefError
	var bad *snapshot.BadRefError
	return errors.As(err, &stale) || errors.As(err, &bad)
}

// elementCSS addresses an element tagged by the scan script.
func elementCSS(elementID string) string {
	return fmt.Sprintf("[data-agentmb-id='%s']", elementID)
}
