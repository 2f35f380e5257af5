package pipeline

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/agentmb/internal/driver"
)

const pollInterval = 100 * time.Millisecond

func handleNavigate(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.Navigate(ctx, ex.req.URL, ex.req.WaitUntil); err != nil {
		return nil, err
	}
	out := map[string]any{"url": ex.page.URL()}
	if title, err := ex.page.Title(ctx); err == nil {
		out["title"] = title
	}
	return out, nil
}

func handleBack(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.Back(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"url": ex.page.URL()}, nil
}

func handleForward(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.Forward(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"url": ex.page.URL()}, nil
}

func handleReload(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.Reload(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"url": ex.page.URL()}, nil
}

// handleWaitPageStable waits for document readiness, then an optional
// quiet window where the DOM stops mutating, then an optional overlay
// to disappear.
func handleWaitPageStable(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := pollUntil(ctx, func() (bool, error) {
		return ex.page.ReadyState(ctx) == "complete", nil
	}); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_page_stable", err)
	}

	if quiet := ex.req.DomStableMs; quiet > 0 {
		if err := waitDOMQuiet(ctx, ex.page, time.Duration(quiet)*time.Millisecond); err != nil {
			return nil, err
		}
	}

	if sel := ex.req.OverlaySelector; sel != "" {
		loc := ex.page.Locate(sel)
		if n, err := loc.Count(ctx); err == nil && n > 0 {
			if err := loc.WaitFor(ctx, "hidden"); err != nil {
				return nil, err
			}
		}
	}
	return map[string]any{"ready_state": "complete"}, nil
}

// waitDOMQuiet samples the serialized document size until it holds still
// for the full quiet window.
func waitDOMQuiet(ctx context.Context, page driver.Page, quiet time.Duration) error {
	var lastSize float64 = -1
	stableSince := time.Now()
	for {
		size, err := evalFloat(ctx, page, `() => document.documentElement.outerHTML.length`)
		if err != nil {
			return err
		}
		now := time.Now()
		if size != lastSize {
			lastSize = size
			stableSince = now
		} else if now.Sub(stableSince) >= quiet {
			return nil
		}
		if err := sleepFor(ctx, pollInterval); err != nil {
			return driver.NewError(driver.KindTimeout, "wait_page_stable", err)
		}
	}
}

func handleWaitForSelector(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	state := ex.req.State
	if state == "" {
		state = "visible"
	}
	if err := res.loc.WaitFor(ctx, state); err != nil {
		return nil, err
	}
	return map[string]any{"state": state}, nil
}

func handleWaitForURL(ctx context.Context, ex *execCtx) (map[string]any, error) {
	match := func(u string) bool {
		if ex.req.URLContains != "" {
			return strings.Contains(u, ex.req.URLContains)
		}
		return globMatch(ex.req.URLPattern, u)
	}
	if err := pollUntil(ctx, func() (bool, error) {
		return match(ex.page.URL()), nil
	}); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_for_url", err)
	}
	return map[string]any{"url": ex.page.URL()}, nil
}

// handleWaitForResponse watches the page's resource timing entries for a
// fetch matching the pattern. Entries predating the call do not count.
func handleWaitForResponse(ctx context.Context, ex *execCtx) (map[string]any, error) {
	baseline, err := evalFloat(ctx, ex.page, `() => performance.getEntriesByType('resource').length`)
	if err != nil {
		return nil, err
	}

	var matched string
	check := func() (bool, error) {
		raw, err := ex.page.Evaluate(ctx,
			`(skip) => performance.getEntriesByType('resource').slice(skip).map(e => e.name)`,
			int(baseline))
		if err != nil {
			return false, err
		}
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return false, nil
		}
		for _, name := range names {
			if globMatch(ex.req.URLPattern, name) {
				matched = name
				return true, nil
			}
		}
		return false, nil
	}
	if err := pollUntil(ctx, check); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_for_response", err)
	}
	return map[string]any{"url": matched}, nil
}

func handleWaitText(ctx context.Context, ex *execCtx) (map[string]any, error) {
	scope, err := resolveScope(ctx, ex.page, ex.req)
	if err != nil {
		return nil, err
	}
	sel := ex.req.Selector
	check := func() (bool, error) {
		if sel != "" {
			return evalBool(ctx, scope,
				`(sel, t) => {
					const el = document.querySelector(sel);
					return !!el && el.innerText.includes(t);
				}`, sel, ex.req.Text)
		}
		return evalBool(ctx, scope, `(t) => document.body.innerText.includes(t)`, ex.req.Text)
	}
	if err := pollUntil(ctx, check); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_text", err)
	}
	return map[string]any{"text": ex.req.Text}, nil
}

func handleWaitLoadState(ctx context.Context, ex *execCtx) (map[string]any, error) {
	state := ex.req.LoadState
	var check func() (bool, error)
	switch state {
	case "domcontentloaded":
		check = func() (bool, error) {
			rs := ex.page.ReadyState(ctx)
			return rs == "interactive" || rs == "complete", nil
		}
	case "networkidle":
		// Readiness first, then no new resource entries for 500ms.
		if err := pollUntil(ctx, func() (bool, error) {
			return ex.page.ReadyState(ctx) == "complete", nil
		}); err != nil {
			return nil, driver.NewError(driver.KindTimeout, "wait_load_state", err)
		}
		lastCount := -1.0
		idleSince := time.Now()
		check = func() (bool, error) {
			n, err := evalFloat(ctx, ex.page, `() => performance.getEntriesByType('resource').length`)
			if err != nil {
				return false, err
			}
			now := time.Now()
			if n != lastCount {
				lastCount = n
				idleSince = now
				return false, nil
			}
			return now.Sub(idleSince) >= 500*time.Millisecond, nil
		}
	default: // load
		check = func() (bool, error) {
			return ex.page.ReadyState(ctx) == "complete", nil
		}
	}
	if err := pollUntil(ctx, check); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_load_state", err)
	}
	return map[string]any{"load_state": state}, nil
}

// handleWaitFunction polls the expression until it evaluates truthy.
func handleWaitFunction(ctx context.Context, ex *execCtx) (map[string]any, error) {
	scope, err := resolveScope(ctx, ex.page, ex.req)
	if err != nil {
		return nil, err
	}
	var value json.RawMessage
	check := func() (bool, error) {
		raw, err := evalExpr(ctx, scope, ex.req.Expression, ex.req.Arg)
		if err != nil {
			return false, err
		}
		if truthy(raw) {
			value = raw
			return true, nil
		}
		return false, nil
	}
	if err := pollUntil(ctx, check); err != nil {
		return nil, driver.NewError(driver.KindTimeout, "wait_function", err)
	}
	return map[string]any{"value": value}, nil
}

// pollUntil runs check on the poll interval until it reports true or the
// context deadline ends. Evaluation errors abort immediately.
func pollUntil(ctx context.Context, check func() (bool, error)) error {
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := sleepFor(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// truthy applies JS truthiness to a JSON-encoded eval result.
func truthy(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	switch s {
	case "", "null", "false", "0", `""`:
		return false
	}
	return true
}

// globMatch matches s against a pattern where * spans any run of
// characters. A pattern without wildcards matches as a substring.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return strings.Contains(s, pattern)
	}
	parts := strings.Split(pattern, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(s)
}
