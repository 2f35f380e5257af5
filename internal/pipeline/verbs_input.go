package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/agentmb/internal/driver"
)

const (
	defaultScrollPx   = 600
	defaultDragSteps  = 10
	defaultMaxScrolls = 20
	defaultMaxLoads   = 10
	defaultStepDelay  = 300 * time.Millisecond
	defaultStallWait  = 800 * time.Millisecond
	maxDownloadBytes  = 32 << 20
)

func (ex *execCtx) resolve(ctx context.Context) (*resolved, error) {
	return resolveTarget(ctx, ex.sess, ex.page, ex.req)
}

func handleClick(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.recheckRev(ex.sess, ex.req.RefID); err != nil {
		return nil, err
	}
	count := ex.req.ClickCount
	if count < 1 {
		count = 1
	}
	if err := ex.click(ctx, res, count); err != nil {
		return nil, err
	}
	return nil, nil
}

func handleDblClick(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.recheckRev(ex.sess, ex.req.RefID); err != nil {
		return nil, err
	}
	if err := ex.click(ctx, res, 2); err != nil {
		return nil, err
	}
	return nil, nil
}

// click dispatches on the executor mode. auto_fallback retries a
// high-level click that timed out or failed retriably (obstructed,
// unclickable) as raw coordinate input at the element's center.
func (ex *execCtx) click(ctx context.Context, res *resolved, count int) error {
	opts := driver.ClickOptions{Button: ex.req.Button, Count: count}
	switch ex.req.Executor {
	case "low_level":
		ex.executedVia = "low_level"
		return ex.rawClick(ctx, res, count)
	case "auto_fallback":
		err := res.loc.Click(ctx, opts)
		if err == nil {
			ex.executedVia = "high_level"
			return nil
		}
		if !driver.Retriable(err) {
			return err
		}
		if ferr := ex.rawClick(ctx, res, count); ferr != nil {
			return err // report the original, more precise failure
		}
		ex.executedVia = "low_level"
		return nil
	default:
		return res.loc.Click(ctx, opts)
	}
}

// rawClick synthesizes the click as mouse events at the element center.
func (ex *execCtx) rawClick(ctx context.Context, res *resolved, count int) error {
	box, err := res.loc.BoundingBox(ctx)
	if err != nil {
		return err
	}
	if box == nil || box.Width <= 0 || box.Height <= 0 {
		return driver.NewError(driver.KindNotClickable, "click", errors.New("element has no visible box"))
	}
	x, y := box.Center()
	if err := ex.page.MouseMove(ctx, x, y, 1); err != nil {
		return err
	}
	button := ex.req.Button
	if button == "" {
		button = "left"
	}
	for i := 0; i < count; i++ {
		if err := ex.page.MouseDown(ctx, button); err != nil {
			return err
		}
		if err := ex.page.MouseUp(ctx, button); err != nil {
			return err
		}
	}
	return nil
}

func handleFill(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.recheckRev(ex.sess, ex.req.RefID); err != nil {
		return nil, err
	}
	if ex.req.FillStrategy == "type" {
		delay := time.Duration(ex.req.CharDelayMs) * time.Millisecond
		if err := res.loc.Type(ctx, ex.req.Value, delay); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, res.loc.Fill(ctx, ex.req.Value)
}

func handleType(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	delay := time.Duration(ex.req.CharDelayMs) * time.Millisecond
	return nil, res.loc.Type(ctx, ex.req.Text, delay)
}

func handlePress(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if ex.req.TargetKind() != "" {
		res, err := ex.resolve(ctx)
		if err != nil {
			return nil, err
		}
		return nil, res.loc.Press(ctx, ex.req.Key)
	}
	return nil, ex.page.Press(ctx, ex.req.Key)
}

func handleSelect(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	selected, err := res.loc.SelectOptions(ctx, ex.req.Values)
	if err != nil {
		return nil, err
	}
	return map[string]any{"selected": selected}, nil
}

func handleHover(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return nil, res.loc.Hover(ctx)
}

func handleFocus(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return nil, res.loc.Focus(ctx)
}

func handleCheck(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return nil, res.loc.SetChecked(ctx, true)
}

func handleUncheck(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	return nil, res.loc.SetChecked(ctx, false)
}

// scrollDelta maps direction plus amount to wheel deltas. Down is the
// default direction.
func scrollDelta(direction string, amount int) (float64, float64) {
	if amount <= 0 {
		amount = defaultScrollPx
	}
	switch direction {
	case "up":
		return 0, float64(-amount)
	case "left":
		return float64(-amount), 0
	case "right":
		return float64(amount), 0
	default:
		return 0, float64(amount)
	}
}

func handleScroll(ctx context.Context, ex *execCtx) (map[string]any, error) {
	dx, dy := scrollDelta(ex.req.Direction, ex.req.AmountPx)
	if ex.req.TargetKind() != "" {
		res, err := ex.resolve(ctx)
		if err != nil {
			return nil, err
		}
		scrolled, err := evalBool(ctx, res.scope,
			`(sel, dx, dy) => {
				const el = document.querySelector(sel);
				if (!el) throw new Error('scroll target not found');
				const before = el.scrollTop + el.scrollLeft;
				el.scrollBy(dx, dy);
				return (el.scrollTop + el.scrollLeft) !== before;
			}`, res.css, dx, dy)
		if err != nil {
			return nil, err
		}
		return ex.scrollResult(ctx, scrolled), nil
	}

	before, err := evalFloat(ctx, ex.page, `() => window.scrollY + window.scrollX`)
	if err != nil {
		return nil, err
	}
	if err := ex.page.MouseWheel(ctx, dx, dy); err != nil {
		return nil, err
	}
	after, err := evalFloat(ctx, ex.page, `() => window.scrollY + window.scrollX`)
	if err != nil {
		return nil, err
	}
	return ex.scrollResult(ctx, after != before), nil
}

// scrollResult reports whether anything moved; when nothing did, it
// scans for overflow:auto|scroll descendants so the caller can retarget
// the scroll at the real container.
func (ex *execCtx) scrollResult(ctx context.Context, scrolled bool) map[string]any {
	out := map[string]any{"session_id": ex.sess.ID, "scrolled": scrolled}
	if scrolled {
		return out
	}
	out["warning"] = "nothing scrolled; the page may delegate scrolling to an inner container"
	raw, err := ex.page.Evaluate(ctx,
		`() => {
			const hints = [];
			for (const el of document.querySelectorAll('*')) {
				const s = getComputedStyle(el);
				const scrollable = ['auto', 'scroll'].includes(s.overflowY) || ['auto', 'scroll'].includes(s.overflowX);
				if (!scrollable) continue;
				if (el.scrollHeight <= el.clientHeight && el.scrollWidth <= el.clientWidth) continue;
				let sel = el.tagName.toLowerCase();
				if (el.id) sel += '#' + el.id;
				else if (el.classList.length > 0) sel += '.' + el.classList[0];
				hints.push(sel);
				if (hints.length >= 5) break;
			}
			return hints;
		}`)
	if err != nil {
		return out
	}
	var hints []string
	if json.Unmarshal(raw, &hints) == nil && len(hints) > 0 {
		out["scrollable_hint"] = hints
	}
	return out
}

func handleScrollIntoView(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	if err := res.loc.ScrollIntoView(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"session_id": ex.sess.ID}, nil
}

func handleDrag(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	srcBox, err := res.loc.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	if srcBox == nil {
		return nil, driver.NewError(driver.KindNotClickable, "drag", errors.New("source has no visible box"))
	}

	var toX, toY float64
	if ex.req.ToSelector != "" {
		dstBox, err := res.scope.Locate(ex.req.ToSelector).BoundingBox(ctx)
		if err != nil {
			return nil, err
		}
		if dstBox == nil {
			return nil, driver.NewError(driver.KindNotClickable, "drag", errors.New("destination has no visible box"))
		}
		toX, toY = dstBox.Center()
	} else {
		toX, toY = *ex.req.ToX, *ex.req.ToY
	}

	steps := ex.req.Steps
	if steps < 1 {
		steps = defaultDragSteps
	}
	fromX, fromY := srcBox.Center()
	if err := ex.page.MouseMove(ctx, fromX, fromY, 1); err != nil {
		return nil, err
	}
	if err := ex.page.MouseDown(ctx, "left"); err != nil {
		return nil, err
	}
	if err := ex.page.MouseMove(ctx, toX, toY, steps); err != nil {
		ex.page.MouseUp(ctx, "left")
		return nil, err
	}
	if err := ex.page.MouseUp(ctx, "left"); err != nil {
		return nil, err
	}
	return map[string]any{"from": []float64{fromX, fromY}, "to": []float64{toX, toY}}, nil
}

func handleMouseMove(ctx context.Context, ex *execCtx) (map[string]any, error) {
	steps := ex.req.Steps
	if steps < 1 {
		steps = 1
	}
	var x, y float64
	if ex.req.TargetKind() != "" {
		res, err := ex.resolve(ctx)
		if err != nil {
			return nil, err
		}
		box, err := res.loc.BoundingBox(ctx)
		if err != nil {
			return nil, err
		}
		if box == nil {
			return nil, driver.NewError(driver.KindNotClickable, "mouse_move", errors.New("target has no visible box"))
		}
		x, y = box.Center()
	} else {
		x, y = *ex.req.X, *ex.req.Y
	}
	if err := ex.page.MouseMove(ctx, x, y, steps); err != nil {
		return nil, err
	}
	return map[string]any{"x": x, "y": y, "steps": steps}, nil
}

func handleMouseDown(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.MouseDown(ctx, buttonOrLeft(ex.req.Button))
}

func handleMouseUp(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.MouseUp(ctx, buttonOrLeft(ex.req.Button))
}

func buttonOrLeft(b string) string {
	if b == "" {
		return "left"
	}
	return b
}

func handleKeyDown(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.KeyDown(ctx, ex.req.Key)
}

func handleKeyUp(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.KeyUp(ctx, ex.req.Key)
}

func handleClickAt(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.MouseMove(ctx, *ex.req.X, *ex.req.Y, 1); err != nil {
		return nil, err
	}
	count := ex.req.ClickCount
	if count < 1 {
		count = 1
	}
	button := buttonOrLeft(ex.req.Button)
	for i := 0; i < count; i++ {
		if err := ex.page.MouseDown(ctx, button); err != nil {
			return nil, err
		}
		if err := ex.page.MouseUp(ctx, button); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func handleWheel(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.MouseWheel(ctx, ex.req.DeltaX, ex.req.DeltaY)
}

func handleInsertText(ctx context.Context, ex *execCtx) (map[string]any, error) {
	return nil, ex.page.InsertText(ctx, ex.req.Text)
}

func handleUpload(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}

	path := ex.req.FilePath
	if ex.req.Data != "" {
		raw, err := base64.StdEncoding.DecodeString(ex.req.Data)
		if err != nil {
			return nil, preflightErr("data", "valid base64", "%v", err)
		}
		name := ex.req.Filename
		if name == "" {
			name = "upload.bin"
		}
		dir, err := os.MkdirTemp("", "agentmb-upload-")
		if err != nil {
			return nil, fmt.Errorf("pipeline: upload staging: %w", err)
		}
		ex.sess.AddStagingDir(dir)
		path = filepath.Join(dir, filepath.Base(name))
		if err := os.WriteFile(path, raw, 0o600); err != nil {
			return nil, fmt.Errorf("pipeline: upload staging: %w", err)
		}
	}

	if err := res.loc.SetFiles(ctx, []string{path}); err != nil {
		return nil, err
	}
	return map[string]any{"files": []string{filepath.Base(path)}}, nil
}

// handleUploadURL stages a remote file locally and feeds it to the file
// input. The daemon fetches it, not the page, so no page cookies apply.
func handleUploadURL(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}

	limit := ex.req.MaxBytes
	if limit <= 0 {
		limit = maxDownloadBytes
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ex.req.URL, nil)
	if err != nil {
		return nil, preflightErr("url", "valid URL", "%v", err)
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch upload source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pipeline: fetch upload source: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetch upload source: %w", err)
	}
	if int64(len(raw)) > limit {
		return nil, fmt.Errorf("pipeline: upload source exceeds %d bytes", limit)
	}

	name := ex.req.Filename
	if name == "" {
		name = filepath.Base(httpReq.URL.Path)
		if name == "/" || name == "." || name == "" {
			name = "download.bin"
		}
	}
	dir, err := os.MkdirTemp("", "agentmb-upload-")
	if err != nil {
		return nil, fmt.Errorf("pipeline: upload staging: %w", err)
	}
	ex.sess.AddStagingDir(dir)
	path := filepath.Join(dir, filepath.Base(name))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("pipeline: upload staging: %w", err)
	}

	if err := res.loc.SetFiles(ctx, []string{path}); err != nil {
		return nil, err
	}
	return map[string]any{"files": []string{filepath.Base(path)}, "fetched_bytes": len(raw)}, nil
}

// handleDownload fetches a resource inside the page so the page's
// cookies and auth apply, returning the bytes base64-encoded.
func handleDownload(ctx context.Context, ex *execCtx) (map[string]any, error) {
	target := ex.req.URL
	if target == "" {
		res, err := ex.resolve(ctx)
		if err != nil {
			return nil, err
		}
		href, ok, err := res.loc.Attribute(ctx, "href")
		if err != nil {
			return nil, err
		}
		if !ok || href == "" {
			return nil, driver.NewError(driver.KindNotFound, "download", errors.New("target has no href"))
		}
		target = href
	}

	limit := ex.req.MaxBytes
	if limit <= 0 {
		limit = maxDownloadBytes
	}
	raw, err := ex.page.Evaluate(ctx,
		`async (url, maxBytes) => {
			const r = await fetch(url, {credentials: 'include'});
			const buf = await r.arrayBuffer();
			if (buf.byteLength > maxBytes) throw new Error('response exceeds max_bytes');
			const bytes = new Uint8Array(buf);
			let bin = '';
			for (let i = 0; i < bytes.length; i += 0x8000) {
				bin += String.fromCharCode.apply(null, bytes.subarray(i, i + 0x8000));
			}
			return {
				status: r.status,
				content_type: r.headers.get('content-type') || '',
				size: buf.byteLength,
				data: btoa(bin),
			};
		}`, target, limit)
	if err != nil {
		return nil, err
	}

	var fetched struct {
		Status      int    `json:"status"`
		ContentType string `json:"content_type"`
		Size        int64  `json:"size"`
		Data        string `json:"data"`
	}
	if err := json.Unmarshal(raw, &fetched); err != nil {
		return nil, fmt.Errorf("pipeline: decode download result: %w", err)
	}
	return map[string]any{
		"url":          target,
		"http_status":  fetched.Status,
		"content_type": fetched.ContentType,
		"size":         fetched.Size,
		"data":         fetched.Data,
	}, nil
}

// handleScrollUntil scrolls the page until a stop condition holds:
// selector present, text visible, or item_selector count reached.
// Stops early when two consecutive scrolls move nothing.
func handleScrollUntil(ctx context.Context, ex *execCtx) (map[string]any, error) {
	req := ex.req
	maxScrolls := req.MaxScrolls
	if maxScrolls < 1 {
		maxScrolls = defaultMaxScrolls
	}
	delay := defaultStepDelay
	if req.StepDelayMs > 0 {
		delay = time.Duration(req.StepDelayMs) * time.Millisecond
	}
	dx, dy := scrollDelta(req.Direction, req.AmountPx)

	// check reports which stop condition fired, "" when none did.
	check := func() (string, error) {
		if req.Selector != "" {
			n, err := ex.page.Locate(req.Selector).Count(ctx)
			if err != nil {
				return "", err
			}
			if n > 0 {
				return "selector", nil
			}
		}
		if req.Text != "" {
			hit, err := evalBool(ctx, ex.page, `(t) => document.body.innerText.includes(t)`, req.Text)
			if err != nil {
				return "", err
			}
			if hit {
				return "text", nil
			}
		}
		if req.ItemCount > 0 {
			n, err := ex.page.Locate(req.ItemSelector).Count(ctx)
			if err != nil {
				return "", err
			}
			if n >= req.ItemCount {
				return "count", nil
			}
		}
		return "", nil
	}

	done := func(reason string, scrolls int) (map[string]any, error) {
		out := map[string]any{
			"session_id":        ex.sess.ID,
			"stop_reason":       reason,
			"scrolls_performed": scrolls,
		}
		if req.ItemSelector != "" {
			n, err := ex.page.Locate(req.ItemSelector).Count(ctx)
			if err != nil {
				return nil, err
			}
			out["final_count"] = n
		}
		return out, nil
	}

	if reason, err := check(); err != nil {
		return nil, err
	} else if reason != "" {
		return done(reason, 0)
	}

	lastPos := -1.0
	stalls := 0
	for i := 1; i <= maxScrolls; i++ {
		if err := ex.page.MouseWheel(ctx, dx, dy); err != nil {
			return nil, err
		}
		if err := sleepFor(ctx, delay); err != nil {
			return nil, err
		}
		if reason, err := check(); err != nil {
			return nil, err
		} else if reason != "" {
			return done(reason, i)
		}

		pos, err := evalFloat(ctx, ex.page, `() => window.scrollY + window.scrollX`)
		if err == nil {
			if pos == lastPos {
				stalls++
				if stalls >= 2 {
					return done("stall", i)
				}
			} else {
				stalls = 0
			}
			lastPos = pos
		}
	}
	return done("max", maxScrolls)
}

// handleLoadMoreUntil clicks a "load more" button until it disappears,
// the item target is met, or the load budget runs out.
func handleLoadMoreUntil(ctx context.Context, ex *execCtx) (map[string]any, error) {
	req := ex.req
	maxLoads := req.MaxLoads
	if maxLoads < 1 {
		maxLoads = defaultMaxLoads
	}
	stall := defaultStallWait
	if req.StallMs > 0 {
		stall = time.Duration(req.StallMs) * time.Millisecond
	}

	countItems := func() (int, error) {
		if req.ItemSelector == "" {
			return 0, nil
		}
		return ex.page.Locate(req.ItemSelector).Count(ctx)
	}

	done := func(reason string, loads, items int) map[string]any {
		return map[string]any{
			"session_id":      ex.sess.ID,
			"stop_reason":     reason,
			"loads_performed": loads,
			"final_count":     items,
		}
	}

	loads := 0
	for loads < maxLoads {
		items, err := countItems()
		if err != nil {
			return nil, err
		}
		if req.ItemCount > 0 && items >= req.ItemCount {
			return done("count", loads, items), nil
		}

		// Button gone or hidden: the feed has no more to load.
		button := ex.page.Locate(req.ButtonSelector)
		n, err := button.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return done("selector", loads, items), nil
		}
		if visible, err := button.IsVisible(ctx); err != nil || !visible {
			return done("selector", loads, items), nil
		}

		if err := button.ScrollIntoView(ctx); err != nil {
			return nil, err
		}
		if err := button.Click(ctx, driver.ClickOptions{}); err != nil {
			return nil, err
		}
		loads++
		if err := sleepFor(ctx, stall); err != nil {
			return nil, err
		}
	}

	items, err := countItems()
	if err != nil {
		return nil, err
	}
	if req.ItemCount > 0 && items >= req.ItemCount {
		return done("count", loads, items), nil
	}
	return done("max", loads, items), nil
}
