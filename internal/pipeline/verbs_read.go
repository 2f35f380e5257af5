package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

const defaultScanLimit = 500

// evalExpr runs a JS function expression with an optional argument.
func evalExpr(ctx context.Context, t driver.Target, fn string, arg any) (json.RawMessage, error) {
	if arg == nil {
		return t.Evaluate(ctx, fn)
	}
	return t.Evaluate(ctx, fn, arg)
}

func evalBool(ctx context.Context, t driver.Target, fn string, args ...any) (bool, error) {
	raw, err := t.Evaluate(ctx, fn, args...)
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, nil
	}
	return v, nil
}

func evalFloat(ctx context.Context, t driver.Target, fn string, args ...any) (float64, error) {
	raw, err := t.Evaluate(ctx, fn, args...)
	if err != nil {
		return 0, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, fmt.Errorf("pipeline: eval result %q is not a number", raw)
	}
	return v, nil
}

func handleBBox(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	box, err := res.loc.BoundingBox(ctx)
	if err != nil {
		return nil, err
	}
	if box == nil {
		return map[string]any{"visible": false}, nil
	}
	return map[string]any{"visible": true, "rect": box}, nil
}

func handleEval(ctx context.Context, ex *execCtx) (map[string]any, error) {
	scope, err := resolveScope(ctx, ex.page, ex.req)
	if err != nil {
		return nil, err
	}
	raw, err := evalExpr(ctx, scope, ex.req.Expression, ex.req.Arg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"value": raw}, nil
}

// handleExtract reads content from matching elements. The default text
// format returns an items list (text plus the optional attribute per
// match); html and markdown render the first match's outerHTML through
// the content processor.
func handleExtract(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}

	format := ex.req.Format
	if format == "" {
		format = "text"
	}
	if format == "text" {
		raw, err := res.scope.Evaluate(ctx,
			`(sel, attr, limit) => {
				const out = [];
				for (const el of document.querySelectorAll(sel)) {
					if (limit > 0 && out.length >= limit) break;
					const item = {text: (el.innerText || el.textContent || '').trim()};
					if (attr) item.attribute = el.getAttribute(attr);
					out.push(item);
				}
				return out;
			}`, res.css, ex.req.Attribute, ex.req.Limit)
		if err != nil {
			return nil, err
		}
		var items []map[string]any
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("pipeline: decode extract items: %w", err)
		}
		if len(items) == 0 {
			return nil, driver.NewError(driver.KindNotFound, "extract", fmt.Errorf("selector %q matched nothing", res.css))
		}
		return map[string]any{"items": items, "count": len(items), "format": format}, nil
	}

	html, err := res.loc.HTML(ctx)
	if err != nil {
		return nil, err
	}
	rendered, err := ex.p.content.Render(html, format, ex.page.URL())
	if err != nil {
		return nil, driver.NewError(driver.KindDriver, "extract", err)
	}
	truncated := false
	if limit := ex.req.Limit; limit > 0 {
		if runes := []rune(rendered); len(runes) > limit {
			rendered = string(runes[:limit])
			truncated = true
		}
	}
	out := map[string]any{"content": rendered, "format": format}
	if truncated {
		out["truncated"] = true
	}
	return out, nil
}

func handleGet(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	switch ex.req.Property {
	case "text":
		v, err := res.loc.Text(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil
	case "html":
		v, err := res.loc.HTML(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil
	case "value":
		v, err := res.loc.InputValue(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": v}, nil
	case "attr":
		v, ok, err := res.loc.Attribute(ctx, ex.req.AttrName)
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]any{"value": nil}, nil
		}
		return map[string]any{"value": v}, nil
	case "count":
		n, err := res.loc.Count(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": n}, nil
	case "box":
		box, err := res.loc.BoundingBox(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": box}, nil
	}
	return nil, preflightErr("property", enumConstraint("get_property"), "unknown property %q", ex.req.Property)
}

func handleAssert(ctx context.Context, ex *execCtx) (map[string]any, error) {
	res, err := ex.resolve(ctx)
	if err != nil {
		return nil, err
	}
	var actual bool
	switch ex.req.Property {
	case "visible":
		actual, err = res.loc.IsVisible(ctx)
	case "enabled":
		actual, err = res.loc.IsEnabled(ctx)
	case "checked":
		actual, err = res.loc.IsChecked(ctx)
	}
	if err != nil {
		return nil, err
	}
	expected := true
	if ex.req.Expected != nil {
		expected = *ex.req.Expected
	}
	return map[string]any{
		"passed":   actual == expected,
		"actual":   actual,
		"expected": expected,
		"property": ex.req.Property,
	}, nil
}

// handleFind runs the element scan and filters it by the query. Matching
// is case-insensitive substring unless exact is set.
func handleFind(ctx context.Context, ex *execCtx) (map[string]any, error) {
	scope, err := resolveScope(ctx, ex.page, ex.req)
	if err != nil {
		return nil, err
	}
	elements, err := scope.Scan(ctx, driver.ScanOptions{
		Scope:            ex.req.Scope,
		Limit:            defaultScanLimit,
		IncludeUnlabeled: true,
	})
	if err != nil {
		return nil, err
	}

	match := func(field string) bool {
		if ex.req.Exact {
			return field == ex.req.Query
		}
		return strings.Contains(strings.ToLower(field), strings.ToLower(ex.req.Query))
	}

	var matches []snapshot.Element
	for _, el := range elements {
		hit := false
		switch ex.req.QueryType {
		case "role":
			hit = match(el.Role)
		case "text":
			hit = match(el.Text)
		case "label":
			hit = match(el.Label)
		case "placeholder":
			hit = match(el.Placeholder)
		}
		if hit {
			matches = append(matches, el)
		}
	}
	out := map[string]any{"found": len(matches) > 0, "count": len(matches)}
	if len(matches) > 0 {
		first := matches[0]
		out["element_id"] = first.ElementID
		out["tag"] = first.Tag
		if first.Text != "" {
			out["text"] = first.Text
		}
	}
	return out, nil
}

func (ex *execCtx) scan(ctx context.Context) ([]snapshot.Element, driver.Target, error) {
	scope, err := resolveScope(ctx, ex.page, ex.req)
	if err != nil {
		return nil, nil, err
	}
	limit := ex.req.Limit
	if limit <= 0 {
		limit = defaultScanLimit
	}
	elements, err := scope.Scan(ctx, driver.ScanOptions{
		Scope:            ex.req.Scope,
		Limit:            limit,
		IncludeUnlabeled: ex.req.IncludeUnlabeled,
	})
	if err != nil {
		return nil, nil, err
	}
	return elements, scope, nil
}

// handleElementMap labels interactive elements in the live DOM and
// returns them without registering a snapshot.
func handleElementMap(ctx context.Context, ex *execCtx) (map[string]any, error) {
	elements, _, err := ex.scan(ctx)
	if err != nil {
		return nil, err
	}
	for i := range elements {
		elements[i].Ref = "" // refs only exist on snapshots
	}
	return map[string]any{"elements": elements, "count": len(elements)}, nil
}

// handleSnapshotMap captures the scan as an immutable snapshot whose
// refs stay valid while the page revision holds.
func handleSnapshotMap(ctx context.Context, ex *execCtx) (map[string]any, error) {
	elements, _, err := ex.scan(ctx)
	if err != nil {
		return nil, err
	}
	snap := ex.sess.Snapshots.Add(ex.sess.Rev.Current(), elements)
	return map[string]any{
		"snapshot_id": snap.ID,
		"elements":    snap.Elements,
		"count":       len(snap.Elements),
	}, nil
}

func handleScreenshot(ctx context.Context, ex *execCtx) (map[string]any, error) {
	opts := driver.ScreenshotOptions{FullPage: ex.req.FullPage}
	if ex.req.Quality > 0 {
		opts.Format = "jpeg"
		opts.Quality = ex.req.Quality
	}
	data, err := ex.page.Screenshot(ctx, opts)
	if err != nil {
		return nil, err
	}
	format := opts.Format
	if format == "" {
		format = "png"
	}
	return map[string]any{
		"data":   base64.StdEncoding.EncodeToString(data),
		"format": format,
		"size":   len(data),
	}, nil
}

// handleAnnotatedScreenshot overlays labelled boxes on the requested
// selectors (or every scanned element when none are given), captures,
// then removes the overlays.
func handleAnnotatedScreenshot(ctx context.Context, ex *execCtx) (map[string]any, error) {
	type mark struct {
		Selector string `json:"selector"`
		Color    string `json:"color"`
		Label    string `json:"label"`
	}
	var marks []mark
	for _, h := range ex.req.Highlights {
		marks = append(marks, mark{Selector: h.Selector, Color: h.Color, Label: h.Label})
	}
	if len(marks) == 0 {
		elements, _, err := ex.scan(ctx)
		if err != nil {
			return nil, err
		}
		for _, el := range elements {
			marks = append(marks, mark{Selector: elementCSS(el.ElementID), Label: el.ElementID})
		}
	}

	raw, err := ex.page.Evaluate(ctx,
		`(marks) => {
			const root = document.createElement('div');
			root.id = '__agentmb_annotations';
			root.style.cssText = 'position:fixed;inset:0;pointer-events:none;z-index:2147483647;';
			let drawn = 0;
			for (const m of marks) {
				const el = document.querySelector(m.selector);
				if (!el) continue;
				const r = el.getBoundingClientRect();
				if (r.width === 0 && r.height === 0) continue;
				const box = document.createElement('div');
				const color = m.color || '#e53935';
				box.style.cssText = 'position:absolute;border:2px solid ' + color +
					';left:' + r.left + 'px;top:' + r.top +
					'px;width:' + r.width + 'px;height:' + r.height + 'px;';
				if (m.label) {
					const tag = document.createElement('span');
					tag.textContent = m.label;
					tag.style.cssText = 'position:absolute;top:-18px;left:0;background:' + color +
						';color:#fff;font:11px monospace;padding:0 3px;';
					box.appendChild(tag);
				}
				root.appendChild(box);
				drawn++;
			}
			document.body.appendChild(root);
			return drawn;
		}`, marks)
	if err != nil {
		return nil, err
	}
	var drawn int
	json.Unmarshal(raw, &drawn)

	data, shotErr := ex.page.Screenshot(ctx, driver.ScreenshotOptions{FullPage: ex.req.FullPage})

	// Best effort; a failed removal only dirties the live DOM overlay.
	ex.page.Evaluate(ctx, `() => {
		const root = document.getElementById('__agentmb_annotations');
		if (root) root.remove();
	}`)
	if shotErr != nil {
		return nil, shotErr
	}
	return map[string]any{
		"data":        base64.StdEncoding.EncodeToString(data),
		"format":      "png",
		"annotations": drawn,
	}, nil
}

func handlePDF(ctx context.Context, ex *execCtx) (map[string]any, error) {
	data, err := ex.page.PDF(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"data": base64.StdEncoding.EncodeToString(data),
		"size": len(data),
	}
	if pdfCtx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), model.NewDefaultConfiguration()); err == nil {
		out["page_count"] = pdfCtx.PageCount
	}
	return out, nil
}

func handleSetViewport(ctx context.Context, ex *execCtx) (map[string]any, error) {
	scale := ex.req.Scale
	if scale <= 0 {
		scale = 1
	}
	if err := ex.page.SetViewport(ctx, ex.req.Width, ex.req.Height, scale, ex.req.Mobile); err != nil {
		return nil, err
	}
	return map[string]any{"width": ex.req.Width, "height": ex.req.Height}, nil
}

func handleNetworkConditions(ctx context.Context, ex *execCtx) (map[string]any, error) {
	if err := ex.page.SetNetworkConditions(ctx, ex.req.Conditions); err != nil {
		return nil, err
	}
	if ex.req.Conditions == nil {
		return map[string]any{"emulating": false}, nil
	}
	return map[string]any{"emulating": true}, nil
}

func handleClipboardWrite(ctx context.Context, ex *execCtx) (map[string]any, error) {
	_, err := ex.page.Evaluate(ctx, `(t) => navigator.clipboard.writeText(t)`, ex.req.Text)
	return nil, err
}

func handleClipboardRead(ctx context.Context, ex *execCtx) (map[string]any, error) {
	raw, err := ex.page.Evaluate(ctx, `() => navigator.clipboard.readText()`)
	if err != nil {
		return nil, err
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("pipeline: decode clipboard: %w", err)
	}
	return map[string]any{"text": text}, nil
}
