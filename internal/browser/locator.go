package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// locator lazily resolves a CSS selector inside its target. Every action
// re-resolves, so a locator stays valid across DOM churn as long as the
// selector still matches.
type locator struct {
	t   *target
	css string
}

func (l *locator) el(ctx context.Context) (*rod.Element, error) {
	el, err := l.t.rod(ctx).Element(l.css)
	if err != nil {
		return nil, classify("locate "+l.css, err)
	}
	return el, nil
}

// Click implements driver.Locator.
func (l *locator) Click(ctx context.Context, opts driver.ClickOptions) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	button, err := mouseButton(opts.Button)
	if err != nil {
		return err
	}
	count := opts.Count
	if count < 1 {
		count = 1
	}
	return classify("click", el.Click(button, count))
}

// DblClick implements driver.Locator.
func (l *locator) DblClick(ctx context.Context) error {
	return l.Click(ctx, driver.ClickOptions{Count: 2})
}

// Fill implements driver.Locator: atomic replace of the current value.
func (l *locator) Fill(ctx context.Context, value string) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return classify("fill", err)
	}
	return classify("fill", el.Input(value))
}

// Type implements driver.Locator: char-by-char input with an optional
// per-character delay.
func (l *locator) Type(ctx context.Context, text string, charDelay time.Duration) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return classify("type", err)
	}
	kb := l.t.rod(ctx).Keyboard
	for _, r := range text {
		if err := kb.Type(input.Key(r)); err != nil {
			return classify("type", err)
		}
		if charDelay > 0 {
			select {
			case <-ctx.Done():
				return driver.NewError(driver.KindTimeout, "type", ctx.Err())
			case <-time.After(charDelay):
			}
		}
	}
	return nil
}

// Press implements driver.Locator.
func (l *locator) Press(ctx context.Context, key string) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	k, err := lookupKey(key)
	if err != nil {
		return err
	}
	return classify("press", el.Type(k))
}

// SelectOptions implements driver.Locator. Values match option text or
// value attributes; the reported selection is read back from the DOM.
func (l *locator) SelectOptions(ctx context.Context, values []string) ([]string, error) {
	el, err := l.el(ctx)
	if err != nil {
		return nil, err
	}
	res, err := el.Eval(`(values) => {
		const opts = Array.from(this.options || []);
		for (const o of opts) o.selected = false;
		for (const v of values) {
			const hit = opts.find((o) => o.value === v || o.textContent.trim() === v);
			if (!hit) return { error: 'no_option', value: v };
			hit.selected = true;
		}
		this.dispatchEvent(new Event('input', { bubbles: true }));
		this.dispatchEvent(new Event('change', { bubbles: true }));
		return { selected: opts.filter((o) => o.selected).map((o) => o.value) };
	}`, values)
	if err != nil {
		return nil, classify("select", err)
	}
	var out struct {
		Error    string   `json:"error"`
		Value    string   `json:"value"`
		Selected []string `json:"selected"`
	}
	raw, err := json.Marshal(res.Value.Val())
	if err == nil {
		err = json.Unmarshal(raw, &out)
	}
	if err != nil {
		return nil, driver.NewError(driver.KindEval, "select", err)
	}
	if out.Error != "" {
		return nil, driver.NewError(driver.KindNotFound, "select", fmt.Errorf("no option matches %q", out.Value))
	}
	return out.Selected, nil
}

// Hover implements driver.Locator.
func (l *locator) Hover(ctx context.Context) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	return classify("hover", el.Hover())
}

// Focus implements driver.Locator.
func (l *locator) Focus(ctx context.Context) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	return classify("focus", el.Focus())
}

// SetChecked implements driver.Locator: clicks only when the current
// state differs.
func (l *locator) SetChecked(ctx context.Context, checked bool) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	prop, err := el.Property("checked")
	if err != nil {
		return classify("set_checked", err)
	}
	if prop.Bool() == checked {
		return nil
	}
	return classify("set_checked", el.Click(proto.InputMouseButtonLeft, 1))
}

// ScrollIntoView implements driver.Locator.
func (l *locator) ScrollIntoView(ctx context.Context) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	return classify("scroll_into_view", el.ScrollIntoView())
}

// SetFiles implements driver.Locator.
func (l *locator) SetFiles(ctx context.Context, paths []string) error {
	el, err := l.el(ctx)
	if err != nil {
		return err
	}
	return classify("set_files", el.SetFiles(paths))
}

// Count implements driver.Locator. Unlike actions, Count does not wait
// for a match; zero is a valid answer.
func (l *locator) Count(ctx context.Context) (int, error) {
	els, err := l.t.rod(ctx).Elements(l.css)
	if err != nil {
		return 0, classify("count", err)
	}
	return len(els), nil
}

// BoundingBox implements driver.Locator.
func (l *locator) BoundingBox(ctx context.Context) (*driver.Rect, error) {
	el, err := l.el(ctx)
	if err != nil {
		return nil, err
	}
	shape, err := el.Shape()
	if err != nil {
		return nil, classify("bounding_box", err)
	}
	box := shape.Box()
	if box == nil {
		return nil, driver.NewError(driver.KindNotClickable, "bounding_box", fmt.Errorf("element has no layout box"))
	}
	return &driver.Rect{X: box.X, Y: box.Y, Width: box.Width, Height: box.Height}, nil
}

// Text implements driver.Locator.
func (l *locator) Text(ctx context.Context) (string, error) {
	el, err := l.el(ctx)
	if err != nil {
		return "", err
	}
	s, err := el.Text()
	return s, classify("text", err)
}

// HTML implements driver.Locator.
func (l *locator) HTML(ctx context.Context) (string, error) {
	el, err := l.el(ctx)
	if err != nil {
		return "", err
	}
	s, err := el.HTML()
	return s, classify("html", err)
}

// InputValue implements driver.Locator.
func (l *locator) InputValue(ctx context.Context) (string, error) {
	el, err := l.el(ctx)
	if err != nil {
		return "", err
	}
	prop, err := el.Property("value")
	if err != nil {
		return "", classify("input_value", err)
	}
	return prop.Str(), nil
}

// Attribute implements driver.Locator.
func (l *locator) Attribute(ctx context.Context, name string) (string, bool, error) {
	el, err := l.el(ctx)
	if err != nil {
		return "", false, err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", false, classify("attribute", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

// IsVisible implements driver.Locator.
func (l *locator) IsVisible(ctx context.Context) (bool, error) {
	el, err := l.el(ctx)
	if err != nil {
		return false, err
	}
	v, err := el.Visible()
	return v, classify("visible", err)
}

// IsEnabled implements driver.Locator.
func (l *locator) IsEnabled(ctx context.Context) (bool, error) {
	el, err := l.el(ctx)
	if err != nil {
		return false, err
	}
	prop, err := el.Property("disabled")
	if err != nil {
		return false, classify("enabled", err)
	}
	return !prop.Bool(), nil
}

// IsChecked implements driver.Locator.
func (l *locator) IsChecked(ctx context.Context) (bool, error) {
	el, err := l.el(ctx)
	if err != nil {
		return false, err
	}
	prop, err := el.Property("checked")
	if err != nil {
		return false, classify("checked", err)
	}
	return prop.Bool(), nil
}

// WaitFor implements driver.Locator.
func (l *locator) WaitFor(ctx context.Context, state string) error {
	switch state {
	case "", "visible":
		el, err := l.el(ctx)
		if err != nil {
			return err
		}
		return classify("wait visible", el.WaitVisible())
	case "hidden":
		el, err := l.el(ctx)
		if err != nil {
			return err
		}
		return classify("wait hidden", el.WaitInvisible())
	case "attached":
		_, err := l.el(ctx)
		return err
	case "detached":
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
		for {
			has, _, err := l.t.rod(ctx).Has(l.css)
			if err != nil {
				return classify("wait detached", err)
			}
			if !has {
				return nil
			}
			select {
			case <-ctx.Done():
				return driver.NewError(driver.KindTimeout, "wait detached", ctx.Err())
			case <-tick.C:
			}
		}
	default:
		return driver.NewError(driver.KindDriver, "wait_for", fmt.Errorf("unknown state %q", state))
	}
}
