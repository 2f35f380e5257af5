// Package drivertest provides an in-memory Driver implementation for
// tests above the driver boundary: the session registry, the action
// pipeline, and the HTTP surface.
package drivertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

var (
	_ driver.Driver  = (*Fake)(nil)
	_ driver.Page    = (*Page)(nil)
	_ driver.Locator = (*Locator)(nil)
)

// Fake is a scriptable in-memory browser. Zero value is not usable; use
// New.
type Fake struct {
	mu      sync.Mutex
	pages   []*Page
	nextID  int
	cookies []driver.Cookie
	closed  bool
	tracing bool

	events chan driver.Event

	// Hooks, all optional.
	NewPageErr error
	CloseErr   error

	// Counters for assertions.
	Closed       bool
	Disconnected bool
}

// New creates a fake browser with one blank page.
func New() *Fake {
	f := &Fake{events: make(chan driver.Event, 64)}
	f.addPage("about:blank")
	return f
}

func (f *Fake) addPage(url string) *Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	p := &Page{
		fake:     f,
		targetID: fmt.Sprintf("target-%d", f.nextID),
		url:      url,
		ready:    "complete",
	}
	f.pages = append(f.pages, p)
	return p
}

// Emit pushes an event into the driver stream, as the real adapter's
// event pump would.
func (f *Fake) Emit(ev driver.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	f.events <- ev
}

func (f *Fake) Pages(context.Context) ([]driver.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.Page, 0, len(f.pages))
	for _, p := range f.pages {
		if !p.closed {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *Fake) NewPage(context.Context) (driver.Page, error) {
	if f.NewPageErr != nil {
		return nil, f.NewPageErr
	}
	return f.addPage("about:blank"), nil
}

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	alreadyClosed := f.closed
	f.closed = true
	f.Closed = true
	f.mu.Unlock()
	if !alreadyClosed {
		close(f.events)
	}
	return f.CloseErr
}

func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.Disconnected = true
	f.mu.Unlock()
	return f.Close(ctx)
}

func (f *Fake) CDPVersion(context.Context) (map[string]any, error) {
	return map[string]any{"Browser": "FakeBrowser/1.0", "Protocol-Version": "1.3"}, nil
}

func (f *Fake) CDPCall(_ context.Context, _ driver.Page, method string, _ json.RawMessage) (json.RawMessage, error) {
	if method == "Browser.fail" {
		return nil, fmt.Errorf("fake cdp failure")
	}
	return json.RawMessage(`{}`), nil
}

func (f *Fake) WSEndpoint() string { return "ws://127.0.0.1:0/devtools/browser/fake" }

func (f *Fake) UserAgent(context.Context) (string, error) { return "FakeBrowser/1.0", nil }

func (f *Fake) Cookies(context.Context) ([]driver.Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.Cookie, len(f.cookies))
	copy(out, f.cookies)
	return out, nil
}

func (f *Fake) SetCookies(_ context.Context, cookies []driver.Cookie) error {
	f.mu.Lock()
	f.cookies = append(f.cookies, cookies...)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ClearCookies(context.Context) error {
	f.mu.Lock()
	f.cookies = nil
	f.mu.Unlock()
	return nil
}

func (f *Fake) TraceStart(context.Context, bool) error {
	f.mu.Lock()
	f.tracing = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) TraceStop(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.tracing {
		return nil, fmt.Errorf("tracing is not running")
	}
	f.tracing = false
	return []byte("PK\x03\x04fake-trace"), nil
}

func (f *Fake) Events() <-chan driver.Event { return f.events }

// Page is one fake browsing target. Script its behavior through the
// exported hook fields before driving it.
type Page struct {
	fake     *Fake
	targetID string

	mu     sync.Mutex
	url    string
	title  string
	ready  string
	closed bool

	// EvalFn handles Evaluate calls. Nil returns null for everything.
	EvalFn func(fn string, args ...any) (json.RawMessage, error)
	// ScanFn handles Scan calls. Nil returns no elements.
	ScanFn func(opts driver.ScanOptions) ([]snapshot.Element, error)
	// LocatorFn builds locators. Nil yields a permissive no-op locator.
	LocatorFn func(css string) driver.Locator

	NavigateErr error
	Routes      map[string]driver.RouteMock
}

func (p *Page) TargetID() string { return p.targetID }

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

func (p *Page) Locate(css string) driver.Locator {
	if p.LocatorFn != nil {
		return p.LocatorFn(css)
	}
	return &Locator{CSS: css}
}

func (p *Page) Evaluate(_ context.Context, fn string, args ...any) (json.RawMessage, error) {
	if p.EvalFn != nil {
		return p.EvalFn(fn, args...)
	}
	return json.RawMessage(`null`), nil
}

func (p *Page) Scan(_ context.Context, opts driver.ScanOptions) ([]snapshot.Element, error) {
	if p.ScanFn != nil {
		return p.ScanFn(opts)
	}
	return nil, nil
}

func (p *Page) Navigate(_ context.Context, url, _ string) error {
	if p.NavigateErr != nil {
		return p.NavigateErr
	}
	p.SetURL(url)
	p.fake.Emit(driver.Event{Type: driver.EventNavigated, TargetID: p.targetID, URL: url})
	return nil
}

func (p *Page) Back(context.Context) error    { return nil }
func (p *Page) Forward(context.Context) error { return nil }
func (p *Page) Reload(context.Context) error {
	p.fake.Emit(driver.Event{Type: driver.EventNavigated, TargetID: p.targetID, URL: p.URL()})
	return nil
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.title, nil
}

func (p *Page) ReadyState(context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

func (p *Page) Frame(_ context.Context, sel driver.FrameSelector) (driver.Target, error) {
	return nil, driver.NewError(driver.KindNotFound, "frame", fmt.Errorf("no frame %s=%q", sel.Type, sel.Value))
}

func (p *Page) FrameInfos(context.Context) ([]driver.FrameInfo, error) {
	return []driver.FrameInfo{}, nil
}

func (p *Page) Activate(context.Context) error { return nil }

func (p *Page) Close(context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Page) Screenshot(context.Context, driver.ScreenshotOptions) ([]byte, error) {
	return []byte("\x89PNGfake"), nil
}

func (p *Page) PDF(context.Context) ([]byte, error) { return []byte("%PDF-1.7 fake"), nil }

func (p *Page) SetViewport(context.Context, int, int, float64, bool) error { return nil }

func (p *Page) SetNetworkConditions(context.Context, *driver.NetworkConditions) error { return nil }

func (p *Page) AddInitScript(context.Context, string) error { return nil }

func (p *Page) Route(_ context.Context, pattern string, mock driver.RouteMock) error {
	p.mu.Lock()
	if p.Routes == nil {
		p.Routes = make(map[string]driver.RouteMock)
	}
	p.Routes[pattern] = mock
	p.mu.Unlock()
	return nil
}

func (p *Page) Unroute(_ context.Context, pattern string) error {
	p.mu.Lock()
	delete(p.Routes, pattern)
	p.mu.Unlock()
	return nil
}

func (p *Page) MouseMove(context.Context, float64, float64, int) error { return nil }
func (p *Page) MouseDown(context.Context, string) error                { return nil }
func (p *Page) MouseUp(context.Context, string) error                  { return nil }
func (p *Page) MouseWheel(context.Context, float64, float64) error     { return nil }
func (p *Page) KeyDown(context.Context, string) error                  { return nil }
func (p *Page) KeyUp(context.Context, string) error                    { return nil }
func (p *Page) Press(context.Context, string) error                    { return nil }
func (p *Page) InsertText(context.Context, string) error               { return nil }

// Locator is a scriptable locator. Errors default to nil; set Err to
// make every action fail, or the per-call hooks for finer control.
type Locator struct {
	CSS string
	Err error

	VisibleV bool
	EnabledV bool
	CheckedV bool
	TextV    string
	HTMLV    string
	ValueV   string
	CountV   int
	Box      *driver.Rect

	ClickFn func(opts driver.ClickOptions) error
	FillFn  func(value string) error

	mu    sync.Mutex
	calls []string
}

// Calls lists the action methods invoked, in order.
func (l *Locator) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.calls))
	copy(out, l.calls)
	return out
}

func (l *Locator) record(name string) {
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

func (l *Locator) Click(_ context.Context, opts driver.ClickOptions) error {
	l.record("click")
	if l.ClickFn != nil {
		return l.ClickFn(opts)
	}
	return l.Err
}

func (l *Locator) DblClick(context.Context) error {
	l.record("dblclick")
	return l.Err
}

func (l *Locator) Fill(_ context.Context, value string) error {
	l.record("fill")
	if l.FillFn != nil {
		return l.FillFn(value)
	}
	return l.Err
}

func (l *Locator) Type(_ context.Context, _ string, _ time.Duration) error {
	l.record("type")
	return l.Err
}

func (l *Locator) Press(_ context.Context, _ string) error {
	l.record("press")
	return l.Err
}

func (l *Locator) SelectOptions(_ context.Context, values []string) ([]string, error) {
	l.record("select")
	if l.Err != nil {
		return nil, l.Err
	}
	return values, nil
}

func (l *Locator) Hover(context.Context) error {
	l.record("hover")
	return l.Err
}

func (l *Locator) Focus(context.Context) error {
	l.record("focus")
	return l.Err
}

func (l *Locator) SetChecked(_ context.Context, checked bool) error {
	l.record("set_checked")
	if l.Err == nil {
		l.CheckedV = checked
	}
	return l.Err
}

func (l *Locator) ScrollIntoView(context.Context) error {
	l.record("scroll_into_view")
	return l.Err
}

func (l *Locator) SetFiles(_ context.Context, _ []string) error {
	l.record("set_files")
	return l.Err
}

func (l *Locator) Count(context.Context) (int, error) {
	if l.Err != nil {
		return 0, l.Err
	}
	return l.CountV, nil
}

func (l *Locator) BoundingBox(context.Context) (*driver.Rect, error) {
	if l.Err != nil {
		return nil, l.Err
	}
	return l.Box, nil
}

func (l *Locator) Text(context.Context) (string, error) {
	if l.Err != nil {
		return "", l.Err
	}
	return l.TextV, nil
}

func (l *Locator) HTML(context.Context) (string, error) {
	if l.Err != nil {
		return "", l.Err
	}
	return l.HTMLV, nil
}

func (l *Locator) InputValue(context.Context) (string, error) {
	if l.Err != nil {
		return "", l.Err
	}
	return l.ValueV, nil
}

func (l *Locator) Attribute(_ context.Context, _ string) (string, bool, error) {
	if l.Err != nil {
		return "", false, l.Err
	}
	return "", false, nil
}

func (l *Locator) IsVisible(context.Context) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	return l.VisibleV, nil
}

func (l *Locator) IsEnabled(context.Context) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	return l.EnabledV, nil
}

func (l *Locator) IsChecked(context.Context) (bool, error) {
	if l.Err != nil {
		return false, l.Err
	}
	return l.CheckedV, nil
}

func (l *Locator) WaitFor(_ context.Context, _ string) error {
	l.record("wait_for")
	return l.Err
}
