// Package driver defines the narrow capability contract between the daemon
// and the underlying browser automation engine. Only internal/browser may
// import the engine's packages; everything above this interface sees opaque
// Target and Locator handles.
package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hazyhaar/agentmb/internal/snapshot"
)

// Driver is one connected browser instance. Managed and ephemeral sessions
// own the process behind it; attach sessions only own the connection.
type Driver interface {
	// Pages returns the open pages in creation order.
	Pages(ctx context.Context) ([]Page, error)

	// NewPage opens a blank page. The caller navigates it separately.
	NewPage(ctx context.Context) (Page, error)

	// Close shuts the browser down. For launched browsers this terminates
	// the process; callers of attach-mode drivers must use Disconnect.
	Close(ctx context.Context) error

	// Disconnect drops the CDP connection without touching the remote
	// browser process.
	Disconnect(ctx context.Context) error

	// CDPVersion returns the browser version block (product, protocol
	// version, user agent, websocket debugger URL).
	CDPVersion(ctx context.Context) (map[string]any, error)

	// CDPCall sends a raw protocol command scoped to the given page.
	CDPCall(ctx context.Context, page Page, method string, params json.RawMessage) (json.RawMessage, error)

	// WSEndpoint is the browser-level CDP websocket URL.
	WSEndpoint() string

	// UserAgent reports the browser's user agent string.
	UserAgent(ctx context.Context) (string, error)

	// Cookies operate at browser scope so they survive page churn.
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	ClearCookies(ctx context.Context) error

	// TraceStart begins protocol tracing; TraceStop returns the collected
	// trace as a zip archive.
	TraceStart(ctx context.Context, screenshots bool) error
	TraceStop(ctx context.Context) ([]byte, error)

	// Events is the single fan-in stream of browser events for this
	// driver. Closed when the driver closes or disconnects.
	Events() <-chan Event
}

// Target is a locator scope: a page or a frame within one.
type Target interface {
	// Locate builds a locator for a CSS selector scoped to this target.
	Locate(css string) Locator

	// Evaluate runs a JS function expression in the target with the given
	// arguments and returns its JSON-marshalled result.
	Evaluate(ctx context.Context, fn string, args ...any) (json.RawMessage, error)

	// Scan runs the adapter's injected element scan: qualifying
	// interactive elements get a stable data-agentmb-id attribute and a
	// synthesized label, and are returned in document order.
	Scan(ctx context.Context, opts ScanOptions) ([]snapshot.Element, error)
}

// ScanOptions control the element scan.
type ScanOptions struct {
	Scope            string // optional CSS selector restricting the scan
	Limit            int    // max elements returned, default 500
	IncludeUnlabeled bool   // synthesize "[tag @ x,y]" fallback labels
}

// Page is a top-level browsing target.
type Page interface {
	Target

	// TargetID is the engine's stable identifier for this page, used to
	// correlate events with pages.
	TargetID() string

	Navigate(ctx context.Context, url, waitUntil string) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error

	URL() string
	Title(ctx context.Context) (string, error)
	ReadyState(ctx context.Context) string

	// Frame resolves a subframe by selector; FrameInfos lists what is
	// available for diagnostics.
	Frame(ctx context.Context, sel FrameSelector) (Target, error)
	FrameInfos(ctx context.Context) ([]FrameInfo, error)

	Activate(ctx context.Context) error
	Close(ctx context.Context) error

	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context) ([]byte, error)

	SetViewport(ctx context.Context, width, height int, scale float64, mobile bool) error
	SetNetworkConditions(ctx context.Context, cond *NetworkConditions) error

	// AddInitScript injects JS evaluated on every new document.
	AddInitScript(ctx context.Context, js string) error

	// Route installs a synchronous mock for requests matching pattern;
	// Unroute removes it. Patterns use glob syntax with * wildcards.
	Route(ctx context.Context, pattern string, mock RouteMock) error
	Unroute(ctx context.Context, pattern string) error

	// Raw input, page-coordinate space.
	MouseMove(ctx context.Context, x, y float64, steps int) error
	MouseDown(ctx context.Context, button string) error
	MouseUp(ctx context.Context, button string) error
	MouseWheel(ctx context.Context, deltaX, deltaY float64) error
	KeyDown(ctx context.Context, key string) error
	KeyUp(ctx context.Context, key string) error
	Press(ctx context.Context, key string) error
	InsertText(ctx context.Context, text string) error
}

// Locator is a lazily-resolved reference to zero or more DOM nodes. All
// actions operate on the first match and fail with KindNotFound when the
// selector matches nothing within the context deadline.
type Locator interface {
	Click(ctx context.Context, opts ClickOptions) error
	DblClick(ctx context.Context) error
	Fill(ctx context.Context, value string) error
	Type(ctx context.Context, text string, charDelay time.Duration) error
	Press(ctx context.Context, key string) error
	SelectOptions(ctx context.Context, values []string) ([]string, error)
	Hover(ctx context.Context) error
	Focus(ctx context.Context) error
	SetChecked(ctx context.Context, checked bool) error
	ScrollIntoView(ctx context.Context) error
	SetFiles(ctx context.Context, paths []string) error

	Count(ctx context.Context) (int, error)
	BoundingBox(ctx context.Context) (*Rect, error)
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	InputValue(ctx context.Context) (string, error)
	Attribute(ctx context.Context, name string) (string, bool, error)
	IsVisible(ctx context.Context) (bool, error)
	IsEnabled(ctx context.Context) (bool, error)
	IsChecked(ctx context.Context) (bool, error)

	// WaitFor blocks until the first match reaches the given state
	// (visible, hidden, attached, detached).
	WaitFor(ctx context.Context, state string) error
}

// FrameSelector identifies a subframe by name, URL substring, or index.
type FrameSelector struct {
	Type  string `json:"type"` // "name", "url" or "nth"
	Value string `json:"value"`
}

// FrameInfo describes one subframe for frame_not_found diagnostics.
type FrameInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Nth  int    `json:"nth"`
}

// Rect is a bounding rectangle in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the rectangle's midpoint.
func (r *Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// ClickOptions modify a locator click.
type ClickOptions struct {
	Button string // "left" (default), "right", "middle"
	Count  int    // click count, default 1
}

// ScreenshotOptions modify a page screenshot.
type ScreenshotOptions struct {
	FullPage bool
	Format   string // "png" (default) or "jpeg"
	Quality  int    // jpeg only, 0 means engine default
}

// NetworkConditions emulates link quality. A nil value resets emulation.
type NetworkConditions struct {
	Offline            bool    `json:"offline"`
	LatencyMs          float64 `json:"latency_ms"`
	DownloadThroughput float64 `json:"download_throughput"`
	UploadThroughput   float64 `json:"upload_throughput"`
}

// RouteMock is a canned response served for matching requests.
type RouteMock struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body"`
	ContentType string            `json:"content_type,omitempty"`
}

// Cookie is the engine-neutral cookie shape.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"http_only"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"same_site,omitempty"`
}
