// Package browser implements the driver contract on go-rod. It is the
// only package that imports the automation engine; everything it returns
// to callers is expressed in internal/driver types.
package browser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// LaunchOptions configure a managed or ephemeral browser launch.
type LaunchOptions struct {
	ProfileDir      string
	Headless        bool
	AcceptDownloads bool
	Channel         string // chromium, chrome or msedge; empty uses rod's bundled browser
	ExecutablePath  string
	Logger          *slog.Logger
}

// Browser implements driver.Driver over one rod browser connection.
type Browser struct {
	rb     *rod.Browser
	lnch   *launcher.Launcher // nil in attach mode
	cancel context.CancelFunc
	wsURL  string
	attach bool
	log    *slog.Logger

	events    chan driver.Event
	closeOnce sync.Once

	mu    sync.Mutex
	pages map[proto.TargetTargetID]*page

	traceMu  sync.Mutex
	traceBuf chan []byte // non-nil while tracing
}

var channelBinaries = map[string][]string{
	"chromium": {"chromium", "chromium-browser"},
	"chrome":   {"google-chrome", "google-chrome-stable", "chrome"},
	"msedge":   {"microsoft-edge", "microsoft-edge-stable", "msedge"},
}

// Launch starts a browser process bound to the given profile directory
// and connects to it.
func Launch(ctx context.Context, opts LaunchOptions) (*Browser, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	l := launcher.New().
		Headless(opts.Headless).
		UserDataDir(opts.ProfileDir).
		Set("disable-blink-features", "AutomationControlled")

	if opts.ExecutablePath != "" {
		l = l.Bin(opts.ExecutablePath)
	} else if opts.Channel != "" {
		bin, err := lookupChannel(opts.Channel)
		if err != nil {
			return nil, err
		}
		l = l.Bin(bin)
	}

	wsURL, err := l.Launch()
	if err != nil {
		return nil, driver.NewError(driver.KindDriver, "launch", err)
	}

	b, err := connect(ctx, wsURL, false, opts.Logger)
	if err != nil {
		l.Cleanup()
		return nil, err
	}
	b.lnch = l

	behavior := proto.BrowserSetDownloadBehaviorBehaviorDeny
	if opts.AcceptDownloads {
		behavior = proto.BrowserSetDownloadBehaviorBehaviorAllow
	}
	if err := (proto.BrowserSetDownloadBehavior{
		Behavior:      behavior,
		DownloadPath:  opts.ProfileDir,
		EventsEnabled: true,
	}).Call(b.rb); err != nil {
		opts.Logger.Warn("browser: set download behavior failed", "error", err)
	}

	return b, nil
}

// Attach connects to a browser the daemon did not launch. cdpURL may be
// an http(s) devtools endpoint or a direct websocket URL.
func Attach(ctx context.Context, cdpURL string, logger *slog.Logger) (*Browser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL, err := launcher.ResolveURL(cdpURL)
	if err != nil {
		return nil, driver.NewError(driver.KindDriver, "attach", fmt.Errorf("resolve %s: %w", cdpURL, err))
	}
	return connect(ctx, wsURL, true, logger)
}

func lookupChannel(channel string) (string, error) {
	names, ok := channelBinaries[channel]
	if !ok {
		return "", driver.NewError(driver.KindDriver, "launch", fmt.Errorf("unknown browser channel %q", channel))
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", driver.NewError(driver.KindDriver, "launch", fmt.Errorf("no binary found for channel %q", channel))
}

func connect(ctx context.Context, wsURL string, attach bool, logger *slog.Logger) (*Browser, error) {
	baseCtx, cancel := context.WithCancel(context.Background())

	rb := rod.New().ControlURL(wsURL).Context(baseCtx)
	if err := rb.Connect(); err != nil {
		cancel()
		return nil, driver.NewError(driver.KindDriver, "connect", err)
	}
	if err := rb.IgnoreCertErrors(true); err != nil {
		logger.Warn("browser: ignore cert errors failed", "error", err)
	}

	b := &Browser{
		rb:     rb,
		cancel: cancel,
		wsURL:  wsURL,
		attach: attach,
		log:    logger,
		events: make(chan driver.Event, 256),
		pages:  make(map[proto.TargetTargetID]*page),
	}
	go b.watchTargets()
	return b, nil
}

// watchTargets surfaces pages opened by the page itself (window.open,
// target=_blank) and target teardown, plus download begins and the
// tracing completion stream.
func (b *Browser) watchTargets() {
	b.rb.EachEvent(
		func(e *proto.TargetTargetCreated) {
			if e.TargetInfo.Type != proto.TargetTargetInfoTypePage {
				return
			}
			b.mu.Lock()
			_, known := b.pages[e.TargetInfo.TargetID]
			b.mu.Unlock()
			if known {
				return
			}
			b.emit(driver.Event{
				Type:     driver.EventPageOpened,
				TargetID: string(e.TargetInfo.TargetID),
				URL:      e.TargetInfo.URL,
			})
		},
		func(e *proto.TargetTargetDestroyed) {
			b.mu.Lock()
			delete(b.pages, e.TargetID)
			b.mu.Unlock()
			b.emit(driver.Event{Type: driver.EventPageClosed, TargetID: string(e.TargetID)})
		},
		func(e *proto.BrowserDownloadWillBegin) {
			b.emit(driver.Event{Type: driver.EventDownload, URL: e.URL, Text: e.SuggestedFilename})
		},
		func(e *proto.TracingTracingComplete) {
			b.traceMu.Lock()
			buf := b.traceBuf
			b.traceMu.Unlock()
			if buf == nil {
				return
			}
			data, err := b.readStream(e.Stream)
			if err != nil {
				b.log.Warn("browser: trace stream read failed", "error", err)
				data = nil
			}
			buf <- data
		},
	)()
}

func (b *Browser) emit(ev driver.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case b.events <- ev:
	default:
		b.log.Debug("browser: event dropped, consumer behind", "type", ev.Type)
	}
}

// Events implements driver.Driver.
func (b *Browser) Events() <-chan driver.Event { return b.events }

// Pages implements driver.Driver.
func (b *Browser) Pages(ctx context.Context) ([]driver.Page, error) {
	rps, err := b.rb.Context(ctx).Pages()
	if err != nil {
		return nil, classify("pages", err)
	}
	out := make([]driver.Page, 0, len(rps))
	for _, rp := range rps {
		out = append(out, b.wrap(rp))
	}
	return out, nil
}

// NewPage implements driver.Driver. Launched browsers get stealth pages;
// attach mode leaves the remote browser's fingerprint alone.
func (b *Browser) NewPage(ctx context.Context) (driver.Page, error) {
	var (
		rp  *rod.Page
		err error
	)
	if b.attach {
		rp, err = b.rb.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	} else {
		rp, err = stealth.Page(b.rb.Context(ctx))
	}
	if err != nil {
		return nil, classify("new_page", err)
	}
	return b.wrap(rp), nil
}

// wrap returns the cached page wrapper, wiring event listeners exactly
// once per target.
func (b *Browser) wrap(rp *rod.Page) *page {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pages[rp.TargetID]; ok {
		return p
	}
	p := &page{target: target{b: b, p: rp}}
	b.pages[rp.TargetID] = p
	go p.watch()
	return p
}

// Close implements driver.Driver: terminates a launched browser.
func (b *Browser) Close(ctx context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		err = b.rb.Close()
		if b.lnch != nil {
			b.lnch.Cleanup()
		}
		b.cancel()
		close(b.events)
	})
	if err != nil {
		return classify("close", err)
	}
	return nil
}

// Disconnect implements driver.Driver: severs the connection and leaves
// the remote browser running.
func (b *Browser) Disconnect(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.cancel()
		close(b.events)
	})
	return nil
}

// WSEndpoint implements driver.Driver.
func (b *Browser) WSEndpoint() string { return b.wsURL }

// CDPVersion implements driver.Driver.
func (b *Browser) CDPVersion(ctx context.Context) (map[string]any, error) {
	v, err := proto.BrowserGetVersion{}.Call(b.rb.Context(ctx))
	if err != nil {
		return nil, classify("cdp_version", err)
	}
	return map[string]any{
		"protocol_version": v.ProtocolVersion,
		"product":          v.Product,
		"revision":         v.Revision,
		"user_agent":       v.UserAgent,
		"js_version":       v.JsVersion,
		"websocket_url":    b.wsURL,
	}, nil
}

// UserAgent implements driver.Driver.
func (b *Browser) UserAgent(ctx context.Context) (string, error) {
	v, err := proto.BrowserGetVersion{}.Call(b.rb.Context(ctx))
	if err != nil {
		return "", classify("user_agent", err)
	}
	return v.UserAgent, nil
}

// CDPCall implements driver.Driver: a raw protocol passthrough scoped to
// the given page's session.
func (b *Browser) CDPCall(ctx context.Context, pg driver.Page, method string, params json.RawMessage) (json.RawMessage, error) {
	p, ok := pg.(*page)
	if !ok {
		return nil, driver.NewError(driver.KindDriver, "cdp", fmt.Errorf("foreign page implementation %T", pg))
	}
	var payload any
	if len(params) > 0 {
		payload = params
	}
	res, err := p.p.Call(ctx, string(p.p.SessionID), method, payload)
	if err != nil {
		return nil, classify("cdp", err)
	}
	return json.RawMessage(res), nil
}

// Cookies implements driver.Driver.
func (b *Browser) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	cs, err := b.rb.Context(ctx).GetCookies()
	if err != nil {
		return nil, classify("cookies", err)
	}
	out := make([]driver.Cookie, 0, len(cs))
	for _, c := range cs {
		out = append(out, driver.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return out, nil
}

// SetCookies implements driver.Driver.
func (b *Browser) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			p.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		if c.SameSite != "" {
			p.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		params = append(params, p)
	}
	if err := b.rb.Context(ctx).SetCookies(params); err != nil {
		return classify("set_cookies", err)
	}
	return nil
}

// ClearCookies implements driver.Driver.
func (b *Browser) ClearCookies(ctx context.Context) error {
	if err := (proto.StorageClearCookies{}).Call(b.rb.Context(ctx)); err != nil {
		return classify("clear_cookies", err)
	}
	return nil
}

// TraceStart implements driver.Driver.
func (b *Browser) TraceStart(ctx context.Context, screenshots bool) error {
	b.traceMu.Lock()
	if b.traceBuf != nil {
		b.traceMu.Unlock()
		return driver.NewError(driver.KindDriver, "trace_start", fmt.Errorf("trace already running"))
	}
	b.traceBuf = make(chan []byte, 1)
	b.traceMu.Unlock()

	categories := "devtools.timeline,disabled-by-default-devtools.timeline"
	if screenshots {
		categories += ",disabled-by-default-devtools.screenshot"
	}
	err := proto.TracingStart{
		Categories:   categories,
		TransferMode: proto.TracingStartTransferModeReturnAsStream,
	}.Call(b.rb.Context(ctx))
	if err != nil {
		b.traceMu.Lock()
		b.traceBuf = nil
		b.traceMu.Unlock()
		return classify("trace_start", err)
	}
	return nil
}

// TraceStop implements driver.Driver. The collected trace is wrapped in
// a zip archive containing trace.json.
func (b *Browser) TraceStop(ctx context.Context) ([]byte, error) {
	b.traceMu.Lock()
	buf := b.traceBuf
	b.traceMu.Unlock()
	if buf == nil {
		return nil, driver.NewError(driver.KindDriver, "trace_stop", fmt.Errorf("no trace running"))
	}

	if err := (proto.TracingEnd{}).Call(b.rb.Context(ctx)); err != nil {
		return nil, classify("trace_stop", err)
	}

	var data []byte
	select {
	case data = <-buf:
	case <-ctx.Done():
		return nil, driver.NewError(driver.KindTimeout, "trace_stop", ctx.Err())
	}
	b.traceMu.Lock()
	b.traceBuf = nil
	b.traceMu.Unlock()

	if data == nil {
		return nil, driver.NewError(driver.KindDriver, "trace_stop", fmt.Errorf("trace stream unavailable"))
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	f, err := zw.Create("trace.json")
	if err == nil {
		_, err = f.Write(data)
	}
	if err == nil {
		err = zw.Close()
	}
	if err != nil {
		return nil, driver.NewError(driver.KindDriver, "trace_stop", err)
	}
	return out.Bytes(), nil
}

// readStream drains a CDP IO stream handle.
func (b *Browser) readStream(handle proto.IOStreamHandle) ([]byte, error) {
	var out bytes.Buffer
	for {
		res, err := proto.IORead{Handle: handle}.Call(b.rb)
		if err != nil {
			return nil, err
		}
		chunk := []byte(res.Data)
		if res.Base64Encoded {
			decoded, err := base64.StdEncoding.DecodeString(res.Data)
			if err != nil {
				return nil, err
			}
			chunk = decoded
		}
		out.Write(chunk)
		if res.EOF {
			break
		}
	}
	_ = proto.IOClose{Handle: handle}.Call(b.rb)
	return out.Bytes(), nil
}
