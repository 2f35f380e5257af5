package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

//go:embed js/scan.js
var scanJS string

// target is a locator scope backed by a rod page; frames resolve to the
// same type since rod models frames as pages.
type target struct {
	b *Browser
	p *rod.Page
}

func (t *target) rod(ctx context.Context) *rod.Page {
	return t.p.Context(ctx)
}

// Locate implements driver.Target.
func (t *target) Locate(css string) driver.Locator {
	return &locator{t: t, css: css}
}

// Evaluate implements driver.Target.
func (t *target) Evaluate(ctx context.Context, fn string, args ...any) (json.RawMessage, error) {
	res, err := t.rod(ctx).Eval(fn, args...)
	if err != nil {
		return nil, classify("evaluate", err)
	}
	return json.RawMessage(res.Value.JSON("", "")), nil
}

// Scan implements driver.Target: runs the injected element scan.
func (t *target) Scan(ctx context.Context, opts driver.ScanOptions) ([]snapshot.Element, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 500
	}
	raw, err := t.Evaluate(ctx, scanJS, opts.Scope, limit, opts.IncludeUnlabeled)
	if err != nil {
		return nil, err
	}
	var res struct {
		Error    string             `json:"error"`
		Elements []snapshot.Element `json:"elements"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, driver.NewError(driver.KindEval, "scan", err)
	}
	if res.Error == "scope_not_found" {
		return nil, driver.NewError(driver.KindNotFound, "scan", fmt.Errorf("scope selector matched nothing"))
	}
	return res.Elements, nil
}

// page implements driver.Page.
type page struct {
	target

	frameMu  sync.Mutex
	pending  map[proto.PageFrameID]bool // subframes navigating, bump on load end
	routesMu sync.Mutex
	router   *rod.HijackRouter
	mocks    []routeEntry
}

type routeEntry struct {
	pattern string
	mock    driver.RouteMock
}

// TargetID implements driver.Page.
func (p *page) TargetID() string { return string(p.p.TargetID) }

// watch wires this page's CDP events into the browser's fan-in stream.
// Event handlers never propagate errors; they log and drop.
func (p *page) watch() {
	p.frameMu.Lock()
	if p.pending == nil {
		p.pending = make(map[proto.PageFrameID]bool)
	}
	p.frameMu.Unlock()

	p.p.EachEvent(
		func(e *proto.PageFrameNavigated) {
			if e.Frame.ParentID == "" {
				p.b.emit(driver.Event{Type: driver.EventNavigated, TargetID: p.TargetID(), URL: e.Frame.URL})
				return
			}
			p.frameMu.Lock()
			p.pending[e.Frame.ID] = true
			p.frameMu.Unlock()
		},
		func(e *proto.PageFrameStoppedLoading) {
			p.frameMu.Lock()
			wasPending := p.pending[e.FrameID]
			delete(p.pending, e.FrameID)
			p.frameMu.Unlock()
			if wasPending {
				p.b.emit(driver.Event{Type: driver.EventFrameNavigated, TargetID: p.TargetID()})
			}
		},
		func(e *proto.RuntimeConsoleAPICalled) {
			p.b.emit(driver.Event{
				Type:     driver.EventConsole,
				TargetID: p.TargetID(),
				Level:    string(e.Type),
				Text:     consoleText(e.Args),
				URL:      p.URL(),
			})
		},
		func(e *proto.RuntimeExceptionThrown) {
			msg := e.ExceptionDetails.Text
			if e.ExceptionDetails.Exception != nil && e.ExceptionDetails.Exception.Description != "" {
				msg = e.ExceptionDetails.Exception.Description
			}
			p.b.emit(driver.Event{
				Type:     driver.EventPageError,
				TargetID: p.TargetID(),
				Text:     msg,
				URL:      e.ExceptionDetails.URL,
			})
		},
		func(e *proto.PageJavascriptDialogOpening) {
			// Alerts and beforeunload block the page until answered;
			// confirm and prompt get a non-committal dismiss.
			accept := e.Type == proto.PageDialogTypeAlert || e.Type == proto.PageDialogTypeBeforeunload
			action := "dismiss"
			if accept {
				action = "accept"
			}
			if err := (proto.PageHandleJavaScriptDialog{Accept: accept}).Call(p.p); err != nil {
				p.b.log.Warn("browser: dialog handling failed", "error", err)
			}
			p.b.emit(driver.Event{
				Type:     driver.EventDialog,
				TargetID: p.TargetID(),
				Dialog:   string(e.Type),
				Action:   action,
				Message:  e.Message,
			})
		},
	)()
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case a.Value.Val() != nil:
			parts = append(parts, fmt.Sprint(a.Value.Val()))
		case a.Description != "":
			parts = append(parts, a.Description)
		default:
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " ")
}

// Navigate implements driver.Page.
func (p *page) Navigate(ctx context.Context, url, waitUntil string) error {
	rp := p.rod(ctx)

	// Listeners must exist before the navigation starts.
	var waitIdle, waitDCL func()
	switch waitUntil {
	case "networkidle":
		waitIdle = rp.WaitRequestIdle(300*time.Millisecond, nil, nil, nil)
	case "domcontentloaded":
		waitDCL = rp.WaitEvent(&proto.PageDomContentEventFired{})
	}

	if err := rp.Navigate(url); err != nil {
		return classify("navigate", err)
	}

	switch waitUntil {
	case "commit":
	case "domcontentloaded":
		waitDCL()
	case "networkidle":
		if err := rp.WaitLoad(); err != nil {
			return classify("navigate", err)
		}
		waitIdle()
	default: // "load"
		if err := rp.WaitLoad(); err != nil {
			return classify("navigate", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return driver.NewError(driver.KindTimeout, "navigate", err)
	}
	return nil
}

// Back implements driver.Page.
func (p *page) Back(ctx context.Context) error {
	rp := p.rod(ctx)
	if err := rp.NavigateBack(); err != nil {
		return classify("back", err)
	}
	return classify("back", rp.WaitLoad())
}

// Forward implements driver.Page.
func (p *page) Forward(ctx context.Context) error {
	rp := p.rod(ctx)
	if err := rp.NavigateForward(); err != nil {
		return classify("forward", err)
	}
	return classify("forward", rp.WaitLoad())
}

// Reload implements driver.Page.
func (p *page) Reload(ctx context.Context) error {
	rp := p.rod(ctx)
	if err := rp.Reload(); err != nil {
		return classify("reload", err)
	}
	return classify("reload", rp.WaitLoad())
}

// URL implements driver.Page. Best-effort: an unreachable page reports "".
func (p *page) URL() string {
	info, err := p.p.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Title implements driver.Page.
func (p *page) Title(ctx context.Context) (string, error) {
	info, err := p.rod(ctx).Info()
	if err != nil {
		return "", classify("title", err)
	}
	return info.Title, nil
}

// ReadyState implements driver.Page.
func (p *page) ReadyState(ctx context.Context) string {
	raw, err := p.Evaluate(ctx, `() => document.readyState`)
	if err != nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// Frame implements driver.Page.
func (p *page) Frame(ctx context.Context, sel driver.FrameSelector) (driver.Target, error) {
	els, err := p.rod(ctx).Elements("iframe,frame")
	if err != nil {
		return nil, classify("frame", err)
	}

	match := func(el *rod.Element, nth int) (bool, error) {
		switch sel.Type {
		case "nth":
			return fmt.Sprint(nth) == sel.Value, nil
		case "name":
			name, err := el.Attribute("name")
			if err != nil {
				return false, err
			}
			return name != nil && *name == sel.Value, nil
		case "url":
			src, err := el.Attribute("src")
			if err != nil {
				return false, err
			}
			return src != nil && strings.Contains(*src, sel.Value), nil
		default:
			return false, fmt.Errorf("unknown frame selector type %q", sel.Type)
		}
	}

	for i, el := range els {
		ok, err := match(el, i)
		if err != nil {
			return nil, classify("frame", err)
		}
		if !ok {
			continue
		}
		fp, err := el.Frame()
		if err != nil {
			return nil, classify("frame", err)
		}
		return &target{b: p.b, p: fp}, nil
	}
	return nil, driver.NewError(driver.KindNotFound, "frame", fmt.Errorf("no frame matches %s=%q", sel.Type, sel.Value))
}

// FrameInfos implements driver.Page.
func (p *page) FrameInfos(ctx context.Context) ([]driver.FrameInfo, error) {
	els, err := p.rod(ctx).Elements("iframe,frame")
	if err != nil {
		return nil, classify("frames", err)
	}
	out := make([]driver.FrameInfo, 0, len(els))
	for i, el := range els {
		var info driver.FrameInfo
		info.Nth = i
		if name, err := el.Attribute("name"); err == nil && name != nil {
			info.Name = *name
		}
		if src, err := el.Attribute("src"); err == nil && src != nil {
			info.URL = *src
		}
		out = append(out, info)
	}
	return out, nil
}

// Activate implements driver.Page.
func (p *page) Activate(ctx context.Context) error {
	if _, err := p.rod(ctx).Activate(); err != nil {
		return classify("activate", err)
	}
	return nil
}

// Close implements driver.Page.
func (p *page) Close(ctx context.Context) error {
	p.routesMu.Lock()
	if p.router != nil {
		if err := p.router.Stop(); err != nil {
			p.b.log.Debug("browser: hijack router stop", "error", err)
		}
		p.router = nil
	}
	p.routesMu.Unlock()

	if err := p.p.Close(); err != nil {
		return classify("close_page", err)
	}
	return nil
}

// Screenshot implements driver.Page.
func (p *page) Screenshot(ctx context.Context, opts driver.ScreenshotOptions) ([]byte, error) {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if opts.Format == "jpeg" {
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		if opts.Quality > 0 {
			q := opts.Quality
			req.Quality = &q
		}
	}
	data, err := p.rod(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, classify("screenshot", err)
	}
	return data, nil
}

// PDF implements driver.Page.
func (p *page) PDF(ctx context.Context) ([]byte, error) {
	r, err := p.rod(ctx).PDF(&proto.PagePrintToPDF{})
	if err != nil {
		return nil, classify("pdf", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify("pdf", err)
	}
	return data, nil
}

// SetViewport implements driver.Page.
func (p *page) SetViewport(ctx context.Context, width, height int, scale float64, mobile bool) error {
	if scale <= 0 {
		scale = 1
	}
	err := p.rod(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: scale,
		Mobile:            mobile,
	})
	if err != nil {
		return classify("set_viewport", err)
	}
	return nil
}

// SetNetworkConditions implements driver.Page. nil resets emulation.
func (p *page) SetNetworkConditions(ctx context.Context, cond *driver.NetworkConditions) error {
	req := proto.NetworkEmulateNetworkConditions{
		DownloadThroughput: -1,
		UploadThroughput:   -1,
	}
	if cond != nil {
		req.Offline = cond.Offline
		req.Latency = cond.LatencyMs
		if cond.DownloadThroughput > 0 {
			req.DownloadThroughput = cond.DownloadThroughput
		}
		if cond.UploadThroughput > 0 {
			req.UploadThroughput = cond.UploadThroughput
		}
	}
	if err := req.Call(p.rod(ctx)); err != nil {
		return classify("network_conditions", err)
	}
	return nil
}

// AddInitScript implements driver.Page.
func (p *page) AddInitScript(ctx context.Context, js string) error {
	if _, err := p.rod(ctx).EvalOnNewDocument(js); err != nil {
		return classify("add_init_script", err)
	}
	return nil
}
