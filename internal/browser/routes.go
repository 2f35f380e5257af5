package browser

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/agentmb/internal/driver"
)

// Route implements driver.Page. The hijack router is created lazily on
// the first mock and stays attached for the page's lifetime; matching is
// done against the daemon's own mock table so that registration order
// and last-writer-wins semantics stay under our control.
func (p *page) Route(ctx context.Context, pattern string, mock driver.RouteMock) error {
	p.routesMu.Lock()
	defer p.routesMu.Unlock()

	// Last-writer-wins on identical patterns.
	for i := range p.mocks {
		if p.mocks[i].pattern == pattern {
			p.mocks = append(p.mocks[:i], p.mocks[i+1:]...)
			break
		}
	}
	p.mocks = append(p.mocks, routeEntry{pattern: pattern, mock: mock})

	if p.router == nil {
		router := p.p.HijackRequests()
		if err := router.Add("*", "", p.serveMock); err != nil {
			p.mocks = nil
			return classify("route", err)
		}
		go router.Run()
		p.router = router
	}
	return nil
}

// Unroute implements driver.Page.
func (p *page) Unroute(ctx context.Context, pattern string) error {
	p.routesMu.Lock()
	defer p.routesMu.Unlock()
	for i := range p.mocks {
		if p.mocks[i].pattern == pattern {
			p.mocks = append(p.mocks[:i], p.mocks[i+1:]...)
			return nil
		}
	}
	return driver.NewError(driver.KindNotFound, "unroute", fmt.Errorf("no mock for pattern %q", pattern))
}

// serveMock answers matching requests from the mock table and lets
// everything else through.
func (p *page) serveMock(h *rod.Hijack) {
	url := h.Request.URL().String()

	p.routesMu.Lock()
	entry, ok := p.match(url)
	p.routesMu.Unlock()
	if !ok {
		h.ContinueRequest(&proto.FetchContinueRequest{})
		return
	}

	status := entry.mock.Status
	if status == 0 {
		status = 200
	}
	h.Response.Payload().ResponseCode = status
	contentType := entry.mock.ContentType
	if contentType == "" {
		contentType = "application/json"
	}
	h.Response.SetHeader("Content-Type", contentType)
	for k, v := range entry.mock.Headers {
		h.Response.SetHeader(k, v)
	}
	h.Response.SetBody(entry.mock.Body)
}

// match tries an exact pattern hit first, then glob patterns from the
// most recently registered backwards.
func (p *page) match(url string) (routeEntry, bool) {
	for i := len(p.mocks) - 1; i >= 0; i-- {
		if p.mocks[i].pattern == url {
			return p.mocks[i], true
		}
	}
	for i := len(p.mocks) - 1; i >= 0; i-- {
		if globMatch(p.mocks[i].pattern, url) {
			return p.mocks[i], true
		}
	}
	return routeEntry{}, false
}

// globMatch matches a pattern where * spans any run of characters.
func globMatch(pattern, s string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == s
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
