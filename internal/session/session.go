// Package session owns the daemon's sessions: one browser driver plus its
// pages, observation buffers, policy engine, snapshot registry, and the
// per-session serializer that keeps actions ordered.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/agentmb/idgen"
	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/internal/rings"
	"github.com/hazyhaar/agentmb/internal/snapshot"
)

// Session states.
const (
	StateLive   = "live"
	StateZombie = "zombie" // restored from disk without a driver
)

// Launch modes.
const (
	ModeManaged   = "managed"
	ModeAttach    = "attach"
	ModeEphemeral = "ephemeral"
)

// Errors surfaced to the HTTP layer.
var (
	ErrSealed    = errors.New("session is sealed")
	ErrLastPage  = errors.New("cannot close the last page")
	ErrZombie    = errors.New("session has no driver (restored zombie)")
	ErrNoPage    = errors.New("page not found")
	ErrNotActive = errors.New("no active page")
)

// PageInfo is the wire shape of one page.
type PageInfo struct {
	PageID string `json:"page_id"`
	URL    string `json:"url"`
	Active bool   `json:"active"`
}

// Info is the wire shape of a session.
type Info struct {
	SessionID       string `json:"session_id"`
	Profile         string `json:"profile"`
	Headless        bool   `json:"headless"`
	CreatedAt       string `json:"created_at"`
	State           string `json:"state"`
	LaunchMode      string `json:"launch_mode"`
	Ephemeral       bool   `json:"ephemeral"`
	AgentID         string `json:"agent_id,omitempty"`
	AcceptDownloads bool   `json:"accept_downloads"`
	Sealed          bool   `json:"sealed"`
	PageRev         int64  `json:"page_rev"`
	Pages           int    `json:"pages"`
	PolicyProfile   string `json:"policy_profile"`
	Warning         string `json:"warning,omitempty"`
}

// MockEntry is one registered route mock, in registration order.
type MockEntry struct {
	Pattern string          `json:"pattern"`
	Mock    driver.RouteMock `json:"mock"`
}

// Session is one live browser context plus everything the daemon tracks
// about it. Action execution is serialized through Acquire/Release; the
// driver event consumer and HTTP inspection handlers touch only
// concurrency-safe members.
type Session struct {
	ID              string
	Profile         string
	Headless        bool
	CreatedAt       time.Time
	LaunchMode      string
	Ephemeral       bool
	AgentID         string
	AcceptDownloads bool
	CDPURL          string

	Rev       *snapshot.Rev
	Snapshots *snapshot.Registry
	Policy    *policy.Engine

	Audit      *rings.Ring[rings.AuditEntry]
	Console    *rings.Ring[rings.ConsoleEntry]
	PageErrors *rings.Ring[rings.PageErrorEntry]
	Dialogs    *rings.Ring[rings.DialogEntry]

	log   *slog.Logger
	newPg idgen.Generator

	sem chan struct{} // per-session serializer, capacity 1

	mu        sync.Mutex
	state     string
	sealed    bool
	drv       driver.Driver
	tempDir   string
	staging   []string // upload staging dirs, removed on destroy
	pages     map[string]driver.Page // page_id -> page
	pageOrder []string
	byTarget  map[string]string // engine target id -> page_id
	active    string
	mocks     []MockEntry
	actionSeq int64
	taps      map[chan TapEvent]struct{}

	consumerDone chan struct{}
}

// TapEvent is one frame pushed to websocket observers.
type TapEvent struct {
	Kind  string `json:"kind"` // console, page_error, dialog
	Entry any    `json:"entry"`
}

// newSession wires the in-memory state; the caller attaches the driver.
func newSession(id string, pol policy.Policy, ringSize, snapshotLRU int, logger *slog.Logger) (*Session, error) {
	reg, err := snapshot.NewRegistry(snapshotLRU)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:         id,
		CreatedAt:  time.Now().UTC(),
		Rev:        &snapshot.Rev{},
		Snapshots:  reg,
		Policy:     policy.NewEngine(pol),
		Audit:      rings.New[rings.AuditEntry](ringSize),
		Console:    rings.New[rings.ConsoleEntry](ringSize),
		PageErrors: rings.New[rings.PageErrorEntry](ringSize),
		Dialogs:    rings.New[rings.DialogEntry](ringSize),
		log:        logger.With("session_id", id),
		newPg:      idgen.Page,
		sem:        make(chan struct{}, 1),
		state:      StateLive,
		pages:      make(map[string]driver.Page),
		byTarget:   make(map[string]string),
		taps:       make(map[chan TapEvent]struct{}),
	}, nil
}

// AddStagingDir registers a temp dir holding staged upload files. The
// browser may read them lazily (form submit after the action), so they
// live until the session is destroyed.
func (s *Session) AddStagingDir(dir string) {
	s.mu.Lock()
	s.staging = append(s.staging, dir)
	s.mu.Unlock()
}

// cleanupStaging removes every registered staging dir.
func (s *Session) cleanupStaging() {
	s.mu.Lock()
	dirs := s.staging
	s.staging = nil
	s.mu.Unlock()
	for _, d := range dirs {
		if err := os.RemoveAll(d); err != nil {
			s.log.Warn("staging dir removal failed", "dir", d, "error", err)
		}
	}
}

// Acquire takes the session serializer, honoring the caller's deadline.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the serializer.
func (s *Session) Release() { <-s.sem }

// NextActionID returns the next strictly monotonic action id. Called
// under the serializer.
func (s *Session) NextActionID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actionSeq++
	return s.actionSeq
}

// Seal marks the session immune to destructive endpoints. Irreversible.
func (s *Session) Seal() {
	s.mu.Lock()
	s.sealed = true
	s.mu.Unlock()
}

// Sealed reports the seal flag.
func (s *Session) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// State reports live or zombie.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Driver returns the driver or ErrZombie.
func (s *Session) Driver() (driver.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv == nil {
		return nil, ErrZombie
	}
	return s.drv, nil
}

// ActivePage returns the current active page handle.
func (s *Session) ActivePage() (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.drv == nil {
		return nil, ErrZombie
	}
	p, ok := s.pages[s.active]
	if !ok {
		return nil, ErrNotActive
	}
	return p, nil
}

// Page returns a page by id.
func (s *Session) Page(pageID string) (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pages[pageID]
	if !ok {
		return nil, ErrNoPage
	}
	return p, nil
}

// Pages lists the session's pages in creation order.
func (s *Session) Pages() []PageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PageInfo, 0, len(s.pageOrder))
	for _, id := range s.pageOrder {
		p, ok := s.pages[id]
		if !ok {
			continue
		}
		out = append(out, PageInfo{PageID: id, URL: p.URL(), Active: id == s.active})
	}
	return out
}

// adoptPage registers a driver page under a fresh page_id.
func (s *Session) adoptPage(p driver.Page, activate bool) string {
	s.mu.Lock()
	id := s.newPg()
	s.pages[id] = p
	s.pageOrder = append(s.pageOrder, id)
	s.byTarget[p.TargetID()] = id
	if activate || s.active == "" {
		s.active = id
	}
	s.mu.Unlock()
	return id
}

// NewPage opens a fresh page, applies the session's route mocks, and
// makes it active. Bumps page_rev (page switch).
func (s *Session) NewPage(ctx context.Context) (string, error) {
	drv, err := s.Driver()
	if err != nil {
		return "", err
	}
	p, err := drv.NewPage(ctx)
	if err != nil {
		return "", err
	}
	id := s.adoptPage(p, true)
	s.applyMocks(ctx, p)
	s.Rev.Bump()
	return id, nil
}

// SwitchPage makes the given page active and bumps page_rev.
func (s *Session) SwitchPage(ctx context.Context, pageID string) error {
	s.mu.Lock()
	p, ok := s.pages[pageID]
	if !ok {
		s.mu.Unlock()
		return ErrNoPage
	}
	s.active = pageID
	s.mu.Unlock()

	if err := p.Activate(ctx); err != nil {
		s.log.Warn("page activate failed", "page_id", pageID, "error", err)
	}
	s.Rev.Bump()
	return nil
}

// ClosePage closes a page, guarding the last one. If the active page was
// closed the oldest remaining page becomes active.
func (s *Session) ClosePage(ctx context.Context, pageID string) error {
	s.mu.Lock()
	p, ok := s.pages[pageID]
	if !ok {
		s.mu.Unlock()
		return ErrNoPage
	}
	if len(s.pages) <= 1 {
		s.mu.Unlock()
		return ErrLastPage
	}
	s.removePageLocked(pageID)
	wasActive := s.active == ""
	if wasActive && len(s.pageOrder) > 0 {
		s.active = s.pageOrder[0]
	}
	s.mu.Unlock()

	if err := p.Close(ctx); err != nil {
		return err
	}
	if wasActive {
		s.Rev.Bump()
	}
	return nil
}

// removePageLocked drops all bookkeeping for a page. Clears active when
// it pointed at the removed page.
func (s *Session) removePageLocked(pageID string) {
	p := s.pages[pageID]
	delete(s.pages, pageID)
	if p != nil {
		delete(s.byTarget, p.TargetID())
	}
	for i, id := range s.pageOrder {
		if id == pageID {
			s.pageOrder = append(s.pageOrder[:i], s.pageOrder[i+1:]...)
			break
		}
	}
	if s.active == pageID {
		s.active = ""
	}
}

// Mocks returns the registered route mocks in registration order.
func (s *Session) Mocks() []MockEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MockEntry, len(s.mocks))
	copy(out, s.mocks)
	return out
}

// AddMock registers a route mock on the session and the active page.
// Last writer wins on identical patterns.
func (s *Session) AddMock(ctx context.Context, pattern string, mock driver.RouteMock) error {
	p, err := s.ActivePage()
	if err != nil {
		return err
	}
	if err := p.Route(ctx, pattern, mock); err != nil {
		return err
	}
	s.mu.Lock()
	for i := range s.mocks {
		if s.mocks[i].Pattern == pattern {
			s.mocks = append(s.mocks[:i], s.mocks[i+1:]...)
			break
		}
	}
	s.mocks = append(s.mocks, MockEntry{Pattern: pattern, Mock: mock})
	s.mu.Unlock()
	return nil
}

// RemoveMock removes a mock from the session and the active page.
func (s *Session) RemoveMock(ctx context.Context, pattern string) error {
	s.mu.Lock()
	found := false
	for i := range s.mocks {
		if s.mocks[i].Pattern == pattern {
			s.mocks = append(s.mocks[:i], s.mocks[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()
	if !found {
		return fmt.Errorf("no route mock for pattern %q", pattern)
	}
	p, err := s.ActivePage()
	if err != nil {
		return err
	}
	return p.Unroute(ctx, pattern)
}

// applyMocks replays the session's mock table onto a page, preserving
// registration order.
func (s *Session) applyMocks(ctx context.Context, p driver.Page) {
	s.mu.Lock()
	mocks := make([]MockEntry, len(s.mocks))
	copy(mocks, s.mocks)
	s.mu.Unlock()
	for _, m := range mocks {
		if err := p.Route(ctx, m.Pattern, m.Mock); err != nil {
			s.log.Warn("route mock replay failed", "pattern", m.Pattern, "error", err)
		}
	}
}

// Subscribe attaches a websocket tap. The returned cancel detaches it.
func (s *Session) Subscribe() (<-chan TapEvent, func()) {
	ch := make(chan TapEvent, 64)
	s.mu.Lock()
	s.taps[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.taps, ch)
		s.mu.Unlock()
	}
}

func (s *Session) pushTap(ev TapEvent) {
	s.mu.Lock()
	for ch := range s.taps {
		select {
		case ch <- ev:
		default:
		}
	}
	s.mu.Unlock()
}

// consumeEvents is the single consumer of the driver's event stream. It
// drives the page-rev state machine and fills the observation rings.
// Runs until the driver closes its stream.
func (s *Session) consumeEvents(drv driver.Driver) {
	defer close(s.consumerDone)
	for ev := range drv.Events() {
		switch ev.Type {
		case driver.EventNavigated, driver.EventFrameNavigated:
			if s.isActiveTarget(ev.TargetID) {
				s.Rev.Bump()
			}
		case driver.EventConsole:
			entry := rings.ConsoleEntry{Timestamp: ev.Time, Type: ev.Level, Text: ev.Text, URL: ev.URL}
			s.Console.Append(entry)
			s.pushTap(TapEvent{Kind: "console", Entry: entry})
		case driver.EventPageError:
			entry := rings.PageErrorEntry{Timestamp: ev.Time, Message: ev.Text, URL: ev.URL}
			s.PageErrors.Append(entry)
			s.pushTap(TapEvent{Kind: "page_error", Entry: entry})
		case driver.EventDialog:
			entry := rings.DialogEntry{Timestamp: ev.Time, Type: ev.Dialog, Action: ev.Action, Message: ev.Message}
			s.Dialogs.Append(entry)
			s.pushTap(TapEvent{Kind: "dialog", Entry: entry})
		case driver.EventPageOpened:
			s.adoptOpenedPage(ev.TargetID)
		case driver.EventPageClosed:
			s.dropClosedPage(ev.TargetID)
		case driver.EventDownload:
			s.Audit.Append(rings.AuditEntry{
				Timestamp: ev.Time,
				V:         1,
				SessionID: s.ID,
				Type:      rings.TypeSystem,
				Action:    "download_started",
				URL:       ev.URL,
				Result:    map[string]any{"filename": ev.Text},
			})
		}
	}
}

func (s *Session) isActiveTarget(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTarget[targetID] == s.active && s.active != ""
}

// adoptOpenedPage registers a page the browser opened itself. It does
// not steal the active slot.
func (s *Session) adoptOpenedPage(targetID string) {
	drv, err := s.Driver()
	if err != nil {
		return
	}
	s.mu.Lock()
	_, known := s.byTarget[targetID]
	s.mu.Unlock()
	if known {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pages, err := drv.Pages(ctx)
	if err != nil {
		s.log.Warn("listing pages after open event failed", "error", err)
		return
	}
	for _, p := range pages {
		if p.TargetID() == targetID {
			id := s.adoptPage(p, false)
			s.log.Debug("adopted browser-opened page", "page_id", id)
			return
		}
	}
}

func (s *Session) dropClosedPage(targetID string) {
	s.mu.Lock()
	pageID, ok := s.byTarget[targetID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.removePageLocked(pageID)
	if s.active == "" && len(s.pageOrder) > 0 {
		s.active = s.pageOrder[0]
	}
	s.mu.Unlock()
}

// attachDriver binds a driver to the session, adopts its initial pages,
// and starts the event consumer.
func (s *Session) attachDriver(ctx context.Context, drv driver.Driver) error {
	pages, err := drv.Pages(ctx)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		p, err := drv.NewPage(ctx)
		if err != nil {
			return err
		}
		pages = []driver.Page{p}
	}

	s.mu.Lock()
	s.drv = drv
	s.state = StateLive
	s.consumerDone = make(chan struct{})
	s.mu.Unlock()

	for i, p := range pages {
		s.adoptPage(p, i == 0)
	}
	go s.consumeEvents(drv)
	return nil
}

// detachDriver stops the event consumer and returns the driver so the
// caller can close or disconnect it. Session state becomes zombie.
func (s *Session) detachDriver() (driver.Driver, chan struct{}) {
	s.mu.Lock()
	drv := s.drv
	done := s.consumerDone
	s.drv = nil
	s.state = StateZombie
	s.pages = make(map[string]driver.Page)
	s.pageOrder = nil
	s.byTarget = make(map[string]string)
	s.active = ""
	s.mu.Unlock()
	return drv, done
}

// Settings is the wire shape of GET /sessions/{id}/settings.
type Settings struct {
	SessionID     string `json:"session_id"`
	Profile       string `json:"profile"`
	Headless      bool   `json:"headless"`
	Viewport      string `json:"viewport,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	URL           string `json:"url,omitempty"`
	LaunchMode    string `json:"launch_mode"`
	PolicyProfile string `json:"policy_profile"`
}

// Info snapshots the session for the wire.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		SessionID:       s.ID,
		Profile:         s.Profile,
		Headless:        s.Headless,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
		State:           s.state,
		LaunchMode:      s.LaunchMode,
		Ephemeral:       s.Ephemeral,
		AgentID:         s.AgentID,
		AcceptDownloads: s.AcceptDownloads,
		Sealed:          s.sealed,
		PageRev:         s.Rev.Current(),
		Pages:           len(s.pages),
		PolicyProfile:   s.Policy.Policy().Profile,
	}
	if s.LaunchMode == ModeAttach {
		info.Warning = "close will disconnect only; remote browser process is not terminated"
	}
	return info
}
