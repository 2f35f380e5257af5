package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/hazyhaar/agentmb/idgen"
	"github.com/hazyhaar/agentmb/internal/browser"
	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/policy"
	"github.com/hazyhaar/agentmb/observability"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// ErrShuttingDown is returned for session creation during shutdown.
var ErrShuttingDown = errors.New("daemon is shutting down")

// ValidationError is a create-time launch parameter violation; the HTTP
// layer maps it to a preflight failure.
type ValidationError struct {
	Field      string
	Constraint string
	Message    string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// CreateParams is the body of POST /sessions.
type CreateParams struct {
	Profile         string `json:"profile,omitempty"`
	Headless        *bool  `json:"headless,omitempty"`
	AgentID         string `json:"agent_id,omitempty"`
	AcceptDownloads bool   `json:"accept_downloads,omitempty"`
	LaunchMode      string `json:"launch_mode,omitempty"`
	CDPURL          string `json:"cdp_url,omitempty"`
	BrowserChannel  string `json:"browser_channel,omitempty"`
	ExecutablePath  string `json:"executable_path,omitempty"`
	Ephemeral       bool   `json:"ephemeral,omitempty"`
}

var profileNameRe = regexp.MustCompile(`^[\w-]+$`)

// Config carries registry-wide settings from the supervisor. Launcher
// and Attacher default to the real browser adapter; tests substitute
// in-memory drivers.
type Config struct {
	DataDir       string
	DefaultPolicy string
	RingSize      int
	SnapshotLRU   int
	Logger        *slog.Logger

	Launcher func(ctx context.Context, opts browser.LaunchOptions) (driver.Driver, error)
	Attacher func(ctx context.Context, cdpURL string, logger *slog.Logger) (driver.Driver, error)

	// Events receives session lifecycle transitions; nil disables the
	// durable event trail.
	Events *observability.EventLogger
}

// Registry owns every session in the process.
type Registry struct {
	cfg   Config
	log   *slog.Logger
	newID idgen.Generator

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool

	launch  func(ctx context.Context, opts browser.LaunchOptions) (driver.Driver, error)
	attachF func(ctx context.Context, cdpURL string, logger *slog.Logger) (driver.Driver, error)
}

// NewRegistry creates the process-wide session registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RingSize < 1 {
		cfg.RingSize = 500
	}
	if cfg.SnapshotLRU < 1 {
		cfg.SnapshotLRU = 16
	}
	r := &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		newID:    idgen.Session,
		sessions: make(map[string]*Session),
		launch:   cfg.Launcher,
		attachF:  cfg.Attacher,
	}
	if r.launch == nil {
		r.launch = func(ctx context.Context, opts browser.LaunchOptions) (driver.Driver, error) {
			return browser.Launch(ctx, opts)
		}
	}
	if r.attachF == nil {
		r.attachF = func(ctx context.Context, cdpURL string, logger *slog.Logger) (driver.Driver, error) {
			return browser.Attach(ctx, cdpURL, logger)
		}
	}
	return r
}

// validateCreate enforces the launch-mode invariants.
func validateCreate(p *CreateParams) error {
	switch p.LaunchMode {
	case "", ModeManaged, ModeAttach, ModeEphemeral:
	default:
		return &ValidationError{Field: "launch_mode", Constraint: "one of managed, attach, ephemeral", Message: fmt.Sprintf("unknown launch_mode %q", p.LaunchMode)}
	}
	if p.Ephemeral && p.LaunchMode == "" {
		p.LaunchMode = ModeEphemeral
	}
	if p.LaunchMode == "" {
		p.LaunchMode = ModeManaged
	}

	if p.LaunchMode == ModeAttach {
		if p.CDPURL == "" {
			return &ValidationError{Field: "cdp_url", Constraint: "required for attach", Message: "attach mode requires cdp_url"}
		}
		u, err := url.Parse(p.CDPURL)
		if err != nil || u.Host == "" {
			return &ValidationError{Field: "cdp_url", Constraint: "http(s) or ws(s) URL", Message: fmt.Sprintf("malformed cdp_url %q", p.CDPURL)}
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return &ValidationError{Field: "cdp_url", Constraint: "http(s) or ws(s) URL", Message: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
		}
		if p.BrowserChannel != "" {
			return &ValidationError{Field: "browser_channel", Constraint: "forbidden with attach", Message: "attach mode connects to an existing browser; browser_channel is meaningless"}
		}
	} else if p.CDPURL != "" {
		return &ValidationError{Field: "cdp_url", Constraint: "attach mode only", Message: "cdp_url requires launch_mode=attach"}
	}

	if p.BrowserChannel != "" {
		switch p.BrowserChannel {
		case "chromium", "chrome", "msedge":
		default:
			return &ValidationError{Field: "browser_channel", Constraint: "one of chromium, chrome, msedge", Message: fmt.Sprintf("unknown browser_channel %q", p.BrowserChannel)}
		}
		if p.ExecutablePath != "" {
			return &ValidationError{Field: "executable_path", Constraint: "mutually exclusive with browser_channel", Message: "set either browser_channel or executable_path, not both"}
		}
	}

	if p.LaunchMode == ModeEphemeral && p.Profile != "" {
		return &ValidationError{Field: "profile", Constraint: "forbidden with ephemeral", Message: "ephemeral sessions always use a fresh temp profile"}
	}
	if p.Profile != "" && !profileNameRe.MatchString(p.Profile) {
		return &ValidationError{Field: "profile", Constraint: `matches ^[\w-]+$`, Message: fmt.Sprintf("invalid profile name %q", p.Profile)}
	}
	return nil
}

// Create validates launch parameters, launches or attaches the driver,
// and registers the new session.
func (r *Registry) Create(ctx context.Context, p CreateParams) (*Session, error) {
	if err := validateCreate(&p); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return nil, ErrShuttingDown
	}
	r.mu.Unlock()

	pol, err := policy.ForProfile(r.cfg.DefaultPolicy)
	if err != nil {
		pol, _ = policy.ForProfile(policy.ProfileSafe)
	}

	id := r.newID()
	s, err := newSession(id, pol, r.cfg.RingSize, r.cfg.SnapshotLRU, r.log)
	if err != nil {
		return nil, err
	}
	headless := true
	if p.Headless != nil {
		headless = *p.Headless
	}
	s.Headless = headless
	s.AgentID = p.AgentID
	s.AcceptDownloads = p.AcceptDownloads
	s.LaunchMode = p.LaunchMode
	s.Ephemeral = p.LaunchMode == ModeEphemeral
	s.CDPURL = p.CDPURL

	var drv driver.Driver
	switch p.LaunchMode {
	case ModeAttach:
		drv, err = r.attachF(ctx, p.CDPURL, r.log)

	case ModeEphemeral:
		dir := filepath.Join(os.TempDir(), "agentmb-eph-"+id)
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("session: ephemeral dir: %w", err)
		}
		s.tempDir = dir
		drv, err = r.launch(ctx, browser.LaunchOptions{
			ProfileDir:      dir,
			Headless:        headless,
			AcceptDownloads: p.AcceptDownloads,
			Channel:         p.BrowserChannel,
			ExecutablePath:  p.ExecutablePath,
			Logger:          r.log,
		})
		if err != nil {
			os.RemoveAll(dir)
		}

	default: // managed
		profile := p.Profile
		if profile == "" {
			profile = "default"
		}
		s.Profile = profile
		dir := filepath.Join(r.cfg.DataDir, "profiles", profile)
		if err = os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("session: profile dir: %w", err)
		}
		drv, err = r.launch(ctx, browser.LaunchOptions{
			ProfileDir:      dir,
			Headless:        headless,
			AcceptDownloads: p.AcceptDownloads,
			Channel:         p.BrowserChannel,
			ExecutablePath:  p.ExecutablePath,
			Logger:          r.log,
		})
	}
	if err != nil {
		return nil, err
	}

	if err := s.attachDriver(ctx, drv); err != nil {
		r.teardownDriver(context.Background(), s, drv)
		return nil, err
	}

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()
	r.log.Info("session created", "session_id", id, "launch_mode", s.LaunchMode, "headless", headless)
	eventType := observability.EventSessionCreated
	if s.LaunchMode == ModeAttach {
		eventType = observability.EventSessionAttached
	}
	r.logEvent(ctx, eventType, s, true)
	return s, nil
}

// logEvent mirrors a lifecycle transition to the durable event trail.
func (r *Registry) logEvent(ctx context.Context, eventType string, s *Session, success bool) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.LogEvent(ctx, observability.SessionEvent{
		EventType: eventType,
		SessionID: s.ID,
		Operator:  s.AgentID,
		Profile:   s.Profile,
		Success:   success,
	})
}

// Get looks a session up by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// List returns all sessions sorted by creation time.
func (r *Registry) List() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].CreatedAt.Before(out[j-1].CreatedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Count reports the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Destroy closes a session. Sealed sessions refuse; ephemeral temp dirs
// are removed even when driver teardown fails.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	s, err := r.Get(id)
	if err != nil {
		return err
	}
	if s.Sealed() {
		return ErrSealed
	}
	return r.destroy(ctx, s)
}

func (r *Registry) destroy(ctx context.Context, s *Session) error {
	drv, done := s.detachDriver()
	var err error
	if drv != nil {
		err = r.teardownDriver(ctx, s, drv)
		if done != nil {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				r.log.Warn("event consumer did not stop in time", "session_id", s.ID)
			}
		}
	} else if s.tempDir != "" {
		if rmErr := os.RemoveAll(s.tempDir); rmErr != nil {
			r.log.Warn("ephemeral dir removal failed", "dir", s.tempDir, "error", rmErr)
		}
	}

	s.cleanupStaging()

	r.mu.Lock()
	delete(r.sessions, s.ID)
	r.mu.Unlock()
	r.log.Info("session destroyed", "session_id", s.ID, "launch_mode", s.LaunchMode)
	r.logEvent(ctx, observability.EventSessionKilled, s, err == nil)
	return err
}

// teardownDriver disconnects or closes the driver per launch mode and
// removes the ephemeral temp dir on every path.
func (r *Registry) teardownDriver(ctx context.Context, s *Session, drv driver.Driver) error {
	var err error
	if s.LaunchMode == ModeAttach {
		err = drv.Disconnect(ctx)
	} else {
		err = drv.Close(ctx)
	}
	if s.tempDir != "" {
		if rmErr := os.RemoveAll(s.tempDir); rmErr != nil {
			r.log.Warn("ephemeral dir removal failed", "dir", s.tempDir, "error", rmErr)
		}
	}
	return err
}

// Drain refuses new sessions, then force-destroys everything (sealed
// included: process shutdown overrides the seal's endpoint guard).
func (r *Registry) Drain(ctx context.Context) {
	r.mu.Lock()
	r.draining = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		if err := r.destroy(ctx, s); err != nil {
			r.log.Warn("session teardown during drain", "session_id", s.ID, "error", err)
		}
	}
}

// SetMode relaunches the session's browser with the requested headless
// flag while preserving cookies and the current URL. The session id and
// all observation state survive; page_rev bumps because the page set is
// recreated.
func (r *Registry) SetMode(ctx context.Context, s *Session, headless bool) error {
	if s.LaunchMode == ModeAttach {
		return &ValidationError{Field: "mode", Constraint: "managed sessions only", Message: "cannot change the mode of an attached browser"}
	}
	drv, err := s.Driver()
	if err != nil {
		return err
	}
	if s.Headless == headless {
		return nil
	}

	cookies, err := drv.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("session: export cookies: %w", err)
	}
	var currentURL string
	if p, err := s.ActivePage(); err == nil {
		currentURL = p.URL()
	}

	old, done := s.detachDriver()
	if closeErr := r.teardownDriver(ctx, s, old); closeErr != nil {
		r.log.Warn("closing browser for mode switch", "session_id", s.ID, "error", closeErr)
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	}

	profileDir := s.tempDir
	if profileDir == "" {
		profileDir = filepath.Join(r.cfg.DataDir, "profiles", s.Profile)
	}
	fresh, err := r.launch(ctx, browser.LaunchOptions{
		ProfileDir:      profileDir,
		Headless:        headless,
		AcceptDownloads: s.AcceptDownloads,
		Logger:          r.log,
	})
	if err != nil {
		return fmt.Errorf("session: relaunch: %w", err)
	}
	if err := s.attachDriver(ctx, fresh); err != nil {
		return err
	}
	s.Headless = headless

	if err := fresh.SetCookies(ctx, cookies); err != nil {
		r.log.Warn("restoring cookies after mode switch", "session_id", s.ID, "error", err)
	}
	if currentURL != "" && currentURL != "about:blank" {
		if p, err := s.ActivePage(); err == nil {
			if navErr := p.Navigate(ctx, currentURL, "load"); navErr != nil {
				r.log.Warn("restoring url after mode switch", "session_id", s.ID, "error", navErr)
			}
		}
	}
	s.Rev.Bump()
	return nil
}

// Adopt registers a restored zombie session (no driver attached).
func (r *Registry) Adopt(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}
