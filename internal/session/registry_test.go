package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hazyhaar/agentmb/internal/browser"
	"github.com/hazyhaar/agentmb/internal/driver"
	"github.com/hazyhaar/agentmb/internal/driver/drivertest"
	"github.com/hazyhaar/agentmb/internal/policy"
)

func mustPolicy(t *testing.T) policy.Policy {
	t.Helper()
	p, err := policy.ForProfile(policy.ProfileSafe)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func testRegistry(t *testing.T) (*Registry, *[]browser.LaunchOptions) {
	t.Helper()
	var launches []browser.LaunchOptions
	r := NewRegistry(Config{
		DataDir:       t.TempDir(),
		DefaultPolicy: "safe",
		RingSize:      50,
		SnapshotLRU:   4,
		Logger:        slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
		Launcher: func(_ context.Context, opts browser.LaunchOptions) (driver.Driver, error) {
			launches = append(launches, opts)
			return drivertest.New(), nil
		},
		Attacher: func(context.Context, string, *slog.Logger) (driver.Driver, error) {
			return drivertest.New(), nil
		},
	})
	return r, &launches
}

func TestValidateCreate(t *testing.T) {
	cases := []struct {
		name      string
		params    CreateParams
		wantField string
	}{
		{"defaults", CreateParams{}, ""},
		{"managed with profile", CreateParams{Profile: "work-1"}, ""},
		{"bad launch_mode", CreateParams{LaunchMode: "detached"}, "launch_mode"},
		{"attach without cdp_url", CreateParams{LaunchMode: ModeAttach}, "cdp_url"},
		{"attach malformed url", CreateParams{LaunchMode: ModeAttach, CDPURL: "::/bad"}, "cdp_url"},
		{"attach bad scheme", CreateParams{LaunchMode: ModeAttach, CDPURL: "ftp://host:9222"}, "cdp_url"},
		{"attach ok", CreateParams{LaunchMode: ModeAttach, CDPURL: "http://127.0.0.1:9222"}, ""},
		{"attach ws ok", CreateParams{LaunchMode: ModeAttach, CDPURL: "ws://127.0.0.1:9222/devtools"}, ""},
		{"attach with channel", CreateParams{LaunchMode: ModeAttach, CDPURL: "http://127.0.0.1:9222", BrowserChannel: "chrome"}, "browser_channel"},
		{"cdp_url without attach", CreateParams{CDPURL: "http://127.0.0.1:9222"}, "cdp_url"},
		{"unknown channel", CreateParams{BrowserChannel: "firefox"}, "browser_channel"},
		{"channel and executable", CreateParams{BrowserChannel: "chrome", ExecutablePath: "/usr/bin/chrome"}, "executable_path"},
		{"ephemeral with profile", CreateParams{LaunchMode: ModeEphemeral, Profile: "work"}, "profile"},
		{"profile path escape", CreateParams{Profile: "../etc"}, "profile"},
		{"profile with spaces", CreateParams{Profile: "my profile"}, "profile"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateCreate(&tc.params)
			if tc.wantField == "" {
				if err != nil {
					t.Fatalf("validateCreate = %v, want pass", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.wantField {
				t.Fatalf("validateCreate = %v, want ValidationError on %q", err, tc.wantField)
			}
		})
	}
}

func TestValidateCreate_FillsDefaults(t *testing.T) {
	p := CreateParams{}
	if err := validateCreate(&p); err != nil {
		t.Fatal(err)
	}
	if p.LaunchMode != ModeManaged {
		t.Fatalf("default launch_mode = %q", p.LaunchMode)
	}

	p = CreateParams{Ephemeral: true}
	if err := validateCreate(&p); err != nil {
		t.Fatal(err)
	}
	if p.LaunchMode != ModeEphemeral {
		t.Fatalf("ephemeral shorthand launch_mode = %q", p.LaunchMode)
	}
}

func TestRegistry_CreateManaged(t *testing.T) {
	r, launches := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Drain(context.Background()) })

	if s.Profile != "default" || s.LaunchMode != ModeManaged || !s.Headless {
		t.Fatalf("session = %+v", s.Info())
	}
	if len(*launches) != 1 {
		t.Fatalf("launches = %d", len(*launches))
	}
	wantDir := filepath.Join(r.cfg.DataDir, "profiles", "default")
	if (*launches)[0].ProfileDir != wantDir {
		t.Fatalf("profile dir = %q, want %q", (*launches)[0].ProfileDir, wantDir)
	}
	if _, err := os.Stat(wantDir); err != nil {
		t.Fatalf("profile dir not created: %v", err)
	}

	got, err := r.Get(s.ID)
	if err != nil || got != s {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if s.State() != StateLive {
		t.Fatalf("state = %q", s.State())
	}
	if got := s.Info().Pages; got != 1 {
		t.Fatalf("pages = %d, want the adopted initial page", got)
	}
}

func TestRegistry_CreateEphemeralCleansUp(t *testing.T) {
	r, launches := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{LaunchMode: ModeEphemeral})
	if err != nil {
		t.Fatal(err)
	}
	dir := (*launches)[0].ProfileDir
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("ephemeral dir missing: %v", err)
	}
	if !s.Ephemeral {
		t.Fatal("session not marked ephemeral")
	}

	if err := r.Destroy(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("ephemeral dir survived destroy: %v", err)
	}
	if _, err := r.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after destroy = %v", err)
	}
}

func TestRegistry_DestroyRemovesUploadStaging(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}

	dir, err := os.MkdirTemp("", "agentmb-upload-")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	s.AddStagingDir(dir)

	if err := r.Destroy(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("staging dir survived destroy: %v", err)
	}
}

func TestRegistry_SealBlocksDestroyButNotDrain(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	s.Seal()

	if err := r.Destroy(context.Background(), s.ID); !errors.Is(err, ErrSealed) {
		t.Fatalf("Destroy sealed = %v, want ErrSealed", err)
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("sealed session gone: %v", err)
	}

	r.Drain(context.Background())
	if r.Count() != 0 {
		t.Fatalf("sessions after drain = %d", r.Count())
	}
	if _, err := r.Create(context.Background(), CreateParams{}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Create while draining = %v", err)
	}
}

func TestRegistry_SetModeRejectsAttach(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{LaunchMode: ModeAttach, CDPURL: "http://127.0.0.1:9222"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Drain(context.Background()) })

	var ve *ValidationError
	if err := r.SetMode(context.Background(), s, false); !errors.As(err, &ve) {
		t.Fatalf("SetMode on attach = %v, want ValidationError", err)
	}
}

func TestRegistry_SetModeRelaunchesAndRestoresState(t *testing.T) {
	r, launches := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Drain(context.Background()) })

	drv, _ := s.Driver()
	drv.SetCookies(context.Background(), []driver.Cookie{{Name: "sid", Value: "abc", Domain: "example.com"}})
	page, _ := s.ActivePage()
	page.(*drivertest.Page).SetURL("https://example.com/app")

	revBefore := s.Rev.Current()
	if err := r.SetMode(context.Background(), s, false); err != nil {
		t.Fatal(err)
	}
	if s.Headless {
		t.Fatal("still headless after SetMode(false)")
	}
	if len(*launches) != 2 {
		t.Fatalf("launches = %d, want relaunch", len(*launches))
	}
	if (*launches)[1].Headless {
		t.Fatal("relaunch requested headless")
	}
	if s.Rev.Current() <= revBefore {
		t.Fatal("page_rev did not bump on mode switch")
	}

	fresh, _ := s.Driver()
	cookies, _ := fresh.Cookies(context.Background())
	if len(cookies) != 1 || cookies[0].Name != "sid" {
		t.Fatalf("cookies after relaunch = %v", cookies)
	}
	p, err := s.ActivePage()
	if err != nil {
		t.Fatal(err)
	}
	if p.URL() != "https://example.com/app" {
		t.Fatalf("url after relaunch = %q", p.URL())
	}

	// Same flag again is a no-op.
	if err := r.SetMode(context.Background(), s, false); err != nil {
		t.Fatal(err)
	}
	if len(*launches) != 2 {
		t.Fatalf("no-op mode switch relaunched: %d", len(*launches))
	}
}

func TestRegistry_PersistenceRoundTrip(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{Profile: "work", AgentID: "agent-7"})
	if err != nil {
		t.Fatal(err)
	}
	s.Seal()
	if _, err := r.Create(context.Background(), CreateParams{LaunchMode: ModeEphemeral}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := r.Save(path, ""); err != nil {
		t.Fatal(err)
	}
	r.Drain(context.Background())

	fresh, _ := testRegistry(t)
	n, err := fresh.Restore(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored %d sessions, want 1 (ephemeral skipped)", n)
	}
	got, err := fresh.Get(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State() != StateZombie {
		t.Fatalf("restored state = %q", got.State())
	}
	if !got.Sealed() || got.Profile != "work" || got.AgentID != "agent-7" {
		t.Fatalf("restored session = %+v", got.Info())
	}
	if _, err := got.ActivePage(); !errors.Is(err, ErrZombie) {
		t.Fatalf("zombie ActivePage = %v", err)
	}
}

func TestRegistry_PersistenceEncrypted(t *testing.T) {
	r, _ := testRegistry(t)
	if _, err := r.Create(context.Background(), CreateParams{}); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := r.Save(path, "hunter2"); err != nil {
		t.Fatal(err)
	}
	r.Drain(context.Background())

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) < 4 || string(raw[:4]) != magicV1 {
		t.Fatalf("encrypted file magic = %q", raw[:4])
	}

	fresh, _ := testRegistry(t)
	if _, err := fresh.Restore(path, "wrong"); err == nil {
		t.Fatal("restore with wrong passphrase succeeded")
	}
	n, err := fresh.Restore(path, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("restored %d", n)
	}
}

func TestRegistry_RestoreMissingFile(t *testing.T) {
	r, _ := testRegistry(t)
	n, err := r.Restore(filepath.Join(t.TempDir(), "nope.json"), "")
	if err != nil || n != 0 {
		t.Fatalf("Restore missing = %d, %v", n, err)
	}
}

func TestSession_PageLifecycle(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Drain(context.Background()) })

	first := s.Pages()[0].PageID
	rev0 := s.Rev.Current()

	second, err := s.NewPage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Rev.Current() != rev0+1 {
		t.Fatalf("rev after NewPage = %d", s.Rev.Current())
	}
	pages := s.Pages()
	if len(pages) != 2 || !pages[1].Active {
		t.Fatalf("pages after NewPage = %+v", pages)
	}

	if err := s.SwitchPage(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	if s.Rev.Current() != rev0+2 {
		t.Fatalf("rev after SwitchPage = %d", s.Rev.Current())
	}
	if err := s.SwitchPage(context.Background(), "pg_missing"); !errors.Is(err, ErrNoPage) {
		t.Fatalf("switch to unknown page = %v", err)
	}

	// Closing the inactive page does not bump the rev.
	if err := s.ClosePage(context.Background(), second); err != nil {
		t.Fatal(err)
	}
	if s.Rev.Current() != rev0+2 {
		t.Fatalf("rev after closing inactive page = %d", s.Rev.Current())
	}

	if err := s.ClosePage(context.Background(), first); !errors.Is(err, ErrLastPage) {
		t.Fatalf("closing last page = %v", err)
	}
}

func TestSession_EventConsumer(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Drain(context.Background()) })

	drv, _ := s.Driver()
	fake := drv.(*drivertest.Fake)
	events, cancel := s.Subscribe()
	defer cancel()

	page, _ := s.ActivePage()
	rev0 := s.Rev.Current()

	fake.Emit(driver.Event{Type: driver.EventConsole, Level: "error", Text: "boom", URL: "https://example.com"})
	select {
	case ev := <-events:
		if ev.Kind != "console" {
			t.Fatalf("tap event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tap event")
	}
	if got := s.Console.Tail(0); len(got) != 1 || got[0].Text != "boom" {
		t.Fatalf("console ring = %+v", got)
	}

	// Navigation on the active target bumps the rev; a foreign target
	// does not.
	fake.Emit(driver.Event{Type: driver.EventNavigated, TargetID: page.TargetID(), URL: "https://example.com/next"})
	fake.Emit(driver.Event{Type: driver.EventNavigated, TargetID: "target-elsewhere"})
	deadline := time.Now().Add(2 * time.Second)
	for s.Rev.Current() != rev0+1 {
		if time.Now().After(deadline) {
			t.Fatalf("rev = %d, want %d", s.Rev.Current(), rev0+1)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if s.Rev.Current() != rev0+1 {
		t.Fatalf("foreign-target navigation bumped rev to %d", s.Rev.Current())
	}
}

func TestSession_NextActionIDMonotonic(t *testing.T) {
	s, err := newSession("sess_test", mustPolicy(t), 10, 4, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	prev := int64(0)
	for i := 0; i < 100; i++ {
		id := s.NextActionID()
		if id <= prev {
			t.Fatalf("action id %d after %d", id, prev)
		}
		prev = id
	}
}

func TestRegistry_ProfileReset(t *testing.T) {
	r, _ := testRegistry(t)
	s, err := r.Create(context.Background(), CreateParams{Profile: "work"})
	if err != nil {
		t.Fatal(err)
	}

	profiles, err := r.Profiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0].Name != "work" || !profiles[0].InUse {
		t.Fatalf("profiles = %+v", profiles)
	}

	var inUse *ProfileInUseError
	if err := r.ResetProfile("work"); !errors.As(err, &inUse) {
		t.Fatalf("reset in-use profile = %v", err)
	}
	if len(inUse.SessionIDs) != 1 || inUse.SessionIDs[0] != s.ID {
		t.Fatalf("blocking sessions = %v", inUse.SessionIDs)
	}

	r.Drain(context.Background())
	if err := r.ResetProfile("work"); err != nil {
		t.Fatal(err)
	}
	if err := r.ResetProfile("work"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("reset missing profile = %v", err)
	}
	if err := r.ResetProfile("../escape"); err == nil {
		t.Fatal("path escape accepted")
	}
}
