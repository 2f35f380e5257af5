package config

import (
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "BIND", "DATA_DIR", "API_TOKEN", "DEFAULT_POLICY_PROFILE",
		"RING_BUFFER_SIZE", "SNAPSHOT_LRU", "LOG_LEVEL", "PERSIST_KEY",
		"AUDIT_DB", "CONFIG_FILE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 19315 {
		t.Fatalf("port: got %d", cfg.Port)
	}
	if cfg.Bind != "127.0.0.1" {
		t.Fatalf("bind: got %q", cfg.Bind)
	}
	if cfg.DefaultPolicyProfile != "safe" {
		t.Fatalf("profile: got %q", cfg.DefaultPolicyProfile)
	}
	if cfg.RingBufferSize != 500 {
		t.Fatalf("ring_buffer_size: got %d", cfg.RingBufferSize)
	}
	if cfg.SnapshotLRU != 16 {
		t.Fatalf("snapshot_lru: got %d", cfg.SnapshotLRU)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log_level: got %q", cfg.LogLevel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("BIND", "0.0.0.0")
	t.Setenv("DEFAULT_POLICY_PROFILE", "permissive")
	t.Setenv("RING_BUFFER_SIZE", "50")
	t.Setenv("SNAPSHOT_LRU", "4")
	t.Setenv("API_TOKEN", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9999 {
		t.Fatalf("port: got %d", cfg.Port)
	}
	if cfg.Addr() != "0.0.0.0:9999" {
		t.Fatalf("addr: got %q", cfg.Addr())
	}
	if cfg.DefaultPolicyProfile != "permissive" {
		t.Fatalf("profile: got %q", cfg.DefaultPolicyProfile)
	}
	if cfg.RingBufferSize != 50 || cfg.SnapshotLRU != 4 {
		t.Fatalf("sizes: got %d/%d", cfg.RingBufferSize, cfg.SnapshotLRU)
	}
	if cfg.APIToken != "secret" {
		t.Fatalf("token: got %q", cfg.APIToken)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "agentmb.yaml")
	data := []byte("port: 7070\nbind: 10.0.0.1\nlog_level: debug\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7171") // env wins over file

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 7171 {
		t.Fatalf("port: got %d, want env override", cfg.Port)
	}
	if cfg.Bind != "10.0.0.1" {
		t.Fatalf("bind: got %q, want file value", cfg.Bind)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level: got %q", cfg.LogLevel)
	}
}

func TestLoad_RejectsUnknownFileKeys(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "agentmb.yaml")
	if err := os.WriteFile(path, []byte("prot: 7070\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown key error")
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad port", "PORT", "not-a-number"},
		{"port out of range", "PORT", "70000"},
		{"bad profile", "DEFAULT_POLICY_PROFILE", "yolo"},
		{"bad ring size", "RING_BUFFER_SIZE", "0"},
		{"bad lru", "SNAPSHOT_LRU", "-1"},
		{"bad log level", "LOG_LEVEL", "loud"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestDerivedPaths(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATA_DIR", "/var/lib/agentmb")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.SessionsFile(); got != filepath.Join("/var/lib/agentmb", "sessions.json") {
		t.Fatalf("sessions file: got %q", got)
	}
	if got := cfg.PIDFile(); got != filepath.Join("/var/lib/agentmb", "agentmb.pid") {
		t.Fatalf("pid file: got %q", got)
	}
	if got := cfg.ProfilesDir(); got != filepath.Join("/var/lib/agentmb", "profiles") {
		t.Fatalf("profiles dir: got %q", got)
	}
}

func TestSlogLevel(t *testing.T) {
	cfg := &Config{LogLevel: "debug"}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Fatalf("debug: got %v", cfg.SlogLevel())
	}
	cfg.LogLevel = "error"
	if cfg.SlogLevel().String() != "ERROR" {
		t.Fatalf("error: got %v", cfg.SlogLevel())
	}
}
