package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.BindAddr != "127.0.0.1:18789" {
		t.Errorf("bind_addr = %q", cfg.Gateway.BindAddr)
	}
	if cfg.Gateway.MaxSessions != 32 {
		t.Errorf("max_sessions = %d", cfg.Gateway.MaxSessions)
	}
	if cfg.Approvals.Mode != "ask_always" {
		t.Errorf("approvals.mode = %q", cfg.Approvals.Mode)
	}
	if cfg.Client.HeartbeatSeconds != 30 {
		t.Errorf("heartbeat_seconds = %d", cfg.Client.HeartbeatSeconds)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	writeConfig(t, home, `
gateway:
  bind_addr: "0.0.0.0:9999"
  max_sessions: 2
sessions:
  unified: true
approvals:
  mode: smart_auto
  timeout_seconds: 5
`)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.BindAddr != "0.0.0.0:9999" || cfg.Gateway.MaxSessions != 2 {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if !cfg.Sessions.Unified {
		t.Error("unified not set")
	}
	if cfg.Approvals.Mode != "smart_auto" || cfg.Approvals.TimeoutSeconds != 5 {
		t.Errorf("approvals = %+v", cfg.Approvals)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	writeConfig(t, home, "gateway:\n  max_sesions: 2\n")
	if _, err := Load(); err == nil {
		t.Fatal("typo'd key accepted")
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	writeConfig(t, home, "approvals:\n  mode: yolo\n")
	_, err := Load()
	if err == nil {
		t.Fatal("invalid mode accepted")
	}
	if !strings.Contains(err.Error(), "mode") {
		t.Fatalf("error should mention mode: %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HEARTH_HOME", t.TempDir())
	t.Setenv("HEARTH_AUTH_TOKEN", "env-token")
	t.Setenv("HEARTH_MAX_SESSIONS", "7")
	t.Setenv("HEARTH_UNIFIED_SESSIONS", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.AuthToken != "env-token" {
		t.Errorf("auth_token = %q", cfg.Gateway.AuthToken)
	}
	if cfg.Gateway.MaxSessions != 7 {
		t.Errorf("max_sessions = %d", cfg.Gateway.MaxSessions)
	}
	if !cfg.Sessions.Unified {
		t.Error("unified override ignored")
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	writeConfig(t, home, "channels:\n  telegram:\n    enabled: true\n")
	if _, err := Load(); err == nil {
		t.Fatal("telegram enabled without token accepted")
	}
}

func TestFingerprintChangesWithSettings(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs differ")
	}
	b.Gateway.MaxSessions = 2
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint blind to max_sessions")
	}
}

func TestSetValue(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HEARTH_HOME", home)
	writeConfig(t, home, "approvals:\n  mode: ask_always\n")
	if err := SetValue(home, "approvals.mode", "full_auto"); err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load after SetValue: %v", err)
	}
	if cfg.Approvals.Mode != "full_auto" {
		t.Fatalf("mode = %q", cfg.Approvals.Mode)
	}
}
