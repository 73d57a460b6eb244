package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/autocore/internal/client"
)

func writeProfile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	return path
}

func TestLoadProfileDefaults(t *testing.T) {
	cfg, err := loadProfile("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ObserverAddr != "127.0.0.1:8000" || cfg.NotifierAddr != "127.0.0.1:8001" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadProfileOverridesOnlyDefinedKeys(t *testing.T) {
	path := writeProfile(t, `
host = "10.0.0.5"
notifier_port = 9001
write_timeout = "2s"
max_reconnect_attempts = 3
`)
	cfg, err := loadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ObserverAddr != "10.0.0.5:8000" {
		t.Fatalf("unexpected observer addr: %q", cfg.ObserverAddr)
	}
	if cfg.NotifierAddr != "10.0.0.5:9001" {
		t.Fatalf("unexpected notifier addr: %q", cfg.NotifierAddr)
	}
	if cfg.Session.WriteTimeout != 2*time.Second {
		t.Fatalf("unexpected write timeout: %v", cfg.Session.WriteTimeout)
	}
	if cfg.Session.ConnectTimeout != client.DefaultConfig().Session.ConnectTimeout {
		t.Fatalf("connect timeout should keep its default: %v", cfg.Session.ConnectTimeout)
	}
	if cfg.MaxReconnectAttempts != 3 {
		t.Fatalf("unexpected reconnect attempts: %d", cfg.MaxReconnectAttempts)
	}
}

func TestLoadProfileRejectsBadDuration(t *testing.T) {
	path := writeProfile(t, `read_timeout = "whenever"`)
	if _, err := loadProfile(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
}

func TestLoadProfileMissingFile(t *testing.T) {
	if _, err := loadProfile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing profile")
	}
}
