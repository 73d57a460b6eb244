package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/autocore/internal/relay"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadRelayConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, "observer_port = 9000\nnotifier_port = 9001\n")

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Name != "autocore" || cfg.Host != relay.DefaultHost {
		t.Fatalf("unexpected defaults: name=%q host=%q", cfg.Name, cfg.Host)
	}

	broker, err := cfg.BrokerConfig()
	if err != nil {
		t.Fatalf("broker config: %v", err)
	}
	if broker.ObserverPort != 9000 || broker.NotifierPort != 9001 {
		t.Fatalf("unexpected ports: %d/%d", broker.ObserverPort, broker.NotifierPort)
	}
	if broker.ReadTimeout != 10*time.Second || broker.MaxPending != 4096 {
		t.Fatalf("unexpected broker defaults: %+v", broker)
	}
}

func TestLoadRelayConfigOverrides(t *testing.T) {
	path := writeFile(t, `
name = "plant"
host = "0.0.0.0"
read_timeout = "250ms"
write_timeout = "1s"
max_frame_bytes = 1024
lock_dir = "/var/run/autocore"
startup_timeout = "2s"
`)
	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	broker, err := cfg.BrokerConfig()
	if err != nil {
		t.Fatalf("broker config: %v", err)
	}
	if broker.Host != "0.0.0.0" || broker.ReadTimeout != 250*time.Millisecond {
		t.Fatalf("unexpected broker config: %+v", broker)
	}
	if broker.Limits.MaxFrameBytes != 1024 || broker.Limits.MaxHeaderBytes != 64*1024 {
		t.Fatalf("unexpected limits: %+v", broker.Limits)
	}
	opts, err := cfg.BootstrapOptions()
	if err != nil {
		t.Fatalf("bootstrap options: %v", err)
	}
	if opts.LockDir != "/var/run/autocore" || opts.StartupTimeout != 2*time.Second {
		t.Fatalf("unexpected bootstrap options: %+v", opts)
	}
}

func TestValidateRelayConfigRejects(t *testing.T) {
	cases := map[string]func(*RelayConfig){
		"bad duration": func(c *RelayConfig) { c.ReadTimeout = "soon" },
		"negative":     func(c *RelayConfig) { c.WriteTimeout = "-1s" },
		"shared port":  func(c *RelayConfig) { c.NotifierPort = c.ObserverPort },
		"port range":   func(c *RelayConfig) { c.ObserverPort = 70000 },
		"admin addr":   func(c *RelayConfig) { c.AdminAddr = "nowhere" },
		"empty name":   func(c *RelayConfig) { c.Name = " " },
	}
	for name, mutate := range cases {
		cfg := DefaultRelayConfig()
		mutate(&cfg)
		if err := ValidateRelayConfig(cfg); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%s: expected ErrInvalid, got %v", name, err)
		}
	}
}

func TestLoadRelayConfigMissingFile(t *testing.T) {
	if _, err := LoadRelayConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected load error for missing file")
	}
}

func TestRelayTemplateLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := WriteTemplate(path, "relay", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if _, err := LoadRelayConfig(path); err != nil {
		t.Fatalf("template should validate: %v", err)
	}
	if err := WriteTemplate(path, "relay", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "client", true); err != nil {
		t.Fatalf("overwrite template: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}
