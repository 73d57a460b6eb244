package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/autocore/internal/bootstrap"
	"github.com/danmuck/autocore/internal/protocol/frame"
	"github.com/danmuck/autocore/internal/relay"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalid = errors.New("config: invalid")

// RelayConfig is the on-disk shape of relayctl's config file. Durations are
// strings in time.ParseDuration form.
type RelayConfig struct {
	Name           string   `toml:"name"`
	Host           string   `toml:"host"`
	ObserverPort   int      `toml:"observer_port"`
	NotifierPort   int      `toml:"notifier_port"`
	MaxConnections int      `toml:"max_connections"`
	MaxPending     int      `toml:"max_pending"`
	ReadTimeout    string   `toml:"read_timeout"`
	WriteTimeout   string   `toml:"write_timeout"`
	MaxHeaderBytes int      `toml:"max_header_bytes"`
	MaxFrameBytes  int      `toml:"max_frame_bytes"`
	AdminAddr      string   `toml:"admin_addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	LockDir        string   `toml:"lock_dir"`
	StartupTimeout string   `toml:"startup_timeout"`
	LogLevel       string   `toml:"log_level"`
}

func DefaultRelayConfig() RelayConfig {
	d := relay.DefaultConfig()
	return RelayConfig{
		Name:           "autocore",
		Host:           d.Host,
		ObserverPort:   d.ObserverPort,
		NotifierPort:   d.NotifierPort,
		MaxConnections: d.MaxConnections,
		MaxPending:     d.MaxPending,
		ReadTimeout:    d.ReadTimeout.String(),
		WriteTimeout:   d.WriteTimeout.String(),
		MaxHeaderBytes: d.Limits.MaxHeaderBytes,
		MaxFrameBytes:  d.Limits.MaxFrameBytes,
		StartupTimeout: bootstrap.DefaultOptions().StartupTimeout.String(),
		LogLevel:       "info",
	}
}

// LoadRelayConfig reads path over the defaults and validates the result.
func LoadRelayConfig(path string) (RelayConfig, error) {
	cfg := DefaultRelayConfig()
	if err := loadToml(path, &cfg); err != nil {
		return RelayConfig{}, err
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "autocore"
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = relay.DefaultHost
	}
	if err := ValidateRelayConfig(cfg); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateRelayConfig(cfg RelayConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("%w: relay config missing name", ErrInvalid)
	}
	for field, raw := range map[string]string{
		"read_timeout":    cfg.ReadTimeout,
		"write_timeout":   cfg.WriteTimeout,
		"startup_timeout": cfg.StartupTimeout,
	} {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, field, err)
		}
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxFrameBytes < 0 {
		return fmt.Errorf("%w: frame limits must not be negative", ErrInvalid)
	}
	if addr := strings.TrimSpace(cfg.AdminAddr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%w: admin_addr %q: %v", ErrInvalid, addr, err)
		}
	}
	broker, err := cfg.BrokerConfig()
	if err != nil {
		return err
	}
	if err := broker.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// BrokerConfig converts the file form into a relay.Config.
func (c RelayConfig) BrokerConfig() (relay.Config, error) {
	readTimeout, err := parseDuration(c.ReadTimeout)
	if err != nil {
		return relay.Config{}, fmt.Errorf("%w: read_timeout: %v", ErrInvalid, err)
	}
	writeTimeout, err := parseDuration(c.WriteTimeout)
	if err != nil {
		return relay.Config{}, fmt.Errorf("%w: write_timeout: %v", ErrInvalid, err)
	}
	limits := frame.DefaultLimits()
	if c.MaxHeaderBytes > 0 {
		limits.MaxHeaderBytes = c.MaxHeaderBytes
	}
	if c.MaxFrameBytes > 0 {
		limits.MaxFrameBytes = c.MaxFrameBytes
	}
	return relay.Config{
		Host:           c.Host,
		ObserverPort:   c.ObserverPort,
		NotifierPort:   c.NotifierPort,
		MaxConnections: c.MaxConnections,
		MaxPending:     c.MaxPending,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		Limits:         limits,
	}, nil
}

// BootstrapOptions converts the election settings.
func (c RelayConfig) BootstrapOptions() (bootstrap.Options, error) {
	opts := bootstrap.DefaultOptions()
	if dir := strings.TrimSpace(c.LockDir); dir != "" {
		opts.LockDir = dir
	}
	timeout, err := parseDuration(c.StartupTimeout)
	if err != nil {
		return bootstrap.Options{}, fmt.Errorf("%w: startup_timeout: %v", ErrInvalid, err)
	}
	if timeout > 0 {
		opts.StartupTimeout = timeout
	}
	return opts, nil
}

// parseDuration treats an empty string as zero.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
