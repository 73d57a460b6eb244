package main

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/autocore/internal/client"
	"github.com/danmuck/autocore/internal/relay"
)

type fileConfig struct {
	Host                 string `toml:"host"`
	ObserverPort         int    `toml:"observer_port"`
	NotifierPort         int    `toml:"notifier_port"`
	ConnectTimeout       string `toml:"connect_timeout"`
	WriteTimeout         string `toml:"write_timeout"`
	ReadTimeout          string `toml:"read_timeout"`
	MaxReconnectAttempts int    `toml:"max_reconnect_attempts"`
}

// loadProfile overlays the keys present in path onto the client defaults.
func loadProfile(path string) (client.Config, error) {
	cfg := client.DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return client.Config{}, fmt.Errorf("load client profile: %w", err)
	}

	host := relay.DefaultHost
	if meta.IsDefined("host") {
		if h := strings.TrimSpace(raw.Host); h != "" {
			host = h
		}
	}
	observerPort := relay.DefaultObserverPort
	if meta.IsDefined("observer_port") {
		observerPort = raw.ObserverPort
	}
	notifierPort := relay.DefaultNotifierPort
	if meta.IsDefined("notifier_port") {
		notifierPort = raw.NotifierPort
	}
	cfg.ObserverAddr = net.JoinHostPort(host, strconv.Itoa(observerPort))
	cfg.NotifierAddr = net.JoinHostPort(host, strconv.Itoa(notifierPort))

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.Session.ConnectTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Session.WriteTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Session.ReadTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return client.Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("max_reconnect_attempts") {
		cfg.MaxReconnectAttempts = raw.MaxReconnectAttempts
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return client.Config{}, err
	}
	return cfg, nil
}
