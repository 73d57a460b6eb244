package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `name = "autocore"
host = "127.0.0.1"
observer_port = 8000
notifier_port = 8001
max_connections = 256
max_pending = 4096
read_timeout = "10s"
write_timeout = "10s"
max_header_bytes = 65536
max_frame_bytes = 8388608
admin_addr = "127.0.0.1:9090"
cors_origins = ["http://localhost:3000"]
startup_timeout = "5s"
log_level = "info"
`

const clientTemplate = `host = "127.0.0.1"
observer_port = 8000
notifier_port = 8001
connect_timeout = "5s"
write_timeout = "15s"
read_timeout = "0s"
max_reconnect_attempts = 0
`
