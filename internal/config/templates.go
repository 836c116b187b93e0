package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	KindDaemon = "waywired"
	KindProbe  = "wayprobe"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		return daemonTemplate, nil
	case KindProbe:
		return probeTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Validate loads the file at path as kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindDaemon:
		_, err := LoadDaemon(path)
		return err
	case KindProbe:
		_, err := LoadProbe(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
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

const daemonTemplate = `# socket name under XDG_RUNTIME_DIR, or an absolute path
display = "wayland-1"
# empty discovers descriptions on WAYWIRE_PROTOCOL_PATH
protocols = []
log_level = "info"
broadcast_timeout = "5s"

[session]
write_timeout = "5s"
read_timeout = "0s"
outbox_size = 256
max_message_size = 4096
trace = false

[shm]
enabled = true
formats = ["argb8888", "xrgb8888"]

[admin]
enabled = false
addr = "127.0.0.1:7020"
# token grants every admin scope, read_token only the read views
token = ""
read_token = ""
cors_origins = ["http://localhost:3000"]
shutdown_timeout = "5s"
`

const probeTemplate = `display = "wayland-1"
protocols = []
log_level = "info"
roundtrips = 3

[session]
connect_timeout = "5s"
write_timeout = "5s"
dial_attempts = 5

[shm]
enabled = true
width = 64
height = 64
`
