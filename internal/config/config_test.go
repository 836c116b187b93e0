package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/shm"
	"github.com/danmuck/waywire/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()

	daemonPath := filepath.Join(dir, "waywired.toml")
	if err := WriteTemplate(daemonPath, KindDaemon, false); err != nil {
		t.Fatalf("write daemon template: %v", err)
	}
	cfg, err := LoadDaemon(daemonPath)
	if err != nil {
		t.Fatalf("load daemon: %v", err)
	}
	if cfg.Display != "wayland-1" || cfg.BroadcastTimeout != 5*time.Second {
		t.Fatalf("unexpected daemon config: %+v", cfg)
	}
	if len(cfg.Shm.Formats) != 2 || cfg.Shm.Formats[0] != shm.ARGB8888 {
		t.Fatalf("unexpected formats: %v", cfg.Shm.Formats)
	}
	if cfg.Admin.Enabled || cfg.Admin.Addr != "127.0.0.1:7020" {
		t.Fatalf("unexpected admin: %+v", cfg.Admin)
	}

	probePath := filepath.Join(dir, "wayprobe.toml")
	if err := WriteTemplate(probePath, KindProbe, false); err != nil {
		t.Fatalf("write probe template: %v", err)
	}
	if err := Validate(probePath, KindProbe); err != nil {
		t.Fatalf("validate probe: %v", err)
	}
	if err := WriteTemplate(probePath, KindProbe, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(probePath, KindProbe, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind")
	}
}

func TestLoadDaemonKeepsDefaultsForMissingKeys(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[session]
outbox_size = 16
`)
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultDaemon()
	if cfg.Session.OutboxSize != 16 {
		t.Fatalf("outbox=%d", cfg.Session.OutboxSize)
	}
	if cfg.Session.WriteTimeout != def.Session.WriteTimeout {
		t.Fatalf("write timeout=%v", cfg.Session.WriteTimeout)
	}
	if !cfg.Shm.Enabled || len(cfg.Shm.Formats) != 2 {
		t.Fatalf("shm=%+v", cfg.Shm)
	}
}

func TestLoadDaemonOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
display = "/tmp/waywire-test-0"
protocols = [" proto ", ""]
broadcast_timeout = "250ms"

[session]
read_timeout = "30s"
trace = true
max_message_size = 8192

[shm]
formats = ["XRGB8888"]

[admin]
enabled = true
token = " secret "
read_token = "viewer"
`)
	cfg, err := LoadDaemon(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Display != "/tmp/waywire-test-0" {
		t.Fatalf("display=%q", cfg.Display)
	}
	if len(cfg.Protocols) != 1 || cfg.Protocols[0] != "proto" {
		t.Fatalf("protocols=%v", cfg.Protocols)
	}
	if cfg.BroadcastTimeout != 250*time.Millisecond {
		t.Fatalf("broadcast=%v", cfg.BroadcastTimeout)
	}
	if cfg.Session.ReadTimeout != 30*time.Second || !cfg.Session.Trace || cfg.Session.Limits.MaxMessageSize != 8192 {
		t.Fatalf("session=%+v", cfg.Session)
	}
	if len(cfg.Shm.Formats) != 1 || cfg.Shm.Formats[0] != shm.XRGB8888 {
		t.Fatalf("formats=%v", cfg.Shm.Formats)
	}
	if !cfg.Admin.Enabled || cfg.Admin.Token != "secret" || cfg.Admin.ReadToken != "viewer" {
		t.Fatalf("admin=%+v", cfg.Admin)
	}
	got, err := SocketPath(cfg.Display)
	if err != nil || got != "/tmp/waywire-test-0" {
		t.Fatalf("socket path=%q err=%v", got, err)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name    string
		content string
		want    string
	}{
		{"bad duration", `broadcast_timeout = "soon"`, "broadcast_timeout"},
		{"unknown key", `displya = "x"`, "unknown keys"},
		{"unknown format", "[shm]\nformats = [\"rgb565\"]", "shm.formats"},
		{"no formats", "[shm]\nformats = []", "no formats"},
		{"oversize message", "[session]\nmax_message_size = 70000", "max_message_size"},
		{"admin without addr", "[admin]\nenabled = true\naddr = \"\"", "without addr"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadDaemon(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadProbe(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadProbe(writeConfig(t, `
roundtrips = 0
[shm]
width = 8
height = 2
[session]
dial_attempts = 1
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Roundtrips != 0 || cfg.Width != 8 || cfg.Height != 2 || !cfg.Shm || cfg.Session.DialAttempts != 1 {
		t.Fatalf("probe=%+v", cfg)
	}
	if _, err := LoadProbe(writeConfig(t, "[shm]\nwidth = 0")); err == nil {
		t.Fatalf("expected extent error")
	}
	if _, err := LoadProbe(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected load error")
	}
}

func TestLoadProtocolWithShm(t *testing.T) {
	testlog.Start(t)
	t.Setenv(schema.EnvProtocolPath, filepath.Join(t.TempDir(), "absent"))
	p, err := LoadProtocol(nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if _, ok := p.Interface("wl_display"); !ok {
		t.Fatalf("core missing")
	}
	if err := WithShm(p); err != nil {
		t.Fatalf("with shm: %v", err)
	}
	if err := WithShm(p); err != nil {
		t.Fatalf("second with shm: %v", err)
	}
	if _, ok := p.Interface("wl_shm_pool"); !ok {
		t.Fatalf("shm interfaces missing")
	}
}
