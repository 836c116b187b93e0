package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/waywire/internal/admin"
	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/protocol/wire"
	"github.com/danmuck/waywire/internal/shm"
)

// Daemon configures waywired.
type Daemon struct {
	// Display is a socket name under XDG_RUNTIME_DIR or an absolute path.
	// Empty falls back to WAYLAND_DISPLAY.
	Display          string
	Protocols        []string
	LogLevel         string
	BroadcastTimeout time.Duration
	Session          session.Config
	Shm              ShmConfig
	Admin            AdminConfig
}

type ShmConfig struct {
	Enabled bool
	Formats []shm.Format
}

type AdminConfig struct {
	Enabled bool
	admin.Config
}

// Probe configures wayprobe.
type Probe struct {
	Display    string
	Protocols  []string
	LogLevel   string
	Session    session.Config
	Roundtrips int
	Shm        bool
	Width      int
	Height     int
}

func DefaultDaemon() Daemon {
	return Daemon{
		BroadcastTimeout: display.DefaultBroadcastTimeout,
		Session:          session.DefaultConfig(),
		Shm: ShmConfig{
			Enabled: true,
			Formats: []shm.Format{shm.ARGB8888, shm.XRGB8888},
		},
		Admin: AdminConfig{
			Config: admin.Config{
				Addr:            "127.0.0.1:7020",
				CORSOrigins:     []string{"http://localhost:3000"},
				ShutdownTimeout: 5 * time.Second,
			},
		},
	}
}

func DefaultProbe() Probe {
	return Probe{
		Session:    session.DefaultConfig(),
		Roundtrips: 1,
		Shm:        true,
		Width:      64,
		Height:     64,
	}
}

type fileSession struct {
	ConnectTimeout string `toml:"connect_timeout"`
	ReadTimeout    string `toml:"read_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	OutboxSize     int    `toml:"outbox_size"`
	MaxMessageSize int    `toml:"max_message_size"`
	DialAttempts   int    `toml:"dial_attempts"`
	Trace          bool   `toml:"trace"`
}

type fileDaemon struct {
	Display          string      `toml:"display"`
	Protocols        []string    `toml:"protocols"`
	LogLevel         string      `toml:"log_level"`
	BroadcastTimeout string      `toml:"broadcast_timeout"`
	Session          fileSession `toml:"session"`
	Shm              struct {
		Enabled bool     `toml:"enabled"`
		Formats []string `toml:"formats"`
	} `toml:"shm"`
	Admin struct {
		Enabled         bool     `toml:"enabled"`
		Addr            string   `toml:"addr"`
		Token           string   `toml:"token"`
		ReadToken       string   `toml:"read_token"`
		CORSOrigins     []string `toml:"cors_origins"`
		ShutdownTimeout string   `toml:"shutdown_timeout"`
	} `toml:"admin"`
}

type fileProbe struct {
	Display    string      `toml:"display"`
	Protocols  []string    `toml:"protocols"`
	LogLevel   string      `toml:"log_level"`
	Roundtrips int         `toml:"roundtrips"`
	Session    fileSession `toml:"session"`
	Shm        struct {
		Enabled bool `toml:"enabled"`
		Width   int  `toml:"width"`
		Height  int  `toml:"height"`
	} `toml:"shm"`
}

// LoadDaemon overlays the keys present in the file at path onto
// DefaultDaemon and validates the result.
func LoadDaemon(path string) (Daemon, error) {
	cfg := DefaultDaemon()
	var raw fileDaemon
	meta, err := decode(path, &raw)
	if err != nil {
		return Daemon{}, err
	}

	if meta.IsDefined("display") {
		cfg.Display = strings.TrimSpace(raw.Display)
	}
	if meta.IsDefined("protocols") {
		cfg.Protocols = normalizeList(raw.Protocols)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("broadcast_timeout") {
		d, err := parseDuration("broadcast_timeout", raw.BroadcastTimeout)
		if err != nil {
			return Daemon{}, err
		}
		cfg.BroadcastTimeout = d
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Daemon{}, err
	}

	if meta.IsDefined("shm", "enabled") {
		cfg.Shm.Enabled = raw.Shm.Enabled
	}
	if meta.IsDefined("shm", "formats") {
		formats := make([]shm.Format, 0, len(raw.Shm.Formats))
		for _, name := range normalizeList(raw.Shm.Formats) {
			f, err := shm.ParseFormat(name)
			if err != nil {
				return Daemon{}, fmt.Errorf("parse shm.formats: %w", err)
			}
			formats = append(formats, f)
		}
		cfg.Shm.Formats = formats
	}

	if meta.IsDefined("admin", "enabled") {
		cfg.Admin.Enabled = raw.Admin.Enabled
	}
	if meta.IsDefined("admin", "addr") {
		cfg.Admin.Addr = strings.TrimSpace(raw.Admin.Addr)
	}
	if meta.IsDefined("admin", "token") {
		cfg.Admin.Token = strings.TrimSpace(raw.Admin.Token)
	}
	if meta.IsDefined("admin", "read_token") {
		cfg.Admin.ReadToken = strings.TrimSpace(raw.Admin.ReadToken)
	}
	if meta.IsDefined("admin", "cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.Admin.CORSOrigins)
	}
	if meta.IsDefined("admin", "shutdown_timeout") {
		d, err := parseDuration("admin.shutdown_timeout", raw.Admin.ShutdownTimeout)
		if err != nil {
			return Daemon{}, err
		}
		cfg.Admin.ShutdownTimeout = d
	}

	if err := ValidateDaemon(cfg); err != nil {
		return Daemon{}, err
	}
	return cfg, nil
}

// LoadProbe overlays the keys present in the file at path onto DefaultProbe.
func LoadProbe(path string) (Probe, error) {
	cfg := DefaultProbe()
	var raw fileProbe
	meta, err := decode(path, &raw)
	if err != nil {
		return Probe{}, err
	}

	if meta.IsDefined("display") {
		cfg.Display = strings.TrimSpace(raw.Display)
	}
	if meta.IsDefined("protocols") {
		cfg.Protocols = normalizeList(raw.Protocols)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("roundtrips") {
		cfg.Roundtrips = raw.Roundtrips
	}
	if err := overlaySession(meta, raw.Session, &cfg.Session); err != nil {
		return Probe{}, err
	}
	if meta.IsDefined("shm", "enabled") {
		cfg.Shm = raw.Shm.Enabled
	}
	if meta.IsDefined("shm", "width") {
		cfg.Width = raw.Shm.Width
	}
	if meta.IsDefined("shm", "height") {
		cfg.Height = raw.Shm.Height
	}

	if err := ValidateProbe(cfg); err != nil {
		return Probe{}, err
	}
	return cfg, nil
}

func overlaySession(meta toml.MetaData, raw fileSession, cfg *session.Config) error {
	durations := []struct {
		key string
		raw string
		out *time.Duration
	}{
		{"connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("session", d.key) {
			continue
		}
		v, err := parseDuration("session."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.out = v
	}
	if meta.IsDefined("session", "outbox_size") {
		cfg.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("session", "max_message_size") {
		cfg.Limits.MaxMessageSize = raw.MaxMessageSize
	}
	if meta.IsDefined("session", "dial_attempts") {
		cfg.DialAttempts = raw.DialAttempts
	}
	if meta.IsDefined("session", "trace") {
		cfg.Trace = raw.Trace
	}
	return nil
}

func decode(path string, out any) (toml.MetaData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	meta, err := toml.Decode(string(data), out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return toml.MetaData{}, fmt.Errorf("config parse failed (%s): unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return meta, nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// SocketPath resolves the configured display against the environment.
func SocketPath(display string) (string, error) {
	if strings.TrimSpace(display) == "" {
		return session.SocketPath()
	}
	return session.ResolveSocketPath(display, os.Getenv(session.EnvRuntimeDir))
}

// LoadProtocol loads the configured descriptions, or discovers them on the
// search path when none are listed.
func LoadProtocol(paths []string) (*schema.Protocol, error) {
	if len(paths) == 0 {
		return schema.Discover()
	}
	return schema.Load(paths...)
}

// WithShm adds the shm interfaces to p unless a loaded description already
// declares them.
func WithShm(p *schema.Protocol) error {
	if _, ok := p.Interface("wl_shm"); ok {
		return nil
	}
	if err := p.Merge(shm.Protocol()); err != nil {
		return err
	}
	return p.Validate()
}

func ValidateDaemon(cfg Daemon) error {
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.BroadcastTimeout <= 0 {
		return fmt.Errorf("daemon config broadcast_timeout must be positive")
	}
	if cfg.Shm.Enabled && len(cfg.Shm.Formats) == 0 {
		return fmt.Errorf("daemon config shm enabled with no formats")
	}
	if cfg.Admin.Enabled && strings.TrimSpace(cfg.Admin.Addr) == "" {
		return fmt.Errorf("daemon config admin enabled without addr")
	}
	return nil
}

func ValidateProbe(cfg Probe) error {
	if err := validateSession(cfg.Session); err != nil {
		return err
	}
	if cfg.Roundtrips < 0 {
		return fmt.Errorf("probe config roundtrips must not be negative")
	}
	if cfg.Shm && (cfg.Width <= 0 || cfg.Height <= 0) {
		return fmt.Errorf("probe config shm extent must be positive, got %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}

func validateSession(cfg session.Config) error {
	if cfg.OutboxSize < 0 {
		return fmt.Errorf("session outbox_size must not be negative")
	}
	if cfg.ReadTimeout < 0 || cfg.WriteTimeout < 0 || cfg.ConnectTimeout < 0 {
		return fmt.Errorf("session timeouts must not be negative")
	}
	if m := cfg.Limits.MaxMessageSize; m != 0 && (m < wire.HeaderSize || m > wire.MaxMessageSize) {
		return fmt.Errorf("session max_message_size %d out of range", m)
	}
	return nil
}
