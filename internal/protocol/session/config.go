package session

import (
	"time"

	"github.com/danmuck/waywire/internal/protocol/wire"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines connection limits and timeouts.
type Config struct {
	ConnectTimeout time.Duration
	// ReadTimeout of zero waits for the peer indefinitely.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// OutboxSize bounds the messages queued for writing; Enqueue waits
	// when it is reached.
	OutboxSize   int
	Limits       wire.Limits
	DialAttempts int
	Backoff      BackoffConfig
	// Trace logs every message in both directions.
	Trace bool
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 5 * time.Second,
		WriteTimeout:   5 * time.Second,
		OutboxSize:     256,
		Limits:         wire.DefaultLimits(),
		DialAttempts:   5,
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	if c.Limits.MaxMessageSize <= 0 {
		c.Limits = def.Limits
	}
	if c.Limits.MaxMessageSize > wire.MaxMessageSize {
		c.Limits.MaxMessageSize = wire.MaxMessageSize
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = def.DialAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}
