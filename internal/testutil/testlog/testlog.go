package testlog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/logging"
)

// Start configures test logging and returns a logger tagged with the test
// name. The outcome is logged when the test finishes.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	logger := log.With().Str("test", t.Name()).Logger()
	logger.Info().Msg("start")
	t.Cleanup(func() {
		ev := logger.Info()
		if t.Failed() {
			ev = logger.Warn()
		}
		ev.Bool("failed", t.Failed()).Msg("done")
	})
	return logger
}
