package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/waywire/internal/admin"
	"github.com/danmuck/waywire/internal/config"
	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/logging"
	"github.com/danmuck/waywire/internal/observability"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/shm"
)

func main() {
	observability.InitLogger("waywired")
	configPath := flag.String("config", "", "config path (built-in defaults when empty)")
	displayName := flag.String("display", "", "socket name or absolute path, overrides config")
	flag.Parse()

	cfg := config.DefaultDaemon()
	if *configPath != "" {
		loaded, err := config.LoadDaemon(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load waywired config")
		}
		cfg = loaded
		log.Info().Str("path", *configPath).Msg("loaded waywired config")
	}
	if *displayName != "" {
		cfg.Display = *displayName
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	if logging.WireDebug() {
		cfg.Session.Trace = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, nil); err != nil {
		log.Fatal().Err(err).Msg("waywired stopped")
	}
	log.Info().Msg("waywired stopped")
}

// run serves the display until ctx ends. ready, when set, receives the
// server once the socket is listening.
func run(ctx context.Context, cfg config.Daemon, ready chan<- *display.Server) error {
	p, err := config.LoadProtocol(cfg.Protocols)
	if err != nil {
		return err
	}
	if cfg.Shm.Enabled {
		if err := config.WithShm(p); err != nil {
			return err
		}
	}

	d, err := display.New(p)
	if err != nil {
		return err
	}
	d.BroadcastTimeout = cfg.BroadcastTimeout
	if cfg.Shm.Enabled {
		s, err := shm.New(p, cfg.Shm.Formats...)
		if err != nil {
			return err
		}
		if _, err := s.Register(ctx, d); err != nil {
			return err
		}
	}

	path, err := config.SocketPath(cfg.Display)
	if err != nil {
		return err
	}
	ln, err := session.Listen(path)
	if err != nil {
		return err
	}
	srv := display.NewServer(d, cfg.Session)
	log.Info().Str("socket", ln.Path()).Int("globals", len(d.Globals())).Int("interfaces", len(p.Interfaces())).Msg("waywired listening")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(gctx, ln)
	})
	if cfg.Admin.Enabled {
		a := admin.New(cfg.Admin.Config, srv)
		g.Go(func() error {
			return a.Run(gctx)
		})
	}
	if ready != nil {
		ready <- srv
	}
	return g.Wait()
}
