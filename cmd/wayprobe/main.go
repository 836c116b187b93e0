package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/config"
	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/logging"
	"github.com/danmuck/waywire/internal/observability"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/shm"
)

func main() {
	observability.InitLogger("wayprobe")
	configPath := flag.String("config", "", "config path (built-in defaults when empty)")
	displayName := flag.String("display", "", "socket name or absolute path, overrides WAYLAND_DISPLAY")
	roundtrips := flag.Int("roundtrips", -1, "roundtrips to time, overrides config")
	noShm := flag.Bool("no-shm", false, "skip the shared memory probe")
	flag.Parse()

	cfg := config.DefaultProbe()
	if *configPath != "" {
		loaded, err := config.LoadProbe(*configPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load wayprobe config")
		}
		cfg = loaded
	}
	if *displayName != "" {
		cfg.Display = *displayName
	}
	if *roundtrips >= 0 {
		cfg.Roundtrips = *roundtrips
	}
	if *noShm {
		cfg.Shm = false
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		log.Fatal().Err(err).Msg("invalid log level")
	}
	if logging.WireDebug() {
		cfg.Session.Trace = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "wayprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Probe, out io.Writer) error {
	p, err := config.LoadProtocol(cfg.Protocols)
	if err != nil {
		return err
	}
	if cfg.Shm {
		if err := config.WithShm(p); err != nil {
			return err
		}
	}
	c, err := connect(ctx, p, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	globals, err := c.Registry(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "globals: %d\n", len(globals))
	for _, g := range globals {
		fmt.Fprintf(out, "  %3d  %-24s v%d\n", g.Name, g.Interface, g.Version)
	}

	for i := 0; i < cfg.Roundtrips; i++ {
		start := time.Now()
		serial, err := c.Roundtrip(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "roundtrip serial=%d took=%s\n", serial, time.Since(start))
	}

	if cfg.Shm {
		res, err := shm.Probe(ctx, c, int32(cfg.Width), int32(cfg.Height))
		switch {
		case errors.Is(err, shm.ErrNoShm):
			fmt.Fprintln(out, "shm: not advertised")
		case err != nil:
			return err
		default:
			fmt.Fprintf(out, "shm: global=%d formats=%v pool=%d bytes buffer=%dx%d\n",
				res.Global.Name, res.Formats, res.PoolSize, res.Width, res.Height)
		}
	}
	return nil
}

func connect(ctx context.Context, p *schema.Protocol, cfg config.Probe) (*display.Client, error) {
	if cfg.Display == "" {
		return display.Connect(ctx, p, cfg.Session)
	}
	path, err := config.SocketPath(cfg.Display)
	if err != nil {
		return nil, err
	}
	t, err := session.Dial(ctx, path, cfg.Session)
	if err != nil {
		return nil, err
	}
	return display.NewClient(ctx, t, p, cfg.Session)
}
