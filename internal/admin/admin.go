// Package admin serves the daemon's HTTP surface: health and readiness
// probes, Prometheus metrics, and token-guarded views of connections and
// globals.
package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/auth"
	"github.com/danmuck/waywire/internal/display"
	"github.com/danmuck/waywire/internal/observability"
)

var Version = "0.1.0"

// Config configures the admin listener. Token grants every scope and
// ReadToken only the read views. With neither set the views are open.
type Config struct {
	Addr            string
	CORSOrigins     []string
	Token           string
	ReadToken       string
	ShutdownTimeout time.Duration
}

type Server struct {
	cfg     Config
	display *display.Server
	router  *gin.Engine
	started time.Time
}

func New(cfg Config, ds *display.Server) *Server {
	observability.RegisterMetrics()
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware("waywired"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", auth.HeaderToken},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{cfg: cfg, display: ds, router: r, started: time.Now()}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"version": Version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.display.Serving()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":   ready,
			"clients": len(s.display.Connections()),
			"version": Version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	tokens := auth.Tokens{
		strings.TrimSpace(s.cfg.Token):     auth.ScopeAll,
		strings.TrimSpace(s.cfg.ReadToken): auth.ScopeRead,
	}
	guard := func(need auth.Scope) gin.HandlerFunc {
		if tokens.Empty() {
			return func(c *gin.Context) { c.Next() }
		}
		return auth.Require(tokens, need)
	}

	s.router.GET("/connections", guard(auth.ScopeRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"connections": s.display.Connections()})
	})
	s.router.DELETE("/connections/:id", guard(auth.ScopeControl), func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid connection id"})
			return
		}
		if !s.display.Disconnect(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})
	s.router.GET("/globals", guard(auth.ScopeRead), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"globals": s.display.Display().Globals()})
	})
}

// Run serves until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("admin.Server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
