package display

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/session"
)

var errListenerClosed = errors.New("display: listener closed")

// ConnInfo describes one live client connection.
type ConnInfo struct {
	ID          uint64    `json:"id"`
	PID         int32     `json:"pid,omitempty"`
	UID         uint32    `json:"uid"`
	GID         uint32    `json:"gid"`
	ConnectedAt time.Time `json:"connected_at"`
	Objects     int       `json:"objects"`
	MessagesIn  uint64    `json:"messages_in"`
	MessagesOut uint64    `json:"messages_out"`
	Outbox      int       `json:"outbox"`
}

// Server accepts clients on the display socket and runs one connection per
// client against a shared Display.
type Server struct {
	display *Display
	cfg     session.Config
	serving atomic.Bool

	mu    sync.Mutex
	conns map[*session.Conn]ConnInfo
}

func NewServer(d *Display, cfg session.Config) *Server {
	return &Server{
		display: d,
		cfg:     cfg.WithDefaults(),
		conns:   make(map[*session.Conn]ConnInfo),
	}
}

func (s *Server) Display() *Display {
	return s.display
}

// Serving reports whether an accept loop is running.
func (s *Server) Serving() bool {
	return s.serving.Load()
}

// Acceptor yields client transports; *session.Listener is the usual one.
type Acceptor interface {
	AcceptTransport() (*session.UnixTransport, error)
	Close() error
}

// Serve accepts until ctx ends or the listener is closed, then closes every
// connection. A failing client never stops the server; running out of
// descriptors or memory pauses accepting with backoff.
func (s *Server) Serve(ctx context.Context, ln Acceptor) error {
	s.serving.Store(true)
	defer s.serving.Store(false)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		return s.Close()
	})
	g.Go(func() error {
		failures := 0
		for {
			t, err := ln.AcceptTransport()
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return errListenerClosed
				}
				if !temporaryAccept(err) {
					return fmt.Errorf("%w: accept: %w", protocol.ErrTransport, err)
				}
				failures++
				delay := session.NextBackoffDelay(s.cfg.Backoff, failures, nil)
				log.Warn().Err(err).Int("failures", failures).Dur("retry_in", delay).Msg("display.Server accept")
				timer := time.NewTimer(delay)
				select {
				case <-gctx.Done():
					timer.Stop()
					return errListenerClosed
				case <-timer.C:
				}
				continue
			}
			failures = 0
			g.Go(func() error {
				_ = s.ServeTransport(gctx, t)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, errListenerClosed) {
		return nil
	}
	return err
}

// temporaryAccept reports accept failures that clear up on their own.
func temporaryAccept(err error) bool {
	for _, errno := range []unix.Errno{unix.EMFILE, unix.ENFILE, unix.ENOBUFS, unix.ENOMEM, unix.ECONNABORTED, unix.EINTR, unix.EAGAIN} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ServeTransport runs one client connection over t until it closes and
// returns the close reason.
func (s *Server) ServeTransport(ctx context.Context, t session.Transport) error {
	c := session.NewConn(t, &dispatch.Engine{Side: dispatch.ServerSide, Protocol: s.display.Protocol()}, s.cfg)
	if err := s.display.Attach(c); err != nil {
		_ = c.Close()
		return err
	}
	info := ConnInfo{ID: c.ID, ConnectedAt: time.Now()}
	if ut, ok := t.(*session.UnixTransport); ok {
		if cred, err := ut.PeerCredentials(); err == nil {
			info.PID, info.UID, info.GID = cred.PID, cred.UID, cred.GID
		} else {
			log.Debug().Uint64("conn", c.ID).Err(err).Msg("display.Server peer credentials")
		}
	}
	log.Info().Uint64("conn", c.ID).Int32("pid", info.PID).Uint32("uid", info.UID).Msg("display.Server client connected")

	s.track(c, info)
	defer s.untrack(c)

	err := c.Run(ctx)
	ev := log.Info()
	if _, rejected := dispatch.AsError(err); rejected {
		ev = log.Warn()
	}
	ev.Uint64("conn", c.ID).Err(err).Msg("display.Server client disconnected")
	return err
}

// Connections snapshots the live connections ordered by id.
func (s *Server) Connections() []ConnInfo {
	s.mu.Lock()
	out := make([]ConnInfo, 0, len(s.conns))
	for c, info := range s.conns {
		st := c.Stats()
		info.Objects = st.Objects
		info.MessagesIn = st.MessagesIn
		info.MessagesOut = st.MessagesOut
		info.Outbox = st.Outbox
		out = append(out, info)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Disconnect closes the connection with id. It reports false when no such
// connection is live.
func (s *Server) Disconnect(id uint64) bool {
	s.mu.Lock()
	var target *session.Conn
	for c := range s.conns {
		if c.ID == id {
			target = c
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return false
	}
	log.Info().Uint64("conn", id).Msg("display.Server disconnect requested")
	_ = target.Close()
	return true
}

// Close disconnects every live client.
func (s *Server) Close() error {
	s.mu.Lock()
	conns := make([]*session.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var result *multierror.Error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("conn %d: %w", c.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Server) track(c *session.Conn, info ConnInfo) {
	s.mu.Lock()
	s.conns[c] = info
	s.mu.Unlock()
}

func (s *Server) untrack(c *session.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
