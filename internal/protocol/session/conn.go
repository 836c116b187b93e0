package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/danmuck/waywire/internal/observability"
	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var ErrWriteTimeout = fmt.Errorf("%w: session: write timed out", protocol.ErrResource)

// ErrorReporter builds the notification sent to the peer before a rejected
// connection closes.
type ErrorReporter func(err *dispatch.Error) (wire.Message, bool)

// Stats is a point-in-time view of connection counters.
type Stats struct {
	MessagesIn  uint64
	MessagesOut uint64
	BytesIn     uint64
	BytesOut    uint64
	FDsIn       uint64
	FDsOut      uint64
	Objects     int
	Outbox      int
	Stalls      uint64
}

type dispatchKey struct{}

var connSeq atomic.Uint64

// Conn is one protocol connection: a transport, the inbound arena, the
// bounded outbox and the dispatch engine with its registry.
type Conn struct {
	ID        uint64
	cfg       Config
	transport Transport
	engine    *dispatch.Engine
	reporter  ErrorReporter
	outbox    *Outbox

	// inbound state, owned by the pumping goroutine
	pumpMu sync.Mutex
	inbuf  []byte
	inlen  int
	infds  wire.FDQueue

	writeMu sync.Mutex

	closeOnce    sync.Once
	teardownOnce sync.Once
	done         chan struct{}
	errMu        sync.Mutex
	err          error

	messagesIn  atomic.Uint64
	messagesOut atomic.Uint64
	bytesIn     atomic.Uint64
	bytesOut    atomic.Uint64
	fdsIn       atomic.Uint64
	fdsOut      atomic.Uint64
}

// NewConn wires engine to a new connection over t. The engine's sink, data,
// limits and trace flag are set from the connection.
func NewConn(t Transport, engine *dispatch.Engine, cfg Config) *Conn {
	cfg = cfg.WithDefaults()
	arena := max(2*cfg.Limits.MaxMessageSize, 8192)
	c := &Conn{
		ID:        connSeq.Add(1),
		cfg:       cfg,
		transport: t,
		engine:    engine,
		outbox:    NewOutbox(cfg.OutboxSize),
		inbuf:     make([]byte, arena),
		done:      make(chan struct{}),
	}
	side := engine.Side.String()
	c.outbox.OnStall = func() { observability.RecordOutboxStall(side) }
	if engine.Registry == nil {
		engine.Registry = registry.New()
	}
	engine.Sink = c
	engine.Data = c
	engine.Limits = cfg.Limits
	engine.Trace = engine.Trace || cfg.Trace
	observability.RecordConnOpened(side)
	return c
}

func (c *Conn) Engine() *dispatch.Engine {
	return c.engine
}

func (c *Conn) Transport() Transport {
	return c.transport
}

// SetErrorReporter installs the rejection notifier; call before Run.
func (c *Conn) SetErrorReporter(r ErrorReporter) {
	c.reporter = r
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Conn) Stats() Stats {
	return Stats{
		MessagesIn:  c.messagesIn.Load(),
		MessagesOut: c.messagesOut.Load(),
		BytesIn:     c.bytesIn.Load(),
		BytesOut:    c.bytesOut.Load(),
		FDsIn:       c.fdsIn.Load(),
		FDsOut:      c.fdsOut.Load(),
		Objects:     c.engine.Registry.Len(),
		Outbox:      c.outbox.Len(),
		Stalls:      c.outbox.Stalls(),
	}
}

// PumpIncoming performs one read, then frames and dispatches every complete
// message in arrival order. The unconsumed tail stays in the arena for the
// next read. Any returned error other than a context error is fatal.
func (c *Conn) PumpIncoming(ctx context.Context) error {
	c.pumpMu.Lock()
	defer c.pumpMu.Unlock()
	defer c.teardownIfClosed()
	if c.Closed() {
		return ErrDisconnected
	}

	if c.cfg.ReadTimeout > 0 {
		_ = c.transport.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	}
	before := c.infds.Len()
	n, readErr := c.transport.ReadMsg(c.inbuf[c.inlen:], &c.infds)
	c.inlen += n
	c.bytesIn.Add(uint64(n))
	if got := c.infds.Len() - before; got > 0 {
		c.fdsIn.Add(uint64(got))
	}

	msgs, consumed, frameErr := wire.DecodeAll(c.inbuf[:c.inlen], c.cfg.Limits)
	dctx := context.WithValue(ctx, dispatchKey{}, c)
	for _, msg := range msgs {
		if c.Closed() {
			return ErrDisconnected
		}
		c.messagesIn.Add(1)
		observability.RecordMessage(c.engine.Side.String(), "in")
		if err := c.engine.Dispatch(dctx, msg, &c.infds); err != nil {
			return err
		}
	}
	copy(c.inbuf, c.inbuf[consumed:c.inlen])
	c.inlen -= consumed

	if frameErr != nil {
		return frameErr
	}
	if readErr != nil {
		if errors.Is(readErr, io.EOF) {
			return ErrDisconnected
		}
		if c.Closed() {
			return ErrDisconnected
		}
		if errors.Is(readErr, protocol.ErrTransport) {
			return readErr
		}
		return fmt.Errorf("%w: read: %w", protocol.ErrTransport, readErr)
	}
	return nil
}

// Enqueue appends msg to the outbox, waiting while it is full. The
// connection takes ownership of msg.FDs. Called from a handler it flushes
// inline rather than wait on itself.
func (c *Conn) Enqueue(ctx context.Context, msg wire.Message) error {
	data, err := wire.Encode(msg)
	if err != nil {
		wire.CloseFDs(msg.FDs)
		return err
	}
	if len(data) > c.cfg.Limits.MaxMessageSize {
		wire.CloseFDs(msg.FDs)
		return fmt.Errorf("%w: size=%d limit=%d", wire.ErrPayloadTooLarge, len(data), c.cfg.Limits.MaxMessageSize)
	}
	if ctx.Value(dispatchKey{}) != c {
		if err := c.outbox.Push(ctx, data, msg.FDs); err != nil {
			wire.CloseFDs(msg.FDs)
			return err
		}
		return nil
	}
	for {
		ok, err := c.outbox.TryPush(data, msg.FDs)
		if err != nil {
			wire.CloseFDs(msg.FDs)
			return err
		}
		if ok {
			return nil
		}
		before := c.outbox.Len()
		remaining, err := c.Flush()
		if err != nil && !errors.Is(err, ErrWriteTimeout) {
			wire.CloseFDs(msg.FDs)
			return err
		}
		if remaining >= before {
			wire.CloseFDs(msg.FDs)
			return ErrOutboxFull
		}
	}
}

// TryEnqueue appends msg without waiting or flushing. It reports false when
// the outbox is full, leaving msg with the caller.
func (c *Conn) TryEnqueue(msg wire.Message) (bool, error) {
	data, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}
	if len(data) > c.cfg.Limits.MaxMessageSize {
		return false, fmt.Errorf("%w: size=%d limit=%d", wire.ErrPayloadTooLarge, len(data), c.cfg.Limits.MaxMessageSize)
	}
	return c.outbox.TryPush(data, msg.FDs)
}

// Flush writes queued messages in order, coalescing up to
// wire.MaxFDsPerMessage descriptors per write. It returns the number of
// messages still queued. A write timeout stops the flush with ErrWriteTimeout.
func (c *Conn) Flush() (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	chunk := max(c.cfg.Limits.MaxMessageSize, 4*wire.DefaultMaxMessageSize)
	for {
		buf, fds, count := c.outbox.Batch(chunk, wire.MaxFDsPerMessage)
		if count == 0 {
			return 0, nil
		}
		if c.Closed() {
			return c.outbox.Len(), ErrDisconnected
		}
		if c.cfg.WriteTimeout > 0 {
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		}
		n, err := c.transport.WriteMsg(buf, fds)
		c.outbox.Ack(n, count)
		c.bytesOut.Add(uint64(n))
		if n > 0 {
			c.fdsOut.Add(uint64(len(fds)))
		}
		if n == len(buf) {
			c.messagesOut.Add(uint64(count))
			observability.RecordMessages(c.engine.Side.String(), "out", count)
		}
		if err != nil {
			remaining := c.outbox.Len()
			if isTimeout(err) {
				return remaining, fmt.Errorf("%w: %d messages pending", ErrWriteTimeout, remaining)
			}
			if errors.Is(err, protocol.ErrTransport) {
				return remaining, err
			}
			return remaining, fmt.Errorf("%w: write: %w", protocol.ErrTransport, err)
		}
	}
}

// Run drives the connection until it closes: a reader that pumps and
// dispatches, and a flusher woken by Enqueue. A rejected message is
// reported to the peer before the connection closes. Run returns the close
// reason.
func (c *Conn) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			if err := c.PumpIncoming(gctx); err != nil {
				c.fail(err)
				return err
			}
			if _, err := c.Flush(); err != nil && !errors.Is(err, ErrWriteTimeout) {
				c.fail(err)
				return err
			}
		}
	})
	g.Go(func() error {
		return c.flushLoop(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			_ = c.CloseWithError(ErrDisconnected)
		case <-c.done:
		}
		return nil
	})
	_ = g.Wait()
	return c.Err()
}

func (c *Conn) flushLoop(ctx context.Context) error {
	for {
		select {
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		case <-c.outbox.Ready():
		}
		_, err := c.Flush()
		switch {
		case err == nil:
		case errors.Is(err, ErrWriteTimeout):
			log.Warn().Uint64("conn", c.ID).Err(err).Msg("session.flushLoop peer not reading")
			select {
			case <-c.done:
				return nil
			case <-time.After(c.cfg.WriteTimeout / 4):
			}
			c.outbox.kick()
		case errors.Is(err, ErrDisconnected):
			return nil
		default:
			c.fail(err)
			return err
		}
	}
}

// fail reports a rejection to the peer, best effort, then closes.
func (c *Conn) fail(err error) {
	if c.Closed() {
		return
	}
	observability.RecordReject(c.engine.Side.String(), protocol.Class(err))
	if de, ok := dispatch.AsError(err); ok {
		log.Warn().
			Uint64("conn", c.ID).
			Uint32("object", de.Object).
			Str("interface", de.Interface).
			Uint16("opcode", de.Opcode).
			Uint32("code", de.Code).
			Msg(de.Message)
		if c.reporter != nil {
			if msg, ok := c.reporter(de); ok {
				if data, encErr := wire.Encode(msg); encErr == nil && c.outbox.Force(data, nil) == nil {
					if _, ferr := c.Flush(); ferr != nil {
						log.Debug().Uint64("conn", c.ID).Err(ferr).Msg("session.fail error notification not flushed")
					}
				}
			}
		}
	} else if !errors.Is(err, ErrDisconnected) {
		log.Warn().Uint64("conn", c.ID).Err(err).Msg("session.fail")
	}
	_ = c.CloseWithError(err)
}

func (c *Conn) Close() error {
	return c.CloseWithError(ErrDisconnected)
}

// CloseWithError closes the connection once; later calls are no-ops. The
// transport is closed, queued descriptors are closed, blocked Enqueue calls
// return ErrDisconnected and the registry is torn down.
func (c *Conn) CloseWithError(reason error) error {
	var result *multierror.Error
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrDisconnected
		}
		c.errMu.Lock()
		c.err = reason
		c.errMu.Unlock()
		close(c.done)

		dropped := c.outbox.Close()
		if err := c.transport.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close transport: %w", err))
		}
		if c.pumpMu.TryLock() {
			c.teardown()
			c.pumpMu.Unlock()
		}
		observability.RecordConnClosed(c.engine.Side.String())
		log.Debug().
			Uint64("conn", c.ID).
			Int("dropped", dropped).
			Err(reason).
			Msg("session.Close")
	})
	return result.ErrorOrNil()
}

// teardownIfClosed finishes a close that happened while a pump held the
// inbound state.
func (c *Conn) teardownIfClosed() {
	if c.Closed() {
		c.teardown()
	}
}

func (c *Conn) teardown() {
	c.teardownOnce.Do(func() {
		c.engine.Teardown()
		if n := c.infds.CloseAll(); n > 0 {
			log.Debug().Uint64("conn", c.ID).Int("fds", n).Msg("session.teardown closed unread descriptors")
		}
	})
}
