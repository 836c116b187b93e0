package display

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var (
	ErrDisplayError      = fmt.Errorf("%w: display: server reported a protocol error", protocol.ErrProtocol)
	ErrInterfaceMismatch = fmt.Errorf("%w: display: global has a different interface", protocol.ErrResource)
)

// Client is the client end of a display connection. The event loop runs
// from construction until Close or a fatal error.
type Client struct {
	conn    *session.Conn
	engine  *dispatch.Engine
	display *registry.Object

	callbackIface *schema.Interface
	registryIface *schema.Interface

	done chan struct{}
	err  error

	mu       sync.Mutex
	registry *registry.Object
	globals  map[uint32]GlobalInfo

	// OnGlobal and OnGlobalRemove observe registry events; set before
	// calling Registry.
	OnGlobal       func(GlobalInfo)
	OnGlobalRemove func(name uint32)
}

// Connect opens the display socket found through the environment, or the
// inherited WAYLAND_SOCKET, and starts a client on it.
func Connect(ctx context.Context, p *schema.Protocol, cfg session.Config) (*Client, error) {
	t, err := session.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(ctx, t, p, cfg)
}

// NewClient starts a client over an established transport. ctx bounds the
// event loop.
func NewClient(ctx context.Context, t session.Transport, p *schema.Protocol, cfg session.Config) (*Client, error) {
	displayIface, ok := p.Interface("wl_display")
	if !ok {
		_ = t.Close()
		return nil, fmt.Errorf("%w: wl_display", ErrMissingCore)
	}
	registryIface, ok := p.Interface("wl_registry")
	if !ok {
		_ = t.Close()
		return nil, fmt.Errorf("%w: wl_registry", ErrMissingCore)
	}
	callbackIface, ok := p.Interface("wl_callback")
	if !ok {
		_ = t.Close()
		return nil, fmt.Errorf("%w: wl_callback", ErrMissingCore)
	}

	e := &dispatch.Engine{Side: dispatch.ClientSide, Protocol: p}
	conn := session.NewConn(t, e, cfg)
	c := &Client{
		conn:          conn,
		engine:        e,
		callbackIface: callbackIface,
		registryIface: registryIface,
		done:          make(chan struct{}),
		globals:       make(map[uint32]GlobalInfo),
	}
	routes := dispatch.NewRoutes(displayIface, dispatch.ClientSide).
		On("error", c.onError).
		On("delete_id", c.onDeleteID)
	display, err := e.Bind(protocol.DisplayID, displayIface.Name, displayIface.Version, routes)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.display = display

	go func() {
		c.err = conn.Run(ctx)
		close(c.done)
	}()
	return c, nil
}

func (c *Client) Conn() *session.Conn {
	return c.conn
}

func (c *Client) Engine() *dispatch.Engine {
	return c.engine
}

// Done is closed when the event loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the event loop stops and returns why. A server-reported
// protocol error is a *dispatch.Error wrapping ErrDisplayError.
func (c *Client) Wait() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Roundtrip sends wl_display.sync and waits for its callback. Every event
// the server queued before the request has been dispatched when it returns.
func (c *Client) Roundtrip(ctx context.Context) (uint32, error) {
	fired := make(chan uint32, 1)
	routes := dispatch.NewRoutes(c.callbackIface, dispatch.ClientSide).
		On("done", func(_ context.Context, call *dispatch.Call) error {
			serial, err := call.Args[0].Uint()
			if err != nil {
				return err
			}
			fired <- serial
			return nil
		})
	cb, err := c.engine.Create(c.callbackIface.Name, 1, routes)
	if err != nil {
		return 0, err
	}
	if err := c.engine.SendNamed(ctx, c.display, "sync", wire.ArgNewID(cb.ID)); err != nil {
		c.engine.Registry.Release(cb.ID)
		return 0, err
	}
	select {
	case serial := <-fired:
		return serial, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, c.closedErr()
	}
}

// Registry binds wl_registry on first use, waits for the server to announce
// its globals and returns them ordered by name.
func (c *Client) Registry(ctx context.Context) ([]GlobalInfo, error) {
	c.mu.Lock()
	reg := c.registry
	c.mu.Unlock()
	if reg == nil {
		routes := dispatch.NewRoutes(c.registryIface, dispatch.ClientSide).
			On("global", c.onGlobal).
			On("global_remove", c.onGlobalRemove)
		obj, err := c.engine.Create(c.registryIface.Name, 1, routes)
		if err != nil {
			return nil, err
		}
		if err := c.engine.SendNamed(ctx, c.display, "get_registry", wire.ArgNewID(obj.ID)); err != nil {
			c.engine.Registry.Release(obj.ID)
			return nil, err
		}
		c.mu.Lock()
		c.registry = obj
		c.mu.Unlock()
	}
	if _, err := c.Roundtrip(ctx); err != nil {
		return nil, err
	}
	return c.Globals(), nil
}

// Globals returns the globals announced so far.
func (c *Client) Globals() []GlobalInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]GlobalInfo, 0, len(c.globals))
	for _, g := range c.globals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Find returns the first announced global implementing iface.
func (c *Client) Find(iface string) (GlobalInfo, bool) {
	for _, g := range c.Globals() {
		if g.Interface == iface {
			return g, true
		}
	}
	return GlobalInfo{}, false
}

// Bind creates a local object for global name and asks the server to bind
// it. The returned object may be used at once.
func (c *Client) Bind(ctx context.Context, name uint32, iface string, version uint32, handler dispatch.Handler) (*registry.Object, error) {
	c.mu.Lock()
	reg := c.registry
	g, ok := c.globals[name]
	c.mu.Unlock()
	if reg == nil || !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownGlobal, name)
	}
	if g.Interface != iface {
		return nil, fmt.Errorf("%w: global %d is %s, not %s", ErrInterfaceMismatch, name, g.Interface, iface)
	}
	if version == 0 || version > g.Version {
		return nil, fmt.Errorf("%w: %s v%d, global offers v%d", ErrGlobalVersion, iface, version, g.Version)
	}
	obj, err := c.engine.Create(iface, version, handler)
	if err != nil {
		return nil, err
	}
	nid := wire.NewID{ID: obj.ID, Interface: iface, Version: version}
	if err := c.engine.SendNamed(ctx, reg, "bind", wire.ArgUint(name), wire.ArgDynamicNewID(nid)); err != nil {
		c.engine.Registry.Release(obj.ID)
		return nil, err
	}
	return obj, nil
}

// Send emits a request from obj.
func (c *Client) Send(ctx context.Context, obj *registry.Object, request string, args ...wire.Arg) error {
	return c.engine.SendNamed(ctx, obj, request, args...)
}

// Destroy sends the destructor request of obj and retires its id until the
// server confirms with delete_id.
func (c *Client) Destroy(ctx context.Context, obj *registry.Object, request string, args ...wire.Arg) error {
	if err := c.engine.SendNamed(ctx, obj, request, args...); err != nil {
		return err
	}
	return c.engine.Destroy(ctx, obj)
}

func (c *Client) closedErr() error {
	if c.err != nil {
		return c.err
	}
	return session.ErrDisconnected
}

func (c *Client) onError(_ context.Context, call *dispatch.Call) error {
	object, _ := call.Args[0].Object()
	code, _ := call.Args[1].Uint()
	message, _ := call.Args[2].Str()
	iface := ""
	if obj, ok := c.engine.Registry.Lookup(object); ok {
		iface = obj.Interface.Name
	}
	log.Error().Uint32("object", object).Str("interface", iface).Uint32("code", code).Msg(message)
	return &dispatch.Error{
		Object:    object,
		Interface: iface,
		Code:      code,
		Message:   message,
		Err:       fmt.Errorf("%w: %s", ErrDisplayError, message),
	}
}

func (c *Client) onDeleteID(_ context.Context, call *dispatch.Call) error {
	id, err := call.Args[0].Uint()
	if err != nil {
		return err
	}
	if c.engine.Reclaim(id) {
		return nil
	}
	if obj, ok := c.engine.Registry.Release(id); ok {
		log.Debug().Str("object", obj.String()).Msg("display.Client server deleted live object")
		return nil
	}
	log.Debug().Uint32("id", id).Msg("display.Client delete_id for unknown id")
	return nil
}

func (c *Client) onGlobal(_ context.Context, call *dispatch.Call) error {
	name, _ := call.Args[0].Uint()
	iface, _ := call.Args[1].Str()
	version, _ := call.Args[2].Uint()
	g := GlobalInfo{Name: name, Interface: iface, Version: version}
	c.mu.Lock()
	c.globals[name] = g
	hook := c.OnGlobal
	c.mu.Unlock()
	if hook != nil {
		hook(g)
	}
	return nil
}

func (c *Client) onGlobalRemove(_ context.Context, call *dispatch.Call) error {
	name, _ := call.Args[0].Uint()
	c.mu.Lock()
	_, known := c.globals[name]
	delete(c.globals, name)
	hook := c.OnGlobalRemove
	c.mu.Unlock()
	if !known {
		log.Debug().Uint32("name", name).Msg("display.Client global_remove for unknown global")
		return nil
	}
	if hook != nil {
		hook(name)
	}
	return nil
}
