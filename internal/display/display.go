package display

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/observability"
	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/session"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

var (
	ErrMissingCore      = errors.New("display: protocol lacks the core interfaces")
	ErrUnknownInterface = fmt.Errorf("%w: display: interface not in protocol", protocol.ErrResource)
	ErrGlobalVersion    = fmt.Errorf("%w: display: global version out of range", protocol.ErrResource)
	ErrUnknownGlobal    = fmt.Errorf("%w: display: no such global", protocol.ErrResource)
)

// DefaultBroadcastTimeout bounds how long a global announcement waits on one
// client's full outbox before that client is dropped.
const DefaultBroadcastTimeout = 5 * time.Second

// maxErrorMessage caps the text carried by wl_display.error.
const maxErrorMessage = 1024

// BindFunc is called when a client binds a global. It implements the new
// object with call.Implement; an object it leaves unimplemented is inert.
type BindFunc func(ctx context.Context, call *dispatch.Call, id wire.NewID) error

// GlobalInfo describes one advertised global.
type GlobalInfo struct {
	Name      uint32 `json:"name"`
	Interface string `json:"interface"`
	Version   uint32 `json:"version"`
}

type global struct {
	GlobalInfo
	bind BindFunc
}

type announcement struct {
	event string
	args  []wire.Arg
}

// boundRegistry is one wl_registry and the announcements not yet handed to
// its connection. While draining is set every new announcement queues
// behind the backlog so events keep their order.
type boundRegistry struct {
	obj      *registry.Object
	conn     *session.Conn
	backlog  []announcement
	draining bool
}

// Display is the server-side state shared by every connection: the globals
// and the registries they are announced to. mu is never held while waiting
// on a client.
type Display struct {
	BroadcastTimeout time.Duration

	protocol      *schema.Protocol
	displayIface  *schema.Interface
	registryIface *schema.Interface
	errorEvent    *schema.Operation

	displayRoutes  *dispatch.Routes
	registryRoutes *dispatch.Routes

	serial atomic.Uint32

	mu         sync.Mutex
	nextName   uint32
	globals    map[uint32]*global
	registries map[*registry.Object]*boundRegistry
}

// New builds a display over p, which must contain the core interfaces.
func New(p *schema.Protocol) (*Display, error) {
	displayIface, ok := p.Interface("wl_display")
	if !ok {
		return nil, fmt.Errorf("%w: wl_display", ErrMissingCore)
	}
	registryIface, ok := p.Interface("wl_registry")
	if !ok {
		return nil, fmt.Errorf("%w: wl_registry", ErrMissingCore)
	}
	if _, ok := p.Interface("wl_callback"); !ok {
		return nil, fmt.Errorf("%w: wl_callback", ErrMissingCore)
	}
	errorEvent, ok := displayIface.OperationByName(schema.Event, "error")
	if !ok {
		return nil, fmt.Errorf("%w: wl_display.error", ErrMissingCore)
	}
	d := &Display{
		BroadcastTimeout: DefaultBroadcastTimeout,
		protocol:         p,
		displayIface:     displayIface,
		registryIface:    registryIface,
		errorEvent:       errorEvent,
		nextName:         1,
		globals:          make(map[uint32]*global),
		registries:       make(map[*registry.Object]*boundRegistry),
	}
	d.displayRoutes = dispatch.NewRoutes(displayIface, dispatch.ServerSide).
		On("sync", d.sync).
		On("get_registry", d.getRegistry)
	d.registryRoutes = dispatch.NewRoutes(registryIface, dispatch.ServerSide).
		On("bind", d.bind)
	d.registryRoutes.OnFinalize = d.forgetRegistry
	return d, nil
}

func (d *Display) Protocol() *schema.Protocol {
	return d.protocol
}

// NextSerial returns a new event serial.
func (d *Display) NextSerial() uint32 {
	return d.serial.Add(1)
}

// Attach binds wl_display at id 1 on c and installs the delete_id and error
// reporting hooks.
func (d *Display) Attach(c *session.Conn) error {
	e := c.Engine()
	obj, err := e.Bind(protocol.DisplayID, d.displayIface.Name, d.displayIface.Version, d.displayRoutes)
	if err != nil {
		return err
	}
	e.Deleted = func(ctx context.Context, id uint32) error {
		return e.SendNamed(ctx, obj, "delete_id", wire.ArgUint(id))
	}
	c.SetErrorReporter(d.ReportError)
	return nil
}

// ReportError builds the wl_display.error event for a rejected message.
func (d *Display) ReportError(de *dispatch.Error) (wire.Message, bool) {
	object := de.Object
	if object == protocol.NullID {
		object = protocol.DisplayID
	}
	text := de.Message
	if len(text) > maxErrorMessage {
		text = strings.ToValidUTF8(text[:maxErrorMessage], "")
	}
	msg, err := wire.NewMessage(protocol.DisplayID, d.errorEvent.Opcode, d.errorEvent.Signature,
		wire.ArgObject(object), wire.ArgUint(de.Code), wire.ArgString(text))
	if err != nil {
		log.Warn().Err(err).Msg("display.ReportError encode")
		return wire.Message{}, false
	}
	return msg, true
}

// AddGlobal advertises a new global and announces it to every bound
// registry. Names are never reused.
func (d *Display) AddGlobal(ctx context.Context, iface string, version uint32, bind BindFunc) (uint32, error) {
	def, ok := d.protocol.Interface(iface)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInterface, iface)
	}
	if version == 0 || version > def.Version {
		return 0, fmt.Errorf("%w: %s v%d, protocol has v%d", ErrGlobalVersion, iface, version, def.Version)
	}

	d.mu.Lock()
	name := d.nextName
	d.nextName++
	g := &global{GlobalInfo: GlobalInfo{Name: name, Interface: iface, Version: version}, bind: bind}
	d.globals[name] = g
	observability.SetGlobals(len(d.globals))
	stalled := d.announceLocked("global", wire.ArgUint(name), wire.ArgString(iface), wire.ArgUint(version))
	d.mu.Unlock()

	d.drainInBackground(ctx, stalled)
	log.Info().Uint32("name", name).Str("interface", iface).Uint32("version", version).Msg("display.AddGlobal")
	return name, nil
}

// RemoveGlobal withdraws a global. Binds already in flight for it succeed
// with an inert object.
func (d *Display) RemoveGlobal(ctx context.Context, name uint32) error {
	d.mu.Lock()
	g, ok := d.globals[name]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownGlobal, name)
	}
	delete(d.globals, name)
	observability.SetGlobals(len(d.globals))
	stalled := d.announceLocked("global_remove", wire.ArgUint(name))
	d.mu.Unlock()

	d.drainInBackground(ctx, stalled)
	log.Info().Uint32("name", name).Str("interface", g.Interface).Msg("display.RemoveGlobal")
	return nil
}

// Globals returns the advertised globals ordered by name.
func (d *Display) Globals() []GlobalInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.globalsLocked()
}

func (d *Display) globalsLocked() []GlobalInfo {
	out := make([]GlobalInfo, 0, len(d.globals))
	for _, g := range d.globals {
		out = append(out, g.GlobalInfo)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Registries reports how many registry objects are bound across connections.
func (d *Display) Registries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.registries)
}

// announceLocked hands an event to every bound registry without waiting.
// Registries whose connection cannot take it now keep it in their backlog;
// the ones that just started a backlog are returned for draining.
func (d *Display) announceLocked(event string, args ...wire.Arg) []*boundRegistry {
	var stalled []*boundRegistry
	for _, r := range d.registries {
		a := announcement{event: event, args: args}
		if r.draining {
			r.backlog = append(r.backlog, a)
			continue
		}
		msg, err := r.conn.Engine().BuildNamed(r.obj, event, args...)
		if err != nil {
			log.Warn().Uint64("conn", r.conn.ID).Uint32("registry", r.obj.ID).Str("event", event).Err(err).Msg("display.announce")
			continue
		}
		ok, err := r.conn.TryEnqueue(msg)
		if err != nil || ok {
			continue
		}
		r.backlog = append(r.backlog, a)
		r.draining = true
		stalled = append(stalled, r)
	}
	return stalled
}

func (d *Display) drainInBackground(ctx context.Context, stalled []*boundRegistry) {
	ctx = context.WithoutCancel(ctx)
	for _, r := range stalled {
		go func() {
			err := d.drain(ctx, r, d.BroadcastTimeout)
			if err == nil || errors.Is(err, session.ErrDisconnected) {
				return
			}
			log.Warn().Uint64("conn", r.conn.ID).Uint32("registry", r.obj.ID).Err(err).Msg("display.broadcast dropping client")
			_ = r.conn.CloseWithError(fmt.Errorf("%w: display: client not accepting events: %w", protocol.ErrResource, err))
		}()
	}
}

// drain sends r's backlog in order with mu released. Each announcement may
// wait up to limit for room in the outbox; zero waits on ctx alone. The
// backlog is done once it is empty or r has been forgotten.
func (d *Display) drain(ctx context.Context, r *boundRegistry, limit time.Duration) error {
	for {
		d.mu.Lock()
		if len(r.backlog) == 0 || d.registries[r.obj] != r {
			r.backlog = nil
			r.draining = false
			d.mu.Unlock()
			return nil
		}
		next := r.backlog[0]
		d.mu.Unlock()

		if err := d.deliver(ctx, r, next, limit); err != nil {
			return err
		}

		d.mu.Lock()
		r.backlog = r.backlog[1:]
		d.mu.Unlock()
	}
}

func (d *Display) deliver(ctx context.Context, r *boundRegistry, a announcement, limit time.Duration) error {
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	return r.conn.Engine().SendNamed(ctx, r.obj, a.event, a.args...)
}

func (d *Display) forgetRegistry(obj *registry.Object) {
	d.mu.Lock()
	delete(d.registries, obj)
	d.mu.Unlock()
}

func (d *Display) sync(ctx context.Context, call *dispatch.Call) error {
	nid, err := call.Args[0].NewID()
	if err != nil {
		return err
	}
	cb, err := call.Implement(nid.ID, nil)
	if err != nil {
		return err
	}
	if err := call.PostNamed(cb, "done", wire.ArgUint(d.NextSerial())); err != nil {
		return err
	}
	return call.Engine().Destroy(ctx, cb)
}

func (d *Display) getRegistry(_ context.Context, call *dispatch.Call) error {
	conn, ok := call.Conn().(*session.Conn)
	if !ok {
		return fmt.Errorf("display: get_registry outside a connection")
	}
	nid, err := call.Args[0].NewID()
	if err != nil {
		return err
	}
	reg, err := call.Implement(nid.ID, d.registryRoutes)
	if err != nil {
		return err
	}

	// the current globals queue ahead of any announcement made meanwhile
	r := &boundRegistry{obj: reg, conn: conn, draining: true}
	d.mu.Lock()
	for _, g := range d.globalsLocked() {
		r.backlog = append(r.backlog, announcement{
			event: "global",
			args:  []wire.Arg{wire.ArgUint(g.Name), wire.ArgString(g.Interface), wire.ArgUint(g.Version)},
		})
	}
	d.registries[reg] = r
	d.mu.Unlock()
	return d.drain(call.Context(), r, 0)
}

func (d *Display) bind(ctx context.Context, call *dispatch.Call) error {
	name, err := call.Args[0].Uint()
	if err != nil {
		return err
	}
	nid, err := call.Args[1].NewID()
	if err != nil {
		return err
	}

	d.mu.Lock()
	g, ok := d.globals[name]
	withdrawn := !ok && name != 0 && name < d.nextName
	d.mu.Unlock()

	switch {
	case withdrawn:
		log.Debug().Uint32("name", name).Uint32("id", nid.ID).Msg("display.bind to removed global")
		return nil
	case !ok:
		return dispatch.Protocol(dispatch.CodeInvalidObject, "invalid global %d", name)
	case nid.Interface != g.Interface:
		return dispatch.Protocol(dispatch.CodeInvalidObject,
			"invalid interface for global %d: have %s, wanted %s", name, nid.Interface, g.Interface)
	case nid.Version == 0 || nid.Version > g.Version:
		return dispatch.Protocol(dispatch.CodeInvalidObject,
			"invalid version for global %s (%d): have %d, wanted %d", g.Interface, name, nid.Version, g.Version)
	}
	if g.bind == nil {
		return nil
	}
	return g.bind(ctx, call, nid)
}
