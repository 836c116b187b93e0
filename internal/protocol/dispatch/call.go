package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

// Call is one dispatched message: target, operation and decoded arguments,
// plus the operations a handler may perform while it runs.
type Call struct {
	ctx    context.Context
	engine *Engine

	Object *registry.Object
	Op     *schema.Operation
	Args   []wire.Arg

	pending   []pendingObject
	destroyed bool
	taken     map[int]bool
}

type pendingObject struct {
	id        uint32
	committed bool
}

func (c *Call) Context() context.Context {
	return c.ctx
}

func (c *Call) Engine() *Engine {
	return c.engine
}

// Conn returns the connection data attached to the engine.
func (c *Call) Conn() any {
	return c.engine.Data
}

// Arg returns the named argument.
func (c *Call) Arg(name string) (wire.Arg, bool) {
	for i, spec := range c.Op.Signature {
		if spec.Name == name {
			return c.Args[i], true
		}
	}
	return wire.Arg{}, false
}

// TakeFD hands the fd argument at index i to the handler, which must close
// it. Descriptors not taken are closed when the handler returns an error.
func (c *Call) TakeFD(i int) (int, error) {
	if i < 0 || i >= len(c.Args) {
		return -1, fmt.Errorf("%w: dispatch: no argument %d", wire.ErrArgTypeMismatch, i)
	}
	fd, err := c.Args[i].FD()
	if err != nil {
		return -1, err
	}
	if c.taken == nil {
		c.taken = make(map[int]bool)
	}
	c.taken[i] = true
	return fd, nil
}

func (c *Call) closeUntakenFDs() {
	for i, a := range c.Args {
		if c.taken[i] {
			continue
		}
		if fd, err := a.FD(); err == nil {
			wire.CloseFDs([]int{fd})
		}
	}
}

// Post emits an outbound operation from the target object.
func (c *Call) Post(opcode uint16, args ...wire.Arg) error {
	return c.engine.Send(c.ctx, c.Object, opcode, args...)
}

// PostFrom emits an outbound operation from obj.
func (c *Call) PostFrom(obj *registry.Object, opcode uint16, args ...wire.Arg) error {
	return c.engine.Send(c.ctx, obj, opcode, args...)
}

// PostNamed emits the named outbound operation from obj.
func (c *Call) PostNamed(obj *registry.Object, name string, args ...wire.Arg) error {
	return c.engine.SendNamed(c.ctx, obj, name, args...)
}

// Pending returns the interface and version a new_id argument of this call
// was reserved with.
func (c *Call) Pending(id uint32) (*schema.Interface, uint32, bool) {
	if !c.isPending(id) {
		return nil, 0, false
	}
	return c.engine.Registry.Reserved(id)
}

// Implement commits the new object id with handler at once so the handler
// can post from it. New objects left unimplemented are committed with no
// handler after Handle returns.
func (c *Call) Implement(id uint32, handler Handler) (*registry.Object, error) {
	for i := range c.pending {
		p := &c.pending[i]
		if p.id != id || p.committed {
			continue
		}
		var h any
		if handler != nil {
			h = handler
		}
		obj, err := c.engine.Registry.Commit(id, h)
		if err != nil {
			return nil, err
		}
		p.committed = true
		return obj, nil
	}
	return nil, fmt.Errorf("%w: id=%d", ErrNotPending, id)
}

// Destroy marks the target for destruction once the handler succeeds.
func (c *Call) Destroy() {
	c.destroyed = true
}

// Allocate creates a locally owned object.
func (c *Call) Allocate(iface string, version uint32, handler Handler) (*registry.Object, error) {
	return c.engine.Create(iface, version, handler)
}

func (c *Call) isPending(id uint32) bool {
	for _, p := range c.pending {
		if p.id == id && !p.committed {
			return true
		}
	}
	return false
}

// bindArgs validates object arguments and reserves every new_id.
func (c *Call) bindArgs() error {
	e := c.engine
	for i, spec := range c.Op.Signature {
		switch spec.Type {
		case wire.TypeObject:
			id, _ := c.Args[i].Object()
			if id == protocol.NullID {
				continue
			}
			target, live := e.Registry.Lookup(id)
			if !live {
				if _, retired := e.Registry.IsRetired(id); retired {
					continue
				}
				// events may name objects this client already destroyed
				if e.Side == ClientSide {
					continue
				}
				return c.violation(CodeInvalidObject, "invalid object %d for argument %s", id, spec.Name)
			}
			if spec.Interface != "" && target.Interface.Name != spec.Interface {
				return c.violation(CodeInvalidObject, "object %s for argument %s is not a %s", target, spec.Name, spec.Interface)
			}
		case wire.TypeNewID:
			nid, _ := c.Args[i].NewID()
			if err := c.reserve(spec, nid); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Call) reserve(spec wire.ArgSpec, nid wire.NewID) error {
	e := c.engine
	if !e.Side.PeerRange().Contains(nid.ID) {
		return c.violation(CodeInvalidObject, "invalid new id %d: outside the %s range", nid.ID, rangeName(e.Side.PeerRange()))
	}
	ifaceName, version := spec.Interface, nid.Version
	if spec.Dynamic() {
		ifaceName = nid.Interface
	}
	iface, ok := e.Protocol.Interface(ifaceName)
	if !ok {
		return c.violation(CodeInvalidObject, "new id %d has unknown interface %q", nid.ID, ifaceName)
	}
	if !spec.Dynamic() {
		version = min(c.Object.Version, iface.Version)
	}
	if version == 0 || version > iface.Version {
		return c.violation(CodeInvalidObject, "new id %d: %s version %d out of range 1..%d", nid.ID, iface.Name, version, iface.Version)
	}
	if err := e.Registry.Reserve(nid.ID, iface, version); err != nil {
		return c.violation(CodeInvalidObject, "invalid new id %d: %v", nid.ID, err)
	}
	c.pending = append(c.pending, pendingObject{id: nid.ID})
	return nil
}

// commit makes every remaining reservation live with no handler.
func (c *Call) commit() error {
	for i := range c.pending {
		p := &c.pending[i]
		if p.committed {
			continue
		}
		if _, err := c.engine.Registry.Commit(p.id, nil); err != nil {
			return err
		}
		p.committed = true
	}
	return nil
}

// rollback undoes every new object of this call: reservations are aborted
// and objects committed early are released.
func (c *Call) rollback() {
	for _, p := range c.pending {
		if !p.committed {
			c.engine.Registry.Abort(p.id)
			continue
		}
		if obj, ok := c.engine.Registry.Release(p.id); ok {
			finalize(obj)
		}
	}
	c.pending = nil
}

func (c *Call) violation(code uint32, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{
		Object:    c.Object.ID,
		Interface: c.Object.Interface.Name,
		Opcode:    c.Op.Opcode,
		Code:      code,
		Message:   msg,
		Err:       fmt.Errorf("%w: %s", protocol.ErrProtocol, msg),
	}
}

// reject names the target on a handler failure.
func (c *Call) reject(err error) error {
	var de *Error
	if errors.As(err, &de) {
		if de.Object == 0 {
			de.Object = c.Object.ID
			de.Interface = c.Object.Interface.Name
			de.Opcode = c.Op.Opcode
		}
		return de
	}
	if !errors.Is(err, protocol.ErrProtocol) && !errors.Is(err, protocol.ErrDecode) {
		err = fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	return &Error{
		Object:    c.Object.ID,
		Interface: c.Object.Interface.Name,
		Opcode:    c.Op.Opcode,
		Code:      CodeImplementation,
		Message:   fmt.Sprintf("%s failed: %v", c.Op, err),
		Err:       err,
	}
}
