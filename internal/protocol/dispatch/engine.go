// Package dispatch routes decoded messages to per-object handlers. It
// resolves the target and opcode, decodes arguments against the signature,
// binds new objects in two phases and applies destructor semantics.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

// Sink accepts outgoing messages in order.
type Sink interface {
	Enqueue(ctx context.Context, msg wire.Message) error
}

// Engine dispatches the inbound messages of one connection.
type Engine struct {
	Side     Side
	Protocol *schema.Protocol
	Registry *registry.Registry
	Sink     Sink
	// Deleted is called on the server after a client-created object is
	// destroyed and its id released, so the peer can be told with delete_id.
	Deleted func(ctx context.Context, id uint32) error
	Limits  wire.Limits
	// Data is returned by Call.Conn.
	Data any
	// Trace logs every message at trace level.
	Trace bool
}

// Dispatch processes one framed message. fds holds the descriptors received
// so far; fd arguments consume them in order.
func (e *Engine) Dispatch(ctx context.Context, msg wire.Message, fds *wire.FDQueue) error {
	obj, ok := e.Registry.Lookup(msg.Sender)
	if !ok {
		if iface, retired := e.Registry.IsRetired(msg.Sender); retired {
			return e.drain(iface, msg, fds)
		}
		return &Error{
			Object:  msg.Sender,
			Opcode:  msg.Opcode,
			Code:    CodeInvalidObject,
			Message: fmt.Sprintf("invalid object %d", msg.Sender),
			Err:     fmt.Errorf("%w: unknown object %d", protocol.ErrProtocol, msg.Sender),
		}
	}

	op, ok := obj.Interface.Operation(e.Side.Inbound(), msg.Opcode)
	if !ok || op.Since > obj.Version {
		cause := ErrUnknownOpcode
		if ok {
			cause = ErrVersion
		}
		return &Error{
			Object:    obj.ID,
			Interface: obj.Interface.Name,
			Opcode:    msg.Opcode,
			Code:      CodeInvalidMethod,
			Message:   fmt.Sprintf("invalid method %d (v%d) on %s", msg.Opcode, obj.Version, obj),
			Err:       cause,
		}
	}

	args, err := wire.DecodeArgs(op.Signature, msg.Payload, fds)
	if err != nil {
		return &Error{
			Object:    obj.ID,
			Interface: obj.Interface.Name,
			Opcode:    msg.Opcode,
			Code:      CodeInvalidMethod,
			Message:   fmt.Sprintf("invalid arguments for %s: %v", op, err),
			Err:       err,
		}
	}
	if e.Trace {
		log.Trace().Str("side", e.Side.String()).Msgf(" -> %s@%d.%s(%s)", obj.Interface.Name, obj.ID, op.Name, wire.FormatArgs(args))
	}

	call := &Call{ctx: ctx, engine: e, Object: obj, Op: op, Args: args}
	if err := call.bindArgs(); err != nil {
		call.rollback()
		closeArgFDs(args)
		return err
	}

	if err := e.invoke(ctx, call); err != nil {
		call.rollback()
		call.closeUntakenFDs()
		return call.reject(err)
	}
	if err := call.commit(); err != nil {
		call.rollback()
		return call.reject(err)
	}
	if op.Destructor || call.destroyed {
		if err := e.Destroy(ctx, obj); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, call *Call) error {
	switch h := call.Object.Handler.(type) {
	case nil:
		closeArgFDs(call.Args)
		return nil
	case Handler:
		return h.Handle(ctx, call)
	default:
		return fmt.Errorf("%w: %T", ErrNotHandler, h)
	}
}

// drain decodes a message addressed to a retired id so its descriptors are
// consumed and closed, then drops it. A message that would not decode on a
// live object is rejected the same way.
func (e *Engine) drain(iface *schema.Interface, msg wire.Message, fds *wire.FDQueue) error {
	var op *schema.Operation
	if iface != nil {
		op, _ = iface.Operation(e.Side.Inbound(), msg.Opcode)
	}
	if op == nil {
		name := ""
		if iface != nil {
			name = iface.Name
		}
		return &Error{
			Object:    msg.Sender,
			Interface: name,
			Opcode:    msg.Opcode,
			Code:      CodeInvalidMethod,
			Message:   fmt.Sprintf("invalid method %d on retired object %d", msg.Opcode, msg.Sender),
			Err:       fmt.Errorf("%w: retired object %d", ErrUnknownOpcode, msg.Sender),
		}
	}
	args, err := wire.DecodeArgs(op.Signature, msg.Payload, fds)
	if err != nil {
		return &Error{
			Object:    msg.Sender,
			Interface: iface.Name,
			Opcode:    msg.Opcode,
			Code:      CodeInvalidMethod,
			Message:   fmt.Sprintf("invalid arguments for %s: %v", op, err),
			Err:       err,
		}
	}
	closeArgFDs(args)
	log.Debug().Uint32("object", msg.Sender).Str("op", op.String()).Msg("dispatch.drain dropped message to retired id")
	return nil
}

// Create allocates a local id, registers a new object on it and returns it.
// Exhaustion is returned to the caller and does not end the connection.
func (e *Engine) Create(iface string, version uint32, handler Handler) (*registry.Object, error) {
	def, ok := e.Protocol.Interface(iface)
	if !ok {
		return nil, fmt.Errorf("%w: dispatch: unknown interface %s", protocol.ErrResource, iface)
	}
	if version == 0 || version > def.Version {
		return nil, fmt.Errorf("%w: dispatch: %s version %d out of range 1..%d", protocol.ErrResource, iface, version, def.Version)
	}
	id, err := e.Registry.Allocate(e.Side.LocalRange())
	if err != nil {
		return nil, err
	}
	obj := &registry.Object{ID: id, Interface: def, Version: version}
	if handler != nil {
		obj.Handler = handler
	}
	if err := e.Registry.Register(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Bind registers obj at a fixed id, used for the display object.
func (e *Engine) Bind(id uint32, iface string, version uint32, handler Handler) (*registry.Object, error) {
	def, ok := e.Protocol.Interface(iface)
	if !ok {
		return nil, fmt.Errorf("%w: dispatch: unknown interface %s", protocol.ErrResource, iface)
	}
	obj := &registry.Object{ID: id, Interface: def, Version: version}
	if handler != nil {
		obj.Handler = handler
	}
	if err := e.Registry.Register(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Send encodes an outgoing operation from obj and hands it to the sink.
func (e *Engine) Send(ctx context.Context, obj *registry.Object, opcode uint16, args ...wire.Arg) error {
	op, ok := obj.Interface.Operation(e.Side.Outbound(), opcode)
	if !ok {
		return fmt.Errorf("%w: %s opcode=%d", ErrUnknownOpcode, obj, opcode)
	}
	return e.send(ctx, obj, op, args)
}

// SendNamed is Send with the operation resolved by name.
func (e *Engine) SendNamed(ctx context.Context, obj *registry.Object, name string, args ...wire.Arg) error {
	op, ok := obj.Interface.OperationByName(e.Side.Outbound(), name)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnknownOpcode, obj, name)
	}
	return e.send(ctx, obj, op, args)
}

// BuildNamed encodes the named outgoing operation from obj without handing
// it to the sink.
func (e *Engine) BuildNamed(obj *registry.Object, name string, args ...wire.Arg) (wire.Message, error) {
	op, ok := obj.Interface.OperationByName(e.Side.Outbound(), name)
	if !ok {
		return wire.Message{}, fmt.Errorf("%w: %s.%s", ErrUnknownOpcode, obj, name)
	}
	return e.build(obj, op, args)
}

func (e *Engine) send(ctx context.Context, obj *registry.Object, op *schema.Operation, args []wire.Arg) error {
	if e.Sink == nil {
		return ErrNoSink
	}
	msg, err := e.build(obj, op, args)
	if err != nil {
		return err
	}
	return e.Sink.Enqueue(ctx, msg)
}

func (e *Engine) build(obj *registry.Object, op *schema.Operation, args []wire.Arg) (wire.Message, error) {
	if op.Since > obj.Version {
		return wire.Message{}, fmt.Errorf("%w: %s since %d, object v%d", ErrVersion, op, op.Since, obj.Version)
	}
	msg, err := wire.BuildMessage(e.Limits, obj.ID, op.Opcode, op.Signature, args...)
	if err != nil {
		return wire.Message{}, fmt.Errorf("dispatch: encode %s: %w", op, err)
	}
	if e.Trace {
		log.Trace().Str("side", e.Side.String()).Msgf(" <- %s@%d.%s(%s)", obj.Interface.Name, obj.ID, op.Name, wire.FormatArgs(args))
	}
	return msg, nil
}

// Destroy removes obj from the registry. The server frees the id and reports
// client-created ids through Deleted. The client keeps its own ids retired
// until the server acknowledges with delete_id.
func (e *Engine) Destroy(ctx context.Context, obj *registry.Object) error {
	switch e.Side {
	case ClientSide:
		if e.Side.LocalRange().Contains(obj.ID) {
			if _, ok := e.Registry.Retire(obj.ID); !ok {
				return nil
			}
		} else if _, ok := e.Registry.Release(obj.ID); !ok {
			return nil
		}
		finalize(obj)
		return nil
	default:
		if _, ok := e.Registry.Release(obj.ID); !ok {
			return nil
		}
		finalize(obj)
		if e.Side.PeerRange().Contains(obj.ID) && e.Deleted != nil {
			return e.Deleted(ctx, obj.ID)
		}
		return nil
	}
}

// Reclaim frees a retired id once the peer has acknowledged its destruction.
func (e *Engine) Reclaim(id uint32) bool {
	return e.Registry.Reclaim(id)
}

// Teardown removes every object, telling finalizers.
func (e *Engine) Teardown() {
	e.Registry.Clear(finalize)
}

func finalize(obj *registry.Object) {
	if f, ok := obj.Handler.(Finalizer); ok {
		f.Finalize(obj)
	}
}

func closeArgFDs(args []wire.Arg) {
	for _, a := range args {
		if fd, err := a.FD(); err == nil {
			wire.CloseFDs([]int{fd})
		}
	}
}

// IsRejection reports whether err is a rejected message rather than a
// transport or local failure.
func IsRejection(err error) bool {
	var de *Error
	return errors.As(err, &de)
}
