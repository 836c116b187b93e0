package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/wire"
	"github.com/danmuck/waywire/internal/testutil/testlog"
)

type recordSink struct {
	msgs []wire.Message
}

func (s *recordSink) Enqueue(_ context.Context, msg wire.Message) error {
	s.msgs = append(s.msgs, msg)
	return nil
}

func newEngine(t *testing.T, side Side) (*Engine, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	return &Engine{
		Side:     side,
		Protocol: schema.Core(),
		Registry: registry.New(),
		Sink:     sink,
		Limits:   wire.DefaultLimits(),
	}, sink
}

func request(t *testing.T, p *schema.Protocol, sender uint32, iface, name string, args ...wire.Arg) wire.Message {
	t.Helper()
	def, ok := p.Interface(iface)
	if !ok {
		t.Fatalf("interface %s missing", iface)
	}
	op, ok := def.OperationByName(schema.Request, name)
	if !ok {
		t.Fatalf("request %s.%s missing", iface, name)
	}
	msg, err := wire.NewMessage(sender, op.Opcode, op.Signature, args...)
	if err != nil {
		t.Fatalf("build %s.%s: %v", iface, name, err)
	}
	return msg
}

func event(t *testing.T, p *schema.Protocol, sender uint32, iface, name string, args ...wire.Arg) wire.Message {
	t.Helper()
	def, _ := p.Interface(iface)
	op, ok := def.OperationByName(schema.Event, name)
	if !ok {
		t.Fatalf("event %s.%s missing", iface, name)
	}
	msg, err := wire.NewMessage(sender, op.Opcode, op.Signature, args...)
	if err != nil {
		t.Fatalf("build %s.%s: %v", iface, name, err)
	}
	return msg
}

func TestBindNewObjectThenRoute(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ServerSide)
	display, _ := e.Protocol.Interface("wl_display")
	registryIface, _ := e.Protocol.Interface("wl_registry")

	var bound []wire.NewID
	registryRoutes := NewRoutes(registryIface, ServerSide).On("bind", func(_ context.Context, call *Call) error {
		nid, err := call.Args[1].NewID()
		if err != nil {
			return err
		}
		bound = append(bound, nid)
		return nil
	})
	displayRoutes := NewRoutes(display, ServerSide).On("get_registry", func(_ context.Context, call *Call) error {
		nid, _ := call.Args[0].NewID()
		_, err := call.Implement(nid.ID, registryRoutes)
		return err
	})
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, displayRoutes); err != nil {
		t.Fatalf("bind display: %v", err)
	}

	if err := e.Dispatch(context.Background(), request(t, e.Protocol, 1, "wl_display", "get_registry", wire.ArgNewID(3)), nil); err != nil {
		t.Fatalf("get_registry: %v", err)
	}
	obj, ok := e.Registry.Lookup(3)
	if !ok || obj.Interface.Name != "wl_registry" || obj.Version != 1 {
		t.Fatalf("id 3 not bound to wl_registry: %+v", obj)
	}

	msg := request(t, e.Protocol, 3, "wl_registry", "bind",
		wire.ArgUint(1), wire.ArgDynamicNewID(wire.NewID{ID: 4, Interface: "wl_callback", Version: 1}))
	if err := e.Dispatch(context.Background(), msg, nil); err != nil {
		t.Fatalf("registry bind: %v", err)
	}
	if len(bound) != 1 || bound[0].ID != 4 || bound[0].Interface != "wl_callback" {
		t.Fatalf("bind not routed to id 3: %+v", bound)
	}
	// unimplemented new object is live with no handler
	cb, ok := e.Registry.Lookup(4)
	if !ok || cb.Handler != nil {
		t.Fatalf("id 4 not committed: %+v", cb)
	}
}

func TestFailedBindLeavesIDAllocatable(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ServerSide)
	display, _ := e.Protocol.Interface("wl_display")
	routes := NewRoutes(display, ServerSide).On("get_registry", func(_ context.Context, call *Call) error {
		return errors.New("registry unavailable")
	})
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, routes); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	err := e.Dispatch(context.Background(), request(t, e.Protocol, 1, "wl_display", "get_registry", wire.ArgNewID(3)), nil)
	var de *Error
	if !errors.As(err, &de) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if de.Object != 1 || de.Code != CodeImplementation || de.Interface != "wl_display" || de.Opcode != 1 {
		t.Fatalf("unexpected error: %+v", de)
	}
	if !errors.Is(err, protocol.ErrProtocol) || errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected protocol class, got %v", err)
	}
	if _, ok := e.Registry.Lookup(3); ok {
		t.Fatalf("id 3 registered after failed bind")
	}
	if err := e.Registry.Register(&registry.Object{ID: 3}); err != nil {
		t.Fatalf("id 3 not allocatable after failed bind: %v", err)
	}
}

func TestFailedBindReleasesImplementedObject(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ServerSide)
	display, _ := e.Protocol.Interface("wl_display")
	routes := NewRoutes(display, ServerSide).On("sync", func(_ context.Context, call *Call) error {
		nid, _ := call.Args[0].NewID()
		if _, err := call.Implement(nid.ID, nil); err != nil {
			return err
		}
		return Protocol(CodeNoMemory, "out of callbacks")
	})
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, routes); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	err := e.Dispatch(context.Background(), request(t, e.Protocol, 1, "wl_display", "sync", wire.ArgNewID(2)), nil)
	var de *Error
	if !errors.As(err, &de) || de.Code != CodeNoMemory || de.Object != 1 {
		t.Fatalf("expected no_memory error naming display, got %v", err)
	}
	if _, ok := e.Registry.Lookup(2); ok {
		t.Fatalf("id 2 survived failed call")
	}
}

func TestDispatchViolations(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ServerSide)
	calls := 0
	display, _ := e.Protocol.Interface("wl_display")
	routes := NewRoutes(display, ServerSide).
		On("sync", func(context.Context, *Call) error { calls++; return nil }).
		On("get_registry", func(context.Context, *Call) error { calls++; return nil })
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, routes); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	if err := e.Registry.Register(&registry.Object{ID: 5, Interface: display, Version: 1}); err != nil {
		t.Fatalf("register: %v", err)
	}

	opMsg, _, err := wire.Decode(wire.EncodeHeader(wire.Header{Sender: 1, Opcode: 9, Size: 8}), wire.DefaultLimits())
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	truncated := request(t, e.Protocol, 1, "wl_display", "sync", wire.ArgNewID(2))
	truncated.Payload = nil
	truncated.Size = wire.HeaderSize

	tests := []struct {
		name string
		msg  wire.Message
		code uint32
	}{
		{"unknown object", request(t, e.Protocol, 77, "wl_display", "sync", wire.ArgNewID(2)), CodeInvalidObject},
		{"unknown opcode", opMsg, CodeInvalidMethod},
		{"truncated args", truncated, CodeInvalidMethod},
		{"new id in use", request(t, e.Protocol, 1, "wl_display", "sync", wire.ArgNewID(5)), CodeInvalidObject},
		{"new id out of range", request(t, e.Protocol, 1, "wl_display", "sync", wire.ArgNewID(protocol.ServerIDMin)), CodeInvalidObject},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := e.Dispatch(context.Background(), tc.msg, nil)
			var de *Error
			if !errors.As(err, &de) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if de.Code != tc.code {
				t.Fatalf("code=%d want %d (%v)", de.Code, tc.code, err)
			}
			if !protocol.IsFatal(err) {
				t.Fatalf("violation must be fatal: %v", err)
			}
		})
	}
	if calls != 0 {
		t.Fatalf("handler ran %d times for rejected messages", calls)
	}
	if _, ok := e.Registry.Lookup(2); ok {
		t.Fatalf("id 2 bound by a rejected message")
	}
}

func TestVersionGate(t *testing.T) {
	testlog.Start(t)
	p := schema.NewProtocol("test")
	if err := p.Merge(schema.Core()); err != nil {
		t.Fatalf("merge core: %v", err)
	}
	ext, err := schema.Parse([]byte(`name = "ext"
[[interface]]
name = "x_counter"
version = 2
  [[interface.request]]
  name = "add"
  args = [{ name = "n", type = "int" }]
  [[interface.request]]
  name = "reset"
  since = 2
`), "inline")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := p.Merge(ext); err != nil {
		t.Fatalf("merge: %v", err)
	}
	e, _ := newEngine(t, ServerSide)
	e.Protocol = p
	if _, err := e.Bind(7, "x_counter", 1, HandlerFunc(func(context.Context, *Call) error { return nil })); err != nil {
		t.Fatalf("bind: %v", err)
	}
	err = e.Dispatch(context.Background(), request(t, p, 7, "x_counter", "reset"), nil)
	var de *Error
	if !errors.As(err, &de) || de.Code != CodeInvalidMethod || !errors.Is(err, ErrVersion) {
		t.Fatalf("expected version rejection, got %v", err)
	}
	if err := e.Dispatch(context.Background(), request(t, p, 7, "x_counter", "add", wire.ArgInt(2)), nil); err != nil {
		t.Fatalf("add: %v", err)
	}
}

func TestServerDestroyReportsDeletedID(t *testing.T) {
	testlog.Start(t)
	e, sink := newEngine(t, ServerSide)
	var deleted []uint32
	e.Deleted = func(_ context.Context, id uint32) error {
		deleted = append(deleted, id)
		return nil
	}
	display, _ := e.Protocol.Interface("wl_display")
	routes := NewRoutes(display, ServerSide).On("sync", func(ctx context.Context, call *Call) error {
		nid, _ := call.Args[0].NewID()
		cb, err := call.Implement(nid.ID, nil)
		if err != nil {
			return err
		}
		if err := call.PostNamed(cb, "done", wire.ArgUint(42)); err != nil {
			return err
		}
		return call.Engine().Destroy(ctx, cb)
	})
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, routes); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	if err := e.Dispatch(context.Background(), request(t, e.Protocol, 1, "wl_display", "sync", wire.ArgNewID(2)), nil); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Sender != 2 || sink.msgs[0].Opcode != 0 {
		t.Fatalf("expected done from id 2, got %+v", sink.msgs)
	}
	if len(deleted) != 1 || deleted[0] != 2 {
		t.Fatalf("deleted=%v", deleted)
	}
	if _, ok := e.Registry.Lookup(2); ok {
		t.Fatalf("callback still live")
	}
	if _, retired := e.Registry.IsRetired(2); retired {
		t.Fatalf("server must free the id at once")
	}
}

type finalizeRecorder struct {
	HandlerFunc
	finalized []uint32
}

func (f *finalizeRecorder) Finalize(obj *registry.Object) {
	f.finalized = append(f.finalized, obj.ID)
}

func TestClientDestructorRetiresUntilReclaim(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ClientSide)
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, nil); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	var data uint32
	h := &finalizeRecorder{HandlerFunc: func(_ context.Context, call *Call) error {
		data, _ = call.Args[0].Uint()
		return nil
	}}
	cb, err := e.Create("wl_callback", 1, h)
	if err != nil {
		t.Fatalf("create callback: %v", err)
	}
	if cb.ID != 2 {
		t.Fatalf("callback id=%d want 2", cb.ID)
	}
	done := event(t, e.Protocol, cb.ID, "wl_callback", "done", wire.ArgUint(9))
	if err := e.Dispatch(context.Background(), done, nil); err != nil {
		t.Fatalf("done: %v", err)
	}
	if data != 9 || len(h.finalized) != 1 {
		t.Fatalf("data=%d finalized=%v", data, h.finalized)
	}
	if _, retired := e.Registry.IsRetired(cb.ID); !retired {
		t.Fatalf("callback id not retired")
	}
	// a late event to the zombie is dropped
	if err := e.Dispatch(context.Background(), done, nil); err != nil {
		t.Fatalf("late event to retired id: %v", err)
	}
	if data != 9 {
		t.Fatalf("handler ran for retired id: data=%d", data)
	}

	// malformed messages to the zombie are still rejected
	unknown := wire.Message{Sender: cb.ID, Opcode: 7, Size: wire.HeaderSize}
	err = e.Dispatch(context.Background(), unknown, nil)
	var de *Error
	if !errors.As(err, &de) || de.Object != cb.ID || de.Code != CodeInvalidMethod {
		t.Fatalf("unknown opcode on retired id: %v", err)
	}
	if !errors.Is(err, ErrUnknownOpcode) || !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("unknown opcode class: %v", err)
	}
	truncated := done
	truncated.Payload = done.Payload[:2]
	truncated.Size = uint16(wire.HeaderSize + len(truncated.Payload))
	err = e.Dispatch(context.Background(), truncated, nil)
	if !errors.As(err, &de) || de.Code != CodeInvalidMethod || !errors.Is(err, protocol.ErrDecode) {
		t.Fatalf("truncated payload on retired id: %v", err)
	}
	if id, _ := e.Registry.Allocate(registry.ClientRange); id == cb.ID {
		t.Fatalf("retired id reallocated")
	}
	if !e.Reclaim(cb.ID) {
		t.Fatalf("reclaim failed")
	}
	if id, _ := e.Registry.Allocate(registry.ClientRange); id != cb.ID {
		t.Fatalf("allocate after reclaim=%d want %d", id, cb.ID)
	}
}

func TestSendChecksDirectionAndVersion(t *testing.T) {
	testlog.Start(t)
	e, sink := newEngine(t, ClientSide)
	display, err := e.Bind(protocol.DisplayID, "wl_display", 1, nil)
	if err != nil {
		t.Fatalf("bind display: %v", err)
	}
	if err := e.Send(context.Background(), display, 1, wire.ArgNewID(2)); err != nil {
		t.Fatalf("send get_registry: %v", err)
	}
	if err := e.Send(context.Background(), display, 5); !errors.Is(err, ErrUnknownOpcode) {
		t.Fatalf("expected ErrUnknownOpcode, got %v", err)
	}
	if err := e.SendNamed(context.Background(), display, "sync", wire.ArgUint(1)); !errors.Is(err, wire.ErrArgTypeMismatch) {
		t.Fatalf("expected arg mismatch, got %v", err)
	}
	if len(sink.msgs) != 1 || sink.msgs[0].Opcode != 1 {
		t.Fatalf("sink=%+v", sink.msgs)
	}
}

func TestTeardownFinalizesAll(t *testing.T) {
	testlog.Start(t)
	e, _ := newEngine(t, ServerSide)
	h := &finalizeRecorder{HandlerFunc: func(context.Context, *Call) error { return nil }}
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, h); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if _, err := e.Create("wl_callback", 1, h); err != nil {
		t.Fatalf("create: %v", err)
	}
	e.Teardown()
	if len(h.finalized) != 2 || e.Registry.Len() != 0 {
		t.Fatalf("finalized=%v len=%d", h.finalized, e.Registry.Len())
	}
}

func TestAsErrorMapsClasses(t *testing.T) {
	testlog.Start(t)
	if _, ok := AsError(errors.New("boom")); ok {
		t.Fatalf("unclassed error must not be reported")
	}
	if _, ok := AsError(protocol.ErrTransport); ok {
		t.Fatalf("transport error must not be reported")
	}
	de, ok := AsError(wire.ErrSizeUnaligned)
	if !ok || de.Object != protocol.DisplayID || de.Code != CodeInvalidMethod {
		t.Fatalf("framing error mapping: %+v", de)
	}
}
