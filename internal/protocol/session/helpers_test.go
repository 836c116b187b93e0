package session

import (
	"context"
	"testing"
	"time"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/dispatch"
	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
	"github.com/danmuck/waywire/internal/protocol/wire"
)

const fdProtocolTOML = `name = "fdtest"
[[interface]]
name = "x_fd"
version = 1
  [[interface.request]]
  name = "take"
  args = [{ name = "fd", type = "fd" }, { name = "size", type = "uint" }]
`

func testProtocol(t *testing.T) *schema.Protocol {
	t.Helper()
	p := schema.NewProtocol("test")
	if err := p.Merge(schema.Core()); err != nil {
		t.Fatalf("merge core: %v", err)
	}
	ext, err := schema.Parse([]byte(fdProtocolTOML), "fdtest")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := p.Merge(ext); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return p
}

func displayErrorReporter(t *testing.T, p *schema.Protocol) ErrorReporter {
	t.Helper()
	display, _ := p.Interface("wl_display")
	op, ok := display.OperationByName(schema.Event, "error")
	if !ok {
		t.Fatalf("wl_display.error missing")
	}
	return func(de *dispatch.Error) (wire.Message, bool) {
		msg, err := wire.NewMessage(protocol.DisplayID, op.Opcode, op.Signature,
			wire.ArgObject(de.Object), wire.ArgUint(de.Code), wire.ArgString(de.Message))
		return msg, err == nil
	}
}

// newServerConn binds wl_display at id 1 with the given handler.
func newServerConn(t *testing.T, tr Transport, cfg Config, p *schema.Protocol, display dispatch.Handler) *Conn {
	t.Helper()
	e := &dispatch.Engine{Side: dispatch.ServerSide, Protocol: p, Registry: registry.New()}
	c := NewConn(tr, e, cfg)
	c.SetErrorReporter(displayErrorReporter(t, p))
	if _, err := e.Bind(protocol.DisplayID, "wl_display", 1, display); err != nil {
		t.Fatalf("bind display: %v", err)
	}
	return c
}

func buildRequest(t *testing.T, p *schema.Protocol, sender uint32, iface, name string, args ...wire.Arg) []byte {
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
	data, err := wire.Encode(msg)
	if err != nil {
		t.Fatalf("encode %s.%s: %v", iface, name, err)
	}
	return data
}

// readMessages reads from tr until n messages are framed.
func readMessages(t *testing.T, tr Transport, n int) []wire.Message {
	t.Helper()
	var (
		buf  []byte
		out  []wire.Message
		fds  wire.FDQueue
		tmp  = make([]byte, 4096)
		stop = time.Now().Add(2 * time.Second)
	)
	for len(out) < n {
		_ = tr.SetReadDeadline(stop)
		k, err := tr.ReadMsg(tmp, &fds)
		buf = append(buf, tmp[:k]...)
		msgs, consumed, derr := wire.DecodeAll(buf, wire.DefaultLimits())
		if derr != nil {
			t.Fatalf("decode: %v", derr)
		}
		out = append(out, msgs...)
		buf = buf[consumed:]
		if err != nil && len(out) < n {
			t.Fatalf("read after %d messages: %v", len(out), err)
		}
	}
	fds.CloseAll()
	return out
}

func uintMessage(t *testing.T, sender uint32, v uint32) wire.Message {
	t.Helper()
	msg, err := wire.NewMessage(sender, 1, wire.Signature{{Name: "id", Type: wire.TypeUint}}, wire.ArgUint(v))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return msg
}

func noHandler() dispatch.Handler {
	return dispatch.HandlerFunc(func(context.Context, *dispatch.Call) error { return nil })
}
