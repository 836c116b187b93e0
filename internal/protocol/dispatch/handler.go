package dispatch

import (
	"context"

	"github.com/danmuck/waywire/internal/protocol/registry"
	"github.com/danmuck/waywire/internal/protocol/schema"
)

// Handler receives the messages addressed to one object. A handler that
// succeeds owns the descriptors among its arguments; on error it owns only
// those it took with Call.TakeFD.
type Handler interface {
	Handle(ctx context.Context, call *Call) error
}

type HandlerFunc func(ctx context.Context, call *Call) error

func (f HandlerFunc) Handle(ctx context.Context, call *Call) error {
	return f(ctx, call)
}

// Finalizer is told when its object leaves the registry, whether through
// destruction or connection teardown.
type Finalizer interface {
	Finalize(obj *registry.Object)
}

// Routes is a Handler backed by an opcode table. Operations without a route
// are decoded and ignored.
type Routes struct {
	router *schema.Router[HandlerFunc]
	// OnFinalize, when set, makes Routes a Finalizer.
	OnFinalize func(obj *registry.Object)
}

func NewRoutes(iface *schema.Interface, side Side) *Routes {
	return &Routes{router: schema.NewRouter[HandlerFunc](iface, side.Inbound())}
}

// On installs fn for the named operation and returns r for chaining.
func (r *Routes) On(name string, fn HandlerFunc) *Routes {
	r.router.MustHandle(name, fn)
	return r
}

// Missing lists inbound operations with no route.
func (r *Routes) Missing() []string {
	return r.router.Missing()
}

func (r *Routes) Handle(ctx context.Context, call *Call) error {
	fn, ok := r.router.Lookup(call.Op.Opcode)
	if !ok {
		closeArgFDs(call.Args)
		return nil
	}
	return fn(ctx, call)
}

func (r *Routes) Finalize(obj *registry.Object) {
	if r.OnFinalize != nil {
		r.OnFinalize(obj)
	}
}
