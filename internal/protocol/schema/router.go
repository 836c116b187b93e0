package schema

import "fmt"

// Router is an opcode-indexed table of handlers for one interface and
// direction, filled by operation name.
type Router[T any] struct {
	iface *Interface
	dir   Direction
	table []T
	set   []bool
}

func NewRouter[T any](iface *Interface, dir Direction) *Router[T] {
	n := len(iface.Operations(dir))
	return &Router[T]{
		iface: iface,
		dir:   dir,
		table: make([]T, n),
		set:   make([]bool, n),
	}
}

func (r *Router[T]) Interface() *Interface {
	return r.iface
}

// Handle installs fn for the named operation.
func (r *Router[T]) Handle(name string, fn T) error {
	op, ok := r.iface.OperationByName(r.dir, name)
	if !ok {
		return ValidationError{Interface: r.iface.Name, Operation: name, Reason: fmt.Sprintf("no such %s", r.dir)}
	}
	r.table[op.Opcode] = fn
	r.set[op.Opcode] = true
	return nil
}

// MustHandle is Handle for static tables.
func (r *Router[T]) MustHandle(name string, fn T) *Router[T] {
	if err := r.Handle(name, fn); err != nil {
		panic(err)
	}
	return r
}

func (r *Router[T]) Lookup(opcode uint16) (T, bool) {
	var zero T
	if int(opcode) >= len(r.table) || !r.set[opcode] {
		return zero, false
	}
	return r.table[opcode], true
}

// Missing lists operations with no handler installed.
func (r *Router[T]) Missing() []string {
	var out []string
	for i, op := range r.iface.Operations(r.dir) {
		if !r.set[i] {
			out = append(out, op.Name)
		}
	}
	return out
}
