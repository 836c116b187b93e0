// Package registry is the per-connection object table: id allocation in the
// client or server range, two-phase binding of new objects, and retired ids
// that stay unallocatable until the peer acknowledges the destruction.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/waywire/internal/protocol"
	"github.com/danmuck/waywire/internal/protocol/schema"
)

var (
	ErrExhausted   = fmt.Errorf("%w: registry: id range exhausted", protocol.ErrResource)
	ErrDuplicate   = fmt.Errorf("%w: registry: id already in use", protocol.ErrResource)
	ErrNotFound    = fmt.Errorf("%w: registry: no such object", protocol.ErrResource)
	ErrNotReserved = fmt.Errorf("%w: registry: id not reserved", protocol.ErrResource)
	ErrNullID      = fmt.Errorf("%w: registry: null id", protocol.ErrResource)
)

// Range is an inclusive id range.
type Range struct {
	Min uint32
	Max uint32
}

var (
	ClientRange = Range{Min: protocol.ClientIDMin, Max: protocol.ClientIDMax}
	ServerRange = Range{Min: protocol.ServerIDMin, Max: protocol.ServerIDMax}
)

func (r Range) Contains(id uint32) bool {
	return id >= r.Min && id <= r.Max
}

// Object is one live protocol object.
type Object struct {
	ID        uint32
	Interface *schema.Interface
	Version   uint32
	Handler   any
}

func (o *Object) String() string {
	if o.Interface == nil {
		return fmt.Sprintf("?#%d", o.ID)
	}
	return fmt.Sprintf("%s#%d", o.Interface.Name, o.ID)
}

type slotState uint8

const (
	slotReserved slotState = iota + 1
	slotRetired
)

type slot struct {
	state   slotState
	iface   *schema.Interface
	version uint32
}

// Registry maps ids to objects for one connection.
type Registry struct {
	mu      sync.Mutex
	objects map[uint32]*Object
	slots   map[uint32]slot
	// next is the allocation hint per range start.
	next map[uint32]uint32
}

func New() *Registry {
	return &Registry{
		objects: make(map[uint32]*Object),
		slots:   make(map[uint32]slot),
		next:    make(map[uint32]uint32),
	}
}

func (r *Registry) inUse(id uint32) bool {
	if _, ok := r.objects[id]; ok {
		return true
	}
	_, ok := r.slots[id]
	return ok
}

// Allocate returns the lowest id in rng that is neither live, reserved nor retired.
func (r *Registry) Allocate(rng Range) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := max(r.next[rng.Min], rng.Min)
	for id := start; ; id++ {
		if !r.inUse(id) {
			r.next[rng.Min] = id
			return id, nil
		}
		if id == rng.Max {
			break
		}
	}
	return 0, ErrExhausted
}

// Register binds obj to its id.
func (r *Registry) Register(obj *Object) error {
	if obj.ID == protocol.NullID {
		return ErrNullID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse(obj.ID) {
		return fmt.Errorf("%w: id=%d", ErrDuplicate, obj.ID)
	}
	r.objects[obj.ID] = obj
	return nil
}

func (r *Registry) Lookup(id uint32) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// Release removes the binding and frees the id at once.
func (r *Registry) Release(id uint32) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	delete(r.objects, id)
	r.freed(id)
	return obj, true
}

// Retire removes the binding but keeps the id unallocatable until Reclaim.
func (r *Registry) Retire(id uint32) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	delete(r.objects, id)
	r.slots[id] = slot{state: slotRetired, iface: obj.Interface, version: obj.Version}
	return obj, true
}

// Reclaim frees a retired id.
func (r *Registry) Reclaim(id uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.state != slotRetired {
		return false
	}
	delete(r.slots, id)
	r.freed(id)
	return true
}

// IsRetired reports whether id is a zombie and returns the interface it had.
func (r *Registry) IsRetired(id uint32) (*schema.Interface, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.state != slotRetired {
		return nil, false
	}
	return s.iface, true
}

// Reserve claims id for a pending new object so a duplicate is rejected
// before any handler runs.
func (r *Registry) Reserve(id uint32, iface *schema.Interface, version uint32) error {
	if id == protocol.NullID {
		return ErrNullID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inUse(id) {
		return fmt.Errorf("%w: id=%d", ErrDuplicate, id)
	}
	r.slots[id] = slot{state: slotReserved, iface: iface, version: version}
	return nil
}

// Reserved returns the interface and version a pending id was reserved with.
func (r *Registry) Reserved(id uint32) (*schema.Interface, uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.state != slotReserved {
		return nil, 0, false
	}
	return s.iface, s.version, true
}

// Commit turns a reservation into a live object.
func (r *Registry) Commit(id uint32, handler any) (*Object, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok || s.state != slotReserved {
		return nil, fmt.Errorf("%w: id=%d", ErrNotReserved, id)
	}
	delete(r.slots, id)
	obj := &Object{ID: id, Interface: s.iface, Version: s.version, Handler: handler}
	r.objects[id] = obj
	return obj, nil
}

// Abort drops a reservation; the id is allocatable again.
func (r *Registry) Abort(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.slots[id]; ok && s.state == slotReserved {
		delete(r.slots, id)
		r.freed(id)
	}
}

// SetHandler replaces the handler of a live object.
func (r *Registry) SetHandler(id uint32, handler any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[id]
	if !ok {
		return fmt.Errorf("%w: id=%d", ErrNotFound, id)
	}
	obj.Handler = handler
	return nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.objects)
}

// Snapshot returns the live objects sorted by id.
func (r *Registry) Snapshot() []*Object {
	r.mu.Lock()
	out := make([]*Object, 0, len(r.objects))
	for _, obj := range r.objects {
		out = append(out, obj)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Clear removes every object, reservation and retired id, visiting live
// objects in id order after the table is emptied.
func (r *Registry) Clear(fn func(*Object)) {
	objs := r.Snapshot()
	r.mu.Lock()
	r.objects = make(map[uint32]*Object)
	r.slots = make(map[uint32]slot)
	r.next = make(map[uint32]uint32)
	r.mu.Unlock()
	if fn == nil {
		return
	}
	for _, obj := range objs {
		fn(obj)
	}
}

// freed lowers the allocation hint so the lowest free id is found again.
func (r *Registry) freed(id uint32) {
	for start, hint := range r.next {
		if id >= start && id < hint {
			r.next[start] = id
		}
	}
}
