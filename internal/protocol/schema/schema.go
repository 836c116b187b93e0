// Package schema holds the protocol model: interfaces, their requests and
// events, argument signatures and enums, compiled from TOML descriptions into
// opcode tables.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/waywire/internal/protocol/wire"
)

// Direction distinguishes requests (client to server) from events (server to client).
type Direction uint8

const (
	Request Direction = iota
	Event
)

func (d Direction) String() string {
	if d == Event {
		return "event"
	}
	return "request"
}

// Protocol is a set of interfaces keyed by name.
type Protocol struct {
	Name       string
	Sources    []string
	interfaces map[string]*Interface
}

// Interface is one versioned interface with opcode-indexed operations.
type Interface struct {
	Name     string
	Version  uint32
	Requests []*Operation
	Events   []*Operation
	Enums    map[string]*Enum
}

// Operation is one request or event. Opcode is its declaration index within
// its direction.
type Operation struct {
	Interface  string
	Name       string
	Opcode     uint16
	Direction  Direction
	Since      uint32
	Destructor bool
	Signature  wire.Signature
	// ArgEnums holds the enum reference of each argument, "" when none.
	ArgEnums []string
}

type Enum struct {
	Name     string
	Bitfield bool
	Since    uint32
	Entries  []EnumEntry
}

type EnumEntry struct {
	Name  string
	Value uint32
	Since uint32
}

// ValidationError reports a malformed protocol description.
type ValidationError struct {
	Interface string
	Operation string
	Reason    string
}

func (e ValidationError) Error() string {
	switch {
	case e.Interface == "":
		return fmt.Sprintf("schema: %s", e.Reason)
	case e.Operation == "":
		return fmt.Sprintf("schema: interface=%s: %s", e.Interface, e.Reason)
	default:
		return fmt.Sprintf("schema: interface=%s operation=%s: %s", e.Interface, e.Operation, e.Reason)
	}
}

func NewProtocol(name string) *Protocol {
	return &Protocol{Name: name, interfaces: make(map[string]*Interface)}
}

func (p *Protocol) Interface(name string) (*Interface, bool) {
	if p == nil {
		return nil, false
	}
	iface, ok := p.interfaces[name]
	return iface, ok
}

// Interfaces returns every interface sorted by name.
func (p *Protocol) Interfaces() []*Interface {
	out := make([]*Interface, 0, len(p.interfaces))
	for _, iface := range p.interfaces {
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Add inserts iface. A second interface with the same name is rejected.
func (p *Protocol) Add(iface *Interface) error {
	if _, exists := p.interfaces[iface.Name]; exists {
		return ValidationError{Interface: iface.Name, Reason: "duplicate interface"}
	}
	p.interfaces[iface.Name] = iface
	return nil
}

// Merge adds every interface of other to p.
func (p *Protocol) Merge(other *Protocol) error {
	for _, iface := range other.Interfaces() {
		if err := p.Add(iface); err != nil {
			return err
		}
	}
	p.Sources = append(p.Sources, other.Sources...)
	return nil
}

// Validate checks cross-interface references: every interface named by an
// object or new_id argument must exist.
func (p *Protocol) Validate() error {
	for _, iface := range p.Interfaces() {
		for _, ops := range [][]*Operation{iface.Requests, iface.Events} {
			for _, op := range ops {
				for _, arg := range op.Signature {
					if arg.Interface == "" {
						continue
					}
					if _, ok := p.interfaces[arg.Interface]; !ok {
						return ValidationError{
							Interface: iface.Name,
							Operation: op.Name,
							Reason:    fmt.Sprintf("arg %s references unknown interface %s", arg.Name, arg.Interface),
						}
					}
				}
				for i, ref := range op.ArgEnums {
					if ref == "" {
						continue
					}
					if _, ok := p.Enum(iface.Name, ref); !ok {
						return ValidationError{
							Interface: iface.Name,
							Operation: op.Name,
							Reason:    fmt.Sprintf("arg %s references unknown enum %s", op.Signature[i].Name, ref),
						}
					}
				}
			}
		}
	}
	return nil
}

// Enum resolves an enum reference made from interface from. References are
// either local ("error") or qualified ("wl_display.error").
func (p *Protocol) Enum(from, ref string) (*Enum, bool) {
	ifaceName, enumName := from, ref
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		ifaceName, enumName = ref[:i], ref[i+1:]
	}
	iface, ok := p.Interface(ifaceName)
	if !ok {
		return nil, false
	}
	e, ok := iface.Enums[enumName]
	return e, ok
}

// Operations returns the operations of iface travelling in dir.
func (i *Interface) Operations(dir Direction) []*Operation {
	if dir == Event {
		return i.Events
	}
	return i.Requests
}

// Operation resolves an opcode in dir.
func (i *Interface) Operation(dir Direction, opcode uint16) (*Operation, bool) {
	ops := i.Operations(dir)
	if int(opcode) >= len(ops) {
		return nil, false
	}
	return ops[opcode], true
}

// OperationByName resolves an operation by name in dir.
func (i *Interface) OperationByName(dir Direction, name string) (*Operation, bool) {
	for _, op := range i.Operations(dir) {
		if op.Name == name {
			return op, true
		}
	}
	return nil, false
}

// Has reports whether value is a declared entry, or for bitfields a union of entries.
func (e *Enum) Has(value uint32) bool {
	if e.Bitfield {
		var mask uint32
		for _, entry := range e.Entries {
			mask |= entry.Value
		}
		return value&^mask == 0
	}
	for _, entry := range e.Entries {
		if entry.Value == value {
			return true
		}
	}
	return false
}

func (e *Enum) Value(name string) (uint32, bool) {
	for _, entry := range e.Entries {
		if entry.Name == name {
			return entry.Value, true
		}
	}
	return 0, false
}

func (o *Operation) String() string {
	return o.Interface + "." + o.Name
}

func compile(fp fileProtocol, source string) (*Protocol, error) {
	name := strings.TrimSpace(fp.Name)
	if name == "" {
		return nil, ValidationError{Reason: fmt.Sprintf("%s: protocol name is required", source)}
	}
	p := NewProtocol(name)
	if source != "" {
		p.Sources = []string{source}
	}
	for _, fi := range fp.Interfaces {
		iface, err := compileInterface(fi)
		if err != nil {
			return nil, err
		}
		if err := p.Add(iface); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func compileInterface(fi fileInterface) (*Interface, error) {
	name := strings.TrimSpace(fi.Name)
	if name == "" {
		return nil, ValidationError{Reason: "interface name is required"}
	}
	if fi.Version == 0 {
		return nil, ValidationError{Interface: name, Reason: "version must be at least 1"}
	}
	iface := &Interface{Name: name, Version: fi.Version, Enums: make(map[string]*Enum, len(fi.Enums))}
	for _, fe := range fi.Enums {
		e, err := compileEnum(name, fe)
		if err != nil {
			return nil, err
		}
		if _, dup := iface.Enums[e.Name]; dup {
			return nil, ValidationError{Interface: name, Reason: "duplicate enum " + e.Name}
		}
		iface.Enums[e.Name] = e
	}
	var err error
	if iface.Requests, err = compileOperations(iface, Request, fi.Requests); err != nil {
		return nil, err
	}
	if iface.Events, err = compileOperations(iface, Event, fi.Events); err != nil {
		return nil, err
	}
	return iface, nil
}

func compileEnum(iface string, fe fileEnum) (*Enum, error) {
	if strings.TrimSpace(fe.Name) == "" {
		return nil, ValidationError{Interface: iface, Reason: "enum name is required"}
	}
	e := &Enum{Name: fe.Name, Bitfield: fe.Bitfield, Since: max(fe.Since, 1)}
	seen := make(map[string]struct{}, len(fe.Entries))
	for _, entry := range fe.Entries {
		if _, dup := seen[entry.Name]; dup {
			return nil, ValidationError{Interface: iface, Reason: fmt.Sprintf("enum %s: duplicate entry %s", fe.Name, entry.Name)}
		}
		seen[entry.Name] = struct{}{}
		e.Entries = append(e.Entries, EnumEntry{Name: entry.Name, Value: entry.Value, Since: max(entry.Since, 1)})
	}
	return e, nil
}

func compileOperations(iface *Interface, dir Direction, in []fileOperation) ([]*Operation, error) {
	if len(in) > 1<<16 {
		return nil, ValidationError{Interface: iface.Name, Reason: fmt.Sprintf("too many %ss", dir)}
	}
	ops := make([]*Operation, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for i, fo := range in {
		name := strings.TrimSpace(fo.Name)
		if name == "" {
			return nil, ValidationError{Interface: iface.Name, Reason: fmt.Sprintf("%s %d: name is required", dir, i)}
		}
		if _, dup := seen[name]; dup {
			return nil, ValidationError{Interface: iface.Name, Operation: name, Reason: "duplicate " + dir.String()}
		}
		seen[name] = struct{}{}

		op := &Operation{
			Interface: iface.Name,
			Name:      name,
			Opcode:    uint16(i),
			Direction: dir,
			Since:     max(fo.Since, 1),
		}
		switch strings.TrimSpace(fo.Type) {
		case "":
		case "destructor":
			op.Destructor = true
		default:
			return nil, ValidationError{Interface: iface.Name, Operation: name, Reason: "unknown operation type " + fo.Type}
		}
		if op.Since > iface.Version {
			return nil, ValidationError{
				Interface: iface.Name,
				Operation: name,
				Reason:    fmt.Sprintf("since %d exceeds interface version %d", op.Since, iface.Version),
			}
		}
		for _, fa := range fo.Args {
			spec, err := compileArg(fa)
			if err != nil {
				return nil, ValidationError{Interface: iface.Name, Operation: name, Reason: err.Error()}
			}
			op.Signature = append(op.Signature, spec)
			op.ArgEnums = append(op.ArgEnums, strings.TrimSpace(fa.Enum))
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func compileArg(fa fileArg) (wire.ArgSpec, error) {
	name := strings.TrimSpace(fa.Name)
	if name == "" {
		return wire.ArgSpec{}, fmt.Errorf("argument name is required")
	}
	typ, ok := wire.ParseArgType(fa.Type)
	if !ok {
		return wire.ArgSpec{}, fmt.Errorf("arg %s: unknown type %q", name, fa.Type)
	}
	spec := wire.ArgSpec{Name: name, Type: typ, Interface: strings.TrimSpace(fa.Interface), Nullable: fa.AllowNull}
	if spec.Interface != "" && typ != wire.TypeObject && typ != wire.TypeNewID {
		return wire.ArgSpec{}, fmt.Errorf("arg %s: interface only applies to object and new_id", name)
	}
	if spec.Nullable && typ != wire.TypeString && typ != wire.TypeObject {
		return wire.ArgSpec{}, fmt.Errorf("arg %s: allow_null not supported for %s", name, typ)
	}
	if fa.Enum != "" && typ != wire.TypeInt && typ != wire.TypeUint {
		return wire.ArgSpec{}, fmt.Errorf("arg %s: enum only applies to int and uint", name)
	}
	return spec, nil
}
