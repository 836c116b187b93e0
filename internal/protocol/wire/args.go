package wire

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ArgType is the wire type of one argument.
type ArgType uint8

// Argument types of the reference protocol.
const (
	TypeInt ArgType = iota + 1
	TypeUint
	TypeFixed
	TypeString
	TypeObject
	TypeNewID
	TypeArray
	TypeFD
)

var argTypeNames = map[ArgType]string{
	TypeInt:    "int",
	TypeUint:   "uint",
	TypeFixed:  "fixed",
	TypeString: "string",
	TypeObject: "object",
	TypeNewID:  "new_id",
	TypeArray:  "array",
	TypeFD:     "fd",
}

var argTypeCodes = map[ArgType]byte{
	TypeInt:    'i',
	TypeUint:   'u',
	TypeFixed:  'f',
	TypeString: 's',
	TypeObject: 'o',
	TypeNewID:  'n',
	TypeArray:  'a',
	TypeFD:     'h',
}

func (t ArgType) String() string {
	if name, ok := argTypeNames[t]; ok {
		return name
	}
	return "unknown(" + strconv.Itoa(int(t)) + ")"
}

// Code returns the single-letter signature code for t.
func (t ArgType) Code() byte {
	if c, ok := argTypeCodes[t]; ok {
		return c
	}
	return '?'
}

// ParseArgType maps a description-file type name to its ArgType.
func ParseArgType(name string) (ArgType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for t, n := range argTypeNames {
		if n == name {
			return t, true
		}
	}
	return 0, false
}

// ArgSpec declares one argument of an operation.
type ArgSpec struct {
	Name string
	Type ArgType
	// Interface names the object or new_id interface. An empty interface on a
	// new_id makes it polymorphic: interface name and version travel in-band.
	Interface string
	Nullable  bool
}

// Dynamic reports whether a new_id argument carries its interface in-band.
func (s ArgSpec) Dynamic() bool {
	return s.Type == TypeNewID && s.Interface == ""
}

// Signature is the ordered argument list of one operation.
type Signature []ArgSpec

// String renders the signature in the reference protocol's compact form, e.g. "?sun".
func (s Signature) String() string {
	var b strings.Builder
	for _, spec := range s {
		if spec.Nullable {
			b.WriteByte('?')
		}
		if spec.Dynamic() {
			b.WriteString("su")
		}
		b.WriteByte(spec.Type.Code())
	}
	return b.String()
}

// FDCount returns the number of fd arguments in s.
func (s Signature) FDCount() int {
	n := 0
	for _, spec := range s {
		if spec.Type == TypeFD {
			n++
		}
	}
	return n
}

// NewIDs returns the indexes of new_id arguments in s.
func (s Signature) NewIDs() []int {
	var out []int
	for i, spec := range s {
		if spec.Type == TypeNewID {
			out = append(out, i)
		}
	}
	return out
}

// Fixed is a signed 24.8 fixed-point number.
type Fixed int32

// FixedFromFloat rounds v to the nearest representable fixed-point value,
// saturating outside the 24.8 range. NaN maps to zero.
func FixedFromFloat(v float64) Fixed {
	r := math.Round(v * 256)
	switch {
	case math.IsNaN(r):
		return 0
	case r >= math.MaxInt32:
		return Fixed(math.MaxInt32)
	case r <= math.MinInt32:
		return Fixed(math.MinInt32)
	}
	return Fixed(int32(r))
}

// FixedFromInt converts an integer to fixed-point.
func FixedFromInt(v int32) Fixed {
	return Fixed(v * 256)
}

func (f Fixed) Float() float64 {
	return float64(f) / 256
}

// Int truncates toward zero.
func (f Fixed) Int() int32 {
	return int32(f) / 256
}

func (f Fixed) String() string {
	return strconv.FormatFloat(f.Float(), 'f', -1, 64)
}

// NewID is a freshly allocated identifier and the interface it will be bound to.
type NewID struct {
	ID        uint32
	Interface string
	Version   uint32
}

// Arg is one tagged argument value.
type Arg struct {
	Type ArgType

	u       uint32
	s       string
	null    bool
	b       []byte
	iface   string
	version uint32
	fd      int
}

func ArgInt(v int32) Arg {
	return Arg{Type: TypeInt, u: uint32(v)}
}

func ArgUint(v uint32) Arg {
	return Arg{Type: TypeUint, u: v}
}

func ArgFixed(v Fixed) Arg {
	return Arg{Type: TypeFixed, u: uint32(v)}
}

func ArgString(v string) Arg {
	return Arg{Type: TypeString, s: v}
}

// ArgNullString creates the null string, legal only for nullable arguments.
func ArgNullString() Arg {
	return Arg{Type: TypeString, null: true}
}

func ArgArray(v []byte) Arg {
	buf := make([]byte, len(v))
	copy(buf, v)
	return Arg{Type: TypeArray, b: buf}
}

// ArgObject references an existing object. Id 0 is the null object.
func ArgObject(id uint32) Arg {
	return Arg{Type: TypeObject, u: id}
}

// ArgNewID creates a new_id whose interface is fixed by the signature.
func ArgNewID(id uint32) Arg {
	return Arg{Type: TypeNewID, u: id}
}

// ArgDynamicNewID creates a new_id that carries its interface and version in-band.
func ArgDynamicNewID(n NewID) Arg {
	return Arg{Type: TypeNewID, u: n.ID, iface: n.Interface, version: n.Version}
}

// ArgFD carries a file descriptor through the ancillary channel.
func ArgFD(fd int) Arg {
	return Arg{Type: TypeFD, fd: fd}
}

func (a Arg) Int() (int32, error) {
	if a.Type != TypeInt {
		return 0, a.mismatch(TypeInt)
	}
	return int32(a.u), nil
}

func (a Arg) Uint() (uint32, error) {
	if a.Type != TypeUint {
		return 0, a.mismatch(TypeUint)
	}
	return a.u, nil
}

func (a Arg) Fixed() (Fixed, error) {
	if a.Type != TypeFixed {
		return 0, a.mismatch(TypeFixed)
	}
	return Fixed(int32(a.u)), nil
}

// Str returns the string value; the null string reads as "".
func (a Arg) Str() (string, error) {
	if a.Type != TypeString {
		return "", a.mismatch(TypeString)
	}
	return a.s, nil
}

func (a Arg) Array() ([]byte, error) {
	if a.Type != TypeArray {
		return nil, a.mismatch(TypeArray)
	}
	buf := make([]byte, len(a.b))
	copy(buf, a.b)
	return buf, nil
}

func (a Arg) Object() (uint32, error) {
	if a.Type != TypeObject {
		return 0, a.mismatch(TypeObject)
	}
	return a.u, nil
}

func (a Arg) NewID() (NewID, error) {
	if a.Type != TypeNewID {
		return NewID{}, a.mismatch(TypeNewID)
	}
	return NewID{ID: a.u, Interface: a.iface, Version: a.version}, nil
}

func (a Arg) FD() (int, error) {
	if a.Type != TypeFD {
		return -1, a.mismatch(TypeFD)
	}
	return a.fd, nil
}

// IsNull reports whether a is a null string or null object.
func (a Arg) IsNull() bool {
	switch a.Type {
	case TypeString:
		return a.null
	case TypeObject:
		return a.u == 0
	default:
		return false
	}
}

// Equal compares type and value.
func (a Arg) Equal(b Arg) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeString:
		return a.null == b.null && a.s == b.s
	case TypeArray:
		return bytes.Equal(a.b, b.b)
	case TypeNewID:
		return a.u == b.u && a.iface == b.iface && a.version == b.version
	case TypeFD:
		return a.fd == b.fd
	default:
		return a.u == b.u
	}
}

// String formats a in the reference protocol's debug style.
func (a Arg) String() string {
	switch a.Type {
	case TypeInt:
		return strconv.Itoa(int(int32(a.u)))
	case TypeUint:
		return strconv.FormatUint(uint64(a.u), 10)
	case TypeFixed:
		return Fixed(int32(a.u)).String()
	case TypeString:
		if a.null {
			return "nil"
		}
		return strconv.Quote(a.s)
	case TypeObject:
		if a.u == 0 {
			return "nil"
		}
		return "object#" + strconv.FormatUint(uint64(a.u), 10)
	case TypeNewID:
		if a.iface != "" {
			return fmt.Sprintf("new id %s#%d (v%d)", a.iface, a.u, a.version)
		}
		return "new id #" + strconv.FormatUint(uint64(a.u), 10)
	case TypeArray:
		return fmt.Sprintf("array[%d]", len(a.b))
	case TypeFD:
		return "fd " + strconv.Itoa(a.fd)
	default:
		return a.Type.String()
	}
}

func (a Arg) mismatch(want ArgType) error {
	return fmt.Errorf("%w: got %s want %s", ErrArgTypeMismatch, a.Type, want)
}

// FormatArgs joins args in debug style.
func FormatArgs(args []Arg) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = a.String()
	}
	return strings.Join(parts, ", ")
}
