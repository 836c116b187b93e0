package wire

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

func pad4(n int) int {
	return (n + 3) &^ 3
}

// EncodeArgs serializes args against sig. Descriptors are returned separately
// for the ancillary channel, in argument order.
func EncodeArgs(sig Signature, args []Arg) ([]byte, []int, error) {
	if len(args) != len(sig) {
		return nil, nil, fmt.Errorf("%w: got %d want %d", ErrArgCount, len(args), len(sig))
	}
	var (
		buf []byte
		fds []int
	)
	for i, spec := range sig {
		a := args[i]
		if a.Type != spec.Type {
			return nil, nil, fmt.Errorf("%w: arg %d (%s): got %s want %s", ErrArgTypeMismatch, i, spec.Name, a.Type, spec.Type)
		}
		switch spec.Type {
		case TypeInt, TypeUint, TypeFixed:
			buf = appendUint32(buf, a.u)
		case TypeObject:
			if a.u == 0 && !spec.Nullable {
				return nil, nil, fmt.Errorf("%w: arg %d (%s)", ErrNullNotAllowed, i, spec.Name)
			}
			buf = appendUint32(buf, a.u)
		case TypeNewID:
			if a.u == 0 {
				return nil, nil, fmt.Errorf("%w: arg %d (%s)", ErrNullNotAllowed, i, spec.Name)
			}
			if spec.Dynamic() {
				var err error
				if buf, err = appendString(buf, a.iface, false); err != nil {
					return nil, nil, fmt.Errorf("arg %d (%s): %w", i, spec.Name, err)
				}
				buf = appendUint32(buf, a.version)
			}
			buf = appendUint32(buf, a.u)
		case TypeString:
			if a.null && !spec.Nullable {
				return nil, nil, fmt.Errorf("%w: arg %d (%s)", ErrNullNotAllowed, i, spec.Name)
			}
			var err error
			if buf, err = appendString(buf, a.s, a.null); err != nil {
				return nil, nil, fmt.Errorf("arg %d (%s): %w", i, spec.Name, err)
			}
		case TypeArray:
			buf = appendUint32(buf, uint32(len(a.b)))
			buf = append(buf, a.b...)
			buf = appendPadding(buf, len(a.b))
		case TypeFD:
			fds = append(fds, a.fd)
		default:
			return nil, nil, fmt.Errorf("%w: %d", ErrUnknownArgType, spec.Type)
		}
	}
	return buf, fds, nil
}

// DecodeArgs parses payload against sig, taking one descriptor from fds per fd
// argument. On failure every descriptor already taken is closed.
func DecodeArgs(sig Signature, payload []byte, fds *FDQueue) ([]Arg, error) {
	d := decoder{buf: payload, fds: fds}
	args := make([]Arg, 0, len(sig))
	for i, spec := range sig {
		a, err := d.arg(spec)
		if err != nil {
			CloseFDs(d.taken)
			return nil, fmt.Errorf("arg %d (%s %s): %w", i, spec.Name, spec.Type, err)
		}
		args = append(args, a)
	}
	if d.off != len(d.buf) {
		CloseFDs(d.taken)
		return nil, fmt.Errorf("%w: %d bytes", ErrTrailingBytes, len(d.buf)-d.off)
	}
	return args, nil
}

type decoder struct {
	buf   []byte
	off   int
	fds   *FDQueue
	taken []int
}

func (d *decoder) uint32() (uint32, error) {
	if len(d.buf)-d.off < 4 {
		return 0, ErrArgOverrun
	}
	v := ByteOrder.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) bytes(n int) ([]byte, error) {
	padded := pad4(n)
	if n < 0 || padded > len(d.buf)-d.off {
		return nil, fmt.Errorf("%w: length=%d remaining=%d", ErrArgOverrun, n, len(d.buf)-d.off)
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += padded
	return out, nil
}

func (d *decoder) string() (string, bool, error) {
	n, err := d.uint32()
	if err != nil {
		return "", false, err
	}
	if n == 0 {
		return "", true, nil
	}
	raw, err := d.bytes(int(n))
	if err != nil {
		return "", false, err
	}
	if raw[len(raw)-1] != 0 {
		return "", false, ErrUnterminated
	}
	body := raw[:len(raw)-1]
	if bytes.IndexByte(body, 0) >= 0 {
		return "", false, fmt.Errorf("%w: embedded nul", ErrUnterminated)
	}
	if !utf8.Valid(body) {
		return "", false, ErrInvalidUTF8
	}
	return string(body), false, nil
}

func (d *decoder) arg(spec ArgSpec) (Arg, error) {
	switch spec.Type {
	case TypeInt, TypeUint, TypeFixed:
		v, err := d.uint32()
		if err != nil {
			return Arg{}, err
		}
		return Arg{Type: spec.Type, u: v}, nil
	case TypeObject:
		v, err := d.uint32()
		if err != nil {
			return Arg{}, err
		}
		if v == 0 && !spec.Nullable {
			return Arg{}, ErrNullNotAllowed
		}
		return ArgObject(v), nil
	case TypeNewID:
		var n NewID
		if spec.Dynamic() {
			iface, null, err := d.string()
			if err != nil {
				return Arg{}, err
			}
			if null {
				return Arg{}, ErrNullNotAllowed
			}
			if n.Version, err = d.uint32(); err != nil {
				return Arg{}, err
			}
			n.Interface = iface
		}
		id, err := d.uint32()
		if err != nil {
			return Arg{}, err
		}
		if id == 0 {
			return Arg{}, ErrNullNotAllowed
		}
		n.ID = id
		return ArgDynamicNewID(n), nil
	case TypeString:
		s, null, err := d.string()
		if err != nil {
			return Arg{}, err
		}
		if null {
			if !spec.Nullable {
				return Arg{}, ErrNullNotAllowed
			}
			return ArgNullString(), nil
		}
		return ArgString(s), nil
	case TypeArray:
		n, err := d.uint32()
		if err != nil {
			return Arg{}, err
		}
		b, err := d.bytes(int(n))
		if err != nil {
			return Arg{}, err
		}
		return Arg{Type: TypeArray, b: b}, nil
	case TypeFD:
		fd, ok := d.fds.Pop()
		if !ok {
			return Arg{}, ErrMissingFD
		}
		d.taken = append(d.taken, fd)
		return ArgFD(fd), nil
	default:
		return Arg{}, fmt.Errorf("%w: %d", ErrUnknownArgType, spec.Type)
	}
}

func appendUint32(b []byte, v uint32) []byte {
	return ByteOrder.AppendUint32(b, v)
}

func appendPadding(b []byte, n int) []byte {
	for i := n; i < pad4(n); i++ {
		b = append(b, 0)
	}
	return b
}

func appendString(b []byte, s string, null bool) ([]byte, error) {
	if null {
		return appendUint32(b, 0), nil
	}
	if !utf8.ValidString(s) {
		return nil, ErrInvalidUTF8
	}
	if strings.IndexByte(s, 0) >= 0 {
		return nil, fmt.Errorf("%w: embedded nul", ErrUnterminated)
	}
	n := len(s) + 1
	b = appendUint32(b, uint32(n))
	b = append(b, s...)
	b = append(b, 0)
	return appendPadding(b, n), nil
}
