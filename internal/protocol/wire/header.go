package wire

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of every multi-byte integer on the wire.
// Both peers share a host, so host order is the fixed order.
var ByteOrder = binary.NativeEndian

const (
	HeaderSize = 8

	// DefaultMaxMessageSize matches the reference protocol's buffer size.
	DefaultMaxMessageSize = 4096
	// MaxMessageSize is the largest size the 16-bit size field can carry with 4-byte alignment.
	MaxMessageSize = 0xFFFC

	// MaxFDsPerMessage bounds the descriptors attached to one message and one write.
	MaxFDsPerMessage = 28
)

// Header is the fixed 8-byte message header.
type Header struct {
	Sender uint32
	Opcode uint16
	Size   uint16
}

// Limits constrains decode and encode memory use.
type Limits struct {
	MaxMessageSize int
}

func DefaultLimits() Limits {
	return Limits{MaxMessageSize: DefaultMaxMessageSize}
}

func (l Limits) maxSize() int {
	if l.MaxMessageSize <= 0 {
		return DefaultMaxMessageSize
	}
	if l.MaxMessageSize > MaxMessageSize {
		return MaxMessageSize
	}
	return l.MaxMessageSize
}

// PutHeader writes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	ByteOrder.PutUint32(b[0:4], h.Sender)
	ByteOrder.PutUint32(b[4:8], uint32(h.Size)<<16|uint32(h.Opcode))
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	PutHeader(buf, h)
	return buf
}

// DecodeHeader parses and validates the header at the start of b.
func DecodeHeader(b []byte, limits Limits) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	word := ByteOrder.Uint32(b[4:8])
	h := Header{
		Sender: ByteOrder.Uint32(b[0:4]),
		Opcode: uint16(word & 0xFFFF),
		Size:   uint16(word >> 16),
	}
	if h.Size < HeaderSize {
		return Header{}, fmt.Errorf("%w: size=%d", ErrSizeTooSmall, h.Size)
	}
	if h.Size%4 != 0 {
		return Header{}, fmt.Errorf("%w: size=%d", ErrSizeUnaligned, h.Size)
	}
	if int(h.Size) > limits.maxSize() {
		return Header{}, fmt.Errorf("%w: size=%d limit=%d", ErrMessageTooLarge, h.Size, limits.maxSize())
	}
	if h.Sender == 0 {
		return Header{}, ErrNullSender
	}
	return h, nil
}
