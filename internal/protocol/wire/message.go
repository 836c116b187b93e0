package wire

import (
	"errors"
	"fmt"
)

// Message is one framed message. FDs are the descriptors that travel with it
// on the ancillary channel; they are only set on outgoing messages.
type Message struct {
	Sender  uint32
	Opcode  uint16
	Size    uint16
	Payload []byte
	FDs     []int
}

func (m Message) Header() Header {
	return Header{Sender: m.Sender, Opcode: m.Opcode, Size: m.Size}
}

// NewMessage builds a message from args, bounded by the default size limit.
func NewMessage(sender uint32, opcode uint16, sig Signature, args ...Arg) (Message, error) {
	return BuildMessage(DefaultLimits(), sender, opcode, sig, args...)
}

// BuildMessage encodes args against sig and frames them from sender.
func BuildMessage(limits Limits, sender uint32, opcode uint16, sig Signature, args ...Arg) (Message, error) {
	if sender == 0 {
		return Message{}, ErrNullSender
	}
	payload, fds, err := EncodeArgs(sig, args)
	if err != nil {
		return Message{}, err
	}
	size := HeaderSize + len(payload)
	if size > limits.maxSize() {
		return Message{}, fmt.Errorf("%w: size=%d limit=%d", ErrPayloadTooLarge, size, limits.maxSize())
	}
	if len(fds) > MaxFDsPerMessage {
		return Message{}, fmt.Errorf("%w: %d descriptors", ErrPayloadTooLarge, len(fds))
	}
	return Message{
		Sender:  sender,
		Opcode:  opcode,
		Size:    uint16(size),
		Payload: payload,
		FDs:     fds,
	}, nil
}

// Encode serializes m. Size is derived from the payload.
func Encode(m Message) ([]byte, error) {
	return m.AppendTo(make([]byte, 0, HeaderSize+len(m.Payload)))
}

// AppendTo appends the encoded message to dst.
func (m Message) AppendTo(dst []byte) ([]byte, error) {
	if m.Sender == 0 {
		return dst, ErrNullSender
	}
	size := HeaderSize + len(m.Payload)
	if size%4 != 0 {
		return dst, fmt.Errorf("%w: size=%d", ErrSizeUnaligned, size)
	}
	if size > MaxMessageSize {
		return dst, fmt.Errorf("%w: size=%d", ErrPayloadTooLarge, size)
	}
	if m.Size != 0 && int(m.Size) != size {
		return dst, fmt.Errorf("%w: declared=%d actual=%d", ErrSizeMismatch, m.Size, size)
	}
	var hdr [HeaderSize]byte
	PutHeader(hdr[:], Header{Sender: m.Sender, Opcode: m.Opcode, Size: uint16(size)})
	dst = append(dst, hdr[:]...)
	return append(dst, m.Payload...), nil
}

// Decode frames the first message in buf. It returns ErrNeedMore when buf does
// not yet hold a whole message, otherwise the message and the bytes consumed.
// The payload is copied out of buf.
func Decode(buf []byte, limits Limits) (Message, int, error) {
	if len(buf) < HeaderSize {
		return Message{}, 0, ErrNeedMore
	}
	h, err := DecodeHeader(buf, limits)
	if err != nil {
		return Message{}, 0, err
	}
	if len(buf) < int(h.Size) {
		return Message{}, 0, ErrNeedMore
	}
	payload := make([]byte, int(h.Size)-HeaderSize)
	copy(payload, buf[HeaderSize:h.Size])
	return Message{
		Sender:  h.Sender,
		Opcode:  h.Opcode,
		Size:    h.Size,
		Payload: payload,
	}, int(h.Size), nil
}

// DecodeAll frames every complete message in buf and reports how many bytes
// were consumed; the caller keeps buf[consumed:] for the next read. A framing
// error stops decoding and is returned with the messages framed before it.
func DecodeAll(buf []byte, limits Limits) ([]Message, int, error) {
	var (
		out      []Message
		consumed int
	)
	for {
		msg, n, err := Decode(buf[consumed:], limits)
		if errors.Is(err, ErrNeedMore) {
			return out, consumed, nil
		}
		if err != nil {
			return out, consumed, err
		}
		out = append(out, msg)
		consumed += n
	}
}
