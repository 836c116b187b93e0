package wire

import (
	"errors"
	"fmt"

	"github.com/danmuck/waywire/internal/protocol"
)

// ErrNeedMore reports that the buffer does not yet hold a complete message.
// It is not a failure: the caller keeps the bytes and reads more.
var ErrNeedMore = errors.New("wire: need more bytes")

var (
	ErrShortHeader     = fmt.Errorf("%w: wire: short header", protocol.ErrFraming)
	ErrSizeTooSmall    = fmt.Errorf("%w: wire: declared size smaller than header", protocol.ErrFraming)
	ErrSizeUnaligned   = fmt.Errorf("%w: wire: declared size not 4-byte aligned", protocol.ErrFraming)
	ErrMessageTooLarge = fmt.Errorf("%w: wire: message exceeds size limit", protocol.ErrFraming)
	ErrNullSender      = fmt.Errorf("%w: wire: message sent by null object", protocol.ErrFraming)
	ErrSizeMismatch    = fmt.Errorf("%w: wire: declared size does not match payload", protocol.ErrFraming)

	ErrArgOverrun      = fmt.Errorf("%w: wire: argument overruns message", protocol.ErrDecode)
	ErrTrailingBytes   = fmt.Errorf("%w: wire: trailing bytes after last argument", protocol.ErrDecode)
	ErrInvalidUTF8     = fmt.Errorf("%w: wire: string is not valid utf-8", protocol.ErrDecode)
	ErrUnterminated    = fmt.Errorf("%w: wire: string is not nul-terminated", protocol.ErrDecode)
	ErrNullNotAllowed  = fmt.Errorf("%w: wire: null value for non-nullable argument", protocol.ErrDecode)
	ErrMissingFD       = fmt.Errorf("%w: wire: expected a file descriptor but none were received", protocol.ErrDecode)
	ErrArgCount        = fmt.Errorf("%w: wire: argument count does not match signature", protocol.ErrDecode)
	ErrArgTypeMismatch = fmt.Errorf("%w: wire: argument type mismatch", protocol.ErrDecode)
	ErrUnknownArgType  = fmt.Errorf("%w: wire: unknown argument type", protocol.ErrDecode)

	ErrPayloadTooLarge = fmt.Errorf("%w: wire: encoded message exceeds size limit", protocol.ErrResource)
)
