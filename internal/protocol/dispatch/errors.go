package dispatch

import (
	"errors"
	"fmt"

	"github.com/danmuck/waywire/internal/protocol"
)

// Protocol error codes carried by wl_display.error.
const (
	CodeInvalidObject  uint32 = 0
	CodeInvalidMethod  uint32 = 1
	CodeNoMemory       uint32 = 2
	CodeImplementation uint32 = 3
)

var (
	ErrUnknownOpcode = fmt.Errorf("%w: dispatch: opcode not defined for object", protocol.ErrProtocol)
	ErrVersion       = fmt.Errorf("%w: dispatch: operation newer than object version", protocol.ErrProtocol)
	ErrNotPending    = fmt.Errorf("%w: dispatch: id is not a pending new object of this call", protocol.ErrProtocol)
	ErrNoSink        = errors.New("dispatch: engine has no sink")
	ErrNotHandler    = fmt.Errorf("%w: dispatch: object handler does not implement Handler", protocol.ErrProtocol)
)

// Error is a rejected message: the object, operation and wl_display error code
// reported to the peer before the connection closes.
type Error struct {
	Object    uint32
	Interface string
	Opcode    uint16
	Code      uint32
	Message   string
	Err       error
}

func (e *Error) Error() string {
	iface := e.Interface
	if iface == "" {
		iface = "?"
	}
	return fmt.Sprintf("dispatch: %s#%d opcode=%d code=%d: %s", iface, e.Object, e.Opcode, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Protocol builds a handler-side protocol error; returning it from Handle
// reports code to the peer.
func Protocol(code uint32, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Code: code, Message: msg, Err: fmt.Errorf("%w: %s", protocol.ErrProtocol, msg)}
}

// AsError maps a fatal connection error to the notification sent to the
// peer. Transport and resource errors produce none.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	switch {
	case errors.Is(err, protocol.ErrFraming), errors.Is(err, protocol.ErrDecode):
		return &Error{
			Object:    protocol.DisplayID,
			Interface: "wl_display",
			Code:      CodeInvalidMethod,
			Message:   err.Error(),
			Err:       err,
		}, true
	case errors.Is(err, protocol.ErrProtocol):
		return &Error{
			Object:    protocol.DisplayID,
			Interface: "wl_display",
			Code:      CodeImplementation,
			Message:   err.Error(),
			Err:       err,
		}, true
	default:
		return nil, false
	}
}
