package protocol

import "errors"

// Error classes. Every error produced by the engine wraps exactly one of these.
var (
	// ErrTransport is an I/O failure or peer close. Always terminates the connection.
	ErrTransport = errors.New("protocol: transport failure")
	// ErrFraming is a truncated or malformed header or length.
	ErrFraming = errors.New("protocol: framing error")
	// ErrDecode is an argument that cannot be decoded against its signature.
	ErrDecode = errors.New("protocol: decode error")
	// ErrProtocol is a message that cannot be routed (unknown object, opcode or signature mismatch).
	ErrProtocol = errors.New("protocol: protocol violation")
	// ErrResource is identifier exhaustion or duplicate registration.
	ErrResource = errors.New("protocol: resource error")
)

// IsFatal reports whether err must terminate the connection it was raised on.
// Resource errors are left to the caller.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrFraming) ||
		errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrProtocol)
}

// Class returns a short label for the error class of err, used in logs and metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTransport):
		return "transport"
	case errors.Is(err, ErrFraming):
		return "framing"
	case errors.Is(err, ErrDecode):
		return "decode"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrResource):
		return "resource"
	default:
		return "other"
	}
}
