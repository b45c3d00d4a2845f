package protocol

import "errors"

// Protocol errors. They are distinct from transport errors: a frame that fails
// with one of these arrived intact but cannot be interpreted.
var (
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrUnknownTarget   = errors.New("protocol: unknown target type")
	ErrPayloadMismatch = errors.New("protocol: payload does not match message kind")
)

// IsProtocolError reports whether err is one of the protocol errors.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrUnknownTarget) ||
		errors.Is(err, ErrPayloadMismatch)
}
