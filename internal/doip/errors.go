package doip

import "errors"

// Header/framing errors.
var (
	ErrInvalidProtocolVersion  = errors.New("doip: invalid protocol version")
	ErrUnknownPayloadType      = errors.New("doip: unknown payload type")
	ErrPayloadLengthExceedsMax = errors.New("doip: payload length exceeds max")
	ErrMessageTooShort         = errors.New("doip: message too short")
	ErrMessageLengthMismatch   = errors.New("doip: declared length does not match body")
)

// Payload decode errors.
var (
	ErrRoutingActivationTooShort = errors.New("doip: routing activation request too short")
	ErrDiagnosticMessageTooShort = errors.New("doip: diagnostic message too short")
)
