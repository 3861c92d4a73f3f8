package doip

import "encoding/binary"

// Message is a decoded DoIP message: a payload type plus its raw payload
// bytes. Payload-type-specific fields are read lazily through the
// accessor methods below.
type Message struct {
	Type    PayloadType
	Payload []byte
}

// Encode serializes msg into its wire form: the 8-byte header followed by
// the payload bytes. Deterministic; allocates exactly len(Payload)+8 bytes.
func Encode(msg Message) []byte {
	buf := make([]byte, HeaderLength+len(msg.Payload))
	buf[0] = ProtocolVersion
	buf[1] = InverseProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(msg.Type))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(msg.Payload)))
	copy(buf[8:], msg.Payload)
	return buf
}

// ParseHeader validates and decodes an 8-byte DoIP header. maxPayload of 0
// means DefaultMaxPayloadLength.
func ParseHeader(b []byte, maxPayload uint32) (PayloadType, uint32, error) {
	if len(b) < HeaderLength {
		return 0, 0, ErrMessageTooShort
	}
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayloadLength
	}
	if b[0] != ProtocolVersion || b[1] != ^b[0] {
		return 0, 0, ErrInvalidProtocolVersion
	}
	t := PayloadType(binary.BigEndian.Uint16(b[2:4]))
	if !knownPayloadTypes[t] {
		return 0, 0, ErrUnknownPayloadType
	}
	length := binary.BigEndian.Uint32(b[4:8])
	if length > maxPayload {
		return 0, 0, ErrPayloadLengthExceedsMax
	}
	return t, length, nil
}

// ParseMessage parses a complete DoIP message: header plus exactly
// `length` payload bytes.
func ParseMessage(b []byte, maxPayload uint32) (Message, error) {
	t, length, err := ParseHeader(b, maxPayload)
	if err != nil {
		return Message{}, err
	}
	if uint32(len(b)) != HeaderLength+length {
		return Message{}, ErrMessageLengthMismatch
	}
	payload := make([]byte, length)
	copy(payload, b[HeaderLength:])
	return Message{Type: t, Payload: payload}, nil
}

// SourceAddress returns the source address carried by a Routing Activation
// Request, Diagnostic Message, or Diagnostic ack. Absent if the payload is
// too short for its type.
func (m Message) SourceAddress() (Address, bool) {
	switch m.Type {
	case RoutingActivationRequest:
		if len(m.Payload) < 2 {
			return 0, false
		}
		return getAddress(m.Payload[0:2]), true
	case DiagnosticMessage, DiagnosticMessagePositiveAck, DiagnosticMessageNegativeAck:
		if len(m.Payload) < 2 {
			return 0, false
		}
		return getAddress(m.Payload[0:2]), true
	case AliveCheckResponse:
		if len(m.Payload) < 2 {
			return 0, false
		}
		return getAddress(m.Payload[0:2]), true
	default:
		return 0, false
	}
}

// TargetAddress returns the target address carried by a Diagnostic
// Message or Diagnostic ack.
func (m Message) TargetAddress() (Address, bool) {
	switch m.Type {
	case DiagnosticMessage, DiagnosticMessagePositiveAck, DiagnosticMessageNegativeAck:
		if len(m.Payload) < 4 {
			return 0, false
		}
		return getAddress(m.Payload[2:4]), true
	default:
		return 0, false
	}
}

// UserData returns the diagnostic payload carried after the source/target
// addresses of a Diagnostic Message.
func (m Message) UserData() ([]byte, bool) {
	if m.Type != DiagnosticMessage || len(m.Payload) < 4 {
		return nil, false
	}
	return m.Payload[4:], true
}

// ActivationType returns the activation-type byte of a Routing Activation
// Request.
func (m Message) ActivationType() (byte, bool) {
	if m.Type != RoutingActivationRequest || len(m.Payload) < 3 {
		return 0, false
	}
	return m.Payload[2], true
}

// LogicalAddress returns the client logical address of a Routing
// Activation Response, or the gateway logical address of a Vehicle
// Identification Response.
func (m Message) LogicalAddress() (Address, bool) {
	switch m.Type {
	case RoutingActivationResponse:
		if len(m.Payload) < 2 {
			return 0, false
		}
		return getAddress(m.Payload[0:2]), true
	case VehicleIdentificationResponse:
		if len(m.Payload) < 19 {
			return 0, false
		}
		return getAddress(m.Payload[17:19]), true
	default:
		return 0, false
	}
}

// RoutingActivationResultCode returns the response code of a Routing
// Activation Response.
func (m Message) RoutingActivationResultCode() (RoutingActivationResult, bool) {
	if m.Type != RoutingActivationResponse || len(m.Payload) < 5 {
		return 0, false
	}
	return RoutingActivationResult(m.Payload[4]), true
}

// DiagnosticAckCode returns the ack/nack code of a diagnostic
// acknowledgement message.
func (m Message) DiagnosticAckCode() (byte, bool) {
	if m.Type != DiagnosticMessagePositiveAck && m.Type != DiagnosticMessageNegativeAck {
		return 0, false
	}
	if len(m.Payload) < 5 {
		return 0, false
	}
	return m.Payload[4], true
}

// VIN returns the 17-byte VIN carried by a Vehicle Identification Response.
func (m Message) VIN() (VIN, bool) {
	if m.Type != VehicleIdentificationResponse || len(m.Payload) < VINLength {
		return VIN{}, false
	}
	var v VIN
	copy(v[:], m.Payload[0:VINLength])
	return v, true
}

// EID returns the 6-byte EID carried by a Vehicle Identification Response.
func (m Message) EID() (EID, bool) {
	if m.Type != VehicleIdentificationResponse || len(m.Payload) < 25 {
		return EID{}, false
	}
	var e EID
	copy(e[:], m.Payload[19:25])
	return e, true
}

// GID returns the 6-byte GID carried by a Vehicle Identification Response.
func (m Message) GID() (GID, bool) {
	if m.Type != VehicleIdentificationResponse || len(m.Payload) < 31 {
		return GID{}, false
	}
	var g GID
	copy(g[:], m.Payload[25:31])
	return g, true
}

// FurtherAction returns the further-action byte carried by a Vehicle
// Identification Response.
func (m Message) FurtherAction() (byte, bool) {
	if m.Type != VehicleIdentificationResponse || len(m.Payload) < 32 {
		return 0, false
	}
	return m.Payload[31], true
}
