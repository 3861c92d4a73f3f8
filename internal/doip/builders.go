package doip

// Builders for outgoing messages.

// NewGenericHeaderNack builds a Generic Header Negative Acknowledge
// message carrying a single error code byte.
func NewGenericHeaderNack(code byte) Message {
	return Message{Type: GenericHeaderNegativeAck, Payload: []byte{code}}
}

// NewRoutingActivationRequest builds a Routing Activation Request.
func NewRoutingActivationRequest(source Address, activationType byte) Message {
	payload := make([]byte, 7)
	putAddress(payload[0:2], source)
	payload[2] = activationType
	return Message{Type: RoutingActivationRequest, Payload: payload}
}

// NewRoutingActivationResponse builds a Routing Activation Response.
func NewRoutingActivationResponse(client, server Address, code RoutingActivationResult) Message {
	payload := make([]byte, 9)
	putAddress(payload[0:2], client)
	putAddress(payload[2:4], server)
	payload[4] = byte(code)
	return Message{Type: RoutingActivationResponse, Payload: payload}
}

// NewVehicleIdentificationResponse builds a Vehicle Identification
// Response / Announcement.
func NewVehicleIdentificationResponse(vin VIN, logicalAddress Address, eid EID, gid GID, furtherAction byte) Message {
	payload := make([]byte, 32)
	copy(payload[0:17], vin[:])
	putAddress(payload[17:19], logicalAddress)
	copy(payload[19:25], eid[:])
	copy(payload[25:31], gid[:])
	payload[31] = furtherAction
	return Message{Type: VehicleIdentificationResponse, Payload: payload}
}

// NewAliveCheckRequest builds an Alive Check Request (empty payload).
func NewAliveCheckRequest() Message {
	return Message{Type: AliveCheckRequest, Payload: []byte{}}
}

// NewAliveCheckResponse builds an Alive Check Response.
func NewAliveCheckResponse(source Address) Message {
	payload := make([]byte, 2)
	putAddress(payload[0:2], source)
	return Message{Type: AliveCheckResponse, Payload: payload}
}

// NewDiagnosticMessage builds a Diagnostic Message carrying user data.
func NewDiagnosticMessage(source, target Address, userData []byte) Message {
	payload := make([]byte, 4+len(userData))
	putAddress(payload[0:2], source)
	putAddress(payload[2:4], target)
	copy(payload[4:], userData)
	return Message{Type: DiagnosticMessage, Payload: payload}
}

// NewDiagnosticPositiveAck builds a Diagnostic Message Positive Ack.
func NewDiagnosticPositiveAck(source, target Address) Message {
	payload := make([]byte, 5)
	putAddress(payload[0:2], source)
	putAddress(payload[2:4], target)
	payload[4] = 0x00
	return Message{Type: DiagnosticMessagePositiveAck, Payload: payload}
}

// NewDiagnosticNegativeAck builds a Diagnostic Message Negative Ack.
func NewDiagnosticNegativeAck(source, target Address, code DiagnosticNack) Message {
	payload := make([]byte, 5)
	putAddress(payload[0:2], source)
	putAddress(payload[2:4], target)
	payload[4] = byte(code)
	return Message{Type: DiagnosticMessageNegativeAck, Payload: payload}
}
