// Package doip implements the ISO 13400-2 DoIP message codec: header
// framing, payload-type dispatch, and typed payload accessors.
package doip

import "encoding/binary"

const (
	// ProtocolVersion is the DoIP header version byte for ISO 13400-2:2019.
	ProtocolVersion byte = 0x02
	// InverseProtocolVersion is the bitwise complement carried alongside
	// ProtocolVersion so a receiver can detect a corrupted version byte.
	InverseProtocolVersion byte = ^ProtocolVersion

	// HeaderLength is the fixed size of a DoIP header in bytes.
	HeaderLength = 8

	// DefaultMaxPayloadLength is the default MTU for a single message's
	// payload, independent of the 8-byte header.
	DefaultMaxPayloadLength uint32 = 64 * 1024
)

// PayloadType identifies the kind of a DoIP message (Table 12).
type PayloadType uint16

// Payload types handled by the core.
const (
	GenericHeaderNegativeAck           PayloadType = 0x0000
	VehicleIdentificationRequest       PayloadType = 0x0001
	VehicleIdentificationRequestByEID  PayloadType = 0x0002
	VehicleIdentificationRequestByVIN  PayloadType = 0x0003
	VehicleIdentificationResponse      PayloadType = 0x0004
	RoutingActivationRequest           PayloadType = 0x0005
	RoutingActivationResponse          PayloadType = 0x0006
	AliveCheckRequest                  PayloadType = 0x0007
	AliveCheckResponse                 PayloadType = 0x0008
	DiagnosticMessage                  PayloadType = 0x8001
	DiagnosticMessagePositiveAck       PayloadType = 0x8002
	DiagnosticMessageNegativeAck       PayloadType = 0x8003
)

var knownPayloadTypes = map[PayloadType]bool{
	GenericHeaderNegativeAck:          true,
	VehicleIdentificationRequest:      true,
	VehicleIdentificationRequestByEID: true,
	VehicleIdentificationRequestByVIN: true,
	VehicleIdentificationResponse:     true,
	RoutingActivationRequest:          true,
	RoutingActivationResponse:         true,
	AliveCheckRequest:                 true,
	AliveCheckResponse:                true,
	DiagnosticMessage:                 true,
	DiagnosticMessagePositiveAck:      true,
	DiagnosticMessageNegativeAck:      true,
}

// Generic DoIP header NACK codes (Table 14).
const (
	HeaderNackIncorrectPattern    byte = 0x00
	HeaderNackUnknownPayloadType  byte = 0x01
	HeaderNackMessageTooLarge     byte = 0x02
	HeaderNackOutOfMemory         byte = 0x03
	HeaderNackInvalidPayloadLen   byte = 0x04
)

// RoutingActivationResult is the response code carried in a Routing
// Activation Response (Table 25). This implementation pins the revised
// table's success code, 0x10; see DESIGN.md for the rationale.
type RoutingActivationResult byte

const (
	RoutingActivationUnknownSourceAddress RoutingActivationResult = 0x00
	RoutingActivationDeniedUnsupportedType RoutingActivationResult = 0x06
	RoutingActivationActivated             RoutingActivationResult = 0x10
)

// DiagnosticNack is the NACK code carried in a DiagnosticMessageNegativeAck.
type DiagnosticNack byte

const (
	DiagnosticNackInvalidSourceAddress  DiagnosticNack = 0x02
	DiagnosticNackUnknownTargetAddress  DiagnosticNack = 0x03
	DiagnosticNackTransportProtoError   DiagnosticNack = 0x05
	DiagnosticNackTargetUnreachable     DiagnosticNack = 0x06
)

// Address is a 16-bit DoIP logical address.
type Address uint16

// AddressUnset is the reserved "no address" value.
const AddressUnset Address = 0x0000

// Tester source address pool.
const (
	TesterAddressLow  Address = 0x0E00
	TesterAddressHigh Address = 0x0FFF
)

// IsTesterAddress reports whether a lies in the tester source pool.
func IsTesterAddress(a Address) bool {
	return a >= TesterAddressLow && a <= TesterAddressHigh
}

func putAddress(b []byte, a Address) { binary.BigEndian.PutUint16(b, uint16(a)) }
func getAddress(b []byte) Address    { return Address(binary.BigEndian.Uint16(b)) }
