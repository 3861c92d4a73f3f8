// Package transport implements the two DoIP transport abstractions: a
// per-connection ConnectionTransport (send/receive whole DoIP messages
// over one peer link) and a ServerTransport (accept connections, send UDP
// announcements).
package transport

import (
	"errors"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// ErrClosed is returned by ReceiveMessage when the peer link has closed.
var ErrClosed = errors.New("transport: closed")

// ErrNotActive is returned by operations attempted on a transport that has
// not been set up or has already been closed.
var ErrNotActive = errors.New("transport: not active")

// CloseReason records why a ConnectionTransport (and, transitively, its
// owning connection) was closed.
type CloseReason int

const (
	CloseReasonUnspecified CloseReason = iota
	CloseReasonApplicationRequest
	CloseReasonSocketError
	CloseReasonInvalidMessage
	CloseReasonInitialInactivityTimeout
	CloseReasonAliveCheckTimeout
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonApplicationRequest:
		return "ApplicationRequest"
	case CloseReasonSocketError:
		return "SocketError"
	case CloseReasonInvalidMessage:
		return "InvalidMessage"
	case CloseReasonInitialInactivityTimeout:
		return "InitialInactivityTimeout"
	case CloseReasonAliveCheckTimeout:
		return "AliveCheckTimeout"
	default:
		return "Unspecified"
	}
}

// ConnectionTransport is the byte-level send/receive contract for one
// peer link. A transport instance is single-producer for Send and
// single-consumer for Receive; concurrent Send/Receive on separate
// goroutines is permitted.
type ConnectionTransport interface {
	SendMessage(msg doip.Message) (int, error)
	// ReceiveMessage blocks until a complete message arrives or the peer
	// closes (ErrClosed).
	ReceiveMessage() (doip.Message, error)
	Close(reason CloseReason) error
	IsActive() bool
	Identifier() string
}

// ServerTransport accepts incoming connections and sends UDP
// announcement/identification broadcasts.
type ServerTransport interface {
	Setup(tcpPort uint16) error
	// AcceptConnection is non-blocking: it returns (nil, nil) if no
	// connection is currently pending.
	AcceptConnection() (ConnectionTransport, error)
	SendBroadcast(msg doip.Message, port uint16) (int, error)
	Close() error
	IsActive() bool
	Identifier() string
}

// Default well-known ports.
const (
	DefaultTCPPort        uint16 = 13400
	DiscoveryPort         uint16 = 13400
	TestEquipmentReqPort  uint16 = 13400
)

// MulticastGroup is joined in non-loopback mode.
const MulticastGroup = "224.0.0.2"
