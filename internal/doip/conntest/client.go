// Package conntest is a test-only tester-side DoIP client: it dials a
// real TCP listener, drives the routing-activation handshake, and
// exchanges diagnostic messages. It exists to give internal/doip/server
// a real-socket integration test instead of exercising the server only
// through transport.MemoryConnectionTransport.
package conntest

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// Client is a minimal tester-side DoIP connection for integration tests.
type Client struct {
	source doip.Address
	conn   net.Conn
}

// Dial connects to addr and returns a Client ready to send and receive
// DoIP messages. It does not perform the routing-activation handshake;
// call Activate for that.
func Dial(addr string, source doip.Address) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("conntest: dial %s: %w", addr, err)
	}
	return &Client{source: source, conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes msg to the connection.
func (c *Client) Send(msg doip.Message) error {
	_, err := c.conn.Write(doip.Encode(msg))
	return err
}

// Receive reads one complete DoIP message, blocking until it arrives or
// the read deadline set by SetReadTimeout expires.
func (c *Client) Receive() (doip.Message, error) {
	header := make([]byte, doip.HeaderLength)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		return doip.Message{}, fmt.Errorf("conntest: read header: %w", err)
	}
	payloadType, length, err := doip.ParseHeader(header, doip.DefaultMaxPayloadLength)
	if err != nil {
		return doip.Message{}, err
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return doip.Message{}, fmt.Errorf("conntest: read payload: %w", err)
		}
	}
	return doip.Message{Type: payloadType, Payload: payload}, nil
}

// SetReadTimeout bounds how long Receive blocks before returning a
// timeout error.
func (c *Client) SetReadTimeout(d time.Duration) error {
	return c.conn.SetReadDeadline(time.Now().Add(d))
}

// Activate sends a Routing Activation Request for the client's source
// address and waits for the response, returning an error if activation
// was not granted (ISO 13400-2 Table 22).
func (c *Client) Activate(activationType byte) error {
	if err := c.Send(doip.NewRoutingActivationRequest(c.source, activationType)); err != nil {
		return err
	}
	resp, err := c.Receive()
	if err != nil {
		return err
	}
	if resp.Type != doip.RoutingActivationResponse {
		return fmt.Errorf("conntest: expected RoutingActivationResponse, got %v", resp.Type)
	}
	code, ok := resp.RoutingActivationResultCode()
	if !ok || code != doip.RoutingActivationActivated {
		return fmt.Errorf("conntest: routing activation denied: code %v", code)
	}
	return nil
}

// Exchange sends a Diagnostic Message to target and waits for the
// resulting ack and, if the ack was positive, the eventual diagnostic
// response.
func (c *Client) Exchange(target doip.Address, userData []byte) (ack doip.Message, response doip.Message, err error) {
	if err = c.Send(doip.NewDiagnosticMessage(c.source, target, userData)); err != nil {
		return
	}
	ack, err = c.Receive()
	if err != nil {
		return
	}
	if ack.Type != doip.DiagnosticMessagePositiveAck {
		return ack, doip.Message{}, nil
	}
	response, err = c.Receive()
	return
}

// AliveCheckRespond waits for an Alive Check Request and answers it,
// mirroring the tester's obligation under 7.1.7.
func (c *Client) AliveCheckRespond() error {
	req, err := c.Receive()
	if err != nil {
		return err
	}
	if req.Type != doip.AliveCheckRequest {
		return fmt.Errorf("conntest: expected AliveCheckRequest, got %v", req.Type)
	}
	return c.Send(doip.NewAliveCheckResponse(c.source))
}
