package transport

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// TCPConnectionTransport wraps one accepted TCP stream. Receive reads
// exactly 8 header bytes, parses them, then reads exactly length payload
// bytes; io.ReadFull retries short reads until the full frame arrives.
type TCPConnectionTransport struct {
	conn       net.Conn
	maxPayload uint32

	mu          sync.Mutex
	closed      bool
	closeReason CloseReason
	once        sync.Once
}

// NewTCPConnectionTransport wraps an already-accepted net.Conn.
func NewTCPConnectionTransport(conn net.Conn, maxPayload uint32) *TCPConnectionTransport {
	if maxPayload == 0 {
		maxPayload = doip.DefaultMaxPayloadLength
	}
	return &TCPConnectionTransport{conn: conn, maxPayload: maxPayload}
}

func (t *TCPConnectionTransport) SendMessage(msg doip.Message) (int, error) {
	b := doip.Encode(msg)
	n, err := writeFull(t.conn, b)
	if err != nil {
		t.Close(CloseReasonSocketError)
		return n, fmt.Errorf("transport: write: %w", err)
	}
	return n, nil
}

func (t *TCPConnectionTransport) ReceiveMessage() (doip.Message, error) {
	header := make([]byte, doip.HeaderLength)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		return doip.Message{}, ErrClosed
	}

	payloadType, length, err := doip.ParseHeader(header, t.maxPayload)
	if err != nil {
		return doip.Message{}, err
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(t.conn, payload); err != nil {
			return doip.Message{}, ErrClosed
		}
	}
	return doip.Message{Type: payloadType, Payload: payload}, nil
}

func (t *TCPConnectionTransport) Close(reason CloseReason) error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeReason = reason
		t.mu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *TCPConnectionTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *TCPConnectionTransport) Identifier() string {
	return t.conn.RemoteAddr().String()
}

func writeFull(w io.Writer, b []byte) (int, error) {
	sent := 0
	for sent < len(b) {
		n, err := w.Write(b[sent:])
		if err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}
