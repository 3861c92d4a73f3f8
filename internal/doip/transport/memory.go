package transport

import (
	"sync"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// MemoryConnectionTransport is an in-memory ConnectionTransport test
// double: a bounded inbound FIFO feeds ReceiveMessage, and every sent
// message is recorded so tests can assert on it with PopSentMessage/
// SentCount.
type MemoryConnectionTransport struct {
	id       string
	incoming chan doip.Message

	mu          sync.Mutex
	sent        []doip.Message
	closed      bool
	closeReason CloseReason
	once        sync.Once
}

// NewMemoryConnectionTransport creates a test transport with the given
// inbound queue depth.
func NewMemoryConnectionTransport(id string, bufferSize int) *MemoryConnectionTransport {
	return &MemoryConnectionTransport{
		id:       id,
		incoming: make(chan doip.Message, bufferSize),
	}
}

func (t *MemoryConnectionTransport) SendMessage(msg doip.Message) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, ErrClosed
	}
	t.sent = append(t.sent, msg)
	return len(doip.Encode(msg)), nil
}

func (t *MemoryConnectionTransport) ReceiveMessage() (doip.Message, error) {
	msg, ok := <-t.incoming
	if !ok {
		return doip.Message{}, ErrClosed
	}
	return msg, nil
}

func (t *MemoryConnectionTransport) Close(reason CloseReason) error {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeReason = reason
		t.mu.Unlock()
		close(t.incoming)
	})
	return nil
}

func (t *MemoryConnectionTransport) IsActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *MemoryConnectionTransport) Identifier() string { return t.id }

// InjectMessage enqueues msg as if received from the peer. Test-only.
func (t *MemoryConnectionTransport) InjectMessage(msg doip.Message) {
	t.incoming <- msg
}

// InjectPeerClose simulates the peer disconnecting: ReceiveMessage
// subsequently returns ErrClosed. Test-only.
func (t *MemoryConnectionTransport) InjectPeerClose() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.closeReason = CloseReasonSocketError
		t.mu.Unlock()
		close(t.incoming)
	})
}

// PopSentMessage dequeues the oldest message handed to SendMessage.
// Test-only.
func (t *MemoryConnectionTransport) PopSentMessage() (doip.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sent) == 0 {
		return doip.Message{}, false
	}
	m := t.sent[0]
	t.sent = t.sent[1:]
	return m, true
}

// SentCount reports how many messages are queued for PopSentMessage.
// Test-only.
func (t *MemoryConnectionTransport) SentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

// Clear drops every recorded sent message. Test-only.
func (t *MemoryConnectionTransport) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}
