package downstream

import "sync"

// request is one queued SendRequest call awaiting MockProvider.process.
type request struct {
	payload []byte
	cb      Callback
}

// MockProvider is a test double driven by a single in-process goroutine
// reading from an inbound channel. By default it replies Handled with an
// empty payload; tests wanting a payload or Pending/Error/Timeout
// behavior set Respond directly.
type MockProvider struct {
	// Respond computes the Response for a given request payload. If nil,
	// SendRequest replies Handled with an empty payload.
	Respond func(payload []byte) Response

	mu      sync.Mutex
	started bool
	inbox   chan request
	done    chan struct{}
}

// NewMockProvider creates a MockProvider with the given inbound queue
// depth.
func NewMockProvider(bufferSize int) *MockProvider {
	return &MockProvider{
		inbox: make(chan request, bufferSize),
		done:  make(chan struct{}),
	}
}

func (p *MockProvider) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	p.started = true
	go p.process()
	return nil
}

func (p *MockProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.started = false
	close(p.done)
	return nil
}

func (p *MockProvider) SendRequest(payload []byte, cb Callback) {
	p.inbox <- request{payload: payload, cb: cb}
}

func (p *MockProvider) process() {
	for {
		select {
		case req := <-p.inbox:
			resp := Response{Status: StatusHandled}
			if p.Respond != nil {
				resp = p.Respond(req.payload)
			}
			req.cb(resp)
		case <-p.done:
			return
		}
	}
}
