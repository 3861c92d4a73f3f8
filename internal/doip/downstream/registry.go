package downstream

import (
	"fmt"
	"sync"

	"github.com/eshenhu/doipgwd/internal/doip"
)

// Registry dispatches a downstream request to the Provider registered
// for its target address, so a gateway can forward different ECUs'
// diagnostic traffic to different downstream stacks instead of funneling
// everything through one Provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[doip.Address]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[doip.Address]Provider)}
}

// Register associates addr with p, starting p if it is not already
// running. Returns an error if addr is already registered.
func (r *Registry) Register(addr doip.Address, p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[addr]; ok {
		return fmt.Errorf("downstream: registry: address %04X already registered", addr)
	}
	if err := p.Start(); err != nil {
		return fmt.Errorf("downstream: registry: starting provider for %04X: %w", addr, err)
	}
	r.providers[addr] = p
	return nil
}

// Unregister stops and removes the provider registered for addr, if any.
func (r *Registry) Unregister(addr doip.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[addr]; ok {
		p.Stop()
		delete(r.providers, addr)
	}
}

// Dispatch forwards payload to the provider registered for target. If no
// provider is registered, cb is invoked synchronously with StatusError.
func (r *Registry) Dispatch(target doip.Address, payload []byte, cb Callback) {
	r.mu.RLock()
	p, ok := r.providers[target]
	r.mu.RUnlock()
	if !ok {
		cb(Response{Status: StatusError})
		return
	}
	p.SendRequest(payload, cb)
}

// Close stops every registered provider.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, p := range r.providers {
		p.Stop()
		delete(r.providers, addr)
	}
}
