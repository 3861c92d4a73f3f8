package timer

import (
	"sync"
	"time"
)

// Callback is invoked when a timer fires, outside the Manager's lock.
type Callback[ID comparable] func(id ID)

type entry[ID comparable] struct {
	duration time.Duration
	deadline time.Time
	periodic bool
	callback Callback[ID]
}

// Manager is a registry of named, cancellable, one-shot or periodic
// timers, generic over an ID enum. A single scheduler goroutine owns the
// internal map; add/restart/cancel never block on user callbacks.
type Manager[ID comparable] struct {
	clock   Clock
	mu      sync.Mutex
	entries map[ID]*entry[ID]
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// NewManager creates a Manager and starts its scheduler goroutine. A nil
// clock uses RealClock.
func NewManager[ID comparable](clock Clock) *Manager[ID] {
	if clock == nil {
		clock = RealClock
	}
	m := &Manager[ID]{
		clock:   clock,
		entries: make(map[ID]*entry[ID]),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

// AddTimer arms a timer, replacing any prior timer with the same id.
// Returns false if the manager has been shut down.
func (m *Manager[ID]) AddTimer(id ID, d time.Duration, cb Callback[ID], periodic bool) bool {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	m.entries[id] = &entry[ID]{
		duration: d,
		deadline: m.clock.Now().Add(d),
		periodic: periodic,
		callback: cb,
	}
	m.mu.Unlock()
	m.signal()
	return true
}

// RestartTimer resets id's expiry to now+originalDuration. No-op if id is
// not currently armed.
func (m *Manager[ID]) RestartTimer(id ID) bool {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	e.deadline = m.clock.Now().Add(e.duration)
	m.mu.Unlock()
	m.signal()
	return true
}

// CancelTimer removes id if armed. No-op otherwise.
func (m *Manager[ID]) CancelTimer(id ID) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	m.signal()
}

// StopAll cancels every armed timer without shutting down the scheduler.
func (m *Manager[ID]) StopAll() {
	m.mu.Lock()
	m.entries = make(map[ID]*entry[ID])
	m.mu.Unlock()
	m.signal()
}

// Shutdown cancels every timer and stops the scheduler goroutine. Safe to
// call once; subsequent calls are no-ops.
func (m *Manager[ID]) Shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.entries = make(map[ID]*entry[ID])
	m.mu.Unlock()
	close(m.done)
}

func (m *Manager[ID]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager[ID]) run() {
	for {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return
		}
		now := m.clock.Now()
		var next *entry[ID]
		for _, e := range m.entries {
			if next == nil || e.deadline.Before(next.deadline) {
				next = e
			}
		}
		m.mu.Unlock()

		if next == nil {
			select {
			case <-m.wake:
				continue
			case <-m.done:
				return
			}
		}

		wait := next.deadline.Sub(now)
		if wait < 0 {
			wait = 0
		}

		select {
		case <-m.clock.After(wait):
			m.fireExpired()
		case <-m.wake:
			continue
		case <-m.done:
			return
		}
	}
}

// fireExpired collects every timer whose deadline has passed under the
// lock, re-arming periodic ones and removing one-shot ones, then invokes
// each callback after releasing the lock. A panicking callback is
// recovered so the scheduler keeps running.
func (m *Manager[ID]) fireExpired() {
	m.mu.Lock()
	now := m.clock.Now()
	type due struct {
		id ID
		cb Callback[ID]
	}
	var fired []due
	for id, e := range m.entries {
		if !e.deadline.After(now) {
			fired = append(fired, due{id: id, cb: e.callback})
			if e.periodic {
				e.deadline = now.Add(e.duration)
			} else {
				delete(m.entries, id)
			}
		}
	}
	m.mu.Unlock()

	for _, d := range fired {
		invokeSafely(d.id, d.cb)
	}
}

func invokeSafely[ID comparable](id ID, cb Callback[ID]) {
	defer func() {
		recover() //nolint:errcheck // a panicking callback must not kill the scheduler
	}()
	if cb != nil {
		cb(id)
	}
}
