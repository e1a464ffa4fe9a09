package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
)

// ConnState is the lifecycle state of one transport handle.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// TransportStatus reports both handles of a transport.
type TransportStatus struct {
	Publisher  ConnState
	Subscriber ConnState
}

// Ready is true when both handles can serve requests.
func (s TransportStatus) Ready() bool {
	return s.Publisher == StateReady && s.Subscriber == StateReady
}

// TransportStats is delivery telemetry shared by all adapters.
type TransportStats struct {
	Published        uint64
	MessagesReceived uint64
	Subscriptions    int
	Listeners        int
	LastMessage      string
	LastMessageAt    time.Time
}

// ListenerSet is the shared message stream adapters fan deliveries out through.
// Dispatch works on a snapshot so listeners may remove themselves while running.
type ListenerSet struct {
	mu        sync.RWMutex
	seq       uint64
	listeners map[uint64]Listener
	clock     xclock.Clock

	received atomic.Uint64
	lastMu   sync.Mutex
	last     string
	lastAt   time.Time
}

// UseClock sets the clock that stamps deliveries (default xclock.Default()).
func (s *ListenerSet) UseClock(c xclock.Clock) {
	s.lastMu.Lock()
	s.clock = c
	s.lastMu.Unlock()
}

// Add registers l and returns an idempotent remove func.
func (s *ListenerSet) Add(l Listener) (remove func()) {
	if l == nil {
		return func() {}
	}
	s.mu.Lock()
	if s.listeners == nil {
		s.listeners = make(map[uint64]Listener)
	}
	s.seq++
	id := s.seq
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Dispatch hands one delivery to every registered listener.
func (s *ListenerSet) Dispatch(channel string, payload []byte) {
	s.received.Add(1)
	s.lastMu.Lock()
	clk := s.clock
	if clk == nil {
		clk = xclock.Default()
	}
	s.last = string(payload)
	s.lastAt = clk.Now()
	s.lastMu.Unlock()

	s.mu.RLock()
	if len(s.listeners) == 0 {
		s.mu.RUnlock()
		return
	}
	snapshot := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		snapshot = append(snapshot, l)
	}
	s.mu.RUnlock()

	for _, l := range snapshot {
		l(channel, payload)
	}
}

// Len returns the number of registered listeners.
func (s *ListenerSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

// Received returns the delivery count and the last payload seen.
func (s *ListenerSet) Received() (count uint64, last string, at time.Time) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.received.Load(), s.last, s.lastAt
}
