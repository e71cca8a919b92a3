package metrics

import "sync"

// Relay event names.
const (
	EventJoin           = "join"
	EventLeave          = "leave"
	EventDisconnect     = "disconnect"
	EventRouted         = "routed"
	EventRoutingMiss    = "routing_miss"
	EventSendBufferFull = "send_buffer_full"
	EventMalformed      = "malformed"
	EventEvicted        = "evicted"
)

// Metrics is a concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
