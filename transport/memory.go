package transport

import (
	"context"
	"sync"

	"mtox/dag"
)

// MemoryBus is the shared registry a set of MemoryTransports deliver
// through — the in-process stand-in for Ably used in tests and
// single-process worked scenarios.
type MemoryBus struct {
	mu    sync.RWMutex
	peers map[dag.PhysicalDevicePk]*MemoryTransport
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{peers: make(map[dag.PhysicalDevicePk]*MemoryTransport)}
}

// MemoryTransport is one device's endpoint on a MemoryBus.
type MemoryTransport struct {
	bus  *MemoryBus
	self dag.PhysicalDevicePk

	mu      sync.RWMutex
	handler Handler
}

// NewTransport registers self on the bus and returns its endpoint.
func (b *MemoryBus) NewTransport(self dag.PhysicalDevicePk) *MemoryTransport {
	t := &MemoryTransport{bus: b, self: self}
	b.mu.Lock()
	b.peers[self] = t
	b.mu.Unlock()
	return t
}

func (t *MemoryTransport) SendRaw(ctx context.Context, to dag.PhysicalDevicePk, data []byte) error {
	t.bus.mu.RLock()
	peer, ok := t.bus.peers[to]
	t.bus.mu.RUnlock()
	if !ok {
		return nil // unreachable peer: best-effort, same as an offline Ably subscriber
	}

	peer.mu.RLock()
	h := peer.handler
	peer.mu.RUnlock()
	if h != nil {
		h(t.self, append([]byte(nil), data...))
	}
	return nil
}

func (t *MemoryTransport) OnReceive(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

func (t *MemoryTransport) Close() error {
	t.bus.mu.Lock()
	delete(t.bus.peers, t.self)
	t.bus.mu.Unlock()
	return nil
}
