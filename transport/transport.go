// Package transport carries framed wireproto envelopes between physical
// devices (§4.9). A Transport knows nothing about conversations, sync
// sessions, or the DAG — it is a raw, per-device message pipe, the same
// separation of concerns the teacher draws between its realtime service
// and the application logic that decides what to publish.
package transport

import (
	"context"

	"mtox/dag"
)

// Handler is invoked for every inbound frame addressed to this device.
type Handler func(from dag.PhysicalDevicePk, data []byte)

// Transport is the §4.9 peer-reachability abstraction the orchestrator
// wires the sync sessions against.
type Transport interface {
	// SendRaw delivers data to the named device's channel. Delivery is
	// best-effort: Transport implementations do not guarantee ordering
	// or retries beyond what the backing medium gives for free.
	SendRaw(ctx context.Context, to dag.PhysicalDevicePk, data []byte) error

	// OnReceive registers the callback invoked for inbound frames. Only
	// one handler is active at a time; a later call replaces the prior
	// handler.
	OnReceive(h Handler)

	// Close releases any underlying connection.
	Close() error
}
