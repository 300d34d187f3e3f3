// Package network implements the abstract datagram transport used
// uniformly by internal/syncengine: a single interface with a
// deterministic in-memory implementation (SimNetwork) for the Simulation
// Core, and optionally internal/transport/live over libp2p for real
// deployment, generalized from "push bytes onto a libp2p stream" into
// "enqueue a packet against an abstract clock".
package network

import "context"

// PacketKind identifies the payload carried by a packet. Numeric values
// match the wire kind_byte exactly.
type PacketKind byte

const (
	KindSummary   PacketKind = 0
	KindSolicit   PacketKind = 1
	KindEvent     PacketKind = 2
	KindFileChunk PacketKind = 3 // identical body to EVENT, kept distinct for statistics
)

// Packet is one unit of transport. Target always names a single
// receiving device; Broadcast fans out into one packet per target.
type Packet struct {
	Source  string
	Target  string
	Kind    PacketKind
	Payload []byte
}

// DeliverFunc is invoked once per packet at its target, inside whatever
// execution context the transport uses to fire deliveries.
type DeliverFunc func(pkt Packet)

// Stats is the read-only statistics view callers poll for diagnostics.
type Stats struct {
	Sent         uint64
	Delivered    uint64
	Dropped      uint64
	PerLinkRates map[string]LinkStats
}

// LinkStats tracks sent/delivered/dropped counts for one source-target
// pair.
type LinkStats struct {
	Sent      uint64
	Delivered uint64
	Dropped   uint64
}

// Transport is the abstract network model. Both SimNetwork and
// transport/live.Network implement it, so internal/syncengine is written
// once against the interface.
type Transport interface {
	// Send enqueues a unicast delivery. Returns an error at call time if
	// payload exceeds the configured MTU; oversized payloads are rejected,
	// never silently dropped.
	Send(ctx context.Context, source, target string, kind PacketKind, payload []byte) error

	// Broadcast is equivalent to Send to every known device other than
	// source.
	Broadcast(ctx context.Context, source string, kind PacketKind, payload []byte) error

	// OnDeliver registers the callback invoked when a packet arrives at
	// target. Only one callback per target device id is supported;
	// registering again replaces it.
	OnDeliver(deviceID string, fn DeliverFunc)

	// SetOnline marks a device's online state; packets to or from
	// offline devices are dropped.
	SetOnline(deviceID string, online bool)

	// Stats returns a snapshot of the current counters.
	Stats() Stats
}

// ErrPayloadTooLarge is returned by Send/Broadcast when payload exceeds
// the transport's configured MTU.
type ErrPayloadTooLarge struct {
	Size, MTU int
}

func (e *ErrPayloadTooLarge) Error() string {
	return "network: payload exceeds mtu"
}
