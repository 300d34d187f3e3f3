package network

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Clock is the minimal virtual-clock contract SimNetwork needs; satisfied
// by internal/simulation.Clock. Kept separate to avoid an import cycle
// between network and simulation.
type Clock interface {
	Now() int64
}

// RandSource is the deterministic randomness contract SimNetwork needs for
// packet loss and latency jitter, never math/rand's global source, so
// runs stay reproducible.
type RandSource interface {
	Float64() float64 // uniform [0, 1)
}

// SimConfig holds the per-link configuration for a simulated network.
type SimConfig struct {
	PacketLossRate          float64
	MinLatencyMS, MaxLatencyMS int64
	JitterMS                float64
	MTUBytes                int
}

// DefaultSimConfig is a reasonable local-network baseline.
func DefaultSimConfig() SimConfig {
	return SimConfig{MinLatencyMS: 10, MaxLatencyMS: 80, JitterMS: 5, MTUBytes: 1200}
}

type pendingPacket struct {
	deliverAt int64
	seq       uint64 // insertion-order tiebreak
	pkt       Packet
}

type packetHeap []*pendingPacket

func (h packetHeap) Len() int { return len(h) }
func (h packetHeap) Less(i, j int) bool {
	if h[i].deliverAt != h[j].deliverAt {
		return h[i].deliverAt < h[j].deliverAt
	}
	return h[i].seq < h[j].seq
}
func (h packetHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *packetHeap) Push(x any)         { *h = append(*h, x.(*pendingPacket)) }
func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// SimNetwork is the deterministic in-memory Transport used by the
// Simulation Core. All randomness routes through the supplied RandSource
// so runs replay identically.
type SimNetwork struct {
	mu sync.Mutex

	clock Clock
	rand  RandSource
	cfg   SimConfig

	online    map[string]bool
	callbacks map[string]DeliverFunc
	peers     map[string]struct{}

	queue packetHeap
	seq   uint64

	sent, delivered, dropped uint64
	perLink                  map[string]*LinkStats

	metricSent      prometheus.Counter
	metricDelivered prometheus.Counter
	metricDropped   prometheus.Counter
}

// NewSimNetwork builds a SimNetwork driven by clock for deliverAt
// scheduling and rand for loss/jitter sampling.
func NewSimNetwork(clock Clock, rand RandSource, cfg SimConfig, reg prometheus.Registerer) *SimNetwork {
	n := &SimNetwork{
		clock:     clock,
		rand:      rand,
		cfg:       cfg,
		online:    make(map[string]bool),
		callbacks: make(map[string]DeliverFunc),
		peers:     make(map[string]struct{}),
		perLink:   make(map[string]*LinkStats),

		metricSent:      prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_network_packets_sent_total"}),
		metricDelivered: prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_network_packets_delivered_total"}),
		metricDropped:   prometheus.NewCounter(prometheus.CounterOpts{Name: "syncmesh_network_packets_dropped_total"}),
	}
	if reg != nil {
		reg.MustRegister(n.metricSent, n.metricDelivered, n.metricDropped)
	}
	return n
}

func (n *SimNetwork) registerPeer(deviceID string) {
	n.peers[deviceID] = struct{}{}
	if _, ok := n.online[deviceID]; !ok {
		n.online[deviceID] = true
	}
}

func (n *SimNetwork) linkKey(source, target string) string { return source + "->" + target }

func (n *SimNetwork) linkStats(key string) *LinkStats {
	ls, ok := n.perLink[key]
	if !ok {
		ls = &LinkStats{}
		n.perLink[key] = ls
	}
	return ls
}

func (n *SimNetwork) enqueue(source, target string, kind PacketKind, payload []byte) error {
	if n.cfg.MTUBytes > 0 && len(payload) > n.cfg.MTUBytes {
		return &ErrPayloadTooLarge{Size: len(payload), MTU: n.cfg.MTUBytes}
	}

	n.registerPeer(source)
	n.registerPeer(target)
	link := n.linkKey(source, target)
	ls := n.linkStats(link)

	n.sent++
	ls.Sent++
	n.metricSent.Inc()

	if !n.online[source] || !n.online[target] {
		n.dropped++
		ls.Dropped++
		n.metricDropped.Inc()
		return nil
	}
	if n.rand.Float64() < n.cfg.PacketLossRate {
		n.dropped++
		ls.Dropped++
		n.metricDropped.Inc()
		return nil
	}

	latencySpan := float64(n.cfg.MaxLatencyMS - n.cfg.MinLatencyMS)
	base := float64(n.cfg.MinLatencyMS)
	if latencySpan > 0 {
		base += n.rand.Float64() * latencySpan
	}
	jitter := (n.rand.Float64()*2 - 1) * n.cfg.JitterMS
	latency := int64(math.Max(0, base+jitter))

	n.seq++
	heap.Push(&n.queue, &pendingPacket{
		deliverAt: n.clock.Now() + latency,
		seq:       n.seq,
		pkt:       Packet{Source: source, Target: target, Kind: kind, Payload: payload},
	})
	return nil
}

// Send implements Transport.
func (n *SimNetwork) Send(_ context.Context, source, target string, kind PacketKind, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enqueue(source, target, kind, payload)
}

// Broadcast implements Transport.
func (n *SimNetwork) Broadcast(_ context.Context, source string, kind PacketKind, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registerPeer(source)
	targets := make([]string, 0, len(n.peers))
	for target := range n.peers {
		if target == source {
			continue
		}
		targets = append(targets, target)
	}
	sort.Strings(targets) // deterministic rand draw order
	for _, target := range targets {
		if err := n.enqueue(source, target, kind, payload); err != nil {
			return fmt.Errorf("network: broadcast to %s: %w", target, err)
		}
	}
	return nil
}

// OnDeliver implements Transport.
func (n *SimNetwork) OnDeliver(deviceID string, fn DeliverFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registerPeer(deviceID)
	n.callbacks[deviceID] = fn
}

// SetOnline implements Transport.
func (n *SimNetwork) SetOnline(deviceID string, online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.registerPeer(deviceID)
	n.online[deviceID] = online
}

// Stats implements Transport.
func (n *SimNetwork) Stats() Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	perLink := make(map[string]LinkStats, len(n.perLink))
	for k, v := range n.perLink {
		perLink[k] = *v
	}
	return Stats{Sent: n.sent, Delivered: n.delivered, Dropped: n.dropped, PerLinkRates: perLink}
}

// Tick fires every packet whose deliver_at has passed, in deliver_at
// order with insertion-order tiebreak. Called once per Simulation Core
// tick, after due application events have run.
func (n *SimNetwork) Tick() {
	n.mu.Lock()
	now := n.clock.Now()
	var due []*pendingPacket
	for n.queue.Len() > 0 && n.queue[0].deliverAt <= now {
		due = append(due, heap.Pop(&n.queue).(*pendingPacket))
	}
	callbacks := make([]DeliverFunc, 0, len(due))
	pkts := make([]Packet, 0, len(due))
	for _, p := range due {
		cb, ok := n.callbacks[p.pkt.Target]
		if !ok || !n.online[p.pkt.Target] {
			n.dropped++
			n.linkStats(n.linkKey(p.pkt.Source, p.pkt.Target)).Dropped++
			n.metricDropped.Inc()
			continue
		}
		n.delivered++
		n.linkStats(n.linkKey(p.pkt.Source, p.pkt.Target)).Delivered++
		n.metricDelivered.Inc()
		callbacks = append(callbacks, cb)
		pkts = append(pkts, p.pkt)
	}
	n.mu.Unlock()

	for i, cb := range callbacks {
		cb(pkts[i])
	}
}
