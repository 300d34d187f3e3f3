package network_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hoshizora-labs/syncmesh/internal/network"
)

type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64   { return c.t }
func (c *fakeClock) Advance(d int64) { c.t += d }

// fixedRand implements network.RandSource with a deterministic repeating
// sequence, avoiding math/rand's global source.
type fixedRand struct {
	seq []float64
	i   int
}

func (r *fixedRand) Float64() float64 {
	v := r.seq[r.i%len(r.seq)]
	r.i++
	return v
}

func TestSendDeliversAfterLatency(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.9, 0.5, 0.5}} // above loss rate, mid-range latency
	cfg := network.SimConfig{PacketLossRate: 0.1, MinLatencyMS: 10, MaxLatencyMS: 30, MTUBytes: 1200}
	n := network.NewSimNetwork(clock, rnd, cfg, nil)

	var got *network.Packet
	n.OnDeliver("b", func(pkt network.Packet) { p := pkt; got = &p })
	n.SetOnline("a", true)
	n.SetOnline("b", true)

	require.NoError(t, n.Send(context.Background(), "a", "b", network.KindSummary, []byte("hi")))
	n.Tick()
	require.Nil(t, got, "must not deliver before latency elapses")

	clock.Advance(25)
	n.Tick()
	require.NotNil(t, got)
	require.Equal(t, "a", got.Source)
	require.Equal(t, []byte("hi"), got.Payload)
}

func TestPacketLossDropsDeterministically(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.01}} // below loss rate: always dropped
	cfg := network.SimConfig{PacketLossRate: 0.5, MinLatencyMS: 1, MaxLatencyMS: 1, MTUBytes: 1200}
	n := network.NewSimNetwork(clock, rnd, cfg, nil)

	delivered := false
	n.OnDeliver("b", func(network.Packet) { delivered = true })
	n.SetOnline("a", true)
	n.SetOnline("b", true)

	require.NoError(t, n.Send(context.Background(), "a", "b", network.KindSummary, []byte("x")))
	clock.Advance(10)
	n.Tick()
	require.False(t, delivered)

	stats := n.Stats()
	require.Equal(t, uint64(1), stats.Sent)
	require.Equal(t, uint64(1), stats.Dropped)
}

func TestOfflineDropsPackets(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.99}}
	n := network.NewSimNetwork(clock, rnd, network.DefaultSimConfig(), nil)

	n.OnDeliver("b", func(network.Packet) { t.Fatal("must not deliver to offline device") })
	n.SetOnline("a", true)
	n.SetOnline("b", false)

	require.NoError(t, n.Send(context.Background(), "a", "b", network.KindSummary, []byte("x")))
	clock.Advance(1000)
	n.Tick()

	stats := n.Stats()
	require.Equal(t, uint64(1), stats.Dropped)
}

func TestMTUExceededErrorsAtSendTime(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.99}}
	cfg := network.DefaultSimConfig()
	cfg.MTUBytes = 4
	n := network.NewSimNetwork(clock, rnd, cfg, nil)

	err := n.Send(context.Background(), "a", "b", network.KindEvent, []byte("too big"))
	require.Error(t, err)
}

func TestBroadcastReachesAllKnownPeersExceptSource(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.99, 0.2}}
	n := network.NewSimNetwork(clock, rnd, network.DefaultSimConfig(), nil)

	delivered := map[string]bool{}
	n.OnDeliver("a", func(network.Packet) { delivered["a"] = true })
	n.OnDeliver("b", func(network.Packet) { delivered["b"] = true })
	n.OnDeliver("c", func(network.Packet) { delivered["c"] = true })
	n.SetOnline("a", true)
	n.SetOnline("b", true)
	n.SetOnline("c", true)

	require.NoError(t, n.Broadcast(context.Background(), "a", network.KindSummary, []byte("hi")))
	clock.Advance(1000)
	n.Tick()

	require.False(t, delivered["a"])
	require.True(t, delivered["b"])
	require.True(t, delivered["c"])
}

func TestDeliveryOrderByDeliverAtThenInsertion(t *testing.T) {
	clock := &fakeClock{}
	rnd := &fixedRand{seq: []float64{0.99, 1.0, 0.99, 0.0}} // each send draws loss, latency, jitter: first pkt gets 20ms, second (draws wrap to 0.99) gets 19ms
	cfg := network.SimConfig{PacketLossRate: 0, MinLatencyMS: 10, MaxLatencyMS: 20, MTUBytes: 1200}
	n := network.NewSimNetwork(clock, rnd, cfg, nil)

	var order []string
	n.OnDeliver("b", func(pkt network.Packet) { order = append(order, string(pkt.Payload)) })
	n.SetOnline("a", true)
	n.SetOnline("b", true)

	require.NoError(t, n.Send(context.Background(), "a", "b", network.KindSummary, []byte("first")))
	require.NoError(t, n.Send(context.Background(), "a", "b", network.KindSummary, []byte("second")))

	clock.Advance(30)
	n.Tick()
	require.Equal(t, []string{"second", "first"}, order)
}
