// Package simulation implements the discrete-event core: a
// single-threaded, deterministic simulator driving virtual time, network
// delivery, per-device sync steps, and per-device message generators.
// Built in a small-struct, explicit-constructor idiom with no
// package-level singleton state.
package simulation

import (
	"container/heap"
	"math"
	"sort"
)

// NetworkTicker is satisfied by internal/network.SimNetwork: the
// simulator fires it once per tick, after due queued events have run.
type NetworkTicker interface {
	Tick()
}

type deviceStep struct {
	deviceID   string
	intervalMS int64
	next       int64
	fn         func(now int64)
}

type generator struct {
	deviceID        string
	messagesPerHour float64
	attachmentRate  float64 // percent, 0-100
}

// Simulator drives virtual time forward, dispatching queued events,
// the network tick, and due per-device sync steps in that fixed order
// on every tick(dt) call.
type Simulator struct {
	clock *Clock
	rand  *Rand

	queue eventHeap
	seq   uint64

	replayMode bool

	network     NetworkTicker
	deviceSteps []*deviceStep
	generators  []*generator

	onCreateMessage func(deviceID string, attachment bool)

	log []ScheduledEvent // scenario log appended to by Record
}

// New builds a Simulator seeded with rand and backed by clock. Pass the
// same clock to internal/network.NewSimNetwork so both share virtual
// time.
func New(clock *Clock, rnd *Rand) *Simulator {
	return &Simulator{clock: clock, rand: rnd}
}

// Clock returns the shared virtual clock.
func (s *Simulator) Clock() *Clock { return s.clock }

// Rand returns the shared deterministic source.
func (s *Simulator) Rand() *Rand { return s.rand }

// SetReplayMode freezes nonce generation to a PRNG-derived stream
// elsewhere (internal/codec.ReplayNonceSource); the simulator itself
// only remembers the flag so scenario runners can branch on it.
func (s *Simulator) SetReplayMode(on bool) { s.replayMode = on }

// ReplayMode reports whether replay mode is active.
func (s *Simulator) ReplayMode() bool { return s.replayMode }

// SetNetwork registers the network tick hook, fired once per Tick call
// after due queued events have executed.
func (s *Simulator) SetNetwork(n NetworkTicker) { s.network = n }

// OnCreateMessage registers the callback fired when a generator draws a
// new message arrival.
func (s *Simulator) OnCreateMessage(fn func(deviceID string, attachment bool)) {
	s.onCreateMessage = fn
}

// RegisterDeviceStep schedules fn to run at most once every intervalMS
// of virtual time, starting at the current clock value.
func (s *Simulator) RegisterDeviceStep(deviceID string, intervalMS int64, fn func(now int64)) {
	s.deviceSteps = append(s.deviceSteps, &deviceStep{
		deviceID:   deviceID,
		intervalMS: intervalMS,
		next:       s.clock.Now(),
		fn:         fn,
	})
}

// AddGenerator configures a per-device message generator: inter-arrival
// gaps are drawn from an exponential distribution with mean
// 3600/messagesPerHour seconds, attachments added with probability
// attachmentRatePercent/100.
func (s *Simulator) AddGenerator(deviceID string, messagesPerHour, attachmentRatePercent float64) {
	g := &generator{deviceID: deviceID, messagesPerHour: messagesPerHour, attachmentRate: attachmentRatePercent}
	s.generators = append(s.generators, g)
	s.scheduleNextArrival(g)
}

func (s *Simulator) scheduleNextArrival(g *generator) {
	if g.messagesPerHour <= 0 {
		return
	}
	meanMS := (3600.0 / g.messagesPerHour) * 1000.0
	gapMS := int64(math.Round(s.rand.ExpFloat64() * meanMS))
	s.push(&ScheduledEvent{
		FireAt:     s.clock.Now() + gapMS,
		DeviceID:   g.deviceID,
		Kind:       EventCreateMessage,
		Attachment: s.rand.Float64()*100 < g.attachmentRate,
	})
}

func (s *Simulator) push(ev *ScheduledEvent) {
	s.seq++
	ev.seq = s.seq
	heap.Push(&s.queue, ev)
}

// Schedule enqueues an arbitrary custom event, e.g. a scenario toggling a
// device's online state at a fixed point in virtual time.
func (s *Simulator) Schedule(fireAt int64, deviceID string, handler func(now int64)) {
	s.push(&ScheduledEvent{FireAt: fireAt, DeviceID: deviceID, Kind: EventCustom, Handler: handler})
}

// LoadTimeline seeds the initial queue from a pre-built scenario; events
// become due in fire_at order regardless of the slice's input order.
func (s *Simulator) LoadTimeline(events []ScheduledEvent) {
	for _, ev := range events {
		e := ev
		s.push(&e)
	}
}

// Tick advances T by dt, executes every queued event with fire_at <= T
// in fire_at order, fires the network tick, then runs every device step
// whose interval has elapsed.
func (s *Simulator) Tick(dt int64) {
	s.clock.advance(dt)
	now := s.clock.Now()

	for s.queue.Len() > 0 && s.queue[0].FireAt <= now {
		ev := heap.Pop(&s.queue).(*ScheduledEvent)
		s.log = append(s.log, *ev)
		s.execute(ev)
	}

	if s.network != nil {
		s.network.Tick()
	}

	for _, step := range s.deviceSteps {
		if now >= step.next {
			step.fn(now)
			step.next = now + step.intervalMS
		}
	}
}

func (s *Simulator) execute(ev *ScheduledEvent) {
	switch ev.Kind {
	case EventCreateMessage:
		if s.onCreateMessage != nil {
			s.onCreateMessage(ev.DeviceID, ev.Attachment)
		}
		for _, g := range s.generators {
			if g.deviceID == ev.DeviceID {
				s.scheduleNextArrival(g)
				break
			}
		}
	case EventCustom:
		if ev.Handler != nil {
			ev.Handler(ev.FireAt)
		}
	}
}

// Record appends an externally-observed event to the scenario log,
// independent of the pending queue.
func (s *Simulator) Record(ev ScheduledEvent) {
	s.log = append(s.log, ev)
}

// ExportTimeline dumps the current pending queue, sorted by fire_at, for
// inspection or re-loading into a fresh Simulator.
func (s *Simulator) ExportTimeline() []ScheduledEvent {
	out := make([]ScheduledEvent, len(s.queue))
	for i, ev := range s.queue {
		out[i] = *ev
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FireAt != out[j].FireAt {
			return out[i].FireAt < out[j].FireAt
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Log returns the scenario log accumulated by Tick and Record, in
// execution order.
func (s *Simulator) Log() []ScheduledEvent {
	out := make([]ScheduledEvent, len(s.log))
	copy(out, s.log)
	return out
}

// Reset returns T to 0 and clears all pending events, generators, device
// steps, and the scenario log. The network hook and replay flag are left
// untouched; callers that also reset a SimNetwork must do so themselves.
func (s *Simulator) Reset() {
	s.clock.reset()
	s.queue = nil
	s.seq = 0
	s.deviceSteps = nil
	s.generators = nil
	s.log = nil
}
