package simulation

// EventKind distinguishes scheduled event payloads.
type EventKind string

const (
	// EventCreateMessage is drawn by a per-device generator and asks the
	// device facade to author a new message.
	EventCreateMessage EventKind = "create_message"

	// EventCustom carries a caller-supplied handler, for scenario files
	// that schedule arbitrary actions (e.g. toggling online state).
	EventCustom EventKind = "custom"
)

// ScheduledEvent is one entry in the simulator's priority queue.
type ScheduledEvent struct {
	FireAt     int64
	DeviceID   string
	Kind       EventKind
	Attachment bool
	Handler    func(now int64) // only set for EventCustom

	seq uint64 // insertion-order tiebreak, assigned by the simulator
}

type eventHeap []*ScheduledEvent

func (h eventHeap) Len() int { return len(h) }
func (h eventHeap) Less(i, j int) bool {
	if h[i].FireAt != h[j].FireAt {
		return h[i].FireAt < h[j].FireAt
	}
	return h[i].seq < h[j].seq
}
func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *eventHeap) Push(x any)   { *h = append(*h, x.(*ScheduledEvent)) }
func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
