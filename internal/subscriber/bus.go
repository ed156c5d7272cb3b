// internal/subscriber/bus.go
package subscriber

import (
	"sync"
	"time"

	"nodemesh/internal/node"
	"nodemesh/internal/proto"
)

// subQueueSize bounds each subscriber's event channel. A slow subscriber
// loses deltas (dropped, counted) rather than backpressuring the Engine —
// the observer push channel is an external collaborator, not part of the
// actor graph's ordering guarantees.
const subQueueSize = 256

// ViewRecord is one row of the full snapshot: the latest committed
// telemetry for a NodeId plus whether Transport currently holds a live
// verified connection to it.
type ViewRecord struct {
	NodeID      node.NodeID
	Payload     proto.TelemetryPayload
	LastUpdated time.Time
	Connected   bool
}

// Delta is the incremental form of a SnapshotUpdate: sets of NodeIds that
// changed since the last event delivered to this subscriber.
// ConnectionStatusChanged carries NodeIds whose Connected bit flipped,
// independent of whether their telemetry also changed this tick.
type Delta struct {
	Added                   []node.NodeID
	Updated                 []node.NodeID
	Removed                 []node.NodeID
	ConnectionStatusChanged []node.NodeID
}

func (d Delta) empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 && len(d.ConnectionStatusChanged) == 0
}

// Event is what a subscriber receives: exactly one Snapshot as the first
// event after Subscribe, then a stream of Deltas.
type Event struct {
	Snapshot *Snapshot
	Delta    *Delta
}

type Snapshot struct {
	GeneratedAt time.Time
	Records     []ViewRecord
}

// SnapshotFunc produces the current full view. It must not block on
// network I/O; Engine/Transport state reads should already be
// lock-protected and cheap. Subscribe calls it with the Bus's lock held,
// so it must not call back into the Bus.
type SnapshotFunc func() []ViewRecord

// Bus is the Subscriber actor: it fans SnapshotUpdate events out to every
// registered observer, giving each a full snapshot on subscribe and
// deltas thereafter.
type Bus struct {
	mu         sync.Mutex
	snapshotFn SnapshotFunc
	subs       map[int]chan Event
	nextID     int
	closed     bool

	droppedDeltas uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// SetSnapshotFn wires the snapshot provider once Engine and Transport are
// both constructed. Subscribes that race ahead of this call receive an
// empty initial snapshot rather than blocking.
func (b *Bus) SetSnapshotFn(fn SnapshotFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshotFn = fn
}

// Subscribe registers a new observer, delivering an immediate full
// snapshot before returning. cancel unregisters and closes the channel.
func (b *Bus) Subscribe() (ch <-chan Event, cancel func()) {
	// The snapshot is queued before the channel is registered, both under
	// the lock, so no concurrent Publish can put a delta ahead of it.
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	c := make(chan Event, subQueueSize)
	var records []ViewRecord
	if b.snapshotFn != nil {
		records = b.snapshotFn()
	}
	c <- Event{Snapshot: &Snapshot{GeneratedAt: time.Now().UTC(), Records: records}}
	if !b.closed {
		b.subs[id] = c
	}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish fans d out to every live subscriber. A subscriber whose queue
// is full drops the delta — the counter is exposed via DroppedDeltas for
// the metrics layer to surface, not retried.
func (b *Bus) Publish(d Delta) {
	if d.empty() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.subs {
		select {
		case c <- Event{Delta: &d}:
		default:
			b.droppedDeltas++
		}
	}
}

func (b *Bus) DroppedDeltas() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedDeltas
}

// Close shuts the bus down, closing every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, c := range b.subs {
		delete(b.subs, id)
		close(c)
	}
}
