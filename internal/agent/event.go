package agent

import (
	"maps"
	"slices"
	"sync"

	"github.com/autopeer-io/tacs/internal/pkg/metrics"
)

// Event names on the HTTP, websocket and MQTT surfaces.
const (
	EventBluetoothStateChanged  = "bluetoothStateChanged"
	EventDiscoveryStateChanged  = "discoveryStateChanged"
	EventConnectionStateChanged = "connectionStateChanged"
	EventDoorStatusChanged      = "doorStatusChanged"
	EventIgnitionStatusChanged  = "ignitionStatusChanged"
	EventTelematicsDataChanged  = "telematicsDataChanged"
	EventLocationChanged        = "locationChanged"
	EventKeyholderStatusChanged = "keyholderStatusChanged"
)

// Event is one state change reported to operators.
type Event struct {
	Name       string         `json:"name"`
	VehicleRef string         `json:"vehicleRef,omitempty"`
	State      string         `json:"state"`
	Message    string         `json:"message,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers and remembers the latest event per name.
// Publish never blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	buffer int

	mu   sync.RWMutex
	next uint64
	subs map[uint64]chan Event
	last map[string]Event
}

func NewBus(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		buffer: buffer,
		subs:   map[uint64]chan Event{},
		last:   map[string]Event{},
	}
}

func (b *Bus) Publish(e Event) {
	metrics.AgentEvents.WithLabelValues(e.Name).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.last[e.Name] = e
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			metrics.AgentEventsDropped.Inc()
		}
	}
}

// Subscribe returns a channel receiving every event published from now on and
// a func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Snapshot returns the latest event of every name, sorted by name.
func (b *Bus) Snapshot() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, 0, len(b.last))
	for _, name := range slices.Sorted(maps.Keys(b.last)) {
		out = append(out, b.last[name])
	}
	return out
}
