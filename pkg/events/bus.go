// Package events implements Component I, the Progress Event Bus: an
// in-process, per-user multi-subscriber broadcast of spawn/delete
// progress. It persists nothing across restarts; spec.md §6 "Persistent
// state: None" applies here as everywhere else.
package events

import (
	"sync"
	"time"
)

// EventKind names the progress event's semantic step, not its wire
// encoding — the API layer is responsible for SSE framing.
type EventKind string

const (
	KindInfo     EventKind = "info"
	KindProgress EventKind = "progress"
	KindComplete EventKind = "complete"
	KindError    EventKind = "error"
	KindShutdown EventKind = "shutdown" // supplemented sentinel, see SPEC_FULL.md
)

// Event is one entry on a user's progress stream.
type Event struct {
	ID        uint64
	Kind      EventKind
	Message   string
	Progress  int // 0-100, meaningful only for KindProgress
	Timestamp time.Time
}

const defaultBufferSize = 1000
const defaultPendingLimit = 32

// Bus owns one user's ring buffer and live subscriber set. The zero value
// is not usable; construct with NewBus.
type Bus struct {
	mu          sync.Mutex
	buffer      []Event
	bufferSize  int
	nextID      uint64
	subscribers map[uint64]chan Event
	nextSubID   uint64
	closed      bool
}

// NewBus constructs a Bus with the given ring-buffer capacity (0 uses the
// spec's documented default of 1000).
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Bus{
		bufferSize:  bufferSize,
		subscribers: make(map[uint64]chan Event),
	}
}

// Publish appends ev to the ring buffer and fans it out non-blockingly to
// every live subscriber. A subscriber whose channel is full is dropped —
// per spec.md §4.I this is a documented failure mode, not an error: the
// client must reconnect and replay via Last-Event-ID.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev
	}
	b.nextID++
	ev.ID = b.nextID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.buffer = append(b.buffer, ev)
	if len(b.buffer) > b.bufferSize {
		b.buffer = b.buffer[len(b.buffer)-b.bufferSize:]
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.subscribers, id)
		}
	}
	return ev
}

// Subscription is a live handle returned by Subscribe. Events arrives
// buffered-then-live; Unsubscribe must be called when the caller is done
// to release the channel slot.
type Subscription struct {
	Events <-chan Event
	bus    *Bus
	id     uint64
}

// Unsubscribe removes the subscription from the fan-out set. Safe to
// call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if ch, ok := s.bus.subscribers[s.id]; ok {
		close(ch)
		delete(s.bus.subscribers, s.id)
	}
}

// Subscribe returns a Subscription whose channel is prepopulated with
// every buffered event with ID > afterID (afterID == 0 replays the whole
// buffer), then continues to receive live events. Per spec.md §4.I, the
// returned channel has bounded capacity; a subscriber that does not keep
// up gets dropped (channel closed) rather than stalling publishers.
func (b *Bus) Subscribe(afterID uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, defaultPendingLimit)
	for _, ev := range b.buffer {
		if ev.ID <= afterID {
			continue
		}
		select {
		case ch <- ev:
		default:
			// Buffer replay alone overflowed the channel: the caller asked
			// to resume from too far back. The newer events that do not fit
			// are dropped silently; the client gets the oldest pending
			// events in order and can resume from the last one it saw.
		}
	}
	if b.closed {
		close(ch)
		return &Subscription{Events: ch, bus: b, id: 0}
	}

	b.nextSubID++
	id := b.nextSubID
	b.subscribers[id] = ch
	return &Subscription{Events: ch, bus: b, id: id}
}

// Close publishes a shutdown sentinel event and closes every live
// subscriber channel. Called when the user is fully absent and no events
// remain, or on server shutdown (spec.md §4.I).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.nextID++
	sentinel := Event{ID: b.nextID, Kind: KindShutdown, Timestamp: time.Now()}
	b.buffer = append(b.buffer, sentinel)
	for id, ch := range b.subscribers {
		select {
		case ch <- sentinel:
		default:
		}
		close(ch)
		delete(b.subscribers, id)
	}
	b.closed = true
}

// SubscriberCount reports the number of currently live subscribers,
// exposed for metrics and tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Registry owns one Bus per username, guarded by a single top-level
// mutex for insert/remove (spec.md §5 "Shared resources").
type Registry struct {
	mu         sync.Mutex
	buses      map[string]*Bus
	bufferSize int
}

// NewRegistry constructs an empty Registry; bufferSize configures every
// Bus it creates (0 uses the default).
func NewRegistry(bufferSize int) *Registry {
	return &Registry{buses: make(map[string]*Bus), bufferSize: bufferSize}
}

// BusFor returns the Bus for user, creating one on first use. The
// returned Bus is stable for the user's lifetime in the registry.
func (r *Registry) BusFor(user string) *Bus {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buses[user]
	if !ok {
		b = NewBus(r.bufferSize)
		r.buses[user] = b
	}
	return b
}

// Remove closes and forgets user's Bus, called once the user's lab is
// fully absent and no events remain pending delivery.
func (r *Registry) Remove(user string) {
	r.mu.Lock()
	b, ok := r.buses[user]
	delete(r.buses, user)
	r.mu.Unlock()
	if ok {
		b.Close()
	}
}

// CloseAll closes every live Bus, used on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	buses := make([]*Bus, 0, len(r.buses))
	for _, b := range r.buses {
		buses = append(buses, b)
	}
	r.buses = make(map[string]*Bus)
	r.mu.Unlock()
	for _, b := range buses {
		b.Close()
	}
}
