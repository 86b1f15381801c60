// Package events fans connection state changes out to interested consumers.
//
// Protocol listeners publish an Event whenever a bot, client or the helper
// bot connects or disconnects. The admin websocket hub and the InfluxDB
// recorder subscribe. Publishing never blocks: a subscriber whose buffer is
// full misses the event and the drop is counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Protocol names carried in Event.Protocol.
const (
	ProtocolMQTT = "mqtt"
	ProtocolXMPP = "xmpp"
)

// Peer kinds carried in Event.Kind.
const (
	KindBot       = "bot"
	KindClient    = "client"
	KindHelperBot = "helperbot"
)

// defaultBuffer is the per-subscriber channel size when none is requested.
const defaultBuffer = 64

// Event is a single connect or disconnect.
type Event struct {
	Time      time.Time `json:"time"`
	Protocol  string    `json:"protocol"`
	Kind      string    `json:"kind"`
	ID        string    `json:"id"`
	UserID    string    `json:"userid,omitempty"`
	Realm     string    `json:"realm,omitempty"`
	Connected bool      `json:"connected"`
	Remote    string    `json:"remote,omitempty"`
}

// Publisher is implemented by Bus. Listeners depend on this interface.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-process, non-blocking event fan-out.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
}

type subscriber struct {
	ch     chan Event
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
// A zero Time is stamped with time.Now.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber and returns its channel and a cancel
// function. Cancel closes the channel; it is safe to call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s.closed {
			return
		}
		s.closed = true
		delete(b.subs, s)
		close(s.ch)
	}
	return s.ch, cancel
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
