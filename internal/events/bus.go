// Package events provides a publish/subscribe event bus for relay
// observability. Components (connection handler, liveness monitor,
// dispatcher, title worker) publish; the operator WebSocket feed and the
// MQTT publisher subscribe. The bus is nil-safe: calling Publish or Emit
// on a nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Publishing components.
const (
	SourceRelay    = "relay"    // connection handler
	SourceLiveness = "liveness" // ping/pong monitor
	SourceDispatch = "dispatch" // mode dispatcher
	SourceTitle    = "title"    // title worker
)

// Kind constants describe the type of event within a source.
const (
	// KindConnectionOpened signals a registered connection.
	// Data: conn_id, remote_addr, open_connections.
	KindConnectionOpened = "connection_opened"
	// KindConnectionClosed signals a connection closed by its peer or
	// by shutdown. Data: conn_id, open_connections.
	KindConnectionClosed = "connection_closed"
	// KindConnectionReaped signals a connection closed for missing a
	// liveness probe. Data: conn_id, open_connections.
	KindConnectionReaped = "connection_reaped"

	// KindMessageReceived signals an inbound message was accepted for
	// dispatch. Data: conn_id, mode, session_id, prompt_len.
	KindMessageReceived = "message_received"
	// KindGenerationDone signals a successful generation.
	// Data: conn_id, mode, session_id, model, elapsed_ms, reply_len.
	KindGenerationDone = "generation_done"
	// KindGenerationFailed signals a failed generation or input error.
	// Data: conn_id, mode, session_id, error.
	KindGenerationFailed = "generation_failed"

	// KindTitleAssigned signals a session received its title.
	// Data: session_id, title.
	KindTitleAssigned = "title_assigned"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a slow subscriber misses events rather than
// blocking the relay.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription

	dropped atomic.Uint64
}

type subscription struct {
	ch      chan Event
	sources map[string]bool // nil accepts every source
}

func (s *subscription) wants(source string) bool {
	return s.sources == nil || s.sources[source]
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber. A zero Timestamp
// is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Source) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events. With sources given,
// only events from those sources are delivered. The caller must
// eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	if len(sources) > 0 {
		sub.sources = make(map[string]bool, len(sources))
		for _, src := range sources {
			sub.sources[src] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Sources lists every known source name.
func Sources() []string {
	return []string{SourceRelay, SourceLiveness, SourceDispatch, SourceTitle}
}
