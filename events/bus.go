package events

import (
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var busLog = commonlog.GetLogger("events")

// subscription is one registered listener on the bus.
type subscription struct {
	id      uint64
	pattern string
	ch      chan *UniversalEvent
}

// Bus is an in-process publish/subscribe event bus. Subscribers declare
// an event-type pattern; a trailing "*" matches any suffix ("debug.*").
// Delivery is non-blocking: a subscriber whose channel is full loses the
// event (same policy as the VM debugger's event channel).
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener for event types matching pattern and
// returns the delivery channel plus a cancel function. The channel is
// closed when the subscription is cancelled or the bus shuts down.
func (b *Bus) Subscribe(pattern string, buffer int) (<-chan *UniversalEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription{
		id:      b.nextID,
		pattern: pattern,
		ch:      make(chan *UniversalEvent, buffer),
	}
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs = append(b.subs, sub)

	id := sub.id
	return sub.ch, func() { b.unsubscribe(id) }
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the event to every matching subscriber. Events whose
// TTL already elapsed are dropped here, before any delivery.
func (b *Bus) Publish(event *UniversalEvent) {
	if event.Expired(time.Now()) {
		busLog.Debugf("dropping expired event %s (%s)", event.ID, event.EventType)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !matchPattern(sub.pattern, event.EventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			busLog.Debugf("subscriber %d full, dropping event %s", sub.id, event.EventType)
		}
	}
}

// Emit constructs an event and publishes it in one step.
func (b *Bus) Emit(eventType string, data any, lang Language) *UniversalEvent {
	event := New(eventType, data, lang)
	b.Publish(event)
	return event
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		close(sub.ch)
	}
	b.subs = nil
}

// matchPattern reports whether the event type matches a subscription
// pattern. "*" matches everything; "prefix.*" matches any type with
// that prefix; anything else is an exact match.
func matchPattern(pattern, eventType string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == eventType
}
