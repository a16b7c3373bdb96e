// Package events provides the in-process fan-out used to funnel broker
// frames from the transport's I/O goroutine onto each agent's single
// dispatch loop (spec §9, "Global STOMP listener callback"). It is a
// pub/sub bus with backpressure control and a priority lane for frames
// that must never be dropped (control-queue commands).
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is the interface every dispatched frame satisfies.
type Event interface {
	EventType() string
	Timestamp() time.Time
	Namespace() string
}

// BaseEvent provides the common fields of a dispatched frame.
type BaseEvent struct {
	Type string    `json:"type"`
	Time time.Time `json:"timestamp"`
	NS   string    `json:"namespace"`
}

func (e BaseEvent) EventType() string    { return e.Type }
func (e BaseEvent) Timestamp() time.Time { return e.Time }
func (e BaseEvent) Namespace() string    { return e.NS }

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType, namespace string) BaseEvent {
	return BaseEvent{Type: eventType, Time: time.Now(), NS: namespace}
}

// Subscriber represents an event subscription.
type Subscriber struct {
	ch        chan Event
	types     map[string]bool // Empty means all types
	namespace string          // Empty means no namespace filtering (receives all)
	priority  bool
}

// EventBus provides pub/sub with backpressure control.
type EventBus struct {
	mu           sync.RWMutex
	subscribers  []*Subscriber
	prioritySubs []*Subscriber
	bufferSize   int
	droppedCount int64
	closed       bool
}

// New creates a new EventBus with the specified buffer size.
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &EventBus{
		subscribers:  make([]*Subscriber, 0),
		prioritySubs: make([]*Subscriber, 0),
		bufferSize:   bufferSize,
	}
}

// Subscribe creates a subscription for specific event types.
// If no types are specified, subscribes to all events.
func (eb *EventBus) Subscribe(types ...string) <-chan Event {
	return eb.SubscribeForNamespace("", types...)
}

// SubscribeForNamespace creates a subscription filtered to a specific
// namespace. If namespace is empty, all events are received.
func (eb *EventBus) SubscribeForNamespace(namespace string, types ...string) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:        make(chan Event, eb.bufferSize),
		types:     make(map[string]bool),
		namespace: namespace,
		priority:  false,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	eb.subscribers = append(eb.subscribers, sub)
	return sub.ch
}

// SubscribePriority creates a priority subscription that never drops events.
// Use for control-queue commands (run_workflow, stop_workflow) that must
// reach the agent's dispatch loop even under load.
func (eb *EventBus) SubscribePriority() <-chan Event {
	return eb.SubscribeForNamespaceWithPriority("")
}

// SubscribeForNamespaceWithPriority creates a priority subscription
// filtered by namespace. If namespace is empty, all events are received.
func (eb *EventBus) SubscribeForNamespaceWithPriority(namespace string, types ...string) <-chan Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	sub := &Subscriber{
		ch:        make(chan Event, 50), // Smaller buffer, blocking send
		types:     make(map[string]bool),
		namespace: namespace,
		priority:  true,
	}
	for _, t := range types {
		sub.types[t] = true
	}
	eb.prioritySubs = append(eb.prioritySubs, sub)
	return sub.ch
}

// Unsubscribe removes a subscription.
func (eb *EventBus) Unsubscribe(ch <-chan Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers = removeSubscriber(eb.subscribers, ch)
	eb.prioritySubs = removeSubscriber(eb.prioritySubs, ch)
}

func removeSubscriber(subs []*Subscriber, ch <-chan Event) []*Subscriber {
	result := make([]*Subscriber, 0, len(subs))
	for _, sub := range subs {
		if sub.ch != ch {
			result = append(result, sub)
		} else {
			close(sub.ch)
		}
	}
	return result
}

// Publish sends an event to all matching regular subscribers. A full
// subscriber buffer drops the oldest queued event (ring-buffer behavior)
// rather than blocking the publisher — appropriate for best-effort
// broadcasts like stf_gen.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	eventType := event.EventType()
	namespace := event.Namespace()

	for _, sub := range eb.subscribers {
		if !eb.shouldDeliver(sub, eventType, namespace) {
			continue
		}
		eb.deliverWithRingBuffer(sub, event)
	}
}

func (eb *EventBus) shouldDeliver(sub *Subscriber, eventType, namespace string) bool {
	if sub.namespace != "" && namespace != sub.namespace {
		return false
	}
	if len(sub.types) > 0 && !sub.types[eventType] {
		return false
	}
	return true
}

func (eb *EventBus) deliverWithRingBuffer(sub *Subscriber, event Event) {
	select {
	case sub.ch <- event:
	default:
		select {
		case <-sub.ch:
			atomic.AddInt64(&eb.droppedCount, 1)
		default:
		}
		select {
		case sub.ch <- event:
		default:
			atomic.AddInt64(&eb.droppedCount, 1)
		}
	}
}

// PublishPriority sends an event to regular subscribers (ring-buffer) and
// to priority subscribers (blocking, never dropped).
func (eb *EventBus) PublishPriority(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}

	eventType := event.EventType()
	namespace := event.Namespace()

	for _, sub := range eb.subscribers {
		if !eb.shouldDeliver(sub, eventType, namespace) {
			continue
		}
		eb.deliverWithRingBuffer(sub, event)
	}

	for _, sub := range eb.prioritySubs {
		if !eb.shouldDeliver(sub, eventType, namespace) {
			continue
		}
		sub.ch <- event
	}
}

// MessageEvent wraps one decoded broker frame for delivery through the
// bus. Destination and Body carry what agent.dispatch needs to look up a
// handler and rebuild a Frame; the embedded BaseEvent carries the
// msg_type/namespace the bus itself filters on.
type MessageEvent struct {
	BaseEvent
	Destination string
	Body        []byte
}

// NewMessageEvent wraps a broker frame already decoded enough to know its
// msg_type and namespace, ready for Publish or PublishPriority.
func NewMessageEvent(destination, msgType, namespace string, body []byte) MessageEvent {
	return MessageEvent{
		BaseEvent:   NewBaseEvent(msgType, namespace),
		Destination: destination,
		Body:        body,
	}
}

// DroppedCount returns the total number of dropped events.
func (eb *EventBus) DroppedCount() int64 {
	return atomic.LoadInt64(&eb.droppedCount)
}

// Close closes the event bus and all subscriber channels.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true

	for _, sub := range eb.subscribers {
		close(sub.ch)
	}
	for _, sub := range eb.prioritySubs {
		close(sub.ch)
	}
	eb.subscribers = nil
	eb.prioritySubs = nil
}
