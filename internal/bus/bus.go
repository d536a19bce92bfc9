// Package bus is the in-process pub/sub seam between the agent core and
// the gateway. The core publishes chunk and progress events here; the
// gateway subscribes per session and fans them out to connected clients.
package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Session-scoped topics. The session id is appended as the final
// segment, e.g. "session.chunk.<session_id>".
const (
	TopicSessionChunk   = "session.chunk."
	TopicSessionEvent   = "session.event."
	TopicSessionCreated = "session.created"
)

// Approval topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
)

// Process-level topics.
const (
	TopicSystemShutdown       = "system.shutdown"
	TopicSystemConfigReloaded = "system.config_reloaded"
)

// ChunkEvent carries one streamed reply chunk from the agent core.
// Content is the full text produced so far for ReplyTo.
type ChunkEvent struct {
	SessionID string
	ReplyTo   string
	Content   string
	Done      bool
}

// ProgressEvent carries a tool-executor notification relayed verbatim
// to clients as an EVENT message.
type ProgressEvent struct {
	SessionID string
	Event     string
	Payload   map[string]any
}

// ApprovalEvent is published when an approval request is created or
// resolved.
type ApprovalEvent struct {
	RequestID   string
	SessionID   string
	ToolName    string
	Description string
	Params      map[string]any
	Status      string
	Reason      string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix
// matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. The returned channel has a
// buffer of 100 events; slow consumers miss events (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Delivery is
// non-blocking: if a subscriber's buffer is full, the event is dropped
// for that subscriber.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			select {
			case sub.ch <- event:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
