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

// Approval lifecycle topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResponse  = "approval.response"
	TopicApprovalConsumed  = "approval.consumed"
	TopicApprovalExpired   = "approval.expired"
)

// Token lifecycle topics.
const (
	TopicTokenIssued   = "token.issued"
	TopicTokenReplayed = "token.replayed"
	TopicScopeRotated  = "scope.rotated"
)

// ApprovalRequested is published when a pending approval is created and an
// operator prompt should be delivered.
type ApprovalRequested struct {
	Nonce     string
	RequestID string
	ChatID    int64
	Service   string
	Action    string
	Body      string
	ExpiresAt int64 // unix ms
}

// ApprovalResponse is published by a channel when the operator replies.
type ApprovalResponse struct {
	Nonce  string
	ChatID int64
	Action string // "approve" or "deny"
	Code   string // 6-digit TOTP code when supplied
	Via    string // channel name, e.g. "telegram"
}

// ApprovalResolved is published after a pending approval is consumed or denied.
type ApprovalResolved struct {
	Nonce     string
	ChatID    int64
	RequestID string
	Outcome   string // "consumed", "denied", "expired"
}

// ScopeRotation is published when a session-token scope rotates.
type ScopeRotation struct {
	Scope      string
	RotationID string
	SessionID  string
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

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
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

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss
// events (non-blocking send).
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

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
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
