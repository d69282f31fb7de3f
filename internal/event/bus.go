package event

import (
	"context"
	"sync"
	"time"
)

// Types of domain events published by the core.
const (
	TypeRoleAssigned    = "role.assigned"
	TypeRoleRevoked     = "role.revoked"
	TypeSessionCreated  = "session.created"
	TypeSessionRevoked  = "session.revoked"
	TypeSessionFlagged  = "session.flagged"
	TypeMFAEnabled      = "mfa.enabled"
	TypeMFADisabled     = "mfa.disabled"
	TypeAccountLocked   = "account.locked"
	TypeAccountVerified = "account.verified"
)

// Event is a lightweight domain event emitted by state-changing operations.
type Event struct {
	Type      string            `json:"type"`
	ActorID   string            `json:"actor_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Bus fan-outs domain events to all active subscribers (SSE clients, tests).
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus initialises an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
