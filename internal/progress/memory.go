package progress

import (
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Publishing never blocks: a subscriber whose buffer is full loses the
// oldest undelivered event, matching the no-replay contract.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[uuid.UUID]map[int]chan Event
	nextID int
	closed bool
}

const subscriberBuffer = 64

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{groups: make(map[uuid.UUID]map[int]chan Event)}
}

// PublishUpdate delivers a stage update to the conversation's group.
func (b *MemoryBus) PublishUpdate(conversationID uuid.UUID, u Update) error {
	return b.publish(Event{ConversationID: conversationID, Channel: ChannelUpdate, Payload: u})
}

// PublishComplete delivers a completion event to the conversation's group.
func (b *MemoryBus) PublishComplete(conversationID uuid.UUID, c Complete) error {
	return b.publish(Event{ConversationID: conversationID, Channel: ChannelComplete, Payload: c})
}

// PublishError delivers an error event to the conversation's group.
func (b *MemoryBus) PublishError(conversationID uuid.UUID, e Error) error {
	return b.publish(Event{ConversationID: conversationID, Channel: ChannelError, Payload: e})
}

func (b *MemoryBus) publish(ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.groups[ev.ConversationID] {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribe joins the conversation's group.
func (b *MemoryBus) Subscribe(conversationID uuid.UUID) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	id := b.nextID
	b.nextID++
	if b.groups[conversationID] == nil {
		b.groups[conversationID] = make(map[int]chan Event)
	}
	b.groups[conversationID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if subs, ok := b.groups[conversationID]; ok {
			if sub, ok := subs[id]; ok {
				delete(subs, id)
				close(sub)
			}
			if len(subs) == 0 {
				delete(b.groups, conversationID)
			}
		}
	}
	return ch, cancel, nil
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, subs := range b.groups {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.groups, id)
	}
	return nil
}
