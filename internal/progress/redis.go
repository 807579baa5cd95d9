package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/filingsage/filingsage/internal/observability"
)

// RedisBus fans pipeline events out through redis pub/sub so every API
// instance sees events published by any worker.
type RedisBus struct {
	client *redis.Client
	logger *observability.Logger
}

// NewRedisBus creates a bus over an existing redis client.
func NewRedisBus(client *redis.Client, logger *observability.Logger) *RedisBus {
	if logger == nil {
		logger = observability.Nop()
	}
	return &RedisBus{client: client, logger: logger}
}

func topicFor(conversationID uuid.UUID) string {
	return "progress:" + conversationID.String()
}

// wireEvent is the serialized pub/sub payload.
type wireEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// PublishUpdate delivers a stage update to the conversation's group.
func (b *RedisBus) PublishUpdate(conversationID uuid.UUID, u Update) error {
	return b.publish(conversationID, ChannelUpdate, u)
}

// PublishComplete delivers a completion event to the conversation's group.
func (b *RedisBus) PublishComplete(conversationID uuid.UUID, c Complete) error {
	return b.publish(conversationID, ChannelComplete, c)
}

// PublishError delivers an error event to the conversation's group.
func (b *RedisBus) PublishError(conversationID uuid.UUID, e Error) error {
	return b.publish(conversationID, ChannelError, e)
}

func (b *RedisBus) publish(conversationID uuid.UUID, channel string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal progress payload: %w", err)
	}
	msg, err := json.Marshal(wireEvent{Channel: channel, Payload: raw})
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	return b.client.Publish(context.Background(), topicFor(conversationID), msg).Err()
}

// Subscribe joins the conversation's group through a redis subscription.
func (b *RedisBus) Subscribe(conversationID uuid.UUID) (<-chan Event, func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.client.Subscribe(ctx, topicFor(conversationID))

	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		return nil, nil, fmt.Errorf("subscribe progress topic: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var wire wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &wire); err != nil {
				b.logger.Warn().Err(err).Msg("dropping malformed progress event")
				continue
			}
			ev := Event{ConversationID: conversationID, Channel: wire.Channel}
			switch wire.Channel {
			case ChannelUpdate:
				var u Update
				if json.Unmarshal(wire.Payload, &u) == nil {
					ev.Payload = u
				}
			case ChannelComplete:
				var c Complete
				if json.Unmarshal(wire.Payload, &c) == nil {
					ev.Payload = c
				}
			case ChannelError:
				var e Error
				if json.Unmarshal(wire.Payload, &e) == nil {
					ev.Payload = e
				}
			default:
				continue
			}
			select {
			case out <- ev:
			default:
			}
		}
	}()

	unsubscribe := func() {
		_ = sub.Close()
		cancel()
	}
	return out, unsubscribe, nil
}

// Close releases the underlying client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
