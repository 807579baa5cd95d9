// Package progress delivers per-conversation pipeline events to subscribed
// clients. Delivery is at-least-once to subscribers currently joined to a
// conversation's group; there is no durable replay, reconnecting clients
// read the conversation's ingestion status snapshot instead.
package progress

import (
	"time"

	"github.com/google/uuid"
)

// Event channel names on the wire.
const (
	ChannelUpdate   = "ProcessingUpdate"
	ChannelComplete = "ProcessingComplete"
	ChannelError    = "ProcessingError"
)

// Update reports a stage transition or intra-stage progress.
type Update struct {
	Stage              string    `json:"stage"`
	Message            string    `json:"message"`
	ProgressPercent    int       `json:"progressPercent"`
	DocumentsProcessed *int      `json:"documentsProcessed,omitempty"`
	TotalDocuments     *int      `json:"totalDocuments,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Complete reports a finished pipeline run.
type Complete struct {
	TotalDocuments      int            `json:"totalDocuments"`
	SuccessfulDocuments int            `json:"successfulDocuments"`
	FailedDocuments     int            `json:"failedDocuments"`
	Duration            *time.Duration `json:"duration,omitempty"`
	CompletedAt         time.Time      `json:"completedAt"`
}

// Error reports a pipeline failure.
type Error struct {
	ErrorMessage       string    `json:"errorMessage"`
	Stage              string    `json:"stage"`
	DocumentsProcessed *int      `json:"documentsProcessed,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Event is one published item: the channel name plus its payload.
type Event struct {
	ConversationID uuid.UUID   `json:"conversationId"`
	Channel        string      `json:"channel"`
	Payload        interface{} `json:"payload"`
}

// Bus publishes pipeline events and manages per-conversation subscriptions.
type Bus interface {
	PublishUpdate(conversationID uuid.UUID, u Update) error
	PublishComplete(conversationID uuid.UUID, c Complete) error
	PublishError(conversationID uuid.UUID, e Error) error

	// Subscribe joins the conversation's group. The returned channel is
	// closed by Unsubscribe.
	Subscribe(conversationID uuid.UUID) (<-chan Event, func(), error)

	Close() error
}
