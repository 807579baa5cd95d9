// Package storage provides database models and repositories for the filings engine.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IngestionStatus represents the pipeline state for a conversation batch.
type IngestionStatus string

const (
	IngestionStatusPending              IngestionStatus = "pending"
	IngestionStatusDownloading          IngestionStatus = "downloading"
	IngestionStatusExtracting           IngestionStatus = "extracting"
	IngestionStatusChunking             IngestionStatus = "chunking"
	IngestionStatusGeneratingEmbeddings IngestionStatus = "generating_embeddings"
	IngestionStatusPersistingEmbeddings IngestionStatus = "persisting_embeddings"
	IngestionStatusCompleted            IngestionStatus = "completed"
	IngestionStatusFailed               IngestionStatus = "failed"
)

// Terminal reports whether the status permits no further transitions.
func (s IngestionStatus) Terminal() bool {
	return s == IngestionStatusCompleted || s == IngestionStatusFailed
}

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// OwnerKind scopes embedding rows to their owning corpus.
type OwnerKind string

const (
	OwnerUserDocument        OwnerKind = "user_document"
	OwnerSystemKnowledgeBase OwnerKind = "system_knowledge_base"
)

// Conversation is a user-owned chat session bound to a set of companies.
type Conversation struct {
	ID              uuid.UUID        `json:"id" db:"id"`
	UserID          string           `json:"user_id" db:"user_id"`
	Title           string           `json:"title" db:"title"`
	IngestionStatus *IngestionStatus `json:"ingestion_status,omitempty" db:"ingestion_status"`
	Companies       []Company        `json:"companies"`
	CreatedAt       time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at" db:"updated_at"`
}

// Company is a company associated with a conversation.
type Company struct {
	ID   uuid.UUID `json:"id" db:"id"`
	Name string    `json:"name" db:"name"`
}

// Message is a single conversation turn. Assistant messages carry sources.
type Message struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	ConversationID uuid.UUID       `json:"conversation_id" db:"conversation_id"`
	Role           MessageRole     `json:"role" db:"role"`
	Content        string          `json:"content" db:"content"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Sources        []Source        `json:"sources,omitempty"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// Source cites a document that grounded an assistant message.
// RelevanceScore is the maximum chunk similarity contributing, clipped to
// [0, 1] for presentation; Order is the 0-based rank by score descending.
type Source struct {
	DocumentID     string  `json:"document_id" db:"document_id"`
	DocumentTitle  string  `json:"document_title" db:"document_title"`
	RelevanceScore float64 `json:"relevance_score" db:"relevance_score"`
	AvgSimilarity  float64 `json:"avg_similarity" db:"avg_similarity"`
	ChunksUsed     int     `json:"chunks_used" db:"chunks_used"`
	Order          int     `json:"order" db:"source_order"`
}

// Document identifies an ingested file. The ID is an opaque string: a
// numeric key for user uploads or a filing-type+accession composite for
// archive-sourced filings.
type Document struct {
	ID             string     `json:"id" db:"id"`
	Title          string     `json:"title" db:"title"`
	FullText       *string    `json:"full_text,omitempty" db:"full_text"`
	UserID         *string    `json:"user_id,omitempty" db:"user_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty" db:"conversation_id"`
	ContentType    string     `json:"content_type" db:"content_type"`
	FilePath       *string    `json:"file_path,omitempty" db:"file_path"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}

// Embedding is one persisted chunk vector.
type Embedding struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	Owner          OwnerKind  `json:"owner" db:"owner"`
	UserID         *string    `json:"user_id,omitempty" db:"user_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty" db:"conversation_id"`
	DocumentID     string     `json:"document_id" db:"document_id"`
	DocumentTitle  string     `json:"document_title" db:"document_title"`
	ChunkIndex     int        `json:"chunk_index" db:"chunk_index"`
	ChunkHash      string     `json:"chunk_hash" db:"chunk_hash"`
	Text           string     `json:"text" db:"text"`
	Vector         []float32  `json:"vector,omitempty" db:"vector"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Scope restricts searches to a user and optionally one conversation.
type Scope struct {
	UserID         string
	ConversationID *uuid.UUID
}

// SimilarChunk is the projection returned by every KNN query.
type SimilarChunk struct {
	Text          string  `json:"text"`
	DocumentID    string  `json:"document_id"`
	DocumentTitle string  `json:"document_title"`
	Similarity    float32 `json:"similarity"`
}
