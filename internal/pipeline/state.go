// Package pipeline drives a conversation's ingestion batch through five
// durable stages: download, extract, chunk, embed, persist. Each stage
// writes its output to the staging area before returning, so a restarted
// run resumes from the last completed stage with zero loss of prior work.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/filingsage/filingsage/internal/storage"
)

// StateDocument records one downloaded filing in the durable state.
type StateDocument struct {
	FileName        string    `json:"fileName"`
	FilingType      string    `json:"filingType"`
	AccessionNumber string    `json:"accessionNumber"`
	FilingDate      time.Time `json:"filingDate"`
}

// BatchProcessingState is the per-conversation durable pipeline record,
// stored as status.json in the conversation's staging area.
type BatchProcessingState struct {
	ConversationID    uuid.UUID               `json:"conversationId"`
	UserID            string                  `json:"userId"`
	CompanyIdentifier string                  `json:"companyIdentifier"`
	FilingTypes       []string                `json:"filingTypes"`
	Status            storage.IngestionStatus `json:"status"`
	JobID             *uuid.UUID              `json:"jobId,omitempty"`
	ErrorMessage      *string                 `json:"errorMessage,omitempty"`
	CreatedAt         time.Time               `json:"createdAt"`
	CompletedAt       *time.Time              `json:"completedAt,omitempty"`
	Documents         []StateDocument         `json:"documents"`
}

// DocumentID derives the opaque document identifier for one filing:
// a filing-type plus accession composite, stable across runs.
func (d StateDocument) DocumentID() string {
	return d.FilingType + "-" + d.AccessionNumber
}
