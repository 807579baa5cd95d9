package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/filingsage/filingsage/internal/chat"
	"github.com/filingsage/filingsage/internal/embedding"
	"github.com/filingsage/filingsage/internal/observability"
	"github.com/filingsage/filingsage/internal/storage"
)

// ErrQueryFailed is the single error surfaced for any failure inside the
// answer flow. The user message is already persisted, so the client can
// offer a retry.
var ErrQueryFailed = errors.New("query failed")

// VectorSearcher is the slice of the vector store the answer flow needs.
type VectorSearcher interface {
	SearchAdaptive(ctx context.Context, owner storage.OwnerKind, queryVec []float32, maxK int, minSimilarity float64, scope *storage.Scope) ([]storage.SimilarChunk, error)
	ListByDocument(ctx context.Context, scope storage.Scope, documentID string) ([]storage.Embedding, error)
}

// MessageStore reads and appends conversation messages.
type MessageStore interface {
	ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*storage.Message, error)
	Create(ctx context.Context, msg *storage.Message) error
}

// ConversationToucher refreshes a conversation's updatedAt.
type ConversationToucher interface {
	Touch(ctx context.Context, id uuid.UUID) error
}

// DocumentTitler resolves display titles for referenced documents that
// yielded no chunks.
type DocumentTitler interface {
	GetByID(ctx context.Context, id string) (*storage.Document, error)
}

// Answerer produces and persists assistant messages.
type Answerer struct {
	classifier    *Classifier
	selector      *StrategySelector
	preprocessor  *Preprocessor
	embedder      embedding.Provider
	vectors       VectorSearcher
	messages      MessageStore
	conversations ConversationToucher
	documents     DocumentTitler
	chat          chat.Provider
	logger        *observability.Logger
}

// AnswererOptions carries the answer flow's collaborators.
type AnswererOptions struct {
	Classifier    *Classifier
	Selector      *StrategySelector
	Preprocessor  *Preprocessor
	Embedder      embedding.Provider
	Vectors       VectorSearcher
	Messages      MessageStore
	Conversations ConversationToucher
	Documents     DocumentTitler
	Chat          chat.Provider
	Logger        *observability.Logger
}

// NewAnswerer creates the answer orchestrator.
func NewAnswerer(opts AnswererOptions) *Answerer {
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Answerer{
		classifier:    opts.Classifier,
		selector:      opts.Selector,
		preprocessor:  opts.Preprocessor,
		embedder:      opts.Embedder,
		vectors:       opts.Vectors,
		messages:      opts.Messages,
		conversations: opts.Conversations,
		documents:     opts.Documents,
		chat:          opts.Chat,
		logger:        logger,
	}
}

// AnswerRequest identifies the question to answer. The user message must
// already be persisted in the conversation.
type AnswerRequest struct {
	ConversationID        uuid.UUID
	UserID                string
	UserContent           string
	ReferencedDocumentIDs []string
}

// mergedChunk is one retrieval result after merge.
type mergedChunk struct {
	Text          string
	DocumentID    string
	DocumentTitle string
	Similarity    float32
	Referenced    bool
}

type mergeKey struct {
	documentID string
	text       string
}

// Answer runs the full retrieval flow and persists the assistant message.
func (a *Answerer) Answer(ctx context.Context, req AnswerRequest) (*storage.Message, error) {
	msg, err := a.answer(ctx, req)
	if err != nil {
		a.logger.WithConversation(req.ConversationID.String()).
			Error().Err(err).Msg("answer flow failed")
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return msg, nil
}

func (a *Answerer) answer(ctx context.Context, req AnswerRequest) (*storage.Message, error) {
	history, err := a.messages.ListByConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	transcript := renderTranscript(history)

	classification := a.classifier.Classify(ctx, req.UserContent)
	strat := a.selector.For(classification.Intent)

	searchQuery := a.preprocessor.Rewrite(ctx, req.UserContent, transcript)

	queryVec, err := a.embedder.Embed(ctx, searchQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scope := storage.Scope{UserID: req.UserID, ConversationID: &req.ConversationID}

	referenced, err := a.referencedChunks(ctx, scope, req.ReferencedDocumentIDs, queryVec)
	if err != nil {
		return nil, err
	}

	adaptive, err := a.vectors.SearchAdaptive(ctx, storage.OwnerUserDocument,
		queryVec, strat.MaxK, strat.MinSimilarity, &scope)
	if err != nil {
		return nil, fmt.Errorf("adaptive search: %w", err)
	}

	merged := mergeChunks(adaptive, referenced)
	sources, err := a.aggregateSources(ctx, merged, req.ReferencedDocumentIDs)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var content string
	if classification.Intent == IntentExhaustive {
		content, err = a.generateExhaustive(ctx, transcript, req.UserContent, sources)
	} else {
		content, err = a.generateRegular(ctx, transcript, req.UserContent, merged)
	}
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	msg := &storage.Message{
		ID:             uuid.New(),
		ConversationID: req.ConversationID,
		Role:           storage.RoleAssistant,
		Content:        content,
		Sources:        sources,
		CreatedAt:      assistantTimestamp(history),
	}
	if err := a.messages.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	if err := a.conversations.Touch(ctx, req.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	return msg, nil
}

// referencedChunks loads every embedding of each referenced document and
// scores it against the query vector. Referenced chunks bypass the
// similarity threshold entirely.
func (a *Answerer) referencedChunks(ctx context.Context, scope storage.Scope, documentIDs []string, queryVec []float32) ([]mergedChunk, error) {
	var chunks []mergedChunk
	for _, docID := range documentIDs {
		rows, err := a.vectors.ListByDocument(ctx, scope, docID)
		if err != nil {
			return nil, fmt.Errorf("load referenced document %s: %w", docID, err)
		}
		for _, row := range rows {
			chunks = append(chunks, mergedChunk{
				Text:          row.Text,
				DocumentID:    row.DocumentID,
				DocumentTitle: row.DocumentTitle,
				Similarity:    storage.CosineSimilarity(queryVec, row.Vector),
				Referenced:    true,
			})
		}
	}
	return chunks, nil
}

// mergeChunks folds adaptive and referenced results into one list keyed by
// (documentId, text). Adaptive collisions keep the maximum similarity;
// referenced entries always win over adaptive ones with the same key.
func mergeChunks(adaptive []storage.SimilarChunk, referenced []mergedChunk) []mergedChunk {
	byKey := make(map[mergeKey]mergedChunk)
	for _, c := range adaptive {
		key := mergeKey{documentID: c.DocumentID, text: c.Text}
		if prev, ok := byKey[key]; ok && prev.Similarity >= c.Similarity {
			continue
		}
		byKey[key] = mergedChunk{
			Text:          c.Text,
			DocumentID:    c.DocumentID,
			DocumentTitle: c.DocumentTitle,
			Similarity:    c.Similarity,
		}
	}
	for _, c := range referenced {
		byKey[mergeKey{documentID: c.DocumentID, text: c.Text}] = c
	}

	merged := make([]mergedChunk, 0, len(byKey))
	for _, c := range byKey {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Similarity != merged[j].Similarity {
			return merged[i].Similarity > merged[j].Similarity
		}
		if merged[i].DocumentID != merged[j].DocumentID {
			return merged[i].DocumentID < merged[j].DocumentID
		}
		return merged[i].Text < merged[j].Text
	})
	return merged
}

// aggregateSources groups merged chunks per document and appends every
// referenced document that yielded nothing with zeroed counters, so each
// explicitly referenced id always appears in the assistant's sources.
func (a *Answerer) aggregateSources(ctx context.Context, merged []mergedChunk, referencedIDs []string) ([]storage.Source, error) {
	type group struct {
		title  string
		count  int
		maxSim float32
		sumSim float64
	}
	groups := make(map[string]*group)
	for _, c := range merged {
		g, ok := groups[c.DocumentID]
		if !ok {
			g = &group{title: c.DocumentTitle}
			groups[c.DocumentID] = g
		}
		g.count++
		g.sumSim += float64(c.Similarity)
		if c.Similarity > g.maxSim {
			g.maxSim = c.Similarity
		}
	}

	for _, docID := range referencedIDs {
		if _, ok := groups[docID]; ok {
			continue
		}
		title := docID
		if a.documents != nil {
			if doc, err := a.documents.GetByID(ctx, docID); err == nil {
				title = doc.Title
			} else if !errors.Is(err, storage.ErrNotFound) {
				return nil, fmt.Errorf("resolve referenced document %s: %w", docID, err)
			}
		}
		groups[docID] = &group{title: title}
	}

	sources := make([]storage.Source, 0, len(groups))
	for docID, g := range groups {
		score := float64(g.maxSim)
		if score < 0 {
			score = 0
		} else if score > 1 {
			score = 1
		}
		var avg float64
		if g.count > 0 {
			avg = g.sumSim / float64(g.count)
		}
		sources = append(sources, storage.Source{
			DocumentID:     docID,
			DocumentTitle:  g.title,
			RelevanceScore: score,
			AvgSimilarity:  avg,
			ChunksUsed:     g.count,
		})
	}
	sort.Slice(sources, func(i, j int) bool {
		if sources[i].RelevanceScore != sources[j].RelevanceScore {
			return sources[i].RelevanceScore > sources[j].RelevanceScore
		}
		return sources[i].DocumentID < sources[j].DocumentID
	})
	for i := range sources {
		sources[i].Order = i
	}
	return sources, nil
}

func (a *Answerer) generateRegular(ctx context.Context, transcript, userContent string, merged []mergedChunk) (string, error) {
	var sb strings.Builder
	sb.WriteString(transcript)
	sb.WriteString("\n\nKNOWLEDGE BASE DOCUMENTS:\n")
	for _, c := range merged {
		fmt.Fprintf(&sb, "\n[%s | %s | similarity %.3f]\n%s\n", c.DocumentTitle, c.DocumentID, c.Similarity, c.Text)
	}
	return a.chat.Generate(ctx, userContent, sb.String())
}

// generateExhaustive sends only the distinct-document count plus the
// transcript; chunk text never reaches the prompt in this mode.
func (a *Answerer) generateExhaustive(ctx context.Context, transcript, userContent string, sources []storage.Source) (string, error) {
	prompt := fmt.Sprintf(
		"The user asked: %s\n\nAn exhaustive search of the knowledge base found %d distinct matching documents. "+
			"Summarize that finding for the user.\n\n%s",
		userContent, len(sources), transcript)
	return a.chat.Generate(ctx, prompt, "")
}

// renderTranscript labels each message and brackets the block with explicit
// delimiters.
func renderTranscript(messages []*storage.Message) string {
	var sb strings.Builder
	sb.WriteString("=== CONVERSATION HISTORY ===\n")
	for _, m := range messages {
		sb.WriteString(strings.ToUpper(string(m.Role)))
		sb.WriteString(": ")
		sb.WriteString(m.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("=== END CONVERSATION HISTORY ===")
	return sb.String()
}

// assistantTimestamp returns a time strictly after the latest message, so
// conversation ordering survives coarse clocks.
func assistantTimestamp(history []*storage.Message) time.Time {
	ts := time.Now()
	for _, m := range history {
		if !ts.After(m.CreatedAt) {
			ts = m.CreatedAt.Add(time.Millisecond)
		}
	}
	return ts
}
