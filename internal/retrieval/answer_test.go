package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filingsage/filingsage/internal/chat"
	"github.com/filingsage/filingsage/internal/config"
	"github.com/filingsage/filingsage/internal/embedding"
	"github.com/filingsage/filingsage/internal/storage"
)

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		RegularMaxK:             15,
		RegularMinSimilarity:    0.70,
		ExhaustiveMaxK:          0,
		ExhaustiveMinSimilarity: 0.0,
	}
}

type fakeMessageStore struct {
	messages []*storage.Message
}

func (f *fakeMessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*storage.Message, error) {
	return append([]*storage.Message(nil), f.messages...), nil
}

func (f *fakeMessageStore) Create(ctx context.Context, msg *storage.Message) error {
	f.messages = append(f.messages, msg)
	return nil
}

type fakeToucher struct {
	touched int
}

func (f *fakeToucher) Touch(ctx context.Context, id uuid.UUID) error {
	f.touched++
	return nil
}

type answerFixture struct {
	answerer *Answerer
	chat     *chat.MockClient
	vectors  *storage.MemVectorStore
	messages *fakeMessageStore
	toucher  *fakeToucher
	conv     uuid.UUID
}

// newAnswerFixture wires the answer flow against the in-memory store with a
// scripted chat provider: classify, rewrite, then generate.
func newAnswerFixture(t *testing.T, script ...string) *answerFixture {
	t.Helper()
	chatMock := chat.NewMockClient(script...)
	vectors := storage.NewMemVectorStore()
	messages := &fakeMessageStore{}
	toucher := &fakeToucher{}

	answerer := NewAnswerer(AnswererOptions{
		Classifier:    NewClassifier(chatMock, nil),
		Selector:      NewStrategySelector(testRetrievalConfig()),
		Preprocessor:  NewPreprocessor(chatMock, nil),
		Embedder:      embedding.NewMockClient(),
		Vectors:       vectors,
		Messages:      messages,
		Conversations: toucher,
		Chat:          chatMock,
	})
	return &answerFixture{
		answerer: answerer,
		chat:     chatMock,
		vectors:  vectors,
		messages: messages,
		toucher:  toucher,
		conv:     uuid.New(),
	}
}

func (f *answerFixture) seedUserMessage(content string) {
	f.messages.messages = append(f.messages.messages, &storage.Message{
		ID:             uuid.New(),
		ConversationID: f.conv,
		Role:           storage.RoleUser,
		Content:        content,
		CreatedAt:      time.Now(),
	})
}

func (f *answerFixture) seedChunk(t *testing.T, docID, text string, vec []float32) {
	t.Helper()
	userID := "u1"
	idx := 0
	for _, row := range mustList(t, f.vectors, storage.Scope{UserID: userID, ConversationID: &f.conv}, docID) {
		if row.ChunkIndex >= idx {
			idx = row.ChunkIndex + 1
		}
	}
	err := f.vectors.UpsertEmbeddings(context.Background(), []storage.Embedding{{
		Owner:          storage.OwnerUserDocument,
		UserID:         &userID,
		ConversationID: &f.conv,
		DocumentID:     docID,
		DocumentTitle:  docID + " title",
		ChunkIndex:     idx,
		ChunkHash:      "hash:" + text,
		Text:           text,
		Vector:         vec,
	}})
	require.NoError(t, err)
}

func mustList(t *testing.T, s *storage.MemVectorStore, scope storage.Scope, docID string) []storage.Embedding {
	t.Helper()
	rows, err := s.ListByDocument(context.Background(), scope, docID)
	require.NoError(t, err)
	return rows
}

func TestAnswerExhaustiveCountsDocumentsOnly(t *testing.T) {
	query := "list all cases where management discussed supply chain risk"
	rewritten := "supply chain risk"
	f := newAnswerFixture(t,
		`{"intent": "EXHAUSTIVE", "reasoning": "complete list requested"}`,
		rewritten,
		"I found 3 documents discussing supply chain risk.",
	)
	f.seedUserMessage(query)

	// Ten matching chunks across three documents, all perfectly similar to
	// the rewritten query's vector.
	queryVec := embedding.DeterministicVector(rewritten)
	docs := []string{"10-K-1", "10-K-2", "10-Q-1"}
	for i := 0; i < 10; i++ {
		f.seedChunk(t, docs[i%3], strings.Repeat("supply chain passage ", 2)+string(rune('a'+i)), queryVec)
	}

	msg, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID: f.conv,
		UserID:         "u1",
		UserContent:    query,
	})
	require.NoError(t, err)

	assert.Contains(t, msg.Content, "3")
	assert.Len(t, msg.Sources, 3)
	assert.Equal(t, 1, f.toucher.touched)

	// The generation prompt names the count but carries no chunk text.
	prompts := f.chat.Prompts()
	require.Len(t, prompts, 3)
	generation := prompts[2]
	assert.Contains(t, generation, "3 distinct matching documents")
	assert.NotContains(t, generation, "supply chain passage")
}

func TestAnswerRegularGroundsOnChunks(t *testing.T) {
	query := "what did management say about margins?"
	f := newAnswerFixture(t,
		`{"intent": "REGULAR", "reasoning": "focused question"}`,
		"management margin commentary",
		"Margins expanded due to pricing.",
	)
	f.seedUserMessage(query)

	queryVec := embedding.DeterministicVector("management margin commentary")
	f.seedChunk(t, "10-K-1", "margins expanded 200bps", queryVec)

	msg, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID: f.conv,
		UserID:         "u1",
		UserContent:    query,
	})
	require.NoError(t, err)

	assert.Equal(t, "Margins expanded due to pricing.", msg.Content)
	require.Len(t, msg.Sources, 1)
	assert.Equal(t, "10-K-1", msg.Sources[0].DocumentID)
	assert.Equal(t, 1, msg.Sources[0].ChunksUsed)
	assert.InDelta(t, 1.0, msg.Sources[0].RelevanceScore, 1e-5)

	// Regular mode grounds the provider on the chunk text via the context
	// block, bracketed by the transcript delimiters.
	contexts := f.chat.Contexts()
	generationCtx := contexts[len(contexts)-1]
	assert.Contains(t, generationCtx, "KNOWLEDGE BASE DOCUMENTS")
	assert.Contains(t, generationCtx, "margins expanded 200bps")
	assert.Contains(t, generationCtx, "=== CONVERSATION HISTORY ===")
}

func TestAnswerReferencedDocWithNoMatch(t *testing.T) {
	f := newAnswerFixture(t,
		`{"intent": "REGULAR", "reasoning": "focused"}`,
		"weather",
		"Nothing about weather in the filings.",
	)
	f.seedUserMessage("weather")

	queryVec := embedding.DeterministicVector("weather")
	f.seedChunk(t, "10-K-1", "climate risk disclosure", queryVec)

	msg, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID:        f.conv,
		UserID:                "u1",
		UserContent:           "weather",
		ReferencedDocumentIDs: []string{"D"},
	})
	require.NoError(t, err)

	require.Len(t, msg.Sources, 2)
	assert.Equal(t, "10-K-1", msg.Sources[0].DocumentID)
	assert.Equal(t, 0, msg.Sources[0].Order)

	// The referenced document appears even though it matched nothing.
	ref := msg.Sources[1]
	assert.Equal(t, "D", ref.DocumentID)
	assert.Equal(t, 0, ref.ChunksUsed)
	assert.Equal(t, 0.0, ref.RelevanceScore)
	assert.Equal(t, 1, ref.Order)
}

func TestAnswerReferencedBypassesThreshold(t *testing.T) {
	f := newAnswerFixture(t,
		`{"intent": "REGULAR", "reasoning": "focused"}`,
		"dividends",
		"The filing discusses buybacks instead.",
	)
	f.seedUserMessage("dividends")

	// Orthogonal to the query vector: similarity ~0, far below the 0.70
	// floor, so adaptive search never returns it.
	f.seedChunk(t, "10-K-1", "share repurchase program", []float32{0, 1, 0})

	msg, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID:        f.conv,
		UserID:                "u1",
		UserContent:           "dividends",
		ReferencedDocumentIDs: []string{"10-K-1"},
	})
	require.NoError(t, err)

	require.Len(t, msg.Sources, 1)
	assert.Equal(t, "10-K-1", msg.Sources[0].DocumentID)
	assert.Equal(t, 1, msg.Sources[0].ChunksUsed)
}

func TestMergeReferencedWins(t *testing.T) {
	adaptive := []storage.SimilarChunk{
		{Text: "t", DocumentID: "D1", DocumentTitle: "D1 title", Similarity: 0.8},
		{Text: "u", DocumentID: "D2", DocumentTitle: "D2 title", Similarity: 0.9},
	}
	referenced := []mergedChunk{
		{Text: "t", DocumentID: "D1", DocumentTitle: "D1 title", Similarity: 0.5, Referenced: true},
	}

	merged := mergeChunks(adaptive, referenced)
	require.Len(t, merged, 2)

	assert.Equal(t, "D2", merged[0].DocumentID)
	assert.Equal(t, "D1", merged[1].DocumentID)
	assert.InDelta(t, 0.5, float64(merged[1].Similarity), 1e-6)
	assert.True(t, merged[1].Referenced)
}

func TestMergeAdaptiveKeepsMaxOnCollision(t *testing.T) {
	adaptive := []storage.SimilarChunk{
		{Text: "t", DocumentID: "D1", Similarity: 0.6},
		{Text: "t", DocumentID: "D1", Similarity: 0.8},
		{Text: "t", DocumentID: "D1", Similarity: 0.7},
	}
	merged := mergeChunks(adaptive, nil)
	require.Len(t, merged, 1)
	assert.InDelta(t, 0.8, float64(merged[0].Similarity), 1e-6)
}

func TestMergeDeterministicTieBreak(t *testing.T) {
	adaptive := []storage.SimilarChunk{
		{Text: "zz", DocumentID: "D2", Similarity: 0.8},
		{Text: "aa", DocumentID: "D1", Similarity: 0.8},
		{Text: "bb", DocumentID: "D1", Similarity: 0.8},
	}
	merged := mergeChunks(adaptive, nil)
	require.Len(t, merged, 3)
	assert.Equal(t, "aa", merged[0].Text)
	assert.Equal(t, "bb", merged[1].Text)
	assert.Equal(t, "zz", merged[2].Text)
}

func TestAggregateSourcesAveragesSimilarity(t *testing.T) {
	a := NewAnswerer(AnswererOptions{})
	merged := []mergedChunk{
		{Text: "x", DocumentID: "A", DocumentTitle: "Doc A", Similarity: 0.9},
		{Text: "y", DocumentID: "A", DocumentTitle: "Doc A", Similarity: 0.5},
		{Text: "z", DocumentID: "B", DocumentTitle: "Doc B", Similarity: 0.6},
	}

	sources, err := a.aggregateSources(context.Background(), merged, []string{"C"})
	require.NoError(t, err)
	require.Len(t, sources, 3)

	assert.Equal(t, "A", sources[0].DocumentID)
	assert.InDelta(t, 0.9, sources[0].RelevanceScore, 1e-4)
	assert.InDelta(t, 0.7, sources[0].AvgSimilarity, 1e-4)
	assert.Equal(t, 2, sources[0].ChunksUsed)

	assert.Equal(t, "B", sources[1].DocumentID)
	assert.InDelta(t, 0.6, sources[1].AvgSimilarity, 1e-4)

	// Referenced document with no chunks keeps zeroed counters.
	assert.Equal(t, "C", sources[2].DocumentID)
	assert.Zero(t, sources[2].AvgSimilarity)
	assert.Zero(t, sources[2].ChunksUsed)
}

func TestAnswerTimestampStrictlyAfterUserMessage(t *testing.T) {
	f := newAnswerFixture(t,
		`{"intent": "REGULAR", "reasoning": "focused"}`,
		"q",
		"answer",
	)
	// A user message with a clock ahead of ours must still sort first.
	future := time.Now().Add(time.Hour)
	f.messages.messages = append(f.messages.messages, &storage.Message{
		ID:             uuid.New(),
		ConversationID: f.conv,
		Role:           storage.RoleUser,
		Content:        "q",
		CreatedAt:      future,
	})

	msg, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID: f.conv,
		UserID:         "u1",
		UserContent:    "q",
	})
	require.NoError(t, err)
	assert.True(t, msg.CreatedAt.After(future))
}

func TestAnswerSurfacesQueryFailed(t *testing.T) {
	f := newAnswerFixture(t,
		`{"intent": "REGULAR", "reasoning": "focused"}`,
		"q",
	)
	f.seedUserMessage("q")
	// Classify and rewrite succeed; the generation call fails.
	f.chat.FailAt(3, assert.AnError)

	_, err := f.answerer.Answer(context.Background(), AnswerRequest{
		ConversationID: f.conv,
		UserID:         "u1",
		UserContent:    "q",
	})
	assert.ErrorIs(t, err, ErrQueryFailed)
	// Only the pre-existing user message remains persisted.
	assert.Len(t, f.messages.messages, 1)
}
