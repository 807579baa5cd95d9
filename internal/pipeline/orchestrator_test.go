package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filingsage/filingsage/internal/blob"
	"github.com/filingsage/filingsage/internal/cache"
	"github.com/filingsage/filingsage/internal/chunk"
	"github.com/filingsage/filingsage/internal/edgar"
	"github.com/filingsage/filingsage/internal/embedding"
	"github.com/filingsage/filingsage/internal/extract"
	"github.com/filingsage/filingsage/internal/progress"
	"github.com/filingsage/filingsage/internal/storage"
)

type fakeFetcher struct {
	docs  []edgar.FilingDocument
	err   error
	calls int
}

func (f *fakeFetcher) DownloadFilings(ctx context.Context, companyIdentifier string, filingTypes []string) ([]edgar.FilingDocument, error) {
	f.calls++
	return f.docs, f.err
}

type fakeStatusWriter struct {
	statuses []storage.IngestionStatus
}

func (f *fakeStatusWriter) SetIngestionStatus(ctx context.Context, id uuid.UUID, status storage.IngestionStatus) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type fakeDocumentWriter struct {
	docs []*storage.Document
}

func (f *fakeDocumentWriter) Upsert(ctx context.Context, doc *storage.Document) error {
	f.docs = append(f.docs, doc)
	return nil
}

type pipelineFixture struct {
	orchestrator *Orchestrator
	fetcher      *fakeFetcher
	blobs        *blob.Store
	embedder     *embedding.MockClient
	vectors      *storage.MemVectorStore
	conversation *fakeStatusWriter
	documents    *fakeDocumentWriter
	bus          *progress.MemoryBus
	locks        *cache.MemoryClient
	conv         uuid.UUID
}

func tenKFiling() edgar.FilingDocument {
	return edgar.FilingDocument{
		Content: []byte("<html><body><p>Item 1A. Risk Factors. " +
			"Supply chain disruption could impact results. " +
			"Revenue concentration remains a risk.</p></body></html>"),
		FileName:          "10-K_0000320193-23-000106_aapl.htm",
		FilingType:        "10-K",
		AccessionNumber:   "0000320193-23-000106",
		FilingDate:        time.Date(2023, 11, 3, 0, 0, 0, 0, time.UTC),
		CompanyIdentifier: "AAPL",
	}
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	chunker, err := chunk.NewChunker(40, 10)
	require.NoError(t, err)

	f := &pipelineFixture{
		fetcher:      &fakeFetcher{docs: []edgar.FilingDocument{tenKFiling()}},
		blobs:        blob.NewStore(t.TempDir()),
		embedder:     embedding.NewMockClient(),
		vectors:      storage.NewMemVectorStore(),
		conversation: &fakeStatusWriter{},
		documents:    &fakeDocumentWriter{},
		bus:          progress.NewMemoryBus(),
		locks:        cache.NewMemoryClient(),
		conv:         uuid.New(),
	}
	t.Cleanup(func() { f.bus.Close() })

	f.orchestrator = NewOrchestrator(Options{
		Fetcher:       f.fetcher,
		Blobs:         f.blobs,
		Extractor:     extract.NewExtractor(),
		Chunker:       chunker,
		Embedder:      f.embedder,
		Vectors:       f.vectors,
		Documents:     f.documents,
		Conversations: f.conversation,
		Bus:           f.bus,
		Locks:         f.locks,
		BatchSize:     4,
	})
	f.orchestrator.delayUnit = time.Millisecond
	return f
}

func (f *pipelineFixture) setupAndRun(t *testing.T) error {
	t.Helper()
	_, err := f.orchestrator.Setup(Request{
		ConversationID:    f.conv,
		UserID:            "u1",
		CompanyIdentifier: "AAPL",
		FilingTypes:       []string{"10-K"},
	})
	require.NoError(t, err)
	return f.orchestrator.Run(context.Background(), f.conv)
}

func (f *pipelineFixture) readState(t *testing.T) BatchProcessingState {
	t.Helper()
	var state BatchProcessingState
	require.NoError(t, f.blobs.ReadStatus(f.conv, &state))
	return state
}

func (f *pipelineFixture) readChunks(t *testing.T) []DocumentChunk {
	t.Helper()
	data, err := f.blobs.ReadFile(f.conv, blob.ChunksDir, blob.ChunksFile)
	require.NoError(t, err)
	var chunks []DocumentChunk
	require.NoError(t, json.Unmarshal(data, &chunks))
	return chunks
}

func (f *pipelineFixture) readEmbeddings(t *testing.T) []ChunkEmbedding {
	t.Helper()
	data, err := f.blobs.ReadFile(f.conv, blob.EmbeddingsDir, blob.EmbeddingsFile)
	require.NoError(t, err)
	var embedded []ChunkEmbedding
	require.NoError(t, json.Unmarshal(data, &embedded))
	return embedded
}

func TestFreshIngestion(t *testing.T) {
	f := newPipelineFixture(t)

	events, cancel, err := f.bus.Subscribe(f.conv)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.setupAndRun(t))

	state := f.readState(t)
	assert.Equal(t, storage.IngestionStatusCompleted, state.Status)
	require.NotNil(t, state.CompletedAt)
	require.Len(t, state.Documents, 1)
	assert.Equal(t, "10-K-0000320193-23-000106", state.Documents[0].DocumentID())

	raw, err := f.blobs.ListFiles(f.conv, blob.RawDir)
	require.NoError(t, err)
	assert.Len(t, raw, 1)

	extracted, err := f.blobs.ListFiles(f.conv, blob.ExtractedDir)
	require.NoError(t, err)
	assert.Len(t, extracted, 1)

	chunks := f.readChunks(t)
	require.NotEmpty(t, chunks)
	embedded := f.readEmbeddings(t)
	assert.Len(t, embedded, len(chunks))

	assert.Equal(t, len(chunks), f.vectors.RowCount())

	// Terminal mirror written once, Completed.
	assert.Equal(t, []storage.IngestionStatus{storage.IngestionStatusCompleted}, f.conversation.statuses)

	// Domain documents recorded.
	require.Len(t, f.documents.docs, 1)
	assert.Equal(t, "10-K-0000320193-23-000106", f.documents.docs[0].ID)

	// Progress milestones arrive in stage order, ending in completion.
	var percents []int
	processedAt := map[int]*int{}
	var sawComplete bool
	for done := false; !done; {
		select {
		case ev := <-events:
			switch payload := ev.Payload.(type) {
			case progress.Update:
				percents = append(percents, payload.ProgressPercent)
				processedAt[payload.ProgressPercent] = payload.DocumentsProcessed
			case progress.Complete:
				sawComplete = true
				done = true
			}
		case <-time.After(time.Second):
			done = true
		}
	}
	assert.True(t, sawComplete)
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}, percents)

	// Stage completions report how many documents they covered.
	for _, pct := range []int{20, 40, 60, 80, 100} {
		require.NotNil(t, processedAt[pct], "completion update at %d%% carries no processed count", pct)
		assert.Equal(t, 1, *processedAt[pct])
	}
}

func TestResumeAfterEmbeddingFailure(t *testing.T) {
	f := newPipelineFixture(t)
	// First provider call fails; the stage retries on its schedule and
	// succeeds without touching earlier artifacts.
	f.embedder.FailUntilCall = 1
	f.embedder.FailErr = errors.New("rate limited")

	require.NoError(t, f.setupAndRun(t))

	state := f.readState(t)
	assert.Equal(t, storage.IngestionStatusCompleted, state.Status)

	chunks := f.readChunks(t)
	embedded := f.readEmbeddings(t)
	assert.Len(t, embedded, len(chunks))
	assert.Equal(t, len(chunks), f.vectors.RowCount())
}

func TestRerunIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.setupAndRun(t))

	rows := f.vectors.RowCount()
	require.Greater(t, rows, 0)
	embedCalls := f.embedder.Calls()

	embedded := f.readEmbeddings(t)
	userID := "u1"
	conv := f.conv
	probe := storage.Embedding{
		Owner:          storage.OwnerUserDocument,
		UserID:         &userID,
		ConversationID: &conv,
		DocumentID:     "10-K-0000320193-23-000106",
		ChunkIndex:     embedded[0].ChunkIndex,
	}
	firstWrite, ok := f.vectors.UpdatedAt(probe)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.orchestrator.Run(context.Background(), f.conv))

	// No provider spend, no new rows, no row rewrites.
	assert.Equal(t, embedCalls, f.embedder.Calls())
	assert.Equal(t, rows, f.vectors.RowCount())
	secondWrite, ok := f.vectors.UpdatedAt(probe)
	require.True(t, ok)
	assert.Equal(t, firstWrite, secondWrite)
	assert.Equal(t, 2, f.fetcher.calls)
}

func TestNoFilingsFoundFailsWithoutRetry(t *testing.T) {
	f := newPipelineFixture(t)
	f.fetcher.docs = nil

	err := f.setupAndRun(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, edgar.ErrNoFilingsFound)
	assert.Equal(t, 1, f.fetcher.calls)

	state := f.readState(t)
	assert.Equal(t, storage.IngestionStatusFailed, state.Status)
	require.NotNil(t, state.ErrorMessage)
	assert.Equal(t, []storage.IngestionStatus{storage.IngestionStatusFailed}, f.conversation.statuses)
}

func TestTransientDownloadFailureRetries(t *testing.T) {
	f := newPipelineFixture(t)
	failing := &flakyFetcher{failures: 2, docs: []edgar.FilingDocument{tenKFiling()}}
	f.orchestrator.fetcher = failing

	require.NoError(t, f.setupAndRun(t))
	assert.Equal(t, 3, failing.calls)
	assert.Equal(t, storage.IngestionStatusCompleted, f.readState(t).Status)
}

type flakyFetcher struct {
	failures int
	calls    int
	docs     []edgar.FilingDocument
}

func (f *flakyFetcher) DownloadFilings(ctx context.Context, companyIdentifier string, filingTypes []string) ([]edgar.FilingDocument, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("transient network error")
	}
	return f.docs, nil
}

func TestPersistLockExcludesConcurrentRun(t *testing.T) {
	f := newPipelineFixture(t)

	// Another instance holds the conversation's persist lock for longer
	// than the stage is willing to retry.
	lockKey := "pipeline:persist:" + f.conv.String()
	ok, err := f.locks.SetNX(context.Background(), lockKey, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	err = f.setupAndRun(t)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockHeld)
	assert.Equal(t, storage.IngestionStatusFailed, f.readState(t).Status)
}

func TestChunkOffsetsRecorded(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.setupAndRun(t))

	for _, c := range f.readChunks(t) {
		assert.Equal(t, c.StartOffset+len(c.Text), c.EndOffset)
		assert.GreaterOrEqual(t, c.StartOffset, 0)
	}
}
