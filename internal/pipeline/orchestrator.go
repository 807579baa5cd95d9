package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/filingsage/filingsage/internal/blob"
	"github.com/filingsage/filingsage/internal/cache"
	"github.com/filingsage/filingsage/internal/chunk"
	"github.com/filingsage/filingsage/internal/edgar"
	"github.com/filingsage/filingsage/internal/embedding"
	"github.com/filingsage/filingsage/internal/extract"
	"github.com/filingsage/filingsage/internal/observability"
	"github.com/filingsage/filingsage/internal/progress"
	"github.com/filingsage/filingsage/internal/storage"
)

// ErrLockHeld indicates another instance is persisting this conversation.
var ErrLockHeld = errors.New("persist lock held by another instance")

// DocumentChunk is the on-disk shape of one chunk in chunks.json.
type DocumentChunk struct {
	SourceDocument string `json:"sourceDocument"`
	ChunkIndex     int    `json:"chunkIndex"`
	Text           string `json:"text"`
	StartOffset    int    `json:"startOffset"`
	EndOffset      int    `json:"endOffset"`
}

// ChunkEmbedding is the on-disk shape of one embedded chunk.
type ChunkEmbedding struct {
	DocumentChunk
	Embedding []float32 `json:"embedding"`
}

// Fetcher downloads filings for a company.
type Fetcher interface {
	DownloadFilings(ctx context.Context, companyIdentifier string, filingTypes []string) ([]edgar.FilingDocument, error)
}

// VectorWriter persists embedding rows.
type VectorWriter interface {
	UpsertEmbeddings(ctx context.Context, items []storage.Embedding) error
}

// StatusWriter mirrors terminal pipeline states onto the conversation.
type StatusWriter interface {
	SetIngestionStatus(ctx context.Context, id uuid.UUID, status storage.IngestionStatus) error
}

// DocumentWriter records downloaded filings as domain documents.
type DocumentWriter interface {
	Upsert(ctx context.Context, doc *storage.Document) error
}

// Orchestrator runs ingestion batches.
type Orchestrator struct {
	fetcher       Fetcher
	blobs         *blob.Store
	extractor     *extract.Extractor
	chunker       *chunk.Chunker
	embedder      embedding.Provider
	vectors       VectorWriter
	documents     DocumentWriter
	conversations StatusWriter
	bus           progress.Bus
	locks         cache.Client
	lockTTL       time.Duration
	batchSize     int
	delayUnit     time.Duration
	logger        *observability.Logger
}

// Options carries the orchestrator's collaborators.
type Options struct {
	Fetcher       Fetcher
	Blobs         *blob.Store
	Extractor     *extract.Extractor
	Chunker       *chunk.Chunker
	Embedder      embedding.Provider
	Vectors       VectorWriter
	Documents     DocumentWriter
	Conversations StatusWriter
	Bus           progress.Bus
	Locks         cache.Client
	LockTTL       time.Duration
	BatchSize     int
	Logger        *observability.Logger
}

// NewOrchestrator creates a pipeline orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	lockTTL := opts.LockTTL
	if lockTTL <= 0 {
		lockTTL = 300 * time.Second
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	return &Orchestrator{
		fetcher:       opts.Fetcher,
		blobs:         opts.Blobs,
		extractor:     opts.Extractor,
		chunker:       opts.Chunker,
		embedder:      opts.Embedder,
		vectors:       opts.Vectors,
		documents:     opts.Documents,
		conversations: opts.Conversations,
		bus:           opts.Bus,
		locks:         opts.Locks,
		lockTTL:       lockTTL,
		batchSize:     batchSize,
		delayUnit:     time.Second,
		logger:        logger,
	}
}

// Request describes one ingestion batch.
type Request struct {
	ConversationID    uuid.UUID
	UserID            string
	CompanyIdentifier string
	FilingTypes       []string
	JobID             uuid.UUID
}

// Setup writes the initial durable state for a batch. It is the only place
// a missing state file is legal.
func (o *Orchestrator) Setup(req Request) (*BatchProcessingState, error) {
	if strings.TrimSpace(req.CompanyIdentifier) == "" {
		return nil, fmt.Errorf("%w: company identifier is required", storage.ErrValidation)
	}
	if len(req.FilingTypes) == 0 {
		return nil, fmt.Errorf("%w: at least one filing type is required", storage.ErrValidation)
	}

	jobID := req.JobID
	if jobID == uuid.Nil {
		jobID = uuid.New()
	}
	state := &BatchProcessingState{
		ConversationID:    req.ConversationID,
		UserID:            req.UserID,
		CompanyIdentifier: req.CompanyIdentifier,
		FilingTypes:       req.FilingTypes,
		Status:            storage.IngestionStatusPending,
		JobID:             &jobID,
		CreatedAt:         time.Now(),
	}
	if err := o.blobs.WriteStatus(req.ConversationID, state); err != nil {
		return nil, err
	}
	return state, nil
}

// stageSpec binds a stage body to its status, milestones, and retry schedule.
type stageSpec struct {
	name        string
	status      storage.IngestionStatus
	startPct    int
	endPct      int
	maxAttempts int
	delays      []time.Duration
	run         func(ctx context.Context, state *BatchProcessingState) error
}

// Run executes the five stages for a conversation, resuming from whatever
// artifacts already exist. The state file must have been written by Setup.
func (o *Orchestrator) Run(ctx context.Context, conversationID uuid.UUID) error {
	var state BatchProcessingState
	if err := o.blobs.ReadStatus(conversationID, &state); err != nil {
		return fmt.Errorf("load pipeline state: %w", err)
	}
	log := o.logger.WithConversation(conversationID.String())
	started := time.Now()

	u := o.delayUnit
	stages := []stageSpec{
		{"download", storage.IngestionStatusDownloading, 10, 20, 3,
			[]time.Duration{30 * u, 60 * u, 120 * u}, o.download},
		{"extract", storage.IngestionStatusExtracting, 30, 40, 3,
			[]time.Duration{5 * u, 15 * u}, o.extract},
		{"chunk", storage.IngestionStatusChunking, 50, 60, 3,
			[]time.Duration{5 * u, 15 * u}, o.chunkStage},
		{"embed", storage.IngestionStatusGeneratingEmbeddings, 70, 80, 5,
			[]time.Duration{10 * u, 30 * u, 60 * u, 120 * u}, o.embed},
		{"persist", storage.IngestionStatusPersistingEmbeddings, 90, 100, 3,
			[]time.Duration{5 * u, 15 * u}, o.persist},
	}

	for _, spec := range stages {
		if err := o.runStage(ctx, &state, spec); err != nil {
			o.mirrorTerminal(ctx, &state, storage.IngestionStatusFailed)
			log.Error().Str("stage", spec.name).Err(err).Msg("pipeline failed")
			return err
		}
	}

	now := time.Now()
	state.Status = storage.IngestionStatusCompleted
	state.CompletedAt = &now
	state.ErrorMessage = nil
	if err := o.blobs.WriteStatus(conversationID, &state); err != nil {
		return err
	}
	o.mirrorTerminal(ctx, &state, storage.IngestionStatusCompleted)

	duration := now.Sub(started)
	_ = o.bus.PublishComplete(conversationID, progress.Complete{
		TotalDocuments:      len(state.Documents),
		SuccessfulDocuments: len(state.Documents),
		Duration:            &duration,
		CompletedAt:         now,
	})
	log.Info().Int("documents", len(state.Documents)).Dur("duration", duration).Msg("ingestion completed")
	return nil
}

// runStage retries the stage body on its schedule. Each attempt transitions
// the durable status to the in-progress value, emits a progress event, and
// on failure writes Failed plus an error event before the harness decides
// whether to try again.
func (o *Orchestrator) runStage(ctx context.Context, state *BatchProcessingState, spec stageSpec) error {
	attempt := 0
	operation := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		state.Status = spec.status
		state.ErrorMessage = nil
		if err := o.blobs.WriteStatus(state.ConversationID, state); err != nil {
			return backoff.Permanent(fmt.Errorf("write pipeline state: %w", err))
		}
		o.publishUpdate(state, spec.name, spec.startPct,
			fmt.Sprintf("%s started (attempt %d)", spec.name, attempt), nil)

		if err := spec.run(ctx, state); err != nil {
			msg := err.Error()
			state.Status = storage.IngestionStatusFailed
			state.ErrorMessage = &msg
			_ = o.blobs.WriteStatus(state.ConversationID, state)
			_ = o.bus.PublishError(state.ConversationID, progress.Error{
				ErrorMessage: msg,
				Stage:        spec.name,
				Timestamp:    time.Now(),
			})
			return err
		}

		done := len(state.Documents)
		o.publishUpdate(state, spec.name, spec.endPct, spec.name+" completed", &done)
		return nil
	}

	sched := &schedule{maxAttempts: spec.maxAttempts, delays: spec.delays}
	return backoff.Retry(operation, backoff.WithContext(sched, ctx))
}

// publishUpdate emits a progress milestone. processed is nil on stage
// starts; completions report how many documents the stage covered.
func (o *Orchestrator) publishUpdate(state *BatchProcessingState, stage string, pct int, message string, processed *int) {
	var total *int
	if len(state.Documents) > 0 {
		n := len(state.Documents)
		total = &n
	}
	_ = o.bus.PublishUpdate(state.ConversationID, progress.Update{
		Stage:              stage,
		Message:            message,
		ProgressPercent:    pct,
		DocumentsProcessed: processed,
		TotalDocuments:     total,
		Timestamp:          time.Now(),
	})
}

func (o *Orchestrator) mirrorTerminal(ctx context.Context, state *BatchProcessingState, status storage.IngestionStatus) {
	if o.conversations == nil {
		return
	}
	if err := o.conversations.SetIngestionStatus(ctx, state.ConversationID, status); err != nil {
		o.logger.Warn().Err(err).Msg("mirror ingestion status")
	}
}

// download fetches the filings and stages them under raw/. An empty result
// is permanent: no amount of retrying conjures filings that do not exist.
func (o *Orchestrator) download(ctx context.Context, state *BatchProcessingState) error {
	docs, err := o.fetcher.DownloadFilings(ctx, state.CompanyIdentifier, state.FilingTypes)
	if err != nil {
		return fmt.Errorf("download filings: %w", err)
	}
	if len(docs) == 0 {
		return backoff.Permanent(edgar.ErrNoFilingsFound)
	}

	state.Documents = state.Documents[:0]
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := o.blobs.WriteFile(state.ConversationID, blob.RawDir, doc.FileName, doc.Content); err != nil {
			return fmt.Errorf("stage raw filing: %w", err)
		}
		state.Documents = append(state.Documents, StateDocument{
			FileName:        doc.FileName,
			FilingType:      doc.FilingType,
			AccessionNumber: doc.AccessionNumber,
			FilingDate:      doc.FilingDate,
		})
	}
	return o.blobs.WriteStatus(state.ConversationID, state)
}

// extract converts each raw file to text, one .txt per raw file, skipping
// targets that already exist.
func (o *Orchestrator) extract(ctx context.Context, state *BatchProcessingState) error {
	names, err := o.blobs.ListFiles(state.ConversationID, blob.RawDir)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := name + ".txt"
		if o.blobs.Exists(state.ConversationID, blob.ExtractedDir, target) {
			continue
		}
		text, err := o.extractor.ExtractFile(o.blobs.FilePath(state.ConversationID, blob.RawDir, name))
		if err != nil {
			return fmt.Errorf("extract %s: %w", name, err)
		}
		if err := o.blobs.WriteFile(state.ConversationID, blob.ExtractedDir, target, []byte(text)); err != nil {
			return err
		}
	}
	return nil
}

// chunkStage splits every extracted text. The whole artifact is skipped when
// chunks.json exists: chunking is a pure function of the extracted texts and
// the write is atomic, so a present file is always complete.
func (o *Orchestrator) chunkStage(ctx context.Context, state *BatchProcessingState) error {
	if o.blobs.Exists(state.ConversationID, blob.ChunksDir, blob.ChunksFile) {
		return nil
	}

	names, err := o.blobs.ListFiles(state.ConversationID, blob.ExtractedDir)
	if err != nil {
		return err
	}
	sort.Strings(names)

	var all []DocumentChunk
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := o.blobs.ReadFile(state.ConversationID, blob.ExtractedDir, name)
		if err != nil {
			return err
		}
		source := strings.TrimSuffix(name, ".txt")
		for _, c := range o.chunker.Split(string(data)) {
			all = append(all, DocumentChunk{
				SourceDocument: source,
				ChunkIndex:     c.Index,
				Text:           c.Text,
				StartOffset:    c.StartOffset,
				EndOffset:      c.EndOffset,
			})
		}
	}

	payload, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return o.blobs.WriteFile(state.ConversationID, blob.ChunksDir, blob.ChunksFile, payload)
}

// embed computes vectors for every chunk. The whole artifact is skipped when
// embeddings.json exists; this is where money is spent, so the skip on retry
// is the central cost-correctness property.
func (o *Orchestrator) embed(ctx context.Context, state *BatchProcessingState) error {
	if o.blobs.Exists(state.ConversationID, blob.EmbeddingsDir, blob.EmbeddingsFile) {
		return nil
	}

	data, err := o.blobs.ReadFile(state.ConversationID, blob.ChunksDir, blob.ChunksFile)
	if err != nil {
		return fmt.Errorf("read chunks artifact: %w", err)
	}
	var chunks []DocumentChunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return fmt.Errorf("decode chunks artifact: %w", err)
	}

	vectors := make(map[string][]float32)
	var unique []string
	seen := make(map[string]bool)
	for _, c := range chunks {
		if !seen[c.Text] {
			seen[c.Text] = true
			unique = append(unique, c.Text)
		}
	}
	for start := 0; start < len(unique); start += o.batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + o.batchSize
		if end > len(unique) {
			end = len(unique)
		}
		batch, err := o.embedder.EmbedBatch(ctx, unique[start:end])
		if err != nil {
			return fmt.Errorf("embed batch: %w", err)
		}
		for text, vec := range batch {
			vectors[text] = vec
		}
	}

	embedded := make([]ChunkEmbedding, 0, len(chunks))
	for _, c := range chunks {
		vec, ok := vectors[c.Text]
		if !ok {
			return fmt.Errorf("provider returned no vector for chunk %d of %s", c.ChunkIndex, c.SourceDocument)
		}
		embedded = append(embedded, ChunkEmbedding{DocumentChunk: c, Embedding: vec})
	}

	payload, err := json.Marshal(embedded)
	if err != nil {
		return err
	}
	return o.blobs.WriteFile(state.ConversationID, blob.EmbeddingsDir, blob.EmbeddingsFile, payload)
}

// persist upserts the embedded chunks into the vector store under a
// per-conversation lock. No skip-if-exists here; the store's uniqueness
// constraint plus the hash gate make re-runs free.
func (o *Orchestrator) persist(ctx context.Context, state *BatchProcessingState) error {
	lockKey := "pipeline:persist:" + state.ConversationID.String()
	lockVal := ""
	if state.JobID != nil {
		lockVal = state.JobID.String()
	}
	acquired, err := o.locks.SetNX(ctx, lockKey, lockVal, o.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire persist lock: %w", err)
	}
	if !acquired {
		return ErrLockHeld
	}
	defer func() {
		_ = o.locks.Delete(context.Background(), lockKey)
	}()

	data, err := o.blobs.ReadFile(state.ConversationID, blob.EmbeddingsDir, blob.EmbeddingsFile)
	if err != nil {
		return fmt.Errorf("read embeddings artifact: %w", err)
	}
	var embedded []ChunkEmbedding
	if err := json.Unmarshal(data, &embedded); err != nil {
		return fmt.Errorf("decode embeddings artifact: %w", err)
	}

	byFile := make(map[string]StateDocument, len(state.Documents))
	for _, d := range state.Documents {
		byFile[d.FileName] = d
	}

	conversationID := state.ConversationID
	items := make([]storage.Embedding, 0, len(embedded))
	for _, e := range embedded {
		doc, ok := byFile[e.SourceDocument]
		if !ok {
			return fmt.Errorf("chunk references unknown source document %q", e.SourceDocument)
		}
		userID := state.UserID
		items = append(items, storage.Embedding{
			Owner:          storage.OwnerUserDocument,
			UserID:         &userID,
			ConversationID: &conversationID,
			DocumentID:     doc.DocumentID(),
			DocumentTitle:  documentTitle(state.CompanyIdentifier, doc),
			ChunkIndex:     e.ChunkIndex,
			ChunkHash:      ChunkHash(e.Text),
			Text:           e.Text,
			Vector:         e.Embedding,
		})
	}

	if err := o.vectors.UpsertEmbeddings(ctx, items); err != nil {
		return fmt.Errorf("upsert embeddings: %w", err)
	}

	if o.documents != nil {
		for _, d := range state.Documents {
			path := o.blobs.FilePath(conversationID, blob.RawDir, d.FileName)
			userID := state.UserID
			doc := &storage.Document{
				ID:             d.DocumentID(),
				Title:          documentTitle(state.CompanyIdentifier, d),
				UserID:         &userID,
				ConversationID: &conversationID,
				ContentType:    contentTypeFor(d.FileName),
				FilePath:       &path,
			}
			if err := o.documents.Upsert(ctx, doc); err != nil {
				return fmt.Errorf("record document: %w", err)
			}
		}
	}
	return nil
}

func documentTitle(companyIdentifier string, d StateDocument) string {
	return fmt.Sprintf("%s %s (%s)", companyIdentifier, d.FilingType, d.FilingDate.Format("2006-01-02"))
}

func contentTypeFor(fileName string) string {
	switch {
	case strings.HasSuffix(fileName, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(fileName, ".htm"), strings.HasSuffix(fileName, ".html"):
		return "text/html"
	default:
		return "text/plain"
	}
}

// schedule is a bounded backoff: the nth retry waits delays[n], the last
// delay repeating, until maxAttempts is exhausted.
type schedule struct {
	maxAttempts int
	delays      []time.Duration
	attempt     int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	if s.attempt >= s.maxAttempts {
		return backoff.Stop
	}
	i := s.attempt - 1
	if i >= len(s.delays) {
		i = len(s.delays) - 1
	}
	if i < 0 {
		return backoff.Stop
	}
	return s.delays[i]
}

func (s *schedule) Reset() {
	s.attempt = 0
}
