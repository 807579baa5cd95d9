package storage

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemVectorStore is an in-memory vector store with the same semantics as
// PGVectorStore. It backs dev mode (sqlite driver) and the test suites.
type MemVectorStore struct {
	mu   sync.RWMutex
	rows map[upsertRowKey]*memRow
}

type upsertRowKey struct {
	owner        OwnerKind
	userID       string
	conversation string
	documentID   string
	chunkIndex   int
}

type memRow struct {
	embedding Embedding
	updatedAt time.Time
}

// NewMemVectorStore creates an empty in-memory vector store.
func NewMemVectorStore() *MemVectorStore {
	return &MemVectorStore{rows: make(map[upsertRowKey]*memRow)}
}

func rowKey(e Embedding, byDocumentOnly bool) upsertRowKey {
	k := upsertRowKey{owner: e.Owner, documentID: e.DocumentID, chunkIndex: e.ChunkIndex}
	if byDocumentOnly {
		return k
	}
	if e.UserID != nil {
		k.userID = *e.UserID
	}
	if e.ConversationID != nil {
		k.conversation = e.ConversationID.String()
	}
	return k
}

// UpsertEmbeddings inserts or updates rows; matching chunk hashes are no-ops.
func (s *MemVectorStore) UpsertEmbeddings(ctx context.Context, items []Embedding) error {
	return s.upsert(items, false)
}

// UpsertDocumentEmbeddings groups only by document id.
func (s *MemVectorStore) UpsertDocumentEmbeddings(ctx context.Context, items []Embedding) error {
	return s.upsert(items, true)
}

func (s *MemVectorStore) upsert(items []Embedding, byDocumentOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, item := range items {
		key := rowKey(item, byDocumentOnly)
		if existing, ok := s.rows[key]; ok {
			if existing.embedding.ChunkHash == item.ChunkHash {
				continue
			}
			existing.embedding.Text = item.Text
			existing.embedding.Vector = item.Vector
			existing.embedding.DocumentTitle = item.DocumentTitle
			existing.embedding.ChunkHash = item.ChunkHash
			existing.updatedAt = now
			continue
		}
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.CreatedAt = now
		item.UpdatedAt = now
		s.rows[key] = &memRow{embedding: item, updatedAt: now}
	}
	return nil
}

// SearchAllSystem returns the top K user-document chunks across all scopes.
func (s *MemVectorStore) SearchAllSystem(ctx context.Context, queryVec []float32, topK int) ([]SimilarChunk, error) {
	return s.search(queryVec, OwnerUserDocument, topK, -1, nil, false), nil
}

// SearchInConversation returns the top K chunks within a user's scope.
func (s *MemVectorStore) SearchInConversation(ctx context.Context, queryVec []float32, scope Scope, topK int) ([]SimilarChunk, error) {
	return s.search(queryVec, OwnerUserDocument, topK, -1, &scope, true), nil
}

// SearchAdaptive returns chunks meeting the similarity floor, ordered by
// similarity descending, capped at maxK (<= 0 means no cap).
func (s *MemVectorStore) SearchAdaptive(ctx context.Context, owner OwnerKind, queryVec []float32, maxK int, minSimilarity float64, scope *Scope) ([]SimilarChunk, error) {
	return s.search(queryVec, owner, maxK, minSimilarity, scope, scope != nil), nil
}

func (s *MemVectorStore) search(queryVec []float32, owner OwnerKind, limit int, minSimilarity float64, scope *Scope, scoped bool) []SimilarChunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		chunk SimilarChunk
	}
	var results []scored
	for _, row := range s.rows {
		e := row.embedding
		if e.Owner != owner {
			continue
		}
		if scoped && scope != nil {
			if e.UserID == nil || *e.UserID != scope.UserID {
				continue
			}
			if scope.ConversationID != nil {
				if e.ConversationID == nil || *e.ConversationID != *scope.ConversationID {
					continue
				}
			}
		}
		sim := CosineSimilarity(queryVec, e.Vector)
		if minSimilarity >= 0 && float64(sim) < minSimilarity {
			continue
		}
		results = append(results, scored{chunk: SimilarChunk{
			Text:          e.Text,
			DocumentID:    e.DocumentID,
			DocumentTitle: e.DocumentTitle,
			Similarity:    sim,
		}})
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i].chunk, results[j].chunk
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.DocumentID != b.DocumentID {
			return a.DocumentID < b.DocumentID
		}
		return a.Text < b.Text
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}

	out := make([]SimilarChunk, len(results))
	for i, r := range results {
		out[i] = r.chunk
	}
	return out
}

// ListByDocument loads every row for one document in a scope.
func (s *MemVectorStore) ListByDocument(ctx context.Context, scope Scope, documentID string) ([]Embedding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Embedding
	for _, row := range s.rows {
		e := row.embedding
		if e.Owner != OwnerUserDocument || e.DocumentID != documentID {
			continue
		}
		if e.UserID == nil || *e.UserID != scope.UserID {
			continue
		}
		if scope.ConversationID != nil {
			if e.ConversationID == nil || *e.ConversationID != *scope.ConversationID {
				continue
			}
		}
		items = append(items, e)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ChunkIndex < items[j].ChunkIndex })
	return items, nil
}

// DeleteByConversation removes all rows in a conversation's scope.
func (s *MemVectorStore) DeleteByConversation(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, row := range s.rows {
		if row.embedding.ConversationID != nil && *row.embedding.ConversationID == conversationID {
			delete(s.rows, key)
		}
	}
	return nil
}

// RowCount reports the number of stored rows.
func (s *MemVectorStore) RowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// UpdatedAt reports the last write time of one row, for hash-gating checks.
func (s *MemVectorStore) UpdatedAt(e Embedding) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[rowKey(e, false)]
	if !ok {
		return time.Time{}, false
	}
	return row.updatedAt, true
}

// CosineSimilarity computes 1 - cosineDistance over two vectors.
// Mismatched or zero-norm vectors score zero.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return float32(sim)
}
