package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PGVectorStore persists embeddings in Postgres with the pgvector extension.
// KNN queries use the HNSW index on the vector column with cosine distance.
type PGVectorStore struct {
	db *sql.DB
}

// NewPGVectorStore creates a vector store over an open Postgres connection.
func NewPGVectorStore(db *sql.DB) *PGVectorStore {
	return &PGVectorStore{db: db}
}

// upsertKey identifies one scope group within an upsert batch.
type upsertKey struct {
	owner        OwnerKind
	userID       string
	conversation string
	documentID   string
}

func keyFor(e Embedding, byDocumentOnly bool) upsertKey {
	k := upsertKey{owner: e.Owner, documentID: e.DocumentID}
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

// UpsertEmbeddings inserts or updates chunk rows grouped by
// (user, conversation, document). Rows whose stored chunk_hash matches the
// incoming one are left untouched, so a clean re-run incurs zero writes.
func (s *PGVectorStore) UpsertEmbeddings(ctx context.Context, items []Embedding) error {
	return s.upsert(ctx, items, false)
}

// UpsertDocumentEmbeddings groups only by document id, for bulk corpus loads.
func (s *PGVectorStore) UpsertDocumentEmbeddings(ctx context.Context, items []Embedding) error {
	return s.upsert(ctx, items, true)
}

func (s *PGVectorStore) upsert(ctx context.Context, items []Embedding, byDocumentOnly bool) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	groups := map[upsertKey][]Embedding{}
	for _, item := range items {
		k := keyFor(item, byDocumentOnly)
		groups[k] = append(groups[k], item)
	}

	now := time.Now()
	for key, group := range groups {
		existing, err := s.loadExisting(ctx, tx, key, byDocumentOnly)
		if err != nil {
			return err
		}

		for _, item := range group {
			prev, ok := existing[item.ChunkIndex]
			if ok && prev.hash == item.ChunkHash {
				continue // content unchanged, no write
			}

			if ok {
				if _, err := tx.ExecContext(ctx, `
					UPDATE embeddings
					SET text = $1, vector = $2::vector, document_title = $3,
						chunk_hash = $4, updated_at = $5
					WHERE id = $6
				`, item.Text, vectorLiteral(item.Vector), item.DocumentTitle,
					item.ChunkHash, now, prev.id); err != nil {
					return fmt.Errorf("update embedding: %w", err)
				}
				continue
			}

			id := item.ID
			if id == uuid.Nil {
				id = uuid.New()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO embeddings
					(id, owner, user_id, conversation_id, document_id, document_title,
					 chunk_index, chunk_hash, text, vector, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::vector, $11, $12)
			`, id, string(item.Owner), item.UserID, item.ConversationID,
				item.DocumentID, item.DocumentTitle, item.ChunkIndex,
				item.ChunkHash, item.Text, vectorLiteral(item.Vector), now, now); err != nil {
				return fmt.Errorf("insert embedding: %w", err)
			}
		}
	}

	return tx.Commit()
}

type existingRow struct {
	id   uuid.UUID
	hash string
}

func (s *PGVectorStore) loadExisting(ctx context.Context, tx *sql.Tx, key upsertKey, byDocumentOnly bool) (map[int]existingRow, error) {
	var rows *sql.Rows
	var err error
	if byDocumentOnly {
		rows, err = tx.QueryContext(ctx, `
			SELECT id, chunk_index, chunk_hash FROM embeddings
			WHERE owner = $1 AND document_id = $2
		`, string(key.owner), key.documentID)
	} else {
		rows, err = tx.QueryContext(ctx, `
			SELECT id, chunk_index, chunk_hash FROM embeddings
			WHERE owner = $1 AND COALESCE(user_id, '') = $2
				AND COALESCE(conversation_id::text, '') = $3 AND document_id = $4
		`, string(key.owner), key.userID, key.conversation, key.documentID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	existing := map[int]existingRow{}
	for rows.Next() {
		var id uuid.UUID
		var idx int
		var hash string
		if err := rows.Scan(&id, &idx, &hash); err != nil {
			return nil, err
		}
		existing[idx] = existingRow{id: id, hash: hash}
	}
	return existing, rows.Err()
}

// SearchAllSystem returns the top K user-document chunks across all scopes.
func (s *PGVectorStore) SearchAllSystem(ctx context.Context, queryVec []float32, topK int) ([]SimilarChunk, error) {
	query := `
		SELECT text, document_id, document_title,
			(1 - (vector <=> $1::vector))::real AS similarity
		FROM embeddings
		WHERE owner = $2
		ORDER BY vector <=> $1::vector, document_id, text
		LIMIT $3
	`
	return s.querySimilar(ctx, query, vectorLiteral(queryVec), string(OwnerUserDocument), topK)
}

// SearchInConversation returns the top K chunks within a user's scope.
// A nil conversation id in the scope matches embeddings from any conversation.
func (s *PGVectorStore) SearchInConversation(ctx context.Context, queryVec []float32, scope Scope, topK int) ([]SimilarChunk, error) {
	query := `
		SELECT text, document_id, document_title,
			(1 - (vector <=> $1::vector))::real AS similarity
		FROM embeddings
		WHERE owner = $2 AND user_id = $3
			AND ($4::uuid IS NULL OR conversation_id = $4::uuid)
		ORDER BY vector <=> $1::vector, document_id, text
		LIMIT $5
	`
	return s.querySimilar(ctx, query, vectorLiteral(queryVec), string(OwnerUserDocument),
		scope.UserID, scope.ConversationID, topK)
}

// SearchAdaptive returns every chunk meeting the similarity floor, ordered
// by similarity descending, capped at maxK. maxK <= 0 means no cap.
func (s *PGVectorStore) SearchAdaptive(ctx context.Context, owner OwnerKind, queryVec []float32, maxK int, minSimilarity float64, scope *Scope) ([]SimilarChunk, error) {
	var sb strings.Builder
	sb.WriteString(`
		SELECT text, document_id, document_title,
			(1 - (vector <=> $1::vector))::real AS similarity
		FROM embeddings
		WHERE owner = $2 AND (vector <=> $1::vector) <= $3
	`)
	args := []interface{}{vectorLiteral(queryVec), string(owner), 1 - minSimilarity}

	if scope != nil {
		args = append(args, scope.UserID)
		sb.WriteString(fmt.Sprintf(" AND user_id = $%d", len(args)))
		if scope.ConversationID != nil {
			args = append(args, *scope.ConversationID)
			sb.WriteString(fmt.Sprintf(" AND conversation_id = $%d", len(args)))
		}
	}

	sb.WriteString(" ORDER BY vector <=> $1::vector, document_id, text")
	if maxK > 0 {
		args = append(args, maxK)
		sb.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}

	return s.querySimilar(ctx, sb.String(), args...)
}

// ListByDocument loads every embedding row for one document in a scope,
// including vectors, for referenced-document similarity scoring.
func (s *PGVectorStore) ListByDocument(ctx context.Context, scope Scope, documentID string) ([]Embedding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, document_title, chunk_index, chunk_hash, text, vector::text
		FROM embeddings
		WHERE owner = $1 AND user_id = $2 AND document_id = $3
			AND ($4::uuid IS NULL OR conversation_id = $4::uuid)
		ORDER BY chunk_index
	`, string(OwnerUserDocument), scope.UserID, documentID, scope.ConversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Embedding
	for rows.Next() {
		var e Embedding
		var vec string
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.DocumentTitle,
			&e.ChunkIndex, &e.ChunkHash, &e.Text, &vec); err != nil {
			return nil, err
		}
		e.Owner = OwnerUserDocument
		e.Vector, err = parseVectorLiteral(vec)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// DeleteByConversation removes all embedding rows in a conversation's scope.
func (s *PGVectorStore) DeleteByConversation(ctx context.Context, conversationID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE conversation_id = $1`, conversationID)
	return err
}

func (s *PGVectorStore) querySimilar(ctx context.Context, query string, args ...interface{}) ([]SimilarChunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SimilarChunk
	for rows.Next() {
		var c SimilarChunk
		if err := rows.Scan(&c.Text, &c.DocumentID, &c.DocumentTitle, &c.Similarity); err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// vectorLiteral renders a float32 slice in pgvector's input syntax.
func vectorLiteral(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

func parseVectorLiteral(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("parse vector literal: %w", err)
		}
		out[i] = float32(f)
	}
	return out, nil
}
