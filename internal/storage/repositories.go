package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Common errors
var (
	ErrNotFound   = errors.New("record not found")
	ErrValidation = errors.New("validation failed")
)

// DB is the subset of database/sql used by the repositories. Queries use
// ordinal placeholders in first-occurrence order so both lib/pq and
// go-sqlite3 bind them positionally.
type DB interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ConversationRepository handles conversation CRUD operations.
type ConversationRepository struct {
	db DB
}

// NewConversationRepository creates a new conversation repository.
func NewConversationRepository(db DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// Create creates a new conversation with its company list.
func (r *ConversationRepository) Create(ctx context.Context, conv *Conversation) error {
	if conv.Title == "" {
		return fmt.Errorf("%w: empty title", ErrValidation)
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	now := time.Now()
	conv.CreatedAt = now
	conv.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (id, user_id, title, ingestion_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, query,
		conv.ID, conv.UserID, conv.Title, statusArg(conv.IngestionStatus),
		conv.CreatedAt, conv.UpdatedAt,
	); err != nil {
		return err
	}

	if err := insertCompanies(ctx, tx, conv.ID, conv.Companies); err != nil {
		return err
	}

	return tx.Commit()
}

// GetByID retrieves a conversation owned by the given user.
func (r *ConversationRepository) GetByID(ctx context.Context, userID string, id uuid.UUID) (*Conversation, error) {
	query := `
		SELECT id, user_id, title, ingestion_status, created_at, updated_at
		FROM conversations WHERE id = $1 AND user_id = $2
	`
	conv := &Conversation{}
	var status sql.NullString
	err := r.db.QueryRowContext(ctx, query, id, userID).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &status, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if status.Valid {
		s := IngestionStatus(status.String)
		conv.IngestionStatus = &s
	}

	conv.Companies, err = r.loadCompanies(ctx, conv.ID)
	return conv, err
}

// ListByUser lists all conversations for a user, most recently updated first.
func (r *ConversationRepository) ListByUser(ctx context.Context, userID string) ([]*Conversation, error) {
	query := `
		SELECT id, user_id, title, ingestion_status, created_at, updated_at
		FROM conversations
		WHERE user_id = $1
		ORDER BY updated_at DESC
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv := &Conversation{}
		var status sql.NullString
		if err := rows.Scan(
			&conv.ID, &conv.UserID, &conv.Title, &status, &conv.CreatedAt, &conv.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if status.Valid {
			s := IngestionStatus(status.String)
			conv.IngestionStatus = &s
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// SetIngestionStatus mirrors the pipeline's terminal state onto the conversation.
func (r *ConversationRepository) SetIngestionStatus(ctx context.Context, id uuid.UUID, status IngestionStatus) error {
	query := `
		UPDATE conversations SET ingestion_status = $1, updated_at = $2 WHERE id = $3
	`
	result, err := r.db.ExecContext(ctx, query, string(status), time.Now(), id)
	if err != nil {
		return err
	}
	return requireRows(result)
}

// Touch refreshes the conversation's updated_at timestamp.
func (r *ConversationRepository) Touch(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		return err
	}
	return requireRows(result)
}

// ReplaceCompanies swaps the conversation's company list.
func (r *ConversationRepository) ReplaceCompanies(ctx context.Context, id uuid.UUID, companies []Company) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_companies WHERE conversation_id = $1`, id); err != nil {
		return err
	}
	if err := insertCompanies(ctx, tx, id, companies); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations SET updated_at = $1 WHERE id = $2`, time.Now(), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes a conversation and cascades to messages and sources.
// Embedding rows in the conversation's scope are removed by the vector store.
func (r *ConversationRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_sources WHERE message_id IN
			(SELECT id FROM messages WHERE conversation_id = $1)
	`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE conversation_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM conversation_companies WHERE conversation_id = $1`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if err := requireRows(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ConversationRepository) loadCompanies(ctx context.Context, id uuid.UUID) ([]Company, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT company_id, name FROM conversation_companies
		WHERE conversation_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var companies []Company
	for rows.Next() {
		var c Company
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		companies = append(companies, c)
	}
	return companies, rows.Err()
}

func insertCompanies(ctx context.Context, tx *sql.Tx, convID uuid.UUID, companies []Company) error {
	for i := range companies {
		if companies[i].Name == "" {
			return fmt.Errorf("%w: empty company name", ErrValidation)
		}
		if companies[i].ID == uuid.Nil {
			companies[i].ID = uuid.New()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_companies (conversation_id, company_id, name, position)
			VALUES ($1, $2, $3, $4)
		`, convID, companies[i].ID, companies[i].Name, i); err != nil {
			return err
		}
	}
	return nil
}

// MessageRepository handles message CRUD operations.
type MessageRepository struct {
	db DB
}

// NewMessageRepository creates a new message repository.
func NewMessageRepository(db DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create persists a message together with its source citations.
func (r *MessageRepository) Create(ctx context.Context, msg *Message) error {
	if msg.Content == "" {
		return fmt.Errorf("%w: empty message content", ErrValidation)
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO messages (id, conversation_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := tx.ExecContext(ctx, query,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
		nullableRaw(msg.Metadata), msg.CreatedAt,
	); err != nil {
		return err
	}

	for _, src := range msg.Sources {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO message_sources
				(message_id, document_id, document_title, relevance_score, avg_similarity, chunks_used, source_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, msg.ID, src.DocumentID, src.DocumentTitle, src.RelevanceScore, src.AvgSimilarity, src.ChunksUsed, src.Order); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListByConversation returns messages in chronological order with sources.
func (r *MessageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, metadata, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at, id
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	byID := map[uuid.UUID]*Message{}
	for rows.Next() {
		msg := &Message{}
		var role string
		var metadata sql.NullString
		if err := rows.Scan(
			&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadata, &msg.CreatedAt,
		); err != nil {
			return nil, err
		}
		msg.Role = MessageRole(role)
		if metadata.Valid {
			msg.Metadata = []byte(metadata.String)
		}
		messages = append(messages, msg)
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	srcRows, err := r.db.QueryContext(ctx, `
		SELECT message_id, document_id, document_title, relevance_score, avg_similarity, chunks_used, source_order
		FROM message_sources
		WHERE message_id IN (SELECT id FROM messages WHERE conversation_id = $1)
		ORDER BY source_order
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer srcRows.Close()

	for srcRows.Next() {
		var msgID uuid.UUID
		var src Source
		if err := srcRows.Scan(
			&msgID, &src.DocumentID, &src.DocumentTitle,
			&src.RelevanceScore, &src.AvgSimilarity, &src.ChunksUsed, &src.Order,
		); err != nil {
			return nil, err
		}
		if msg, ok := byID[msgID]; ok {
			msg.Sources = append(msg.Sources, src)
		}
	}
	return messages, srcRows.Err()
}

// DocumentRepository handles document records.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Upsert inserts a document or refreshes its mutable fields.
func (r *DocumentRepository) Upsert(ctx context.Context, doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("%w: empty document id", ErrValidation)
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now()
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE documents SET title = $1, full_text = $2, content_type = $3, file_path = $4
		WHERE id = $5
	`, doc.Title, doc.FullText, doc.ContentType, doc.FilePath, doc.ID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, full_text, user_id, conversation_id, content_type, file_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, doc.ID, doc.Title, doc.FullText, doc.UserID, doc.ConversationID,
		doc.ContentType, doc.FilePath, doc.CreatedAt)
	return err
}

// GetByID retrieves a document.
func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*Document, error) {
	query := `
		SELECT id, title, full_text, user_id, conversation_id, content_type, file_path, created_at
		FROM documents WHERE id = $1
	`
	doc := &Document{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&doc.ID, &doc.Title, &doc.FullText, &doc.UserID, &doc.ConversationID,
		&doc.ContentType, &doc.FilePath, &doc.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// ListByConversation lists documents bound to a conversation.
func (r *DocumentRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID) ([]*Document, error) {
	query := `
		SELECT id, title, full_text, user_id, conversation_id, content_type, file_path, created_at
		FROM documents WHERE conversation_id = $1 ORDER BY created_at
	`
	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{}
		if err := rows.Scan(
			&doc.ID, &doc.Title, &doc.FullText, &doc.UserID, &doc.ConversationID,
			&doc.ContentType, &doc.FilePath, &doc.CreatedAt,
		); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Repositories bundles all domain repositories together.
type Repositories struct {
	Conversations *ConversationRepository
	Messages      *MessageRepository
	Documents     *DocumentRepository
}

// NewRepositories creates all repositories with the given database connection.
func NewRepositories(db DB) *Repositories {
	return &Repositories{
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
		Documents:     NewDocumentRepository(db),
	}
}

func statusArg(s *IngestionStatus) interface{} {
	if s == nil {
		return nil
	}
	return string(*s)
}

func nullableRaw(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func requireRows(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
