package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// sqliteSchema covers the domain tables only; dev mode keeps vectors in the
// in-memory index, so no embeddings table is created here.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		ingestion_status TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_companies (
		conversation_id TEXT NOT NULL,
		company_id TEXT NOT NULL,
		name TEXT NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, company_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS message_sources (
		message_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		document_title TEXT NOT NULL,
		relevance_score REAL NOT NULL,
		avg_similarity REAL NOT NULL,
		chunks_used INTEGER NOT NULL,
		source_order INTEGER NOT NULL,
		PRIMARY KEY (message_id, document_id)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		full_text TEXT,
		user_id TEXT,
		conversation_id TEXT,
		content_type TEXT NOT NULL,
		file_path TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

var postgresSchema = []string{
	`CREATE EXTENSION IF NOT EXISTS vector`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL,
		title TEXT NOT NULL,
		ingestion_status TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS conversation_companies (
		conversation_id UUID NOT NULL,
		company_id UUID NOT NULL,
		name TEXT NOT NULL,
		position INT NOT NULL,
		PRIMARY KEY (conversation_id, company_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		conversation_id UUID NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS message_sources (
		message_id UUID NOT NULL,
		document_id TEXT NOT NULL,
		document_title TEXT NOT NULL,
		relevance_score DOUBLE PRECISION NOT NULL,
		avg_similarity DOUBLE PRECISION NOT NULL,
		chunks_used INT NOT NULL,
		source_order INT NOT NULL,
		PRIMARY KEY (message_id, document_id)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		full_text TEXT,
		user_id TEXT,
		conversation_id UUID,
		content_type TEXT NOT NULL,
		file_path TEXT,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS embeddings (
		id UUID PRIMARY KEY,
		owner TEXT NOT NULL,
		user_id TEXT,
		conversation_id UUID,
		document_id TEXT NOT NULL,
		document_title TEXT NOT NULL,
		chunk_index INT NOT NULL,
		chunk_hash TEXT NOT NULL,
		text TEXT NOT NULL,
		vector vector(1536) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_embeddings_scope_chunk ON embeddings
		(owner, COALESCE(user_id, ''), COALESCE(conversation_id::text, ''), document_id, chunk_index)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_vector ON embeddings
		USING hnsw (vector vector_cosine_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_embeddings_document ON embeddings (document_id)`,
}

// EnsureSchema creates the tables and indexes for the given driver.
func EnsureSchema(ctx context.Context, db *sql.DB, driver string) error {
	var stmts []string
	switch driver {
	case "sqlite", "sqlite3":
		stmts = sqliteSchema
	case "postgres":
		stmts = postgresSchema
	default:
		return fmt.Errorf("unsupported driver: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
