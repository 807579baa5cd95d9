// Package blob provides the conversation-scoped staging area between
// pipeline stages. Every write is atomic: content goes to a temp file in
// the destination directory and is renamed into place.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Staging sub-directories within a conversation's area.
const (
	RawDir        = "raw"
	ExtractedDir  = "extracted"
	ChunksDir     = "chunks"
	EmbeddingsDir = "embeddings"

	StatusFile     = "status.json"
	ChunksFile     = "chunks.json"
	EmbeddingsFile = "embeddings.json"
)

// ErrStateMissing indicates status.json is absent. Fatal in any stage
// other than pipeline setup.
var ErrStateMissing = errors.New("pipeline state file missing")

// Store manages the staging directory tree under a configured base.
type Store struct {
	baseDir string
}

// NewStore creates a store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// ConversationDir returns the root staging directory for a conversation.
func (s *Store) ConversationDir(conversationID uuid.UUID) string {
	return filepath.Join(s.baseDir, conversationID.String())
}

// Dir returns (and creates) a named stage directory for a conversation.
func (s *Store) Dir(conversationID uuid.UUID, name string) (string, error) {
	dir := filepath.Join(s.ConversationDir(conversationID), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	return dir, nil
}

// Exists reports whether a file exists under a stage directory.
func (s *Store) Exists(conversationID uuid.UUID, dir, name string) bool {
	_, err := os.Stat(filepath.Join(s.ConversationDir(conversationID), dir, name))
	return err == nil
}

// WriteFile atomically writes content to {dir}/{name}. If the destination
// already exists the write is skipped, which makes stage outputs idempotent.
func (s *Store) WriteFile(conversationID uuid.UUID, dir, name string, content []byte) error {
	target, err := s.Dir(conversationID, dir)
	if err != nil {
		return err
	}
	path := filepath.Join(target, name)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return atomicWrite(path, content)
}

// ReadFile reads a stage artifact.
func (s *Store) ReadFile(conversationID uuid.UUID, dir, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.ConversationDir(conversationID), dir, name))
}

// ListFiles returns the file names in a stage directory, sorted.
func (s *Store) ListFiles(conversationID uuid.UUID, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.ConversationDir(conversationID), dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// FilePath returns the absolute path of a stage artifact.
func (s *Store) FilePath(conversationID uuid.UUID, dir, name string) string {
	return filepath.Join(s.ConversationDir(conversationID), dir, name)
}

// WriteStatus atomically (re)writes status.json. Unlike stage artifacts,
// the state file is always overwritten.
func (s *Store) WriteStatus(conversationID uuid.UUID, state interface{}) error {
	if err := os.MkdirAll(s.ConversationDir(conversationID), 0o755); err != nil {
		return fmt.Errorf("create conversation dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return atomicWrite(filepath.Join(s.ConversationDir(conversationID), StatusFile), data)
}

// ReadStatus deserializes status.json into out. Missing file yields
// ErrStateMissing.
func (s *Store) ReadStatus(conversationID uuid.UUID, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.ConversationDir(conversationID), StatusFile))
	if errors.Is(err, os.ErrNotExist) {
		return ErrStateMissing
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode state: %w", err)
	}
	return nil
}

// Conversations lists the conversation ids with a staging directory.
// Non-UUID entries under the base dir are ignored.
func (s *Store) Conversations() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// atomicWrite writes to {path}.tmp then renames. The temp file is cleaned
// up best-effort on failure.
func atomicWrite(path string, content []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
