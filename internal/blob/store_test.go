package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileIdempotent(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	require.NoError(t, s.WriteFile(conv, RawDir, "a.txt", []byte("first")))
	// A second write to the same destination is skipped.
	require.NoError(t, s.WriteFile(conv, RawDir, "a.txt", []byte("second")))

	data, err := s.ReadFile(conv, RawDir, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestWriteFileLeavesNoTempFile(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	require.NoError(t, s.WriteFile(conv, ChunksDir, ChunksFile, []byte(`[]`)))

	entries, err := os.ReadDir(filepath.Join(s.ConversationDir(conv), ChunksDir))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ChunksFile, entries[0].Name())
}

func TestListFiles(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	names, err := s.ListFiles(conv, RawDir)
	require.NoError(t, err)
	assert.Nil(t, names)

	require.NoError(t, s.WriteFile(conv, RawDir, "b.htm", []byte("b")))
	require.NoError(t, s.WriteFile(conv, RawDir, "a.htm", []byte("a")))

	names, err = s.ListFiles(conv, RawDir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.htm", "b.htm"}, names)
}

func TestExists(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	assert.False(t, s.Exists(conv, ExtractedDir, "a.txt"))
	require.NoError(t, s.WriteFile(conv, ExtractedDir, "a.txt", []byte("x")))
	assert.True(t, s.Exists(conv, ExtractedDir, "a.txt"))
}

type fakeState struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func TestStatusRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	var missing fakeState
	assert.ErrorIs(t, s.ReadStatus(conv, &missing), ErrStateMissing)

	require.NoError(t, s.WriteStatus(conv, fakeState{Status: "pending", Count: 1}))
	// Unlike stage artifacts, the state file is always overwritten.
	require.NoError(t, s.WriteStatus(conv, fakeState{Status: "downloading", Count: 2}))

	var got fakeState
	require.NoError(t, s.ReadStatus(conv, &got))
	assert.Equal(t, fakeState{Status: "downloading", Count: 2}, got)
}

func TestConversations(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	// Missing base dir is an empty staging area, not an error.
	ids, err := NewStore(filepath.Join(dir, "absent")).Conversations()
	require.NoError(t, err)
	assert.Empty(t, ids)

	a, b := uuid.New(), uuid.New()
	require.NoError(t, s.WriteStatus(a, fakeState{Status: "pending"}))
	require.NoError(t, s.WriteFile(b, RawDir, "f.txt", []byte("x")))
	// Stray non-UUID entries in the base dir are not conversations.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "lost+found"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	ids, err = s.Conversations()
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a, b}, ids)
}

func TestStatusCorrupt(t *testing.T) {
	s := NewStore(t.TempDir())
	conv := uuid.New()

	require.NoError(t, os.MkdirAll(s.ConversationDir(conv), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.ConversationDir(conv), StatusFile), []byte("{not json"), 0o644))

	var got fakeState
	err := s.ReadStatus(conv, &got)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrStateMissing)
}
