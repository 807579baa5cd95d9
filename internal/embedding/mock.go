package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"sync"
)

// MockClient produces deterministic unit vectors derived from the text's
// hash. Equal texts always embed identically, distinct texts almost never
// do, which is enough for exercising the store and the pipeline.
type MockClient struct {
	mu    sync.Mutex
	calls int

	// FailUntilCall, when > 0, makes Embed and EmbedBatch return FailErr
	// for every call numbered below it.
	FailUntilCall int
	FailErr       error
}

// NewMockClient creates a deterministic mock provider.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// Calls reports how many provider calls have been made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) maybeFail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.FailUntilCall > 0 && m.calls <= m.FailUntilCall {
		return m.FailErr
	}
	return nil
}

// Embed returns the deterministic vector for text.
func (m *MockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	return DeterministicVector(text), nil
}

// EmbedBatch returns deterministic vectors keyed by text.
func (m *MockClient) EmbedBatch(ctx context.Context, texts []string) (map[string][]float32, error) {
	if err := m.maybeFail(); err != nil {
		return nil, err
	}
	out := make(map[string][]float32, len(texts))
	for _, t := range texts {
		out[t] = DeterministicVector(t)
	}
	return out, nil
}

// DeterministicVector expands the SHA-256 of text into a unit vector of the
// standard dimension.
func DeterministicVector(text string) []float32 {
	seed := sha256.Sum256([]byte(text))
	vec := make([]float32, Dimension)
	var norm float64
	for i := range vec {
		word := binary.BigEndian.Uint32(seed[(i*4)%28 : (i*4)%28+4])
		word ^= uint32(i) * 2654435761
		v := float64(int32(word)) / float64(math.MaxInt32)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
