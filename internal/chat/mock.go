package chat

import (
	"context"
	"sync"
)

// MockClient replays scripted responses in order. When the script runs out
// it repeats the last entry, or returns Fallback when the script is empty.
type MockClient struct {
	mu        sync.Mutex
	script    []string
	errs      []error
	failAt    map[int]error
	calls     int
	scriptIdx int
	prompts   []string
	contexts  []string

	Fallback string
}

// NewMockClient creates a scripted provider.
func NewMockClient(script ...string) *MockClient {
	return &MockClient{script: script}
}

// FailNext queues an error to be returned before the scripted responses
// resume.
func (m *MockClient) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
}

// FailAt makes the nth call (1-based) return err instead of consuming the
// script.
func (m *MockClient) FailAt(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAt == nil {
		m.failAt = make(map[int]error)
	}
	m.failAt[n] = err
}

// Calls reports how many provider calls have been made.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Prompts returns the prompts seen so far.
func (m *MockClient) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}

// Contexts returns the context blocks seen so far.
func (m *MockClient) Contexts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.contexts...)
}

// Generate replays the next scripted response.
func (m *MockClient) Generate(ctx context.Context, prompt, contextBlock string) (string, error) {
	return m.GenerateWithTier(ctx, TierDefault, prompt, contextBlock)
}

// GenerateWithTier replays the next scripted response.
func (m *MockClient) GenerateWithTier(ctx context.Context, tier Tier, prompt, contextBlock string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.prompts = append(m.prompts, prompt)
	m.contexts = append(m.contexts, contextBlock)

	if err, ok := m.failAt[m.calls]; ok {
		return "", err
	}
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}

	if len(m.script) == 0 {
		return m.Fallback, nil
	}
	i := m.scriptIdx
	if i >= len(m.script) {
		i = len(m.script) - 1
	}
	m.scriptIdx++
	return m.script[i], nil
}
