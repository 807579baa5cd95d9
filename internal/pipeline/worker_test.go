package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filingsage/filingsage/internal/storage"
)

func waitForTerminal(t *testing.T, f *pipelineFixture) BatchProcessingState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		state := f.readState(t)
		if state.Status.Terminal() {
			return state
		}
		require.True(t, time.Now().Before(deadline),
			"pipeline did not reach a terminal state, last status %s", state.Status)
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResumeIncompleteRunsInterruptedBatch(t *testing.T) {
	f := newPipelineFixture(t)

	// A crash between enqueue and execution leaves the durable state in
	// Pending with no run ever started.
	_, err := f.orchestrator.Setup(Request{
		ConversationID:    f.conv,
		UserID:            "u1",
		CompanyIdentifier: "AAPL",
		FilingTypes:       []string{"10-K"},
	})
	require.NoError(t, err)
	require.Equal(t, storage.IngestionStatusPending, f.readState(t).Status)

	pool := NewPool(f.orchestrator, 2, nil)
	defer pool.Shutdown()

	resumed, err := pool.ResumeIncomplete()
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	state := waitForTerminal(t, f)
	assert.Equal(t, storage.IngestionStatusCompleted, state.Status)

	// Shutdown joins the worker goroutine before the counter is read.
	pool.Shutdown()
	assert.Equal(t, 1, f.fetcher.calls)
}

func TestResumeIncompleteSkipsTerminalBatches(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.setupAndRun(t))
	calls := f.fetcher.calls

	pool := NewPool(f.orchestrator, 2, nil)
	defer pool.Shutdown()

	resumed, err := pool.ResumeIncomplete()
	require.NoError(t, err)
	assert.Zero(t, resumed)
	assert.Equal(t, calls, f.fetcher.calls)
}

func TestResumeIncompleteEmptyStagingArea(t *testing.T) {
	f := newPipelineFixture(t)

	pool := NewPool(f.orchestrator, 2, nil)
	defer pool.Shutdown()

	resumed, err := pool.ResumeIncomplete()
	require.NoError(t, err)
	assert.Zero(t, resumed)
}
