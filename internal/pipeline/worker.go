package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/filingsage/filingsage/internal/observability"
)

// Pool schedules ingestion runs on background goroutines, capping the
// number of concurrently executing batches.
type Pool struct {
	orchestrator *Orchestrator
	sem          *semaphore.Weighted
	logger       *observability.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
	closed bool
}

// NewPool creates a worker pool running at most maxConcurrent batches.
func NewPool(orchestrator *Orchestrator, maxConcurrent int, logger *observability.Logger) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = observability.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		orchestrator: orchestrator,
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Enqueue writes the durable state for the batch and schedules its run.
// The state is persisted before the goroutine starts, so a crash between
// enqueue and execution leaves a resumable record.
func (p *Pool) Enqueue(req Request) (*BatchProcessingState, error) {
	state, err := p.orchestrator.Setup(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return state, nil
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		if err := p.orchestrator.Run(p.ctx, req.ConversationID); err != nil {
			p.logger.WithConversation(req.ConversationID.String()).
				Error().Err(err).Msg("ingestion run failed")
		}
	}()
	return state, nil
}

// Resume schedules a run for a conversation whose state file already
// exists, without rewriting it. Completed stages skip via their artifacts.
func (p *Pool) Resume(conversationID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		if err := p.orchestrator.Run(p.ctx, conversationID); err != nil {
			p.logger.WithConversation(conversationID.String()).
				Error().Err(err).Msg("ingestion resume failed")
		}
	}()
}

// ResumeIncomplete scans the staging area and schedules a run for every
// conversation whose pipeline state is not terminal. Called at startup so
// batches interrupted by a restart pick up from their last completed stage.
// Returns how many batches were scheduled.
func (p *Pool) ResumeIncomplete() (int, error) {
	ids, err := p.orchestrator.blobs.Conversations()
	if err != nil {
		return 0, fmt.Errorf("scan staging area: %w", err)
	}

	resumed := 0
	for _, id := range ids {
		var state BatchProcessingState
		if err := p.orchestrator.blobs.ReadStatus(id, &state); err != nil {
			p.logger.WithConversation(id.String()).
				Warn().Err(err).Msg("skip unreadable pipeline state")
			continue
		}
		if state.Status.Terminal() {
			continue
		}
		p.Resume(id)
		resumed++
	}
	return resumed, nil
}

// Shutdown cancels running batches and waits for them to stop.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
