package retrieval

import (
	"context"
	"strings"

	"github.com/filingsage/filingsage/internal/chat"
	"github.com/filingsage/filingsage/internal/observability"
)

const rewriteSystemPrompt = `Rewrite the user's question as a short standalone search query for a
semantic index of company filings. Resolve pronouns from the conversation
when given. Reply with the query only.`

// Preprocessor rewrites user questions into search-oriented queries on the
// chat provider's fast tier. Failures fall back to the original question.
type Preprocessor struct {
	chat   chat.Provider
	logger *observability.Logger
}

// NewPreprocessor creates a query preprocessor.
func NewPreprocessor(provider chat.Provider, logger *observability.Logger) *Preprocessor {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Preprocessor{chat: provider, logger: logger}
}

// Rewrite returns the search-oriented form of query. History, when
// non-empty, is offered to the model for pronoun resolution.
func (p *Preprocessor) Rewrite(ctx context.Context, query, history string) string {
	prompt := query
	if history != "" {
		prompt = history + "\n\nQuestion: " + query
	}
	rewritten, err := p.chat.GenerateWithTier(ctx, chat.TierFast, prompt, rewriteSystemPrompt)
	if err != nil || strings.TrimSpace(rewritten) == "" {
		if err != nil {
			p.logger.Warn().Err(err).Msg("query rewrite failed, using original")
		}
		return query
	}
	return strings.TrimSpace(rewritten)
}
