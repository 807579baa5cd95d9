package retrieval

import "github.com/filingsage/filingsage/internal/config"

// Strategy is the retrieval parameter pair for one intent. MaxK <= 0 means
// no cap.
type Strategy struct {
	MaxK          int
	MinSimilarity float64
}

// StrategySelector is a pure lookup from intent to configured parameters.
type StrategySelector struct {
	regular    Strategy
	exhaustive Strategy
}

// NewStrategySelector builds the selector from configuration.
func NewStrategySelector(cfg config.RetrievalConfig) *StrategySelector {
	return &StrategySelector{
		regular:    Strategy{MaxK: cfg.RegularMaxK, MinSimilarity: cfg.RegularMinSimilarity},
		exhaustive: Strategy{MaxK: cfg.ExhaustiveMaxK, MinSimilarity: cfg.ExhaustiveMinSimilarity},
	}
}

// For maps an intent to its strategy. Unknown intents get the regular one.
func (s *StrategySelector) For(intent Intent) Strategy {
	if intent == IntentExhaustive {
		return s.exhaustive
	}
	return s.regular
}
