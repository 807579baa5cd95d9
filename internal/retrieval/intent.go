// Package retrieval classifies query intent, selects retrieval parameters,
// and assembles grounded answers from the vector store and chat provider.
package retrieval

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/filingsage/filingsage/internal/chat"
	"github.com/filingsage/filingsage/internal/observability"
)

// Intent selects the retrieval strategy for a query.
type Intent string

const (
	// IntentRegular is a focused question answered from the best chunks.
	IntentRegular Intent = "REGULAR"
	// IntentExhaustive asks for everything matching, recall over precision.
	IntentExhaustive Intent = "EXHAUSTIVE"
)

// Classification is the classifier's verdict.
type Classification struct {
	Intent     Intent   `json:"intent"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence,omitempty"`
}

const classifySystemPrompt = `You classify search queries for a document question-answering system.
Reply with JSON only, no prose, in the form {"intent": "REGULAR" | "EXHAUSTIVE", "reasoning": "..."}.
EXHAUSTIVE means the user wants every matching occurrence across all documents (complete lists, every instance).
REGULAR means a focused question answerable from the most relevant passages.`

// exhaustiveKeywords drive the deterministic fallback when the provider
// reply is unusable.
var exhaustiveKeywords = []string{
	"list all", "find all", "show all", "every", "all cases", "all instances",
	"all documents", "all mentions", "complete list", "exhaustive", "entire",
	"give me every", "what are all", "all of", "each",
}

// Classifier labels queries Regular or Exhaustive.
type Classifier struct {
	chat   chat.Provider
	logger *observability.Logger
}

// NewClassifier creates an intent classifier over the chat provider.
func NewClassifier(provider chat.Provider, logger *observability.Logger) *Classifier {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Classifier{chat: provider, logger: logger}
}

// Classify asks the chat provider for a JSON verdict and falls back to the
// keyword rule when the reply is empty, malformed, names an unknown intent,
// or the provider errors. Empty input is Regular.
func (c *Classifier) Classify(ctx context.Context, query string) Classification {
	if strings.TrimSpace(query) == "" {
		return Classification{Intent: IntentRegular, Reasoning: "empty query"}
	}

	reply, err := c.chat.Generate(ctx, query, classifySystemPrompt)
	if err != nil {
		c.logger.Warn().Err(err).Msg("intent classification fell back to keywords")
		return c.fallback(query)
	}

	var parsed Classification
	if err := json.Unmarshal([]byte(stripCodeFence(reply)), &parsed); err != nil {
		return c.fallback(query)
	}
	switch Intent(strings.ToUpper(string(parsed.Intent))) {
	case IntentRegular:
		parsed.Intent = IntentRegular
	case IntentExhaustive:
		parsed.Intent = IntentExhaustive
	default:
		return c.fallback(query)
	}
	return parsed
}

func (c *Classifier) fallback(query string) Classification {
	lowered := strings.ToLower(query)
	for _, kw := range exhaustiveKeywords {
		if strings.Contains(lowered, kw) {
			return Classification{Intent: IntentExhaustive, Reasoning: "keyword match: " + kw}
		}
	}
	return Classification{Intent: IntentRegular, Reasoning: "no exhaustive keyword"}
}

// stripCodeFence unwraps replies the provider insists on fencing.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
