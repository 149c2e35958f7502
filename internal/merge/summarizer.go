package merge

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/pkg/types"
)

// DefaultSummaryCacheSize bounds the number of cached node summaries.
const DefaultSummaryCacheSize = 256

// LLMSummarizer extracts StateSummaries through the completion provider and
// caches them by the id of the segment's head node. It is safe for
// concurrent use.
type LLMSummarizer struct {
	completer llm.Completer
	cache     *lru.Cache[string, *types.StateSummary]
	logger    *zap.Logger
}

// NewLLMSummarizer creates a summarizer. A non-positive cacheSize uses
// DefaultSummaryCacheSize.
func NewLLMSummarizer(c llm.Completer, cacheSize int, logger *zap.Logger) (*LLMSummarizer, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultSummaryCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New[string, *types.StateSummary](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create summary cache: %w", err)
	}
	return &LLMSummarizer{completer: c, cache: cache, logger: logger}, nil
}

// Summarize extracts a summary from messages. An empty segment yields an
// empty summary without a call. An unparseable response yields an empty
// summary whose context notes carry the start of the response.
func (s *LLMSummarizer) Summarize(ctx context.Context, messages []types.Message) (*types.StateSummary, error) {
	summary, _, err := s.summarize(ctx, messages)
	return summary, err
}

// SummarizeNode is Summarize with caching under nodeID. Summaries built
// from an unparseable response are not cached.
func (s *LLMSummarizer) SummarizeNode(ctx context.Context, nodeID string, messages []types.Message) (*types.StateSummary, error) {
	if cached, ok := s.cache.Get(nodeID); ok {
		s.logger.Debug("summary cache hit", zap.String("node_id", nodeID))
		return cached.Clone(), nil
	}

	summary, parsed, err := s.summarize(ctx, messages)
	if err != nil {
		return nil, err
	}
	if parsed {
		s.cache.Add(nodeID, summary.Clone())
	}
	return summary, nil
}

// Seed stores a previously computed summary for nodeID.
func (s *LLMSummarizer) Seed(nodeID string, summary *types.StateSummary) {
	if summary == nil {
		return
	}
	s.cache.Add(nodeID, summary.Clone())
}

// Cached returns the cached summary for nodeID without touching recency.
func (s *LLMSummarizer) Cached(nodeID string) (*types.StateSummary, bool) {
	summary, ok := s.cache.Peek(nodeID)
	if !ok {
		return nil, false
	}
	return summary.Clone(), true
}

// Len returns the number of cached summaries.
func (s *LLMSummarizer) Len() int {
	return s.cache.Len()
}

func (s *LLMSummarizer) summarize(ctx context.Context, messages []types.Message) (*types.StateSummary, bool, error) {
	if len(messages) == 0 {
		return types.NewStateSummary(), true, nil
	}

	prompt := llm.StateSummaryPrompt(llm.FormatConversation(messages))
	response, err := s.completer.Complete(ctx, prompt, nil)
	if err != nil {
		return nil, false, &StageError{Stage: StageSummary, Err: err}
	}

	summary := types.NewStateSummary()
	if err := llm.ParseJSON(response, summary); err != nil {
		s.logger.Warn("unparseable summary response",
			zap.String("model", s.completer.GetModel()),
			zap.Int("messages", len(messages)),
			zap.Error(err))
		fallback := types.NewStateSummary()
		fallback.ContextNotes = []string{"Failed to parse: " + llm.Excerpt(response)}
		return fallback, false, nil
	}
	summary.Normalize()
	return summary, true, nil
}
