// Package merge implements the semantic three-way merge of conversation
// branches: summarizing a segment into a StateSummary, diffing two
// summaries, and combining a base with two diffs into a MergeResult.
//
// Each step sits behind a small interface so the deterministic
// implementations (SimpleDiffer, SimpleMerger) and the provider-backed ones
// (LLMSummarizer, LLMDiffer, LLMMerger) are interchangeable.
package merge

import (
	"context"

	"github.com/ishandhanani/forky/pkg/types"
)

// Summarizer turns an ordered message segment into a StateSummary.
type Summarizer interface {
	Summarize(ctx context.Context, messages []types.Message) (*types.StateSummary, error)
	// SummarizeNode is Summarize with results cached under nodeID, the head
	// of the segment.
	SummarizeNode(ctx context.Context, nodeID string, messages []types.Message) (*types.StateSummary, error)
}

// Differ computes what changed from base to head.
type Differ interface {
	Diff(ctx context.Context, base, head *types.StateSummary) (*types.SemanticDiff, error)
}

// MergeOracle combines a base state with the diffs of two branches.
type MergeOracle interface {
	Merge(ctx context.Context, base *types.StateSummary, diffA, diffB *types.SemanticDiff) (*types.MergeResult, error)
}
