package merge

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/pkg/types"
)

// ComputeSimpleDiff diffs two summaries by set difference per category.
// Additions follow head order, removals follow base order, and definition
// terms are sorted. Shared terms with a different value become definition
// changes.
func ComputeSimpleDiff(base, head *types.StateSummary) *types.SemanticDiff {
	base, head = normalizedSummary(base), normalizedSummary(head)
	d := types.NewSemanticDiff()

	d.AddedFacts = minus(head.Facts, base.Facts)
	d.RemovedFacts = minus(base.Facts, head.Facts)
	d.NewAssumptions = minus(head.Assumptions, base.Assumptions)
	d.RemovedAssumptions = minus(base.Assumptions, head.Assumptions)
	d.NewDecisions = minus(head.Decisions, base.Decisions)
	d.ReversedDecisions = minus(base.Decisions, head.Decisions)
	d.NewConstraints = minus(head.Constraints, base.Constraints)
	d.RemovedConstraints = minus(base.Constraints, head.Constraints)
	d.NewOpenQuestions = minus(head.OpenQuestions, base.OpenQuestions)
	d.QuestionsAnswered = minus(base.OpenQuestions, head.OpenQuestions)

	for _, term := range sortedKeys(head.Definitions) {
		to := head.Definitions[term]
		from, ok := base.Definitions[term]
		switch {
		case !ok:
			d.NewDefinitions[term] = to
		case from != to:
			d.DefinitionChanges[term] = types.ValueChange{From: from, To: to}
		}
	}
	for _, term := range sortedKeys(base.Definitions) {
		if _, ok := head.Definitions[term]; !ok {
			d.RemovedDefinitions = append(d.RemovedDefinitions, term)
		}
	}

	d.Normalize()
	return d
}

// SimpleDiffer is the deterministic Differ.
type SimpleDiffer struct{}

// Diff returns ComputeSimpleDiff(base, head). It never fails.
func (SimpleDiffer) Diff(_ context.Context, base, head *types.StateSummary) (*types.SemanticDiff, error) {
	return ComputeSimpleDiff(base, head), nil
}

// LLMDiffer asks the completion provider for the semantic diff.
type LLMDiffer struct {
	completer llm.Completer
	logger    *zap.Logger
}

// NewLLMDiffer creates an LLMDiffer. A nil logger discards output.
func NewLLMDiffer(c llm.Completer, logger *zap.Logger) *LLMDiffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMDiffer{completer: c, logger: logger}
}

// Diff returns an empty diff without a call when both summaries are empty.
// Call and parse failures are diff StageErrors.
func (d *LLMDiffer) Diff(ctx context.Context, base, head *types.StateSummary) (*types.SemanticDiff, error) {
	if base.IsEmpty() && head.IsEmpty() {
		out := types.NewSemanticDiff()
		out.Normalize()
		return out, nil
	}

	baseJSON, err := indentJSON(normalizedSummary(base))
	if err != nil {
		return nil, &StageError{Stage: StageDiff, Err: err}
	}
	headJSON, err := indentJSON(normalizedSummary(head))
	if err != nil {
		return nil, &StageError{Stage: StageDiff, Err: err}
	}

	response, err := d.completer.Complete(ctx, llm.SemanticDiffPrompt(baseJSON, headJSON), nil)
	if err != nil {
		return nil, &StageError{Stage: StageDiff, Err: err}
	}

	diff := types.NewSemanticDiff()
	if err := llm.ParseJSON(response, diff); err != nil {
		var pe *llm.ParseError
		excerpt := llm.Excerpt(response)
		if errors.As(err, &pe) {
			excerpt = pe.Excerpt
		}
		d.logger.Warn("unparseable diff response",
			zap.String("model", d.completer.GetModel()),
			zap.Error(err))
		return nil, &StageError{Stage: StageDiff, Excerpt: excerpt, Err: err}
	}
	diff.Normalize()
	return diff, nil
}
