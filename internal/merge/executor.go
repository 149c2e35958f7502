package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/pkg/types"
)

const (
	notPresent  = "not present"
	topicLength = 50
)

// trackedKind describes how conflicts on a conflict-tracked list category
// (facts, decisions) are worded.
type trackedKind struct {
	label  string
	added  string
	remove string

	// rationale wording: "<adder> <verb> <noun> that <remover> <objection>"
	verb      string
	noun      string
	objection string
}

var (
	factsKind = trackedKind{
		label:     "Fact",
		added:     "added",
		remove:    "would remove",
		verb:      "added",
		noun:      "a fact",
		objection: "wants to remove",
	}
	decisionsKind = trackedKind{
		label:     "Decision",
		added:     "new decision",
		remove:    "would reverse",
		verb:      "made",
		noun:      "a decision",
		objection: "reverses",
	}
)

func (k trackedKind) topic(item string) string {
	r := []rune(item)
	if len(r) > topicLength {
		return k.label + ": " + string(r[:topicLength]) + "..."
	}
	return k.label + ": " + item
}

func (k trackedKind) rationale(adder, remover string) string {
	return fmt.Sprintf("%s %s %s that %s %s", adder, k.verb, k.noun, remover, k.objection)
}

// mergeBuilder accumulates conflicts and provenance across categories.
type mergeBuilder struct {
	conflicts []types.MergeConflict
	fromA     []string
	fromB     []string
	fromBase  []string
}

func (b *mergeBuilder) conflict(topic, base, aChange, bChange, rationale string) {
	b.conflicts = append(b.conflicts, types.MergeConflict{
		Topic:      topic,
		Base:       base,
		AChange:    aChange,
		BChange:    bChange,
		Resolution: types.ResolutionUnresolved,
		Rationale:  rationale,
	})
}

// mergeTracked merges one conflict-tracked list category. A's removals and
// then A's additions are applied to base; B's removals follow, then B's
// additions that B does not also remove. An item added by one side and
// removed by the other is a conflict and is left out of the merged list and
// all provenance.
func (b *mergeBuilder) mergeTracked(kind trackedKind, base, addA, remA, addB, remB []string) []string {
	baseSet := setOf(base)
	addASet, remASet := setOf(addA), setOf(remA)
	addBSet, remBSet := setOf(addB), setOf(remB)

	conflicted := newOrderedSet(nil)
	baseValue := func(item string) string {
		if baseSet.has(item) {
			return item
		}
		return notPresent
	}
	for _, item := range addA {
		if remBSet.has(item) && conflicted.add(item) {
			b.conflict(kind.topic(item), baseValue(item), kind.added, kind.remove, kind.rationale("A", "B"))
		}
	}
	for _, item := range addB {
		if remASet.has(item) && conflicted.add(item) {
			b.conflict(kind.topic(item), baseValue(item), kind.remove, kind.added, kind.rationale("B", "A"))
		}
	}

	merged := newOrderedSet(base)
	merged.removeAll(remA)
	merged.addAll(addA)
	merged.removeAll(remB)
	fromB := newOrderedSet(nil)
	for _, item := range addB {
		if remBSet.has(item) || conflicted.has(item) {
			continue
		}
		merged.add(item)
		if !addASet.has(item) {
			fromB.add(item)
		}
	}
	merged.removeAll(conflicted.items)

	fromA := newOrderedSet(nil)
	for _, item := range addA {
		if merged.has(item) {
			fromA.add(item)
		}
	}
	b.fromA = append(b.fromA, fromA.items...)
	b.fromB = append(b.fromB, fromB.items...)
	for _, item := range merged.items {
		if baseSet.has(item) && !addASet.has(item) && !addBSet.has(item) {
			b.fromBase = append(b.fromBase, item)
		}
	}
	return merged.slice()
}

// applySequential applies A then B to base without conflict detection.
func applySequential(base, addA, remA, addB, remB []string) []string {
	merged := newOrderedSet(base)
	merged.removeAll(remA)
	merged.addAll(addA)
	merged.removeAll(remB)
	merged.addAll(addB)
	return merged.slice()
}

// mergeDefinitions merges the definition maps. Removals are applied before
// additions; conflicting terms are dropped or restored to their base value.
func (b *mergeBuilder) mergeDefinitions(base map[string]string, diffA, diffB *types.SemanticDiff) map[string]string {
	merged := make(map[string]string, len(base))
	for term, def := range base {
		merged[term] = def
	}
	restore := func(term string) {
		if def, ok := base[term]; ok {
			merged[term] = def
		} else {
			delete(merged, term)
		}
	}
	remA, remB := setOf(diffA.RemovedDefinitions), setOf(diffB.RemovedDefinitions)
	conflicted := make(stringSet)

	for _, term := range diffA.RemovedDefinitions {
		delete(merged, term)
	}
	for _, term := range diffB.RemovedDefinitions {
		delete(merged, term)
	}
	for _, term := range sortedKeys(diffA.NewDefinitions) {
		merged[term] = diffA.NewDefinitions[term]
	}
	for _, term := range sortedKeys(diffB.NewDefinitions) {
		merged[term] = diffB.NewDefinitions[term]
	}

	for _, term := range sortedKeys(diffA.NewDefinitions) {
		valA := diffA.NewDefinitions[term]
		if valB, ok := diffB.NewDefinitions[term]; ok && valA != valB {
			b.conflict("Definition: "+term, notPresent, valA, valB,
				"Both branches added this definition differently")
			delete(merged, term)
			conflicted.add(term)
		}
	}

	for _, term := range sortedKeys(diffA.DefinitionChanges) {
		changeA := diffA.DefinitionChanges[term]
		if changeB, ok := diffB.DefinitionChanges[term]; ok {
			if changeA.To != changeB.To {
				b.conflict("Definition: "+term, changeA.From, changeA.To, changeB.To,
					"Both branches redefined this term differently")
				restore(term)
				conflicted.add(term)
			} else {
				merged[term] = changeA.To
			}
			continue
		}
		if remB.has(term) {
			b.conflict("Definition: "+term, changeA.From, changeA.To, "removed",
				"A updated a definition that B removed")
			restore(term)
			conflicted.add(term)
			continue
		}
		merged[term] = changeA.To
	}

	for _, term := range sortedKeys(diffB.DefinitionChanges) {
		if _, done := diffA.DefinitionChanges[term]; done {
			continue
		}
		changeB := diffB.DefinitionChanges[term]
		if remA.has(term) {
			b.conflict("Definition: "+term, changeB.From, "removed", changeB.To,
				"B updated a definition that A removed")
			restore(term)
			conflicted.add(term)
			continue
		}
		merged[term] = changeB.To
	}

	touchedA := setOf(sortedKeys(diffA.NewDefinitions), sortedKeys(diffA.DefinitionChanges))
	touchedB := setOf(sortedKeys(diffB.NewDefinitions), sortedKeys(diffB.DefinitionChanges))
	for _, term := range sortedKeys(merged) {
		switch {
		case conflicted.has(term):
			if def, ok := base[term]; ok && merged[term] == def {
				b.fromBase = append(b.fromBase, term)
			}
		case touchedA.has(term):
			b.fromA = append(b.fromA, term)
		case touchedB.has(term):
			b.fromB = append(b.fromB, term)
		default:
			b.fromBase = append(b.fromBase, term)
		}
	}
	return merged
}

// ExecuteSimpleMerge combines base with the diffs of two branches without
// any external call. Facts, decisions and definitions get conflict
// detection; assumptions, constraints and open questions are applied as
// plain set operations. Every conflict is left unresolved and noted in the
// merged state's context notes.
func ExecuteSimpleMerge(base *types.StateSummary, diffA, diffB *types.SemanticDiff) *types.MergeResult {
	base = normalizedSummary(base)
	diffA, diffB = normalizedDiff(diffA), normalizedDiff(diffB)

	b := &mergeBuilder{}
	merged := types.NewStateSummary()

	merged.Facts = b.mergeTracked(factsKind, base.Facts,
		diffA.AddedFacts, diffA.RemovedFacts, diffB.AddedFacts, diffB.RemovedFacts)
	merged.Decisions = b.mergeTracked(decisionsKind, base.Decisions,
		diffA.NewDecisions, diffA.ReversedDecisions, diffB.NewDecisions, diffB.ReversedDecisions)

	merged.Assumptions = applySequential(base.Assumptions,
		diffA.NewAssumptions, diffA.RemovedAssumptions, diffB.NewAssumptions, diffB.RemovedAssumptions)
	merged.Constraints = applySequential(base.Constraints,
		diffA.NewConstraints, diffA.RemovedConstraints, diffB.NewConstraints, diffB.RemovedConstraints)
	merged.OpenQuestions = applySequential(base.OpenQuestions,
		diffA.NewOpenQuestions, diffA.QuestionsAnswered, diffB.NewOpenQuestions, diffB.QuestionsAnswered)

	merged.Definitions = b.mergeDefinitions(base.Definitions, diffA, diffB)

	for _, c := range b.conflicts {
		merged.ContextNotes = append(merged.ContextNotes, fmt.Sprintf("[CONFLICT]: %s - %s", c.Topic, c.Rationale))
	}
	merged.Normalize()

	result := &types.MergeResult{
		MergedState: merged,
		Conflicts:   b.conflicts,
		Provenance: types.MergeProvenance{
			FromA:    b.fromA,
			FromB:    b.fromB,
			FromBase: b.fromBase,
		},
		Success: true,
	}
	normalizeResult(result)
	return result
}

type mergeResponse struct {
	MergedState *types.StateSummary   `json:"merged_state"`
	Conflicts   []types.MergeConflict `json:"conflicts"`
	Provenance  types.MergeProvenance `json:"provenance"`
}

// ExecuteThreeWayMerge delegates the combine step to the completion
// provider. Call and parse failures produce an unsuccessful result rather
// than a partially populated one.
func ExecuteThreeWayMerge(ctx context.Context, c llm.Completer, base *types.StateSummary, diffA, diffB *types.SemanticDiff) *types.MergeResult {
	failed := func(msg string) *types.MergeResult {
		return &types.MergeResult{
			MergedState: types.NewStateSummary(),
			Conflicts:   []types.MergeConflict{},
			Provenance:  types.MergeProvenance{FromA: []string{}, FromB: []string{}, FromBase: []string{}},
			Error:       msg,
		}
	}

	baseJSON, err := indentJSON(normalizedSummary(base))
	if err != nil {
		return failed(err.Error())
	}
	diffAJSON, err := indentJSON(normalizedDiff(diffA))
	if err != nil {
		return failed(err.Error())
	}
	diffBJSON, err := indentJSON(normalizedDiff(diffB))
	if err != nil {
		return failed(err.Error())
	}

	response, err := c.Complete(ctx, llm.MergeExecutionPrompt(baseJSON, diffAJSON, diffBJSON), nil)
	if err != nil {
		return failed(err.Error())
	}

	var parsed mergeResponse
	if err := llm.ParseJSON(response, &parsed); err != nil {
		return failed(fmt.Sprintf("failed to parse merge result: %v", err))
	}

	if parsed.MergedState == nil {
		parsed.MergedState = types.NewStateSummary()
	}
	for i := range parsed.Conflicts {
		if parsed.Conflicts[i].Resolution == "" {
			parsed.Conflicts[i].Resolution = types.ResolutionUnresolved
		}
	}
	result := &types.MergeResult{
		MergedState: parsed.MergedState,
		Conflicts:   parsed.Conflicts,
		Provenance:  parsed.Provenance,
		Success:     true,
	}
	normalizeResult(result)
	return result
}

// SimpleMerger is the deterministic MergeOracle.
type SimpleMerger struct{}

// Merge returns ExecuteSimpleMerge(base, diffA, diffB). It never fails.
func (SimpleMerger) Merge(_ context.Context, base *types.StateSummary, diffA, diffB *types.SemanticDiff) (*types.MergeResult, error) {
	return ExecuteSimpleMerge(base, diffA, diffB), nil
}

// LLMMerger is the provider-backed MergeOracle. An unsuccessful result is
// returned together with a merge StageError.
type LLMMerger struct {
	completer llm.Completer
	logger    *zap.Logger
}

// NewLLMMerger creates an LLMMerger. A nil logger discards output.
func NewLLMMerger(c llm.Completer, logger *zap.Logger) *LLMMerger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMMerger{completer: c, logger: logger}
}

// Merge runs ExecuteThreeWayMerge and logs unsuccessful results.
func (m *LLMMerger) Merge(ctx context.Context, base *types.StateSummary, diffA, diffB *types.SemanticDiff) (*types.MergeResult, error) {
	result := ExecuteThreeWayMerge(ctx, m.completer, base, diffA, diffB)
	if !result.Success {
		m.logger.Warn("merge execution failed",
			zap.String("model", m.completer.GetModel()),
			zap.String("error", result.Error))
		return result, &StageError{Stage: StageMerge, Err: errors.New(result.Error)}
	}
	return result, nil
}

func normalizeResult(r *types.MergeResult) {
	if r.MergedState == nil {
		r.MergedState = types.NewStateSummary()
	}
	r.MergedState.Normalize()
	if r.Conflicts == nil {
		r.Conflicts = []types.MergeConflict{}
	}
	if r.Provenance.FromA == nil {
		r.Provenance.FromA = []string{}
	}
	if r.Provenance.FromB == nil {
		r.Provenance.FromB = []string{}
	}
	if r.Provenance.FromBase == nil {
		r.Provenance.FromBase = []string{}
	}
}

func normalizedSummary(s *types.StateSummary) *types.StateSummary {
	if s == nil {
		return types.NewStateSummary()
	}
	return s.Clone()
}

func normalizedDiff(d *types.SemanticDiff) *types.SemanticDiff {
	out := types.NewSemanticDiff()
	if d != nil {
		*out = *d
	}
	out.Normalize()
	return out
}

func indentJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal merge input: %w", err)
	}
	return string(data), nil
}
