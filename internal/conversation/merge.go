package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/internal/merge"
	"github.com/ishandhanani/forky/pkg/types"
)

// mergeState is a step of MergeBranches. Nothing touches the graph before
// stateCommitted.
type mergeState int

const (
	stateChecked mergeState = iota
	stateSummarized
	stateDiffed
	stateMerged
	stateCommitted
)

func (s mergeState) String() string {
	switch s {
	case stateChecked:
		return "checked"
	case stateSummarized:
		return "summarized"
	case stateDiffed:
		return "diffed"
	case stateMerged:
		return "merged"
	case stateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// MergeOptions tunes a single MergeBranches call.
type MergeOptions struct {
	// Strategy overrides the tree's default when set.
	Strategy Strategy
	// Prompt overrides the continuation prompt when set.
	Prompt string
	// OnChunk receives the continuation as it streams.
	OnChunk llm.ChunkFunc
}

// MergeOutcome describes a committed merge.
type MergeOutcome struct {
	LCA          *graph.Node
	DistanceA    int
	DistanceB    int
	MergeNode    *graph.Node
	Continuation *graph.Node
	Result       *types.MergeResult
}

// mergeRun carries the values produced as a merge advances.
type mergeRun struct {
	current, target *graph.Node
	eligibility     *graph.Eligibility

	baseMsgs, aMsgs, bMsgs []types.Message
	base, stateA, stateB   *types.StateSummary
	diffA, diffB           *types.SemanticDiff
	result                 *types.MergeResult
	content, reply         string
}

// MergeBranches merges the branch or node named by target into the current
// node. Eligibility is checked first. Every completion call (three
// summaries, two diffs, the merge, the continuation) finishes before the
// merge node and its continuation are added, so any failure leaves the
// graph as it was.
func (t *Tree) MergeBranches(ctx context.Context, target string, opts MergeOptions) (*MergeOutcome, error) {
	started := time.Now()
	strategy := t.strategy
	if opts.Strategy != "" {
		strategy = opts.Strategy
	}
	differ, oracle := t.mergeEngine(strategy)
	log := t.logger.With(zap.String("target", target), zap.String("strategy", string(strategy)))

	run := &mergeRun{current: t.graph.Current()}
	var err error
	run.target, err = t.graph.Resolve(target)
	if err != nil {
		return nil, err
	}
	run.eligibility, err = t.graph.CheckMergeEligibility(run.current, run.target)
	if err != nil {
		log.Info("merge rejected", zap.Error(err))
		return nil, err
	}
	lca := run.eligibility.LCA
	run.baseMsgs, run.aMsgs, run.bMsgs, err = t.graph.MergeSegments(run.current, run.target, lca)
	if err != nil {
		return nil, err
	}
	t.advance(log, stateChecked,
		zap.String("lca", lca.ID),
		zap.Int("distance_a", run.eligibility.DistanceA),
		zap.Int("distance_b", run.eligibility.DistanceB))

	if err := t.summarize(ctx, run); err != nil {
		log.Warn("merge failed", zap.Stringer("after", stateChecked), zap.Error(err))
		return nil, err
	}
	t.advance(log, stateSummarized)

	if err := t.parallelOrSequential(ctx,
		func(ctx context.Context) (err error) {
			run.diffA, err = differ.Diff(ctx, run.base, run.stateA)
			return err
		},
		func(ctx context.Context) (err error) {
			run.diffB, err = differ.Diff(ctx, run.base, run.stateB)
			return err
		},
	); err != nil {
		log.Warn("merge failed", zap.Stringer("after", stateSummarized), zap.Error(err))
		return nil, asStage(merge.StageDiff, err)
	}
	t.advance(log, stateDiffed)

	run.result, err = oracle.Merge(ctx, run.base, run.diffA, run.diffB)
	if err == nil && (run.result == nil || !run.result.Success) {
		msg := "merge produced no result"
		if run.result != nil && run.result.Error != "" {
			msg = run.result.Error
		}
		err = errors.New(msg)
	}
	if err != nil {
		log.Warn("merge failed", zap.Stringer("after", stateDiffed), zap.Error(err))
		return nil, asStage(merge.StageMerge, err)
	}
	t.advance(log, stateMerged, zap.Int("conflicts", len(run.result.Conflicts)))

	run.content = merge.FormatMergedStateForContext(run.result)
	prompt := t.continuationPrompt
	if opts.Prompt != "" {
		prompt = opts.Prompt
	}
	history := t.graph.HistoryForPendingMerge(run.current, run.target, run.content)
	run.reply, err = llm.CompleteStreaming(ctx, t.completer, prompt, history, opts.OnChunk)
	if err != nil {
		log.Warn("merge failed", zap.Stringer("after", stateMerged), zap.Error(err))
		return nil, asStage(merge.StageContinuation, err)
	}

	outcome, err := t.commit(run)
	if err != nil {
		return nil, err
	}
	t.advance(log, stateCommitted,
		zap.String("merge_node", outcome.MergeNode.ID),
		zap.Duration("elapsed", time.Since(started)))
	return outcome, nil
}

func (t *Tree) advance(log *zap.Logger, s mergeState, fields ...zap.Field) {
	log.Info("merge "+s.String(), fields...)
}

func (t *Tree) mergeEngine(s Strategy) (merge.Differ, merge.MergeOracle) {
	if s == StrategySimple {
		return merge.SimpleDiffer{}, merge.SimpleMerger{}
	}
	return merge.NewLLMDiffer(t.completer, t.logger.Named("differ")),
		merge.NewLLMMerger(t.completer, t.logger.Named("merger"))
}

// summarize fills in the base, A and B summaries, cached under the LCA, the
// current node and the target.
func (t *Tree) summarize(ctx context.Context, run *mergeRun) error {
	lca := run.eligibility.LCA
	err := t.parallelOrSequential(ctx,
		func(ctx context.Context) (err error) {
			run.base, err = t.summarizer.SummarizeNode(ctx, lca.ID, run.baseMsgs)
			return err
		},
		func(ctx context.Context) (err error) {
			run.stateA, err = t.summarizer.SummarizeNode(ctx, run.current.ID, run.aMsgs)
			return err
		},
		func(ctx context.Context) (err error) {
			run.stateB, err = t.summarizer.SummarizeNode(ctx, run.target.ID, run.bMsgs)
			return err
		},
	)
	if err != nil {
		return asStage(merge.StageSummary, err)
	}
	return nil
}

// parallelOrSequential runs independent tasks, concurrently when parallel
// summaries are enabled. The first error wins.
func (t *Tree) parallelOrSequential(ctx context.Context, tasks ...func(context.Context) error) error {
	if !t.parallel {
		for _, task := range tasks {
			if err := task(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}
	return g.Wait()
}

// commit adds the merge node and its continuation, then stores the
// summaries the merge used on their nodes.
func (t *Tree) commit(run *mergeRun) (*MergeOutcome, error) {
	meta := &types.MergeMetadata{
		BaseID:      run.eligibility.LCA.ID,
		MergedState: run.result.MergedState,
		Conflicts:   run.result.Conflicts,
		Provenance:  run.result.Provenance,
	}
	mergeNode, err := t.graph.AddMerge(run.current, run.target, run.content, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to add merge node: %w", err)
	}
	continuation, err := t.graph.AddMessage(run.reply, types.RoleAssistant)
	if err != nil {
		return nil, fmt.Errorf("failed to add continuation: %w", err)
	}

	if cache, ok := t.summarizer.(summaryCache); ok {
		for _, n := range []*graph.Node{run.eligibility.LCA, run.current, run.target} {
			if s, ok := cache.Cached(n.ID); ok {
				n.Summary = s
			}
		}
	}

	return &MergeOutcome{
		LCA:          run.eligibility.LCA,
		DistanceA:    run.eligibility.DistanceA,
		DistanceB:    run.eligibility.DistanceB,
		MergeNode:    mergeNode,
		Continuation: continuation,
		Result:       run.result,
	}, nil
}

// asStage wraps err in a StageError for stage unless it already is one.
func asStage(stage merge.Stage, err error) error {
	var se *merge.StageError
	if errors.As(err, &se) {
		return err
	}
	return &merge.StageError{Stage: stage, Err: err}
}
