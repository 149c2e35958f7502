package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/internal/config"
	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/internal/merge"
	"github.com/ishandhanani/forky/pkg/types"
)

var errBoom = errors.New("boom")

// router is a fake completer that answers by prompt kind. A stage listed in
// fail returns errBoom; one listed in garble returns non-JSON text.
type router struct {
	mu        sync.Mutex
	fail      merge.Stage
	garble    merge.Stage
	calls     map[merge.Stage]int
	histories [][]types.Message
	reply     string
}

func newRouter() *router {
	return &router{calls: make(map[merge.Stage]int), reply: "Merged and continuing."}
}

func stageOf(prompt string) merge.Stage {
	switch {
	case strings.Contains(prompt, "extract a structured state summary"):
		return merge.StageSummary
	case strings.Contains(prompt, "Compare the BASE state"):
		return merge.StageDiff
	case strings.Contains(prompt, "three-way merge"):
		return merge.StageMerge
	default:
		return merge.StageContinuation
	}
}

func (r *router) Complete(_ context.Context, prompt string, history []types.Message) (string, error) {
	stage := stageOf(prompt)

	r.mu.Lock()
	r.calls[stage]++
	if stage == merge.StageContinuation {
		r.histories = append(r.histories, history)
	}
	r.mu.Unlock()

	if stage == r.fail {
		return "", errBoom
	}
	if stage == r.garble {
		return "I would rather not", nil
	}

	switch stage {
	case merge.StageSummary:
		switch {
		case strings.Contains(prompt, "Use redis"):
			return `{"facts": ["designing storage"], "decisions": ["use redis"]}`, nil
		case strings.Contains(prompt, "Use sqlite"):
			return "```json\n{\"facts\": [\"designing storage\"], \"decisions\": [\"use sqlite\"]}\n```", nil
		default:
			return `{"facts": ["designing storage"]}`, nil
		}
	case merge.StageDiff:
		head := prompt[strings.Index(prompt, "<head_state>"):]
		if strings.Contains(head, "use redis") {
			return `{"new_decisions": ["use redis"]}`, nil
		}
		return `{"new_decisions": ["use sqlite"]}`, nil
	case merge.StageMerge:
		return `{
			"merged_state": {"facts": ["designing storage"], "decisions": ["use redis", "use sqlite"]},
			"conflicts": [{"topic": "Decision: storage engine", "a_change": "redis", "b_change": "sqlite"}],
			"provenance": {"from_a": ["use redis"], "from_b": ["use sqlite"], "from_base": ["designing storage"]}
		}`, nil
	default:
		return r.reply, nil
	}
}

func (r *router) GetModel() string { return "router" }

func (r *router) count(stage merge.Stage) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[stage]
}

func (r *router) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

// streamingRouter adds streaming in two chunks.
type streamingRouter struct{ *router }

func (s streamingRouter) Stream(ctx context.Context, prompt string, history []types.Message, onChunk llm.ChunkFunc) (string, error) {
	reply, err := s.Complete(ctx, prompt, history)
	if err != nil {
		return "", err
	}
	half := len(reply) / 2
	for _, chunk := range []string{reply[:half], reply[half:]} {
		if err := onChunk(chunk); err != nil {
			return "", err
		}
	}
	return reply, nil
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("node-%02d", n)
	}
}

func newTestTree(t *testing.T, c llm.Completer, opts ...Option) *Tree {
	t.Helper()
	opts = append([]Option{WithGraphOptions(graph.WithIDGenerator(sequentialIDs()))}, opts...)
	tree, err := NewTree(c, opts...)
	require.NoError(t, err)
	return tree
}

func mustAdd(t *testing.T, tree *Tree, content string, role types.Role) *graph.Node {
	t.Helper()
	n, err := tree.AddMessage(content, role)
	require.NoError(t, err)
	return n
}

// storageDebate builds a shared prefix and two branches, "sqlite" and
// "redis", leaving current at the head of "redis".
func storageDebate(t *testing.T, tree *Tree) (lca, sqliteHead, redisHead *graph.Node) {
	t.Helper()
	mustAdd(t, tree, "Let's design storage", types.RoleUser)
	lca = mustAdd(t, tree, "Sure", types.RoleAssistant)

	_, err := tree.Fork("sqlite")
	require.NoError(t, err)
	mustAdd(t, tree, "Use sqlite", types.RoleUser)
	sqliteHead = mustAdd(t, tree, "ok sqlite", types.RoleAssistant)

	_, err = tree.Checkout("main")
	require.NoError(t, err)
	require.Equal(t, lca.ID, tree.Current().ID)

	_, err = tree.Fork("redis")
	require.NoError(t, err)
	mustAdd(t, tree, "Use redis", types.RoleUser)
	redisHead = mustAdd(t, tree, "ok redis", types.RoleAssistant)
	return lca, sqliteHead, redisHead
}

func TestMergeBranches_SimpleStrategy(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r, WithStrategy(StrategySimple))
	lca, sqliteHead, redisHead := storageDebate(t, tree)

	outcome, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, lca.ID, outcome.LCA.ID)
	assert.Equal(t, 3, outcome.DistanceA)
	assert.Equal(t, 3, outcome.DistanceB)
	assert.Equal(t, 3, r.count(merge.StageSummary))
	assert.Zero(t, r.count(merge.StageDiff))
	assert.Zero(t, r.count(merge.StageMerge))
	assert.Equal(t, 1, r.count(merge.StageContinuation))

	result := outcome.Result
	assert.Equal(t, []string{"designing storage"}, result.MergedState.Facts)
	assert.Equal(t, []string{"use redis", "use sqlite"}, result.MergedState.Decisions)
	assert.Empty(t, result.Conflicts)

	g := tree.Graph()
	mergeNode := outcome.MergeNode
	assert.True(t, mergeNode.IsMerge())
	assert.Equal(t, types.RoleSystem, mergeNode.Role)
	assert.Equal(t, []*graph.Node{redisHead, sqliteHead}, g.Parents(mergeNode))
	assert.True(t, strings.HasPrefix(mergeNode.Content, "## Merged Conversation State"))
	assert.Equal(t, lca.ID, mergeNode.Merge.BaseID)

	assert.Equal(t, "Merged and continuing.", outcome.Continuation.Content)
	assert.Equal(t, types.RoleAssistant, outcome.Continuation.Role)
	assert.Equal(t, outcome.Continuation.ID, tree.Current().ID)
	assert.Equal(t, []*graph.Node{mergeNode}, g.Parents(outcome.Continuation))

	require.NotNil(t, lca.Summary)
	assert.Equal(t, []string{"designing storage"}, lca.Summary.Facts)
	require.NotNil(t, sqliteHead.Summary)
	assert.Equal(t, []string{"use sqlite"}, sqliteHead.Summary.Decisions)
	require.NotNil(t, redisHead.Summary)
}

func TestMergeBranches_ContinuationSeesMergedContext(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r, WithStrategy(StrategySimple))
	storageDebate(t, tree)

	_, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{Prompt: "carry on"})
	require.NoError(t, err)

	require.Len(t, r.histories, 1)
	history := r.histories[0]
	require.Len(t, history, 6)
	assert.Equal(t, "Let's design storage", history[0].Content)
	assert.Equal(t, "ok redis", history[3].Content)
	assert.Equal(t, types.RoleSystem, history[4].Role)
	assert.Equal(t, graph.MergedContextHeader+"\n\nUser: Use sqlite\n\nAssistant: ok sqlite", history[4].Content)
	assert.True(t, strings.HasPrefix(history[5].Content, "## Merged Conversation State"))

	// The committed history matches what the continuation saw.
	committed := tree.History()
	assert.Equal(t, history, committed[:6])
	assert.Equal(t, "Merged and continuing.", committed[6].Content)
}

func TestMergeBranches_LLMStrategy(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r, WithParallelSummaries(false))
	storageDebate(t, tree)

	outcome, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, r.count(merge.StageSummary))
	assert.Equal(t, 2, r.count(merge.StageDiff))
	assert.Equal(t, 1, r.count(merge.StageMerge))
	assert.Equal(t, 1, r.count(merge.StageContinuation))

	require.Len(t, outcome.Result.Conflicts, 1)
	assert.Equal(t, types.ResolutionUnresolved, outcome.Result.Conflicts[0].Resolution)
	assert.Contains(t, outcome.MergeNode.Content, "### Unresolved Conflicts")
	assert.Contains(t, outcome.MergeNode.Content, "- **Decision: storage engine**")
	assert.Equal(t, outcome.Result.Conflicts, outcome.MergeNode.Merge.Conflicts)
}

func TestMergeBranches_StreamsContinuation(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, streamingRouter{r}, WithStrategy(StrategySimple))
	storageDebate(t, tree)

	var chunks []string
	outcome, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{
		OnChunk: func(c string) error {
			chunks = append(chunks, c)
			return nil
		},
	})
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
	assert.Equal(t, outcome.Continuation.Content, strings.Join(chunks, ""))
}

func TestMergeBranches_FailuresLeaveGraphUntouched(t *testing.T) {
	tests := []struct {
		name     string
		fail     merge.Stage
		garble   merge.Stage
		sentinel error
	}{
		{"summary call", merge.StageSummary, "", merge.ErrSummaryGenerationFailed},
		{"diff call", merge.StageDiff, "", merge.ErrDiffComputationFailed},
		{"diff parse", "", merge.StageDiff, merge.ErrDiffComputationFailed},
		{"merge call", merge.StageMerge, "", merge.ErrMergeExecutionFailed},
		{"merge parse", "", merge.StageMerge, merge.ErrMergeExecutionFailed},
		{"continuation call", merge.StageContinuation, "", merge.ErrContinuationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter()
			r.fail, r.garble = tt.fail, tt.garble
			tree := newTestTree(t, r)
			lca, sqliteHead, redisHead := storageDebate(t, tree)
			before := tree.Flatten()

			_, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			if tt.fail != "" {
				assert.ErrorIs(t, err, errBoom)
			}

			assert.Equal(t, before, tree.Flatten())
			assert.Equal(t, redisHead.ID, tree.Current().ID)
			assert.Nil(t, lca.Summary)
			assert.Nil(t, sqliteHead.Summary)
		})
	}
}

func TestMergeBranches_Rejected(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r)
	lca, _, _ := storageDebate(t, tree)
	before := tree.Flatten()

	_, err := tree.MergeBranches(context.Background(), lca.ID, MergeOptions{})
	require.ErrorIs(t, err, graph.ErrMergeRejected)
	reason, ok := graph.RejectionReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, graph.ReasonAncestorDescendant, reason)

	_, err = tree.MergeBranches(context.Background(), "redis", MergeOptions{})
	reason, _ = graph.RejectionReasonOf(err)
	assert.Equal(t, graph.ReasonSameNode, reason)

	_, err = tree.MergeBranches(context.Background(), "nowhere", MergeOptions{})
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)

	assert.Zero(t, r.total())
	assert.Equal(t, before, tree.Flatten())
}

func TestMergeBranches_RetryReusesCachedSummaries(t *testing.T) {
	r := newRouter()
	r.fail = merge.StageContinuation
	tree := newTestTree(t, r, WithStrategy(StrategySimple))
	storageDebate(t, tree)

	_, err := tree.CheckEligibility("redis", "sqlite")
	require.NoError(t, err)

	_, err = tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
	require.ErrorIs(t, err, merge.ErrContinuationFailed)
	require.Equal(t, 3, r.count(merge.StageSummary))

	r.fail = ""
	_, err = tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, r.count(merge.StageSummary))
	assert.Equal(t, 2, r.count(merge.StageContinuation))
}

func TestTree_PersistenceSeedsSummaryCache(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r, WithStrategy(StrategySimple))
	lca, _, _ := storageDebate(t, tree)
	_, err := tree.MergeBranches(context.Background(), "sqlite", MergeOptions{})
	require.NoError(t, err)
	rec := tree.Flatten()
	require.NotNil(t, rec.Nodes[lca.ID].StateSummaryCache)

	fresh := newTestTree(t, newRouter())
	require.NoError(t, fresh.Load(rec))
	assert.Equal(t, rec, fresh.Flatten())

	s, ok := fresh.summarizer.(*merge.LLMSummarizer)
	require.True(t, ok)
	cached, ok := s.Cached(lca.ID)
	require.True(t, ok)
	assert.Equal(t, []string{"designing storage"}, cached.Facts)
}

func TestTree_LoadRejectsInvalidRecord(t *testing.T) {
	tree := newTestTree(t, newRouter())
	root := tree.Current().ID

	err := tree.Load(&graph.Record{RootID: "x", CurrentNodeID: "x"})
	assert.ErrorIs(t, err, graph.ErrInvalidRecord)
	assert.Equal(t, root, tree.Current().ID)
}

func TestChat(t *testing.T) {
	r := newRouter()
	r.reply = "Go is a good fit."
	tree := newTestTree(t, r)
	mustAdd(t, tree, "hello", types.RoleUser)
	mustAdd(t, tree, "hi", types.RoleAssistant)

	reply, err := tree.Chat(context.Background(), "Which language?", nil)
	require.NoError(t, err)
	assert.Equal(t, "Go is a good fit.", reply)

	require.Len(t, r.histories, 1)
	assert.Equal(t, []types.Message{
		{Role: types.RoleUser, Content: "hello"},
		{Role: types.RoleAssistant, Content: "hi"},
	}, r.histories[0])

	history := tree.History()
	require.Len(t, history, 4)
	assert.Equal(t, types.Message{Role: types.RoleUser, Content: "Which language?"}, history[2])
	assert.Equal(t, types.Message{Role: types.RoleAssistant, Content: "Go is a good fit."}, history[3])
}

func TestChat_FailureAddsNothing(t *testing.T) {
	r := newRouter()
	r.fail = merge.StageContinuation
	tree := newTestTree(t, r)

	_, err := tree.Chat(context.Background(), "hello", nil)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, tree.Graph().Len())
}

func TestChat_RejectPolicy(t *testing.T) {
	r := newRouter()
	tree := newTestTree(t, r, WithGraphOptions(graph.WithDivergencePolicy(graph.DivergenceReject)))
	mustAdd(t, tree, "hello", types.RoleUser)
	_, err := tree.Checkout(tree.Graph().Root().ID)
	require.NoError(t, err)

	_, err = tree.Chat(context.Background(), "again", nil)
	require.ErrorIs(t, err, graph.ErrDivergentWrite)
	assert.Zero(t, r.total())
}

func TestReset(t *testing.T) {
	tree := newTestTree(t, newRouter())
	storageDebate(t, tree)

	tree.Reset()
	assert.Equal(t, 1, tree.Graph().Len())
	assert.Equal(t, graph.RootContent, tree.Current().Content)
	assert.Empty(t, tree.Graph().BranchNames())
}

func TestNewTreeFromConfig(t *testing.T) {
	cfg := config.Default().Merge
	cfg.Strategy = "simple"
	cfg.DivergencePolicy = "reject"
	cfg.ParallelSummaries = false

	tree, err := NewTreeFromConfig(cfg, newRouter(), nil)
	require.NoError(t, err)
	assert.Equal(t, StrategySimple, tree.strategy)
	assert.False(t, tree.parallel)
	assert.Equal(t, graph.DivergenceReject, tree.Graph().Policy())
	assert.Equal(t, llm.DefaultContinuationPrompt, tree.continuationPrompt)

	cfg.Strategy = "magic"
	_, err = NewTreeFromConfig(cfg, newRouter(), nil)
	assert.Error(t, err)

	_, err = NewTree(nil)
	assert.Error(t, err)
}
