package merge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/pkg/types"
)

var errBoom = errors.New("boom")

// scriptedCompleter replies with the queued responses in order and records
// every prompt it receives.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (s *scriptedCompleter) Complete(_ context.Context, prompt string, _ []types.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	if len(s.replies) == 0 {
		return "", errors.New("no scripted reply")
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func (s *scriptedCompleter) GetModel() string { return "scripted" }

func (s *scriptedCompleter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prompts)
}

var conversation = []types.Message{
	{Role: types.RoleUser, Content: "We use Go."},
	{Role: types.RoleAssistant, Content: "Noted, Go it is."},
}

func newSummarizer(t *testing.T, c *scriptedCompleter) *LLMSummarizer {
	t.Helper()
	s, err := NewLLMSummarizer(c, 8, nil)
	require.NoError(t, err)
	return s
}

func TestLLMSummarizer_EmptySegment(t *testing.T) {
	c := &scriptedCompleter{}
	s := newSummarizer(t, c)

	got, err := s.Summarize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.Zero(t, c.calls())
}

func TestLLMSummarizer_ParsesFencedJSON(t *testing.T) {
	c := &scriptedCompleter{replies: []string{
		"Here you go:\n```json\n{\"facts\": [\"project uses Go\"], \"definitions\": {\"DAG\": \"graph\"}}\n```",
	}}
	s := newSummarizer(t, c)

	got, err := s.Summarize(context.Background(), conversation)
	require.NoError(t, err)
	assert.Equal(t, []string{"project uses Go"}, got.Facts)
	assert.Equal(t, map[string]string{"DAG": "graph"}, got.Definitions)
	assert.NotNil(t, got.Decisions)
	assert.Contains(t, c.prompts[0], "User: We use Go.\n\nAssistant: Noted, Go it is.")
}

func TestLLMSummarizer_UnparseableResponse(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"not json", "still not json"}}
	s := newSummarizer(t, c)

	got, err := s.SummarizeNode(context.Background(), "n1", conversation)
	require.NoError(t, err)
	assert.Equal(t, []string{"Failed to parse: not json"}, got.ContextNotes)
	assert.Empty(t, got.Facts)

	_, cached := s.Cached("n1")
	assert.False(t, cached)

	_, err = s.SummarizeNode(context.Background(), "n1", conversation)
	require.NoError(t, err)
	assert.Equal(t, 2, c.calls())
}

func TestLLMSummarizer_CachesByNode(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{"facts": ["f"]}`}}
	s := newSummarizer(t, c)
	ctx := context.Background()

	first, err := s.SummarizeNode(ctx, "n1", conversation)
	require.NoError(t, err)
	first.Facts[0] = "mutated"

	second, err := s.SummarizeNode(ctx, "n1", conversation)
	require.NoError(t, err)
	assert.Equal(t, []string{"f"}, second.Facts)
	assert.Equal(t, 1, c.calls())
	assert.Equal(t, 1, s.Len())
}

func TestLLMSummarizer_SeedAndCached(t *testing.T) {
	c := &scriptedCompleter{}
	s := newSummarizer(t, c)

	seeded := summary("seeded")
	s.Seed("n9", seeded)
	s.Seed("ignored", nil)
	seeded.Facts[0] = "changed"

	got, ok := s.Cached("n9")
	require.True(t, ok)
	assert.Equal(t, []string{"seeded"}, got.Facts)

	got, err := s.SummarizeNode(context.Background(), "n9", conversation)
	require.NoError(t, err)
	assert.Equal(t, []string{"seeded"}, got.Facts)
	assert.Zero(t, c.calls())
	assert.Equal(t, 1, s.Len())
}

func TestLLMSummarizer_CompletionError(t *testing.T) {
	s := newSummarizer(t, &scriptedCompleter{err: errBoom})

	_, err := s.SummarizeNode(context.Background(), "n1", conversation)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSummaryGenerationFailed)
	assert.ErrorIs(t, err, errBoom)
	stage, ok := StageOf(err)
	require.True(t, ok)
	assert.Equal(t, StageSummary, stage)
}

func TestLLMDiffer_BothEmptySkipsCall(t *testing.T) {
	c := &scriptedCompleter{}
	d := NewLLMDiffer(c, nil)

	got, err := d.Diff(context.Background(), nil, types.NewStateSummary())
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	assert.NotNil(t, got.AddedFacts)
	assert.Zero(t, c.calls())
}

func TestLLMDiffer_ParsesResponse(t *testing.T) {
	c := &scriptedCompleter{replies: []string{"```\n" +
		`{"added_facts": ["uses sqlite"], "definition_changes": {"DAG": {"from": "graph", "to": "directed acyclic graph"}}}` +
		"\n```"}}
	d := NewLLMDiffer(c, nil)

	got, err := d.Diff(context.Background(), summary("uses Go"), summary("uses Go", "uses sqlite"))
	require.NoError(t, err)
	assert.Equal(t, []string{"uses sqlite"}, got.AddedFacts)
	assert.Equal(t, types.ValueChange{From: "graph", To: "directed acyclic graph"}, got.DefinitionChanges["DAG"])
	assert.NotNil(t, got.RemovedFacts)
	assert.Contains(t, c.prompts[0], `"uses sqlite"`)
}

func TestLLMDiffer_Failures(t *testing.T) {
	d := NewLLMDiffer(&scriptedCompleter{replies: []string{"I cannot comply"}}, nil)
	_, err := d.Diff(context.Background(), summary("a"), summary("b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDiffComputationFailed)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "I cannot comply", se.Excerpt)

	d = NewLLMDiffer(&scriptedCompleter{err: errBoom}, nil)
	_, err = d.Diff(context.Background(), summary("a"), summary("b"))
	assert.ErrorIs(t, err, ErrDiffComputationFailed)
	assert.ErrorIs(t, err, errBoom)
}

func TestExecuteThreeWayMerge(t *testing.T) {
	c := &scriptedCompleter{replies: []string{`{
		"merged_state": {"facts": ["A", "B"], "definitions": {"T": "v0"}},
		"conflicts": [{"topic": "Definition: T", "base": "v0", "a_change": "v1", "b_change": "removed"}],
		"provenance": {"from_a": ["B"]}
	}`}}

	result := ExecuteThreeWayMerge(context.Background(), c, summary("A"), types.NewSemanticDiff(), nil)

	require.True(t, result.Success)
	assert.Equal(t, []string{"A", "B"}, result.MergedState.Facts)
	assert.NotNil(t, result.MergedState.Decisions)
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, types.ResolutionUnresolved, result.Conflicts[0].Resolution)
	assert.Equal(t, []string{"B"}, result.Provenance.FromA)
	assert.NotNil(t, result.Provenance.FromB)
	assert.True(t, result.HasConflicts())
}

func TestExecuteThreeWayMerge_Failures(t *testing.T) {
	result := ExecuteThreeWayMerge(context.Background(),
		&scriptedCompleter{replies: []string{"{broken"}}, nil, nil, nil)
	assert.False(t, result.Success)
	assert.True(t, strings.HasPrefix(result.Error, "failed to parse merge result"))
	assert.True(t, result.MergedState.IsEmpty())

	result = ExecuteThreeWayMerge(context.Background(), &scriptedCompleter{err: errBoom}, nil, nil, nil)
	assert.False(t, result.Success)
	assert.Equal(t, "boom", result.Error)
}

func TestLLMMerger(t *testing.T) {
	m := NewLLMMerger(&scriptedCompleter{replies: []string{`{"merged_state": {"facts": ["A"]}}`}}, nil)
	result, err := m.Merge(context.Background(), summary("A"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, result.MergedState.Facts)

	m = NewLLMMerger(&scriptedCompleter{replies: []string{"no"}}, nil)
	result, err = m.Merge(context.Background(), summary("A"), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMergeExecutionFailed)
	assert.False(t, result.Success)
}

func TestStageError(t *testing.T) {
	err := &StageError{Stage: StageContinuation, Excerpt: "raw", Err: errBoom}

	assert.ErrorIs(t, err, ErrContinuationFailed)
	assert.ErrorIs(t, err, errBoom)
	assert.NotErrorIs(t, err, ErrDiffComputationFailed)
	assert.Equal(t, `continuation stage failed: boom (response: "raw")`, err.Error())

	_, ok := StageOf(errBoom)
	assert.False(t, ok)
}
