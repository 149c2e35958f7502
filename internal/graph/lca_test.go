package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/pkg/types"
)

// diamond builds root → fork x → X and root → fork y → Y, then two merge
// nodes: ma with parents [X, Y] and mb with parents [Y, X].
func diamond(t *testing.T) (g *Graph, x, y, ma, mb *Node) {
	t.Helper()
	g = newTestGraph(t)
	mustFork(t, g, "x")
	x = mustAdd(t, g, "x says", types.RoleUser)
	require.NoError(t, g.SetCurrent(g.Root()))
	mustFork(t, g, "y")
	y = mustAdd(t, g, "y says", types.RoleUser)

	var err error
	ma, err = g.AddMerge(x, y, "ma", &types.MergeMetadata{})
	require.NoError(t, err)
	mb, err = g.AddMerge(y, x, "mb", &types.MergeMetadata{})
	require.NoError(t, err)
	return g, x, y, ma, mb
}

func TestAncestorsWithDistance(t *testing.T) {
	g, x, y, ma, _ := diamond(t)

	anc := g.AncestorsWithDistance(ma)
	assert.Equal(t, 0, anc.Distance[ma.ID])
	assert.Equal(t, 1, anc.Distance[x.ID])
	assert.Equal(t, 1, anc.Distance[y.ID])
	assert.Equal(t, 3, anc.Distance[g.Root().ID])
	assert.Equal(t, []string{ma.ID, x.ID, y.ID}, anc.Order[:3])
	assert.Len(t, anc.Order, 6)
	assert.True(t, anc.Contains(g.Root().ID))
}

func TestIsAncestor(t *testing.T) {
	g, x, y, ma, _ := diamond(t)

	assert.True(t, g.IsAncestor(x, ma))
	assert.True(t, g.IsAncestor(g.Root(), ma))
	assert.False(t, g.IsAncestor(ma, x))
	assert.False(t, g.IsAncestor(x, y))
	assert.False(t, g.IsAncestor(x, x))
}

func TestCheckMergeEligibility_SameNode(t *testing.T) {
	g := newTestGraph(t)
	n := mustAdd(t, g, "q", types.RoleUser)

	for _, node := range []*Node{g.Root(), n} {
		_, err := g.CheckMergeEligibility(node, node)
		require.Error(t, err)
		reason, ok := RejectionReasonOf(err)
		assert.True(t, ok)
		assert.Equal(t, ReasonSameNode, reason)
		assert.True(t, errors.Is(err, ErrMergeRejected))
	}
}

func TestCheckMergeEligibility_AncestorDescendantEitherOrder(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, "a", types.RoleUser)
	mustAdd(t, g, "b", types.RoleAssistant)
	c := mustAdd(t, g, "c", types.RoleUser)

	for _, pair := range [][2]*Node{{a, c}, {c, a}} {
		_, err := g.CheckMergeEligibility(pair[0], pair[1])
		reason, ok := RejectionReasonOf(err)
		require.True(t, ok)
		assert.Equal(t, ReasonAncestorDescendant, reason)
	}
}

func TestCheckMergeEligibility_NoCommonAncestor(t *testing.T) {
	// Two disconnected roots can only come from a hand-built arena.
	g := newEmpty(WithIDGenerator(sequentialIDs()))
	a := g.insert(&Node{Content: "a", Role: types.RoleUser, Type: types.NodeTypeMessage})
	b := g.insert(&Node{Content: "b", Role: types.RoleUser, Type: types.NodeTypeMessage})

	lca, da, db := g.ComputeLCA(a, b)
	assert.Nil(t, lca)
	assert.Zero(t, da)
	assert.Zero(t, db)

	_, err := g.CheckMergeEligibility(a, b)
	reason, ok := RejectionReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNoCommonAncestor, reason)
}

func TestComputeLCA_ForkDepths(t *testing.T) {
	tests := []struct {
		name   string
		d1, d2 int
	}{
		{name: "equal", d1: 2, d2: 2},
		{name: "uneven", d1: 4, d2: 2},
		{name: "short", d1: 2, d2: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGraph(t)
			mustAdd(t, g, "q", types.RoleUser)
			common := mustAdd(t, g, "a", types.RoleAssistant)

			// The fork marker is the first hop below the common node.
			mustFork(t, g, "left")
			for i := 1; i < tt.d1; i++ {
				mustAdd(t, g, "left msg", types.RoleUser)
			}
			left := g.Current()

			require.NoError(t, g.SetCurrent(common))
			mustFork(t, g, "right")
			for i := 1; i < tt.d2; i++ {
				mustAdd(t, g, "right msg", types.RoleUser)
			}
			right := g.Current()

			lca, da, db := g.ComputeLCA(left, right)
			require.NotNil(t, lca)
			assert.Same(t, common, lca)
			assert.Equal(t, tt.d1, da)
			assert.Equal(t, tt.d2, db)

			elig, err := g.CheckMergeEligibility(left, right)
			require.NoError(t, err)
			assert.Same(t, common, elig.LCA)
			assert.Equal(t, tt.d1, elig.DistanceA)
			assert.Equal(t, tt.d2, elig.DistanceB)
		})
	}
}

func TestComputeLCA_TieBreaksOnFirstArgumentOrder(t *testing.T) {
	g, x, y, ma, mb := diamond(t)

	// X and Y are both one hop from each merge node.
	lca, da, db := g.ComputeLCA(ma, mb)
	assert.Same(t, x, lca)
	assert.Equal(t, 1, da)
	assert.Equal(t, 1, db)

	lca, _, _ = g.ComputeLCA(mb, ma)
	assert.Same(t, y, lca)
}

func TestPathToAncestor_ConsidersAllParents(t *testing.T) {
	g, x, y, ma, _ := diamond(t)

	path := g.PathToAncestor(ma, y)
	require.Len(t, path, 2)
	assert.Same(t, y, path[0])
	assert.Same(t, ma, path[1])

	// Both routes to the root have equal length; primary parents win.
	path = g.PathToAncestor(ma, g.Root())
	require.Len(t, path, 4)
	assert.Same(t, g.Root(), path[0])
	assert.Equal(t, "x", path[1].BranchName)
	assert.Same(t, x, path[2])
	assert.Same(t, ma, path[3])

	assert.Nil(t, g.PathToAncestor(x, y))
	assert.Equal(t, []*Node{x}, g.PathToAncestor(x, x))
}

func TestConversationSegment(t *testing.T) {
	g := newTestGraph(t)
	q := mustAdd(t, g, "q", types.RoleUser)
	mustFork(t, g, "f")
	mustAdd(t, g, "a", types.RoleAssistant)
	end := mustAdd(t, g, "q2", types.RoleUser)

	msgs, err := g.ConversationSegment(end, g.Root())
	require.NoError(t, err)
	assert.Equal(t, []types.Message{
		{Role: types.RoleUser, Content: "q"},
		{Role: types.RoleAssistant, Content: "a"},
		{Role: types.RoleUser, Content: "q2"},
	}, msgs)

	_, err = g.ConversationSegment(q, end)
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestMergeSegments(t *testing.T) {
	g := newTestGraph(t)
	mustAdd(t, g, "shared q", types.RoleUser)
	lca := mustAdd(t, g, "shared a", types.RoleAssistant)

	mustFork(t, g, "a")
	mustAdd(t, g, "a q", types.RoleUser)
	headA := mustAdd(t, g, "a a", types.RoleAssistant)

	require.NoError(t, g.SetCurrent(lca))
	mustFork(t, g, "b")
	headB := mustAdd(t, g, "b q", types.RoleUser)

	base, segA, segB, err := g.MergeSegments(headA, headB, lca)
	require.NoError(t, err)

	shared := []types.Message{
		{Role: types.RoleUser, Content: "shared q"},
		{Role: types.RoleAssistant, Content: "shared a"},
	}
	assert.Equal(t, shared, base)
	assert.Equal(t, append(append([]types.Message{}, shared...),
		types.Message{Role: types.RoleUser, Content: "a q"},
		types.Message{Role: types.RoleAssistant, Content: "a a"},
	), segA)
	assert.Equal(t, append(append([]types.Message{}, shared...),
		types.Message{Role: types.RoleUser, Content: "b q"},
	), segB)
}
