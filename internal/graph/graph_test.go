package graph

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ishandhanani/forky/pkg/types"
)

// sequentialIDs yields node-01, node-02, ... so tests can predict ids.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("node-%02d", n)
	}
}

// fixedIDs yields the given ids in order.
func fixedIDs(t *testing.T, ids ...string) func() string {
	t.Helper()
	return func() string {
		if len(ids) == 0 {
			t.Fatal("fixedIDs: ran out of ids")
		}
		id := ids[0]
		ids = ids[1:]
		return id
	}
}

func steppingClock() func() time.Time {
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n) * time.Second)
	}
}

func newTestGraph(t *testing.T, opts ...Option) *Graph {
	t.Helper()
	base := []Option{WithIDGenerator(sequentialIDs()), WithClock(steppingClock())}
	return New(append(base, opts...)...)
}

func mustAdd(t *testing.T, g *Graph, content string, role types.Role) *Node {
	t.Helper()
	n, err := g.AddMessage(content, role)
	require.NoError(t, err)
	return n
}

func mustFork(t *testing.T, g *Graph, name string) *Node {
	t.Helper()
	n, err := g.Fork(name)
	require.NoError(t, err)
	return n
}

func TestNew_RootIsCurrent(t *testing.T) {
	g := newTestGraph(t)

	root := g.Root()
	assert.Equal(t, 1, g.Len())
	assert.Same(t, root, g.Current())
	assert.Equal(t, RootContent, root.Content)
	assert.Equal(t, types.RoleSystem, root.Role)
	assert.Equal(t, types.NodeTypeMessage, root.Type)
	assert.Empty(t, root.Parents)
}

func TestAddMessage_LinksAndAdvances(t *testing.T) {
	g := newTestGraph(t)

	u := mustAdd(t, g, "hello", types.RoleUser)
	a := mustAdd(t, g, "hi there", types.RoleAssistant)

	assert.Same(t, a, g.Current())
	assert.Equal(t, []int{g.Root().Index()}, u.Parents)
	assert.Equal(t, []int{u.Index()}, a.Parents)
	assert.Equal(t, []int{a.Index()}, u.Children)

	_, err := g.AddMessage("x", types.Role("robot"))
	assert.Error(t, err)
}

func TestFork_NamedConflict(t *testing.T) {
	g := newTestGraph(t)
	mustAdd(t, g, "q", types.RoleUser)

	marker := mustFork(t, g, "feature")
	assert.Equal(t, ForkMarker, marker.Content)
	assert.Equal(t, types.RoleSystem, marker.Role)
	assert.Equal(t, types.NodeTypeMessage, marker.Type)
	assert.Equal(t, "feature", marker.BranchName)
	assert.Same(t, marker, g.Current())

	before := g.Len()
	_, err := g.Fork("feature")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBranchNameConflict))
	assert.Equal(t, before, g.Len(), "failed fork must not add nodes")
}

func TestFork_GeneratedNamesUseSmallestUnused(t *testing.T) {
	g := newTestGraph(t)

	mustFork(t, g, "branch-2")
	first := mustFork(t, g, "")
	second := mustFork(t, g, "")

	assert.Equal(t, "branch-1", first.BranchName)
	assert.Equal(t, "branch-3", second.BranchName)
	assert.Equal(t, []string{"branch-1", "branch-2", "branch-3"}, g.BranchNames())
}

func TestAddMessage_DivergencePolicy(t *testing.T) {
	tests := []struct {
		name       string
		policy     DivergencePolicy
		wantErr    error
		wantMarker bool
	}{
		{name: "auto fork", policy: DivergenceAutoFork, wantMarker: true},
		{name: "allow", policy: DivergenceAllow},
		{name: "reject", policy: DivergenceReject, wantErr: ErrDivergentWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGraph(t, WithDivergencePolicy(tt.policy))
			q := mustAdd(t, g, "q", types.RoleUser)
			mustAdd(t, g, "first answer", types.RoleAssistant)
			require.NoError(t, g.SetCurrent(q))

			before := g.Len()
			n, err := g.AddMessage("second answer", types.RoleAssistant)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				assert.Equal(t, before, g.Len())
				assert.Same(t, q, g.Current())
				return
			}
			require.NoError(t, err)

			parent := g.Parents(n)[0]
			if tt.wantMarker {
				assert.Equal(t, before+2, g.Len())
				assert.Equal(t, "branch-1", parent.BranchName)
				assert.Same(t, q, g.Parents(parent)[0])
			} else {
				assert.Equal(t, before+1, g.Len())
				assert.Same(t, q, parent)
				assert.Len(t, q.Children, 2)
			}
		})
	}
}

func TestParseDivergencePolicy(t *testing.T) {
	p, err := ParseDivergencePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DivergenceAutoFork, p)

	p, err = ParseDivergencePolicy(" Reject ")
	require.NoError(t, err)
	assert.Equal(t, DivergenceReject, p)

	_, err = ParseDivergencePolicy("merge")
	assert.Error(t, err)
}

func TestFindByID_DepthFirstFirstMatch(t *testing.T) {
	g := New(
		WithIDGenerator(fixedIDs(t, "root", "aa-2", "aa-1", "aa-0")),
		WithDivergencePolicy(DivergenceAllow),
	)
	first := mustAdd(t, g, "first", types.RoleUser)
	deep := mustAdd(t, g, "deep", types.RoleAssistant)
	require.NoError(t, g.SetCurrent(g.Root()))
	mustAdd(t, g, "sibling", types.RoleUser)

	// Pre-order visits aa-2 before its child aa-1 and before the later
	// sibling aa-0.
	n, err := g.FindByID("aa")
	require.NoError(t, err)
	assert.Same(t, first, n)

	n, err = g.FindByID("aa-1")
	require.NoError(t, err)
	assert.Same(t, deep, n)

	_, err = g.FindByID("zz")
	assert.True(t, errors.Is(err, ErrNodeNotFound))

	_, err = g.FindByID("")
	assert.True(t, errors.Is(err, ErrNodeNotFound))
}

func TestFindBranchHead(t *testing.T) {
	g := newTestGraph(t)
	mustAdd(t, g, "q1", types.RoleUser)
	a1 := mustAdd(t, g, "a1", types.RoleAssistant)

	mustFork(t, g, "feature")
	mustAdd(t, g, "q2", types.RoleUser)
	a2 := mustAdd(t, g, "a2", types.RoleAssistant)

	head, err := g.FindBranchHead("feature")
	require.NoError(t, err)
	assert.Same(t, a2, head)

	// The fork marker opens another branch, so main stops at a1.
	for _, name := range []string{"main", "master"} {
		head, err = g.FindBranchHead(name)
		require.NoError(t, err)
		assert.Same(t, a1, head, name)
	}

	_, err = g.FindBranchHead("nope")
	assert.True(t, errors.Is(err, ErrBranchNotFound))
}

func TestFindBranchHead_PrefersMostRecentChild(t *testing.T) {
	g := newTestGraph(t, WithDivergencePolicy(DivergenceAllow))
	q := mustAdd(t, g, "q", types.RoleUser)
	mustAdd(t, g, "old", types.RoleAssistant)
	require.NoError(t, g.SetCurrent(q))
	latest := mustAdd(t, g, "new", types.RoleAssistant)

	head, err := g.FindBranchHead("main")
	require.NoError(t, err)
	assert.Same(t, latest, head)
}

func TestCheckout(t *testing.T) {
	g := newTestGraph(t)
	q := mustAdd(t, g, "q", types.RoleUser)
	mustFork(t, g, "side")
	side := mustAdd(t, g, "side answer", types.RoleAssistant)

	n, err := g.Checkout(q.ID)
	require.NoError(t, err)
	assert.Same(t, q, n)
	assert.Same(t, q, g.Current())

	n, err = g.Checkout("side")
	require.NoError(t, err)
	assert.Same(t, side, n)

	_, err = g.Checkout("missing")
	assert.True(t, errors.Is(err, ErrNodeNotFound))
	assert.Same(t, side, g.Current())
}

func TestAddMerge(t *testing.T) {
	g := newTestGraph(t)
	mustFork(t, g, "a")
	a := mustAdd(t, g, "on a", types.RoleUser)
	_, err := g.Checkout(g.Root().ID)
	require.NoError(t, err)
	mustFork(t, g, "b")
	b := mustAdd(t, g, "on b", types.RoleUser)

	meta := &types.MergeMetadata{BaseID: g.Root().ID}
	m, err := g.AddMerge(a, b, "merged", meta)
	require.NoError(t, err)

	assert.Equal(t, types.NodeTypeMerge, m.Type)
	assert.Equal(t, types.RoleSystem, m.Role)
	assert.Equal(t, []int{a.Index(), b.Index()}, m.Parents)
	assert.Same(t, meta, m.Merge)
	assert.Same(t, m, g.Current())
	assert.Contains(t, a.Children, m.Index())
	assert.Contains(t, b.Children, m.Index())

	_, err = g.AddMerge(a, a, "self", nil)
	assert.True(t, errors.Is(err, ErrMergeRejected))
}

func TestRender(t *testing.T) {
	g := newTestGraph(t)
	mustAdd(t, g, "What is a DAG? Please explain it at length.", types.RoleUser)
	mustFork(t, g, "feature")
	mustAdd(t, g, "short", types.RoleAssistant)

	out := g.Render()
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "└── [system] Root", lines[0])
	assert.Contains(t, lines[1], "[user] What is a DAG? Please explain ...")
	assert.Contains(t, lines[2], "[feature] <FORK>")
	assert.True(t, strings.HasSuffix(lines[3], "[assistant] short *"))
}

func TestFindByID_ExactIDDoesNotJumpTheWalk(t *testing.T) {
	g := New(
		WithIDGenerator(fixedIDs(t, "root", "ab", "a")),
		WithDivergencePolicy(DivergenceAllow),
	)
	ab := mustAdd(t, g, "first", types.RoleUser)
	require.NoError(t, g.SetCurrent(g.Root()))
	exact := mustAdd(t, g, "second", types.RoleUser)

	n, err := g.FindByID("a")
	require.NoError(t, err)
	assert.Same(t, ab, n)

	n, ok := g.Lookup("a")
	require.True(t, ok)
	assert.Same(t, exact, n)
}

func TestAddChild(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, "a", types.RoleUser)
	cur := g.Current()

	child := &Node{Content: "aside", Role: types.RoleAssistant}
	require.NoError(t, g.AddChild(g.Root(), child))
	assert.Equal(t, "node-03", child.ID)
	assert.Equal(t, types.NodeTypeMessage, child.Type)
	assert.False(t, child.Timestamp.IsZero())
	assert.Equal(t, []*Node{a, child}, g.Children(g.Root()))
	assert.Equal(t, []*Node{g.Root()}, g.Parents(child))
	assert.Same(t, cur, g.Current())

	found, err := g.FindByID("node-03")
	require.NoError(t, err)
	assert.Same(t, child, found)

	rebuilt, err := Rebuild(g.Flatten())
	require.NoError(t, err)
	assert.Equal(t, 3, rebuilt.Len())
}

func TestAddChild_RejectsInvalidLinks(t *testing.T) {
	g := newTestGraph(t)
	a := mustAdd(t, g, "a", types.RoleUser)
	b := mustAdd(t, g, "b", types.RoleAssistant)
	other := newTestGraph(t)
	stranger := mustAdd(t, other, "x", types.RoleUser)

	tests := []struct {
		name          string
		parent, child *Node
		want          error
	}{
		{"root as child", b, g.Root(), ErrInvalidLink},
		{"cycle through ancestor", b, a, ErrInvalidLink},
		{"self loop", b, b, ErrInvalidLink},
		{"second parent for a message", g.Root(), b, ErrInvalidLink},
		{"merge node", a, &Node{Role: types.RoleSystem, Type: types.NodeTypeMerge}, ErrInvalidLink},
		{"invalid role", a, &Node{Role: "narrator"}, ErrInvalidLink},
		{"duplicate id", a, &Node{ID: a.ID, Role: types.RoleUser}, ErrInvalidLink},
		{"pre-linked child", a, &Node{Role: types.RoleUser, Parents: []int{0}}, ErrInvalidLink},
		{"foreign parent", stranger, &Node{Role: types.RoleUser}, ErrNodeNotFound},
		{"nil child", a, nil, ErrInvalidLink},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.AddChild(tt.parent, tt.child)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	assert.Equal(t, 3, g.Len())
	assert.Empty(t, g.Parents(g.Root()))
	assert.Equal(t, []*Node{a}, g.Parents(b))
	assert.Equal(t, []types.Message{
		{Role: types.RoleUser, Content: "a"},
		{Role: types.RoleAssistant, Content: "b"},
	}, g.ConversationHistory(b))
	_, err := Rebuild(g.Flatten())
	require.NoError(t, err)
}
