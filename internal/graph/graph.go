// Package graph implements the conversation DAG.
//
// Nodes live in an arena indexed by int. Parent and child links are arena
// indices, so a node never owns another node and the parent relation stays
// acyclic: links are only ever created from a new node to nodes that already
// exist, and they are never rewritten.
//
// Graph is not safe for concurrent mutation. One logical writer drives a
// graph at a time.
package graph

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ishandhanani/forky/pkg/types"
)

const (
	// RootContent is the content of the root node of every new graph.
	RootContent = "Root"

	// ForkMarker is the content of a fork-origin node.
	ForkMarker = "<FORK>"

	generatedBranchPrefix = "branch-"
)

// Node is a single message or merge point in the conversation DAG.
type Node struct {
	ID         string
	Content    string
	Role       types.Role
	Type       types.NodeType
	BranchName string
	Timestamp  time.Time

	// Parents holds arena indices; the first entry is the primary parent.
	Parents []int
	// Children holds arena indices in insertion order.
	Children []int

	// Merge is set iff Type is NodeTypeMerge.
	Merge *types.MergeMetadata

	// Summary caches the StateSummary of the root→node segment.
	Summary *types.StateSummary

	index int
}

// Index returns the node's position in the graph arena.
func (n *Node) Index() int { return n.index }

// IsMerge reports whether n is a merge node.
func (n *Node) IsMerge() bool { return n.Type == types.NodeTypeMerge }

// IsForkMarker reports whether n opens a named branch.
func (n *Node) IsForkMarker() bool { return n.BranchName != "" }

// Message returns the node as a role/content pair.
func (n *Node) Message() types.Message {
	return types.Message{Role: n.Role, Content: n.Content}
}

// DivergencePolicy controls what AddMessage does when the current node
// already has children.
type DivergencePolicy string

const (
	// DivergenceAutoFork creates an anonymous fork before appending.
	DivergenceAutoFork DivergencePolicy = "auto_fork"
	// DivergenceAllow appends an unnamed sibling.
	DivergenceAllow DivergencePolicy = "allow"
	// DivergenceReject fails with ErrDivergentWrite.
	DivergenceReject DivergencePolicy = "reject"
)

// ParseDivergencePolicy converts a configuration string into a policy.
// An empty string selects DivergenceAutoFork.
func ParseDivergencePolicy(s string) (DivergencePolicy, error) {
	switch p := DivergencePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return DivergenceAutoFork, nil
	case DivergenceAutoFork, DivergenceAllow, DivergenceReject:
		return p, nil
	default:
		return "", fmt.Errorf("unknown divergence policy %q", s)
	}
}

// Option configures a Graph.
type Option func(*Graph)

// WithDivergencePolicy sets the policy applied by AddMessage.
func WithDivergencePolicy(p DivergencePolicy) Option {
	return func(g *Graph) {
		if p != "" {
			g.policy = p
		}
	}
}

// WithClock overrides the timestamp source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Graph) { g.now = now }
}

// WithIDGenerator overrides node id generation. Used by tests.
func WithIDGenerator(newID func() string) Option {
	return func(g *Graph) { g.newID = newID }
}

// Graph is the conversation DAG with a movable current pointer.
type Graph struct {
	nodes    []*Node
	byID     map[string]int
	branches map[string]int
	root     int
	current  int

	policy DivergencePolicy
	now    func() time.Time
	newID  func() string
}

func newEmpty(opts ...Option) *Graph {
	g := &Graph{
		byID:     make(map[string]int),
		branches: make(map[string]int),
		policy:   DivergenceAutoFork,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New creates a graph holding only the root node, which is also current.
func New(opts ...Option) *Graph {
	g := newEmpty(opts...)
	root := g.insert(&Node{
		Content: RootContent,
		Role:    types.RoleSystem,
		Type:    types.NodeTypeMessage,
	})
	g.root = root.index
	g.current = root.index
	return g
}

// Policy returns the divergence policy in effect.
func (g *Graph) Policy() DivergencePolicy { return g.policy }

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// Root returns the root node.
func (g *Graph) Root() *Node { return g.nodes[g.root] }

// Current returns the node new messages are appended under.
func (g *Graph) Current() *Node { return g.nodes[g.current] }

// Node returns the node at arena index i.
func (g *Graph) Node(i int) *Node { return g.nodes[i] }

// Lookup returns the node with exactly this id.
func (g *Graph) Lookup(id string) (*Node, bool) {
	i, ok := g.byID[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// Nodes returns all nodes in arena (creation) order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Parents returns n's parents, primary first.
func (g *Graph) Parents(n *Node) []*Node { return g.resolve(n.Parents) }

// Children returns n's children in insertion order.
func (g *Graph) Children(n *Node) []*Node { return g.resolve(n.Children) }

func (g *Graph) resolve(idx []int) []*Node {
	out := make([]*Node, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i])
	}
	return out
}

// SetCurrent moves the current pointer to n.
func (g *Graph) SetCurrent(n *Node) error {
	if !g.owns(n) {
		return fmt.Errorf("%w: node is not part of this graph", ErrNodeNotFound)
	}
	g.current = n.index
	return nil
}

// BranchNames returns every branch name in use, sorted.
func (g *Graph) BranchNames() []string {
	names := make([]string, 0, len(g.branches))
	for name := range g.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasBranch reports whether a fork marker carries name.
func (g *Graph) HasBranch(name string) bool {
	_, ok := g.branches[name]
	return ok
}

// AddChild inserts a detached message node under parent. An empty ID or
// timestamp is filled in; current does not move. Nodes already in the graph
// cannot be relinked, so the root stays parentless, message nodes keep a
// single parent and no cycle can form.
func (g *Graph) AddChild(parent, child *Node) error {
	if !g.owns(parent) {
		return fmt.Errorf("%w: parent is not part of this graph", ErrNodeNotFound)
	}
	if child == nil {
		return fmt.Errorf("%w: nil child", ErrInvalidLink)
	}
	if g.owns(child) {
		switch {
		case child.index == g.root:
			return fmt.Errorf("%w: the root cannot have a parent", ErrInvalidLink)
		case child.index == parent.index || g.IsAncestor(child, parent):
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrInvalidLink, shortID(child.ID), shortID(parent.ID))
		default:
			return fmt.Errorf("%w: %s already has a parent", ErrInvalidLink, shortID(child.ID))
		}
	}

	if child.Type == "" {
		child.Type = types.NodeTypeMessage
	}
	switch {
	case child.Type != types.NodeTypeMessage:
		return fmt.Errorf("%w: only message nodes can be added as children", ErrInvalidLink)
	case !types.IsValidRole(child.Role):
		return fmt.Errorf("%w: invalid role %q", ErrInvalidLink, child.Role)
	case len(child.Parents) > 0 || len(child.Children) > 0 || child.Merge != nil:
		return fmt.Errorf("%w: child must be detached", ErrInvalidLink)
	}
	if child.ID != "" {
		if _, dup := g.byID[child.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidLink, child.ID)
		}
	}
	if child.BranchName != "" && g.HasBranch(child.BranchName) {
		return fmt.Errorf("%w: %q", ErrBranchNameConflict, child.BranchName)
	}
	g.insert(child, parent.index)
	return nil
}

func (g *Graph) link(parent, child int) {
	g.nodes[parent].Children = append(g.nodes[parent].Children, child)
	g.nodes[child].Parents = append(g.nodes[child].Parents, parent)
}

// Fork creates a <FORK> marker under the current node and moves current to
// it. An empty name generates the smallest unused "branch-N".
func (g *Graph) Fork(name string) (*Node, error) {
	if name == "" {
		name = g.nextBranchName()
	} else if g.HasBranch(name) {
		return nil, fmt.Errorf("%w: %q", ErrBranchNameConflict, name)
	}

	marker := g.insert(&Node{
		Content:    ForkMarker,
		Role:       types.RoleSystem,
		Type:       types.NodeTypeMessage,
		BranchName: name,
	}, g.current)
	g.current = marker.index
	return marker, nil
}

func (g *Graph) nextBranchName() string {
	for n := 1; ; n++ {
		name := generatedBranchPrefix + strconv.Itoa(n)
		if !g.HasBranch(name) {
			return name
		}
	}
}

// AddMessage appends a message under the current node and advances current.
// If current already has children the divergence policy decides first.
func (g *Graph) AddMessage(content string, role types.Role) (*Node, error) {
	if !types.IsValidRole(role) {
		return nil, fmt.Errorf("invalid role %q", role)
	}

	if len(g.nodes[g.current].Children) > 0 {
		switch g.policy {
		case DivergenceReject:
			return nil, fmt.Errorf("%w: %s", ErrDivergentWrite, shortID(g.Current().ID))
		case DivergenceAllow:
		default:
			if _, err := g.Fork(""); err != nil {
				return nil, err
			}
		}
	}

	n := g.insert(&Node{
		Content: content,
		Role:    role,
		Type:    types.NodeTypeMessage,
	}, g.current)
	g.current = n.index
	return n, nil
}

// AddMerge creates a merge node with parents [primary, secondary] and moves
// current to it.
func (g *Graph) AddMerge(primary, secondary *Node, content string, meta *types.MergeMetadata) (*Node, error) {
	if !g.owns(primary) || !g.owns(secondary) {
		return nil, fmt.Errorf("%w: merge parent is not part of this graph", ErrNodeNotFound)
	}
	if primary.index == secondary.index {
		return nil, &MergeRejectedError{Reason: ReasonSameNode, A: primary.ID, B: secondary.ID}
	}
	if meta == nil {
		meta = &types.MergeMetadata{}
	}

	n := g.insert(&Node{
		Content: content,
		Role:    types.RoleSystem,
		Type:    types.NodeTypeMerge,
		Merge:   meta,
	}, primary.index, secondary.index)
	g.current = n.index
	return n, nil
}

// AppendContent extends a node's content, as during streamed generation.
func (g *Graph) AppendContent(n *Node, chunk string) {
	n.Content += chunk
}

func (g *Graph) insert(n *Node, parents ...int) *Node {
	if n.ID == "" {
		n.ID = g.newID()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = g.now()
	}
	n.index = len(g.nodes)
	g.nodes = append(g.nodes, n)
	g.byID[n.ID] = n.index
	if n.BranchName != "" {
		g.branches[n.BranchName] = n.index
	}
	for _, p := range parents {
		g.link(p, n.index)
	}
	return n
}

func (g *Graph) owns(n *Node) bool {
	return n != nil && n.index >= 0 && n.index < len(g.nodes) && g.nodes[n.index] == n
}

// FindByID returns the first node whose id starts with prefix, visiting
// nodes depth-first from the root with children in insertion order. A node
// reachable through both parents of a merge is visited once. A full id is
// matched the same way; Lookup does exact matching.
func (g *Graph) FindByID(prefix string) (*Node, error) {
	if prefix == "" {
		return nil, fmt.Errorf("%w: empty id prefix", ErrNodeNotFound)
	}
	visited := make([]bool, len(g.nodes))
	stack := []int{g.root}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[i] {
			continue
		}
		visited[i] = true

		n := g.nodes[i]
		if strings.HasPrefix(n.ID, prefix) {
			return n, nil
		}
		// Push in reverse so the first child is popped first.
		for c := len(n.Children) - 1; c >= 0; c-- {
			if !visited[n.Children[c]] {
				stack = append(stack, n.Children[c])
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNodeNotFound, prefix)
}

// IsMainBranch reports whether name refers to the root lineage.
func IsMainBranch(name string) bool {
	return name == "master" || name == "main"
}

// FindBranchHead returns the tip of a branch. "master" and "main" start at
// the root; any other name starts at its fork marker. From there it follows
// the most recently added child that does not open another branch.
func (g *Graph) FindBranchHead(name string) (*Node, error) {
	var start int
	switch {
	case IsMainBranch(name):
		start = g.root
	default:
		i, ok := g.branches[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBranchNotFound, name)
		}
		start = i
	}

	cur := start
	for {
		next := -1
		children := g.nodes[cur].Children
		for c := len(children) - 1; c >= 0; c-- {
			if g.nodes[children[c]].BranchName == "" {
				next = children[c]
				break
			}
		}
		if next < 0 {
			return g.nodes[cur], nil
		}
		cur = next
	}
}

// Resolve finds a node by branch name first, then by id prefix.
func (g *Graph) Resolve(ref string) (*Node, error) {
	if IsMainBranch(ref) || g.HasBranch(ref) {
		return g.FindBranchHead(ref)
	}
	n, err := g.FindByID(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: no branch or node matches %q", ErrNodeNotFound, ref)
	}
	return n, nil
}

// Checkout moves current to the node named by ref.
func (g *Graph) Checkout(ref string) (*Node, error) {
	n, err := g.Resolve(ref)
	if err != nil {
		return nil, err
	}
	g.current = n.index
	return n, nil
}
