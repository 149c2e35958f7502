package graph

import (
	"fmt"

	"github.com/ishandhanani/forky/pkg/types"
)

// Ancestry is the result of a breadth-first walk over a node's parents.
type Ancestry struct {
	// Distance maps node id to the minimum number of hops from the start
	// node. The start node itself has distance 0.
	Distance map[string]int
	// Order lists ids in BFS discovery order, start node first.
	Order []string
}

// Contains reports whether id is the start node or one of its ancestors.
func (a Ancestry) Contains(id string) bool {
	_, ok := a.Distance[id]
	return ok
}

// AncestorsWithDistance walks every parent of every node breadth first.
func (g *Graph) AncestorsWithDistance(n *Node) Ancestry {
	dist := g.ancestorIndices(n.index)
	anc := Ancestry{
		Distance: make(map[string]int, len(dist.order)),
		Order:    make([]string, 0, len(dist.order)),
	}
	for _, i := range dist.order {
		id := g.nodes[i].ID
		anc.Distance[id] = dist.hops[i]
		anc.Order = append(anc.Order, id)
	}
	return anc
}

type indexAncestry struct {
	hops  map[int]int
	order []int
}

func (g *Graph) ancestorIndices(start int) indexAncestry {
	a := indexAncestry{hops: map[int]int{start: 0}, order: []int{start}}
	queue := []int{start}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.nodes[cur].Parents {
			if _, seen := a.hops[p]; seen {
				continue
			}
			a.hops[p] = a.hops[cur] + 1
			a.order = append(a.order, p)
			queue = append(queue, p)
		}
	}
	return a
}

// IsAncestor reports whether x is a strict ancestor of y.
func (g *Graph) IsAncestor(x, y *Node) bool {
	if x.index == y.index {
		return false
	}
	_, ok := g.ancestorIndices(y.index).hops[x.index]
	return ok
}

// ComputeLCA returns the common ancestor minimizing distA+distB. Ties go to
// the candidate discovered first in a's breadth-first ancestor walk. It
// returns nil when a and b share no ancestor.
func (g *Graph) ComputeLCA(a, b *Node) (lca *Node, distA, distB int) {
	ancA := g.ancestorIndices(a.index)
	ancB := g.ancestorIndices(b.index)

	best := -1
	bestTotal := 0
	for _, i := range ancA.order {
		db, ok := ancB.hops[i]
		if !ok {
			continue
		}
		total := ancA.hops[i] + db
		if best < 0 || total < bestTotal {
			best, bestTotal = i, total
		}
	}
	if best < 0 {
		return nil, 0, 0
	}
	return g.nodes[best], ancA.hops[best], ancB.hops[best]
}

// Eligibility describes an accepted merge between two nodes.
type Eligibility struct {
	LCA       *Node
	DistanceA int
	DistanceB int
}

// CheckMergeEligibility validates the structural preconditions of merging b
// into a. Rejections are *MergeRejectedError values.
func (g *Graph) CheckMergeEligibility(a, b *Node) (*Eligibility, error) {
	if a.ID == b.ID {
		return nil, &MergeRejectedError{Reason: ReasonSameNode, A: a.ID, B: b.ID}
	}
	if g.IsAncestor(a, b) || g.IsAncestor(b, a) {
		return nil, &MergeRejectedError{Reason: ReasonAncestorDescendant, A: a.ID, B: b.ID}
	}
	lca, da, db := g.ComputeLCA(a, b)
	if lca == nil {
		return nil, &MergeRejectedError{Reason: ReasonNoCommonAncestor, A: a.ID, B: b.ID}
	}
	return &Eligibility{LCA: lca, DistanceA: da, DistanceB: db}, nil
}

// PathToAncestor returns the shortest parent path from ancestor down to
// node, both inclusive. Every parent of a merge node is considered, in
// parent order. It returns nil if ancestor is not reachable.
func (g *Graph) PathToAncestor(node, ancestor *Node) []*Node {
	if node.index == ancestor.index {
		return []*Node{node}
	}

	prev := map[int]int{node.index: -1}
	queue := []int{node.index}
	found := false
	for len(queue) > 0 && !found {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range g.nodes[cur].Parents {
			if _, seen := prev[p]; seen {
				continue
			}
			prev[p] = cur
			if p == ancestor.index {
				found = true
				break
			}
			queue = append(queue, p)
		}
	}
	if !found {
		return nil
	}

	// prev points toward node, so walking from ancestor yields root→leaf order.
	var path []*Node
	for i := ancestor.index; i >= 0; i = prev[i] {
		path = append(path, g.nodes[i])
	}
	return path
}

// ConversationSegment returns the user and assistant messages on the path
// from ancestor down to node.
func (g *Graph) ConversationSegment(node, ancestor *Node) ([]types.Message, error) {
	path := g.PathToAncestor(node, ancestor)
	if path == nil {
		return nil, fmt.Errorf("%w: %s is not an ancestor of %s", ErrNodeNotFound, shortID(ancestor.ID), shortID(node.ID))
	}
	return conversational(path), nil
}

func conversational(path []*Node) []types.Message {
	msgs := make([]types.Message, 0, len(path))
	for _, n := range path {
		if n.Role.IsConversational() {
			msgs = append(msgs, n.Message())
		}
	}
	return msgs
}

// MergeSegments returns the three message segments a merge of target into
// current is computed from: root→LCA, then that base extended by LCA→current
// and by LCA→target.
func (g *Graph) MergeSegments(current, target, lca *Node) (base, a, b []types.Message, err error) {
	base, err = g.ConversationSegment(lca, g.Root())
	if err != nil {
		return nil, nil, nil, err
	}
	tailA, err := g.ConversationSegment(current, lca)
	if err != nil {
		return nil, nil, nil, err
	}
	tailB, err := g.ConversationSegment(target, lca)
	if err != nil {
		return nil, nil, nil, err
	}
	// The LCA is the first entry of each tail and already closes base.
	if lca.Role.IsConversational() {
		tailA, tailB = tailA[1:], tailB[1:]
	}
	a = append(append(make([]types.Message, 0, len(base)+len(tailA)), base...), tailA...)
	b = append(append(make([]types.Message, 0, len(base)+len(tailB)), base...), tailB...)
	return base, a, b, nil
}
