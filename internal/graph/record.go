package graph

import (
	"fmt"
	"sort"
	"time"

	"github.com/ishandhanani/forky/pkg/types"
)

// NodeRecord is the persisted form of a Node. Links are stored by id.
type NodeRecord struct {
	ID                string               `json:"id"`
	Content           string               `json:"content"`
	Role              types.Role           `json:"role"`
	BranchName        string               `json:"branch_name,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
	ChildrenIDs       []string             `json:"children_ids"`
	ParentIDs         []string             `json:"parent_ids"`
	NodeType          types.NodeType       `json:"node_type"`
	MergeMetadata     *types.MergeMetadata `json:"merge_metadata,omitempty"`
	StateSummaryCache *types.StateSummary  `json:"state_summary_cache,omitempty"`
}

// Record is the persisted form of a whole graph.
type Record struct {
	RootID        string                 `json:"root_id"`
	CurrentNodeID string                 `json:"current_node_id"`
	Nodes         map[string]*NodeRecord `json:"nodes"`
}

// Flatten converts the graph into its persisted record.
func (g *Graph) Flatten() *Record {
	rec := &Record{
		RootID:        g.Root().ID,
		CurrentNodeID: g.Current().ID,
		Nodes:         make(map[string]*NodeRecord, len(g.nodes)),
	}
	for _, n := range g.nodes {
		rec.Nodes[n.ID] = &NodeRecord{
			ID:                n.ID,
			Content:           n.Content,
			Role:              n.Role,
			BranchName:        n.BranchName,
			Timestamp:         n.Timestamp,
			ChildrenIDs:       g.ids(n.Children),
			ParentIDs:         g.ids(n.Parents),
			NodeType:          n.Type,
			MergeMetadata:     n.Merge,
			StateSummaryCache: n.Summary,
		}
	}
	return rec
}

func (g *Graph) ids(idx []int) []string {
	out := make([]string, len(idx))
	for k, i := range idx {
		out[k] = g.nodes[i].ID
	}
	return out
}

// Rebuild reconstructs a graph from a record. All nodes are instantiated
// first and linked in a second pass. The record is validated: a single
// root, known ids on both sides of every edge, matching parent and child
// lists, parent counts per node type, unique branch names and no cycles.
func Rebuild(rec *Record, opts ...Option) (*Graph, error) {
	if rec == nil || len(rec.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidRecord)
	}

	order, err := topologicalOrder(rec)
	if err != nil {
		return nil, err
	}

	g := newEmpty(opts...)
	for _, id := range order {
		nr := rec.Nodes[id]
		if nr.BranchName != "" && g.HasBranch(nr.BranchName) {
			return nil, fmt.Errorf("%w: duplicate branch name %q", ErrInvalidRecord, nr.BranchName)
		}
		g.insert(&Node{
			ID:         nr.ID,
			Content:    nr.Content,
			Role:       nr.Role,
			Type:       nr.NodeType,
			BranchName: nr.BranchName,
			Timestamp:  nr.Timestamp,
			Merge:      nr.MergeMetadata,
			Summary:    nr.StateSummaryCache,
		})
	}

	for _, n := range g.nodes {
		nr := rec.Nodes[n.ID]
		n.Parents = make([]int, 0, len(nr.ParentIDs))
		for _, pid := range nr.ParentIDs {
			n.Parents = append(n.Parents, g.byID[pid])
		}
		n.Children = make([]int, 0, len(nr.ChildrenIDs))
		for _, cid := range nr.ChildrenIDs {
			n.Children = append(n.Children, g.byID[cid])
		}
	}

	if err := g.validate(rec); err != nil {
		return nil, err
	}

	g.root = g.byID[rec.RootID]
	cur, ok := g.byID[rec.CurrentNodeID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown current node %q", ErrInvalidRecord, rec.CurrentNodeID)
	}
	g.current = cur
	return g, nil
}

// topologicalOrder sorts record ids parents-first, breaking ties by
// timestamp then id. It fails on unknown ids and on cycles.
func topologicalOrder(rec *Record) ([]string, error) {
	indegree := make(map[string]int, len(rec.Nodes))
	for key, nr := range rec.Nodes {
		if nr == nil || nr.ID != key {
			return nil, fmt.Errorf("%w: node key %q does not match its id", ErrInvalidRecord, key)
		}
		indegree[key] = len(nr.ParentIDs)
		for _, pid := range nr.ParentIDs {
			if _, ok := rec.Nodes[pid]; !ok {
				return nil, fmt.Errorf("%w: node %q has unknown parent %q", ErrInvalidRecord, key, pid)
			}
		}
		for _, cid := range nr.ChildrenIDs {
			if _, ok := rec.Nodes[cid]; !ok {
				return nil, fmt.Errorf("%w: node %q has unknown child %q", ErrInvalidRecord, key, cid)
			}
		}
	}

	less := func(a, b string) bool {
		ta, tb := rec.Nodes[a].Timestamp, rec.Nodes[b].Timestamp
		if !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a < b
	}

	var ready []string
	for id, d := range indegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(rec.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, cid := range rec.Nodes[id].ChildrenIDs {
			indegree[cid]--
			if indegree[cid] == 0 {
				ready = append(ready, cid)
			}
		}
	}
	if len(order) != len(rec.Nodes) {
		return nil, fmt.Errorf("%w: parent relation contains a cycle or mismatched edges", ErrInvalidRecord)
	}
	return order, nil
}

func (g *Graph) validate(rec *Record) error {
	type edge struct{ parent, child int }
	parentEdges := make(map[edge]int)
	childEdges := make(map[edge]int)

	roots := 0
	for _, n := range g.nodes {
		if !types.IsValidRole(n.Role) {
			return fmt.Errorf("%w: node %q has invalid role %q", ErrInvalidRecord, n.ID, n.Role)
		}
		switch n.Type {
		case types.NodeTypeMessage:
			if len(n.Parents) > 1 {
				return fmt.Errorf("%w: message node %q has %d parents", ErrInvalidRecord, n.ID, len(n.Parents))
			}
			if n.Merge != nil {
				return fmt.Errorf("%w: message node %q carries merge metadata", ErrInvalidRecord, n.ID)
			}
		case types.NodeTypeMerge:
			if len(n.Parents) != 2 {
				return fmt.Errorf("%w: merge node %q has %d parents", ErrInvalidRecord, n.ID, len(n.Parents))
			}
			if n.Merge == nil {
				return fmt.Errorf("%w: merge node %q has no merge metadata", ErrInvalidRecord, n.ID)
			}
		default:
			return fmt.Errorf("%w: node %q has invalid type %q", ErrInvalidRecord, n.ID, n.Type)
		}
		if len(n.Parents) == 0 {
			roots++
		}
		for _, p := range n.Parents {
			parentEdges[edge{p, n.index}]++
		}
		for _, c := range n.Children {
			childEdges[edge{n.index, c}]++
		}
	}

	if roots != 1 {
		return fmt.Errorf("%w: expected exactly one root, found %d", ErrInvalidRecord, roots)
	}
	root, ok := g.byID[rec.RootID]
	if !ok || len(g.nodes[root].Parents) != 0 {
		return fmt.Errorf("%w: root_id %q is not the parentless node", ErrInvalidRecord, rec.RootID)
	}
	if len(parentEdges) != len(childEdges) {
		return fmt.Errorf("%w: parent and child lists disagree", ErrInvalidRecord)
	}
	for e, count := range parentEdges {
		if childEdges[e] != count {
			return fmt.Errorf("%w: edge %q→%q is not recorded on both ends",
				ErrInvalidRecord, g.nodes[e.parent].ID, g.nodes[e.child].ID)
		}
	}
	return nil
}
