package graph

import (
	"strings"

	"github.com/ishandhanani/forky/pkg/types"
)

// MergedContextHeader opens the synthetic system message that carries a
// merged branch's unique history.
const MergedContextHeader = "Context from merged branch:"

// ConversationHistory linearizes the DAG into prompt history ending at n.
//
// The walk follows primary parents. At a merge node, messages from the
// secondary parent's lineage that are not ancestors of the primary parent
// are spliced in as one system message just before the merge node's own
// entry. Fork markers and the root are left out.
func (g *Graph) ConversationHistory(n *Node) []types.Message {
	var chain []int
	for i := n.index; ; {
		chain = append(chain, i)
		parents := g.nodes[i].Parents
		if len(parents) == 0 {
			break
		}
		i = parents[0]
	}

	var out []types.Message
	for c := len(chain) - 1; c >= 0; c-- {
		node := g.nodes[chain[c]]
		if node.IsMerge() && len(node.Parents) == 2 {
			out = g.appendMergeEntry(out, node.Parents[0], node.Parents[1], node.Content)
			continue
		}
		if node.Role.IsConversational() {
			out = append(out, node.Message())
		}
	}
	return out
}

// HistoryForPendingMerge is the history a merge node of primary and
// secondary would have, before that node exists.
func (g *Graph) HistoryForPendingMerge(primary, secondary *Node, content string) []types.Message {
	out := g.ConversationHistory(primary)
	return g.appendMergeEntry(out, primary.index, secondary.index, content)
}

func (g *Graph) appendMergeEntry(out []types.Message, primary, secondary int, content string) []types.Message {
	if splice := g.uniqueBranchContext(primary, secondary); splice != "" {
		out = append(out, types.Message{Role: types.RoleSystem, Content: splice})
	}
	return append(out, types.Message{Role: types.RoleSystem, Content: content})
}

// uniqueBranchContext renders the secondary lineage down to the first node
// the primary parent already has in its ancestry.
func (g *Graph) uniqueBranchContext(primary, secondary int) string {
	shared := g.ancestorIndices(primary).hops

	var unique []int
	for i := secondary; ; {
		if _, ok := shared[i]; ok {
			break
		}
		unique = append(unique, i)
		parents := g.nodes[i].Parents
		if len(parents) == 0 {
			break
		}
		i = parents[0]
	}

	var lines []string
	for c := len(unique) - 1; c >= 0; c-- {
		n := g.nodes[unique[c]]
		switch {
		case n.IsMerge():
			lines = append(lines, n.Content)
		case n.Role.IsConversational():
			lines = append(lines, speaker(n.Role)+": "+n.Content)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return MergedContextHeader + "\n\n" + strings.Join(lines, "\n\n")
}

func speaker(r types.Role) string {
	switch r {
	case types.RoleUser:
		return "User"
	case types.RoleAssistant:
		return "Assistant"
	default:
		return "System"
	}
}
