package graph

import (
	"fmt"
	"strings"
)

const renderContentWidth = 30

// Render draws the DAG as an ASCII tree from the root. A merge node is
// drawn in full under its primary parent and as a back-reference under its
// secondary parent. The current node is marked with "*".
func (g *Graph) Render() string {
	var b strings.Builder
	drawn := make([]bool, len(g.nodes))
	g.renderNode(&b, g.root, "", true, drawn)
	return strings.TrimRight(b.String(), "\n")
}

func (g *Graph) renderNode(b *strings.Builder, i int, prefix string, last bool, drawn []bool) {
	n := g.nodes[i]
	branch := connector(last)

	label := fmt.Sprintf("[%s] %s", n.Role, truncate(n.Content, renderContentWidth))
	if n.BranchName != "" {
		label = fmt.Sprintf("[%s] %s", n.BranchName, truncate(n.Content, renderContentWidth))
	}
	if n.IsMerge() {
		label = "[merge] " + shortID(n.ID)
	}
	if i == g.current {
		label += " *"
	}

	if drawn[i] {
		fmt.Fprintf(b, "%s%s^ %s\n", prefix, branch, label)
		return
	}
	drawn[i] = true
	fmt.Fprintf(b, "%s%s%s\n", prefix, branch, label)

	if last {
		prefix += "    "
	} else {
		prefix += "│   "
	}
	for k, c := range n.Children {
		child := g.nodes[c]
		// Merge nodes expand under their primary parent only.
		if child.IsMerge() && child.Parents[0] != i && !drawn[c] {
			fmt.Fprintf(b, "%s%s^ [merge] %s\n", prefix, connector(k == len(n.Children)-1), shortID(child.ID))
			continue
		}
		g.renderNode(b, c, prefix, k == len(n.Children)-1, drawn)
	}
}

func connector(last bool) string {
	if last {
		return "└── "
	}
	return "├── "
}

func truncate(s string, width int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) > width {
		return string(r[:width]) + "..."
	}
	return s
}
