package merge

import (
	"strings"

	"github.com/ishandhanani/forky/pkg/types"
)

// FormatMergedStateForContext renders a merge result as a markdown block
// that primes the assistant's continuation after a merge. Unresolved
// conflicts are listed last.
func FormatMergedStateForContext(result *types.MergeResult) string {
	state := types.NewStateSummary()
	if result != nil && result.MergedState != nil {
		state = result.MergedState
	}

	lines := []string{"## Merged Conversation State", ""}
	section := func(title string, items []string) {
		if len(items) == 0 {
			return
		}
		lines = append(lines, "### "+title)
		for _, item := range items {
			lines = append(lines, "- "+item)
		}
		lines = append(lines, "")
	}

	section("Facts", state.Facts)
	section("Decisions", state.Decisions)
	section("Assumptions", state.Assumptions)
	section("Constraints", state.Constraints)
	section("Open Questions", state.OpenQuestions)

	if len(state.Definitions) > 0 {
		lines = append(lines, "### Definitions")
		for _, term := range sortedKeys(state.Definitions) {
			lines = append(lines, "- **"+term+"**: "+state.Definitions[term])
		}
		lines = append(lines, "")
	}

	if result != nil && result.HasConflicts() {
		lines = append(lines, "### Unresolved Conflicts")
		for _, c := range result.Conflicts {
			if !c.IsUnresolved() {
				continue
			}
			lines = append(lines,
				"- **"+c.Topic+"**",
				"  - Branch A: "+c.AChange,
				"  - Branch B: "+c.BChange,
			)
		}
		lines = append(lines, "", "*Please acknowledge these conflicts and clarify if needed.*")
	}

	return strings.Join(lines, "\n")
}
