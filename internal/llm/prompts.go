// Package llm provides the completion capability behind the merge engine:
// provider clients for Anthropic, OpenAI and Ollama guarded by a circuit
// breaker and rate limiter, strict JSON-only prompt templates, and the
// fenced-JSON response parser.
package llm

import (
	"fmt"
	"strings"

	"github.com/ishandhanani/forky/pkg/types"
)

// FormatConversation renders messages as "Role: content" paragraphs.
func FormatConversation(messages []types.Message) string {
	parts := make([]string, 0, len(messages))
	for _, m := range messages {
		role := string(m.Role)
		if role == "" {
			role = "unknown"
		}
		parts = append(parts, strings.ToUpper(role[:1])+role[1:]+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}

// StateSummaryPrompt generates a strict JSON-only prompt that extracts a
// StateSummary from a formatted conversation.
func StateSummaryPrompt(conversation string) string {
	return fmt.Sprintf(`Analyze the following conversation and extract a structured state summary.

<conversation>
%s
</conversation>

Extract the current state of the conversation into the following structured format.
Be precise and concise. Only include items that are explicitly stated or strongly implied.

Output a valid JSON object with these fields:
- "facts": Array of established facts (things stated as true)
- "assumptions": Array of assumptions being made
- "decisions": Array of decisions that have been made
- "constraints": Array of constraints or limitations mentioned
- "open_questions": Array of unresolved questions
- "definitions": Object mapping terms to their definitions
- "context_notes": Array of important context notes

Example output:
{
  "facts": ["The project uses Go 1.24", "Database is PostgreSQL"],
  "assumptions": ["Users have admin access"],
  "decisions": ["Use REST API instead of GraphQL"],
  "constraints": ["Must support legacy browsers"],
  "open_questions": ["What is the performance target?"],
  "definitions": {"API": "Application Programming Interface"},
  "context_notes": ["This is a refactoring of an existing codebase"]
}

If a category has no items, use an empty array [] or empty object {}.
Return ONLY the JSON object, no additional text.`, conversation)
}

// SemanticDiffPrompt generates a strict JSON-only prompt that describes
// what changed from the base state to the head state. Both states are
// passed as indented JSON.
func SemanticDiffPrompt(baseJSON, headJSON string) string {
	return fmt.Sprintf(`Compare the BASE state to the HEAD state and identify all semantic differences.

<base_state>
%s
</base_state>

<head_state>
%s
</head_state>

Identify what changed from BASE to HEAD. Output a valid JSON object with these fields:

- "added_facts": New facts in HEAD not in BASE
- "updated_facts": Array of {"from": "old", "to": "new"} for modified facts
- "removed_facts": Facts in BASE but not in HEAD
- "new_assumptions": New assumptions in HEAD
- "revised_assumptions": Array of {"from": "old", "to": "new"} for modified assumptions
- "removed_assumptions": Assumptions removed in HEAD
- "new_decisions": New decisions made in HEAD
- "reversed_decisions": Decisions from BASE that were reversed
- "new_constraints": New constraints in HEAD
- "removed_constraints": Constraints removed in HEAD
- "questions_answered": Open questions from BASE that got answered
- "new_open_questions": New questions raised in HEAD
- "definition_changes": Object mapping term to {"from": "old def", "to": "new def"}
- "new_definitions": Object mapping new terms to definitions
- "removed_definitions": Array of terms that were removed
- "notes": Any important observations about the diff

If unsure whether something is new or restated, put it in "notes".
Use empty arrays [] and objects {} for categories with no changes.
Return ONLY the JSON object, no additional text.`, baseJSON, headJSON)
}

// MergeExecutionPrompt generates a strict JSON-only prompt that applies two
// diffs to a base state and reports conflicts without resolving them.
func MergeExecutionPrompt(baseJSON, diffAJSON, diffBJSON string) string {
	return fmt.Sprintf(`You are performing a three-way merge of conversation states.

<base_state>
%s
</base_state>

<diff_from_branch_a>
%s
</diff_from_branch_a>

<diff_from_branch_b>
%s
</diff_from_branch_b>

Apply both diffs to the base state to produce a merged state.

CONFLICT DETECTION:
A conflict exists when:
1. Both diffs modify the same item differently
2. One removes something the other updates
3. Both add contradictory items on the same topic

For conflicts, do NOT auto-resolve. Mark them as unresolved and leave the
conflicting item out of merged_state.

OUTPUT FORMAT (JSON):
{
  "merged_state": {
    "facts": [...],
    "assumptions": [...],
    "decisions": [...],
    "constraints": [...],
    "open_questions": [...],
    "definitions": {},
    "context_notes": [...]
  },
  "conflicts": [
    {
      "topic": "description of conflicting item",
      "base": "original value or 'not present'",
      "a_change": "what branch A did",
      "b_change": "what branch B did",
      "resolution": "unresolved",
      "rationale": "explanation of why this is a conflict"
    }
  ],
  "provenance": {
    "from_a": ["list of items that came from branch A"],
    "from_b": ["list of items that came from branch B"],
    "from_base": ["list of items unchanged from base"]
  }
}

Add one context_notes entry per conflict in the form "[CONFLICT]: <topic> - <rationale>".
Return ONLY the JSON object.`, baseJSON, diffAJSON, diffBJSON)
}

// DefaultContinuationPrompt asks the assistant to pick up after a merge.
const DefaultContinuationPrompt = "The two conversation branches above have been merged. " +
	"Briefly acknowledge the merged state, call out any unresolved conflicts, " +
	"and continue the conversation from here."
