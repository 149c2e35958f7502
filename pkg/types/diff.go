package types

// ValueChange records an in-place modification of a value.
type ValueChange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// SemanticDiff describes what changed between a base StateSummary and a head
// StateSummary, category by category. Field names follow the JSON contract
// used with the completion provider.
type SemanticDiff struct {
	AddedFacts   []string      `json:"added_facts"`
	UpdatedFacts []ValueChange `json:"updated_facts"`
	RemovedFacts []string      `json:"removed_facts"`

	NewAssumptions     []string      `json:"new_assumptions"`
	RevisedAssumptions []ValueChange `json:"revised_assumptions"`
	RemovedAssumptions []string      `json:"removed_assumptions"`

	NewDecisions      []string `json:"new_decisions"`
	ReversedDecisions []string `json:"reversed_decisions"`

	NewConstraints     []string `json:"new_constraints"`
	RemovedConstraints []string `json:"removed_constraints"`

	QuestionsAnswered []string `json:"questions_answered"`
	NewOpenQuestions  []string `json:"new_open_questions"`

	DefinitionChanges  map[string]ValueChange `json:"definition_changes"`
	NewDefinitions     map[string]string      `json:"new_definitions"`
	RemovedDefinitions []string               `json:"removed_definitions"`

	Notes []string `json:"notes"`
}

// NewSemanticDiff returns an empty diff with allocated maps.
func NewSemanticDiff() *SemanticDiff {
	return &SemanticDiff{
		DefinitionChanges: map[string]ValueChange{},
		NewDefinitions:    map[string]string{},
	}
}

// IsEmpty reports whether the diff records no change.
func (d *SemanticDiff) IsEmpty() bool {
	if d == nil {
		return true
	}
	return len(d.AddedFacts) == 0 &&
		len(d.UpdatedFacts) == 0 &&
		len(d.RemovedFacts) == 0 &&
		len(d.NewAssumptions) == 0 &&
		len(d.RevisedAssumptions) == 0 &&
		len(d.RemovedAssumptions) == 0 &&
		len(d.NewDecisions) == 0 &&
		len(d.ReversedDecisions) == 0 &&
		len(d.NewConstraints) == 0 &&
		len(d.RemovedConstraints) == 0 &&
		len(d.QuestionsAnswered) == 0 &&
		len(d.NewOpenQuestions) == 0 &&
		len(d.DefinitionChanges) == 0 &&
		len(d.NewDefinitions) == 0 &&
		len(d.RemovedDefinitions) == 0 &&
		len(d.Notes) == 0
}

// Normalize replaces nil collections with empty ones.
func (d *SemanticDiff) Normalize() {
	for _, p := range []*[]string{
		&d.AddedFacts, &d.RemovedFacts,
		&d.NewAssumptions, &d.RemovedAssumptions,
		&d.NewDecisions, &d.ReversedDecisions,
		&d.NewConstraints, &d.RemovedConstraints,
		&d.QuestionsAnswered, &d.NewOpenQuestions,
		&d.RemovedDefinitions, &d.Notes,
	} {
		if *p == nil {
			*p = []string{}
		}
	}
	if d.UpdatedFacts == nil {
		d.UpdatedFacts = []ValueChange{}
	}
	if d.RevisedAssumptions == nil {
		d.RevisedAssumptions = []ValueChange{}
	}
	if d.DefinitionChanges == nil {
		d.DefinitionChanges = map[string]ValueChange{}
	}
	if d.NewDefinitions == nil {
		d.NewDefinitions = map[string]string{}
	}
}
