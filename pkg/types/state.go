package types

// StateSummary is a structured extraction of the semantic content of a
// conversation segment. The string slices are ordered but carry set
// semantics: duplicates are not meaningful.
type StateSummary struct {
	Facts         []string          `json:"facts"`
	Assumptions   []string          `json:"assumptions"`
	Decisions     []string          `json:"decisions"`
	Constraints   []string          `json:"constraints"`
	OpenQuestions []string          `json:"open_questions"`
	Definitions   map[string]string `json:"definitions"`
	ContextNotes  []string          `json:"context_notes"`
}

// NewStateSummary returns an empty summary with every collection allocated,
// so that it serializes as [] and {} rather than null.
func NewStateSummary() *StateSummary {
	s := &StateSummary{}
	s.Normalize()
	return s
}

// Normalize replaces nil collections with empty ones.
func (s *StateSummary) Normalize() {
	if s.Facts == nil {
		s.Facts = []string{}
	}
	if s.Assumptions == nil {
		s.Assumptions = []string{}
	}
	if s.Decisions == nil {
		s.Decisions = []string{}
	}
	if s.Constraints == nil {
		s.Constraints = []string{}
	}
	if s.OpenQuestions == nil {
		s.OpenQuestions = []string{}
	}
	if s.Definitions == nil {
		s.Definitions = map[string]string{}
	}
	if s.ContextNotes == nil {
		s.ContextNotes = []string{}
	}
}

// IsEmpty reports whether the summary carries no content at all.
func (s *StateSummary) IsEmpty() bool {
	if s == nil {
		return true
	}
	return len(s.Facts) == 0 &&
		len(s.Assumptions) == 0 &&
		len(s.Decisions) == 0 &&
		len(s.Constraints) == 0 &&
		len(s.OpenQuestions) == 0 &&
		len(s.Definitions) == 0 &&
		len(s.ContextNotes) == 0
}

// Clone returns a deep copy of the summary.
func (s *StateSummary) Clone() *StateSummary {
	if s == nil {
		return nil
	}
	out := &StateSummary{
		Facts:         append([]string(nil), s.Facts...),
		Assumptions:   append([]string(nil), s.Assumptions...),
		Decisions:     append([]string(nil), s.Decisions...),
		Constraints:   append([]string(nil), s.Constraints...),
		OpenQuestions: append([]string(nil), s.OpenQuestions...),
		ContextNotes:  append([]string(nil), s.ContextNotes...),
	}
	if s.Definitions != nil {
		out.Definitions = make(map[string]string, len(s.Definitions))
		for k, v := range s.Definitions {
			out.Definitions[k] = v
		}
	}
	out.Normalize()
	return out
}
