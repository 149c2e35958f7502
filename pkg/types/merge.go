package types

// ResolutionUnresolved is the resolution of every conflict produced by the
// merge engine. Conflicts are surfaced, never resolved automatically.
const ResolutionUnresolved = "unresolved"

// MergeConflict is a contradiction between the changes two branches made to
// the same item.
type MergeConflict struct {
	Topic      string `json:"topic"`
	Base       string `json:"base"`
	AChange    string `json:"a_change"`
	BChange    string `json:"b_change"`
	Resolution string `json:"resolution"`
	Rationale  string `json:"rationale"`
}

// IsUnresolved reports whether the conflict still needs attention.
// An empty resolution is treated as unresolved.
func (c MergeConflict) IsUnresolved() bool {
	return c.Resolution == "" || c.Resolution == ResolutionUnresolved
}

// MergeProvenance records which side each surviving merged item came from.
type MergeProvenance struct {
	FromA    []string `json:"from_a"`
	FromB    []string `json:"from_b"`
	FromBase []string `json:"from_base"`
}

// MergeResult is the outcome of a three-way merge. Callers must check
// Success before using MergedState.
type MergeResult struct {
	MergedState *StateSummary   `json:"merged_state"`
	Conflicts   []MergeConflict `json:"conflicts"`
	Provenance  MergeProvenance `json:"provenance"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
}

// HasConflicts reports whether any conflict is still unresolved.
func (r *MergeResult) HasConflicts() bool {
	for _, c := range r.Conflicts {
		if c.IsUnresolved() {
			return true
		}
	}
	return false
}

// MergeMetadata is attached to every merge node.
type MergeMetadata struct {
	BaseID      string          `json:"base_id"`
	MergedState *StateSummary   `json:"merged_state"`
	Conflicts   []MergeConflict `json:"conflicts"`
	Provenance  MergeProvenance `json:"provenance"`
}
