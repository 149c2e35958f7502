package graph

import (
	"errors"
	"fmt"
)

var (
	// ErrBranchNameConflict indicates a fork was requested with a branch name
	// that is already used somewhere in the graph.
	ErrBranchNameConflict = errors.New("branch name already exists")

	// ErrNodeNotFound indicates no node matched the requested id or prefix.
	ErrNodeNotFound = errors.New("node not found")

	// ErrBranchNotFound indicates no fork marker carries the requested branch name.
	ErrBranchNotFound = errors.New("branch not found")

	// ErrDivergentWrite is returned by AddMessage under DivergenceReject when
	// the current node already has children.
	ErrDivergentWrite = errors.New("current node already has children")

	// ErrInvalidLink is returned by AddChild for a link that would break the
	// DAG's shape.
	ErrInvalidLink = errors.New("invalid link")

	// ErrInvalidRecord indicates a persisted record violates a graph invariant.
	ErrInvalidRecord = errors.New("invalid graph record")

	// ErrMergeRejected matches every MergeRejectedError via errors.Is.
	ErrMergeRejected = errors.New("merge rejected")
)

// RejectionReason explains why two nodes cannot be merged.
// Rejections are decided from graph structure alone.
type RejectionReason string

const (
	// ReasonSameNode rejects merging a node with itself.
	ReasonSameNode RejectionReason = "cannot_merge_node_with_itself"

	// ReasonAncestorDescendant rejects merging a node with one of its ancestors.
	ReasonAncestorDescendant RejectionReason = "cannot_merge_ancestor_with_descendant"

	// ReasonNoCommonAncestor rejects nodes that share no ancestor.
	ReasonNoCommonAncestor RejectionReason = "no_common_ancestor_found"
)

// MergeRejectedError is returned when a merge fails its structural preconditions.
type MergeRejectedError struct {
	Reason RejectionReason
	A, B   string
}

func (e *MergeRejectedError) Error() string {
	return fmt.Sprintf("merge rejected (%s): %s and %s", e.Reason, shortID(e.A), shortID(e.B))
}

// Is makes errors.Is(err, ErrMergeRejected) true for any rejection.
func (e *MergeRejectedError) Is(target error) bool {
	return target == ErrMergeRejected
}

// RejectionReasonOf extracts the rejection reason from err, if any.
func RejectionReasonOf(err error) (RejectionReason, bool) {
	var rejected *MergeRejectedError
	if errors.As(err, &rejected) {
		return rejected.Reason, true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
