package merge

import (
	"errors"
	"fmt"
)

// Stage names a step of the merge pipeline that talks to the completion
// provider.
type Stage string

const (
	StageSummary      Stage = "summary"
	StageDiff         Stage = "diff"
	StageMerge        Stage = "merge"
	StageContinuation Stage = "continuation"
)

var (
	// ErrSummaryGenerationFailed matches failures while summarizing a segment.
	ErrSummaryGenerationFailed = errors.New("summary generation failed")

	// ErrDiffComputationFailed matches failures while diffing two summaries.
	ErrDiffComputationFailed = errors.New("diff computation failed")

	// ErrMergeExecutionFailed matches failures while combining diffs.
	ErrMergeExecutionFailed = errors.New("merge execution failed")

	// ErrContinuationFailed matches failures while generating the reply
	// that follows a merge node.
	ErrContinuationFailed = errors.New("continuation failed")
)

func (s Stage) sentinel() error {
	switch s {
	case StageSummary:
		return ErrSummaryGenerationFailed
	case StageDiff:
		return ErrDiffComputationFailed
	case StageMerge:
		return ErrMergeExecutionFailed
	case StageContinuation:
		return ErrContinuationFailed
	default:
		return nil
	}
}

// StageError is a failure at one pipeline stage. It matches the stage's
// sentinel and the underlying cause via errors.Is.
type StageError struct {
	Stage Stage
	// Excerpt is the start of the raw provider response, when there was one.
	Excerpt string
	Err     error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
	if e.Excerpt != "" {
		msg += fmt.Sprintf(" (response: %q)", e.Excerpt)
	}
	return msg
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Stage.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// StageOf returns the stage a pipeline error came from.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return "", false
}
