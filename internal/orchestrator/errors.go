package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrStopped means an operator asked the loop to stop.
	ErrStopped = errors.New("stopped by operator")
	// ErrIterationBudget means the session ran out of agent invocations.
	ErrIterationBudget = errors.New("iteration budget exhausted")
	// ErrBacklogCorrupted means the backlog file stopped parsing mid-run.
	ErrBacklogCorrupted = errors.New("backlog file corrupted")
	// ErrStoryFailed means a story failed and the policy says abort.
	ErrStoryFailed = errors.New("story failed")
)

// TransitionError is an attempted move the state table does not allow.
// It indicates a bug in the controller.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// MaxAttemptsExceededError is a story that used its whole attempt budget.
type MaxAttemptsExceededError struct {
	StoryID  string
	Attempts int
	// Last describes why the final attempt failed.
	Last string
}

func (e *MaxAttemptsExceededError) Error() string {
	msg := fmt.Sprintf("story %s: %d attempts exhausted", e.StoryID, e.Attempts)
	if e.Last != "" {
		msg += " (last: " + e.Last + ")"
	}
	return msg
}

// StoryError attaches story and iteration context to an error leaving
// the controller.
type StoryError struct {
	StoryID   string
	Iteration int
	Err       error
}

func (e *StoryError) Error() string {
	if e.Iteration > 0 {
		return fmt.Sprintf("story %s (iteration %d): %v", e.StoryID, e.Iteration, e.Err)
	}
	return fmt.Sprintf("story %s: %v", e.StoryID, e.Err)
}

func (e *StoryError) Unwrap() error { return e.Err }
