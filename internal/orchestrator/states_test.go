package orchestrator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateIdle, StateSelecting, true},
		{StateIdle, StateAborted, true},
		{StateSelecting, StateDone, true},
		{StateParsing, StateReviewing, true},
		{StateParsing, StatePrompting, true},
		{StateReviewing, StatePrompting, true},
		{StateMerging, StateRecording, true},
		{StateRecording, StateIdle, true},
		{StateRecovering, StateAborted, true},
		{StateIdle, StateMerging, false},
		{StateMerging, StateAborted, false},
		{StateRecording, StateAborted, false},
		{StateDone, StateIdle, false},
		{StateAborted, StateIdle, false},
		{StateExecuting, StateMerging, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for s := StateIdle; s <= StateAborted; s++ {
		if s.Terminal() {
			assert.Empty(t, allowed[s], s.String())
		} else {
			assert.NotEmpty(t, allowed[s], s.String())
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "BranchSetup", StateBranchSetup.String())
	assert.Equal(t, "Aborted", StateAborted.String())
	assert.Equal(t, "State(?)", State(99).String())
}

func TestParseRecovery(t *testing.T) {
	p, err := ParseRecovery("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultRecovery, p)

	p, err = ParseRecovery("keep", "abort")
	require.NoError(t, err)
	assert.Equal(t, RecoveryPolicy{Branch: BranchKeep, OnFailure: FailureAbort}, p)

	_, err = ParseRecovery("archive", "")
	assert.ErrorContains(t, err, "discard or keep")
	_, err = ParseRecovery("", "retry")
	assert.ErrorContains(t, err, "continue or abort")
}

func TestSummaryExitCode(t *testing.T) {
	assert.Equal(t, 0, (&Summary{State: StateDone}).ExitCode())
	assert.Equal(t, 0, (&Summary{State: StateDone, Failed: []string{"A"}}).ExitCode())
	assert.Equal(t, 1, (&Summary{State: StateAborted}).ExitCode())
}

func TestStoryErrorUnwraps(t *testing.T) {
	inner := &MaxAttemptsExceededError{StoryID: "A", Attempts: 3, Last: "no marker"}
	err := &StoryError{StoryID: "A", Iteration: 7, Err: inner}

	assert.Equal(t, "story A (iteration 7): story A: 3 attempts exhausted (last: no marker)", err.Error())
	var got *MaxAttemptsExceededError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, 3, got.Attempts)
}
