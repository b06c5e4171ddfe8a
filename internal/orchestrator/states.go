package orchestrator

// State is a controller state.
type State int

const (
	StateIdle State = iota
	StateSelecting
	StateBranchSetup
	StatePrompting
	StateExecuting
	StateParsing
	StateReviewing
	StateMerging
	StateRecording
	StateRecovering
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateIdle:        "Idle",
	StateSelecting:   "Selecting",
	StateBranchSetup: "BranchSetup",
	StatePrompting:   "Prompting",
	StateExecuting:   "Executing",
	StateParsing:     "Parsing",
	StateReviewing:   "Reviewing",
	StateMerging:     "Merging",
	StateRecording:   "Recording",
	StateRecovering:  "Recovering",
	StateDone:        "Done",
	StateAborted:     "Aborted",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "State(?)"
}

// Terminal reports whether the loop ends in s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateAborted
}

// allowed lists the legal moves out of each state.
var allowed = map[State][]State{
	StateIdle:        {StateSelecting, StateAborted},
	StateSelecting:   {StateBranchSetup, StateDone},
	StateBranchSetup: {StatePrompting, StateRecovering, StateAborted},
	StatePrompting:   {StateExecuting, StateRecovering, StateAborted},
	StateExecuting:   {StateParsing, StateRecovering, StateAborted},
	StateParsing:     {StatePrompting, StateReviewing, StateMerging, StateRecovering},
	StateReviewing:   {StatePrompting, StateMerging, StateRecovering, StateAborted},
	StateMerging:     {StateRecording, StateRecovering},
	StateRecording:   {StateIdle},
	StateRecovering:  {StateIdle, StateAborted},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
