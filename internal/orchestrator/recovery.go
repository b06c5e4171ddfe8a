package orchestrator

import "fmt"

// BranchPolicy says what happens to a failed story's branch.
type BranchPolicy string

const (
	// BranchDiscard resets the work and deletes the branch.
	BranchDiscard BranchPolicy = "discard"
	// BranchKeep commits leftover work and leaves the branch for a human.
	BranchKeep BranchPolicy = "keep"
)

// FailurePolicy says whether the loop goes on after a failed story.
type FailurePolicy string

const (
	FailureContinue FailurePolicy = "continue"
	FailureAbort    FailurePolicy = "abort"
)

// RecoveryPolicy is applied in the Recovering state.
type RecoveryPolicy struct {
	Branch    BranchPolicy
	OnFailure FailurePolicy
}

// DefaultRecovery discards failed work and moves on.
var DefaultRecovery = RecoveryPolicy{Branch: BranchDiscard, OnFailure: FailureContinue}

// ParseRecovery validates policy names from configuration. Empty values
// take the defaults.
func ParseRecovery(branch, onFailure string) (RecoveryPolicy, error) {
	p := DefaultRecovery
	switch BranchPolicy(branch) {
	case "":
	case BranchDiscard, BranchKeep:
		p.Branch = BranchPolicy(branch)
	default:
		return p, fmt.Errorf("invalid recovery branch policy %q (want discard or keep)", branch)
	}
	switch FailurePolicy(onFailure) {
	case "":
	case FailureContinue, FailureAbort:
		p.OnFailure = FailurePolicy(onFailure)
	default:
		return p, fmt.Errorf("invalid recovery failure policy %q (want continue or abort)", onFailure)
	}
	return p, nil
}
