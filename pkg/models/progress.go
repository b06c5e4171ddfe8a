package models

import "time"

// EntryKind classifies a progress log entry.
type EntryKind string

const (
	// EntryDecision records a choice made by the agent or the loop.
	EntryDecision EntryKind = "decision"
	// EntryLearning records knowledge worth carrying into later stories.
	EntryLearning EntryKind = "learning"
	// EntryError records a failed attempt and why.
	EntryError EntryKind = "error"
)

// Valid returns true if the kind is a known value.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryDecision, EntryLearning, EntryError:
		return true
	default:
		return false
	}
}

// ProgressEntry is one record in the append-only progress log.
type ProgressEntry struct {
	Time time.Time
	// StoryID is empty for entries that are not tied to a story.
	StoryID string
	// Iteration is the session iteration index, 0 when not applicable.
	Iteration int
	Kind      EntryKind
	Text      string
}

// Verdict is the review gate decision.
type Verdict string

const (
	VerdictApprove Verdict = "APPROVE"
	VerdictReject  Verdict = "REJECT"
)

// ReviewVerdict is the parsed result of a review invocation.
type ReviewVerdict struct {
	Decision Verdict
	// Rationale is the reviewer output surrounding the verdict marker.
	Rationale string
}

// Approved reports whether the reviewer accepted the change.
func (v ReviewVerdict) Approved() bool {
	return v.Decision == VerdictApprove
}
