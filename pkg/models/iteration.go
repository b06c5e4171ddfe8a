package models

import (
	"regexp"
	"strings"
	"time"
)

// Completion is the outcome of one agent invocation.
type Completion string

const (
	// CompletionComplete means the agent emitted the completion marker.
	CompletionComplete Completion = "complete"
	// CompletionIncomplete means the agent exited without the marker.
	CompletionIncomplete Completion = "incomplete"
	// CompletionFailed means the invocation itself failed (spawn error,
	// timeout, non-zero exit).
	CompletionFailed Completion = "failed"
)

// Valid returns true if the completion is a known value.
func (c Completion) Valid() bool {
	switch c {
	case CompletionComplete, CompletionIncomplete, CompletionFailed:
		return true
	default:
		return false
	}
}

// CompletionMarker is the token an agent prints when it believes the story
// is done.
const CompletionMarker = "<promise>COMPLETE</promise>"

// Iteration records one agent invocation against one story. Values are
// written once and never updated.
type Iteration struct {
	// SessionID ties the iteration to a run.
	SessionID string
	// Index is the 1-based iteration number within the session.
	Index int
	// StoryID is the story being worked on.
	StoryID string
	// Attempt is the 1-based attempt number for the story.
	Attempt int
	// Backend is the name of the agent backend used.
	Backend string
	// Prompt is the fully rendered prompt text.
	Prompt string
	// Output is the captured agent transcript.
	Output     string
	Completion Completion
	ExitCode   int
	TimedOut   bool
	// Err is the error message when Completion is failed.
	Err       string
	StartedAt time.Time
	EndedAt   time.Time
}

// Duration returns how long the invocation ran.
func (i Iteration) Duration() time.Duration {
	return i.EndedAt.Sub(i.StartedAt)
}

// DefaultBranchPrefix namespaces story branches.
const DefaultBranchPrefix = "ralph"

// GitState is a snapshot of the repository the loop operates on.
type GitState struct {
	CurrentBranch string
	BaseBranch    string
	BranchPrefix  string
	Dirty         bool
}

var refUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// StoryBranch returns the branch name used for a story.
func (g GitState) StoryBranch(storyID string) string {
	prefix := g.BranchPrefix
	if prefix == "" {
		prefix = DefaultBranchPrefix
	}
	return prefix + "/" + SanitizeRef(storyID)
}

// SanitizeRef replaces characters git rejects in branch names.
func SanitizeRef(s string) string {
	s = refUnsafe.ReplaceAllString(strings.TrimSpace(s), "-")
	s = strings.Trim(s, ".-")
	for strings.Contains(s, "..") {
		s = strings.ReplaceAll(s, "..", ".")
	}
	return strings.TrimSuffix(s, ".lock")
}
