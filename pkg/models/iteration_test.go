package models

import (
	"testing"
	"time"
)

func TestCompletion_Valid(t *testing.T) {
	for _, c := range []Completion{CompletionComplete, CompletionIncomplete, CompletionFailed} {
		if !c.Valid() {
			t.Errorf("Completion(%q).Valid() = false, want true", c)
		}
	}
	if Completion("partial").Valid() {
		t.Error("Completion(partial).Valid() = true, want false")
	}
}

func TestIteration_Duration(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	it := Iteration{StartedAt: start, EndedAt: start.Add(90 * time.Second)}
	if it.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", it.Duration())
	}
}

func TestGitState_StoryBranch(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		id     string
		want   string
	}{
		{"default prefix", "", "US-001", "ralph/US-001"},
		{"custom prefix", "wiggum", "US-001", "wiggum/US-001"},
		{"spaces replaced", "", "story one", "ralph/story-one"},
		{"colon and tilde replaced", "", "a:b~c", "ralph/a-b-c"},
		{"double dots collapsed", "", "v1..2", "ralph/v1.2"},
		{"lock suffix dropped", "", "x.lock", "ralph/x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := GitState{BranchPrefix: tt.prefix}
			if got := g.StoryBranch(tt.id); got != tt.want {
				t.Errorf("StoryBranch(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestEntryKind_Valid(t *testing.T) {
	if !EntryLearning.Valid() {
		t.Error("learning should be valid")
	}
	if EntryKind("note").Valid() {
		t.Error("note should not be valid")
	}
}

func TestReviewVerdict_Approved(t *testing.T) {
	if !(ReviewVerdict{Decision: VerdictApprove}).Approved() {
		t.Error("APPROVE should be approved")
	}
	if (ReviewVerdict{Decision: VerdictReject}).Approved() {
		t.Error("REJECT should not be approved")
	}
	if (ReviewVerdict{}).Approved() {
		t.Error("empty verdict should not be approved")
	}
}
