package models

import (
	"fmt"
	"strings"
)

// Format identifies the on-disk encoding a backlog was loaded from.
type Format string

const (
	// FormatJSON is the canonical prd.json layout.
	FormatJSON Format = "json"
	// FormatTOML is the TOML layout with [[stories]] tables.
	FormatTOML Format = "toml"
	// FormatMarkdown is one YAML front-matter block per story.
	FormatMarkdown Format = "markdown"
)

// Valid returns true if the format is a known value.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatTOML, FormatMarkdown:
		return true
	default:
		return false
	}
}

// StoryType is the kind of work a story describes. It selects the prompt
// template; values outside the known set are allowed and fall back to the
// generic template.
type StoryType string

const (
	StoryTypeFeature  StoryType = "feature"
	StoryTypeBug      StoryType = "bug"
	StoryTypeRefactor StoryType = "refactor"
	StoryTypeTest     StoryType = "test"
	StoryTypeDocs     StoryType = "docs"
	StoryTypeChore    StoryType = "chore"
)

// Known returns true if the type is one of the predefined values.
func (t StoryType) Known() bool {
	switch t {
	case StoryTypeFeature, StoryTypeBug, StoryTypeRefactor, StoryTypeTest, StoryTypeDocs, StoryTypeChore:
		return true
	default:
		return false
	}
}

// Story is a single unit of work in the backlog.
type Story struct {
	// ID is the unique identifier within the backlog.
	ID string
	// Title is the short summary used in commit messages.
	Title string
	// Description is the free-form body handed to the agent.
	Description string
	// Type selects the prompt template. Empty means generic.
	Type StoryType
	// Spec holds optional structured implementation notes.
	Spec []string
	// AcceptanceCriteria lists the checks the agent must satisfy.
	AcceptanceCriteria []string
	// Passed is set once the story has been merged.
	Passed bool
	// Metadata is user-owned data carried through write-back unchanged.
	Metadata map[string]any
	// Extra holds keys the backlog format does not recognize, written back
	// as read.
	Extra map[string]any
	// Attempts counts failed tries in the current session. Never persisted.
	Attempts int
}

// Backlog is the ordered set of stories for one project.
type Backlog struct {
	// Project is the human-readable project name.
	Project string
	// BaseBranch is the branch stories are merged into. Empty means the
	// branch checked out when the session starts.
	BaseBranch string
	// Stories are kept in document order.
	Stories []*Story
	// Metadata is user-owned data carried through write-back unchanged.
	Metadata map[string]any
	// Extra holds unrecognized top-level keys, written back as read.
	Extra map[string]any
	// Format records which adapter produced this backlog.
	Format Format
	// Path is the file the backlog was read from.
	Path string
}

// Story returns the story with the given id, or nil.
func (b *Backlog) Story(id string) *Story {
	for _, s := range b.Stories {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Status computes pass counts for display and prompt rendering.
func (b *Backlog) Status() BacklogStatus {
	st := BacklogStatus{Project: b.Project, Total: len(b.Stories)}
	for _, s := range b.Stories {
		if s.Passed {
			st.Passed++
		} else {
			st.Remaining = append(st.Remaining, s.ID)
		}
	}
	return st
}

// BacklogStatus summarizes completion of a backlog.
type BacklogStatus struct {
	Project   string
	Total     int
	Passed    int
	Remaining []string
}

// Percent returns the share of passed stories, 0-100.
func (s BacklogStatus) Percent() int {
	if s.Total == 0 {
		return 100
	}
	return s.Passed * 100 / s.Total
}

func (s BacklogStatus) String() string {
	var b strings.Builder
	if s.Project != "" {
		fmt.Fprintf(&b, "%s: ", s.Project)
	}
	fmt.Fprintf(&b, "%d/%d stories passed (%d%%)", s.Passed, s.Total, s.Percent())
	if len(s.Remaining) > 0 {
		fmt.Fprintf(&b, "; remaining: %s", strings.Join(s.Remaining, ", "))
	}
	return b.String()
}
