package backlog

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/ralph/pkg/models"
)

var (
	// ErrInvalidBacklog matches every error that means the backlog file
	// cannot be trusted: parse failures, missing fields, duplicate ids.
	ErrInvalidBacklog = errors.New("invalid backlog")

	// ErrNoBacklog indicates no backlog file was found in the project root.
	ErrNoBacklog = errors.New("no backlog file found")

	// ErrUnknownStory indicates a story id that is not in the backlog.
	ErrUnknownStory = errors.New("unknown story")
)

// ParseError reports a backlog file that could not be decoded.
type ParseError struct {
	Path   string
	Format models.Format
	// Line is 1-based, 0 when the decoder does not report positions.
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s backlog %s:%d: %v", e.Format, e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("parse %s backlog %s: %v", e.Format, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is returns true if the target error is ErrInvalidBacklog
func (e *ParseError) Is(target error) bool { return target == ErrInvalidBacklog }

// MissingFieldError reports a story without a required field.
type MissingFieldError struct {
	Path string
	// Index is the 0-based position of the story in the document.
	Index   int
	StoryID string
	Field   string
}

func (e *MissingFieldError) Error() string {
	if e.StoryID != "" {
		return fmt.Sprintf("backlog %s: story %s (#%d) is missing %q", e.Path, e.StoryID, e.Index+1, e.Field)
	}
	return fmt.Sprintf("backlog %s: story #%d is missing %q", e.Path, e.Index+1, e.Field)
}

// Is returns true if the target error is ErrInvalidBacklog
func (e *MissingFieldError) Is(target error) bool { return target == ErrInvalidBacklog }

// DuplicateStoryError reports two stories sharing an id.
type DuplicateStoryError struct {
	Path    string
	StoryID string
}

func (e *DuplicateStoryError) Error() string {
	return fmt.Sprintf("backlog %s: duplicate story id %q", e.Path, e.StoryID)
}

// Is returns true if the target error is ErrInvalidBacklog
func (e *DuplicateStoryError) Is(target error) bool { return target == ErrInvalidBacklog }

// BranchCollisionError reports a story id that yields no usable branch
// name, or the same branch name as another story.
type BranchCollisionError struct {
	Path    string
	StoryID string
	Other   string
	Ref     string
}

func (e *BranchCollisionError) Error() string {
	if e.Other == "" {
		return fmt.Sprintf("backlog %s: story id %q has no characters usable in a branch name", e.Path, e.StoryID)
	}
	return fmt.Sprintf("backlog %s: story ids %q and %q both map to branch name %q", e.Path, e.Other, e.StoryID, e.Ref)
}

// Is returns true if the target error is ErrInvalidBacklog
func (e *BranchCollisionError) Is(target error) bool { return target == ErrInvalidBacklog }

// UnknownStoryError reports a story id that the backlog does not contain.
type UnknownStoryError struct {
	ID string
}

func (e *UnknownStoryError) Error() string {
	return fmt.Sprintf("story %q not found in backlog", e.ID)
}

// Is returns true if the target error is ErrUnknownStory
func (e *UnknownStoryError) Is(target error) bool { return target == ErrUnknownStory }
