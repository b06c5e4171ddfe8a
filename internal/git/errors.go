package git

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGit matches every failed git invocation.
	ErrGit = errors.New("git command failed")
	// ErrDirtyTree indicates uncommitted changes where a clean tree is needed.
	ErrDirtyTree = errors.New("working tree has uncommitted changes")
	// ErrMergeConflict indicates a merge stopped on conflicts.
	ErrMergeConflict = errors.New("merge conflict")
	// ErrDetachedHead indicates HEAD is not on a branch and no base branch
	// was configured.
	ErrDetachedHead = errors.New("HEAD is detached")
)

// GitCommandError reports a git invocation that exited unsuccessfully.
type GitCommandError struct {
	Args     []string
	Output   string
	ExitCode int
	Err      error
}

func (e *GitCommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *GitCommandError) Unwrap() error { return e.Err }

// Is returns true if the target error is ErrGit
func (e *GitCommandError) Is(target error) bool { return target == ErrGit }

// DirtyWorkingTreeError lists the paths that make the tree dirty.
type DirtyWorkingTreeError struct {
	Branch string
	Files  []string
}

func (e *DirtyWorkingTreeError) Error() string {
	const max = 10
	files := e.Files
	more := ""
	if len(files) > max {
		more = fmt.Sprintf(" (and %d more)", len(files)-max)
		files = files[:max]
	}
	return fmt.Sprintf("branch %s has uncommitted changes: %s%s", e.Branch, strings.Join(files, ", "), more)
}

// Is returns true if the target error is ErrDirtyTree
func (e *DirtyWorkingTreeError) Is(target error) bool { return target == ErrDirtyTree }

// MergeConflictError reports a story branch that could not be merged.
type MergeConflictError struct {
	Branch string
	Base   string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Files) == 0 {
		return fmt.Sprintf("merge %s into %s: conflict", e.Branch, e.Base)
	}
	return fmt.Sprintf("merge %s into %s: conflict in %s", e.Branch, e.Base, strings.Join(e.Files, ", "))
}

// Is returns true if the target error is ErrMergeConflict
func (e *MergeConflictError) Is(target error) bool { return target == ErrMergeConflict }
