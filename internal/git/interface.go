// Package git drives the version-control lifecycle of story attempts.
package git

import (
	"context"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// BranchOperations defines git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the checked out branch, "HEAD" when detached.
	CurrentBranch(ctx context.Context) (string, error)
	// CreateAndCheckoutBranch creates name from start and switches to it.
	CreateAndCheckoutBranch(ctx context.Context, name, start string) error
	// CheckoutBranch switches to name.
	CheckoutBranch(ctx context.Context, name string) error
	// BranchExists returns true if refs/heads/name exists.
	BranchExists(ctx context.Context, name string) (bool, error)
	// DeleteBranch deletes name; force uses -D.
	DeleteBranch(ctx context.Context, name string, force bool) error
	// CheckRefFormat validates name as a branch name.
	CheckRefFormat(ctx context.Context, name string) error
}

// DiffOperations defines git status and diff operations.
type DiffOperations interface {
	// Status returns git status --porcelain output.
	Status(ctx context.Context) (string, error)
	// HasStagedChanges reports whether the index differs from HEAD.
	HasStagedChanges(ctx context.Context) (bool, error)
	// DiffRange returns the diff of spec (e.g. "main...HEAD"), optionally
	// as --stat.
	DiffRange(ctx context.Context, spec string, stat bool) (string, error)
	// ConflictedFiles returns paths with unmerged changes.
	ConflictedFiles(ctx context.Context) ([]string, error)
}

// CommitOperations defines git staging and commit operations.
type CommitOperations interface {
	// AddAll stages every change including untracked files.
	AddAll(ctx context.Context) error
	// Commit records the index with message.
	Commit(ctx context.Context, message string) error
	// HeadSHA returns the commit id of HEAD.
	HeadSHA(ctx context.Context) (string, error)
	// ResetHard discards tracked changes.
	ResetHard(ctx context.Context) error
	// Clean removes untracked files and directories, keeping ignored ones.
	Clean(ctx context.Context) error
}

// MergeOperations defines git merge operations.
type MergeOperations interface {
	// MergeNoFF merges branch into the current branch with a merge commit.
	MergeNoFF(ctx context.Context, branch, message string) (string, error)
	// MergeAbort aborts an in-progress merge.
	MergeAbort(ctx context.Context) error
}

// Runner embeds every git operation the manager needs.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	// Run executes an arbitrary git command.
	Run(ctx context.Context, args ...string) (string, error)
}

// Workspace is the branch lifecycle the iteration loop drives. Manager is
// the real implementation; Disabled turns every operation into a no-op.
type Workspace interface {
	Enabled() bool
	BaseBranch() string
	Preflight(ctx context.Context, allowDirty bool) error
	BeginStory(ctx context.Context, story *models.Story) (string, error)
	CommitAll(ctx context.Context, message string) (CommitResult, error)
	MergeToBase(ctx context.Context, branch string) error
	AbortStory(ctx context.Context, branch string) error
	ParkStory(ctx context.Context, branch, message string) error
	ReturnToBase(ctx context.Context) error
	Diff(ctx context.Context) (string, error)
	DiffStat(ctx context.Context) (string, error)
}

var (
	_ Workspace = (*Manager)(nil)
	_ Workspace = Disabled{}
)
