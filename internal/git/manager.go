package git

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	RepoPath string
	// BaseBranch is where stories merge. Empty resolves to the branch
	// checked out at Preflight.
	BaseBranch string
	// BranchPrefix namespaces story branches, models.DefaultBranchPrefix
	// when empty.
	BranchPrefix string
	Logger       *log.Logger
	// Runner overrides the exec runner, mainly for tests.
	Runner Runner
}

// Manager owns the branch lifecycle of story attempts: one branch per
// story, created from the base branch, merged with --no-ff on success and
// force-deleted on abort. The base branch only changes through MergeToBase.
type Manager struct {
	runner   Runner
	repoPath string
	base     string
	prefix   string
	logger   *log.Logger
}

// NewManager creates a Manager. Call Preflight before any other method.
func NewManager(cfg ManagerConfig) *Manager {
	r := cfg.Runner
	if r == nil {
		r = NewRunner(cfg.RepoPath)
	}
	prefix := cfg.BranchPrefix
	if prefix == "" {
		prefix = models.DefaultBranchPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{runner: r, repoPath: cfg.RepoPath, base: cfg.BaseBranch, prefix: prefix, logger: logger}
}

// CommitResult reports what CommitAll did.
type CommitResult struct {
	// Committed is false when there was nothing to commit.
	Committed bool
	SHA       string
}

// Enabled is always true for a Manager.
func (m *Manager) Enabled() bool { return true }

// BaseBranch returns the resolved base branch.
func (m *Manager) BaseBranch() string { return m.base }

// BranchFor returns the story branch name for id.
func (m *Manager) BranchFor(id string) string {
	return models.GitState{BranchPrefix: m.prefix}.StoryBranch(id)
}

// Preflight verifies the repository, resolves the base branch and checks
// that the working tree is clean. A dirty tree fails with
// *DirtyWorkingTreeError unless allowDirty is set.
func (m *Manager) Preflight(ctx context.Context, allowDirty bool) error {
	if _, err := m.runner.Run(ctx, "rev-parse", "--is-inside-work-tree"); err != nil {
		return fmt.Errorf("%s is not a git repository: %w", m.repoPath, err)
	}
	current, err := m.runner.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if m.base == "" {
		if current == "HEAD" {
			return fmt.Errorf("resolve base branch: %w; check out a branch or configure git.base_branch", ErrDetachedHead)
		}
		if strings.HasPrefix(current, m.prefix+"/") {
			return fmt.Errorf("resolve base branch: %s is a story branch; check out the base branch or configure git.base_branch", current)
		}
		m.base = current
	} else {
		ok, err := m.runner.BranchExists(ctx, m.base)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("base branch %q does not exist", m.base)
		}
	}

	status, err := m.runner.Status(ctx)
	if err != nil {
		return err
	}
	if files := porcelainPaths(status); len(files) > 0 && !allowDirty {
		return &DirtyWorkingTreeError{Branch: current, Files: files}
	}

	if current != m.base && !strings.HasPrefix(current, m.prefix+"/") {
		m.logger.Printf("[git] switching from %s to base branch %s", current, m.base)
		if err := m.runner.CheckoutBranch(ctx, m.base); err != nil {
			return err
		}
	}
	m.logger.Printf("[git] base branch %s", m.base)
	return nil
}

// BeginStory checks out the story's branch, creating it from the base
// branch when it does not exist yet. An existing branch is reused so an
// interrupted story resumes where it stopped.
func (m *Manager) BeginStory(ctx context.Context, story *models.Story) (string, error) {
	branch := m.BranchFor(story.ID)
	if err := m.runner.CheckRefFormat(ctx, branch); err != nil {
		return "", err
	}
	current, err := m.runner.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if current == branch {
		return branch, nil
	}

	exists, err := m.runner.BranchExists(ctx, branch)
	if err != nil {
		return "", err
	}
	if exists {
		m.logger.Printf("[git] resuming existing branch %s", branch)
		return branch, m.runner.CheckoutBranch(ctx, branch)
	}
	m.logger.Printf("[git] creating %s from %s", branch, m.base)
	return branch, m.runner.CreateAndCheckoutBranch(ctx, branch, m.base)
}

// CommitAll stages everything and commits. With nothing staged it returns
// Committed=false and no error.
func (m *Manager) CommitAll(ctx context.Context, message string) (CommitResult, error) {
	if err := m.runner.AddAll(ctx); err != nil {
		return CommitResult{}, err
	}
	staged, err := m.runner.HasStagedChanges(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	if !staged {
		return CommitResult{}, nil
	}
	if err := m.runner.Commit(ctx, message); err != nil {
		return CommitResult{}, err
	}
	sha, err := m.runner.HeadSHA(ctx)
	if err != nil {
		return CommitResult{}, err
	}
	return CommitResult{Committed: true, SHA: sha}, nil
}

// MergeToBase merges branch into the base branch with a merge commit and
// deletes it. On conflict the merge is aborted, the base branch is left as
// it was and *MergeConflictError is returned.
func (m *Manager) MergeToBase(ctx context.Context, branch string) error {
	if err := m.runner.CheckoutBranch(ctx, m.base); err != nil {
		return err
	}
	out, err := m.runner.MergeNoFF(ctx, branch, fmt.Sprintf("Merge branch '%s'", branch))
	if err != nil {
		files, _ := m.runner.ConflictedFiles(ctx)
		if abortErr := m.runner.MergeAbort(ctx); abortErr != nil {
			m.logger.Printf("[git] merge --abort failed: %v", abortErr)
		}
		if len(files) > 0 || strings.Contains(out, "CONFLICT") {
			return &MergeConflictError{Branch: branch, Base: m.base, Files: files}
		}
		return err
	}
	if err := m.runner.DeleteBranch(ctx, branch, false); err != nil {
		return err
	}
	m.logger.Printf("[git] merged %s into %s", branch, m.base)
	return nil
}

// AbortStory discards all work on branch: uncommitted changes are reset,
// untracked files removed, the base branch checked out and the story
// branch force-deleted.
func (m *Manager) AbortStory(ctx context.Context, branch string) error {
	if err := m.runner.ResetHard(ctx); err != nil {
		return err
	}
	if err := m.runner.Clean(ctx); err != nil {
		return err
	}
	if err := m.runner.CheckoutBranch(ctx, m.base); err != nil {
		return err
	}
	exists, err := m.runner.BranchExists(ctx, branch)
	if err != nil {
		return err
	}
	if exists {
		if err := m.runner.DeleteBranch(ctx, branch, true); err != nil {
			return err
		}
	}
	m.logger.Printf("[git] discarded %s", branch)
	return nil
}

// ParkStory commits any remaining work on branch and returns to the base
// branch, leaving the story branch for manual inspection.
func (m *Manager) ParkStory(ctx context.Context, branch, message string) error {
	current, err := m.runner.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == branch {
		if _, err := m.CommitAll(ctx, message); err != nil {
			return err
		}
	}
	if err := m.ReturnToBase(ctx); err != nil {
		return err
	}
	m.logger.Printf("[git] kept %s for inspection", branch)
	return nil
}

// ReturnToBase checks out the base branch if it is not already current.
func (m *Manager) ReturnToBase(ctx context.Context) error {
	current, err := m.runner.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	if current == m.base {
		return nil
	}
	return m.runner.CheckoutBranch(ctx, m.base)
}

// Diff returns the committed changes of the current branch against base.
func (m *Manager) Diff(ctx context.Context) (string, error) {
	return m.runner.DiffRange(ctx, m.base+"...HEAD", false)
}

// DiffStat is Diff as --stat.
func (m *Manager) DiffStat(ctx context.Context) (string, error) {
	return m.runner.DiffRange(ctx, m.base+"...HEAD", true)
}

// porcelainPaths extracts paths from git status --porcelain output.
func porcelainPaths(status string) []string {
	var files []string
	for _, line := range strings.Split(status, "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if _, to, ok := strings.Cut(path, " -> "); ok {
			path = to
		}
		files = append(files, strings.Trim(path, `"`))
	}
	return files
}
