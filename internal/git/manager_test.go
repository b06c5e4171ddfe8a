package git

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/ralph/internal/testutil"
	"github.com/ShayCichocki/ralph/pkg/models"
)

func newManager(t *testing.T, repo *testutil.GitRepo, base string) *Manager {
	t.Helper()
	m := NewManager(ManagerConfig{
		RepoPath:   repo.Dir,
		BaseBranch: base,
		Runner:     NewRunner(repo.Dir).WithEnv(testutil.Env()...),
	})
	require.NoError(t, m.Preflight(context.Background(), false))
	return m
}

func TestPreflight(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves base from current branch", func(t *testing.T) {
		repo := testutil.NewGitRepo(t)
		m := newManager(t, repo, "")
		assert.Equal(t, "main", m.BaseBranch())
	})

	t.Run("checks out configured base", func(t *testing.T) {
		repo := testutil.NewGitRepo(t)
		repo.Git("checkout", "-b", "develop")
		m := newManager(t, repo, "main")
		assert.Equal(t, "main", m.BaseBranch())
		assert.Equal(t, "main", repo.CurrentBranch())
	})

	t.Run("missing base branch", func(t *testing.T) {
		repo := testutil.NewGitRepo(t)
		m := NewManager(ManagerConfig{RepoPath: repo.Dir, BaseBranch: "nope"})
		err := m.Preflight(ctx, false)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `"nope" does not exist`)
	})

	t.Run("dirty tree", func(t *testing.T) {
		repo := testutil.NewGitRepo(t)
		repo.WriteFile("scratch.txt", "wip")
		m := NewManager(ManagerConfig{RepoPath: repo.Dir})
		err := m.Preflight(ctx, false)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrDirtyTree))
		var dirty *DirtyWorkingTreeError
		require.True(t, errors.As(err, &dirty))
		assert.Equal(t, []string{"scratch.txt"}, dirty.Files)

		assert.NoError(t, m.Preflight(ctx, true))
	})

	t.Run("detached head", func(t *testing.T) {
		repo := testutil.NewGitRepo(t)
		repo.Git("checkout", "--detach")
		m := NewManager(ManagerConfig{RepoPath: repo.Dir})
		err := m.Preflight(ctx, false)
		assert.True(t, errors.Is(err, ErrDetachedHead))
	})

	t.Run("not a repository", func(t *testing.T) {
		m := NewManager(ManagerConfig{RepoPath: t.TempDir()})
		assert.Error(t, m.Preflight(ctx, false))
	})
}

func TestBranchFor(t *testing.T) {
	m := NewManager(ManagerConfig{})
	assert.Equal(t, "ralph/US-001", m.BranchFor("US-001"))
	assert.Equal(t, "ralph/fix-the-thing", m.BranchFor("fix the thing"))

	m = NewManager(ManagerConfig{BranchPrefix: "bot"})
	assert.Equal(t, "bot/A", m.BranchFor("A"))
}

func TestBeginStoryCreatesAndResumes(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	m := newManager(t, repo, "")
	story := &models.Story{ID: "US-001", Title: "Add widget"}

	branch, err := m.BeginStory(ctx, story)
	require.NoError(t, err)
	assert.Equal(t, "ralph/US-001", branch)
	assert.Equal(t, branch, repo.CurrentBranch())

	repo.CommitFile("widget.go", "package widget\n", "wip")
	repo.Git("checkout", "main")

	branch, err = m.BeginStory(ctx, story)
	require.NoError(t, err)
	assert.Equal(t, branch, repo.CurrentBranch())
	_, statErr := os.Stat(filepath.Join(repo.Dir, "widget.go"))
	assert.NoError(t, statErr, "resumed branch keeps earlier commits")

	// Already on the branch is a no-op.
	_, err = m.BeginStory(ctx, story)
	assert.NoError(t, err)
}

func TestCommitAll(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	m := newManager(t, repo, "")

	res, err := m.CommitAll(ctx, "nothing")
	require.NoError(t, err)
	assert.False(t, res.Committed)

	repo.WriteFile("a.txt", "a")
	res, err = m.CommitAll(ctx, "feat(A): add a")
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, repo.Git("rev-parse", "HEAD"), res.SHA)
	assert.Equal(t, "feat(A): add a", repo.Git("log", "-1", "--format=%s"))
}

func TestMergeToBase(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	m := newManager(t, repo, "")

	branch, err := m.BeginStory(ctx, &models.Story{ID: "A"})
	require.NoError(t, err)
	repo.WriteFile("feature.txt", "done\n")
	_, err = m.CommitAll(ctx, "feat(A): feature")
	require.NoError(t, err)

	diff, err := m.Diff(ctx)
	require.NoError(t, err)
	assert.Contains(t, diff, "feature.txt")
	stat, err := m.DiffStat(ctx)
	require.NoError(t, err)
	assert.Contains(t, stat, "1 file changed")

	require.NoError(t, m.MergeToBase(ctx, branch))
	assert.Equal(t, "main", repo.CurrentBranch())
	assert.False(t, repo.BranchExists(branch))
	assert.Equal(t, "Merge branch 'ralph/A'", repo.Git("log", "-1", "--format=%s"))
	parents := strings.Fields(repo.Git("rev-list", "--parents", "-n", "1", "HEAD"))
	assert.Len(t, parents, 3, "merge commit has two parents")
}

func TestMergeConflictLeavesBaseUntouched(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	repo.CommitFile("shared.txt", "original\n", "add shared")
	m := newManager(t, repo, "")

	branch, err := m.BeginStory(ctx, &models.Story{ID: "B"})
	require.NoError(t, err)
	repo.WriteFile("shared.txt", "story change\n")
	_, err = m.CommitAll(ctx, "feat(B): change shared")
	require.NoError(t, err)

	repo.Git("checkout", "main")
	repo.CommitFile("shared.txt", "base change\n", "diverge")
	before := repo.Git("rev-parse", "HEAD")
	repo.Git("checkout", branch)

	err = m.MergeToBase(ctx, branch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMergeConflict))
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"shared.txt"}, conflict.Files)

	assert.Equal(t, before, repo.Git("rev-parse", "HEAD"))
	_, mergeHead := repo.TryGit("rev-parse", "--verify", "--quiet", "MERGE_HEAD")
	assert.Error(t, mergeHead, "merge must be aborted")
	assert.True(t, repo.BranchExists(branch))
}

func TestAbortStory(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	repo.WriteFile(".ralph/.gitignore", "*\n")
	repo.WriteFile(".ralph/progress.log", "entry\n")
	m := newManager(t, repo, "")

	branch, err := m.BeginStory(ctx, &models.Story{ID: "C"})
	require.NoError(t, err)
	repo.CommitFile("committed.txt", "x", "partial")
	repo.WriteFile("README.md", "clobbered\n")
	repo.WriteFile("untracked/new.txt", "y")

	require.NoError(t, m.AbortStory(ctx, branch))
	assert.Equal(t, "main", repo.CurrentBranch())
	assert.False(t, repo.BranchExists(branch))
	assert.NoFileExists(t, filepath.Join(repo.Dir, "committed.txt"))
	assert.NoDirExists(t, filepath.Join(repo.Dir, "untracked"))
	data, err := os.ReadFile(filepath.Join(repo.Dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "# test\n", string(data))
	assert.FileExists(t, filepath.Join(repo.Dir, ".ralph", "progress.log"), "ignored state survives")
}

func TestParkStoryKeepsBranch(t *testing.T) {
	ctx := context.Background()
	repo := testutil.NewGitRepo(t)
	m := newManager(t, repo, "")

	branch, err := m.BeginStory(ctx, &models.Story{ID: "D"})
	require.NoError(t, err)
	repo.WriteFile("half.txt", "half done")

	require.NoError(t, m.ParkStory(ctx, branch, "wip(D): parked"))
	assert.Equal(t, "main", repo.CurrentBranch())
	assert.True(t, repo.BranchExists(branch))
	assert.Equal(t, "wip(D): parked", repo.Git("log", "-1", "--format=%s", branch))
	assert.NoFileExists(t, filepath.Join(repo.Dir, "half.txt"))
}

func TestSnapshot(t *testing.T) {
	repo := testutil.NewGitRepo(t)
	m := newManager(t, repo, "")

	st, err := m.State()
	require.NoError(t, err)
	assert.Equal(t, "main", st.CurrentBranch)
	assert.Equal(t, "main", st.BaseBranch)
	assert.False(t, st.Dirty)

	repo.WriteFile("dirty.txt", "x")
	st, err = Snapshot(filepath.Join(repo.Dir), "main", "ralph")
	require.NoError(t, err)
	assert.True(t, st.Dirty)
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	var d Disabled
	assert.False(t, d.Enabled())
	branch, err := d.BeginStory(ctx, &models.Story{ID: "A"})
	assert.NoError(t, err)
	assert.Empty(t, branch)
	res, err := d.CommitAll(ctx, "x")
	assert.NoError(t, err)
	assert.False(t, res.Committed)
	assert.NoError(t, d.MergeToBase(ctx, "x"))
	assert.NoError(t, d.AbortStory(ctx, "x"))
}

func TestPorcelainPaths(t *testing.T) {
	status := " M README.md\n?? new file.txt\nR  old.go -> new.go\n"
	assert.Equal(t, []string{"README.md", "new file.txt", "new.go"}, porcelainPaths(status))
	assert.Empty(t, porcelainPaths(""))
}
