// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// GitRepo is a throwaway repository for tests.
type GitRepo struct {
	t   testing.TB
	Dir string
}

// NewGitRepo initialises a repository on branch main with one commit. It
// skips the test when git is not installed.
func NewGitRepo(t testing.TB) *GitRepo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	r := &GitRepo{t: t, Dir: t.TempDir()}
	r.Git("-c", "init.defaultBranch=main", "-c", "core.autocrlf=false", "init", "-b", "main")
	r.Git("config", "user.name", "Test User")
	r.Git("config", "user.email", "test@example.com")
	r.Git("config", "commit.gpgsign", "false")
	r.WriteFile("README.md", "# test\n")
	r.Git("add", "-A")
	r.Git("commit", "-m", "initial commit")
	return r
}

// Git runs a git command in the repository and fails the test on error.
func (r *GitRepo) Git(args ...string) string {
	r.t.Helper()
	out, err := r.TryGit(args...)
	if err != nil {
		r.t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// TryGit runs a git command and returns its trimmed output and error.
func (r *GitRepo) TryGit(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1")
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// WriteFile writes content to a path relative to the repository root.
func (r *GitRepo) WriteFile(name, content string) string {
	r.t.Helper()
	path := filepath.Join(r.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		r.t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		r.t.Fatal(err)
	}
	return path
}

// CommitFile writes and commits a single file.
func (r *GitRepo) CommitFile(name, content, message string) {
	r.t.Helper()
	r.WriteFile(name, content)
	r.Git("add", name)
	r.Git("commit", "-m", message)
}

// CurrentBranch returns the checked out branch.
func (r *GitRepo) CurrentBranch() string {
	r.t.Helper()
	return r.Git("rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (r *GitRepo) BranchExists(name string) bool {
	_, err := r.TryGit("rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// Env returns the environment tests should pass to git runners.
func Env() []string {
	return []string{"GIT_CONFIG_GLOBAL=/dev/null", "GIT_CONFIG_NOSYSTEM=1"}
}
