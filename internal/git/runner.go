package git

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner by shelling out to git.
type ExecRunner struct {
	repoPath string
	env      []string
}

// NewRunner creates a git runner for the repository at repoPath.
func NewRunner(repoPath string) *ExecRunner {
	return &ExecRunner{repoPath: repoPath}
}

// WithEnv returns a copy of the runner that adds env to every command.
func (r *ExecRunner) WithEnv(env ...string) *ExecRunner {
	return &ExecRunner{repoPath: r.repoPath, env: append(append([]string(nil), r.env...), env...)}
}

// run executes git and returns its trimmed combined output.
func (r *ExecRunner) run(ctx context.Context, args ...string) (string, error) {
	out, err := r.runRaw(ctx, args...)
	if err != nil {
		return out, err
	}
	return strings.TrimSpace(out), nil
}

// runRaw is run without trimming, for output where leading spaces matter.
func (r *ExecRunner) runRaw(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.repoPath
	if len(r.env) > 0 {
		cmd.Env = append(os.Environ(), r.env...)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		gerr := &GitCommandError{Args: args, Output: string(out), ExitCode: -1, Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			gerr.ExitCode = exitErr.ExitCode()
		}
		return string(out), gerr
	}
	return string(out), nil
}

func (r *ExecRunner) runSilent(ctx context.Context, args ...string) error {
	_, err := r.run(ctx, args...)
	return err
}

// Run executes an arbitrary git command with the given arguments.
func (r *ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	return r.run(ctx, args...)
}

func (r *ExecRunner) CurrentBranch(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

func (r *ExecRunner) CreateAndCheckoutBranch(ctx context.Context, name, start string) error {
	args := []string{"checkout", "-b", name}
	if start != "" {
		args = append(args, start)
	}
	return r.runSilent(ctx, args...)
}

func (r *ExecRunner) CheckoutBranch(ctx context.Context, name string) error {
	return r.runSilent(ctx, "checkout", name)
}

func (r *ExecRunner) BranchExists(ctx context.Context, name string) (bool, error) {
	_, err := r.run(ctx, "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err != nil {
		// Exit code 1 means the ref does not exist.
		var gerr *GitCommandError
		if errors.As(err, &gerr) && gerr.ExitCode == 1 {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ExecRunner) DeleteBranch(ctx context.Context, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	return r.runSilent(ctx, "branch", flag, name)
}

func (r *ExecRunner) CheckRefFormat(ctx context.Context, name string) error {
	return r.runSilent(ctx, "check-ref-format", "--branch", name)
}

func (r *ExecRunner) Status(ctx context.Context) (string, error) {
	out, err := r.runRaw(ctx, "status", "--porcelain")
	return strings.TrimRight(out, "\n"), err
}

func (r *ExecRunner) HasStagedChanges(ctx context.Context) (bool, error) {
	_, err := r.run(ctx, "diff", "--cached", "--quiet")
	if err == nil {
		return false, nil
	}
	var gerr *GitCommandError
	if errors.As(err, &gerr) && gerr.ExitCode == 1 {
		return true, nil
	}
	return false, err
}

func (r *ExecRunner) DiffRange(ctx context.Context, spec string, stat bool) (string, error) {
	args := []string{"diff"}
	if stat {
		args = append(args, "--stat")
	}
	return r.run(ctx, append(args, spec)...)
}

func (r *ExecRunner) ConflictedFiles(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

func (r *ExecRunner) AddAll(ctx context.Context) error {
	return r.runSilent(ctx, "add", "-A")
}

func (r *ExecRunner) Commit(ctx context.Context, message string) error {
	return r.runSilent(ctx, "commit", "-m", message)
}

func (r *ExecRunner) HeadSHA(ctx context.Context) (string, error) {
	return r.run(ctx, "rev-parse", "HEAD")
}

func (r *ExecRunner) ResetHard(ctx context.Context) error {
	return r.runSilent(ctx, "reset", "--hard", "HEAD")
}

func (r *ExecRunner) Clean(ctx context.Context) error {
	return r.runSilent(ctx, "clean", "-fd")
}

func (r *ExecRunner) MergeNoFF(ctx context.Context, branch, message string) (string, error) {
	return r.run(ctx, "merge", "--no-ff", "-m", message, branch)
}

func (r *ExecRunner) MergeAbort(ctx context.Context) error {
	return r.runSilent(ctx, "merge", "--abort")
}

func splitLines(out string) []string {
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
