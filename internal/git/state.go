package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Snapshot reads branch and cleanliness of the repository containing path
// without shelling out.
func Snapshot(path, baseBranch, prefix string) (models.GitState, error) {
	st := models.GitState{BaseBranch: baseBranch, BranchPrefix: prefix}
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return st, fmt.Errorf("open repository: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return st, fmt.Errorf("read HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		st.CurrentBranch = head.Name().Short()
	} else {
		st.CurrentBranch = "HEAD"
	}

	wt, err := repo.Worktree()
	if err != nil {
		return st, fmt.Errorf("open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return st, fmt.Errorf("worktree status: %w", err)
	}
	st.Dirty = !status.IsClean()
	return st, nil
}

// State returns a snapshot of the managed repository.
func (m *Manager) State() (models.GitState, error) {
	return Snapshot(m.repoPath, m.base, m.prefix)
}
