package git

import (
	"context"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Disabled stands in for Manager when version control is turned off. Every
// operation succeeds without touching the repository.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) BaseBranch() string { return "" }

func (Disabled) Preflight(context.Context, bool) error { return nil }

func (Disabled) BeginStory(context.Context, *models.Story) (string, error) { return "", nil }

func (Disabled) CommitAll(context.Context, string) (CommitResult, error) {
	return CommitResult{}, nil
}

func (Disabled) MergeToBase(context.Context, string) error { return nil }

func (Disabled) AbortStory(context.Context, string) error { return nil }

func (Disabled) ParkStory(context.Context, string, string) error { return nil }

func (Disabled) ReturnToBase(context.Context) error { return nil }

func (Disabled) Diff(context.Context) (string, error) { return "", nil }

func (Disabled) DiffStat(context.Context) (string, error) { return "", nil }
