package prompt

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/ShayCichocki/ralph/pkg/models"
)

const (
	reviewTemplate = "review.md"
	agentsFile     = "AGENTS.md"

	// MaxDiffBytes caps the diff embedded in a review prompt.
	MaxDiffBytes = 100_000

	noProgress = "(no progress recorded yet)"
)

// Builder renders iteration and review prompts.
type Builder struct {
	project fs.FS
	bundled fs.FS
}

// NewBuilder resolves project templates from projectDir and bundled ones
// from the binary.
func NewBuilder(projectDir string) *Builder {
	return &Builder{project: os.DirFS(projectDir), bundled: Bundled()}
}

// NewBuilderFS is NewBuilder with explicit filesystems.
func NewBuilderFS(project, bundled fs.FS) *Builder {
	return &Builder{project: project, bundled: bundled}
}

// Validate resolves the template for every story type present so a missing
// template fails the run before any agent is started.
func (b *Builder) Validate(stories []*models.Story) error {
	seen := map[models.StoryType]bool{}
	for _, s := range stories {
		if seen[s.Type] {
			continue
		}
		seen[s.Type] = true
		if _, err := Resolve(s.Type, b.project, b.bundled); err != nil {
			return err
		}
	}
	if len(stories) == 0 {
		if _, err := Resolve("", b.project, b.bundled); err != nil {
			return err
		}
	}
	return nil
}

// Build renders the iteration prompt for story.
func (b *Builder) Build(story *models.Story, status models.BacklogStatus, digest string) (string, Template, error) {
	tmpl, err := Resolve(story.Type, b.project, b.bundled)
	if err != nil {
		return "", tmpl, err
	}
	if strings.TrimSpace(digest) == "" {
		digest = noProgress
	}
	r := strings.NewReplacer(
		"{{STORY}}", FormatStory(story),
		"{{STORY_ID}}", story.ID,
		"{{STORY_TITLE}}", story.Title,
		"{{PRD_STATUS}}", formatStatus(status),
		"{{BACKLOG_STATUS}}", formatStatus(status),
		"{{PROGRESS}}", digest,
		"{{COMPLETION_MARKER}}", models.CompletionMarker,
	)
	return r.Replace(tmpl.Body), tmpl, nil
}

// ReviewInput is the context handed to the review template.
type ReviewInput struct {
	Story    *models.Story
	Diff     string
	DiffStat string
}

// BuildReview renders the review prompt. A project review.md overrides the
// bundled one.
func (b *Builder) BuildReview(in ReviewInput) (string, error) {
	tmpl, err := resolveFrom([]Candidate{
		{SourceProject, reviewTemplate},
		{SourceBundled, reviewTemplate},
	}, b.project, b.bundled)
	if err != nil {
		return "", err
	}

	r := strings.NewReplacer(
		"{{STORY_ID}}", in.Story.ID,
		"{{STORY_TITLE}}", in.Story.Title,
		"{{STORY_DESCRIPTION}}", in.Story.Description,
		"{{ACCEPTANCE_CRITERIA}}", bullets(in.Story.AcceptanceCriteria, "(none listed)"),
		"{{AGENTS_MD}}", b.agentsMD(),
		"{{DIFF_STATS}}", orDefault(in.DiffStat, "(no changes)"),
		"{{DIFF}}", truncateDiff(in.Diff),
	)
	return r.Replace(tmpl.Body), nil
}

func (b *Builder) agentsMD() string {
	if b.project == nil {
		return "(no AGENTS.md)"
	}
	data, err := fs.ReadFile(b.project, agentsFile)
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Sprintf("(AGENTS.md unreadable: %v)", err)
		}
		return "(no AGENTS.md)"
	}
	return strings.TrimSpace(string(data))
}

// FormatStory renders the story block substituted for {{STORY}}.
func FormatStory(s *models.Story) string {
	var b strings.Builder
	b.WriteString("## Current Story\n\n")
	fmt.Fprintf(&b, "**ID**: %s\n", s.ID)
	fmt.Fprintf(&b, "**Title**: %s\n", s.Title)
	if s.Type != "" {
		fmt.Fprintf(&b, "**Type**: %s\n", s.Type)
	}
	if s.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", s.Description)
	}
	if len(s.Spec) > 0 {
		b.WriteString("\n### Spec\n\n")
		b.WriteString(bullets(s.Spec, ""))
		b.WriteString("\n")
	}
	b.WriteString("\n### Acceptance Criteria\n\n")
	b.WriteString(bullets(s.AcceptanceCriteria, "(none listed)"))
	return b.String()
}

func formatStatus(st models.BacklogStatus) string {
	var b strings.Builder
	b.WriteString("## Backlog Status\n\n")
	if st.Project != "" {
		fmt.Fprintf(&b, "Project: %s\n", st.Project)
	}
	fmt.Fprintf(&b, "Progress: %d/%d stories complete (%d%%)", st.Passed, st.Total, st.Percent())
	return b.String()
}

func bullets(items []string, empty string) string {
	if len(items) == 0 {
		return empty
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = "- " + it
	}
	return strings.Join(lines, "\n")
}

func truncateDiff(diff string) string {
	if diff == "" {
		return "(empty diff)"
	}
	if len(diff) <= MaxDiffBytes {
		return diff
	}
	cut := diff[:MaxDiffBytes]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		cut = cut[:i]
	}
	return cut + fmt.Sprintf("\n... diff truncated (%d of %d bytes shown)", len(cut), len(diff))
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
