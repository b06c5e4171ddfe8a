// Package prompt resolves prompt templates and renders them for a story.
package prompt

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/ShayCichocki/ralph/pkg/models"
)

//go:embed templates/*.md
var bundledFS embed.FS

// Bundled returns the templates shipped with the binary.
func Bundled() fs.FS {
	sub, err := fs.Sub(bundledFS, "templates")
	if err != nil {
		panic(err)
	}
	return sub
}

// Source says where a template came from.
type Source string

const (
	SourceProject Source = "project"
	SourceBundled Source = "bundled"
)

// Candidate is one row of the template lookup table.
type Candidate struct {
	Source Source
	Name   string
}

func (c Candidate) String() string { return string(c.Source) + ":" + c.Name }

// Template is a resolved template body.
type Template struct {
	Candidate
	Body string
}

// TemplateNotFoundError lists every location tried.
type TemplateNotFoundError struct {
	Tried []Candidate
}

func (e *TemplateNotFoundError) Error() string {
	names := make([]string, len(e.Tried))
	for i, c := range e.Tried {
		names[i] = c.String()
	}
	return "no prompt template found (tried " + strings.Join(names, ", ") + ")"
}

// Candidates returns the ordered lookup table for a story type:
// project prompt_<type>.md, project prompt.md, bundled prompt_<type>.md,
// bundled prompt.md. Type-specific rows are omitted when the type is empty.
func Candidates(storyType models.StoryType) []Candidate {
	generic := "prompt.md"
	if storyType == "" {
		return []Candidate{
			{SourceProject, generic},
			{SourceBundled, generic},
		}
	}
	typed := "prompt_" + string(storyType) + ".md"
	return []Candidate{
		{SourceProject, typed},
		{SourceProject, generic},
		{SourceBundled, typed},
		{SourceBundled, generic},
	}
}

// Resolve walks the lookup table and returns the first template that
// exists. Either filesystem may be nil.
func Resolve(storyType models.StoryType, project, bundled fs.FS) (Template, error) {
	return resolveFrom(Candidates(storyType), project, bundled)
}

func resolveFrom(table []Candidate, project, bundled fs.FS) (Template, error) {
	for _, c := range table {
		fsys := project
		if c.Source == SourceBundled {
			fsys = bundled
		}
		if fsys == nil {
			continue
		}
		body, err := fs.ReadFile(fsys, c.Name)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Template{}, fmt.Errorf("read template %s: %w", c, err)
		}
		return Template{Candidate: c, Body: string(body)}, nil
	}
	return Template{}, &TemplateNotFoundError{Tried: table}
}
