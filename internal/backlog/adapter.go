// Package backlog loads, selects from and persists the story backlog.
//
// Three on-disk layouts are supported through adapters (JSON, TOML and
// Markdown with YAML front matter). Every adapter decodes into the same
// models.Backlog, so nothing outside this package needs to know which
// layout a project uses.
package backlog

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Adapter converts between one file layout and the in-memory model.
type Adapter interface {
	Format() models.Format
	Decode(data []byte) (*models.Backlog, error)
	Encode(b *models.Backlog) ([]byte, error)
}

// AdapterFor picks the adapter for a backlog path by extension.
func AdapterFor(path string) (Adapter, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return jsonAdapter{}, nil
	case ".toml":
		return tomlAdapter{}, nil
	case ".md", ".markdown":
		return markdownAdapter{}, nil
	default:
		return nil, fmt.Errorf("backlog %s: unsupported extension %q (want .json, .toml or .md)", path, filepath.Ext(path))
	}
}

// normalize trims whitespace and collapses empty lists to nil so equivalent
// content produces identical models regardless of layout.
func normalize(b *models.Backlog) {
	b.Project = strings.TrimSpace(b.Project)
	b.BaseBranch = strings.TrimSpace(b.BaseBranch)
	for _, s := range b.Stories {
		s.ID = strings.TrimSpace(s.ID)
		s.Title = strings.TrimSpace(s.Title)
		s.Description = strings.TrimSpace(s.Description)
		s.Type = models.StoryType(strings.ToLower(strings.TrimSpace(string(s.Type))))
		s.Spec = trimList(s.Spec)
		s.AcceptanceCriteria = trimList(s.AcceptanceCriteria)
	}
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func validate(path string, b *models.Backlog) error {
	seen := make(map[string]bool, len(b.Stories))
	refs := make(map[string]string, len(b.Stories))
	for i, s := range b.Stories {
		if s.ID == "" {
			return &MissingFieldError{Path: path, Index: i, Field: "id"}
		}
		if s.Title == "" {
			return &MissingFieldError{Path: path, Index: i, StoryID: s.ID, Field: "title"}
		}
		if seen[s.ID] {
			return &DuplicateStoryError{Path: path, StoryID: s.ID}
		}
		seen[s.ID] = true

		// Story branches are named from the sanitized id.
		ref := models.SanitizeRef(s.ID)
		if other, ok := refs[ref]; ok || ref == "" {
			return &BranchCollisionError{Path: path, StoryID: s.ID, Other: other, Ref: ref}
		}
		refs[ref] = s.ID
	}
	return nil
}

// Decode parses data with the adapter for path and validates the result.
func Decode(path string, data []byte) (*models.Backlog, error) {
	a, err := AdapterFor(path)
	if err != nil {
		return nil, err
	}
	b, err := a.Decode(data)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
			return nil, pe
		}
		return nil, &ParseError{Path: path, Format: a.Format(), Err: err}
	}
	normalize(b)
	if err := validate(path, b); err != nil {
		return nil, err
	}
	b.Format = a.Format()
	b.Path = path
	return b, nil
}
