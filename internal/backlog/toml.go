package backlog

import (
	"errors"
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// tomlAdapter reads backlog.toml:
//
//	project = "demo"
//	base_branch = "main"
//
//	[[stories]]
//	id = "US-001"
//	title = "..."
//	acceptance_criteria = ["..."]
//	passed = false
type tomlAdapter struct{}

type tomlStory struct {
	ID                 string         `toml:"id"`
	Title              string         `toml:"title"`
	Description        string         `toml:"description,multiline"`
	Type               string         `toml:"type,omitempty"`
	Spec               []string       `toml:"spec,omitempty"`
	AcceptanceCriteria []string       `toml:"acceptance_criteria"`
	Passed             bool           `toml:"passed"`
	Metadata           map[string]any `toml:"metadata,omitempty"`
}

type tomlDocument struct {
	Project    string         `toml:"project,omitempty"`
	BaseBranch string         `toml:"base_branch,omitempty"`
	Metadata   map[string]any `toml:"metadata,omitempty"`
	Stories    []tomlStory    `toml:"stories"`
}

func (tomlAdapter) Format() models.Format { return models.FormatTOML }

func (tomlAdapter) Decode(data []byte) (*models.Backlog, error) {
	var doc tomlDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		pe := &ParseError{Format: models.FormatTOML, Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			pe.Line, _ = derr.Position()
		}
		return nil, pe
	}

	b := &models.Backlog{Project: doc.Project, BaseBranch: doc.BaseBranch, Metadata: doc.Metadata}
	for _, ts := range doc.Stories {
		b.Stories = append(b.Stories, &models.Story{
			ID:                 ts.ID,
			Title:              ts.Title,
			Description:        ts.Description,
			Type:               models.StoryType(ts.Type),
			Spec:               ts.Spec,
			AcceptanceCriteria: ts.AcceptanceCriteria,
			Passed:             ts.Passed,
			Metadata:           ts.Metadata,
		})
	}
	return b, nil
}

func (tomlAdapter) Encode(b *models.Backlog) ([]byte, error) {
	doc := tomlDocument{Project: b.Project, BaseBranch: b.BaseBranch, Metadata: b.Metadata}
	for _, s := range b.Stories {
		criteria := s.AcceptanceCriteria
		if criteria == nil {
			criteria = []string{}
		}
		doc.Stories = append(doc.Stories, tomlStory{
			ID:                 s.ID,
			Title:              s.Title,
			Description:        s.Description,
			Type:               string(s.Type),
			Spec:               s.Spec,
			AcceptanceCriteria: criteria,
			Passed:             s.Passed,
			Metadata:           s.Metadata,
		})
	}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode toml backlog: %w", err)
	}
	return out, nil
}
