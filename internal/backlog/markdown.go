package backlog

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// markdownAdapter reads a backlog written as a sequence of YAML
// front-matter blocks. An optional first block without an id carries the
// project settings; every other block opens a story whose body holds the
// description followed by an "## Acceptance Criteria" bullet list:
//
//	---
//	project: demo
//	base_branch: main
//	---
//
//	---
//	id: US-001
//	title: Add login
//	type: feature
//	passed: false
//	---
//	Users can sign in.
//
//	## Acceptance Criteria
//	- login form renders
//
// A line consisting only of "---" always starts or ends front matter, so
// story bodies must use "***" for horizontal rules.
type markdownAdapter struct{}

const frontMatterDelim = "---"

var criteriaHeading = regexp.MustCompile(`(?i)^#{2,3}\s+acceptance criteria\s*$`)

type mdHeader struct {
	Project    string         `yaml:"project,omitempty"`
	BaseBranch string         `yaml:"base_branch,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Title      string         `yaml:"title,omitempty"`
	Type       string         `yaml:"type,omitempty"`
	Passed     bool           `yaml:"passed"`
	Spec       []string       `yaml:"spec,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty"`
}

type mdBacklogHeader struct {
	Project    string         `yaml:"project,omitempty"`
	BaseBranch string         `yaml:"base_branch,omitempty"`
	Metadata   map[string]any `yaml:"metadata,omitempty"`
}

type mdStoryHeader struct {
	ID       string         `yaml:"id"`
	Title    string         `yaml:"title"`
	Type     string         `yaml:"type,omitempty"`
	Passed   bool           `yaml:"passed"`
	Spec     []string       `yaml:"spec,omitempty"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

func (markdownAdapter) Format() models.Format { return models.FormatMarkdown }

func (markdownAdapter) Decode(data []byte) (*models.Backlog, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	b := &models.Backlog{}

	for i, block := 0, 0; i < len(lines); block++ {
		for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
			i++
		}
		if i >= len(lines) {
			break
		}
		if strings.TrimRight(lines[i], " \t") != frontMatterDelim {
			return nil, mdError(i, errors.New("expected front matter delimiter \"---\""))
		}
		open := i
		end := nextDelim(lines, open+1)
		if end < 0 {
			return nil, mdError(open, errors.New("unterminated front matter"))
		}

		var hdr mdHeader
		if err := yaml.Unmarshal([]byte(strings.Join(lines[open+1:end], "\n")), &hdr); err != nil {
			return nil, mdError(open+1, err)
		}

		bodyEnd := nextDelim(lines, end+1)
		if bodyEnd < 0 {
			bodyEnd = len(lines)
		}
		body := lines[end+1 : bodyEnd]
		i = bodyEnd

		if block == 0 && hdr.ID == "" && hdr.Title == "" {
			b.Project = hdr.Project
			b.BaseBranch = hdr.BaseBranch
			b.Metadata = hdr.Metadata
			continue
		}

		desc, criteria := splitStoryBody(body)
		b.Stories = append(b.Stories, &models.Story{
			ID:                 hdr.ID,
			Title:              hdr.Title,
			Description:        desc,
			Type:               models.StoryType(hdr.Type),
			Spec:               hdr.Spec,
			AcceptanceCriteria: criteria,
			Passed:             hdr.Passed,
			Metadata:           hdr.Metadata,
		})
	}
	return b, nil
}

func (markdownAdapter) Encode(b *models.Backlog) ([]byte, error) {
	var buf bytes.Buffer
	if b.Project != "" || b.BaseBranch != "" || len(b.Metadata) > 0 {
		if err := writeFrontMatter(&buf, mdBacklogHeader{Project: b.Project, BaseBranch: b.BaseBranch, Metadata: b.Metadata}); err != nil {
			return nil, err
		}
		buf.WriteString("\n")
	}
	for i, s := range b.Stories {
		if i > 0 {
			buf.WriteString("\n")
		}
		hdr := mdStoryHeader{ID: s.ID, Title: s.Title, Type: string(s.Type), Passed: s.Passed, Spec: s.Spec, Metadata: s.Metadata}
		if err := writeFrontMatter(&buf, hdr); err != nil {
			return nil, err
		}
		if s.Description != "" {
			buf.WriteString(s.Description)
			buf.WriteString("\n")
		}
		if len(s.AcceptanceCriteria) > 0 {
			buf.WriteString("\n## Acceptance Criteria\n\n")
			for _, c := range s.AcceptanceCriteria {
				fmt.Fprintf(&buf, "- %s\n", c)
			}
		}
	}
	return buf.Bytes(), nil
}

func writeFrontMatter(buf *bytes.Buffer, v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode front matter: %w", err)
	}
	buf.WriteString(frontMatterDelim + "\n")
	buf.Write(out)
	buf.WriteString(frontMatterDelim + "\n")
	return nil
}

func nextDelim(lines []string, from int) int {
	for j := from; j < len(lines); j++ {
		if strings.TrimRight(lines[j], " \t") == frontMatterDelim {
			return j
		}
	}
	return -1
}

// splitStoryBody separates the free-form description from the acceptance
// criteria list. Non-bullet lines under the heading continue the previous
// criterion.
func splitStoryBody(body []string) (string, []string) {
	var desc []string
	var criteria []string
	inCriteria := false
	for _, line := range body {
		trimmed := strings.TrimSpace(line)
		if !inCriteria {
			if criteriaHeading.MatchString(trimmed) {
				inCriteria = true
				continue
			}
			desc = append(desc, line)
			continue
		}
		if trimmed == "" {
			continue
		}
		if item, ok := bulletText(trimmed); ok {
			criteria = append(criteria, item)
			continue
		}
		if len(criteria) > 0 {
			criteria[len(criteria)-1] += " " + trimmed
		} else {
			criteria = append(criteria, trimmed)
		}
	}
	return strings.TrimSpace(strings.Join(desc, "\n")), criteria
}

func bulletText(line string) (string, bool) {
	for _, p := range []string{"- [ ] ", "- [x] ", "- [X] ", "- ", "* "} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):]), true
		}
	}
	return "", false
}

func mdError(idx int, err error) *ParseError {
	return &ParseError{Format: models.FormatMarkdown, Line: idx + 1, Err: err}
}
