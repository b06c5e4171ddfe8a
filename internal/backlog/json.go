package backlog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// jsonAdapter reads prd.json. The canonical keys are projectName,
// branchName, userStories and passes; project, baseBranch, stories and
// passed are accepted as aliases on read. metadata and any other key the
// adapter does not know are written back unchanged.
type jsonAdapter struct{}

var (
	jsonStoryKeys = []string{"id", "title", "description", "type", "spec", "acceptanceCriteria", "passes", "passed", "metadata"}
	jsonDocKeys   = []string{"projectName", "project", "branchName", "baseBranch", "userStories", "stories", "metadata"}
)

type jsonStory struct {
	ID                 string         `json:"id"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Type               string         `json:"type,omitempty"`
	Spec               stringList     `json:"spec,omitempty"`
	AcceptanceCriteria stringList     `json:"acceptanceCriteria"`
	Passes             *bool          `json:"passes,omitempty"`
	Passed             *bool          `json:"passed,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`

	extra map[string]any
}

func (s jsonStory) MarshalJSON() ([]byte, error) {
	type plain jsonStory
	return marshalWithExtra(plain(s), s.extra)
}

type jsonDocument struct {
	ProjectName string         `json:"projectName,omitempty"`
	Project     string         `json:"project,omitempty"`
	BranchName  string         `json:"branchName,omitempty"`
	BaseBranch  string         `json:"baseBranch,omitempty"`
	UserStories []jsonStory    `json:"userStories,omitempty"`
	Stories     []jsonStory    `json:"stories,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	extra map[string]any
}

func (d jsonDocument) MarshalJSON() ([]byte, error) {
	type plain jsonDocument
	return marshalWithExtra(plain(d), d.extra)
}

// stringList accepts either a single string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = stringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*l = many
	return nil
}

func (jsonAdapter) Format() models.Format { return models.FormatJSON }

func (jsonAdapter) Decode(data []byte) (*models.Backlog, error) {
	var doc jsonDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &ParseError{Format: models.FormatJSON, Line: jsonErrorLine(data, err), Err: err}
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &ParseError{Format: models.FormatJSON, Line: jsonErrorLine(data, err), Err: err}
	}
	extra, err := unknownKeys(top, jsonDocKeys)
	if err != nil {
		return nil, &ParseError{Format: models.FormatJSON, Err: err}
	}

	b := &models.Backlog{
		Project:    firstNonEmpty(doc.ProjectName, doc.Project),
		BaseBranch: firstNonEmpty(doc.BranchName, doc.BaseBranch),
		Metadata:   doc.Metadata,
		Extra:      extra,
	}
	stories, storiesKey := doc.UserStories, "userStories"
	if len(stories) == 0 {
		stories, storiesKey = doc.Stories, "stories"
	}
	var rawStories []map[string]json.RawMessage
	if raw, ok := top[storiesKey]; ok {
		if err := json.Unmarshal(raw, &rawStories); err != nil {
			return nil, &ParseError{Format: models.FormatJSON, Err: err}
		}
	}
	for i, js := range stories {
		s := &models.Story{
			ID:                 js.ID,
			Title:              js.Title,
			Description:        js.Description,
			Type:               models.StoryType(js.Type),
			Spec:               js.Spec,
			AcceptanceCriteria: js.AcceptanceCriteria,
			Metadata:           js.Metadata,
		}
		if i < len(rawStories) {
			if s.Extra, err = unknownKeys(rawStories[i], jsonStoryKeys); err != nil {
				return nil, &ParseError{Format: models.FormatJSON, Err: err}
			}
		}
		switch {
		case js.Passes != nil:
			s.Passed = *js.Passes
		case js.Passed != nil:
			s.Passed = *js.Passed
		}
		b.Stories = append(b.Stories, s)
	}
	return b, nil
}

func (jsonAdapter) Encode(b *models.Backlog) ([]byte, error) {
	doc := jsonDocument{
		ProjectName: b.Project,
		BranchName:  b.BaseBranch,
		UserStories: make([]jsonStory, 0, len(b.Stories)),
		Metadata:    b.Metadata,
		extra:       b.Extra,
	}
	for _, s := range b.Stories {
		passes := s.Passed
		criteria := s.AcceptanceCriteria
		if criteria == nil {
			criteria = []string{}
		}
		doc.UserStories = append(doc.UserStories, jsonStory{
			ID:                 s.ID,
			Title:              s.Title,
			Description:        s.Description,
			Type:               string(s.Type),
			Spec:               s.Spec,
			AcceptanceCriteria: criteria,
			Passes:             &passes,
			Metadata:           s.Metadata,
			extra:              s.Extra,
		})
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode json backlog: %w", err)
	}
	return buf.Bytes(), nil
}

// unknownKeys decodes every entry of obj whose key is not in known.
func unknownKeys(obj map[string]json.RawMessage, known []string) (map[string]any, error) {
	var out map[string]any
	for k, raw := range obj {
		if contains(known, k) {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out, nil
}

// marshalWithExtra encodes v, a struct, and appends extra's keys in sorted
// order after its fields.
func marshalWithExtra(v any, extra map[string]any) ([]byte, error) {
	out, err := marshalPlain(v)
	if err != nil || len(extra) == 0 {
		return out, err
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(bytes.TrimSuffix(out, []byte("}")))
	for _, k := range keys {
		name, err := marshalPlain(k)
		if err != nil {
			return nil, err
		}
		val, err := marshalPlain(extra[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		if buf.Len() > 1 {
			buf.WriteByte(',')
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalPlain(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func jsonErrorLine(data []byte, err error) int {
	var offset int64
	var syn *json.SyntaxError
	var typ *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syn):
		offset = syn.Offset
	case errors.As(err, &typ):
		offset = typ.Offset
	default:
		return 0
	}
	if offset > int64(len(data)) {
		offset = int64(len(data))
	}
	return bytes.Count(data[:offset], []byte("\n")) + 1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
