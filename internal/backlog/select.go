package backlog

import "github.com/ShayCichocki/ralph/pkg/models"

// NextStory returns the next story to work on: the first unpassed story in
// selection order when a selection is given, otherwise in document order.
// It returns nil when nothing is left.
func NextStory(b *models.Backlog, selection []string) *models.Story {
	c := Candidates(b, selection)
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Candidates returns every unpassed story in processing order.
func Candidates(b *models.Backlog, selection []string) []*models.Story {
	var out []*models.Story
	if len(selection) == 0 {
		for _, s := range b.Stories {
			if !s.Passed {
				out = append(out, s)
			}
		}
		return out
	}
	seen := make(map[string]bool, len(selection))
	for _, id := range selection {
		if seen[id] {
			continue
		}
		seen[id] = true
		if s := b.Story(id); s != nil && !s.Passed {
			out = append(out, s)
		}
	}
	return out
}

// ValidateSelection fails on the first id that is not in the backlog.
func ValidateSelection(b *models.Backlog, selection []string) error {
	for _, id := range selection {
		if b.Story(id) == nil {
			return &UnknownStoryError{ID: id}
		}
	}
	return nil
}
