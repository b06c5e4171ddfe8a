package progress

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Summarize renders the entries relevant to storyID (its own entries plus
// every learning) within a budget of limit tokens. The newest entries are
// kept when the budget is exceeded; the result is oldest first. A newest
// entry that alone exceeds the budget is cut to fit. A limit of zero or
// less means no bound.
func (l *Log) Summarize(storyID string, limit int) (string, error) {
	entries, err := l.Entries()
	if err != nil {
		return "", err
	}

	var picked []string
	used := 0
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.StoryID != storyID && e.Kind != models.EntryLearning {
			continue
		}
		line := digestLine(e)
		cost := l.counter.Count(line) + 1
		if limit > 0 && used+cost > limit {
			if len(picked) == 0 {
				if line = l.truncate(line, limit-1); line != "" {
					picked = append(picked, line)
				}
			}
			break
		}
		used += cost
		picked = append(picked, line)
	}

	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return strings.Join(picked, "\n"), nil
}

// truncate cuts line to at most budget tokens, marking the cut with an
// ellipsis.
func (l *Log) truncate(line string, budget int) string {
	const ellipsis = " …"
	runes := []rune(line)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if l.counter.Count(string(runes[:mid])+ellipsis) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return string(runes[:lo]) + ellipsis
}

func digestLine(e models.ProgressEntry) string {
	text := strings.Join(strings.Fields(e.Text), " ")
	if e.StoryID == "" {
		return fmt.Sprintf("- [%s] %s", e.Kind, text)
	}
	return fmt.Sprintf("- [%s %s #%d] %s", e.Kind, e.StoryID, e.Iteration, text)
}

var (
	decisionTag = regexp.MustCompile(`(?is)<decision>(.*?)</decision>`)
	learningTag = regexp.MustCompile(`(?is)<learning>(.*?)</learning>`)
)

// Tagged is a decision or learning found in agent output.
type Tagged struct {
	Kind models.EntryKind
	Text string
}

// ExtractTags finds <decision> and <learning> blocks in agent output.
// Decisions are returned before learnings, each group in output order.
func ExtractTags(output string) []Tagged {
	var out []Tagged
	for _, m := range decisionTag.FindAllStringSubmatch(output, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			out = append(out, Tagged{Kind: models.EntryDecision, Text: t})
		}
	}
	for _, m := range learningTag.FindAllStringSubmatch(output, -1) {
		if t := strings.TrimSpace(m[1]); t != "" {
			out = append(out, Tagged{Kind: models.EntryLearning, Text: t})
		}
	}
	return out
}

// RecordFromOutput appends every tagged block in output and returns how
// many entries were written.
func (l *Log) RecordFromOutput(storyID string, iteration int, output string) (int, error) {
	n := 0
	for _, t := range ExtractTags(output) {
		if err := l.Record(storyID, iteration, t.Kind, t.Text); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
