// Package progress keeps the append-only progress log that carries
// decisions, learnings and failures from one agent iteration to the next.
//
// Each entry is a header line followed by its text, one "  | " prefixed
// line per text line:
//
//	2026-10-19T09:12:03.52Z learning story=US-001 iter=2
//	  | the test suite needs DATABASE_URL set
//
// Entries are only ever appended; timestamps strictly increase.
package progress

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/ShayCichocki/ralph/internal/tokens"
	"github.com/ShayCichocki/ralph/pkg/models"
)

const (
	textPrefix = "  | "
	noStory    = "-"
)

// Story ids containing whitespace or quotes are written Go-quoted.
var headerPattern = regexp.MustCompile(`^(\S+) (decision|learning|error) story=("(?:[^"\\]|\\.)*"|\S+) iter=(\d+)$`)

// Log is the progress log file.
type Log struct {
	path    string
	mu      sync.Mutex
	last    time.Time
	now     func() time.Time
	counter tokens.Counter
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithCounter overrides the token counter used by Summarize.
func WithCounter(c tokens.Counter) Option {
	return func(l *Log) { l.counter = c }
}

// Open prepares the log at path, creating parent directories. The last
// recorded timestamp is read back so ordering holds across restarts.
func Open(path string, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create progress dir: %w", err)
	}
	l := &Log{path: path, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.counter == nil {
		l.counter = tokens.Default()
	}

	entries, err := l.Entries()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.last = entries[n-1].Time
	}
	return l, nil
}

// Path returns the file backing the log.
func (l *Log) Path() string { return l.path }

// Append writes one entry with a single write and fsync. The entry's Time
// is assigned here and returned.
func (l *Log) Append(e models.ProgressEntry) (models.ProgressEntry, error) {
	if !e.Kind.Valid() {
		return e, fmt.Errorf("invalid progress entry kind %q", e.Kind)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	ts := l.now().UTC().Round(0)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Microsecond)
	}
	e.Time = ts

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return e, fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(format(e)); err != nil {
		return e, fmt.Errorf("append progress log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return e, fmt.Errorf("sync progress log: %w", err)
	}
	l.last = ts
	return e, nil
}

// Record is a convenience wrapper around Append.
func (l *Log) Record(storyID string, iteration int, kind models.EntryKind, text string) error {
	_, err := l.Append(models.ProgressEntry{StoryID: storyID, Iteration: iteration, Kind: kind, Text: text})
	return err
}

// Entries reads every entry back in file order.
func (l *Log) Entries() ([]models.ProgressEntry, error) {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open progress log: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

func format(e models.ProgressEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s story=%s iter=%d\n", e.Time.Format(time.RFC3339Nano), e.Kind, encodeStory(e.StoryID), e.Iteration)
	for _, line := range strings.Split(strings.TrimRight(e.Text, "\n"), "\n") {
		b.WriteString(strings.TrimRight(textPrefix+line, " "))
		b.WriteString("\n")
	}
	return b.String()
}

func encodeStory(id string) string {
	switch {
	case id == "":
		return noStory
	case id == noStory || strings.ContainsAny(id, "\"\\") || strings.IndexFunc(id, unicode.IsSpace) >= 0 || !utf8.ValidString(id):
		return strconv.Quote(id)
	}
	return id
}

func decodeStory(s string) (string, error) {
	if s == noStory {
		return "", nil
	}
	if strings.HasPrefix(s, `"`) {
		return strconv.Unquote(s)
	}
	return s, nil
}

// Parse decodes log content. Lines that belong to no well-formed header,
// such as the tail of a torn write, are skipped.
func Parse(r io.Reader) ([]models.ProgressEntry, error) {
	var entries []models.ProgressEntry
	var cur *models.ProgressEntry
	var text []string

	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(text, "\n")
			entries = append(entries, *cur)
		}
		cur, text = nil, nil
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			ts, err := time.Parse(time.RFC3339Nano, m[1])
			if err != nil {
				flush()
				continue
			}
			flush()
			story, err := decodeStory(m[3])
			if err != nil {
				continue
			}
			iter, _ := strconv.Atoi(m[4])
			cur = &models.ProgressEntry{Time: ts, Kind: models.EntryKind(m[2]), StoryID: story, Iteration: iter}
			continue
		}
		if cur == nil {
			continue
		}
		switch {
		case strings.HasPrefix(line, textPrefix):
			text = append(text, line[len(textPrefix):])
		case line == strings.TrimRight(textPrefix, " "):
			text = append(text, "")
		}
	}
	flush()
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("read progress log: %w", err)
	}
	return entries, nil
}
