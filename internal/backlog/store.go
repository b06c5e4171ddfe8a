package backlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// DefaultFiles are probed, in order, when no backlog path is configured.
var DefaultFiles = []string{"prd.json", "backlog.json", "backlog.toml", "backlog.md"}

// Discover returns the first default backlog file present in root.
func Discover(root string) (string, error) {
	for _, name := range DefaultFiles {
		p := filepath.Join(root, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s (looked for %v)", ErrNoBacklog, root, DefaultFiles)
}

// Load reads and validates the backlog at path.
func Load(path string) (*models.Backlog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	return Decode(path, data)
}

// Store owns the loaded backlog and is the only writer of its file.
type Store struct {
	mu      sync.Mutex
	path    string
	adapter Adapter
	backlog *models.Backlog
}

// Open loads the backlog at path into a Store.
func Open(path string) (*Store, error) {
	a, err := AdapterFor(path)
	if err != nil {
		return nil, err
	}
	b, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, adapter: a, backlog: b}, nil
}

// Path returns the backlog file path.
func (s *Store) Path() string { return s.path }

// Backlog returns the in-memory backlog. Callers must not modify Passed
// directly; use MarkPassed or SetPassed so the file stays in step.
func (s *Store) Backlog() *models.Backlog { return s.backlog }

// Status summarizes pass counts.
func (s *Store) Status() models.BacklogStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backlog.Status()
}

// NextStory is NextStory applied to the store's backlog.
func (s *Store) NextStory(selection []string) *models.Story {
	s.mu.Lock()
	defer s.mu.Unlock()
	return NextStory(s.backlog, selection)
}

// MarkPassed flags a story as passed and writes the backlog back to disk.
// Calling it for an already passed story is a no-op.
func (s *Store) MarkPassed(id string) error {
	return s.SetPassed(id, true)
}

// SetPassed sets the passed flag of a story and persists the change. The
// in-memory flag is restored if the write fails.
func (s *Store) SetPassed(id string, passed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	story := s.backlog.Story(id)
	if story == nil {
		return &UnknownStoryError{ID: id}
	}
	if story.Passed == passed {
		return nil
	}
	story.Passed = passed
	if err := s.writeLocked(); err != nil {
		story.Passed = !passed
		return err
	}
	return nil
}

// Verify re-reads the backlog file and reports whether it still parses.
// Pass flags on disk are reconciled into memory so an external edit that
// marks a story done is honoured.
func (s *Store) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := Load(s.path)
	if err != nil {
		return err
	}
	for _, ds := range disk.Stories {
		if ms := s.backlog.Story(ds.ID); ms != nil && ds.Passed {
			ms.Passed = true
		}
	}
	return nil
}

// Reload adopts the pass flags currently on disk, in both directions. It
// is used after a failed merge leaves the base branch's copy of the file
// in place.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk, err := Load(s.path)
	if err != nil {
		return err
	}
	for _, ds := range disk.Stories {
		if ms := s.backlog.Story(ds.ID); ms != nil {
			ms.Passed = ds.Passed
		}
	}
	return nil
}

// Passed reports a story's in-memory pass flag.
func (s *Store) Passed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.backlog.Story(id)
	return st != nil && st.Passed
}

func (s *Store) writeLocked() error {
	data, err := s.adapter.Encode(s.backlog)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("write backlog: %w", err)
	}
	return nil
}

// WriteFileAtomic replaces path with data via a temp file in the same
// directory, fsync and rename, so readers see either the old or the new
// content. The existing file mode is preserved.
func WriteFileAtomic(path string, data []byte) error {
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(path); err == nil {
		mode = fi.Mode().Perm()
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}
