package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the per-project directory holding ralph's private files.
const DirName = ".ralph"

// Layout locates the files under a project's .ralph directory.
type Layout struct {
	Root string
}

// NewLayout returns the layout for projectRoot without touching disk.
func NewLayout(projectRoot string) Layout {
	return Layout{Root: filepath.Join(projectRoot, DirName)}
}

// Ensure creates the directory tree and a .gitignore that ignores
// everything in it, so git resets and cleans leave run state alone.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.SignalsDir(), l.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	ignore := filepath.Join(l.Root, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", ignore, err)
		}
	}
	return nil
}

func (l Layout) ProgressLog() string { return filepath.Join(l.Root, "progress.log") }
func (l Layout) DBPath() string      { return filepath.Join(l.Root, "state.db") }
func (l Layout) SignalsDir() string  { return filepath.Join(l.Root, "signals") }
func (l Layout) LogsDir() string     { return filepath.Join(l.Root, "logs") }
func (l Layout) LogFile() string     { return filepath.Join(l.LogsDir(), "ralph.log") }
