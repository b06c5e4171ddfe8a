package state

import (
	"io"
	"time"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Recorder is the write side used by the iteration loop.
type Recorder interface {
	CreateSession(s *Session) error
	EndSession(id string, status SessionStatus, reason string, at time.Time) error
	RecordIteration(it *models.Iteration) error
	RecordStory(r *StoryResult) error
}

// History is the read side used by `ralph status`.
type History interface {
	GetSession(id string) (*Session, error)
	LatestSession() (*Session, error)
	ListSessions(limit int) ([]Session, error)
	Iterations(sessionID string) ([]models.Iteration, error)
	StoryResults(sessionID string) ([]StoryResult, error)
}

// Store combines both sides with migration and close.
type Store interface {
	io.Closer
	Migrate() error
	Recorder
	History
}

var (
	_ Store    = (*DB)(nil)
	_ Recorder = (*DB)(nil)
	_ History  = (*DB)(nil)
)
