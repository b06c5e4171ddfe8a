package state

import (
	"fmt"
	"time"
)

// InterruptedSession describes a session that never recorded its end,
// usually because the process was killed.
type InterruptedSession struct {
	SessionID    string
	StartedAt    time.Time
	Iterations   int
	LastStoryID  string
	LastActivity time.Time
}

// CheckForInterrupted finds active sessions left behind by an earlier
// process, marks them interrupted and returns the most recent one. The
// caller is the only writer, so any active session is stale.
func (db *DB) CheckForInterrupted() (*InterruptedSession, error) {
	sessions, err := db.ListSessions(0)
	if err != nil {
		return nil, err
	}

	var latest *InterruptedSession
	for _, s := range sessions {
		if s.Status != SessionActive {
			continue
		}
		its, err := db.Iterations(s.ID)
		if err != nil {
			return nil, fmt.Errorf("inspect session %s: %w", s.ID, err)
		}
		info := &InterruptedSession{
			SessionID:    s.ID,
			StartedAt:    s.StartedAt,
			Iterations:   len(its),
			LastActivity: s.StartedAt,
		}
		if n := len(its); n > 0 {
			info.LastStoryID = its[n-1].StoryID
			info.LastActivity = its[n-1].EndedAt
		}
		if err := db.EndSession(s.ID, SessionInterrupted, "process exited without closing the session", info.LastActivity); err != nil {
			return nil, err
		}
		if latest == nil {
			latest = info
		}
	}
	return latest, nil
}
