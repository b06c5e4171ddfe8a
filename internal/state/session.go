package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionDone        SessionStatus = "done"
	SessionAborted     SessionStatus = "aborted"
	SessionInterrupted SessionStatus = "interrupted"
)

// Session is one invocation of the loop.
type Session struct {
	ID          string
	Backend     string
	BaseBranch  string
	BacklogPath string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      SessionStatus
	Reason      string
}

// NewSession returns an active session with a fresh id.
func NewSession(backend, baseBranch, backlogPath string) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Backend:     backend,
		BaseBranch:  baseBranch,
		BacklogPath: backlogPath,
		StartedAt:   time.Now(),
		Status:      SessionActive,
	}
}

// Outcome is how a story ended within a session.
type Outcome string

const (
	OutcomePassed Outcome = "passed"
	OutcomeFailed Outcome = "failed"
)

// StoryResult records a story's outcome in a session.
type StoryResult struct {
	SessionID  string
	StoryID    string
	Outcome    Outcome
	Attempts   int
	Branch     string
	Detail     string
	RecordedAt time.Time
}

// CreateSession inserts a new session.
func (db *DB) CreateSession(s *Session) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, backend, base_branch, backlog_path, started_at, status, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.Backend, s.BaseBranch, s.BacklogPath, formatTime(s.StartedAt), string(s.Status), s.Reason)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// EndSession stamps the session's end time, status and reason.
func (db *DB) EndSession(id string, status SessionStatus, reason string, at time.Time) error {
	res, err := db.Exec(`
		UPDATE sessions SET ended_at = ?, status = ?, reason = ? WHERE id = ?
	`, formatTime(at), string(status), reason, id)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("end session %s: not found", id)
	}
	return nil
}

const sessionColumns = `id, backend, base_branch, backlog_path, started_at, ended_at, status, reason`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var s Session
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&s.ID, &s.Backend, &s.BaseBranch, &s.BacklogPath, &startedAt, &endedAt, &s.Status, &s.Reason); err != nil {
		return nil, err
	}
	s.StartedAt, _ = parseTime(startedAt)
	s.EndedAt = parseNullableTime(endedAt)
	return &s, nil
}

// GetSession retrieves a session by ID. It returns nil, nil when absent.
func (db *DB) GetSession(id string) (*Session, error) {
	s, err := scanSession(db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// ListSessions returns up to limit sessions, newest first. A limit of
// zero or less returns all.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// LatestSession returns the most recent session or nil.
func (db *DB) LatestSession() (*Session, error) {
	sessions, err := db.ListSessions(1)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

// RecordIteration inserts an iteration. Iterations cannot be changed once
// recorded.
func (db *DB) RecordIteration(it *models.Iteration) error {
	_, err := db.Exec(`
		INSERT INTO iterations (session_id, idx, story_id, attempt, backend, prompt, output,
			completion, exit_code, timed_out, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.SessionID, it.Index, it.StoryID, it.Attempt, it.Backend, it.Prompt, it.Output,
		string(it.Completion), it.ExitCode, it.TimedOut, it.Err, formatTime(it.StartedAt), formatTime(it.EndedAt))
	if err != nil {
		return fmt.Errorf("record iteration %d: %w", it.Index, err)
	}
	return nil
}

// Iterations returns a session's iterations in order.
func (db *DB) Iterations(sessionID string) ([]models.Iteration, error) {
	rows, err := db.Query(`
		SELECT session_id, idx, story_id, attempt, backend, prompt, output, completion,
			exit_code, timed_out, error, started_at, ended_at
		FROM iterations WHERE session_id = ? ORDER BY idx
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []models.Iteration
	for rows.Next() {
		var it models.Iteration
		var startedAt, endedAt string
		if err := rows.Scan(&it.SessionID, &it.Index, &it.StoryID, &it.Attempt, &it.Backend, &it.Prompt,
			&it.Output, &it.Completion, &it.ExitCode, &it.TimedOut, &it.Err, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		it.StartedAt, _ = parseTime(startedAt)
		it.EndedAt, _ = parseTime(endedAt)
		out = append(out, it)
	}
	return out, rows.Err()
}

// RecordStory inserts a story outcome.
func (db *DB) RecordStory(r *StoryResult) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := db.Exec(`
		INSERT INTO story_results (session_id, story_id, outcome, attempts, branch, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.SessionID, r.StoryID, string(r.Outcome), r.Attempts, r.Branch, r.Detail, formatTime(r.RecordedAt))
	if err != nil {
		return fmt.Errorf("record story %s: %w", r.StoryID, err)
	}
	return nil
}

// StoryResults returns a session's story outcomes in the order recorded.
func (db *DB) StoryResults(sessionID string) ([]StoryResult, error) {
	rows, err := db.Query(`
		SELECT session_id, story_id, outcome, attempts, branch, detail, recorded_at
		FROM story_results WHERE session_id = ? ORDER BY recorded_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list story results: %w", err)
	}
	defer rows.Close()

	var out []StoryResult
	for rows.Next() {
		var r StoryResult
		var at string
		if err := rows.Scan(&r.SessionID, &r.StoryID, &r.Outcome, &r.Attempts, &r.Branch, &r.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan story result: %w", err)
		}
		r.RecordedAt, _ = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
