package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/git"
	"github.com/ShayCichocki/ralph/internal/progress"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/internal/review"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/internal/testutil"
	"github.com/ShayCichocki/ralph/pkg/models"
)

// step is one scripted agent invocation.
type step struct {
	output string
	err    error
	// files are written relative to the work dir before returning.
	files map[string]string
}

func done(files map[string]string) step {
	return step{output: "implemented\n" + models.CompletionMarker, files: files}
}

func notDone() step {
	return step{output: "still working"}
}

type scriptedBackend struct {
	dir     string
	steps   []step
	prompts []string
}

func (b *scriptedBackend) Name() string               { return "scripted" }
func (b *scriptedBackend) Available() (string, error) { return "scripted", nil }

func (b *scriptedBackend) Invoke(ctx context.Context, p string, _ agent.Options) (*agent.Result, error) {
	i := len(b.prompts)
	b.prompts = append(b.prompts, p)
	if len(b.steps) == 0 {
		return &agent.Result{}, nil
	}
	if i >= len(b.steps) {
		i = len(b.steps) - 1
	}
	s := b.steps[i]
	for name, content := range s.files {
		path := filepath.Join(b.dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}
	if s.err != nil {
		return &agent.Result{Stdout: s.output, ExitCode: 1}, s.err
	}
	return &agent.Result{Stdout: s.output}, nil
}

type scriptedReviewer struct {
	verdicts []models.ReviewVerdict
	calls    int
}

func (r *scriptedReviewer) Review(context.Context, *models.Story) (*review.Result, error) {
	v := r.verdicts[min(r.calls, len(r.verdicts)-1)]
	r.calls++
	return &review.Result{Verdict: v, Parsed: true}, nil
}

type flagToken struct{ stop bool }

func (f *flagToken) StopRequested() (bool, string) { return f.stop, "pause requested" }

type harness struct {
	t        *testing.T
	repo     *testutil.GitRepo
	layout   state.Layout
	store    *backlog.Store
	progress *progress.Log
	ws       git.Workspace
	db       *state.DB
	backend  *scriptedBackend
}

func backlogJSON(ids ...string) string {
	var stories []string
	for _, id := range ids {
		stories = append(stories, fmt.Sprintf(
			`{"id": %q, "title": "Story %s", "acceptanceCriteria": ["it works"], "passes": false}`, id, id))
	}
	return `{"projectName": "demo", "userStories": [` + strings.Join(stories, ",") + `]}` + "\n"
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	repo := testutil.NewGitRepo(t)
	layout := state.NewLayout(repo.Dir)
	require.NoError(t, layout.Ensure())
	repo.CommitFile("prd.json", backlogJSON(ids...), "add backlog")

	store, err := backlog.Open(filepath.Join(repo.Dir, "prd.json"))
	require.NoError(t, err)
	plog, err := progress.Open(layout.ProgressLog())
	require.NoError(t, err)
	db, err := state.OpenProject(layout)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := git.NewManager(git.ManagerConfig{
		RepoPath: repo.Dir,
		Runner:   git.NewRunner(repo.Dir).WithEnv(testutil.Env()...),
	})
	require.NoError(t, m.Preflight(context.Background(), false))

	return &harness{
		t:        t,
		repo:     repo,
		layout:   layout,
		store:    store,
		progress: plog,
		ws:       m,
		db:       db,
		backend:  &scriptedBackend{dir: repo.Dir},
	}
}

func (h *harness) controller(opts ...Option) *Controller {
	base := []Option{
		WithLogger(log.New(io.Discard, "", 0)),
		WithHistory(h.db),
		withSleep(func(context.Context, time.Duration) error { return nil }),
	}
	return NewController(Required{
		Backlog:   h.store,
		Workspace: h.ws,
		Prompts:   prompt.NewBuilder(h.repo.Dir),
		Backend:   h.backend,
		Progress:  h.progress,
	}, append(base, opts...)...)
}

// passedOnDisk re-reads the backlog file from the working tree.
func (h *harness) passedOnDisk(id string) bool {
	h.t.Helper()
	b, err := backlog.Load(h.store.Path())
	require.NoError(h.t, err)
	s := b.Story(id)
	require.NotNil(h.t, s)
	return s.Passed
}

func (h *harness) entries() []models.ProgressEntry {
	h.t.Helper()
	entries, err := h.progress.Entries()
	require.NoError(h.t, err)
	return entries
}

func hasEntry(entries []models.ProgressEntry, kind models.EntryKind, storyID, substr string) bool {
	for _, e := range entries {
		if e.Kind == kind && e.StoryID == storyID && strings.Contains(e.Text, substr) {
			return true
		}
	}
	return false
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.backend.steps = []step{
		done(map[string]string{"a.txt": "a"}),
		{output: "<learning>tests live next to code</learning>\n" + models.CompletionMarker, files: map[string]string{"b.txt": "b"}},
	}

	var states []State
	ctrl := h.controller(WithEvents(Events{OnState: func(_, to State) { states = append(states, to) }}))
	sum, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, 0, sum.ExitCode())
	assert.Equal(t, []string{"A", "B"}, sum.Passed)
	assert.Empty(t, sum.Failed)
	assert.Equal(t, 2, sum.Iterations)

	assert.Equal(t, "main", h.repo.CurrentBranch())
	assert.FileExists(t, filepath.Join(h.repo.Dir, "a.txt"))
	assert.FileExists(t, filepath.Join(h.repo.Dir, "b.txt"))
	assert.False(t, h.repo.BranchExists("ralph/A"))
	assert.True(t, h.passedOnDisk("A"))
	assert.True(t, h.passedOnDisk("B"))
	assert.Empty(t, h.repo.Git("status", "--porcelain"), "base branch is clean")

	subjects := h.repo.Git("log", "--format=%s", "main")
	assert.Contains(t, subjects, "Merge branch 'ralph/A'")
	assert.Contains(t, subjects, "feat(B): Story B")
	assert.Contains(t, subjects, "chore(A): mark story passed")

	assert.Equal(t, []State{
		StateSelecting, StateBranchSetup, StatePrompting, StateExecuting, StateParsing, StateMerging, StateRecording, StateIdle,
		StateSelecting, StateBranchSetup, StatePrompting, StateExecuting, StateParsing, StateMerging, StateRecording, StateIdle,
		StateSelecting, StateDone,
	}, states)

	entries := h.entries()
	assert.True(t, hasEntry(entries, models.EntryDecision, "A", "passed after 1 attempt"))
	assert.True(t, hasEntry(entries, models.EntryLearning, "B", "tests live next to code"))

	// The story prompt carries the story and the backlog status.
	require.Len(t, h.backend.prompts, 2)
	assert.Contains(t, h.backend.prompts[0], "Story A")
	assert.Contains(t, h.backend.prompts[1], "1/2")

	session, err := h.db.GetSession(sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionDone, session.Status)
	its, err := h.db.Iterations(sum.SessionID)
	require.NoError(t, err)
	require.Len(t, its, 2)
	assert.Equal(t, models.CompletionComplete, its[0].Completion)
}

func TestRunRetriesUntilMarker(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{
		notDone(),
		{err: &agent.UnknownAgentError{Backend: "scripted", ExitCode: 2}},
		done(map[string]string{"a.txt": "a"}),
	}

	sum, err := h.controller(WithMaxAttempts(3)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Passed)
	assert.Equal(t, 3, sum.Iterations)

	entries := h.entries()
	assert.True(t, hasEntry(entries, models.EntryError, "A", "attempt 1/3 failed: no completion marker"))
	assert.True(t, hasEntry(entries, models.EntryError, "A", "attempt 2/3 failed: agent exited with code 2"))
	assert.True(t, hasEntry(entries, models.EntryDecision, "A", "passed after 3 attempt(s)"))

	// The retry prompt includes the progress digest with the failure.
	assert.Contains(t, h.backend.prompts[1], "no completion marker")

	its, err := h.db.Iterations(sum.SessionID)
	require.NoError(t, err)
	require.Len(t, its, 3)
	assert.Equal(t, models.CompletionIncomplete, its[0].Completion)
	assert.Equal(t, models.CompletionFailed, its[1].Completion)
	assert.Equal(t, 2, its[1].ExitCode)
	assert.Equal(t, 3, its[2].Attempt)
}

func TestRunTimeoutIsAFailedAttempt(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{
		{err: &agent.AgentTimeoutError{Backend: "scripted", Timeout: time.Minute}},
		{err: &agent.AgentTimeoutError{Backend: "scripted", Timeout: time.Minute}},
	}

	sum, err := h.controller(WithMaxAttempts(2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.Equal(t, 2, sum.Iterations)
	assert.False(t, h.passedOnDisk("A"))
	assert.True(t, hasEntry(h.entries(), models.EntryError, "A", "attempt 1/2 failed: agent timed out after 1m0s"))
}

func TestRunFailureKeepsAgentOutputTail(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{
		{err: &agent.UnknownAgentError{Backend: "scripted", ExitCode: 3, StderrTail: []string{"FATAL: token expired"}}},
	}

	var outcomes []StoryOutcome
	sum, err := h.controller(
		WithMaxAttempts(1),
		WithEvents(Events{OnStoryEnd: func(o StoryOutcome) { outcomes = append(outcomes, o) }}),
	).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Failed)

	entries := h.entries()
	assert.True(t, hasEntry(entries, models.EntryError, "A", "attempt 1/1 failed: agent exited with code 3"))
	assert.True(t, hasEntry(entries, models.EntryError, "A", "FATAL: token expired"))
	assert.True(t, hasEntry(entries, models.EntryError, "A", "story failed: story A: 1 attempts exhausted"))

	require.Len(t, outcomes, 1)
	require.Error(t, outcomes[0].Err)
	assert.Contains(t, outcomes[0].Err.Error(), "FATAL: token expired")

	var maxErr *MaxAttemptsExceededError
	require.ErrorAs(t, outcomes[0].Err, &maxErr)
	assert.Contains(t, maxErr.Last, "stderr tail:")
}

func TestRunMaxAttemptsDiscardsAndContinues(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.backend.steps = []step{
		{output: "nope", files: map[string]string{"junk.txt": "x"}},
		{output: "nope again"},
		done(map[string]string{"b.txt": "b"}),
	}

	var outcomes []StoryOutcome
	sum, err := h.controller(
		WithMaxAttempts(2),
		WithEvents(Events{OnStoryEnd: func(o StoryOutcome) { outcomes = append(outcomes, o) }}),
	).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateDone, sum.State)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.Equal(t, []string{"B"}, sum.Passed)

	require.Len(t, outcomes, 2)
	assert.False(t, outcomes[0].Passed)
	var maxErr *MaxAttemptsExceededError
	require.True(t, errors.As(outcomes[0].Err, &maxErr))
	assert.Equal(t, 2, maxErr.Attempts)
	var storyErr *StoryError
	require.True(t, errors.As(outcomes[0].Err, &storyErr))
	assert.Equal(t, "A", storyErr.StoryID)

	assert.False(t, h.repo.BranchExists("ralph/A"), "discarded")
	assert.NoFileExists(t, filepath.Join(h.repo.Dir, "junk.txt"))
	assert.False(t, h.passedOnDisk("A"))
	assert.True(t, h.passedOnDisk("B"))
	assert.True(t, hasEntry(h.entries(), models.EntryError, "A", "story failed"))

	results, err := h.db.StoryResults(sum.SessionID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, state.OutcomeFailed, results[0].Outcome)
}

func TestRunKeepPolicyAbortsOnFailure(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.backend.steps = []step{{output: "partial", files: map[string]string{"half.txt": "half"}}}

	sum, err := h.controller(
		WithMaxAttempts(1),
		WithRecovery(RecoveryPolicy{Branch: BranchKeep, OnFailure: FailureAbort}),
	).Run(context.Background())
	require.Error(t, err)

	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, 1, sum.ExitCode())
	assert.True(t, errors.Is(err, ErrStoryFailed))
	var maxErr *MaxAttemptsExceededError
	assert.True(t, errors.As(err, &maxErr))
	assert.Len(t, h.backend.prompts, 1, "story B never starts")

	assert.Equal(t, "main", h.repo.CurrentBranch())
	assert.True(t, h.repo.BranchExists("ralph/A"), "kept for inspection")
	assert.Equal(t, "half", h.repo.Git("show", "ralph/A:half.txt"))

	session, err := h.db.GetSession(sum.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionAborted, session.Status)
}

func TestRunReviewRejectThenApprove(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{
		done(map[string]string{"a.txt": "v1"}),
		done(map[string]string{"a.txt": "v2"}),
	}
	reviewer := &scriptedReviewer{verdicts: []models.ReviewVerdict{
		{Decision: models.VerdictReject, Rationale: "missing tests"},
		{Decision: models.VerdictApprove},
	}}

	sum, err := h.controller(WithReviewer(reviewer)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Passed)
	assert.Equal(t, 2, reviewer.calls)
	assert.True(t, hasEntry(h.entries(), models.EntryDecision, "A", "review rejected: missing tests"))
	assert.Contains(t, h.backend.prompts[1], "missing tests", "rationale reaches the next prompt")

	data, err := os.ReadFile(filepath.Join(h.repo.Dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestRunReviewRejectionsShareAttemptBudget(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{done(map[string]string{"a.txt": "a"})}
	reviewer := &scriptedReviewer{verdicts: []models.ReviewVerdict{{Decision: models.VerdictReject, Rationale: "no"}}}

	sum, err := h.controller(WithReviewer(reviewer), WithMaxAttempts(2)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.Equal(t, 2, reviewer.calls)
	assert.False(t, h.passedOnDisk("A"))
}

func TestRunStopBeforeStart(t *testing.T) {
	h := newHarness(t, "A")
	sum, err := h.controller(WithStopToken(&flagToken{stop: true})).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, StateAborted, sum.State)
	assert.Equal(t, "pause requested", sum.Reason)
	assert.Empty(t, h.backend.prompts)
}

func TestRunStopBetweenAttemptsParksBranch(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{{output: "wip", files: map[string]string{"wip.txt": "w"}}}
	token := &flagToken{}

	sum, err := h.controller(
		WithStopToken(token),
		WithEvents(Events{OnIterationEnd: func(models.Iteration) { token.stop = true }}),
	).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, 1, sum.Iterations)
	assert.Empty(t, sum.Failed, "a stop is not a failure")

	assert.Equal(t, "main", h.repo.CurrentBranch())
	assert.True(t, h.repo.BranchExists("ralph/A"))
	assert.Equal(t, "w", h.repo.Git("show", "ralph/A:wip.txt"))

	// A later run resumes on the parked branch.
	h.backend.steps = []step{done(nil)}
	h.backend.prompts = nil
	sum, err = h.controller().Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Passed)
	assert.FileExists(t, filepath.Join(h.repo.Dir, "wip.txt"))
}

func TestRunIterationBudget(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.backend.steps = []step{done(nil)}

	sum, err := h.controller(WithMaxIterations(1)).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIterationBudget))
	assert.Equal(t, []string{"A"}, sum.Passed)
	assert.Equal(t, 1, sum.Iterations)
}

func TestRunIterationBudgetExactFitIsDone(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{done(nil)}

	sum, err := h.controller(WithMaxIterations(1)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateDone, sum.State)
}

func TestRunBacklogCorruptedMidRun(t *testing.T) {
	h := newHarness(t, "A", "B")
	h.backend.steps = []step{done(nil)}

	sum, err := h.controller(WithEvents(Events{OnStoryEnd: func(StoryOutcome) {
		require.NoError(t, os.WriteFile(h.store.Path(), []byte("{not json"), 0o644))
	}})).Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBacklogCorrupted))
	assert.True(t, errors.Is(err, backlog.ErrInvalidBacklog))
	assert.Equal(t, []string{"A"}, sum.Passed)
}

func TestRunSpawnErrorIsFatalForStory(t *testing.T) {
	h := newHarness(t, "A")
	h.backend.steps = []step{{err: &agent.SpawnError{Backend: "scripted", Err: errors.New("not found")}}}

	sum, err := h.controller(WithMaxAttempts(5)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.Len(t, h.backend.prompts, 1, "no retries after a spawn failure")
}

// conflictingWorkspace diverges the base branch right before merging.
type conflictingWorkspace struct {
	*git.Manager
	repo *testutil.GitRepo
}

func (w conflictingWorkspace) MergeToBase(ctx context.Context, branch string) error {
	w.repo.Git("checkout", "main")
	w.repo.CommitFile("README.md", "base edit\n", "concurrent change")
	w.repo.Git("checkout", branch)
	return w.Manager.MergeToBase(ctx, branch)
}

func TestRunMergeConflictRevertsPassFlag(t *testing.T) {
	h := newHarness(t, "A")
	h.ws = conflictingWorkspace{Manager: h.ws.(*git.Manager), repo: h.repo}
	h.backend.steps = []step{done(map[string]string{"README.md": "story edit\n"})}

	var outcome StoryOutcome
	sum, err := h.controller(WithEvents(Events{OnStoryEnd: func(o StoryOutcome) { outcome = o }})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Failed)
	assert.True(t, errors.Is(outcome.Err, git.ErrMergeConflict))

	assert.False(t, h.store.Passed("A"))
	assert.False(t, h.passedOnDisk("A"))
	assert.Equal(t, "main", h.repo.CurrentBranch())
	assert.Empty(t, h.repo.Git("status", "--porcelain"))
}

func TestRunWithoutGit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prd.json")
	require.NoError(t, os.WriteFile(path, []byte(backlogJSON("A")), 0o644))
	store, err := backlog.Open(path)
	require.NoError(t, err)
	plog, err := progress.Open(filepath.Join(dir, ".ralph", "progress.log"))
	require.NoError(t, err)
	backend := &scriptedBackend{dir: dir, steps: []step{done(nil)}}

	ctrl := NewController(Required{
		Backlog:   store,
		Workspace: git.Disabled{},
		Prompts:   prompt.NewBuilder(dir),
		Backend:   backend,
		Progress:  plog,
	}, WithLogger(log.New(io.Discard, "", 0)))
	sum, err := ctrl.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, sum.Passed)
	assert.Empty(t, sum.SessionID)

	b, err := backlog.Load(path)
	require.NoError(t, err)
	assert.True(t, b.Story("A").Passed)
}

func TestRunSelectionOrder(t *testing.T) {
	h := newHarness(t, "A", "B", "C")
	h.backend.steps = []step{done(nil)}

	sum, err := h.controller(WithSelection([]string{"C", "A"})).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, sum.Passed)
	assert.False(t, h.passedOnDisk("B"))
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, "A")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := h.controller().Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateAborted, sum.State)
}
