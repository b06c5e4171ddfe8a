package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/git"
	"github.com/ShayCichocki/ralph/internal/metrics"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/internal/review"
	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/pkg/models"
)

// Backlog is the story store the controller reads and updates.
type Backlog interface {
	Path() string
	Backlog() *models.Backlog
	Status() models.BacklogStatus
	Verify() error
	Reload() error
	Passed(id string) bool
	MarkPassed(id string) error
	SetPassed(id string, passed bool) error
}

// Prompts renders iteration prompts.
type Prompts interface {
	Build(story *models.Story, status models.BacklogStatus, digest string) (string, prompt.Template, error)
}

// Progress is the append-only progress log.
type Progress interface {
	Record(storyID string, iteration int, kind models.EntryKind, text string) error
	Summarize(storyID string, limit int) (string, error)
	RecordFromOutput(storyID string, iteration int, output string) (int, error)
}

// Reviewer judges a finished story before it merges.
type Reviewer interface {
	Review(ctx context.Context, story *models.Story) (*review.Result, error)
}

// Required contains the collaborators a Controller cannot run without.
type Required struct {
	Backlog   Backlog
	Workspace git.Workspace
	Prompts   Prompts
	Backend   agent.Backend
	Progress  Progress
}

// Defaults for the loop budgets.
const (
	DefaultMaxAttempts   = 3
	DefaultMaxIterations = 50
	DefaultDigestTokens  = 2000
)

// Option configures a Controller. Use With* functions to create Options.
type Option func(*controllerOptions)

type controllerOptions struct {
	sessionID      string
	selection      []string
	maxIterations  int
	maxAttempts    int
	iterationDelay time.Duration
	digestTokens   int
	agentOpts      agent.Options
	recovery       RecoveryPolicy

	reviewer Reviewer
	history  state.Recorder
	metrics  metrics.Recorder
	stop     signals.Token
	logger   *log.Logger
	events   Events

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func defaultOptions() controllerOptions {
	return controllerOptions{
		maxIterations: DefaultMaxIterations,
		maxAttempts:   DefaultMaxAttempts,
		digestTokens:  DefaultDigestTokens,
		recovery:      DefaultRecovery,
		metrics:       metrics.Noop{},
		stop:          signals.Never{},
		logger:        log.Default(),
		now:           time.Now,
		sleep:         sleepCtx,
	}
}

// WithSessionID fixes the session id. Without a history recorder and
// without this option the session id is empty.
func WithSessionID(id string) Option {
	return func(o *controllerOptions) { o.sessionID = id }
}

// WithSelection restricts and orders the stories to work on.
func WithSelection(ids []string) Option {
	return func(o *controllerOptions) { o.selection = append([]string(nil), ids...) }
}

// WithMaxIterations caps agent invocations for the session. Zero or less
// means unlimited.
func WithMaxIterations(n int) Option {
	return func(o *controllerOptions) { o.maxIterations = n }
}

// WithMaxAttempts sets the per-story attempt budget. Values below one are
// treated as one.
func WithMaxAttempts(n int) Option {
	return func(o *controllerOptions) {
		if n < 1 {
			n = 1
		}
		o.maxAttempts = n
	}
}

// WithIterationDelay pauses between attempts on the same story.
func WithIterationDelay(d time.Duration) Option {
	return func(o *controllerOptions) { o.iterationDelay = d }
}

// WithDigestTokens bounds the progress digest put into prompts.
func WithDigestTokens(n int) Option {
	return func(o *controllerOptions) { o.digestTokens = n }
}

// WithAgentOptions sets the options passed to every agent invocation.
func WithAgentOptions(opts agent.Options) Option {
	return func(o *controllerOptions) { o.agentOpts = opts }
}

// WithRecovery sets the recovery policy.
func WithRecovery(p RecoveryPolicy) Option {
	return func(o *controllerOptions) { o.recovery = p }
}

// WithReviewer enables the review gate.
func WithReviewer(r Reviewer) Option {
	return func(o *controllerOptions) { o.reviewer = r }
}

// WithHistory records sessions and iterations.
func WithHistory(h state.Recorder) Option {
	return func(o *controllerOptions) { o.history = h }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(o *controllerOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithStopToken sets the token polled for operator stop requests.
func WithStopToken(t signals.Token) Option {
	return func(o *controllerOptions) {
		if t != nil {
			o.stop = t
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *controllerOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithEvents installs observer hooks.
func WithEvents(e Events) Option {
	return func(o *controllerOptions) { o.events = e }
}

// withClock and withSleep are for tests.
func withClock(now func() time.Time) Option {
	return func(o *controllerOptions) { o.now = now }
}

func withSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(o *controllerOptions) { o.sleep = sleep }
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
