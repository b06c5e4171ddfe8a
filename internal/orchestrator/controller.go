package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/pkg/models"
)

// Controller runs the story loop. A Controller is single use: call Run
// once.
type Controller struct {
	req  Required
	opts controllerOptions

	state      State
	sessionID  string
	iterations int
	cur        *storyRun

	failed    map[string]bool
	passedIDs []string
	failedIDs []string

	reason string
	cause  error
}

// storyRun is the working state of the story in flight.
type storyRun struct {
	story    *models.Story
	branch   string
	prompt   string
	template string
	iter     models.Iteration
	err      error
	// failure is why the story is headed for Recovering.
	failure error
}

// Summary describes a finished run.
type Summary struct {
	SessionID  string
	State      State
	Passed     []string
	Failed     []string
	Iterations int
	// Reason is a short explanation when the run aborted.
	Reason string
	Err    error
}

// ExitCode is 0 when every selected story was handled and 1 otherwise.
func (s *Summary) ExitCode() int {
	if s.State == StateDone {
		return 0
	}
	return 1
}

// NewController creates a Controller.
func NewController(req Required, opts ...Option) *Controller {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Controller{
		req:       req,
		opts:      o,
		state:     StateIdle,
		sessionID: o.sessionID,
		failed:    make(map[string]bool),
	}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Run drives the loop until Done or Aborted. The returned error is nil
// when the run ends in Done and carries the cause otherwise.
func (c *Controller) Run(ctx context.Context) (*Summary, error) {
	c.startSession()

	for !c.state.Terminal() {
		next := c.step(ctx)
		if err := c.transition(next); err != nil {
			c.opts.logger.Printf("[loop] %v", err)
			c.reason = "internal error"
			c.cause = err
			c.state = StateAborted
		}
	}

	c.endSession()
	sum := &Summary{
		SessionID:  c.sessionID,
		State:      c.state,
		Passed:     c.passedIDs,
		Failed:     c.failedIDs,
		Iterations: c.iterations,
		Reason:     c.reason,
		Err:        c.cause,
	}
	if c.state == StateAborted {
		if sum.Err == nil {
			sum.Err = errors.New(c.reason)
		}
		return sum, sum.Err
	}
	return sum, nil
}

func (c *Controller) step(ctx context.Context) State {
	switch c.state {
	case StateIdle:
		return c.idle(ctx)
	case StateSelecting:
		return c.selecting()
	case StateBranchSetup:
		return c.branchSetup(ctx)
	case StatePrompting:
		return c.prompting(ctx)
	case StateExecuting:
		return c.executing(ctx)
	case StateParsing:
		return c.parsing(ctx)
	case StateReviewing:
		return c.reviewing(ctx)
	case StateMerging:
		return c.merging(ctx)
	case StateRecording:
		return c.recording()
	case StateRecovering:
		return c.recovering(ctx)
	}
	return c.state
}

func (c *Controller) transition(to State) error {
	if !CanTransition(c.state, to) {
		return &TransitionError{From: c.state, To: to}
	}
	from := c.state
	c.state = to
	c.opts.metrics.SetState(to.String())
	c.opts.events.state(from, to)
	return nil
}

func (c *Controller) abort(reason string, cause error) State {
	c.reason = reason
	c.cause = cause
	c.opts.logger.Printf("[loop] aborting: %s", reason)
	return StateAborted
}

func (c *Controller) idle(ctx context.Context) State {
	if stop, why := c.opts.stop.StopRequested(); stop {
		return c.abort(why, ErrStopped)
	}
	if err := ctx.Err(); err != nil {
		return c.abort("interrupted", fmt.Errorf("%w: %w", ErrStopped, err))
	}
	if err := c.req.Backlog.Verify(); err != nil {
		return c.abort("backlog corrupted", fmt.Errorf("%w: %w", ErrBacklogCorrupted, err))
	}
	c.opts.metrics.SetBacklog(c.req.Backlog.Status())
	if c.budgetExhausted() && c.nextStory() != nil {
		return c.abort(ErrIterationBudget.Error(), ErrIterationBudget)
	}
	return StateSelecting
}

func (c *Controller) selecting() State {
	story := c.nextStory()
	if story == nil {
		c.opts.logger.Printf("[loop] no stories left: %s", c.req.Backlog.Status())
		return StateDone
	}
	story.Attempts = 0
	c.cur = &storyRun{story: story}
	c.opts.logger.Printf("[loop] selected %s: %s", story.ID, story.Title)
	return StateBranchSetup
}

func (c *Controller) nextStory() *models.Story {
	for _, s := range backlog.Candidates(c.req.Backlog.Backlog(), c.opts.selection) {
		if !c.failed[s.ID] {
			return s
		}
	}
	return nil
}

func (c *Controller) budgetExhausted() bool {
	return c.opts.maxIterations > 0 && c.iterations >= c.opts.maxIterations
}

func (c *Controller) branchSetup(ctx context.Context) State {
	run := c.cur
	branch, err := c.req.Workspace.BeginStory(ctx, run.story)
	if err != nil {
		if ctx.Err() != nil {
			return c.abort("interrupted", fmt.Errorf("%w: %w", ErrStopped, ctx.Err()))
		}
		run.failure = fmt.Errorf("set up branch: %w", err)
		return StateRecovering
	}
	run.branch = branch
	return StatePrompting
}

func (c *Controller) prompting(ctx context.Context) State {
	run := c.cur
	story := run.story

	if story.Attempts > 0 {
		if stop, why := c.opts.stop.StopRequested(); stop {
			c.suspend(ctx)
			return c.abort(why, ErrStopped)
		}
		if c.opts.iterationDelay > 0 {
			if err := c.opts.sleep(ctx, c.opts.iterationDelay); err != nil {
				c.suspend(ctx)
				return c.abort("interrupted", fmt.Errorf("%w: %w", ErrStopped, err))
			}
		}
	}
	if c.budgetExhausted() {
		c.suspend(ctx)
		return c.abort(ErrIterationBudget.Error(), ErrIterationBudget)
	}

	digest, err := c.req.Progress.Summarize(story.ID, c.opts.digestTokens)
	if err != nil {
		c.opts.logger.Printf("[loop] progress digest unavailable: %v", err)
		digest = ""
	}
	p, tmpl, err := c.req.Prompts.Build(story, c.req.Backlog.Status(), digest)
	if err != nil {
		run.failure = fmt.Errorf("render prompt: %w", err)
		return StateRecovering
	}
	run.prompt = p
	run.template = tmpl.Candidate.String()
	return StateExecuting
}

func (c *Controller) executing(ctx context.Context) State {
	run := c.cur
	story := run.story
	c.iterations++

	it := models.Iteration{
		SessionID: c.sessionID,
		Index:     c.iterations,
		StoryID:   story.ID,
		Attempt:   story.Attempts + 1,
		Backend:   c.req.Backend.Name(),
		Prompt:    run.prompt,
		StartedAt: c.opts.now(),
	}
	c.opts.logger.Printf("[loop] iteration %d: %s attempt %d/%d via %s (%s)",
		it.Index, story.ID, it.Attempt, c.opts.maxAttempts, it.Backend, run.template)
	c.opts.events.iterationStart(IterationStart{
		Index:    it.Index,
		StoryID:  story.ID,
		Title:    story.Title,
		Attempt:  it.Attempt,
		Template: run.template,
	})

	res, err := agent.Run(ctx, c.req.Backend, run.prompt, c.opts.agentOpts, c.opts.events.output())
	it.EndedAt = c.opts.now()
	if res != nil {
		it.Output = res.Stdout
		it.ExitCode = res.ExitCode
		it.TimedOut = res.TimedOut
	}
	switch {
	case err != nil:
		it.Completion = models.CompletionFailed
		it.Err = err.Error()
		var unknown *agent.UnknownAgentError
		if errors.As(err, &unknown) {
			it.ExitCode = unknown.ExitCode
		}
		if errors.Is(err, agent.ErrAgentTimeout) {
			it.TimedOut = true
		}
	case res.Completed():
		it.Completion = models.CompletionComplete
	default:
		it.Completion = models.CompletionIncomplete
	}

	run.iter = it
	run.err = err
	c.recordIteration(it)

	if err != nil {
		if ctx.Err() != nil {
			c.suspend(ctx)
			return c.abort("interrupted", fmt.Errorf("%w: %w", ErrStopped, ctx.Err()))
		}
		if errors.Is(err, agent.ErrSpawn) {
			run.failure = err
			return StateRecovering
		}
	}
	return StateParsing
}

func (c *Controller) recordIteration(it models.Iteration) {
	if c.opts.history != nil && c.sessionID != "" {
		if err := c.opts.history.RecordIteration(&it); err != nil {
			c.opts.logger.Printf("[loop] record iteration: %v", err)
		}
	}
	c.opts.metrics.ObserveIteration(it.Backend, it.Completion, it.TimedOut, it.Duration())
	c.opts.events.iterationEnd(it)
}

func (c *Controller) parsing(ctx context.Context) State {
	run := c.cur
	story := run.story
	it := run.iter

	if n, err := c.req.Progress.RecordFromOutput(story.ID, it.Index, it.Output); err != nil {
		c.opts.logger.Printf("[loop] record progress notes: %v", err)
	} else if n > 0 {
		c.opts.logger.Printf("[loop] recorded %d progress notes from agent output", n)
	}

	if it.Completion != models.CompletionComplete {
		reason := describeFailure(it, run.err)
		c.record(story.ID, it.Index, models.EntryError,
			fmt.Sprintf("attempt %d/%d failed: %s", story.Attempts+1, c.opts.maxAttempts, reason))
		return c.retry(reason)
	}

	msg := fmt.Sprintf("feat(%s): %s", story.ID, story.Title)
	if _, err := c.req.Workspace.CommitAll(ctx, msg); err != nil {
		run.failure = fmt.Errorf("commit story work: %w", err)
		return StateRecovering
	}
	if c.opts.reviewer != nil {
		return StateReviewing
	}
	return StateMerging
}

// retry counts a failed attempt and either prompts again or gives up.
func (c *Controller) retry(reason string) State {
	story := c.cur.story
	story.Attempts++
	c.opts.logger.Printf("[loop] %s attempt %d/%d failed: %s", story.ID, story.Attempts, c.opts.maxAttempts, reason)
	if story.Attempts >= c.opts.maxAttempts {
		c.cur.failure = &MaxAttemptsExceededError{StoryID: story.ID, Attempts: story.Attempts, Last: reason}
		return StateRecovering
	}
	return StatePrompting
}

// describeFailure summarizes a failed attempt. Agent output tails are kept
// so the reason stays diagnosable from the progress log alone.
func describeFailure(it models.Iteration, err error) string {
	var timeout *agent.AgentTimeoutError
	var unknown *agent.UnknownAgentError
	switch {
	case errors.As(err, &timeout):
		return fmt.Sprintf("agent timed out after %s", timeout.Timeout) + outputTail("stdout", timeout.StdoutTail)
	case errors.As(err, &unknown):
		msg := fmt.Sprintf("agent exited with code %d", unknown.ExitCode)
		if unknown.Signal != "" {
			msg = fmt.Sprintf("agent killed by %s", unknown.Signal)
		}
		return msg + outputTail("stderr", unknown.StderrTail) + outputTail("stdout", unknown.StdoutTail)
	case err != nil:
		return err.Error()
	case strings.TrimSpace(it.Output) == "":
		return "agent produced no output"
	default:
		return "no completion marker in agent output"
	}
}

func outputTail(stream string, lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf("\n%s tail:\n  %s", stream, strings.Join(lines, "\n  "))
}

func (c *Controller) reviewing(ctx context.Context) State {
	run := c.cur
	story := run.story

	res, err := c.opts.reviewer.Review(ctx, story)
	if err != nil {
		if ctx.Err() != nil {
			c.suspend(ctx)
			return c.abort("interrupted", fmt.Errorf("%w: %w", ErrStopped, ctx.Err()))
		}
		if errors.Is(err, agent.ErrSpawn) {
			run.failure = fmt.Errorf("review: %w", err)
			return StateRecovering
		}
		reason := "review failed: " + err.Error()
		c.record(story.ID, run.iter.Index, models.EntryError, reason)
		return c.retry(reason)
	}

	c.opts.metrics.ObserveReview(res.Verdict.Decision)
	if res.Verdict.Approved() {
		c.opts.logger.Printf("[loop] %s approved by review", story.ID)
		return StateMerging
	}

	rationale := strings.TrimSpace(res.Verdict.Rationale)
	if rationale == "" {
		rationale = "(no rationale given)"
	}
	c.record(story.ID, run.iter.Index, models.EntryDecision, "review rejected: "+rationale)
	return c.retry("review rejected")
}

func (c *Controller) merging(ctx context.Context) State {
	run := c.cur
	id := run.story.ID

	if err := c.req.Backlog.MarkPassed(id); err != nil {
		run.failure = fmt.Errorf("mark passed: %w", err)
		return StateRecovering
	}
	if !c.req.Workspace.Enabled() {
		return StateRecording
	}

	if _, err := c.req.Workspace.CommitAll(ctx, fmt.Sprintf("chore(%s): mark story passed", id)); err != nil {
		c.revertPassed(id)
		run.failure = fmt.Errorf("commit backlog update: %w", err)
		return StateRecovering
	}
	if err := c.req.Workspace.MergeToBase(ctx, run.branch); err != nil {
		c.revertPassed(id)
		run.failure = fmt.Errorf("merge %s: %w", run.branch, err)
		return StateRecovering
	}
	return StateRecording
}

// revertPassed undoes MarkPassed after the merge that should have carried
// it failed. The file on disk is re-read first because a failed merge
// leaves the base branch's copy checked out.
func (c *Controller) revertPassed(id string) {
	if err := c.req.Backlog.Reload(); err != nil {
		c.opts.logger.Printf("[loop] reload backlog: %v", err)
	}
	if c.req.Backlog.Passed(id) {
		if err := c.req.Backlog.SetPassed(id, false); err != nil {
			c.opts.logger.Printf("[loop] revert pass flag for %s: %v", id, err)
		}
	}
}

func (c *Controller) recording() State {
	run := c.cur
	story := run.story
	attempts := story.Attempts + 1

	c.record(story.ID, run.iter.Index, models.EntryDecision,
		fmt.Sprintf("story passed after %d attempt(s)", attempts))
	if c.opts.history != nil && c.sessionID != "" {
		err := c.opts.history.RecordStory(&state.StoryResult{
			SessionID: c.sessionID,
			StoryID:   story.ID,
			Outcome:   state.OutcomePassed,
			Attempts:  attempts,
		})
		if err != nil {
			c.opts.logger.Printf("[loop] record story: %v", err)
		}
	}
	c.opts.metrics.ObserveStory(string(state.OutcomePassed), attempts)
	c.opts.metrics.SetBacklog(c.req.Backlog.Status())
	c.opts.events.storyEnd(StoryOutcome{StoryID: story.ID, Passed: true, Attempts: attempts, Branch: run.branch})

	c.opts.logger.Printf("[loop] %s passed: %s", story.ID, c.req.Backlog.Status())
	c.passedIDs = append(c.passedIDs, story.ID)
	c.cur = nil
	return StateIdle
}

func (c *Controller) recovering(ctx context.Context) State {
	run := c.cur
	story := run.story
	serr := &StoryError{StoryID: story.ID, Iteration: run.iter.Index, Err: run.failure}
	c.opts.logger.Printf("[loop] %v", serr)
	c.record(story.ID, run.iter.Index, models.EntryError, "story failed: "+run.failure.Error())

	// Cleanup must finish even when the run is being cancelled.
	cctx := context.WithoutCancel(ctx)
	var recErr error
	keptBranch := ""
	if c.req.Workspace.Enabled() && run.branch != "" {
		switch c.opts.recovery.Branch {
		case BranchKeep:
			recErr = c.req.Workspace.ParkStory(cctx, run.branch, fmt.Sprintf("wip(%s): kept after failure", story.ID))
			keptBranch = run.branch
		default:
			recErr = c.req.Workspace.AbortStory(cctx, run.branch)
		}
	}

	c.failed[story.ID] = true
	c.failedIDs = append(c.failedIDs, story.ID)
	if c.opts.history != nil && c.sessionID != "" {
		err := c.opts.history.RecordStory(&state.StoryResult{
			SessionID: c.sessionID,
			StoryID:   story.ID,
			Outcome:   state.OutcomeFailed,
			Attempts:  story.Attempts,
			Branch:    keptBranch,
			Detail:    run.failure.Error(),
		})
		if err != nil {
			c.opts.logger.Printf("[loop] record story: %v", err)
		}
	}
	c.opts.metrics.ObserveStory(string(state.OutcomeFailed), story.Attempts)
	c.opts.events.storyEnd(StoryOutcome{StoryID: story.ID, Attempts: story.Attempts, Branch: keptBranch, Err: serr})
	c.cur = nil

	if recErr != nil {
		return c.abort("recovery failed", fmt.Errorf("recover story %s: %w", story.ID, recErr))
	}
	if c.opts.recovery.OnFailure == FailureAbort {
		return c.abort(fmt.Sprintf("story %s failed", story.ID), fmt.Errorf("%w: %w", ErrStoryFailed, serr))
	}
	return StateIdle
}

// suspend parks the story in flight so a later run resumes on its branch.
func (c *Controller) suspend(ctx context.Context) {
	run := c.cur
	if run == nil || run.branch == "" || !c.req.Workspace.Enabled() {
		return
	}
	msg := fmt.Sprintf("wip(%s): interrupted after %d attempt(s)", run.story.ID, run.story.Attempts)
	if err := c.req.Workspace.ParkStory(context.WithoutCancel(ctx), run.branch, msg); err != nil {
		c.opts.logger.Printf("[loop] park %s: %v", run.branch, err)
		return
	}
	c.opts.logger.Printf("[loop] left %s for the next run", run.branch)
}

func (c *Controller) record(storyID string, iteration int, kind models.EntryKind, text string) {
	if err := c.req.Progress.Record(storyID, iteration, kind, text); err != nil {
		c.opts.logger.Printf("[loop] progress log: %v", err)
	}
}

func (c *Controller) startSession() {
	if c.opts.history == nil {
		return
	}
	s := state.NewSession(c.req.Backend.Name(), c.req.Workspace.BaseBranch(), c.req.Backlog.Path())
	if c.sessionID != "" {
		s.ID = c.sessionID
	}
	s.StartedAt = c.opts.now()
	if err := c.opts.history.CreateSession(s); err != nil {
		c.opts.logger.Printf("[loop] run history disabled: %v", err)
		c.opts.history = nil
		return
	}
	c.sessionID = s.ID
}

func (c *Controller) endSession() {
	if c.opts.history == nil || c.sessionID == "" {
		return
	}
	status := state.SessionDone
	if c.state == StateAborted {
		status = state.SessionAborted
	}
	if err := c.opts.history.EndSession(c.sessionID, status, c.reason, c.opts.now()); err != nil {
		c.opts.logger.Printf("[loop] close session: %v", err)
	}
}
