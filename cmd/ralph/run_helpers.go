package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/config"
	"github.com/ShayCichocki/ralph/internal/git"
	"github.com/ShayCichocki/ralph/internal/metrics"
	"github.com/ShayCichocki/ralph/internal/orchestrator"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/internal/review"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/pkg/models"
)

func isTerminal() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func joinNames(names []string) string { return strings.Join(names, ", ") }

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// openLogger writes the detailed log to .ralph/logs/ralph.log, and also to
// stderr when verbose.
func openLogger(layout state.Layout, verbose bool) (*log.Logger, func(), error) {
	f, err := os.OpenFile(layout.LogFile(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	var w io.Writer = f
	if verbose {
		w = io.MultiWriter(os.Stderr, f)
	}
	return log.New(w, "", log.LstdFlags), func() { f.Close() }, nil
}

func openBacklog(dir, path string) (*backlog.Store, error) {
	if path == "" {
		found, err := backlog.Discover(dir)
		if err != nil {
			return nil, err
		}
		path = found
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return backlog.Open(path)
}

// baseBranch picks the merge target: git.base_branch (or --base-branch),
// then the backlog's own branchName, then whatever is checked out.
func baseBranch(cfg *config.Config, b *models.Backlog) string {
	if cfg.Git.BaseBranch != "" {
		return cfg.Git.BaseBranch
	}
	return b.BaseBranch
}

func agentConfig(cfg *config.Config) agent.Config {
	key, _ := config.GetAPIKey(cfg)
	return agent.Config{
		ClaudeBinary:   cfg.Agent.ClaudeBinary,
		CursorBinaries: cfg.Agent.CursorBinaries,
		API: agent.APIConfig{
			APIKey:     key,
			Model:      cfg.Agent.Model,
			MaxTokens:  cfg.API.MaxTokens,
			UseBedrock: cfg.API.Bedrock,
			AWSRegion:  cfg.API.AWSRegion,
			AWSProfile: cfg.API.AWSProfile,
		},
	}
}

func agentOptions(cfg *config.Config, dir string) agent.Options {
	return agent.Options{
		Timeout:      cfg.Agent.Timeout,
		AllowNetwork: cfg.Agent.AllowNetwork,
		AllowedTools: cfg.Agent.AllowedTools,
		Model:        cfg.Agent.Model,
		WorkDir:      dir,
		TailLines:    cfg.Agent.TailLines,
	}
}

// inspectBackend reports whether b can run. The api backend's key is also
// checked for shape so a mangled key fails before the first request.
func inspectBackend(cfg *config.Config, b agent.Backend) (string, error) {
	found, err := b.Available()
	if err != nil {
		return "", err
	}
	if b.Name() == "api" && !cfg.API.Bedrock {
		if err := config.CheckAPIKey(config.ResolveAPIKey(cfg).Value); err != nil {
			return "", err
		}
	}
	return found, nil
}

func checkBackend(cfg *config.Config, b agent.Backend) error {
	version, err := inspectBackend(cfg, b)
	if err != nil {
		printStatus("✗", fmt.Sprintf("Agent %s unavailable", b.Name()), color.FgRed)
		return err
	}
	printStatus("✓", fmt.Sprintf("Agent %s (%s)", b.Name(), version), color.FgGreen)
	return nil
}

// setupWorkspace prepares git management. A dirty working tree disables
// it after confirmation, or right away with --allow-dirty, so that
// discarding a failed story never touches uncommitted work.
func setupWorkspace(ctx context.Context, cfg *config.Config, allowDirty bool, dir string, logger *log.Logger) (git.Workspace, error) {
	if !cfg.Git.Enabled {
		printStatus("⚠", "Git management disabled: changes stay in the working tree", color.FgYellow)
		return git.Disabled{}, nil
	}

	m := git.NewManager(git.ManagerConfig{
		RepoPath:     dir,
		BaseBranch:   cfg.Git.BaseBranch,
		BranchPrefix: cfg.Git.BranchPrefix,
		Logger:       logger,
	})
	err := m.Preflight(ctx, false)
	var dirty *git.DirtyWorkingTreeError
	if errors.As(err, &dirty) {
		if allowDirty || confirmWithoutGit(dirty) {
			printStatus("⚠", "Working tree is dirty: continuing with git management disabled", color.FgYellow)
			return git.Disabled{}, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	printStatus("✓", "Stories merge into "+m.BaseBranch(), color.FgGreen)
	return m, nil
}

func confirmWithoutGit(dirty *git.DirtyWorkingTreeError) bool {
	if !isTerminal() {
		return false
	}
	fmt.Fprintln(os.Stderr, color.YellowString(dirty.Error()))
	ok := false
	q := &survey.Confirm{
		Message: "Continue without branches or commits?",
		Default: false,
	}
	if err := survey.AskOne(q, &ok); err != nil {
		return false
	}
	return ok
}

// openHistory opens the run history. The loop runs without it if the
// database cannot be opened.
func openHistory(layout state.Layout, logger *log.Logger) *state.DB {
	db, err := state.OpenProject(layout)
	if err != nil {
		printStatus("⚠", "Run history unavailable: "+err.Error(), color.FgYellow)
		return nil
	}
	prev, err := db.CheckForInterrupted()
	if err != nil {
		logger.Printf("[run] check interrupted sessions: %v", err)
	}
	if prev != nil {
		msg := fmt.Sprintf("Previous run %s stopped without finishing after %d iteration%s",
			shortID(prev.SessionID), prev.Iterations, plural(prev.Iterations, "", "s"))
		if prev.LastStoryID != "" {
			msg += " (last story " + prev.LastStoryID + ")"
		}
		printStatus("⚠", msg, color.FgYellow)
	}
	return db
}

func startMetrics(ctx context.Context, addr string, logger *log.Logger) (metrics.Recorder, error) {
	if addr == "" {
		return metrics.Noop{}, nil
	}
	rec := metrics.NewPrometheusRecorder()
	srv, err := metrics.Listen(addr, rec.Registry(), logger)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := srv.Serve(ctx); err != nil {
			logger.Printf("[metrics] %v", err)
		}
	}()
	printStatus("✓", fmt.Sprintf("Metrics on http://%s/metrics", srv.Addr()), color.FgGreen)
	return rec, nil
}

// newReviewGate builds the reviewer. It reuses the coding backend unless
// review.backend names another one.
func newReviewGate(cfg *config.Config, agentCfg agent.Config, builder *prompt.Builder, differ review.Differ, dir string, logger *log.Logger) (*review.Gate, error) {
	name := cfg.Review.Backend
	if name == "" {
		name = cfg.Agent.Backend
	}
	opts := agentOptions(cfg, dir)
	if name != cfg.Agent.Backend {
		opts.Model = ""
	}
	if cfg.Review.Model != "" {
		opts.Model = cfg.Review.Model
		agentCfg.API.Model = cfg.Review.Model
	}
	backend, err := agent.New(name, agentCfg)
	if err != nil {
		return nil, fmt.Errorf("review backend: %w", err)
	}
	if err := checkBackend(cfg, backend); err != nil {
		return nil, err
	}
	return review.NewGate(backend, builder, differ, opts, logger), nil
}

// console prints loop progress for the operator.
type console struct {
	verbose bool
	started time.Time
}

func newConsole(verbose bool) *console {
	return &console{verbose: verbose}
}

func (c *console) events() orchestrator.Events {
	return orchestrator.Events{
		OnIterationStart: func(s orchestrator.IterationStart) {
			c.started = time.Now()
			fmt.Printf("\n%s %s %s %s\n", color.CyanString("▶"), color.New(color.Bold).Sprint(s.StoryID), s.Title,
				color.HiBlackString("(iteration %d, attempt %d)", s.Index, s.Attempt))
		},
		OnOutput: func(ch agent.Chunk) {
			switch {
			case ch.Action != "":
				fmt.Printf("  %s %s\n", color.HiBlackString("·"), ch.Action)
			case c.verbose && ch.Stream == agent.StreamStdout && ch.Text != "":
				fmt.Print(ch.Text)
				if !strings.HasSuffix(ch.Text, "\n") {
					fmt.Println()
				}
			}
		},
		OnIterationEnd: func(it models.Iteration) {
			elapsed := it.Duration().Round(time.Second)
			switch it.Completion {
			case models.CompletionComplete:
				printStatus("  ✓", fmt.Sprintf("completion marker found (%s)", elapsed), color.FgGreen)
			case models.CompletionIncomplete:
				printStatus("  …", fmt.Sprintf("no completion marker (%s)", elapsed), color.FgYellow)
			default:
				printStatus("  ✗", fmt.Sprintf("agent failed: %s", firstLine(it.Err)), color.FgRed)
				printDetail(restLines(it.Err))
			}
		},
		OnStoryEnd: func(o orchestrator.StoryOutcome) {
			if o.Passed {
				printStatus("✓", fmt.Sprintf("%s passed after %d attempt%s", o.StoryID, o.Attempts, plural(o.Attempts, "", "s")), color.FgGreen)
				return
			}
			detail := fmt.Sprint(o.Err)
			msg := fmt.Sprintf("%s failed: %s", o.StoryID, firstLine(detail))
			if o.Branch != "" {
				msg += " (work kept on " + o.Branch + ")"
			}
			printStatus("✗", msg, color.FgRed)
			printDetail(restLines(detail))
		},
	}
}

func printSummary(sum *orchestrator.Summary, status models.BacklogStatus) {
	fmt.Println()
	switch sum.State {
	case orchestrator.StateDone:
		printStatus("■", "Done: "+status.String(), color.FgGreen)
	default:
		printStatus("■", fmt.Sprintf("Stopped (%s): %s", sum.Reason, status), color.FgYellow)
	}
	if len(sum.Passed) > 0 {
		fmt.Printf("  passed: %s\n", strings.Join(sum.Passed, ", "))
	}
	if len(sum.Failed) > 0 {
		fmt.Printf("  failed: %s\n", strings.Join(sum.Failed, ", "))
	}
	fmt.Printf("  iterations: %d\n", sum.Iterations)
	if sum.SessionID != "" {
		fmt.Printf("  session: %s\n", shortID(sum.SessionID))
	}
}

// printDetail prints the lines following an error summary, such as the
// agent's stderr tail, indented under it.
func printDetail(lines []string) {
	for _, l := range lines {
		fmt.Println("    " + color.HiBlackString(l))
	}
}

func restLines(s string) []string {
	_, rest, ok := strings.Cut(strings.TrimRight(s, "\n"), "\n")
	if !ok {
		return nil
	}
	return strings.Split(rest, "\n")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
