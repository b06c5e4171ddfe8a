package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/config"
	"github.com/ShayCichocki/ralph/internal/orchestrator"
	"github.com/ShayCichocki/ralph/internal/picker"
	"github.com/ShayCichocki/ralph/internal/progress"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/internal/state"
)

// runFlags are shared by run and resume.
type runFlags struct {
	backend       string
	model         string
	maxIterations int
	maxAttempts   int
	timeout       time.Duration
	review        bool
	noGit         bool
	allowDirty    bool
	baseBranch    string
	backlogPath   string
	stories       []string
	pick          bool
	keepFailed    bool
	stopOnFailure bool
	metricsAddr   string
	verbose       bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Work through the backlog",
	Long: `Run the story loop until every selected story passes or the loop stops.

For each unpassed story ralph creates a branch, prompts the agent until it
prints the completion marker (up to --max-attempts times), optionally asks
a reviewer agent for a verdict, marks the story as passed and merges the
branch back into the base branch.

The loop stops early when 'ralph pause' or 'ralph stop' is used from
another terminal, on the first Ctrl+C (after the current attempt), or when
the iteration budget runs out. A second Ctrl+C kills the agent at once.

Examples:
  ralph run                          # every unpassed story, in backlog order
  ralph run --stories US-3,US-1      # just these, in this order
  ralph run --pick                   # choose interactively
  ralph run --backend cursor --model gpt-5
  ralph run --review --max-attempts 5
  ralph run --no-git                 # edit the working tree in place`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd, &runOpts, false)
	},
}

func init() {
	addRunFlags(runCmd, &runOpts)
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	fl := cmd.Flags()
	fl.StringVar(&f.backend, "backend", "", "Agent backend: "+joinNames(agent.Names()))
	fl.StringVar(&f.model, "model", "", "Model passed to the agent")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "Agent invocations allowed in this run (0 = unlimited)")
	fl.IntVar(&f.maxAttempts, "max-attempts", 0, "Attempts per story before it is given up")
	fl.DurationVar(&f.timeout, "timeout", 0, "Time limit for one agent invocation")
	fl.BoolVar(&f.review, "review", false, "Ask a reviewer agent to approve each story before merging")
	fl.BoolVar(&f.noGit, "no-git", false, "Do not create branches or commit")
	fl.BoolVar(&f.allowDirty, "allow-dirty", false, "Run on a dirty working tree with git management disabled")
	fl.StringVar(&f.baseBranch, "base-branch", "", "Branch stories merge into (default: current branch)")
	fl.StringVar(&f.backlogPath, "backlog", "", "Backlog file (default: discovered in the project)")
	fl.StringSliceVar(&f.stories, "stories", nil, "Comma-separated story ids to work on, in order")
	fl.BoolVar(&f.pick, "pick", false, "Choose stories interactively")
	fl.BoolVar(&f.keepFailed, "keep-failed", false, "Keep the branches of failed stories instead of discarding them")
	fl.BoolVar(&f.stopOnFailure, "stop-on-failure", false, "Abort the run when a story fails")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	fl.BoolVarP(&f.verbose, "verbose", "v", false, "Stream agent output and log details to stderr")
}

// applyFlags layers explicitly set flags over the loaded configuration.
func applyFlags(cmd *cobra.Command, f *runFlags, cfg *config.Config) error {
	changed := cmd.Flags().Changed
	if changed("backend") {
		cfg.Agent.Backend = f.backend
	}
	if changed("model") {
		cfg.Agent.Model = f.model
	}
	if changed("max-iterations") {
		cfg.Loop.MaxIterations = f.maxIterations
	}
	if changed("max-attempts") {
		cfg.Loop.MaxAttempts = f.maxAttempts
	}
	if changed("timeout") {
		cfg.Agent.Timeout = f.timeout
	}
	if changed("review") {
		cfg.Review.Enabled = f.review
	}
	if f.noGit {
		cfg.Git.Enabled = false
	}
	if changed("base-branch") {
		cfg.Git.BaseBranch = f.baseBranch
	}
	if changed("backlog") {
		cfg.Backlog.Path = f.backlogPath
	}
	if f.keepFailed {
		cfg.Recovery.Branch = string(orchestrator.BranchKeep)
	}
	if f.stopOnFailure {
		cfg.Recovery.OnFailure = string(orchestrator.FailureAbort)
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = f.metricsAddr
	}
	return cfg.Validate()
}

func runLoop(cmd *cobra.Command, f *runFlags, resume bool) error {
	dir, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, f, cfg); err != nil {
		return err
	}

	layout := state.NewLayout(dir)
	if err := layout.Ensure(); err != nil {
		return err
	}
	if err := prepareSignals(layout.SignalsDir(), resume); err != nil {
		return err
	}

	logger, closeLog, err := openLogger(layout, f.verbose)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := openBacklog(dir, cfg.Backlog.Path)
	if err != nil {
		return err
	}
	cfg.Git.BaseBranch = baseBranch(cfg, store.Backlog())
	selection, err := chooseStories(store, f)
	if err != nil {
		return err
	}
	candidates := backlog.Candidates(store.Backlog(), selection)
	if len(candidates) == 0 {
		printStatus("✓", "Nothing to do: "+store.Status().String(), color.FgGreen)
		return nil
	}

	builder := prompt.NewBuilder(dir)
	if err := builder.Validate(candidates); err != nil {
		return err
	}

	agentCfg := agentConfig(cfg)
	backend, err := agent.New(cfg.Agent.Backend, agentCfg)
	if err != nil {
		return err
	}
	if err := checkBackend(cfg, backend); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ws, err := setupWorkspace(ctx, cfg, f.allowDirty, dir, logger)
	if err != nil {
		return err
	}

	plog, err := progress.Open(layout.ProgressLog())
	if err != nil {
		return err
	}

	policy, err := orchestrator.ParseRecovery(cfg.Recovery.Branch, cfg.Recovery.OnFailure)
	if err != nil {
		return err
	}

	watcher, err := signals.NewWatcher(layout.SignalsDir())
	if err != nil {
		return err
	}
	defer watcher.Close()

	opts := []orchestrator.Option{
		orchestrator.WithSelection(selection),
		orchestrator.WithMaxIterations(cfg.Loop.MaxIterations),
		orchestrator.WithMaxAttempts(cfg.Loop.MaxAttempts),
		orchestrator.WithIterationDelay(cfg.Loop.IterationDelay),
		orchestrator.WithDigestTokens(cfg.Progress.DigestTokens),
		orchestrator.WithAgentOptions(agentOptions(cfg, dir)),
		orchestrator.WithRecovery(policy),
		orchestrator.WithStopToken(watcher),
		orchestrator.WithLogger(logger),
		orchestrator.WithEvents(newConsole(f.verbose).events()),
	}

	if db := openHistory(layout, logger); db != nil {
		defer db.Close()
		opts = append(opts, orchestrator.WithHistory(db))
	}

	rec, err := startMetrics(ctx, cfg.Metrics.Addr, logger)
	if err != nil {
		return err
	}
	opts = append(opts, orchestrator.WithMetrics(rec))

	if cfg.Review.Enabled {
		if !ws.Enabled() {
			printStatus("⚠", "Review needs git management; stories will merge unreviewed", color.FgYellow)
		} else {
			gate, err := newReviewGate(cfg, agentCfg, builder, ws, dir, logger)
			if err != nil {
				return err
			}
			opts = append(opts, orchestrator.WithReviewer(gate))
		}
	}

	stopSignals := handleInterrupts(ctx, cancel, watcher)
	defer stopSignals()

	printStatus("▶", fmt.Sprintf("%d stor%s to go, %s", len(candidates), plural(len(candidates), "y", "ies"), store.Status()), color.FgCyan)

	ctrl := orchestrator.NewController(orchestrator.Required{
		Backlog:   store,
		Workspace: ws,
		Prompts:   builder,
		Backend:   backend,
		Progress:  plog,
	}, opts...)

	sum, runErr := ctrl.Run(ctx)
	printSummary(sum, store.Status())
	if runErr != nil && !errors.Is(runErr, orchestrator.ErrStopped) {
		logger.Printf("[run] %v", runErr)
	}
	if code := sum.ExitCode(); code != 0 {
		return &exitError{code: code}
	}
	return nil
}

// prepareSignals refuses to start while a pause is pending unless
// resuming, and drops stop requests left from an earlier run.
func prepareSignals(dir string, resume bool) error {
	if resume {
		if err := signals.Clear(dir); err != nil {
			return err
		}
		printStatus("✓", "Cleared pause and stop signals", color.FgGreen)
		return nil
	}
	if signals.Paused(dir) {
		return errors.New("the loop is paused; use 'ralph resume' to continue")
	}
	return signals.Clear(dir)
}

// chooseStories applies --stories and --pick.
func chooseStories(store *backlog.Store, f *runFlags) ([]string, error) {
	selection := f.stories
	if len(selection) > 0 {
		if err := backlog.ValidateSelection(store.Backlog(), selection); err != nil {
			return nil, err
		}
	}
	if !f.pick {
		return selection, nil
	}
	if !isTerminal() {
		return nil, errors.New("--pick needs an interactive terminal")
	}
	ids, err := picker.Run(backlog.Candidates(store.Backlog(), selection), os.Stdin, os.Stdout)
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// handleInterrupts turns the first Ctrl+C into a stop request and the
// second into cancellation. The returned func stops listening.
func handleInterrupts(ctx context.Context, cancel context.CancelFunc, watcher *signals.Watcher) func() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		n := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				n++
				if n == 1 {
					fmt.Fprintln(os.Stderr, color.YellowString("\nStopping after the current attempt (Ctrl+C again to abort now)"))
					watcher.Request("interrupted by operator")
					continue
				}
				fmt.Fprintln(os.Stderr, color.RedString("\nAborting"))
				cancel()
				return
			}
		}
	}()
	return func() { signal.Stop(sigCh) }
}
