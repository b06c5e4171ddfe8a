package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/config"
	"github.com/ShayCichocki/ralph/internal/git"
	"github.com/ShayCichocki/ralph/internal/progress"
	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/pkg/models"
)

var (
	statusSessions int
	statusNotes    int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog progress and recent runs",
	Long: `Display the state of the project:

Shows:
  - Stories and whether they have passed
  - The current git branch and working tree state
  - Pending pause or stop signals
  - Recent runs with their story outcomes
  - The latest progress notes`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusSessions, "sessions", 5, "Number of recent runs to show")
	statusCmd.Flags().IntVar(&statusNotes, "notes", 5, "Number of progress notes to show")
}

type statusStyles struct {
	heading lipgloss.Style
	passed  lipgloss.Style
	pending lipgloss.Style
	failed  lipgloss.Style
	dim     lipgloss.Style
}

func newStatusStyles() statusStyles {
	return statusStyles{
		heading: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).MarginTop(1),
		passed:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		pending: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	st := newStatusStyles()
	layout := state.NewLayout(dir)

	store, err := openBacklog(dir, cfg.Backlog.Path)
	if err != nil {
		return err
	}
	printBacklog(st, store.Backlog())

	fmt.Println(st.heading.Render("Repository"))
	if !cfg.Git.Enabled {
		fmt.Println(st.dim.Render("  git management disabled"))
	} else if gs, err := git.Snapshot(dir, baseBranch(cfg, store.Backlog()), cfg.Git.BranchPrefix); err != nil {
		fmt.Println(st.dim.Render("  " + err.Error()))
	} else {
		tree := st.passed.Render("clean")
		if gs.Dirty {
			tree = st.failed.Render("dirty")
		}
		fmt.Printf("  branch %s, working tree %s\n", gs.CurrentBranch, tree)
	}
	if signals.Paused(layout.SignalsDir()) {
		fmt.Println(st.failed.Render("  paused: run 'ralph resume' to continue"))
	}

	if _, err := os.Stat(layout.DBPath()); err == nil {
		db, err := state.OpenProject(layout)
		if err != nil {
			return fmt.Errorf("open run history: %w", err)
		}
		defer db.Close()
		if err := printSessions(st, db, statusSessions); err != nil {
			return err
		}
	} else {
		fmt.Println(st.heading.Render("Runs"))
		fmt.Println(st.dim.Render("  none yet; start one with 'ralph run'"))
	}

	return printNotes(st, layout, statusNotes)
}

func printBacklog(st statusStyles, b *models.Backlog) {
	status := b.Status()
	fmt.Println(st.heading.Render(fmt.Sprintf("Backlog %s (%d/%d passed)", orDash(b.Project), status.Passed, status.Total)))
	for _, s := range b.Stories {
		mark, style := "·", st.pending
		if s.Passed {
			mark, style = "✓", st.passed
		}
		line := fmt.Sprintf("  %s %-10s %s", mark, s.ID, s.Title)
		if s.Type != "" {
			line += st.dim.Render(" (" + string(s.Type) + ")")
		}
		fmt.Println(style.Render(line))
	}
}

func printSessions(st statusStyles, db *state.DB, limit int) error {
	fmt.Println(st.heading.Render("Runs"))
	sessions, err := db.ListSessions(limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println(st.dim.Render("  none yet; start one with 'ralph run'"))
		return nil
	}
	for i, s := range sessions {
		its, err := db.Iterations(s.ID)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("  %s  %s  %-11s %3d iteration%s  %s",
			shortID(s.ID), s.StartedAt.Local().Format("2006-01-02 15:04"), s.Status,
			len(its), plural(len(its), " ", "s"), s.Backend)
		if s.EndedAt != nil {
			line += st.dim.Render("  " + s.EndedAt.Sub(s.StartedAt).Round(time.Second).String())
		}
		fmt.Println(sessionStyle(st, s.Status).Render(line))
		if s.Reason != "" {
			fmt.Println(st.dim.Render("      " + s.Reason))
		}
		if i > 0 {
			continue
		}
		results, err := db.StoryResults(s.ID)
		if err != nil {
			return err
		}
		for _, r := range results {
			style := st.passed
			if r.Outcome == state.OutcomeFailed {
				style = st.failed
			}
			detail := fmt.Sprintf("      %s %s after %d attempt%s", r.StoryID, r.Outcome, r.Attempts, plural(r.Attempts, "", "s"))
			if r.Branch != "" {
				detail += " (kept on " + r.Branch + ")"
			}
			fmt.Println(style.Render(detail))
		}
	}
	return nil
}

func sessionStyle(st statusStyles, s state.SessionStatus) lipgloss.Style {
	switch s {
	case state.SessionDone:
		return st.passed
	case state.SessionAborted, state.SessionInterrupted:
		return st.failed
	default:
		return st.pending
	}
}

func printNotes(st statusStyles, layout state.Layout, limit int) error {
	if limit <= 0 {
		return nil
	}
	if _, err := os.Stat(layout.ProgressLog()); err != nil {
		return nil
	}
	plog, err := progress.Open(layout.ProgressLog())
	if err != nil {
		return err
	}
	entries, err := plog.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	fmt.Println(st.heading.Render("Latest notes"))
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	for _, e := range entries {
		text := strings.Join(strings.Fields(e.Text), " ")
		if r := []rune(text); len(r) > 100 {
			text = string(r[:97]) + "..."
		}
		fmt.Printf("  %s %s %s\n", st.dim.Render(e.Time.Local().Format("01-02 15:04")), orDash(e.StoryID), noteStyle(st, e.Kind).Render(string(e.Kind)+": "+text))
	}
	return nil
}

func noteStyle(st statusStyles, k models.EntryKind) lipgloss.Style {
	switch k {
	case models.EntryError:
		return st.failed
	case models.EntryLearning:
		return st.passed
	default:
		return st.pending
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
