package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/config"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/internal/state"
	"github.com/ShayCichocki/ralph/pkg/models"
)

var (
	initFormat    string
	initTemplates bool
	initConfig    bool
	initForce     bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare a project for ralph",
	Long: `Set up the current project (or --project) for ralph.

This command:
  - Verifies git is installed and the project is a repository
  - Creates the .ralph directory for logs, signals and run history
  - Writes a sample backlog unless one already exists
  - Optionally copies the bundled prompt templates for editing
  - Optionally writes a .ralph.yaml with the default settings

Examples:
  ralph init                     # sample prd.json
  ralph init --format toml       # sample backlog.toml
  ralph init --templates         # also copy prompt templates
  ralph init --config            # also write .ralph.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initFormat, "format", "json", "Sample backlog format: json, toml or markdown")
	initCmd.Flags().BoolVar(&initTemplates, "templates", false, "Copy the bundled prompt templates into the project")
	initCmd.Flags().BoolVar(&initConfig, "config", false, "Write .ralph.yaml with the default settings")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing templates and config")
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject()
	if err != nil {
		return err
	}
	fmt.Printf("Initializing ralph in %s...\n\n", dir)

	if _, err := exec.LookPath("git"); err != nil {
		printStatus("⚠", "git not found: only --no-git runs will work", color.FgYellow)
	} else if out, err := exec.Command("git", "-C", dir, "rev-parse", "--is-inside-work-tree").CombinedOutput(); err != nil {
		printStatus("⚠", "Not a git repository: run 'git init' or use --no-git", color.FgYellow)
	} else if string(out) != "" {
		printStatus("✓", "Git repository found", color.FgGreen)
	}

	layout := state.NewLayout(dir)
	if err := layout.Ensure(); err != nil {
		return err
	}
	printStatus("✓", "Created "+state.DirName+" (ignored by git)", color.FgGreen)

	if err := writeSampleBacklog(dir); err != nil {
		return err
	}

	if initTemplates {
		n, err := copyTemplates(dir, initForce)
		if err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Copied %d prompt template%s", n, plural(n, "", "s")), color.FgGreen)
	}

	if initConfig {
		path := filepath.Join(dir, config.ProjectFile)
		if _, err := os.Stat(path); err == nil && !initForce {
			printStatus("·", config.ProjectFile+" already exists", color.FgWhite)
		} else {
			if err := config.SaveTo(config.Default(), path); err != nil {
				return fmt.Errorf("write %s: %w", config.ProjectFile, err)
			}
			printStatus("✓", "Wrote "+config.ProjectFile, color.FgGreen)
		}
	}

	fmt.Printf("\n%s Ready. Edit the backlog, then run 'ralph run'.\n", color.GreenString("✓"))
	return nil
}

func writeSampleBacklog(dir string) error {
	if existing, err := backlog.Discover(dir); err == nil {
		printStatus("·", "Backlog "+filepath.Base(existing)+" already exists", color.FgWhite)
		return nil
	} else if !errors.Is(err, backlog.ErrNoBacklog) {
		return err
	}

	var name string
	switch models.Format(initFormat) {
	case models.FormatJSON:
		name = "prd.json"
	case models.FormatTOML:
		name = "backlog.toml"
	case models.FormatMarkdown:
		name = "backlog.md"
	default:
		return fmt.Errorf("unknown backlog format %q (want json, toml or markdown)", initFormat)
	}
	path := filepath.Join(dir, name)

	adapter, err := backlog.AdapterFor(path)
	if err != nil {
		return err
	}
	data, err := adapter.Encode(sampleBacklog(filepath.Base(dir)))
	if err != nil {
		return err
	}
	if err := backlog.WriteFileAtomic(path, data); err != nil {
		return err
	}
	printStatus("✓", "Wrote sample backlog "+name, color.FgGreen)
	return nil
}

func sampleBacklog(project string) *models.Backlog {
	return &models.Backlog{
		Project: project,
		Stories: []*models.Story{
			{
				ID:          "US-001",
				Title:       "Add a health check endpoint",
				Type:        models.StoryTypeFeature,
				Description: "As an operator I want a /healthz endpoint so that the load balancer can probe the service.",
				AcceptanceCriteria: []string{
					"GET /healthz returns 200 with body ok",
					"A test covers the endpoint",
				},
			},
			{
				ID:          "US-002",
				Title:       "Document the health check",
				Type:        models.StoryTypeDocs,
				Description: "Mention /healthz in the README.",
				AcceptanceCriteria: []string{
					"README lists the endpoint and its response",
				},
			},
		},
	}
}

// copyTemplates writes the bundled templates into dir, where they take
// precedence over the bundled copies.
func copyTemplates(dir string, force bool) (int, error) {
	bundled := prompt.Bundled()
	names, err := fs.Glob(bundled, "*.md")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil && !force {
			continue
		}
		data, err := fs.ReadFile(bundled, name)
		if err != nil {
			return n, err
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return n, fmt.Errorf("write %s: %w", name, err)
		}
		n++
	}
	return n, nil
}
