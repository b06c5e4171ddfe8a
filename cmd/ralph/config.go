package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/config"
)

var configProject bool

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify ralph configuration.

Without arguments, displays the effective configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/ralph/config.yaml.
Use --project-file to write .ralph.yaml in the project instead.
Environment variables (RALPH_LOOP_MAX_ATTEMPTS and so on) override both.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configProject, "project-file", false, "Write to the project's .ralph.yaml")
}

// configKey reads and writes one dotted configuration key.
type configKey struct {
	name string
	get  func(*config.Config) string
	set  func(*config.Config, string) error
}

func stringKey(name string, field func(*config.Config) *string) configKey {
	return configKey{
		name: name,
		get:  func(c *config.Config) string { return *field(c) },
		set:  func(c *config.Config, v string) error { *field(c) = v; return nil },
	}
}

func intKey(name string, field func(*config.Config) *int) configKey {
	return configKey{
		name: name,
		get:  func(c *config.Config) string { return strconv.Itoa(*field(c)) },
		set: func(c *config.Config, v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = n
			return nil
		},
	}
}

func boolKey(name string, field func(*config.Config) *bool) configKey {
	return configKey{
		name: name,
		get:  func(c *config.Config) string { return strconv.FormatBool(*field(c)) },
		set: func(c *config.Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for %s: %w", name, err)
			}
			*field(c) = b
			return nil
		},
	}
}

func durationKey(name string, field func(*config.Config) *time.Duration) configKey {
	return configKey{
		name: name,
		get:  func(c *config.Config) string { return field(c).String() },
		set: func(c *config.Config, v string) error {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid duration for %s: %w", name, err)
			}
			*field(c) = d
			return nil
		},
	}
}

func listKey(name string, field func(*config.Config) *[]string) configKey {
	return configKey{
		name: name,
		get:  func(c *config.Config) string { return strings.Join(*field(c), ",") },
		set: func(c *config.Config, v string) error {
			var items []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					items = append(items, s)
				}
			}
			*field(c) = items
			return nil
		},
	}
}

var configKeys = []configKey{
	{
		name: "api.key",
		get: func(c *config.Config) string {
			k := config.ResolveAPIKey(c)
			if k.Source == config.KeySourceNone {
				return "(not set)"
			}
			return config.MaskAPIKey(k.Value) + " (" + string(k.Source) + ")"
		},
		set: func(c *config.Config, v string) error {
			if !strings.HasPrefix(v, "${") {
				return fmt.Errorf("api.key is not written to disk; set ANTHROPIC_API_KEY or use a ${VAR} reference")
			}
			c.API.Key = v
			return nil
		},
	},
	stringKey("agent.backend", func(c *config.Config) *string { return &c.Agent.Backend }),
	stringKey("agent.model", func(c *config.Config) *string { return &c.Agent.Model }),
	durationKey("agent.timeout", func(c *config.Config) *time.Duration { return &c.Agent.Timeout }),
	boolKey("agent.allow_network", func(c *config.Config) *bool { return &c.Agent.AllowNetwork }),
	listKey("agent.allowed_tools", func(c *config.Config) *[]string { return &c.Agent.AllowedTools }),
	intKey("agent.tail_lines", func(c *config.Config) *int { return &c.Agent.TailLines }),
	intKey("loop.max_iterations", func(c *config.Config) *int { return &c.Loop.MaxIterations }),
	intKey("loop.max_attempts", func(c *config.Config) *int { return &c.Loop.MaxAttempts }),
	durationKey("loop.iteration_delay", func(c *config.Config) *time.Duration { return &c.Loop.IterationDelay }),
	boolKey("review.enabled", func(c *config.Config) *bool { return &c.Review.Enabled }),
	stringKey("review.backend", func(c *config.Config) *string { return &c.Review.Backend }),
	stringKey("review.model", func(c *config.Config) *string { return &c.Review.Model }),
	boolKey("git.enabled", func(c *config.Config) *bool { return &c.Git.Enabled }),
	stringKey("git.base_branch", func(c *config.Config) *string { return &c.Git.BaseBranch }),
	stringKey("git.branch_prefix", func(c *config.Config) *string { return &c.Git.BranchPrefix }),
	stringKey("backlog.path", func(c *config.Config) *string { return &c.Backlog.Path }),
	intKey("progress.digest_tokens", func(c *config.Config) *int { return &c.Progress.DigestTokens }),
	stringKey("recovery.branch", func(c *config.Config) *string { return &c.Recovery.Branch }),
	stringKey("recovery.on_failure", func(c *config.Config) *string { return &c.Recovery.OnFailure }),
	boolKey("api.bedrock", func(c *config.Config) *bool { return &c.API.Bedrock }),
	stringKey("api.aws_region", func(c *config.Config) *string { return &c.API.AWSRegion }),
	stringKey("metrics.addr", func(c *config.Config) *string { return &c.Metrics.Addr }),
}

func lookupKey(name string) (configKey, error) {
	name = strings.ToLower(name)
	for _, k := range configKeys {
		if k.name == name {
			return k, nil
		}
	}
	return configKey{}, fmt.Errorf("unknown configuration key: %s", name)
}

func runConfig(cmd *cobra.Command, args []string) error {
	dir, err := resolveProject()
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	switch len(args) {
	case 0:
		for _, k := range configKeys {
			fmt.Printf("%s: %s\n", k.name, k.get(cfg))
		}
		return nil
	case 1:
		k, err := lookupKey(args[0])
		if err != nil {
			return err
		}
		fmt.Println(k.get(cfg))
		return nil
	}

	k, err := lookupKey(args[0])
	if err != nil {
		return err
	}
	if err := setConfigValue(cfg, k, args[1]); err != nil {
		return err
	}

	path := config.GetUserConfigPath()
	if configProject {
		path = filepath.Join(dir, config.ProjectFile)
		err = config.SaveTo(cfg, path)
	} else {
		err = config.Save(cfg)
	}
	if err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	printStatus("✓", fmt.Sprintf("Set %s = %s in %s", k.name, k.get(cfg), path), color.FgGreen)
	return nil
}

// setConfigValue applies one value and rejects results that would not
// load again.
func setConfigValue(cfg *config.Config, k configKey, value string) error {
	if err := k.set(cfg, value); err != nil {
		return err
	}
	return cfg.Validate()
}
