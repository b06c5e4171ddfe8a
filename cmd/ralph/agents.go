package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/config"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agent backends and whether they can run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveProject()
		if err != nil {
			return err
		}
		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		agentCfg := agentConfig(cfg)
		for _, name := range agent.Names() {
			marker := ""
			if name == cfg.Agent.Backend {
				marker = color.CyanString(" (selected)")
			}
			b, err := agent.New(name, agentCfg)
			if err != nil {
				printStatus("✗", fmt.Sprintf("%-7s %v%s", name, err, marker), color.FgRed)
				continue
			}
			found, err := inspectBackend(cfg, b)
			if err != nil {
				printStatus("✗", fmt.Sprintf("%-7s %v%s", name, err, marker), color.FgRed)
				continue
			}
			printStatus("✓", fmt.Sprintf("%-7s %s%s", name, found, marker), color.FgGreen)
		}
		return nil
	},
}
