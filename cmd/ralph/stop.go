package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/internal/state"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running loop after the current attempt",
	Long: `Stop a running loop at the next safe point. Unlike pause, a stop request
is cleared when the next run starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveProject()
		if err != nil {
			return err
		}
		if err := signals.SendStop(state.NewLayout(dir).SignalsDir()); err != nil {
			return err
		}
		printStatus("■", "Stop requested", color.FgYellow)
		return nil
	},
}
