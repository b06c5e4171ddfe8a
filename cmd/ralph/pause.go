package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/internal/state"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Ask a running loop to stop after the current attempt",
	Long: `Ask a running loop to stop at the next safe point: before a story is
selected or before another attempt. The story in flight is committed to its
branch so that 'ralph resume' continues it.

While the pause is pending, 'ralph run' refuses to start.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := resolveProject()
		if err != nil {
			return err
		}
		if err := signals.SendPause(state.NewLayout(dir).SignalsDir()); err != nil {
			return err
		}
		printStatus("⏸", "Pause requested; use 'ralph resume' to continue", color.FgYellow)
		return nil
	},
}
