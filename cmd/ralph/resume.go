package main

import "github.com/spf13/cobra"

var resumeOpts runFlags

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Clear a pause and continue the loop",
	Long: `Remove pending pause and stop signals, then run the loop as 'ralph run'
would. Stories left on their branches by an interrupted run are picked up
where they stopped.

Accepts the same flags as 'ralph run'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLoop(cmd, &resumeOpts, true)
	},
}

func init() {
	addRunFlags(resumeCmd, &resumeOpts)
}
