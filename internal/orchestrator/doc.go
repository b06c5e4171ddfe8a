// Package orchestrator drives the story loop.
//
// A Controller walks the backlog one story at a time: it selects the next
// unpassed story, opens its branch, renders a prompt, runs the agent and
// retries until the agent reports completion or the attempt budget runs
// out. Finished work is optionally reviewed by a second agent, then merged
// into the base branch and recorded. Failures go through a recovery policy
// that either discards or keeps the story branch.
//
// The loop is an explicit state machine. Every move is checked against a
// transition table, and operator stop requests are polled only at safe
// points so the repository is never left half-merged.
//
// Example usage:
//
//	ctrl := orchestrator.NewController(orchestrator.Required{
//		Backlog:   store,
//		Workspace: gitManager,
//		Prompts:   prompt.NewBuilder(root),
//		Backend:   backend,
//		Progress:  progressLog,
//	}, orchestrator.WithMaxAttempts(3))
//	summary, err := ctrl.Run(ctx)
package orchestrator
