package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrSpawn matches failures to start an agent.
	ErrSpawn = errors.New("agent spawn failed")
	// ErrAgentFailed matches agents that ran but exited unsuccessfully.
	ErrAgentFailed = errors.New("agent failed")
	// ErrAgentTimeout matches agents killed for exceeding their timeout.
	ErrAgentTimeout = errors.New("agent timed out")
)

// SpawnError means the agent executable could not be found or started.
type SpawnError struct {
	Backend string
	Path    string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("start %s agent (%s): %v", e.Backend, e.Path, e.Err)
	}
	return fmt.Sprintf("start %s agent: %v", e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Is returns true if the target error is ErrSpawn
func (e *SpawnError) Is(target error) bool { return target == ErrSpawn }

// UnknownAgentError means the agent exited non-zero (or was killed by a
// signal) for a reason the orchestrator cannot classify. It always carries
// the exit status and the trailing output for diagnosis.
type UnknownAgentError struct {
	Backend    string
	ExitCode   int
	Signal     string
	StderrTail []string
	StdoutTail []string
}

func (e *UnknownAgentError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s agent exited with code %d", e.Backend, e.ExitCode)
	if e.Signal != "" {
		fmt.Fprintf(&b, " (signal %s)", e.Signal)
	}
	writeTail(&b, "stderr", e.StderrTail)
	writeTail(&b, "stdout", e.StdoutTail)
	return b.String()
}

// Is returns true if the target error is ErrAgentFailed
func (e *UnknownAgentError) Is(target error) bool { return target == ErrAgentFailed }

// AgentTimeoutError means the agent was killed after exceeding Timeout.
type AgentTimeoutError struct {
	Backend    string
	Timeout    time.Duration
	StdoutTail []string
}

func (e *AgentTimeoutError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s agent timed out after %s", e.Backend, e.Timeout)
	writeTail(&b, "stdout", e.StdoutTail)
	return b.String()
}

// Is returns true if the target error is ErrAgentTimeout
func (e *AgentTimeoutError) Is(target error) bool { return target == ErrAgentTimeout }

func writeTail(b *strings.Builder, name string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n--- last %d %s lines ---\n%s", len(lines), name, strings.Join(lines, "\n"))
}
