// Package agent runs coding agents behind a single Backend interface.
//
// Each supported CLI (claude, cursor) is its own Backend built on a shared
// subprocess engine that captures the full transcript, keeps a short tail
// for diagnostics and enforces the per-invocation timeout. The api backend
// talks to the Anthropic Messages API directly and has no tool access,
// which makes it a good fit for the review gate.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Options configure one invocation.
type Options struct {
	// Timeout bounds the invocation. Zero means no limit.
	Timeout time.Duration
	// AllowNetwork enables web tools where the backend supports it.
	AllowNetwork bool
	// AllowedTools overrides the backend's default tool allow-list.
	AllowedTools []string
	// Model selects a model; empty uses the backend default.
	Model string
	// WorkDir is the directory the agent runs in.
	WorkDir string
	// TailLines is how many trailing lines errors carry. Zero uses
	// DefaultTailLines.
	TailLines int
}

// DefaultTailLines is the number of output lines kept for error reports.
const DefaultTailLines = 20

func (o Options) tailLines() int {
	if o.TailLines > 0 {
		return o.TailLines
	}
	return DefaultTailLines
}

// Result is the captured outcome of an invocation.
type Result struct {
	// Stdout is the agent's readable output. For stream-json backends this
	// is the decoded text, not the raw events.
	Stdout string
	// Raw is the undecoded stdout.
	Raw      string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// Completed reports whether the output carries the completion marker.
func (r *Result) Completed() bool {
	return r != nil && HasCompletionMarker(r.Stdout)
}

// StreamKind says which pipe a chunk came from.
type StreamKind string

const (
	StreamStdout StreamKind = "stdout"
	StreamStderr StreamKind = "stderr"
)

// Chunk is one line of live output.
type Chunk struct {
	Stream StreamKind
	Text   string
	// Action is a short description of a tool call, e.g. "Reading main.go".
	Action string
}

// Backend invokes one coding agent.
type Backend interface {
	// Name is the registry key, e.g. "claude".
	Name() string
	// Available returns the resolved executable (or endpoint) or an error
	// explaining why the backend cannot run.
	Available() (string, error)
	// Invoke runs the agent to completion and returns its captured output.
	Invoke(ctx context.Context, prompt string, opts Options) (*Result, error)
}

// Streamer is implemented by backends that can report output while the
// agent runs. The callback is never called concurrently.
type Streamer interface {
	Backend
	Stream(ctx context.Context, prompt string, opts Options, onChunk func(Chunk)) (*Result, error)
}

// Run streams when both the backend and caller support it.
func Run(ctx context.Context, b Backend, prompt string, opts Options, onChunk func(Chunk)) (*Result, error) {
	if s, ok := b.(Streamer); ok && onChunk != nil {
		return s.Stream(ctx, prompt, opts, onChunk)
	}
	return b.Invoke(ctx, prompt, opts)
}

// HasCompletionMarker reports whether output contains the completion marker.
func HasCompletionMarker(output string) bool {
	return strings.Contains(output, models.CompletionMarker)
}

// ErrUnknownBackend is returned by New for unregistered names.
var ErrUnknownBackend = errors.New("unknown agent backend")

// Config carries backend-specific settings for New.
type Config struct {
	// ClaudeBinary overrides the claude executable.
	ClaudeBinary string
	// CursorBinaries overrides the cursor executables, tried in order.
	CursorBinaries []string
	API            APIConfig
}

type factory func(Config) (Backend, error)

var registry = map[string]factory{
	"claude": func(c Config) (Backend, error) { return NewClaude(c.ClaudeBinary), nil },
	"cursor": func(c Config) (Backend, error) { return NewCursor(c.CursorBinaries...), nil },
	"api":    func(c Config) (Backend, error) { return NewAPI(c.API), nil },
}

// New builds the backend registered under name.
func New(name string, cfg Config) (Backend, error) {
	f, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w %q (known: %s)", ErrUnknownBackend, name, strings.Join(Names(), ", "))
	}
	return f(cfg)
}

// Names lists registered backends in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
