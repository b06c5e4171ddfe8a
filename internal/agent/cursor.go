package agent

import (
	"context"
)

// Cursor runs the Cursor agent CLI in print mode with plain text output.
// The CLI has no tool allow-list or network switch, so AllowedTools and
// AllowNetwork are ignored.
type Cursor struct {
	binaries []string
}

// NewCursor returns a backend that tries binaries in order, defaulting to
// "cursor-agent" then "agent".
func NewCursor(binaries ...string) *Cursor {
	if len(binaries) == 0 {
		binaries = []string{"cursor-agent", "agent"}
	}
	return &Cursor{binaries: binaries}
}

var _ Streamer = (*Cursor)(nil)

func (c *Cursor) Name() string { return "cursor" }

func (c *Cursor) Available() (string, error) {
	return lookPath(c.Name(), c.binaries...)
}

// Version reports the CLI version string, empty if unavailable.
func (c *Cursor) Version(ctx context.Context) string {
	p, err := c.Available()
	if err != nil {
		return ""
	}
	return version(ctx, p)
}

func (c *Cursor) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	return c.Stream(ctx, prompt, opts, nil)
}

func (c *Cursor) Stream(ctx context.Context, prompt string, opts Options, onChunk func(Chunk)) (*Result, error) {
	path, err := c.Available()
	if err != nil {
		return nil, err
	}
	return runProcess(ctx, command{
		backend: c.Name(),
		path:    path,
		args:    c.args(prompt, opts),
	}, opts, onChunk)
}

func (c *Cursor) args(prompt string, opts Options) []string {
	args := []string{"-p", "--force", "--output-format", "text"}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return append(args, prompt)
}
