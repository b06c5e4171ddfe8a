package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// pipeGrace is how long output pipes may stay open once the agent has
// exited or been killed. Background children that inherited them are not
// waited for beyond this.
const pipeGrace = 2 * time.Second

// maxLine bounds a single buffered output line.
const maxLine = 8 * 1024 * 1024

// command describes one agent subprocess.
type command struct {
	backend string
	path    string
	args    []string
	env     []string
	// stdin, when set, is written to the process and closed.
	stdin string
	// decode turns one stdout line into readable text and an optional tool
	// action. Returning ok=false drops the line from the readable output.
	decode func(line string) (text, action string, ok bool)
}

// runProcess starts c, captures its output and waits for it. The returned
// error is a *SpawnError, *AgentTimeoutError, *UnknownAgentError or the
// parent context's error.
func runProcess(ctx context.Context, c command, opts Options, onChunk func(Chunk)) (*Result, error) {
	runCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.path, c.args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), c.env...)
	cmd.WaitDelay = pipeGrace
	setProcessGroup(cmd)

	// Only a kill issued by the context counts as a timeout or interrupt;
	// the deadline may pass while Wait drains pipes of an agent that
	// already exited.
	var killed atomic.Bool
	kill := cmd.Cancel
	cmd.Cancel = func() error {
		killed.Store(true)
		return kill()
	}

	if c.stdin != "" {
		cmd.Stdin = strings.NewReader(c.stdin)
	}
	pipes := &capture{
		decode:     c.decode,
		onChunk:    onChunk,
		stdoutTail: NewRingBuffer(opts.tailLines()),
		stderrTail: NewRingBuffer(opts.tailLines()),
	}
	stdout := &lineWriter{emit: func(l string) { pipes.line(StreamStdout, l) }}
	stderr := &lineWriter{emit: func(l string) { pipes.line(StreamStderr, l) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &SpawnError{Backend: c.backend, Path: c.path, Err: err}
	}
	waitErr := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if errors.Is(waitErr, exec.ErrWaitDelay) {
		waitErr = nil
	}

	res := &Result{
		Stdout:   pipes.text.String(),
		Raw:      pipes.raw.String(),
		Stderr:   pipes.stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case killed.Load() && ctx.Err() != nil:
		return res, fmt.Errorf("%s agent interrupted: %w", c.backend, ctx.Err())
	case killed.Load() && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		return res, &AgentTimeoutError{Backend: c.backend, Timeout: opts.Timeout, StdoutTail: pipes.stdoutTail.Lines()}
	case waitErr != nil:
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return res, &SpawnError{Backend: c.backend, Path: c.path, Err: waitErr}
		}
		return res, &UnknownAgentError{
			Backend:    c.backend,
			ExitCode:   res.ExitCode,
			Signal:     exitSignal(cmd.ProcessState),
			StderrTail: pipes.stderrTail.Lines(),
			StdoutTail: pipes.stdoutTail.Lines(),
		}
	}
	return res, nil
}

// lineWriter splits written bytes into lines. exec copies each pipe from
// its own goroutine, so a lineWriter is only ever written sequentially.
type lineWriter struct {
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) > maxLine {
		w.emit(string(w.buf))
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// capture accumulates the output of both pipes. Chunk delivery is
// serialized so callers never see concurrent callbacks.
type capture struct {
	mu         sync.Mutex
	decode     func(string) (string, string, bool)
	onChunk    func(Chunk)
	raw        strings.Builder
	text       strings.Builder
	stderr     strings.Builder
	stdoutTail *RingBuffer
	stderrTail *RingBuffer
}

func (c *capture) line(stream StreamKind, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stream == StreamStderr {
		c.stderr.WriteString(line)
		c.stderr.WriteByte('\n')
		c.stderrTail.Append(line)
		if c.onChunk != nil {
			c.onChunk(Chunk{Stream: StreamStderr, Text: line})
		}
		return
	}

	c.raw.WriteString(line)
	c.raw.WriteByte('\n')

	text, action, ok := line, "", true
	if c.decode != nil {
		text, action, ok = c.decode(line)
	}
	if !ok {
		return
	}
	if text != "" {
		c.text.WriteString(text)
		if !strings.HasSuffix(text, "\n") {
			c.text.WriteByte('\n')
		}
		for _, l := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
			c.stdoutTail.Append(l)
		}
	}
	if c.onChunk != nil && (text != "" || action != "") {
		c.onChunk(Chunk{Stream: StreamStdout, Text: text, Action: action})
	}
}

// lookPath resolves the first candidate executable on PATH.
func lookPath(backend string, candidates ...string) (string, error) {
	var firstErr error
	for _, name := range candidates {
		if name == "" {
			continue
		}
		p, err := exec.LookPath(name)
		if err == nil {
			return p, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr == nil {
		firstErr = errors.New("no executable configured")
	}
	return "", &SpawnError{Backend: backend, Path: strings.Join(candidates, "|"), Err: firstErr}
}

// version runs `<path> --version` and returns the first output line.
func version(ctx context.Context, path string) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "--version").CombinedOutput()
	if err != nil {
		return ""
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line
}
