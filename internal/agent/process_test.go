//go:build unix

package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCLI writes an executable shell script and returns its path.
func fakeCLI(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return p
}

func TestClaude_StreamDecodesEvents(t *testing.T) {
	script := fakeCLI(t, "claude", `cat > "$(dirname "$0")/prompt.txt"
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Read","input":{"file_path":"/repo/main.go"}}]}}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"<learning>x</learning>\nall done <promise>COMPLETE</promise>"}]}}'
echo '{"type":"result","subtype":"success","is_error":false,"result":"all done <promise>COMPLETE</promise>"}'`)

	var chunks []Chunk
	res, err := NewClaude(script).Stream(context.Background(), "do the thing", Options{Timeout: 10 * time.Second}, func(c Chunk) {
		chunks = append(chunks, c)
	})
	require.NoError(t, err)
	assert.True(t, res.Completed())
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 1, strings.Count(res.Stdout, "all done"), "result event must not duplicate assistant text")
	assert.Contains(t, res.Raw, `"type":"system"`)

	prompt, err := os.ReadFile(filepath.Join(filepath.Dir(script), "prompt.txt"))
	require.NoError(t, err)
	assert.Equal(t, "do the thing", string(prompt))

	var actions []string
	for _, c := range chunks {
		if c.Action != "" {
			actions = append(actions, c.Action)
		}
	}
	assert.Equal(t, []string{"Reading main.go"}, actions)
}

func TestClaude_ResultOnlyOutput(t *testing.T) {
	script := fakeCLI(t, "claude", `cat >/dev/null
echo 'plain line'
echo '{"type":"result","result":"finished"}'`)

	res, err := NewClaude(script).Invoke(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "plain line\nfinished\n", res.Stdout)
	assert.False(t, res.Completed())
}

func TestRunProcess_Timeout(t *testing.T) {
	script := fakeCLI(t, "agent", `echo started
sleep 30`)

	start := time.Now()
	res, err := NewCursor(script).Invoke(context.Background(), "p", Options{Timeout: 300 * time.Millisecond})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var te *AgentTimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, ErrAgentTimeout))
	assert.Equal(t, []string{"started"}, te.StdoutTail)
	assert.True(t, res.TimedOut)
}

func TestRunProcess_BackgroundChildDoesNotHoldRun(t *testing.T) {
	script := fakeCLI(t, "agent", `echo done '<promise>COMPLETE</promise>'
sleep 6 &
exit 0`)

	start := time.Now()
	res, err := NewCursor(script).Invoke(context.Background(), "p", Options{Timeout: 3 * time.Second})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Completed())
}

func TestRunProcess_UnterminatedLastLine(t *testing.T) {
	script := fakeCLI(t, "agent", `printf 'first\nlast without newline'`)

	res, err := NewCursor(script).Invoke(context.Background(), "p", Options{})
	require.NoError(t, err)
	assert.Equal(t, "first\nlast without newline\n", res.Stdout)
}

func TestRunProcess_NonZeroExitCarriesTail(t *testing.T) {
	script := fakeCLI(t, "agent", `i=1
while [ $i -le 30 ]; do echo "err $i" >&2; i=$((i+1)); done
echo "partial output"
exit 3`)

	res, err := NewCursor(script).Invoke(context.Background(), "p", Options{TailLines: 5})
	require.Error(t, err)

	var ue *UnknownAgentError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 3, ue.ExitCode)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, []string{"err 26", "err 27", "err 28", "err 29", "err 30"}, ue.StderrTail)
	assert.Equal(t, []string{"partial output"}, ue.StdoutTail)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, err.Error(), "err 30")
	assert.Contains(t, res.Stderr, "err 1\n")
}

func TestRunProcess_SignalReported(t *testing.T) {
	script := fakeCLI(t, "agent", `kill -TERM $$`)

	_, err := NewCursor(script).Invoke(context.Background(), "p", Options{})
	var ue *UnknownAgentError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, "terminated", ue.Signal)
}

func TestRunProcess_ParentCancel(t *testing.T) {
	script := fakeCLI(t, "agent", `sleep 30`)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := NewCursor(script).Invoke(ctx, "p", Options{Timeout: time.Minute})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSpawnError_MissingBinary(t *testing.T) {
	_, err := NewClaude(filepath.Join(t.TempDir(), "nope")).Invoke(context.Background(), "p", Options{})
	var se *SpawnError
	require.ErrorAs(t, err, &se)
	assert.True(t, errors.Is(err, ErrSpawn))
}

func TestCursor_PassesPromptAndModel(t *testing.T) {
	script := fakeCLI(t, "agent", `for a in "$@"; do echo "[$a]"; done`)

	res, err := NewCursor(script).Invoke(context.Background(), "build it", Options{Model: "gpt-5"})
	require.NoError(t, err)
	assert.Equal(t, "[-p]\n[--force]\n[--output-format]\n[text]\n[--model]\n[gpt-5]\n[build it]\n", res.Stdout)
}

func TestCursor_FallsBackToSecondBinary(t *testing.T) {
	script := fakeCLI(t, "agent", `echo ok`)
	c := NewCursor(filepath.Join(t.TempDir(), "missing"), script)
	p, err := c.Available()
	require.NoError(t, err)
	assert.Equal(t, script, p)
}
