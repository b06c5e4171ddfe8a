package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/ralph/internal/backlog"
	"github.com/ShayCichocki/ralph/internal/config"
	"github.com/ShayCichocki/ralph/internal/signals"
	"github.com/ShayCichocki/ralph/pkg/models"
)

func parseRunFlags(t *testing.T, args ...string) (*cobra.Command, *runFlags) {
	t.Helper()
	cmd := &cobra.Command{Use: "run"}
	f := &runFlags{}
	addRunFlags(cmd, f)
	require.NoError(t, cmd.ParseFlags(args))
	return cmd, f
}

func TestApplyFlags_OnlyChangedFlagsOverride(t *testing.T) {
	cmd, f := parseRunFlags(t, "--backend", "cursor", "--max-attempts", "5", "--timeout", "90s")
	cfg := config.Default()
	cfg.Loop.MaxIterations = 12

	require.NoError(t, applyFlags(cmd, f, cfg))

	assert.Equal(t, "cursor", cfg.Agent.Backend)
	assert.Equal(t, 5, cfg.Loop.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 12, cfg.Loop.MaxIterations, "unset flag must not reset the configured value")
	assert.True(t, cfg.Git.Enabled)
}

func TestApplyFlags_Policies(t *testing.T) {
	cmd, f := parseRunFlags(t, "--keep-failed", "--stop-on-failure", "--no-git", "--review")
	cfg := config.Default()

	require.NoError(t, applyFlags(cmd, f, cfg))

	assert.Equal(t, "keep", cfg.Recovery.Branch)
	assert.Equal(t, "abort", cfg.Recovery.OnFailure)
	assert.False(t, cfg.Git.Enabled)
	assert.True(t, cfg.Review.Enabled)
}

func TestApplyFlags_RejectsInvalidResult(t *testing.T) {
	cmd, f := parseRunFlags(t, "--max-attempts", "0")
	err := applyFlags(cmd, f, config.Default())
	assert.ErrorContains(t, err, "max_attempts")
}

func TestBaseBranch_FallsBackToBacklog(t *testing.T) {
	cfg := config.Default()
	b := &models.Backlog{BaseBranch: "develop"}
	assert.Equal(t, "develop", baseBranch(cfg, b))

	cfg.Git.BaseBranch = "main"
	assert.Equal(t, "main", baseBranch(cfg, b))

	cfg.Git.BaseBranch = ""
	assert.Empty(t, baseBranch(cfg, &models.Backlog{}))
}

func TestPrepareSignals(t *testing.T) {
	t.Run("pending pause blocks run", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, signals.SendPause(dir))

		err := prepareSignals(dir, false)
		assert.ErrorContains(t, err, "paused")
		assert.True(t, signals.Paused(dir), "run must not consume the pause")
	})

	t.Run("resume clears pause", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, signals.SendPause(dir))

		require.NoError(t, prepareSignals(dir, true))
		assert.False(t, signals.Paused(dir))
	})

	t.Run("stale stop is dropped", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, signals.SendStop(dir))

		require.NoError(t, prepareSignals(dir, false))
		_, err := os.Stat(filepath.Join(dir, signals.StopFile))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestWriteSampleBacklog(t *testing.T) {
	for _, format := range []string{"json", "toml", "markdown"} {
		t.Run(format, func(t *testing.T) {
			prev := initFormat
			initFormat = format
			t.Cleanup(func() { initFormat = prev })

			dir := t.TempDir()
			require.NoError(t, writeSampleBacklog(dir))

			path, err := backlog.Discover(dir)
			require.NoError(t, err)
			b, err := backlog.Load(path)
			require.NoError(t, err)
			require.Len(t, b.Stories, 2)
			assert.Equal(t, "US-001", b.Stories[0].ID)
			assert.False(t, b.Stories[0].Passed)
			assert.NotEmpty(t, b.Stories[0].AcceptanceCriteria)

			require.NoError(t, writeSampleBacklog(dir), "existing backlog is left alone")
		})
	}
}

func TestWriteSampleBacklog_UnknownFormat(t *testing.T) {
	prev := initFormat
	initFormat = "xml"
	t.Cleanup(func() { initFormat = prev })

	assert.ErrorContains(t, writeSampleBacklog(t.TempDir()), "unknown backlog format")
}

func TestCopyTemplates(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "prompt.md")
	require.NoError(t, os.WriteFile(custom, []byte("mine"), 0o644))

	n, err := copyTemplates(dir, false)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "existing prompt.md is kept")

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Equal(t, "mine", string(data))
	assert.FileExists(t, filepath.Join(dir, "review.md"))

	n, err = copyTemplates(dir, true)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestFirstLineAndShortID(t *testing.T) {
	assert.Equal(t, "exit 1", firstLine("exit 1\nmore"))
	assert.Equal(t, "single", firstLine("single"))
	assert.Equal(t, "0123abcd", shortID("0123abcd-ffff-4444"))
	assert.Equal(t, "abc", shortID("abc"))
}

func TestRestLines(t *testing.T) {
	assert.Nil(t, restLines("exit 3"))
	assert.Equal(t, []string{"stderr tail:", "  FATAL: token expired"},
		restLines("agent exited with code 3\nstderr tail:\n  FATAL: token expired\n"))
}
