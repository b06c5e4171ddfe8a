package signals

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := NewWatcher(filepath.Join(t.TempDir(), "signals"))
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWatcherPauseFile(t *testing.T) {
	w := newWatcher(t)

	stop, _ := w.StopRequested()
	assert.False(t, stop)

	require.NoError(t, SendPause(w.dir))
	assert.True(t, Paused(w.dir))
	stop, reason := w.StopRequested()
	assert.True(t, stop)
	assert.Equal(t, "pause requested", reason)
}

func TestWatcherStopFileEvent(t *testing.T) {
	w := newWatcher(t)
	if w.watcher == nil {
		t.Skip("fsnotify unavailable")
	}
	require.NoError(t, SendStop(w.dir))

	// The watcher goroutine records the event even after the file is gone.
	assert.Eventually(t, func() bool {
		w.mu.RLock()
		defer w.mu.RUnlock()
		return w.reason != ""
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, Clear(w.dir))

	stop, reason := w.StopRequested()
	assert.True(t, stop)
	assert.Equal(t, "stop requested", reason)
}

func TestWatcherRequestFirstReasonWins(t *testing.T) {
	w := newWatcher(t)
	w.Request("interrupt")
	w.Request("something else")
	stop, reason := w.StopRequested()
	assert.True(t, stop)
	assert.Equal(t, "interrupt", reason)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, Clear(dir), "missing files are fine")

	require.NoError(t, SendPause(dir))
	require.NoError(t, SendStop(dir))
	require.NoError(t, Clear(dir))
	_, err := os.Stat(filepath.Join(dir, PauseFile))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, Paused(dir))
}

func TestCloseIsIdempotent(t *testing.T) {
	w := newWatcher(t)
	assert.NoError(t, w.Close())
	assert.NoError(t, w.Close())
}

func TestNever(t *testing.T) {
	stop, reason := Never{}.StopRequested()
	assert.False(t, stop)
	assert.Empty(t, reason)
}
