package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/ralph/pkg/models"
)

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheusRecorder()

	p.ObserveIteration("claude", models.CompletionComplete, false, 3*time.Second)
	p.ObserveIteration("claude", models.CompletionIncomplete, true, time.Minute)
	p.ObserveStory("passed", 2)
	p.ObserveReview(models.VerdictReject)
	p.SetBacklog(models.BacklogStatus{Total: 5, Passed: 2})

	assert.Equal(t, 1.0, testutil.ToFloat64(p.iterationsTotal.WithLabelValues("claude", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.iterationsTotal.WithLabelValues("claude", "incomplete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.timeoutsTotal.WithLabelValues("claude")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.storiesTotal.WithLabelValues("passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.reviewsTotal.WithLabelValues("REJECT")))
	assert.Equal(t, 3.0, testutil.ToFloat64(p.backlogStories.WithLabelValues("remaining")))
}

func TestSetStateKeepsOneActive(t *testing.T) {
	p := NewPrometheusRecorder()
	p.SetState("Selecting")
	p.SetState("Executing")

	assert.Equal(t, 0.0, testutil.ToFloat64(p.state.WithLabelValues("Selecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.state.WithLabelValues("Executing")))
}

func TestRecordersDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusRecorder()
		NewPrometheusRecorder()
	})
}

func TestRouter(t *testing.T) {
	p := NewPrometheusRecorder()
	p.ObserveStory("failed", 3)
	srv := httptest.NewServer(NewRouter(p.Registry()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `ralph_stories_total{outcome="failed"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "ok\n", string(body))
}

func TestServerShutsDownOnCancel(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewPrometheusRecorder().Registry(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.True(t, strings.HasPrefix(s.Addr(), "127.0.0.1:"))
}
