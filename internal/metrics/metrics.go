// Package metrics exposes loop metrics for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ShayCichocki/ralph/pkg/models"
)

// Recorder receives loop measurements.
type Recorder interface {
	ObserveIteration(backend string, completion models.Completion, timedOut bool, duration time.Duration)
	ObserveStory(outcome string, attempts int)
	ObserveReview(verdict models.Verdict)
	SetState(state string)
	SetBacklog(status models.BacklogStatus)
}

// Noop discards everything.
type Noop struct{}

func (Noop) ObserveIteration(string, models.Completion, bool, time.Duration) {}
func (Noop) ObserveStory(string, int)                                        {}
func (Noop) ObserveReview(models.Verdict)                                    {}
func (Noop) SetState(string)                                                 {}
func (Noop) SetBacklog(models.BacklogStatus)                                 {}

// PrometheusRecorder implements Recorder on its own registry so several
// recorders can coexist in one process.
type PrometheusRecorder struct {
	reg *prometheus.Registry

	iterationsTotal   *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	timeoutsTotal     *prometheus.CounterVec
	storiesTotal      *prometheus.CounterVec
	storyAttempts     prometheus.Histogram
	reviewsTotal      *prometheus.CounterVec
	state             *prometheus.GaugeVec
	backlogStories    *prometheus.GaugeVec

	lastState string
}

// NewPrometheusRecorder creates a recorder with Go runtime and process
// collectors registered alongside the loop metrics.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusRecorder{
		reg: reg,
		iterationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_iterations_total",
				Help: "Agent invocations by backend and completion",
			},
			[]string{"backend", "completion"},
		),
		iterationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ralph_iteration_duration_seconds",
				Help:    "Duration of agent invocations in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
			},
			[]string{"backend"},
		),
		timeoutsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_iteration_timeouts_total",
				Help: "Agent invocations killed by the timeout",
			},
			[]string{"backend"},
		),
		storiesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_stories_total",
				Help: "Stories finished by outcome",
			},
			[]string{"outcome"},
		),
		storyAttempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ralph_story_attempts",
				Help:    "Attempts used per finished story",
				Buckets: []float64{1, 2, 3, 5, 8, 13},
			},
		),
		reviewsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ralph_reviews_total",
				Help: "Review verdicts",
			},
			[]string{"verdict"},
		),
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ralph_controller_state",
				Help: "1 for the controller's current state",
			},
			[]string{"state"},
		),
		backlogStories: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ralph_backlog_stories",
				Help: "Backlog stories by status",
			},
			[]string{"status"},
		),
	}
}

// Registry returns the registry holding the recorder's metrics.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.reg }

// ObserveIteration records one agent invocation.
func (p *PrometheusRecorder) ObserveIteration(backend string, completion models.Completion, timedOut bool, duration time.Duration) {
	p.iterationsTotal.WithLabelValues(backend, string(completion)).Inc()
	p.iterationDuration.WithLabelValues(backend).Observe(duration.Seconds())
	if timedOut {
		p.timeoutsTotal.WithLabelValues(backend).Inc()
	}
}

// ObserveStory records a finished story.
func (p *PrometheusRecorder) ObserveStory(outcome string, attempts int) {
	p.storiesTotal.WithLabelValues(outcome).Inc()
	p.storyAttempts.Observe(float64(attempts))
}

// ObserveReview records a review verdict.
func (p *PrometheusRecorder) ObserveReview(verdict models.Verdict) {
	p.reviewsTotal.WithLabelValues(string(verdict)).Inc()
}

// SetState moves the state gauge. Only the loop goroutine calls it.
func (p *PrometheusRecorder) SetState(state string) {
	if p.lastState != "" {
		p.state.WithLabelValues(p.lastState).Set(0)
	}
	p.state.WithLabelValues(state).Set(1)
	p.lastState = state
}

// SetBacklog publishes backlog progress.
func (p *PrometheusRecorder) SetBacklog(status models.BacklogStatus) {
	p.backlogStories.WithLabelValues("passed").Set(float64(status.Passed))
	p.backlogStories.WithLabelValues("remaining").Set(float64(status.Total - status.Passed))
}

var (
	_ Recorder = Noop{}
	_ Recorder = (*PrometheusRecorder)(nil)
)
