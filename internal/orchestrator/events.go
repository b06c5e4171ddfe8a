package orchestrator

import (
	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/pkg/models"
)

// IterationStart describes an agent invocation about to run.
type IterationStart struct {
	Index    int
	StoryID  string
	Title    string
	Attempt  int
	Template string
}

// StoryOutcome describes a story leaving the loop.
type StoryOutcome struct {
	StoryID  string
	Passed   bool
	Attempts int
	Branch   string
	// Err is set when the story failed.
	Err error
}

// Events are optional observer hooks. They run on the loop goroutine and
// must not block.
type Events struct {
	OnState          func(from, to State)
	OnIterationStart func(IterationStart)
	OnOutput         func(agent.Chunk)
	OnIterationEnd   func(models.Iteration)
	OnStoryEnd       func(StoryOutcome)
}

func (e Events) state(from, to State) {
	if e.OnState != nil {
		e.OnState(from, to)
	}
}

func (e Events) iterationStart(s IterationStart) {
	if e.OnIterationStart != nil {
		e.OnIterationStart(s)
	}
}

func (e Events) iterationEnd(it models.Iteration) {
	if e.OnIterationEnd != nil {
		e.OnIterationEnd(it)
	}
}

func (e Events) storyEnd(o StoryOutcome) {
	if e.OnStoryEnd != nil {
		e.OnStoryEnd(o)
	}
}

// output returns the chunk callback, or nil so backends skip streaming.
func (e Events) output() func(agent.Chunk) {
	return e.OnOutput
}
