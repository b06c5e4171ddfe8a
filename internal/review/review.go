// Package review runs a second agent over a finished story's diff and
// turns its answer into an APPROVE or REJECT verdict.
package review

import (
	"context"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ShayCichocki/ralph/internal/agent"
	"github.com/ShayCichocki/ralph/internal/prompt"
	"github.com/ShayCichocki/ralph/pkg/models"
)

// Differ supplies the changes under review.
type Differ interface {
	Diff(ctx context.Context) (string, error)
	DiffStat(ctx context.Context) (string, error)
}

// Gate reviews story branches before they merge.
type Gate struct {
	backend agent.Backend
	builder *prompt.Builder
	differ  Differ
	opts    agent.Options
	logger  *log.Logger
}

// NewGate creates a Gate. A nil logger discards output.
func NewGate(backend agent.Backend, builder *prompt.Builder, differ Differ, opts agent.Options, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Gate{backend: backend, builder: builder, differ: differ, opts: opts, logger: logger}
}

// Result is the outcome of one review.
type Result struct {
	Verdict models.ReviewVerdict
	// Parsed is false when the reviewer gave no readable verdict; Verdict
	// is then a rejection.
	Parsed bool
	Agent  *agent.Result
}

// Review collects the diff, asks the reviewer and parses its verdict.
// Errors are returned only when the diff cannot be read or the reviewer
// fails to run; an unreadable answer is a rejection, not an error.
func (g *Gate) Review(ctx context.Context, story *models.Story) (*Result, error) {
	diff, err := g.differ.Diff(ctx)
	if err != nil {
		return nil, fmt.Errorf("read diff: %w", err)
	}
	stat, err := g.differ.DiffStat(ctx)
	if err != nil {
		return nil, fmt.Errorf("read diff stat: %w", err)
	}

	p, err := g.builder.BuildReview(prompt.ReviewInput{Story: story, Diff: diff, DiffStat: stat})
	if err != nil {
		return nil, fmt.Errorf("build review prompt: %w", err)
	}

	g.logger.Printf("[review] %s: asking %s", story.ID, g.backend.Name())
	res, err := g.backend.Invoke(ctx, p, g.opts)
	if err != nil {
		return nil, fmt.Errorf("run reviewer: %w", err)
	}

	verdict, ok := ParseVerdict(res.Stdout)
	g.logger.Printf("[review] %s: %s", story.ID, verdict.Decision)
	return &Result{Verdict: verdict, Parsed: ok, Agent: res}, nil
}

var verdictRe = regexp.MustCompile(`(?i)<verdict>\s*(APPROVE|REJECT)\s*</verdict>`)

// maxRationale bounds the rationale carried into the progress log.
const maxRationale = 2000

// ParseVerdict extracts the last verdict marker from output. The text
// before it becomes the rationale. Without a marker it returns a REJECT
// verdict and false.
func ParseVerdict(output string) (models.ReviewVerdict, bool) {
	matches := verdictRe.FindAllStringSubmatchIndex(output, -1)
	if len(matches) == 0 {
		return models.ReviewVerdict{
			Decision:  models.VerdictReject,
			Rationale: "reviewer gave no verdict: " + lastChars(strings.TrimSpace(output), 500),
		}, false
	}
	m := matches[len(matches)-1]
	decision := models.Verdict(strings.ToUpper(output[m[2]:m[3]]))
	rationale := strings.TrimSpace(verdictRe.ReplaceAllString(output[:m[0]], ""))
	return models.ReviewVerdict{Decision: decision, Rationale: lastChars(rationale, maxRationale)}, true
}

func lastChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
