package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
)

// APIConfig configures the Anthropic API backend.
type APIConfig struct {
	// APIKey defaults to ANTHROPIC_API_KEY.
	APIKey string
	// Model defaults to DefaultAPIModel.
	Model string
	// MaxTokens caps the response. Zero uses 4096.
	MaxTokens int64
	// UseBedrock routes requests through AWS Bedrock with the default AWS
	// credential chain.
	UseBedrock bool
	AWSRegion  string
	AWSProfile string
	// System is an optional system prompt.
	System string
}

// DefaultAPIModel is used when no model is configured.
const DefaultAPIModel = anthropic.ModelClaudeSonnet4_20250514

// API sends the prompt as a single Messages API request. It has no tools,
// so it suits read-only work such as review.
type API struct {
	cfg APIConfig
	// newClient is swapped in tests.
	newClient func(ctx context.Context) (messageClient, error)
}

type messageClient interface {
	New(ctx context.Context, params anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// NewAPI returns an API backend.
func NewAPI(cfg APIConfig) *API {
	a := &API{cfg: cfg}
	a.newClient = a.sdkClient
	return a
}

func (a *API) Name() string { return "api" }

func (a *API) Available() (string, error) {
	if a.cfg.UseBedrock {
		return "bedrock", nil
	}
	if a.apiKey() == "" {
		return "", &SpawnError{Backend: a.Name(), Err: errors.New("ANTHROPIC_API_KEY is not set")}
	}
	return "api.anthropic.com", nil
}

func (a *API) apiKey() string {
	if a.cfg.APIKey != "" {
		return a.cfg.APIKey
	}
	return os.Getenv("ANTHROPIC_API_KEY")
}

func (a *API) sdkClient(ctx context.Context) (messageClient, error) {
	var opts []option.RequestOption
	if a.cfg.UseBedrock {
		var loadOpts []func(*config.LoadOptions) error
		if a.cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(a.cfg.AWSRegion))
		}
		if a.cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(a.cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		key := a.apiKey()
		if key == "" {
			return nil, errors.New("ANTHROPIC_API_KEY is not set")
		}
		opts = append(opts, option.WithAPIKey(key))
	}
	client := anthropic.NewClient(opts...)
	return &client.Messages, nil
}

func (a *API) model(opts Options) anthropic.Model {
	m := anthropic.Model(opts.Model)
	if m == "" {
		m = anthropic.Model(a.cfg.Model)
	}
	if m == "" {
		m = DefaultAPIModel
	}
	if a.cfg.UseBedrock {
		m = bedrockModel(m)
	}
	return m
}

// bedrockModel maps Anthropic model ids to Bedrock cross-region inference
// profiles. Ids that are not claude-* pass through.
func bedrockModel(m anthropic.Model) anthropic.Model {
	if strings.Contains(string(m), "anthropic.") {
		return m
	}
	if !strings.HasPrefix(string(m), "claude-") {
		return m
	}
	return anthropic.Model("us.anthropic." + string(m) + "-v1:0")
}

func (a *API) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	client, err := a.newClient(ctx)
	if err != nil {
		return nil, &SpawnError{Backend: a.Name(), Err: err}
	}

	callCtx := ctx
	cancel := func() {}
	if opts.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}
	defer cancel()

	maxTokens := a.cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     a.model(opts),
		MaxTokens: maxTokens,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}
	if a.cfg.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: a.cfg.System}}
	}

	start := time.Now()
	resp, err := client.New(callCtx, params)
	res := &Result{Duration: time.Since(start)}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return res, fmt.Errorf("api agent interrupted: %w", ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			res.TimedOut = true
			return res, &AgentTimeoutError{Backend: a.Name(), Timeout: opts.Timeout}
		}
		res.ExitCode = 1
		res.Stderr = err.Error()
		return res, &UnknownAgentError{Backend: a.Name(), ExitCode: 1, StderrTail: tailOf(err.Error(), opts.tailLines())}
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	res.Stdout = text.String()
	res.Raw = res.Stdout
	return res, nil
}

func tailOf(s string, n int) []string {
	rb := NewRingBuffer(n)
	for _, l := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		rb.Append(l)
	}
	return rb.Lines()
}
