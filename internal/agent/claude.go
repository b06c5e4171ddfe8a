package agent

import (
	"context"
	"encoding/json"
	"strings"
)

// DefaultClaudeTools are allowed without prompting. Web tools are added
// when Options.AllowNetwork is set.
var DefaultClaudeTools = []string{"Read", "Write", "Edit", "MultiEdit", "Bash", "Glob", "Grep", "TodoWrite"}

var claudeNetworkTools = []string{"WebFetch", "WebSearch"}

// Claude runs the Claude Code CLI in print mode with stream-json output.
type Claude struct {
	binary string
}

// NewClaude returns a backend that runs binary, "claude" when empty.
func NewClaude(binary string) *Claude {
	if binary == "" {
		binary = "claude"
	}
	return &Claude{binary: binary}
}

var _ Streamer = (*Claude)(nil)

func (c *Claude) Name() string { return "claude" }

func (c *Claude) Available() (string, error) {
	return lookPath(c.Name(), c.binary)
}

// Version reports the CLI version string, empty if unavailable.
func (c *Claude) Version(ctx context.Context) string {
	p, err := c.Available()
	if err != nil {
		return ""
	}
	return version(ctx, p)
}

func (c *Claude) Invoke(ctx context.Context, prompt string, opts Options) (*Result, error) {
	return c.Stream(ctx, prompt, opts, nil)
}

func (c *Claude) Stream(ctx context.Context, prompt string, opts Options, onChunk func(Chunk)) (*Result, error) {
	path, err := c.Available()
	if err != nil {
		return nil, err
	}
	return runProcess(ctx, command{
		backend: c.Name(),
		path:    path,
		args:    c.args(opts),
		stdin:   prompt,
		decode:  newStreamDecoder(),
	}, opts, onChunk)
}

// args builds the CLI arguments. The prompt is passed on stdin so large
// prompts never hit argument length limits.
func (c *Claude) args(opts Options) []string {
	tools := append([]string(nil), opts.AllowedTools...)
	if len(tools) == 0 {
		tools = append([]string(nil), DefaultClaudeTools...)
	}
	if opts.AllowNetwork {
		tools = appendMissing(tools, claudeNetworkTools...)
	} else {
		tools = without(tools, claudeNetworkTools...)
	}

	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--verbose",
		"--allowedTools", strings.Join(tools, ","),
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	return args
}

// StreamEventType is the "type" field of a stream-json event.
type StreamEventType string

const (
	StreamEventSystem    StreamEventType = "system"
	StreamEventAssistant StreamEventType = "assistant"
	StreamEventUser      StreamEventType = "user"
	StreamEventResult    StreamEventType = "result"
	StreamEventError     StreamEventType = "error"
)

// StreamEvent is a parsed stream-json line.
type StreamEvent struct {
	Type StreamEventType
	// Text is the assistant text or final result carried by the event.
	Text string
	// ToolAction describes a tool call, e.g. "Reading auth.go".
	ToolAction string
	Error      string
}

type rawEvent struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message"`
	Result  string          `json:"result"`
	IsError bool            `json:"is_error"`
	Error   json.RawMessage `json:"error"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ParseStreamEvent decodes one stream-json line.
func ParseStreamEvent(line []byte) (StreamEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return StreamEvent{}, err
	}
	ev := StreamEvent{Type: StreamEventType(raw.Type)}

	switch ev.Type {
	case StreamEventAssistant:
		var msg struct {
			Content []contentBlock `json:"content"`
		}
		if len(raw.Message) > 0 && json.Unmarshal(raw.Message, &msg) == nil {
			var texts []string
			for _, b := range msg.Content {
				switch b.Type {
				case "text":
					if strings.TrimSpace(b.Text) != "" {
						texts = append(texts, b.Text)
					}
				case "tool_use":
					if ev.ToolAction == "" {
						ev.ToolAction = formatToolAction(b.Name, b.Input)
					}
				}
			}
			ev.Text = strings.Join(texts, "\n")
		}
	case StreamEventResult:
		ev.Text = raw.Result
		if raw.IsError {
			ev.Error = raw.Result
		}
	case StreamEventError:
		ev.Error = rawString(raw.Error)
		if ev.Error == "" {
			ev.Error = rawString(raw.Message)
		}
	}
	return ev, nil
}

func rawString(m json.RawMessage) string {
	if len(m) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(m, &s) == nil {
		return s
	}
	return string(m)
}

// newStreamDecoder returns a stateful line decoder. The final result event
// repeats the last assistant message, so it is only kept when no assistant
// text was seen. Lines that are not JSON pass through unchanged.
func newStreamDecoder() func(string) (string, string, bool) {
	sawText := false
	return func(line string) (string, string, bool) {
		if strings.TrimSpace(line) == "" {
			return "", "", false
		}
		ev, err := ParseStreamEvent([]byte(line))
		if err != nil {
			return line, "", true
		}
		switch ev.Type {
		case StreamEventAssistant:
			if ev.Text != "" {
				sawText = true
			}
			return ev.Text, ev.ToolAction, ev.Text != "" || ev.ToolAction != ""
		case StreamEventResult:
			if ev.Error != "" {
				return "error: " + ev.Error, "", true
			}
			if sawText {
				return "", "", false
			}
			return ev.Text, "", ev.Text != ""
		case StreamEventError:
			return "error: " + ev.Error, "", true
		default:
			return "", "", false
		}
	}
}

// formatToolAction turns a tool_use block into a short status line.
func formatToolAction(name string, input map[string]any) string {
	str := func(key string) string {
		s, _ := input[key].(string)
		return s
	}
	switch name {
	case "":
		return ""
	case "Read":
		return withArg("Reading", shortFilename(str("file_path")), "file")
	case "Edit", "MultiEdit":
		return withArg("Editing", shortFilename(str("file_path")), "file")
	case "Write":
		return withArg("Writing", shortFilename(str("file_path")), "file")
	case "Bash":
		return withArg("Running", shortCommand(str("command")), "command")
	case "Glob":
		return withArg("Searching", str("pattern"), "files")
	case "Grep":
		return withArg("Grep", truncate(str("pattern"), 15), "code")
	case "WebFetch", "WebSearch":
		return "Fetching URL"
	case "Task":
		return "Running subagent"
	default:
		return name
	}
}

func withArg(verb, arg, fallback string) string {
	if arg == "" {
		return verb + " " + fallback
	}
	return verb + " " + arg
}

func shortFilename(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	return truncate(path, 20)
}

func shortCommand(cmd string) string {
	if i := strings.IndexAny(cmd, " \n"); i >= 0 {
		cmd = cmd[:i]
	}
	return truncate(cmd, 20)
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}

func appendMissing(list []string, items ...string) []string {
	for _, it := range items {
		if !contains(list, it) {
			list = append(list, it)
		}
	}
	return list
}

func without(list []string, items ...string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if !contains(items, v) {
			out = append(out, v)
		}
	}
	return out
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
