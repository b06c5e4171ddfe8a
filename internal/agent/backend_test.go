package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, name := range []string{"claude", "Cursor", " api "} {
		b, err := New(name, Config{})
		require.NoError(t, err, name)
		assert.NotNil(t, b)
	}

	_, err := New("copilot", Config{})
	require.ErrorIs(t, err, ErrUnknownBackend)
	assert.Contains(t, err.Error(), "api, claude, cursor")
}

func TestHasCompletionMarker(t *testing.T) {
	assert.True(t, HasCompletionMarker("done\n<promise>COMPLETE</promise>\n"))
	assert.False(t, HasCompletionMarker("<promise>complete</promise>"))
	assert.False(t, (*Result)(nil).Completed())
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)
	assert.Nil(t, rb.Lines())
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		rb.Append(l)
	}
	assert.Equal(t, []string{"c", "d", "e"}, rb.Lines())
	assert.Equal(t, DefaultTailLines, NewRingBuffer(0).size)
}

type fakeMessages struct {
	params anthropic.MessageNewParams
	resp   string
	err    error
	delay  time.Duration
}

func (f *fakeMessages) New(ctx context.Context, params anthropic.MessageNewParams, _ ...option.RequestOption) (*anthropic.Message, error) {
	f.params = params
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	var msg anthropic.Message
	if err := json.Unmarshal([]byte(f.resp), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func apiWith(fake *fakeMessages, cfg APIConfig) *API {
	a := NewAPI(cfg)
	a.newClient = func(context.Context) (messageClient, error) { return fake, nil }
	return a
}

func TestAPI_Invoke(t *testing.T) {
	fake := &fakeMessages{resp: `{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4-20250514",
		"content":[{"type":"text","text":"looks good "},{"type":"text","text":"<verdict>APPROVE</verdict>"}],
		"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":5}}`}
	a := apiWith(fake, APIConfig{System: "be strict"})

	res, err := a.Invoke(context.Background(), "review this", Options{})
	require.NoError(t, err)
	assert.Equal(t, "looks good <verdict>APPROVE</verdict>", res.Stdout)
	assert.Equal(t, DefaultAPIModel, fake.params.Model)
	assert.EqualValues(t, 4096, fake.params.MaxTokens)
	require.Len(t, fake.params.System, 1)
	assert.Equal(t, "be strict", fake.params.System[0].Text)
}

func TestAPI_ModelOverrideAndBedrock(t *testing.T) {
	a := NewAPI(APIConfig{Model: "claude-opus-4-1-20250805", UseBedrock: true})
	assert.Equal(t, anthropic.Model("us.anthropic.claude-opus-4-1-20250805-v1:0"), a.model(Options{}))
	assert.Equal(t, anthropic.Model("custom"), a.model(Options{Model: "custom"}))
}

func TestAPI_Errors(t *testing.T) {
	a := apiWith(&fakeMessages{err: errors.New("overloaded")}, APIConfig{})
	_, err := a.Invoke(context.Background(), "p", Options{})
	var ue *UnknownAgentError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []string{"overloaded"}, ue.StderrTail)

	a = apiWith(&fakeMessages{delay: time.Second}, APIConfig{})
	res, err := a.Invoke(context.Background(), "p", Options{Timeout: 50 * time.Millisecond})
	require.ErrorIs(t, err, ErrAgentTimeout)
	assert.True(t, res.TimedOut)
}

func TestAPI_AvailableNeedsKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAPI(APIConfig{}).Available()
	require.ErrorIs(t, err, ErrSpawn)

	_, err = NewAPI(APIConfig{APIKey: "k"}).Available()
	require.NoError(t, err)
}
