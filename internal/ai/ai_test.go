package ai

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/agenthub/agenthub/internal/circuitbreaker"
)

// fakeLLM answers per model. A missing entry fails that model.
type fakeLLM struct {
	mu      sync.Mutex
	replies map[string][]string // model -> queued replies
	calls   []string
	last    []llms.MessageContent
	opts    llms.CallOptions
}

func (f *fakeLLM) GenerateContent(_ context.Context, msgs []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	var opts llms.CallOptions
	for _, o := range options {
		o(&opts)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts.Model)
	f.last = msgs
	f.opts = opts

	queue, ok := f.replies[opts.Model]
	if !ok || len(queue) == 0 {
		return nil, errors.New("404 model not found")
	}
	reply := queue[0]
	if len(queue) > 1 {
		f.replies[opts.Model] = queue[1:]
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: reply}}}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func text(m llms.MessageContent) string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(llms.TextContent); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

func TestGenerate_FirstModelWins(t *testing.T) {
	llm := &fakeLLM{replies: map[string][]string{
		"gemini-2.5-flash": {"hello"},
		"gemini-2.5-pro":   {"unused"},
	}}
	c := NewClient(llm, time.Second)

	resp, err := c.Generate(context.Background(), "hi", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gemini-2.5-flash", resp.Model)
	assert.Equal(t, []string{"gemini-2.5-flash"}, llm.calls)

	assert.Equal(t, 0.7, llm.opts.Temperature)
	assert.Equal(t, 0.9, llm.opts.TopP)
	assert.Equal(t, 40, llm.opts.TopK)
	assert.Equal(t, 1024, llm.opts.MaxTokens)
}

func TestGenerate_FallsBackInOrder(t *testing.T) {
	llm := &fakeLLM{replies: map[string][]string{
		"gemini-2.5-pro":   {"   "},
		"gemini-1.5-flash": {"legacy"},
	}}
	c := NewClient(llm, time.Second)

	resp, err := c.Generate(context.Background(), "hi", DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, "legacy", resp.Content)
	assert.Equal(t, "gemini-1.5-flash", resp.Model)
	assert.Equal(t, []string{"gemini-2.5-flash", "gemini-2.5-pro", "gemini-2.0-flash", "gemini-1.5-flash"}, llm.calls)
}

func TestGenerate_AllFail(t *testing.T) {
	c := NewClient(&fakeLLM{replies: map[string][]string{}}, time.Second)

	_, err := c.Generate(context.Background(), "hi", DefaultOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	for _, m := range DefaultModels {
		assert.Contains(t, err.Error(), m)
	}
}

func TestGenerate_BreakerSkipsFailingModel(t *testing.T) {
	llm := &fakeLLM{replies: map[string][]string{"gemini-2.5-pro": {"ok"}}}
	c := NewClient(llm, time.Second,
		WithModels("gemini-2.5-flash", "gemini-2.5-pro"),
		WithBreaker(circuitbreaker.New(2, time.Hour)),
	)

	for i := 0; i < 3; i++ {
		_, err := c.Generate(context.Background(), "hi", DefaultOptions())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{
		"gemini-2.5-flash", "gemini-2.5-pro",
		"gemini-2.5-flash", "gemini-2.5-pro",
		"gemini-2.5-pro",
	}, llm.calls)
}

func TestGenerate_Disabled(t *testing.T) {
	c := NewClient(nil, time.Second)
	assert.False(t, c.Enabled())

	_, err := c.Generate(context.Background(), "hi", DefaultOptions())
	assert.ErrorIs(t, err, ErrNotConfigured)

	c, err = NewGemini(context.Background(), "", time.Second)
	require.NoError(t, err)
	assert.False(t, c.Enabled())
}

func TestGenerate_EmptyPrompt(t *testing.T) {
	c := NewClient(&fakeLLM{}, time.Second)
	_, err := c.Generate(context.Background(), "  ", DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestChat_BuildsHistory(t *testing.T) {
	llm := &fakeLLM{replies: map[string][]string{"gemini-2.5-flash": {"answer"}}}
	c := NewClient(llm, time.Second)

	_, err := c.Chat(context.Background(), "be helpful", []Message{
		{Role: "assistant", Content: "greeting"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}, DefaultOptions())
	require.NoError(t, err)

	require.Len(t, llm.last, 5)
	assert.Equal(t, llms.ChatMessageTypeHuman, llm.last[0].Role)
	assert.Equal(t, "be helpful", text(llm.last[0]))
	assert.Equal(t, llms.ChatMessageTypeAI, llm.last[1].Role)
	assert.Equal(t, "q1", text(llm.last[2]))
	assert.Equal(t, "a1", text(llm.last[3]))
	assert.Equal(t, "q2", text(llm.last[4]))

	_, err = c.Chat(context.Background(), "", nil, DefaultOptions())
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestParseJSON(t *testing.T) {
	data, err := ParseJSON(`{"status":"ok"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok"}, data)

	data, err = ParseJSON("Sure!\n```json\n{\"status\": \"ok\", \"n\": 2}\n```")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "ok", "n": float64(2)}, data)

	_, err = ParseJSON("plain words")
	assert.ErrorIs(t, err, ErrNoJSON)

	_, err = ParseJSON("{not json}")
	assert.ErrorIs(t, err, ErrNoJSON)
}
