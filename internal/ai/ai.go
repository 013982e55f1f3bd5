// Package ai proxies completions to Gemini.
//
// Models are tried in priority order and the first non-empty reply wins.
// A model that keeps failing is skipped by a per-model circuit breaker
// until it has had time to recover.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"go.opentelemetry.io/otel/codes"

	"github.com/agenthub/agenthub/internal/circuitbreaker"
	"github.com/agenthub/agenthub/internal/logging"
	"github.com/agenthub/agenthub/internal/metrics"
	"github.com/agenthub/agenthub/internal/traces"
)

// DefaultModels is the fallback order: fastest first, most capable legacy
// last.
var DefaultModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

var (
	ErrNotConfigured       = errors.New("ai: no API key configured")
	ErrUpstreamUnavailable = errors.New("ai: all models failed")
	ErrEmptyResponse       = errors.New("ai: empty response")
	ErrNoJSON              = errors.New("ai: no JSON object in response")
	ErrEmptyPrompt         = errors.New("ai: prompt is required")
)

// Options are the generation parameters.
type Options struct {
	Temperature     float64
	TopP            float64
	TopK            int
	MaxOutputTokens int
}

// DefaultOptions returns temperature 0.7, topP 0.9, topK 40 and 1024
// output tokens.
func DefaultOptions() Options {
	return Options{Temperature: 0.7, TopP: 0.9, TopK: 40, MaxOutputTokens: 1024}
}

// Response is a successful completion.
type Response struct {
	Content   string `json:"content"`
	Model     string `json:"model"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Message is one turn of a chat.
type Message struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// Client runs completions against an llms.Model with model fallback.
type Client struct {
	llm     llms.Model
	models  []string
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	now     func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithModels overrides the fallback order.
func WithModels(models ...string) Option {
	return func(c *Client) { c.models = models }
}

// WithBreaker replaces the per-model circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// NewClient wraps llm. A nil llm yields a client whose Enabled reports
// false and whose calls fail with ErrNotConfigured.
func NewClient(llm llms.Model, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		llm:     llm,
		models:  DefaultModels,
		breaker: circuitbreaker.New(3, time.Minute),
		timeout: timeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewGemini dials Gemini with apiKey. An empty key returns a disabled client.
func NewGemini(ctx context.Context, apiKey string, timeout time.Duration, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return NewClient(nil, timeout, opts...), nil
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(apiKey),
		googleai.WithDefaultModel(DefaultModels[0]),
	)
	if err != nil {
		return nil, fmt.Errorf("init gemini: %w", err)
	}
	return NewClient(llm, timeout, opts...), nil
}

// Enabled reports whether an upstream model is configured.
func (c *Client) Enabled() bool {
	return c.llm != nil
}

// Models returns the fallback order.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// Circuits returns the breaker state of every model that has failed.
func (c *Client) Circuits() map[string]circuitbreaker.State {
	return c.breaker.States()
}

// Generate completes a single prompt.
func (c *Client) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}
	return c.generate(ctx, []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}, opts)
}

// Chat completes a conversation. The system instruction is sent as an
// opening user turn acknowledged by the model, then the history follows.
// The last message must come from the user.
func (c *Client) Chat(ctx context.Context, system string, history []Message, opts Options) (*Response, error) {
	if len(history) == 0 || strings.TrimSpace(history[len(history)-1].Content) == "" {
		return nil, ErrEmptyPrompt
	}

	msgs := make([]llms.MessageContent, 0, len(history)+2)
	if system != "" {
		msgs = append(msgs,
			llms.TextParts(llms.ChatMessageTypeHuman, system),
			llms.TextParts(llms.ChatMessageTypeAI, "Understood. I'm ready to help."),
		)
	}
	for i, m := range history {
		switch m.Role {
		case "user":
			msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, m.Content))
		case "assistant":
			// A model turn can't open the conversation.
			if i > 0 {
				msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeAI, m.Content))
			}
		}
	}
	return c.generate(ctx, msgs, opts)
}

// GenerateJSON completes prompt and parses the reply as a JSON object.
// ErrNoJSON means the model answered but not with JSON; the Response is
// still returned so callers can fall back to the text.
func (c *Client) GenerateJSON(ctx context.Context, prompt string, opts Options) (any, *Response, error) {
	resp, err := c.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, nil, err
	}
	data, err := ParseJSON(resp.Content)
	if err != nil {
		return nil, resp, err
	}
	return data, resp, nil
}

func (c *Client) generate(ctx context.Context, msgs []llms.MessageContent, opts Options) (*Response, error) {
	if c.llm == nil {
		return nil, ErrNotConfigured
	}

	ctx, span := traces.StartSpan(ctx, "ai.Generate")
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var errs []error
	for _, model := range c.models {
		if !c.breaker.Allow(model) {
			errs = append(errs, fmt.Errorf("%s: circuit open", model))
			metrics.AIRequestsTotal.WithLabelValues(model, "skipped").Inc()
			continue
		}

		text, err := c.attempt(ctx, model, msgs, opts)
		if err != nil {
			c.breaker.RecordFailure(model)
			errs = append(errs, fmt.Errorf("%s: %w", model, err))
			logging.L(ctx).Warn("ai model failed", "model", model, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		c.breaker.RecordSuccess(model)

		span.SetAttributes(traces.Model(model))
		return &Response{Content: text, Model: model, Timestamp: c.now().UnixMilli()}, nil
	}

	err := errors.Join(append([]error{ErrUpstreamUnavailable}, errs...)...)
	span.RecordError(err)
	span.SetStatus(codes.Error, "all models failed")
	return nil, err
}

func (c *Client) attempt(ctx context.Context, model string, msgs []llms.MessageContent, opts Options) (text string, err error) {
	start := time.Now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		metrics.AIRequestsTotal.WithLabelValues(model, outcome).Inc()
		metrics.AIRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.llm.GenerateContent(ctx, msgs,
		llms.WithModel(model),
		llms.WithTemperature(opts.Temperature),
		llms.WithTopP(opts.TopP),
		llms.WithTopK(opts.TopK),
		llms.WithMaxTokens(opts.MaxOutputTokens),
	)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Content, nil
}

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// ParseJSON decodes a reply strictly, then falls back to the outermost
// {...} block, which handles replies wrapped in prose or code fences.
func ParseJSON(content string) (any, error) {
	var data any
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &data); err == nil {
		return data, nil
	}
	block := jsonObject.FindString(content)
	if block == "" {
		return nil, ErrNoJSON
	}
	if err := json.Unmarshal([]byte(block), &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, err)
	}
	return data, nil
}
