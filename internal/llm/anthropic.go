package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/ishandhanani/forky/pkg/types"
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // default: claude-sonnet-4-5
	BaseURL   string        // default: SDK default
	MaxTokens int64         // default: 4096
	Timeout   time.Duration // default: 120s

	// System is prepended to any system-role history.
	System string

	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// AnthropicClient implements StreamCompleter with the Anthropic Messages API.
type AnthropicClient struct {
	cfg    AnthropicConfig
	client anthropic.Client
	guard  guard
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		cfg:    cfg,
		client: anthropic.NewClient(opts...),
		guard:  newGuard("anthropic", cfg.RequestsPerSecond, cfg.Burst, cfg.Logger),
	}
}

// Complete sends history plus prompt and returns the reply text.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.complete(ctx, prompt, history)
	})
}

func (c *AnthropicClient) complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	msg, err := c.client.Messages.New(ctx, c.buildParams(prompt, history))
	if err != nil {
		return "", fmt.Errorf("anthropic complete: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(b.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("anthropic returned empty content")
	}
	return sb.String(), nil
}

// Stream sends history plus prompt and delivers text deltas to onChunk.
func (c *AnthropicClient) Stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.stream(ctx, prompt, history, onChunk)
	})
}

func (c *AnthropicClient) stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.buildParams(prompt, history))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		ev, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
		if !ok || delta.Text == "" {
			continue
		}
		sb.WriteString(delta.Text)
		if onChunk != nil {
			if err := onChunk(delta.Text); err != nil {
				return sb.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream: %w", err)
	}
	return sb.String(), nil
}

// buildParams folds system-role history into the system prompt, since the
// Messages API only accepts user and assistant turns.
func (c *AnthropicClient) buildParams(prompt string, history []types.Message) anthropic.MessageNewParams {
	var system []string
	if c.cfg.System != "" {
		system = append(system, c.cfg.System)
	}

	turns := coalesceTurns(history, prompt, func(m types.Message) {
		system = append(system, m.Content)
	})

	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		if t.Role == types.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		MaxTokens: c.cfg.MaxTokens,
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	return params
}

// GetModel returns the configured model name.
func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

// coalesceTurns drops system messages into onSystem, appends prompt as the
// final user turn and joins consecutive turns of the same role. The result
// always starts with a user turn.
func coalesceTurns(history []types.Message, prompt string, onSystem func(types.Message)) []types.Message {
	var out []types.Message
	push := func(m types.Message) {
		if m.Content == "" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			return
		}
		out = append(out, m)
	}

	for _, m := range history {
		if m.Role == types.RoleSystem {
			onSystem(m)
			continue
		}
		push(m)
	}
	push(types.Message{Role: types.RoleUser, Content: prompt})

	if len(out) > 0 && out[0].Role != types.RoleUser {
		out = append([]types.Message{{Role: types.RoleUser, Content: "(continuing conversation)"}}, out...)
	}
	return out
}

var _ StreamCompleter = (*AnthropicClient)(nil)
