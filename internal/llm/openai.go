package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.uber.org/zap"

	"github.com/ishandhanani/forky/pkg/types"
)

// OpenAIConfig holds configuration for the OpenAI client.
type OpenAIConfig struct {
	APIKey  string
	Model   string        // default: gpt-4o-mini
	BaseURL string        // default: SDK default
	Timeout time.Duration // default: 120s
	System  string

	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// OpenAIClient implements StreamCompleter with the chat completions API.
// Any OpenAI-compatible endpoint works through BaseURL.
type OpenAIClient struct {
	cfg    OpenAIConfig
	client openai.Client
	guard  guard
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
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

	return &OpenAIClient{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		guard:  newGuard("openai", cfg.RequestsPerSecond, cfg.Burst, cfg.Logger),
	}
}

// Complete sends history plus prompt and returns the reply text.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.complete(ctx, prompt, history)
	})
}

func (c *OpenAIClient) complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, c.buildParams(prompt, history))
	if err != nil {
		return "", fmt.Errorf("openai complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Stream sends history plus prompt and delivers content deltas to onChunk.
func (c *OpenAIClient) Stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.stream(ctx, prompt, history, onChunk)
	})
}

func (c *OpenAIClient) stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.buildParams(prompt, history))
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		sb.WriteString(text)
		if onChunk != nil {
			if err := onChunk(text); err != nil {
				return sb.String(), err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return "", fmt.Errorf("openai stream: %w", err)
	}
	return sb.String(), nil
}

func (c *OpenAIClient) buildParams(prompt string, history []types.Message) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if c.cfg.System != "" {
		msgs = append(msgs, openai.SystemMessage(c.cfg.System))
	}
	for _, m := range history {
		switch m.Role {
		case types.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case types.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}
	msgs = append(msgs, openai.UserMessage(prompt))

	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: msgs,
	}
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

var _ StreamCompleter = (*OpenAIClient)(nil)
