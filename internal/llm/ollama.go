package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/pkg/types"
)

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the Ollama API root (default: http://localhost:11434)
	BaseURL string

	// Model is the chat model (default: llama3.1)
	Model string

	// Timeout bounds each request (default: 120s)
	Timeout time.Duration

	System string

	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// OllamaClient talks to a local Ollama server over its /api/chat endpoint.
type OllamaClient struct {
	baseURL string
	model   string
	system  string
	timeout time.Duration
	client  *http.Client
	guard   guard
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

// ollamaChatResponse is one response object; streaming sends one per line.
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// NewOllamaClient creates a new Ollama client, applying defaults.
func NewOllamaClient(config OllamaConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "llama3.1"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}

	return &OllamaClient{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		model:   config.Model,
		system:  config.System,
		timeout: config.Timeout,
		client:  &http.Client{Timeout: config.Timeout},
		guard:   newGuard("ollama", config.RequestsPerSecond, config.Burst, config.Logger),
	}
}

// Complete sends history plus prompt and returns the reply text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string, history []types.Message) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.chat(ctx, prompt, history, nil)
	})
}

// Stream sends history plus prompt and delivers each streamed piece to
// onChunk.
func (c *OllamaClient) Stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	return c.guard.call(ctx, func() (string, error) {
		return c.chat(ctx, prompt, history, onChunk)
	})
}

func (c *OllamaClient) chat(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqBody := ollamaChatRequest{
		Model:    c.model,
		Messages: c.buildMessages(prompt, history),
		Stream:   onChunk != nil,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	// Both modes decode a sequence of objects; non-streaming sends one.
	var sb strings.Builder
	dec := json.NewDecoder(resp.Body)
	for {
		var part ollamaChatResponse
		if err := dec.Decode(&part); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return "", fmt.Errorf("failed to decode response: %w", err)
		}
		if part.Error != "" {
			return "", fmt.Errorf("ollama error: %s", part.Error)
		}
		if text := part.Message.Content; text != "" {
			sb.WriteString(text)
			if onChunk != nil {
				if err := onChunk(text); err != nil {
					return sb.String(), err
				}
			}
		}
		if part.Done {
			break
		}
	}
	return sb.String(), nil
}

func (c *OllamaClient) buildMessages(prompt string, history []types.Message) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, len(history)+2)
	if c.system != "" {
		msgs = append(msgs, ollamaMessage{Role: string(types.RoleSystem), Content: c.system})
	}
	for _, m := range history {
		msgs = append(msgs, ollamaMessage{Role: string(m.Role), Content: m.Content})
	}
	return append(msgs, ollamaMessage{Role: string(types.RoleUser), Content: prompt})
}

// HealthCheck verifies that Ollama is reachable via /api/version.
// It bypasses the circuit breaker.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/version", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check returned status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// GetModel returns the configured model name.
func (c *OllamaClient) GetModel() string {
	return c.model
}

var _ StreamCompleter = (*OllamaClient)(nil)
