package llm

import (
	"context"

	"github.com/ishandhanani/forky/pkg/types"
)

// Completer is the text-completion capability the merge engine is built on.
// The prompt is sent as the final user turn after history.
type Completer interface {
	Complete(ctx context.Context, prompt string, history []types.Message) (string, error)
	GetModel() string
}

// ChunkFunc receives streamed text. Returning an error aborts the stream.
type ChunkFunc func(chunk string) error

// StreamCompleter is implemented by providers that can stream a reply.
// Stream returns the full accumulated text once the stream ends.
type StreamCompleter interface {
	Completer
	Stream(ctx context.Context, prompt string, history []types.Message, onChunk ChunkFunc) (string, error)
}

// CompleteStreaming streams through c when it supports streaming and
// onChunk is set. Otherwise it falls back to Complete and hands the whole
// reply to onChunk at once.
func CompleteStreaming(ctx context.Context, c Completer, prompt string, history []types.Message, onChunk ChunkFunc) (string, error) {
	if sc, ok := c.(StreamCompleter); ok && onChunk != nil {
		return sc.Stream(ctx, prompt, history, onChunk)
	}
	text, err := c.Complete(ctx, prompt, history)
	if err != nil {
		return "", err
	}
	if onChunk != nil && text != "" {
		if err := onChunk(text); err != nil {
			return "", err
		}
	}
	return text, nil
}
