// Package conversation ties the DAG, the completion provider and the merge
// engine together into a ConversationTree: chatting, forking, checking out
// and merging branches, plus persistence of the whole tree as a record.
package conversation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/config"
	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/internal/merge"
	"github.com/ishandhanani/forky/pkg/types"
)

// Strategy selects the diff and merge implementations.
type Strategy string

const (
	// StrategyLLM diffs and merges through the completion provider.
	StrategyLLM Strategy = "llm"
	// StrategySimple uses the deterministic set-based diff and merge.
	StrategySimple Strategy = "simple"
)

// ParseStrategy converts a configuration value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyLLM, "":
		return StrategyLLM, nil
	case StrategySimple:
		return StrategySimple, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", s)
	}
}

// summaryCache is implemented by summarizers whose cache can be persisted
// with the tree.
type summaryCache interface {
	Seed(nodeID string, summary *types.StateSummary)
	Cached(nodeID string) (*types.StateSummary, bool)
}

// Tree is a conversation DAG bound to a completion provider. It is not safe
// for concurrent mutation.
type Tree struct {
	graph      *graph.Graph
	graphOpts  []graph.Option
	completer  llm.Completer
	summarizer merge.Summarizer

	strategy           Strategy
	parallel           bool
	cacheSize          int
	continuationPrompt string

	logger *zap.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tree) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithStrategy sets the default merge strategy.
func WithStrategy(s Strategy) Option {
	return func(t *Tree) { t.strategy = s }
}

// WithParallelSummaries toggles concurrent branch summarization.
func WithParallelSummaries(on bool) Option {
	return func(t *Tree) { t.parallel = on }
}

// WithSummaryCacheSize bounds the default summarizer's cache.
func WithSummaryCacheSize(n int) Option {
	return func(t *Tree) { t.cacheSize = n }
}

// WithSummarizer replaces the provider-backed summarizer.
func WithSummarizer(s merge.Summarizer) Option {
	return func(t *Tree) { t.summarizer = s }
}

// WithContinuationPrompt sets the prompt that follows every merge node.
func WithContinuationPrompt(p string) Option {
	return func(t *Tree) {
		if p != "" {
			t.continuationPrompt = p
		}
	}
}

// WithGraphOptions passes options to every graph the tree creates or
// rebuilds.
func WithGraphOptions(opts ...graph.Option) Option {
	return func(t *Tree) { t.graphOpts = append(t.graphOpts, opts...) }
}

// NewTree creates a tree holding a fresh graph.
func NewTree(c llm.Completer, opts ...Option) (*Tree, error) {
	if c == nil {
		return nil, fmt.Errorf("completer is required")
	}
	t := &Tree{
		completer:          c,
		strategy:           StrategyLLM,
		parallel:           true,
		cacheSize:          merge.DefaultSummaryCacheSize,
		continuationPrompt: llm.DefaultContinuationPrompt,
		logger:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.summarizer == nil {
		s, err := merge.NewLLMSummarizer(c, t.cacheSize, t.logger.Named("summarizer"))
		if err != nil {
			return nil, err
		}
		t.summarizer = s
	}
	t.graph = graph.New(t.graphOpts...)
	return t, nil
}

// NewTreeFromConfig creates a tree configured by the merge section.
func NewTreeFromConfig(cfg config.MergeConfig, c llm.Completer, logger *zap.Logger) (*Tree, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	policy, err := graph.ParseDivergencePolicy(cfg.DivergencePolicy)
	if err != nil {
		return nil, err
	}
	return NewTree(c,
		WithLogger(logger),
		WithStrategy(strategy),
		WithParallelSummaries(cfg.ParallelSummaries),
		WithSummaryCacheSize(cfg.SummaryCacheSize),
		WithContinuationPrompt(cfg.ContinuationPrompt),
		WithGraphOptions(graph.WithDivergencePolicy(policy)),
	)
}

// Graph exposes the underlying DAG for read access.
func (t *Tree) Graph() *graph.Graph { return t.graph }

// Current returns the node new messages attach to.
func (t *Tree) Current() *graph.Node { return t.graph.Current() }

// Model names the model behind the tree's completer.
func (t *Tree) Model() string { return t.completer.GetModel() }

// AddMessage appends a message at the current node.
func (t *Tree) AddMessage(content string, role types.Role) (*graph.Node, error) {
	return t.graph.AddMessage(content, role)
}

// Fork opens a branch at the current node. An empty name is generated.
func (t *Tree) Fork(name string) (*graph.Node, error) {
	n, err := t.graph.Fork(name)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("forked", zap.String("branch", n.BranchName), zap.String("node_id", n.ID))
	return n, nil
}

// Checkout moves the current node to a branch head or an id prefix.
func (t *Tree) Checkout(ref string) (*graph.Node, error) {
	return t.graph.Checkout(ref)
}

// History linearizes the conversation ending at the current node.
func (t *Tree) History() []types.Message {
	return t.graph.ConversationHistory(t.graph.Current())
}

// Chat sends message with the current history and appends the user turn
// and the reply. Nothing is added when the completion fails.
func (t *Tree) Chat(ctx context.Context, message string, onChunk llm.ChunkFunc) (string, error) {
	cur := t.graph.Current()
	if t.graph.Policy() == graph.DivergenceReject && len(cur.Children) > 0 {
		return "", fmt.Errorf("%w: node %s already has children", graph.ErrDivergentWrite, cur.ID)
	}

	history := t.graph.ConversationHistory(cur)
	reply, err := llm.CompleteStreaming(ctx, t.completer, message, history, onChunk)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if _, err := t.graph.AddMessage(message, types.RoleUser); err != nil {
		return "", err
	}
	if _, err := t.graph.AddMessage(reply, types.RoleAssistant); err != nil {
		return "", err
	}
	t.logger.Debug("chat turn added",
		zap.String("model", t.completer.GetModel()),
		zap.Int("history", len(history)),
		zap.Int("reply_len", len(reply)))
	return reply, nil
}

// Reset replaces the graph with a fresh root.
func (t *Tree) Reset() {
	t.graph = graph.New(t.graphOpts...)
}

// Flatten returns the persisted form of the tree.
func (t *Tree) Flatten() *graph.Record {
	return t.graph.Flatten()
}

// Load replaces the graph with one rebuilt from rec and seeds the summary
// cache from the summaries stored on its nodes.
func (t *Tree) Load(rec *graph.Record) error {
	g, err := graph.Rebuild(rec, t.graphOpts...)
	if err != nil {
		return err
	}
	if cache, ok := t.summarizer.(summaryCache); ok {
		for _, n := range g.Nodes() {
			if n.Summary != nil {
				cache.Seed(n.ID, n.Summary)
			}
		}
	}
	t.graph = g
	return nil
}

// CheckEligibility resolves two refs and checks whether they can be merged.
func (t *Tree) CheckEligibility(refA, refB string) (*graph.Eligibility, error) {
	a, err := t.graph.Resolve(refA)
	if err != nil {
		return nil, err
	}
	b, err := t.graph.Resolve(refB)
	if err != nil {
		return nil, err
	}
	return t.graph.CheckMergeEligibility(a, b)
}
