// Command forky manages branching LLM conversations: chat, fork, check out
// any node and merge branches back together with a three-way semantic
// merge.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/config"
	"github.com/ishandhanani/forky/internal/conversation"
	"github.com/ishandhanani/forky/internal/graph"
	"github.com/ishandhanani/forky/internal/llm"
	"github.com/ishandhanani/forky/internal/logging"
	"github.com/ishandhanani/forky/internal/merge"
	"github.com/ishandhanani/forky/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newApp(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describeError(err))
		stop()
		os.Exit(1)
	}
}

// execute runs one command line. The store and logger are released before
// it returns, whether or not the command succeeded.
func execute(ctx context.Context, a *app, args []string, out io.Writer) error {
	defer a.teardown()
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

// app holds what every command needs once flags are parsed. The factories
// are fields so tests can swap in fakes.
type app struct {
	configPath   string
	conversation string

	cfg    *config.Config
	logger *zap.Logger
	store  storage.ConversationStore

	openStore    func(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ConversationStore, error)
	newCompleter func(cfg config.LLMConfig, logger *zap.Logger) (llm.Completer, error)
}

func newApp() *app {
	return &app{
		openStore:    openStore,
		newCompleter: llm.NewCompleter,
	}
}

// setup loads configuration, builds the logger and opens the store.
func (a *app) setup(ctx context.Context) error {
	var err error
	if a.configPath != "" {
		a.cfg, err = config.LoadConfigFile(a.configPath)
	} else {
		a.cfg, err = config.LoadConfig()
	}
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if a.logger, err = logging.New(a.cfg.Log); err != nil {
		return err
	}
	a.logger.Debug("configuration loaded",
		zap.String("engine", a.cfg.Storage.Engine),
		zap.String("provider", a.cfg.LLM.Provider),
		zap.String("api_key", logging.RedactKey(a.cfg.LLM.APIKey)))

	a.store, err = a.openStore(ctx, a.cfg.Storage, a.logger.Named("store"))
	return err
}

func (a *app) teardown() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// newTree builds an empty tree bound to the configured provider.
func (a *app) newTree() (*conversation.Tree, error) {
	c, err := a.newCompleter(a.cfg.LLM, a.logger.Named("llm"))
	if err != nil {
		return nil, err
	}
	return conversation.NewTreeFromConfig(a.cfg.Merge, c, a.logger.Named("tree"))
}

// loadTree loads the selected conversation. With create set, a missing
// conversation starts as a fresh tree.
func (a *app) loadTree(ctx context.Context, create bool) (*conversation.Tree, error) {
	tree, err := a.newTree()
	if err != nil {
		return nil, err
	}
	rec, err := a.store.Load(ctx, a.conversation)
	if errors.Is(err, storage.ErrNotFound) && create {
		a.logger.Debug("starting new conversation", zap.String("conversation", a.conversation))
		return tree, nil
	}
	if err != nil {
		return nil, err
	}
	if err := tree.Load(rec); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", a.conversation, err)
	}
	return tree, nil
}

func (a *app) saveTree(ctx context.Context, tree *conversation.Tree) error {
	return a.store.Save(ctx, a.conversation, tree.Flatten())
}

func (a *app) exists(ctx context.Context) (bool, error) {
	_, err := a.store.Load(ctx, a.conversation)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// describeError names the rejection reason or failed merge stage when
// there is one.
func describeError(err error) string {
	if reason, ok := graph.RejectionReasonOf(err); ok {
		return fmt.Sprintf("merge rejected: %s", reason)
	}
	if stage, ok := merge.StageOf(err); ok {
		return fmt.Sprintf("merge failed at the %s stage: %v", stage, err)
	}
	return err.Error()
}
