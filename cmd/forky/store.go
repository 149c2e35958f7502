package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ishandhanani/forky/internal/config"
	"github.com/ishandhanani/forky/internal/storage"
	"github.com/ishandhanani/forky/internal/storage/file"
	"github.com/ishandhanani/forky/internal/storage/postgres"
	"github.com/ishandhanani/forky/internal/storage/redis"
	"github.com/ishandhanani/forky/internal/storage/sqlite"
)

// sqliteFile is the database name under the data path.
const sqliteFile = "forky.db"

// openStore opens the conversation store selected by cfg.Engine.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (storage.ConversationStore, error) {
	logger = logger.With(zap.String("engine", cfg.Engine))
	switch cfg.Engine {
	case "file", "":
		return file.NewStore(filepath.Join(cfg.DataPath, "conversations"), file.WithLogger(logger))
	case "sqlite":
		return sqlite.NewStore(ctx, filepath.Join(cfg.DataPath, sqliteFile), sqlite.WithLogger(logger))
	case "postgres":
		return postgres.NewStore(ctx, cfg.PostgresDSN, postgres.WithLogger(logger))
	case "redis":
		return redis.NewStore(ctx, cfg.RedisURL, redis.WithLogger(logger))
	default:
		return nil, fmt.Errorf("unknown storage engine %q", cfg.Engine)
	}
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}
