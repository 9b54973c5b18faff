package storage

import (
	"context"
	"fmt"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/database"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/storage/postgres"
	"github.com/tandemhq/tandem/internal/storage/sqlite"
	"go.uber.org/zap"
)

// Backends must satisfy the Store surface.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*sqlite.Store)(nil)
	_ Store = (*postgres.Store)(nil)
)

// Provide builds the configured store implementation. The returned cleanup
// closes it.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	if log == nil {
		log = logger.Default()
	}
	switch cfg.Storage.Driver {
	case "memory":
		store := NewMemoryStore()
		log.Info("Using in-memory store")
		return store, store.Close, nil

	case "postgres":
		db, err := database.Connect(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		store, err := postgres.New(ctx, db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("Using postgres store",
			zap.String("host", cfg.Storage.Postgres.Host),
			zap.String("database", cfg.Storage.Postgres.DBName))
		return store, store.Close, nil

	case "sqlite":
		path := config.ExpandPath(cfg.Storage.SQLite.Path)
		store, err := sqlite.New(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Info("Using sqlite store", zap.String("path", path))
		return store, store.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}
