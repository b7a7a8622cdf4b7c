// Package bootstrap opens the configured entity store for the commands.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"convograph/backend/internal/graph"
	"convograph/backend/internal/store"
	"convograph/backend/internal/store/memstore"
	"convograph/backend/internal/store/postgres"
	"convograph/backend/pkg/config"
	"convograph/backend/pkg/logger"
)

// OpenStore connects to the backend named by cfg.StoreDriver and applies its schema
func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	log := logger.Named("bootstrap")

	var s store.Store
	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pg, err := postgres.New(ctx, postgres.Config{
			URL:            cfg.DatabaseURL,
			MaxConnections: int32(cfg.DatabaseMaxConns),
		})
		if err != nil {
			return nil, err
		}
		s = pg
	case config.StoreDriverNeo4j:
		driver, err := graph.Connect(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
		if err != nil {
			return nil, err
		}
		s = graph.NewRepository(driver)
	case config.StoreDriverMemory:
		log.Warn("Using in-memory store; state is lost on exit")
		s = memstore.New()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		_ = s.Close(ctx)
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	log.Info("Entity store ready", zap.String("driver", cfg.StoreDriver))
	return s, nil
}
