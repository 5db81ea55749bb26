package docstore

import (
	"context"
	"fmt"

	"familynet/backend/pkg/config"
)

// Open selects and opens the backend named by cfg.StoreBackend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return NewMemory(), nil
	case config.BackendBadger:
		return NewBadger(BadgerOptions{Dir: cfg.BadgerDir})
	case config.BackendSQLite:
		return OpenSQL(ctx, NewSQLiteDialect(), DialectConfig{Path: cfg.DatabasePath})
	case config.BackendPostgres, config.BackendMySQL:
		dialect, _ := DialectFor(cfg.StoreBackend)
		return OpenSQL(ctx, dialect, DialectConfig{URL: cfg.DatabaseURL})
	case config.BackendNeo4j:
		return NewNeo4j(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", cfg.StoreBackend)
	}
}
