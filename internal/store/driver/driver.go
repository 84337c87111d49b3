// Package driver opens the row store selected by DB_DRIVER.
package driver

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/tablesnap/internal/config"
	"github.com/JonMunkholm/tablesnap/internal/store"
	"github.com/JonMunkholm/tablesnap/internal/store/memory"
	"github.com/JonMunkholm/tablesnap/internal/store/postgres"
	"github.com/JonMunkholm/tablesnap/internal/store/sqlite"
)

// Open connects to the configured database. The memory driver starts empty
// and is meant for demos and tests.
func Open(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		st, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.URL,
			Schema:          cfg.Schema,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
