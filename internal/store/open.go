package store

import (
	"context"
	"fmt"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/database"
)

// Open builds the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, clk clock.Clock) (Store, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(clk), nil
	case "sqlite":
		db, err := database.Connect(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db, clk, cfg.OpTimeout)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisURL, cfg.OpTimeout)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
