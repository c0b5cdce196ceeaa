package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devblac/game-indexer/internal/config"
	"github.com/devblac/game-indexer/internal/engine"
	"github.com/devblac/game-indexer/internal/projection"
	"github.com/devblac/game-indexer/internal/storage"
)

// openReadOnly opens the store and rebuilds the projection without touching the chain.
func openReadOnly(ctx context.Context, log *slog.Logger) (*config.Config, *storage.Store, *projection.Projector, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	store, err := storage.Open(cfg.Global.DBPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open storage: %w", err)
	}
	opts, err := engine.OptionsFromConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	opts.Log = log
	proj := projection.New(log)
	if _, err := engine.NewRunner(store, nil, nil, proj, nil, nil, opts).Recover(ctx); err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return cfg, store, proj, nil
}
