package main

import (
	"context"
	"fmt"

	"github.com/wmsfield/devosync/internal/photo"
	"github.com/wmsfield/devosync/internal/remote"
	"github.com/wmsfield/devosync/internal/store"
	"github.com/wmsfield/devosync/internal/sync"
	"github.com/wmsfield/devosync/internal/workflow"
)

// app bundles the wired components behind every command.
type app struct {
	stores  *store.Stores
	client  remote.Client
	engine  *sync.Engine
	workers *workflow.Service
}

// openApp opens the database, initializes the schema and wires the stores,
// remote client and engine. The caller must Close it.
func openApp(ctx context.Context) (*app, error) {
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	stores := store.NewStores(db, store.NewBus(), logger)
	client := remote.NewHTTPClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout, logger)
	encoder := photo.NewEncoder(cfg.Photo.MaxDimension, cfg.Photo.Quality)
	engine := sync.NewEngine(stores, client, encoder, logger)

	return &app{
		stores:  stores,
		client:  client,
		engine:  engine,
		workers: workflow.NewService(stores, client, nil, logger),
	}, nil
}

func (a *app) Close() error {
	return a.stores.DB.Close()
}
