// Package app assembles the subsystems into a runnable process: stores,
// session manager, tool aggregator, router, facade, health loop.
package app

import (
	"context"
	"database/sql"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"mcpfed/internal/aggregator"
	"mcpfed/internal/config"
	"mcpfed/internal/events"
	"mcpfed/internal/fault"
	"mcpfed/internal/registry"
	"mcpfed/internal/router"
	"mcpfed/internal/session"
	"mcpfed/internal/tools"
	"mcpfed/pkg/logging"
)

// Application is the fully wired process.
type Application struct {
	config config.Config
	bus    *events.Bus
	facade *aggregator.Aggregator

	serverStore registry.Store
	toolStore   tools.ToolStore
	vectors     tools.VectorStore
	db          *sql.DB
}

// NewApplication wires every subsystem from the configuration. With no
// database path the in-memory stores are used; semantics are identical.
func NewApplication(cfg config.Config) (*Application, error) {
	app := &Application{
		config: cfg,
		bus:    events.NewBus(),
	}

	if cfg.Storage.DatabasePath != "" {
		db, err := sql.Open("sqlite", cfg.Storage.DatabasePath)
		if err != nil {
			return nil, fault.Wrap(fault.KindStoreError, err, "open database %s", cfg.Storage.DatabasePath)
		}
		app.db = db

		serverStore, err := registry.NewSQLiteStoreFromDB(db, app.bus)
		if err != nil {
			return nil, err
		}
		toolStore, err := tools.NewSQLiteToolStoreFromDB(db)
		if err != nil {
			return nil, err
		}
		app.serverStore = serverStore
		app.toolStore = toolStore
	} else {
		app.serverStore = registry.NewMemoryStore(app.bus)
		app.toolStore = tools.NewMemoryToolStore()
	}

	vectors, err := tools.NewChromemVectorStore(cfg.Storage.VectorPath)
	if err != nil {
		return nil, err
	}
	app.vectors = vectors

	sessions := session.NewManager(app.serverStore)

	toolOpts := []tools.AggregatorOption{tools.WithBus(app.bus)}
	if cfg.Embedding.BaseURL != "" || cfg.Embedding.APIKey != "" {
		embedder, err := tools.NewOpenAIEmbedder(tools.EmbedderConfig{
			Model:      cfg.Embedding.Model,
			APIKey:     cfg.Embedding.APIKey,
			BaseURL:    cfg.Embedding.BaseURL,
			Dimensions: cfg.Embedding.Dimensions,
			CacheSize:  cfg.Embedding.CacheSize,
		})
		if err != nil {
			return nil, err
		}
		toolOpts = append(toolOpts, tools.WithEmbedder(embedder))
	} else {
		logging.Info("App", "No embedding backend configured, search uses deterministic vectors")
	}

	toolAgg := tools.NewAggregator(app.serverStore, sessions, app.toolStore, vectors, toolOpts...)
	rtr := router.NewRouter(app.serverStore, sessions, app.toolStore)

	app.facade = aggregator.New(app.serverStore, sessions, toolAgg, rtr,
		aggregator.WithBus(app.bus),
		aggregator.WithHealthInterval(cfg.Health.Interval),
		aggregator.WithDegradeThreshold(cfg.Health.DegradeThreshold),
	)
	return app, nil
}

// Facade exposes the aggregator facade, the sole operational surface.
func (a *Application) Facade() *aggregator.Aggregator {
	return a.facade
}

// Bus exposes the process event bus.
func (a *Application) Bus() *events.Bus {
	return a.bus
}

// Run registers the configured servers, starts the health loop, and
// blocks until the context is cancelled or a termination signal arrives.
func (a *Application) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for _, serverConfig := range a.config.Servers {
		if _, err := a.serverStore.GetByName(ctx, serverConfig.Name); err == nil {
			// Persisted from a previous run; reconnection happens below.
			continue
		}
		if _, err := a.facade.RegisterServer(ctx, serverConfig); err != nil {
			logging.Warn("App", "Registering configured server %s: %v", serverConfig.Name, err)
		}
	}

	// Persisted records that were connected before the last shutdown come
	// back up through the regular connect path.
	servers, err := a.serverStore.List(ctx, registry.ListFilter{AllTenants: true})
	if err != nil {
		return err
	}
	for _, server := range servers {
		if server.Status != registry.StatusConnected {
			continue
		}
		// ConnectServer is idempotent; servers connected in this run are
		// skipped, stale records from the previous run get a fresh session.
		if _, err := a.facade.ConnectServer(ctx, server.ID); err != nil {
			logging.Warn("App", "Reconnecting %s at boot: %v", server.Name, err)
		}
	}

	monitor := a.facade.StartHealthMonitor(ctx)
	defer monitor.Stop()

	logging.Info("App", "Aggregator running with %d registered servers", len(servers))
	<-ctx.Done()

	logging.Info("App", "Shutting down")
	shutdownCtx := context.Background()
	a.facade.Shutdown(shutdownCtx)
	return a.Close()
}

// Close releases every store.
func (a *Application) Close() error {
	var firstErr error
	for _, closer := range []interface{ Close() error }{a.toolStore, a.vectors, a.serverStore} {
		if closer == nil {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
