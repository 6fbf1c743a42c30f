package serverapp

import (
	"context"
	"fmt"
	"log/slog"

	"hugr-engine/internal/auth"
	"hugr-engine/internal/cache"
	"hugr-engine/internal/catalog"
	"hugr-engine/internal/config"
	"hugr-engine/internal/engine"
	"hugr-engine/internal/executor"
)

// Init initializes all runtime resources. It is idempotent.
func (a *App) Init(ctx context.Context) error {
	a.stateMu.Lock()
	if a.initialized {
		a.stateMu.Unlock()
		return nil
	}
	a.stateMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	cleanup := cleanupStack{}
	success := false
	defer func() {
		if !success {
			cleanup.run(context.Background(), a.logger)
		}
	}()

	if a.loggerProvider != nil {
		cleanup.push("logger provider", func(shutdownCtx context.Context) error {
			return a.loggerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	meterProvider, engineMetrics, schemaRefreshMetrics, securityMetrics, err := initMetrics(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(shutdownCtx context.Context) error {
			return meterProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	tracerProvider, err := initTracing(a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(shutdownCtx context.Context) error {
			return tracerProvider.Shutdown(shutdownCtx, a.logger.Logger)
		})
	}

	sdl, err := config.ReadSchemaFile(a.cfg.Schema.Path)
	if err != nil {
		return fmt.Errorf("failed to read schema file: %w", err)
	}

	cat, err := catalog.NewManager(sdl, a.cfg.CatalogSources(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to compile schema catalog: %w", err)
	}

	a.logger.Info("connecting to data sources", slog.Int("count", len(a.cfg.Sources)))
	registry, err := openSources(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to data sources: %w", err)
	}
	cleanup.push("data sources", func(context.Context) error {
		return registry.Close()
	})

	exec := executor.New(registry, a.logger.Logger, executor.Config{
		MaxConcurrency:   a.cfg.Engine.MaxConcurrency,
		StatementTimeout: a.cfg.Engine.StatementTimeout,
	})

	var responseCache cache.Cache = cache.None{}
	if a.cfg.Cache.Enabled {
		responseCache = cache.NewMemory()
		a.logger.Info("response cache enabled")
	}

	var resolver auth.Resolver = a.cfg.Auth.Resolver()
	eng := engine.New(cat, exec, responseCache, resolver, a.logger, engine.Config{
		MaxDepth: a.cfg.Engine.MaxDepth,
	})

	refresher, refreshCancel, err := startSchemaRefresher(a.cfg, a.logger, cat, schemaRefreshMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize schema refresh manager: %w", err)
	}
	if refresher != nil && refreshCancel != nil {
		cleanup.push("schema refresher", func(shutdownCtx context.Context) error {
			refreshCancel()
			return refresher.Wait(shutdownCtx)
		})
	}

	graphqlHandler, err := buildGraphQLHandler(a.cfg, a.logger, eng, engineMetrics, securityMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize GraphQL handler: %w", err)
	}

	adminHandler, err := buildAdminHandler(a.cfg, a.logger, refresher, securityMetrics)
	if err != nil {
		return fmt.Errorf("failed to initialize admin handler: %w", err)
	}

	mux := buildRouter(a.cfg, a.logger, cat, graphqlHandler, adminHandler, meterProvider)
	handler := wrapHTTPHandler(a.cfg, a.logger, mux)

	serverAddr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv, tlsManager, err := buildServer(a.cfg, a.logger, handler, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", func(shutdownCtx context.Context) error {
		return srv.Shutdown(shutdownCtx)
	})
	if tlsManager != nil {
		cleanup.push("TLS manager", func(context.Context) error {
			return tlsManager.Shutdown()
		})
	}

	a.stateMu.Lock()
	a.meterProvider = meterProvider
	a.engineMetrics = engineMetrics
	a.schemaRefreshMetrics = schemaRefreshMetrics
	a.securityMetrics = securityMetrics
	a.tracerProvider = tracerProvider
	a.catalog = cat
	a.registry = registry
	a.engine = eng
	a.refresher = refresher
	a.refreshCancel = refreshCancel
	a.graphqlHandler = graphqlHandler
	a.adminHandler = adminHandler
	a.mux = mux
	a.handler = handler
	a.serverAddr = serverAddr
	a.srv = srv
	a.tlsManager = tlsManager
	a.cleanup = cleanup
	a.initialized = true
	a.stateMu.Unlock()

	success = true
	return nil
}
