// Package serverapp owns the server lifecycle: resource initialization,
// startup, and ordered shutdown.
package serverapp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/config"
	"hugr-engine/internal/datasource"
	"hugr-engine/internal/engine"
	"hugr-engine/internal/logging"
	"hugr-engine/internal/observability"
	"hugr-engine/internal/schemarefresh"
	"hugr-engine/internal/tlscert"
)

// App owns runtime resources for the hugr-engine server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	meterProvider        *observability.MeterProvider
	engineMetrics        *observability.EngineMetrics
	schemaRefreshMetrics *observability.SchemaRefreshMetrics
	securityMetrics      *observability.SecurityMetrics
	tracerProvider       *observability.TracerProvider

	catalog  *catalog.Manager
	registry *datasource.Registry
	engine   *engine.Engine

	refresher     *schemarefresh.Manager
	refreshCancel context.CancelFunc

	graphqlHandler http.Handler
	adminHandler   http.Handler
	mux            *http.ServeMux
	handler        http.Handler

	serverAddr string
	srv        *http.Server
	tlsManager tlscert.Manager

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}

// Engine exposes the initialized engine, for embedding callers.
func (a *App) Engine() *engine.Engine {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.engine
}
