package serverapp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"hugr-engine/internal/catalog"
	"hugr-engine/internal/config"
	"hugr-engine/internal/datasource"
	"hugr-engine/internal/engine"
	"hugr-engine/internal/logging"
	"hugr-engine/internal/middleware"
	"hugr-engine/internal/observability"
	"hugr-engine/internal/schemarefresh"
	"hugr-engine/internal/tlscert"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     otlpExporterConfig(logsConfig),
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func otlpExporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
		RetryMaxAttempts:  c.RetryMaxAttempts,
	}
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, *observability.EngineMetrics, *observability.SchemaRefreshMetrics, *observability.SecurityMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, nil, nil, nil, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")

	engineMetrics, err := observability.InitMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	schemaRefreshMetrics, err := observability.InitSchemaRefreshMetrics(logger.Logger)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	securityMetrics, err := observability.InitSecurityMetrics()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	logger.Info("security metrics initialized")

	return meterProvider, engineMetrics, schemaRefreshMetrics, securityMetrics, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Bool("insecure", tracesConfig.Insecure),
	)

	tracerProvider, err := observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       otlpExporterConfig(tracesConfig),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")

	return tracerProvider, nil
}

// openSources connects every configured source with its own pool sizing.
func openSources(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*datasource.Registry, error) {
	instrument := cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled
	pools := make([]*datasource.Pool, 0, len(cfg.Sources))

	for _, src := range cfg.Sources {
		reg, err := datasource.Open(ctx, []catalog.DataSource{{
			Name:     src.Name,
			Kind:     catalog.SourceKind(src.Kind),
			DSN:      src.DSN,
			ReadOnly: src.ReadOnly,
		}}, datasource.Config{
			ConnectTimeout:  cfg.Engine.ConnectionTimeout,
			RetryInterval:   cfg.Engine.ConnectionRetryInterval,
			MaxOpenConns:    src.Pool.MaxOpen,
			MaxIdleConns:    src.Pool.MaxIdle,
			ConnMaxLifetime: src.Pool.MaxLifetime,
			Instrument:      instrument,
		}, logger.Logger)
		if err != nil {
			closePools(pools)
			return nil, err
		}
		pool, err := reg.Pool(src.Name)
		if err != nil {
			closePools(pools)
			return nil, err
		}
		pools = append(pools, pool)
	}

	return datasource.NewStatic(pools...), nil
}

func closePools(pools []*datasource.Pool) {
	if len(pools) == 0 {
		return
	}
	_ = datasource.NewStatic(pools...).Close()
}

// startSchemaRefresher wires background SDL polling. A zero interval or a
// stdin-sourced schema disables it.
func startSchemaRefresher(cfg *config.Config, logger *logging.Logger, cat *catalog.Manager, metrics *observability.SchemaRefreshMetrics) (*schemarefresh.Manager, context.CancelFunc, error) {
	if cfg.Schema.RefreshInterval <= 0 && !cfg.Server.Admin.SchemaReloadEnabled {
		return nil, nil, nil
	}
	if cfg.Schema.Path == "@-" {
		logger.Warn("schema refresh disabled: schema was read from stdin")
		return nil, nil, nil
	}

	refresher, err := schemarefresh.NewManager(schemarefresh.Config{
		Path:        cfg.Schema.Path,
		MinInterval: cfg.Schema.RefreshInterval,
	}, cat, logger, metrics)
	if err != nil {
		return nil, nil, err
	}

	if cfg.Schema.RefreshInterval <= 0 {
		// Manual reloads only, through the admin endpoint.
		return refresher, nil, nil
	}

	refreshCtx, refreshCancel := context.WithCancel(context.Background())
	refresher.Start(refreshCtx)
	logger.Info("schema refresh enabled",
		slog.String("path", cfg.Schema.Path),
		slog.Duration("interval", cfg.Schema.RefreshInterval),
	)

	return refresher, refreshCancel, nil
}

func oidcAuthConfig(cfg *config.Config) middleware.OIDCAuthConfig {
	return middleware.OIDCAuthConfig{
		Enabled:       cfg.Auth.OIDCEnabled,
		IssuerURL:     cfg.Auth.OIDCIssuerURL,
		Audience:      cfg.Auth.OIDCAudience,
		ClockSkew:     cfg.Auth.OIDCClockSkew,
		SkipTLSVerify: cfg.Auth.OIDCSkipTLSVerify,
	}
}

// buildGraphQLHandler assembles the per-request pipeline. Middleware order:
// logging runs outermost, then OIDC auth, then role resolution (which reads
// claims OIDC placed in context), then request analysis (which labels the
// logger with role and operation metadata), then metrics and tracing around
// the execution handler.
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, eng *engine.Engine, engineMetrics *observability.EngineMetrics, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	execHandler := graphqlExecHandler(eng)

	tracingHandler := middleware.GraphQLTracingMiddleware()(execHandler)

	metricsHandler := tracingHandler
	if cfg.Observability.MetricsEnabled && engineMetrics != nil {
		metricsHandler = middleware.GraphQLMetricsMiddleware(engineMetrics)(tracingHandler)
		logger.Info("GraphQL metrics middleware enabled")
	}

	analysisHandler := middleware.GraphQLRequestAnalysisMiddleware()(metricsHandler)

	roleHandler := middleware.RoleMiddleware(middleware.RoleConfig{
		ClaimName:   cfg.Auth.RoleClaimName,
		DefaultRole: cfg.Auth.DefaultRole,
		RequireAuth: cfg.Auth.OIDCEnabled,
	})(analysisHandler)

	authHandler := roleHandler
	if cfg.Auth.OIDCEnabled {
		authMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		authHandler = authMiddleware(roleHandler)
		logger.Info("OIDC auth middleware enabled")
	}

	return middleware.LoggingMiddleware(logger)(authHandler), nil
}

// graphqlExecHandler turns the analyzed request into an engine call and
// writes the response envelope. Requests carrying a transform extension go
// through the JQ stage chain.
func graphqlExecHandler(eng *engine.Engine) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost && r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		analysis := gqlAnalysis(r)
		if analysis.DecodeError != nil {
			writeJSONError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if strings.TrimSpace(analysis.Envelope.Query) == "" {
			writeJSONError(w, http.StatusBadRequest, "query is required")
			return
		}

		vars, err := analysis.Envelope.Variables()
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid variables object")
			return
		}

		role := ""
		if rc, ok := middleware.RoleFromContext(r.Context()); ok {
			role = rc.Role
		}

		req := engine.Request{
			Query:         analysis.Envelope.Query,
			OperationName: analysis.Envelope.OperationName,
			Variables:     vars,
			Role:          role,
		}

		if transform := analysis.Envelope.Transform; transform != nil {
			out, err := eng.ExecuteTransformed(r.Context(), req, engine.TransformSpec{
				Stages:        transform.Stages,
				Variables:     transform.Variables,
				Envelope:      transform.Envelope,
				IncludeOrigin: transform.IncludeOrigin,
			})
			if err != nil {
				writeGraphQLErrorResponse(w, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
			return
		}

		writeJSON(w, http.StatusOK, eng.Execute(r.Context(), req))
	})
}

func buildAdminHandler(cfg *config.Config, logger *logging.Logger, refresher *schemarefresh.Manager, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	if !cfg.Server.Admin.SchemaReloadEnabled {
		return nil, nil
	}

	var adminHandler http.Handler = http.HandlerFunc(schemaReloadHandler(refresher, securityMetrics))
	if cfg.Auth.OIDCEnabled {
		adminAuthMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		adminHandler = adminAuthMiddleware(adminHandler)
		logger.Info("admin endpoints require OIDC authentication")
		return adminHandler, nil
	}

	tokenMiddleware, err := middleware.AdminTokenAuthMiddleware(middleware.AdminTokenAuthConfig{
		Token: cfg.Server.Admin.AuthToken,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("admin endpoints require a shared token")
	return tokenMiddleware(adminHandler), nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, cat *catalog.Manager, graphqlHandler http.Handler, adminHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/graphql", graphqlHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/graphql", http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/healthz", healthHandler(cat, cfg.Server.HealthCheckTimeout))

	if adminHandler != nil {
		mux.Handle("/admin/reload-schema", adminHandler)
		logger.Info("schema reload endpoint enabled", slog.String("path", "/admin/reload-schema"))
	}

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		handler = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          cfg.Server.CORSEnabled,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
		})(handler)
	}

	if cfg.Server.RateLimitEnabled {
		handler = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled: cfg.Server.RateLimitEnabled,
			RPS:     cfg.Server.RateLimitRPS,
			Burst:   cfg.Server.RateLimitBurst,
		})(handler)
	}

	return handler
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}

	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", "/graphql", "/healthz", "/metrics", "/admin/reload-schema":
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var tlsManager tlscert.Manager
	tlsEnabled := cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
	if tlsEnabled {
		var certMode tlscert.CertMode
		switch cfg.Server.TLSMode {
		case "auto":
			certMode = tlscert.CertModeSelfSigned
		case "file":
			certMode = tlscert.CertModeFile
		default:
			certMode = tlscert.CertMode(cfg.Server.TLSMode)
		}

		tlsConfig := tlscert.Config{
			Mode:              certMode,
			CertFile:          cfg.Server.TLSCertFile,
			KeyFile:           cfg.Server.TLSKeyFile,
			SelfSignedCertDir: cfg.Server.TLSAutoCertDir,
			SelfSignedHosts:   []string{"localhost", "127.0.0.1", "::1"},
		}

		var err error
		tlsManager, err = tlscert.NewManager(tlsConfig, logger.Logger)
		if err != nil {
			return nil, nil, err
		}

		srv.TLSConfig, err = tlsManager.GetTLSConfig()
		if err != nil {
			return nil, nil, err
		}

		logger.Info("TLS enabled",
			slog.String("mode", cfg.Server.TLSMode),
			slog.String("cert_source", tlsManager.Description()))
	}

	return srv, tlsManager, nil
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	tlsEnabled := cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
	go func() {
		protocol := "http"
		if tlsEnabled {
			protocol = "https"
		}

		logAttrs := []any{
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("graphql_endpoint", "/graphql"),
			slog.String("health_endpoint", "/healthz"),
			slog.Int("max_depth", cfg.Engine.MaxDepth),
			slog.String("log_level", cfg.Observability.Logging.Level),
			slog.String("log_format", cfg.Observability.Logging.Format),
		}

		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", "/metrics"))
		}

		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}

		logAttrs = append(logAttrs, slog.Bool("tls_enabled", tlsEnabled))
		if tlsEnabled {
			logAttrs = append(logAttrs, slog.String("tls_mode", cfg.Server.TLSMode))
		}

		logger.Info("server starting", logAttrs...)

		var err error
		if tlsEnabled {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}

		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler reports readiness from the catalog state. Data source health
// shows up in query errors and metrics; probing every pool on each health
// check would turn probes into load.
func healthHandler(cat *catalog.Manager, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		if timeout > 0 {
			var cancel context.CancelFunc
			_, cancel = context.WithTimeout(r.Context(), timeout)
			defer cancel()
		}

		snap := cat.Snapshot()
		if snap == nil {
			reqLogger.Error("health check failed", slog.String("check", "catalog"))
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","catalog":"missing"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"healthy","catalog_version":%d}`, snap.Version)
	}
}

func schemaReloadHandler(refresher *schemarefresh.Manager, securityMetrics *observability.SecurityMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = fmt.Fprint(w, `{"error":"method not allowed"}`)
			return
		}

		authCtx, authenticated := middleware.AuthFromContext(r.Context())

		logAttrs := []any{
			slog.String("operation", "schema_reload"),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Bool("authenticated", authenticated),
		}
		if authenticated {
			logAttrs = append(logAttrs,
				slog.String("authenticated_user", authCtx.Subject),
				slog.String("issuer", authCtx.Issuer),
			)
		}
		reqLogger.Info("admin endpoint accessed", logAttrs...)

		if refresher == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"error","message":"schema reload unavailable"}`)
			return
		}

		refreshCtx, refreshCancel := context.WithTimeout(r.Context(), 15*time.Second)
		defer refreshCancel()

		if err := refresher.RefreshNow(refreshCtx); err != nil {
			if securityMetrics != nil {
				securityMetrics.RecordAdminEndpointAccess(r.Context(), "schema_reload", authenticated, false)
			}
			reqLogger.Error("schema reload failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprint(w, `{"status":"error","message":"schema reload failed"}`)
			return
		}

		if securityMetrics != nil {
			securityMetrics.RecordAdminEndpointAccess(r.Context(), "schema_reload", authenticated, true)
		}

		reqLogger.Info("schema reloaded successfully", logAttrs...)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","fingerprint":"%s"}`, refresher.Fingerprint())
	}
}
