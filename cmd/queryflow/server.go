package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/queryflow/api/handlers"
	"github.com/BaSui01/queryflow/config"
	"github.com/BaSui01/queryflow/internal/metrics"
	"github.com/BaSui01/queryflow/internal/server"
	"github.com/BaSui01/queryflow/kb"
	"github.com/BaSui01/queryflow/stages"
	"github.com/BaSui01/queryflow/types"
	"github.com/BaSui01/queryflow/workflow"
)

// Server assembles the query pipeline and serves it over HTTP.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager *server.Manager

	collector *metrics.Collector
	engine    *workflow.Engine
	sessions  *workflow.SessionManager

	healthHandler *handlers.HealthHandler
	queryHandler  *handlers.QueryHandler
	wsHandler     *handlers.WSHandler

	rateLimiterCancel context.CancelFunc
}

// NewServer creates the server from a validated configuration.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds the pipeline and starts the HTTP listener.
func (s *Server) Start() error {
	s.collector = metrics.NewCollector("queryflow", s.logger)

	if err := s.initPipeline(); err != nil {
		return fmt.Errorf("failed to init pipeline: %w", err)
	}
	s.initHandlers()

	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.logger.Info("server started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.String("checkpoint_backend", s.cfg.Checkpoint.Backend),
	)
	return nil
}

// initPipeline wires the catalog, model client, stage set, checkpoint
// store and engine into a session manager.
func (s *Server) initPipeline() error {
	catalog, err := kb.LoadCatalog(s.cfg.Knowledge.CatalogPath, s.logger)
	if err != nil {
		return err
	}

	model := stages.NewHTTPModel(stages.HTTPModelConfig{
		BaseURL:    s.cfg.Model.BaseURL,
		APIKey:     s.cfg.Model.APIKey,
		Model:      s.cfg.Model.Model,
		Timeout:    s.cfg.Model.Timeout,
		MaxTokens:  s.cfg.Model.MaxTokens,
		MaxRetries: s.cfg.Model.MaxRetries,
		RetryDelay: s.cfg.Model.RetryDelay,
	}, s.logger)

	stageSet, err := workflow.NewStageSet(
		stages.NewRouterStage(model, s.logger),
		stages.NewMetadataStage(model, catalog, s.logger),
		stages.NewDatabaseIdentifierStage(model, catalog, s.logger),
		workflow.NewHumanReviewStage(types.ReviewDatabases, s.logger),
		stages.NewTableIdentifierStage(model, catalog, s.logger),
		workflow.NewHumanReviewStage(types.ReviewTables, s.logger),
		stages.NewColumnIdentifierStage(model, catalog, s.logger),
		stages.NewSchemaBuilderStage(catalog, s.logger),
		stages.NewQueryPlannerStage(model, s.logger),
		stages.NewQueryGeneratorStage(model, s.logger),
		stages.NewQueryValidatorStage(model, s.logger),
	)
	if err != nil {
		return err
	}

	store, err := s.openCheckpointStore()
	if err != nil {
		return err
	}

	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Stages:          stageSet,
		Retry:           workflow.NewRetryController(s.logger),
		Checkpoints:     workflow.NewCheckpointManager(store, catalog, s.logger),
		Logger:          s.logger,
		Metrics:         s.collector,
		StepCap:         s.cfg.Workflow.StepCap,
		WorkflowRetries: s.cfg.Workflow.WorkflowRetries,
		StepRetries:     s.cfg.Workflow.StepRetries,
	})
	if err != nil {
		return err
	}

	s.engine = engine
	s.sessions = workflow.NewSessionManager(engine, s.collector, s.logger)
	return nil
}

// openCheckpointStore selects the checkpoint backend from configuration.
func (s *Server) openCheckpointStore() (workflow.CheckpointStore, error) {
	switch s.cfg.Checkpoint.Backend {
	case "", "memory":
		return workflow.NewInMemoryCheckpointStore(), nil
	case "redis":
		store, err := workflow.NewRedisCheckpointStore(workflow.RedisCheckpointStoreConfig{
			Addr:      s.cfg.Redis.Addr,
			Password:  s.cfg.Redis.Password,
			DB:        s.cfg.Redis.DB,
			PoolSize:  s.cfg.Redis.PoolSize,
			KeyPrefix: s.cfg.Checkpoint.KeyPrefix,
			TTL:       s.cfg.Checkpoint.TTL,
		})
		if err != nil {
			return nil, err
		}
		s.healthChecksFor(store)
		return store, nil
	case "sqlite":
		return workflow.NewGormCheckpointStore(s.cfg.Checkpoint.Path)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", s.cfg.Checkpoint.Backend)
	}
}

// healthChecksFor registers readiness probes for backends that support
// them. The health handler exists before the pipeline, so probes can be
// added as stores come up.
func (s *Server) healthChecksFor(store *workflow.RedisCheckpointStore) {
	if s.healthHandler == nil {
		s.healthHandler = handlers.NewHealthHandler(s.logger)
	}
	s.healthHandler.RegisterCheck(handlers.NewPingCheck("checkpoint_store", store.Ping))
}

// initHandlers creates the HTTP handlers over the pipeline.
func (s *Server) initHandlers() {
	if s.healthHandler == nil {
		s.healthHandler = handlers.NewHealthHandler(s.logger)
	}
	s.queryHandler = handlers.NewQueryHandler(s.engine, s.logger)
	s.wsHandler = handlers.NewWSHandler(s.sessions, s.cfg.Server.AllowedOrigin, s.logger)
	s.logger.Info("handlers initialized")
}

// startHTTPServer registers routes, builds the middleware chain and
// starts the listener.
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/query", s.queryHandler.HandleQuery)
	mux.HandleFunc("/ws/query", s.wsHandler.HandleSession)

	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))
	mux.Handle("/metrics", promhttp.Handler())

	skipAuthPaths := []string{"/health", "/ready", "/version", "/metrics"}

	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.collector),
		OTelTracing(),
		CORS(s.cfg.Server.AllowedOrigin),
	}
	if s.cfg.Server.RateLimit > 0 {
		rateLimiterCtx, rateLimiterCancel := context.WithCancel(context.Background())
		s.rateLimiterCancel = rateLimiterCancel
		middlewares = append(middlewares,
			RateLimiter(rateLimiterCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateBurst, s.logger))
	}
	if s.cfg.Server.APIKey != "" {
		middlewares = append(middlewares,
			APIKeyAuth(s.cfg.Server.APIKey, skipAuthPaths, true, s.logger))
	}
	handler := Chain(mux, middlewares...)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)
	return s.httpManager.Start()
}

// WaitForShutdown blocks until a termination signal, then shuts down.
func (s *Server) WaitForShutdown() {
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown stops the listener and background work gracefully.
func (s *Server) Shutdown() {
	s.logger.Info("starting graceful shutdown")

	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(context.Background()); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("graceful shutdown completed")
}
