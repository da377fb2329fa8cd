package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"fleet/internal/api"
	"fleet/internal/config"
	"fleet/internal/controller"
	"fleet/internal/eventbus"
	"fleet/internal/health"
	"fleet/internal/instance/repo"
	"fleet/internal/monitor"
	"fleet/internal/runtime"
	"fleet/internal/stream"
	"fleet/internal/upload"

	"github.com/hibiken/asynq"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	reconciler  *health.Reconciler
	uploads     *upload.Manager
	logger      *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	bus := eventbus.NewRedisBus(deps.Redis, logger)
	locks := controller.NewInstanceLocks()
	instanceRepo := repo.NewRepository(deps.PG, deps.Redis)

	ctrl := controller.NewController(
		instanceRepo,
		deps.Provider,
		bus,
		deps.AsynqClient,
		controller.AllowAllQuota{},
		locks,
		cfg.Nodes,
		cfg.Health.RuntimeTimeout,
		logger,
	)

	reconciler := health.NewReconciler(instanceRepo, deps.Provider, bus, locks, cfg.Nodes, cfg.Health, logger)

	// attach 闭包：实例 ID -> 该实例所在节点的容器流
	hub := stream.NewHub(func(ctx context.Context, instanceID string) (runtime.AttachStream, error) {
		inst, err := instanceRepo.GetByID(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		rt, err := deps.Provider.For(inst.NodeID)
		if err != nil {
			return nil, err
		}
		return rt.Attach(ctx, inst.ContainerID)
	}, cfg.Stream.SubscriberBuffer, logger)

	// 上传后端启动时选定：单副本用进程内缓存，多副本指向 redis
	var backend upload.StorageBackend
	if cfg.Upload.Backend == "redis" {
		backend = upload.NewRedisBackend(deps.Redis, cfg.Upload.SessionTTL)
	} else {
		backend = upload.NewLocalBackend(cfg.Upload.SessionTTL, logger)
	}
	uploads := upload.NewManager(backend, cfg.Upload.MaxChunkSize, logger)

	teardownWorker := controller.NewTeardownWorker(instanceRepo, deps.Provider, bus, locks, logger)

	asynqServer := asynq.NewServer(deps.AsynqRedis, asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Logger:      newAsynqLogger(logger),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(controller.TaskInstanceTeardown, teardownWorker.HandleTeardown)

	router := api.NewRouter(ctrl, hub, uploads, bus, deps.Provider)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		reconciler:  reconciler,
		uploads:     uploads,
		logger:      logger,
	}
}

func (s *Server) Start(ctx context.Context) error {
	go func() {
		s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
		if err := s.asynqServer.Start(s.asynqMux); err != nil {
			s.logger.Error("Asynq worker failed", "error", err)
		}
	}()

	go s.reconciler.Start()

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		return err
	}

	return s.Shutdown()
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.asynqServer.Shutdown()
	s.reconciler.Stop()

	if err := s.uploads.Close(); err != nil {
		s.logger.Error("Upload backend close error", "error", err)
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l *slog.Logger
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq")}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug("", "msg", args) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info("", "msg", args) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn("", "msg", args) }
func (a *asynqLogger) Error(args ...any) { a.l.Error("", "msg", args) }
func (a *asynqLogger) Fatal(args ...any) { a.l.Error("FATAL", "msg", args) }
