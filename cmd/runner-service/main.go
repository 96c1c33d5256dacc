package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"acarunner/internal/common/cache"
	commonmw "acarunner/internal/common/http/middleware"
	"acarunner/internal/common/mq"
	"acarunner/internal/common/storage"
	"acarunner/internal/grading/archive"
	"acarunner/internal/grading/backendclient"
	"acarunner/internal/grading/controller"
	"acarunner/internal/grading/fixture"
	"acarunner/internal/grading/registry"
	"acarunner/internal/grading/repository"
	"acarunner/internal/grading/service"
	"acarunner/internal/grading/workspace"
	"acarunner/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultConfigPath = "configs/runner_service.yaml"
	defaultEnvPath    = ".env"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	envPath := flag.String("env", defaultEnvPath, "Path to optional .env file")
	flag.Parse()

	if err := loadDotEnv(*envPath); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return
	}
	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	reg, err := registry.FromTable(registry.Builtins(appCfg.Plugins))
	if err != nil {
		logger.Error(context.Background(), "init plugin registry failed", zap.Error(err))
		return
	}

	archives, err := buildArchiveStore(appCfg.Storage)
	if err != nil {
		logger.Error(context.Background(), "init archive store failed", zap.Error(err))
		return
	}

	statusCache, err := buildStatusCache(appCfg)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	closers = append(closers, statusCache)
	statusRepo := repository.NewStatusRepository(statusCache, appCfg.Status.TTL)

	var publisher repository.StatusEventPublisher
	if appCfg.Kafka.Enabled() {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka)
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		closers = append(closers, producer)
		publisher = repository.NewMQStatusEventPublisher(producer, appCfg.Status.FinalTopic)
	}

	workspaces, err := workspace.NewManager(appCfg.Work.Root)
	if err != nil {
		logger.Error(context.Background(), "init work root failed", zap.Error(err))
		return
	}

	runnerSvc, err := service.NewService(service.Config{
		Archives:          archives,
		ArchiveLimits:     appCfg.Storage.Limits,
		Backend:           backendclient.New(appCfg.Backend),
		Registry:          reg,
		Fixtures:          fixture.NewResolver(appCfg.Fixtures.Root, appCfg.Fixtures.CustomRoot),
		Workspaces:        workspaces,
		StatusRepo:        statusRepo,
		Publisher:         publisher,
		DefaultLanguage:   appCfg.Runner.DefaultLanguage,
		StatusTimeout:     appCfg.Status.Timeout,
		MaxConcurrentRuns: appCfg.Work.MaxConcurrentRuns,
		SlotWait:          appCfg.Work.SlotWait,
	})
	if err != nil {
		logger.Error(context.Background(), "init runner service failed", zap.Error(err))
		return
	}

	httpServer := buildHTTPServer(appCfg.Server, controller.NewRunnerController(runnerSvc, reg))
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "runner http server started",
			zap.String("addr", appCfg.Server.Addr),
			zap.Strings("languages", reg.SupportedLanguages()),
			zap.String("backend", appCfg.Backend.BaseURL),
		)
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
}

func buildArchiveStore(cfg StorageConfig) (archive.Store, error) {
	if !cfg.MinIO.Enabled() {
		return archive.NewLocalStore(cfg.SubmissionsDir), nil
	}
	objStorage, err := storage.NewMinIOStorage(cfg.MinIO)
	if err != nil {
		return nil, err
	}
	return archive.NewObjectStore(objStorage, cfg.MinIO.Bucket, cfg.MinIO.Prefix), nil
}

// buildStatusCache uses Redis when configured and an in-process LRU otherwise.
func buildStatusCache(cfg *AppConfig) (cache.Cache, error) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryCache(cfg.Status.MemoryEntries), nil
	}
	return cache.NewRedisCacheWithConfig(&cfg.Redis)
}

func buildHTTPServer(cfg ServerConfig, runnerController *controller.RunnerController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.RequestLogger())
	runnerController.Register(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
