package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"runbox/internal/common/cache"
	commonmw "runbox/internal/common/http/middleware"
	"runbox/internal/common/mq"
	"runbox/internal/common/ratelimit"
	"runbox/internal/common/storage"
	"runbox/internal/exec/bundle"
	"runbox/internal/exec/controller"
	execmw "runbox/internal/exec/middleware"
	"runbox/internal/exec/repository"
	"runbox/internal/exec/sandbox"
	"runbox/internal/exec/sandbox/engine"
	"runbox/internal/exec/sandbox/observer"
	"runbox/internal/exec/sandbox/profile"
	"runbox/internal/exec/sandbox/workspace"
	"runbox/internal/exec/service"
	"runbox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/exec_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

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

	var redisCache *cache.RedisCache
	if appCfg.Redis.Addr != "" {
		redisCache, err = cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			logger.Error(context.Background(), "init redis failed", zap.Error(err))
			return
		}
		defer func() {
			_ = redisCache.Close()
		}()
	}

	var objStorage storage.ObjectStorage
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
		objStorage = minioStorage
	}

	var mqClient *mq.KafkaQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
	}

	registry := profile.NewRegistry()
	for _, lang := range appCfg.Language.Languages {
		if err := registry.Register(lang); err != nil {
			logger.Error(context.Background(), "register language profile failed",
				zap.String("language", lang.ID), zap.Error(err))
			return
		}
	}

	eng, err := engine.New(appCfg.Sandbox.toEngineConfig())
	if err != nil {
		logger.Error(context.Background(), "init sandbox engine failed", zap.Error(err))
		return
	}
	defer func() {
		_ = eng.Close()
	}()

	workspaces := workspace.NewManager(appCfg.Exec.WorkRoot, "", appCfg.Exec.MaxFileBytes)
	worker := sandbox.NewWorker(eng, registry, workspaces)
	worker.SetMetricsRecorder(observer.LogMetricsRecorder{})
	if len(appCfg.Exec.EnvWhitelist) > 0 {
		worker.SetEnvWhitelist(appCfg.Exec.EnvWhitelist)
	}
	if objStorage != nil && redisCache != nil {
		bundles := bundle.NewCache(appCfg.Bundle.RootDir, appCfg.Bundle.TTL, appCfg.Bundle.LockWait,
			appCfg.Bundle.MaxEntries, appCfg.Bundle.MaxBytes, appCfg.MinIO.Bucket, objStorage, redisCache)
		worker.SetBundleResolver(bundles)
	}

	gate := service.NewAdmission(appCfg.Admission.Capacity, appCfg.Admission.Wait)
	logger.Info(context.Background(), "admission gate ready", zap.Int("capacity", gate.Capacity()))

	podName, _ := os.Hostname()

	svcCfg := service.Config{
		Worker:            worker,
		Languages:         registry,
		Admission:         gate,
		PodName:           podName,
		MaxCodeBytes:      appCfg.Exec.MaxCodeBytes,
		MaxStdinBytes:     appCfg.Exec.MaxStdinBytes,
		MaxTimeoutSeconds: appCfg.Exec.MaxTimeoutSeconds,
		StatusTimeout:     appCfg.Status.Timeout,
	}
	if redisCache != nil {
		svcCfg.Cache = redisCache
		svcCfg.StatusRepo = repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	}
	if mqClient != nil {
		svcCfg.Queue = mqClient
		svcCfg.TaskPub = repository.NewMQTaskPublisher(mqClient, appCfg.Kafka.TaskTopic)
		svcCfg.EventPub = repository.NewMQEventPublisher(mqClient, appCfg.Kafka.EventTopic)
	}

	execSvc, err := service.NewService(svcCfg)
	if err != nil {
		logger.Error(context.Background(), "init exec service failed", zap.Error(err))
		return
	}

	// The consumer needs the status store; without Redis the queue is
	// publish-only and submissions are rejected at the API instead.
	if mqClient != nil && redisCache == nil {
		logger.Warn(context.Background(), "kafka configured without redis, task consumer disabled")
	}
	if mqClient != nil && redisCache != nil {
		err = mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.TaskTopic, execSvc.HandleTask, &mq.SubscribeOptions{
			ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
			PrefetchCount:   appCfg.Kafka.PrefetchCount,
			Concurrency:     appCfg.Kafka.Concurrency,
			MaxRetries:      appCfg.Kafka.MaxRetries,
			RetryDelay:      appCfg.Kafka.RetryDelay,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			MessageTTL:      appCfg.Kafka.MessageTTL,
		})
		if err != nil {
			logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
			return
		}
	}

	var limiter *ratelimit.Service
	if redisCache != nil && (appCfg.RateLimit.IPMax > 0 || appCfg.RateLimit.RouteMax > 0) {
		limiter = ratelimit.NewService(redisCache, appCfg.RateLimit.Window, appCfg.Redis.ReadTimeout)
	}

	execController := controller.NewExecController(execSvc, podName)
	httpServer := buildHTTPServer(appCfg, execController, limiter)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "exec http server started", zap.String("addr", appCfg.Server.Addr))
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
	if mqClient != nil {
		_ = mqClient.Stop()
	}
}

func buildHTTPServer(appCfg *AppConfig, ctrl *controller.ExecController, limiter *ratelimit.Service) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", ctrl.Healthz)
	router.GET("/readyz", ctrl.Readyz)

	api := router.Group("/faas/sandbox")
	if limiter != nil {
		policy := execmw.RateLimitPolicy{
			Window:   appCfg.RateLimit.Window,
			IPMax:    appCfg.RateLimit.IPMax,
			RouteMax: appCfg.RateLimit.RouteMax,
		}
		api.Use(execmw.RateLimit(limiter, "sandbox", policy, appCfg.RateLimit.Window))
	}
	api.POST("/", ctrl.RunCode)
	api.POST("/run_code", ctrl.RunCode)
	api.POST("/submit", ctrl.Submit)
	api.GET("/executions/:id", ctrl.GetExecution)
	api.GET("/executions/:id/events", ctrl.StreamExecution)
	api.GET("/languages", ctrl.Languages)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
