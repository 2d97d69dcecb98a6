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

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/eventbus"
	commonmw "judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/internal/judge/controller"
	"judgeflow/internal/judge/repository"
	"judgeflow/internal/judge/sandbox"
	"judgeflow/internal/judge/service"
	"judgeflow/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/judge_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "judge service stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	service.InitMetrics()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		return fmt.Errorf("init redis failed: %w", err)
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var database db.Database
	if appCfg.Database.DSN != "" {
		mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
		if err != nil {
			return fmt.Errorf("init database failed: %w", err)
		}
		defer func() {
			_ = mysqlDB.Close()
		}()
		database = mysqlDB
	} else {
		logger.Warn(ctx, "database dsn is empty, results are kept in redis only")
	}

	objStorage, err := newObjectStorage(appCfg)
	if err != nil {
		return err
	}

	var publisher repository.StatusEventPublisher
	if len(appCfg.Kafka.Brokers) > 0 {
		producer, err := mq.NewKafkaProducer(appCfg.Kafka.toMQConfig())
		if err != nil {
			return fmt.Errorf("init kafka failed: %w", err)
		}
		defer func() {
			_ = producer.Close()
		}()
		publisher = repository.NewMQStatusEventPublisher(producer, appCfg.Kafka.StatusTopic, appCfg.Kafka.DeadLetterTopic)
	} else {
		logger.Warn(ctx, "kafka brokers are empty, final status events and dead letters are not published")
	}

	queue, err := mq.NewRedisQueue(redisCache, appCfg.Queue.KeyPrefix)
	if err != nil {
		return fmt.Errorf("init queue failed: %w", err)
	}

	bus := eventbus.New()
	tokens := repository.NewTokenRepository(redisCache, appCfg.Webhook.TokenTTL)
	results := repository.NewResultRepository(database, redisCache, appCfg.Result.CacheTTL)

	completion, err := service.NewCompletionService(service.CompletionServiceConfig{
		Tokens:    tokens,
		Results:   results,
		Bus:       bus,
		Publisher: publisher,
	})
	if err != nil {
		return fmt.Errorf("init completion service failed: %w", err)
	}
	tasks, err := service.NewTaskService(service.TaskServiceConfig{
		Queue:        queue,
		Results:      results,
		Topic:        appCfg.Queue.Topic,
		JobOptions:   appCfg.Queue.jobOptions(),
		QueueTimeout: appCfg.Queue.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init task service failed: %w", err)
	}

	executor, err := newSandboxExecutor(appCfg.Sandbox)
	if err != nil {
		return err
	}
	adapter, err := sandbox.NewAdapter(appCfg.Sandbox.TempRoot, executor)
	if err != nil {
		return fmt.Errorf("init sandbox adapter failed: %w", err)
	}

	local := service.LocalCompleter{Service: completion}
	var completer service.CompletionClient = local
	if appCfg.Webhook.BaseURL != "" {
		webhookCompleter, err := service.NewWebhookCompleter(appCfg.Webhook.BaseURL, appCfg.Webhook.Secret, appCfg.Webhook.Timeout)
		if err != nil {
			return fmt.Errorf("init webhook client failed: %w", err)
		}
		completer = webhookCompleter
	}
	worker, err := service.NewJudgeWorker(service.JudgeWorkerConfig{
		Executor:           adapter,
		Tokens:             tokens,
		Results:            results,
		Completer:          completer,
		FailureCompleter:   local,
		ExternalCompletion: appCfg.Webhook.External,
		Artifacts:          service.NewArtifactStore(objStorage, appCfg.Static.Prefix, appCfg.Static.CompressionThreshold),
		Bus:                bus,
		DeadLetters:        publisher,
		TokenTTL:           appCfg.Webhook.TokenTTL,
		ExecuteTimeout:     appCfg.Sandbox.Timeout,
	})
	if err != nil {
		return fmt.Errorf("init judge worker failed: %w", err)
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	pool, err := mq.InitWorkers(workerCtx, queue, appCfg.Queue.Topic, worker.Handle, worker.WorkerOptions(appCfg.Worker.workerOptions()))
	if err != nil {
		return fmt.Errorf("init workers failed: %w", err)
	}
	logger.Info(ctx, "judge workers started",
		zap.String("topic", appCfg.Queue.Topic),
		zap.Int("concurrency", appCfg.Worker.Concurrency),
	)

	webhook, err := controller.NewWebhookController(completion, appCfg.Webhook.Secret, appCfg.Webhook.MaxSkew)
	if err != nil {
		return fmt.Errorf("init webhook controller failed: %w", err)
	}
	stream := controller.NewStreamController(bus, controller.StreamConfig{
		Heartbeat:      appCfg.Stream.Heartbeat,
		MaxConnections: appCfg.Stream.MaxConnections,
		AllowedOrigins: appCfg.Server.CORS.AllowedOrigins,
	})
	routes := controller.Routes{
		Tasks:        controller.NewTaskController(tasks),
		Webhook:      webhook,
		Stream:       stream,
		Static:       controller.NewStaticController(objStorage, appCfg.Static.Prefix),
		Auth:         service.NewAuthService(appCfg.Stream.JWTSecret, appCfg.Stream.JWTIssuer, redisCache),
		Limiter:      service.NewRateLimitService(redisCache, appCfg.Server.RateLimit.Window, appCfg.Server.RateLimit.RedisTimeout),
		CreateLimit:  appCfg.Server.RateLimit.Create,
		WebhookLimit: appCfg.Server.RateLimit.Webhook,
	}

	httpServer := buildHTTPServer(appCfg.Server, routes, redisCache.Ping)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		pool.Stop()
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "judge http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}

	stream.Close()
	ctxShutdown, cancel := context.WithTimeout(ctx, defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	cancelWorkers()
	pool.Stop()
	logger.Info(ctx, "judge service stopped")
	return nil
}

func newObjectStorage(appCfg *AppConfig) (storage.ObjectStorage, error) {
	if appCfg.MinIO.Endpoint != "" {
		minioStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		return minioStorage, nil
	}
	localStorage, err := storage.NewLocalStorage(appCfg.Static.Root)
	if err != nil {
		return nil, fmt.Errorf("init local storage failed: %w", err)
	}
	return localStorage, nil
}

func newSandboxExecutor(cfg SandboxConfig) (sandbox.Executor, error) {
	switch cfg.Executor {
	case executorCommand:
		executor, err := sandbox.NewCommandExecutor(cfg.Command, cfg.Timeout, cfg.MaxOutputBytes)
		if err != nil {
			return nil, fmt.Errorf("init command executor failed: %w", err)
		}
		return executor, nil
	default:
		executor, err := sandbox.NewHTTPExecutor(cfg.Endpoint, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("init http executor failed: %w", err)
		}
		return executor, nil
	}
}

func buildHTTPServer(cfg ServerConfig, routes controller.Routes, ping func(context.Context) error) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(commonmw.CORSMiddleware(cfg.CORS))
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := ping(ctx); err != nil {
			logger.Warn(ctx, "health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	routes.Register(router)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
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
