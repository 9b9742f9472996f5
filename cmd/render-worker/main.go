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
	"time"

	"workbench/internal/common/cache"
	"workbench/internal/common/db"
	commonmw "workbench/internal/common/http/middleware"
	"workbench/internal/common/mq"
	"workbench/internal/common/storage"
	"workbench/internal/render/controller"
	"workbench/internal/render/dispatcher"
	"workbench/internal/render/kernel"
	"workbench/internal/render/lockstore"
	"workbench/internal/render/renderlock"
	"workbench/internal/render/repository"
	"workbench/internal/sandbox/forkserver"
	"workbench/internal/sandbox/supervisor"
	"workbench/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/render_worker.yaml"

func main() {
	// The worker is also its own forkserver and child binary.
	kernel.Register()
	forkserver.Dispatch()

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
	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "render worker stopped", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
	_ = logger.Sync()
}

func run(appCfg *AppConfig) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, appCfg.Database)
	if err != nil {
		return fmt.Errorf("init database failed: %w", err)
	}
	defer func() {
		_ = database.Close()
	}()

	store, closeStore, err := openLockStore(ctx, appCfg.LockStore, database)
	if err != nil {
		return fmt.Errorf("init lock store failed: %w", err)
	}
	defer func() {
		_ = closeStore.Close()
	}()

	objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
	if err != nil {
		return fmt.Errorf("init minio failed: %w", err)
	}
	if err := objStorage.EnsureBucket(ctx, appCfg.Render.Bucket, appCfg.MinIO.Region); err != nil {
		return fmt.Errorf("ensure render bucket failed: %w", err)
	}

	mqClient, err := mq.NewKafkaQueue(appCfg.Kafka)
	if err != nil {
		return fmt.Errorf("init kafka failed: %w", err)
	}
	defer func() {
		_ = mqClient.Close()
	}()

	sandboxClient, err := supervisor.New(ctx, appCfg.Sandbox.Config)
	if err != nil {
		return fmt.Errorf("start forkserver failed: %w", err)
	}
	defer func() {
		if err := sandboxClient.Close(); err != nil {
			logger.Warn(context.Background(), "forkserver exit", zap.Error(err))
		}
	}()

	renderer, err := kernel.NewRenderer(kernel.Config{
		Runner:         kernel.SpawnerRunner(sandboxClient),
		Storage:        objStorage,
		Bucket:         appCfg.Render.Bucket,
		Sandbox:        appCfg.Sandbox.childSandbox(),
		Timeout:        appCfg.Render.Timeout,
		MaxOutputBytes: appCfg.Render.MaxOutputBytes,
	})
	if err != nil {
		return fmt.Errorf("init renderer failed: %w", err)
	}

	locker := renderlock.New(store)
	renderDispatcher, err := dispatcher.NewDispatcher(dispatcher.Config{
		Repository: repository.NewWorkflowRepository(db.NewStaticProvider(database)),
		Renderer:   renderer,
		Locker:     locker,
		Producer:   mqClient,
		Topic:      appCfg.Render.Topic,
		RetryDelay: appCfg.Render.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}

	// Losing the store session or the forkserver leaves nothing this
	// process can safely continue with.
	go locker.Keepalive(ctx, appCfg.LockStore.Keepalive, func(err error) {
		logger.Fatal(ctx, "lock store session lost", zap.Error(err))
	})
	go func() {
		<-sandboxClient.Done()
		if ctx.Err() == nil {
			logger.Fatal(ctx, "forkserver exited unexpectedly", zap.Int("pid", sandboxClient.Pid()))
		}
	}()

	err = mqClient.Subscribe(ctx, appCfg.Render.Topic, renderDispatcher.HandleMessage, &mq.SubscribeOptions{
		ConsumerGroup:   appCfg.Render.ConsumerGroup,
		Concurrency:     appCfg.Render.Concurrency,
		MaxRetries:      appCfg.Render.MaxRetries,
		DeadLetterTopic: appCfg.Render.DeadLetterTopic,
	})
	if err != nil {
		return fmt.Errorf("subscribe kafka failed: %w", err)
	}
	if err := mqClient.Start(); err != nil {
		return fmt.Errorf("start kafka consumer failed: %w", err)
	}

	renderController := controller.NewRenderController(locker, renderDispatcher, renderer,
		controller.HealthCheck{Name: "database", Check: database.Ping},
		controller.HealthCheck{Name: "lockstore", Check: store.Ping},
		controller.HealthCheck{Name: "kafka", Check: mqClient.Ping},
		controller.HealthCheck{Name: "forkserver", Check: func(context.Context) error {
			select {
			case <-sandboxClient.Done():
				return errors.New("forkserver exited")
			default:
				return nil
			}
		}},
	)
	httpServer := buildHTTPServer(appCfg.Server, renderController)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "render worker started",
			zap.String("addr", appCfg.Server.Addr),
			zap.String("topic", appCfg.Render.Topic),
			zap.String("lock_store", appCfg.LockStore.Backend),
			zap.Int("forkserver_pid", sandboxClient.Pid()),
		)
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	stop()
	_ = mqClient.Stop()
	return nil
}

// openLockStore opens the long-lived lock store session.
func openLockStore(ctx context.Context, cfg LockStoreConfig, database *db.SQL) (lockstore.Store, io.Closer, error) {
	switch cfg.Backend {
	case lockBackendMySQL:
		mysqlDB, err := db.Open(ctx, cfg.MySQL)
		if err != nil {
			return nil, nil, err
		}
		conn, err := mysqlDB.Conn(ctx)
		if err != nil {
			_ = mysqlDB.Close()
			return nil, nil, err
		}
		store := lockstore.NewMySQLStore(conn)
		return store, closerFunc(func() error {
			return errors.Join(store.Close(), mysqlDB.Close())
		}), nil
	case lockBackendRedis:
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return lockstore.NewRedisStore(client, cfg.RedisTTL), client, nil
	default:
		conn, err := database.Conn(ctx)
		if err != nil {
			return nil, nil, err
		}
		store := lockstore.NewPostgresStore(conn)
		return store, store, nil
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func buildHTTPServer(cfg ServerConfig, renderController *controller.RenderController) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())
	renderController.Register(router)

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
