// Command sandboxd runs the sandbox control plane: the REST API, the
// background reconciliation/cleanup loops (gated by leader election), and
// the executor callback receiver, all in one process, mirroring the
// teacher's single-binary api/cmd/main.go wiring style.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/streamspace/sandboxd/internal/api"
	"github.com/streamspace/sandboxd/internal/cache"
	"github.com/streamspace/sandboxd/internal/callback"
	"github.com/streamspace/sandboxd/internal/cleanup"
	"github.com/streamspace/sandboxd/internal/config"
	"github.com/streamspace/sandboxd/internal/executor"
	"github.com/streamspace/sandboxd/internal/leaderelection"
	"github.com/streamspace/sandboxd/internal/logger"
	"github.com/streamspace/sandboxd/internal/objectstore"
	"github.com/streamspace/sandboxd/internal/repository"
	"github.com/streamspace/sandboxd/internal/scheduler"
	"github.com/streamspace/sandboxd/internal/scheduling"
	"github.com/streamspace/sandboxd/internal/session"
	"github.com/streamspace/sandboxd/internal/sessionlock"
	"github.com/streamspace/sandboxd/internal/statesync"
	"github.com/streamspace/sandboxd/internal/tasks"
)

func main() {
	logger.Initialize(getEnv("LOG_LEVEL", "info"), getEnv("LOG_PRETTY", "false") == "true")
	log := logger.Log

	cfg := config.Load()

	log.Info().Msg("connecting to database")
	db, err := repository.Open(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	log.Info().Msg("running database migrations")
	if err := repository.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	sessions := repository.NewSessionRepository(db)
	executions := repository.NewExecutionRepository(db)
	templates := repository.NewTemplateRepository(db)
	nodes := repository.NewRuntimeNodeRepository(db)

	log.Info().Bool("enabled", cfg.CacheEnabled).Msg("initializing redis cache")
	redisCache, err := cache.New(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize redis cache")
	}
	defer redisCache.Close()

	leaderRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisHost + ":" + cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       1, // separate DB from the cache client so leadership keys never collide with cached values
	})
	defer leaderRedis.Close()
	{
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := leaderRedis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis for leader election")
		}
	}

	ctx := context.Background()

	log.Info().Str("endpoint", cfg.ObjectStoreEndpoint).Str("bucket", cfg.ObjectStoreBucket).Msg("initializing object store")
	store, err := objectstore.New(ctx, objectstore.Config{
		Bucket:   cfg.ObjectStoreBucket,
		Endpoint: cfg.ObjectStoreEndpoint,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize object store")
	}

	log.Info().Str("kind", cfg.RuntimeKind).Msg("initializing container runtime")
	runtime, err := newRuntime(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize container runtime")
	}

	execCfg := executor.DefaultConfig()
	execCfg.MaxRetries = cfg.MaxRetryAttempts
	execCfg.BackoffBase = cfg.BackoffBase
	execCfg.BackoffMax = cfg.BackoffMax
	execClient := executor.New(execCfg)
	defer execClient.Close()

	schedulingSvc := scheduling.New(nodes)

	sessionSvc := session.New(session.Deps{
		Sessions:        sessions,
		Executions:      executions,
		Templates:       templates,
		Scheduling:      schedulingSvc,
		Runtime:         runtime,
		Executor:        execClient,
		Workspace:       store,
		Locks:           sessionlock.NewRegistry(10000),
		WorkspaceBucket: cfg.ObjectStoreBucket,
		DefaultTimeout:  cfg.DefaultTimeout,
		MaxTimeout:      cfg.MaxTimeout,
	})

	stateSyncSvc := statesync.New(sessions, templates, sessionSvc, runtime)
	log.Info().Msg("running startup reconciliation")
	if err := stateSyncSvc.ReconcileOnStartup(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed, continuing")
	}

	cleanupSvc := cleanup.New(sessions, sessionSvc, runtime, cleanup.Config{
		IdleTimeout:     idleTimeout(cfg),
		MaxLifetime:     maxLifetime(cfg),
		CreatingTimeout: cfg.CreatingTimeout,
	})

	elector := leaderelection.New(leaderelection.Config{
		Client:    leaderRedis,
		KeyPrefix: cfg.LeaderElectionKeyPrefix,
	})

	taskManager := tasks.New(elector, 30*time.Second,
		tasks.Task{
			Name:     "state-sync",
			Interval: cfg.HealthCheckInterval,
			Func:     func(ctx context.Context) { stateSyncSvc.RunPeriodic(ctx, cfg.HealthCheckInterval) },
		},
		tasks.Task{Name: "cleanup-idle", Interval: cfg.CleanupInterval, Func: cleanupSvc.SweepIdle},
		tasks.Task{Name: "cleanup-lifetime", Interval: cfg.CleanupInterval, Func: cleanupSvc.SweepLifetime},
		tasks.Task{Name: "cleanup-stuck-creating", Interval: cfg.CleanupInterval, Func: cleanupSvc.SweepStuckCreating},
		tasks.Task{Name: "cleanup-orphan", Interval: cfg.CleanupInterval, Func: cleanupSvc.SweepOrphans},
	)

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	go taskManager.Run(taskCtx)

	callbackHandler := callback.New(sessionSvc, redisCache, cfg.CallbackToken)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	router := api.New(sessionSvc, templates, nodes, runtime)
	router.Register(engine)
	callbackHandler.Register(engine.Group("/v1/callbacks"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("sandboxd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received, starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server forced to shutdown")
	}

	cancelTasks()
	taskManager.StopAll()
	elector.Stop()

	log.Info().Msg("graceful shutdown complete")
}

func newRuntime(cfg config.Config) (scheduler.ContainerScheduler, error) {
	switch cfg.RuntimeKind {
	case "cluster":
		return scheduler.NewClusterScheduler(getEnv("K8S_NAMESPACE", "sandboxd"))
	default:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("build docker client: %w", err)
		}
		d := scheduler.NewDockerScheduler(cli, getEnv("DOCKER_NETWORK", "sandboxd-net"))
		if err := d.EnsureNetwork(context.Background()); err != nil {
			return nil, fmt.Errorf("ensure docker network: %w", err)
		}
		return d, nil
	}
}

func idleTimeout(cfg config.Config) time.Duration {
	if cfg.IdleTimeoutMinutes <= 0 {
		return 0
	}
	return time.Duration(cfg.IdleTimeoutMinutes) * time.Minute
}

func maxLifetime(cfg config.Config) time.Duration {
	if cfg.MaxLifetimeHours <= 0 {
		return 0
	}
	return time.Duration(cfg.MaxLifetimeHours) * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
