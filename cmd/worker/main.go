// DPROD Worker
// Long-running deployment worker: polls the SQS job queue, builds and
// runs uploaded projects against the local Docker daemon, and records
// every state transition in the deployment store. A small Gin server
// exposes health and Prometheus metrics.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"dprod/internal/advisor"
	"dprod/internal/cache"
	"dprod/internal/config"
	"dprod/internal/db"
	"dprod/internal/detect"
	"dprod/internal/logging"
	"dprod/internal/metrics"
	"dprod/internal/queue"
	"dprod/internal/runtime"
	"dprod/internal/status"
	"dprod/internal/telemetry"
	"dprod/internal/worker"
)

const (
	shutdownGrace   = 30 * time.Second
	collectInterval = 30 * time.Second
	sampleInterval  = time.Minute
)

func main() {
	logging.Init()
	defer logging.Sync()

	cfg := config.Load()
	log := logging.WithWorker(cfg.WorkerID)
	log.Infow("starting dprod worker",
		"deploy_mode", cfg.DeployMode,
		"max_concurrent_jobs", cfg.MaxConcurrentJobs)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer database.Close()
	if err := database.Migrate(); err != nil {
		log.Fatalw("database migration failed", "error", err)
	}

	rt, err := runtime.New(cfg.DockerSocket, cfg.ContainerNetwork)
	if err != nil {
		log.Fatalw("docker client init failed", "error", err)
	}
	defer rt.Close()
	if err := rt.Ping(ctx); err != nil {
		log.Fatalw("docker daemon unreachable", "error", err)
	}

	q, err := queue.New(ctx, queue.Options{
		QueueURL:          cfg.SQSQueueURL,
		Region:            cfg.AWSRegion,
		EndpointURL:       cfg.AWSEndpointURL,
		AccessKeyID:       cfg.AWSAccessKeyID,
		SecretAccessKey:   cfg.AWSSecretAccess,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})
	if err != nil {
		log.Fatalw("queue init failed", "error", err)
	}

	snapshots := buildCache(ctx, cfg)
	defer snapshots.Close()

	engine := advisor.NewAdvisedEngine(detect.NewEngine(), nil)
	store := status.NewStore(database.GetDB(), cfg.WorkerID)
	handler := worker.NewHandler(rt, store, engine, cfg)
	w := worker.New(q, handler, cfg)

	collector := metrics.NewPlatformMetricsCollector(database.GetDB(), collectInterval)
	collector.Start(ctx)
	defer collector.Stop()

	monitor := telemetry.NewMonitor(rt, snapshots, cfg.UnitPricePerGBHour)
	go telemetry.NewPoller(monitor, rt, sampleInterval, cfg.StatsTimeout).Run(ctx)

	healthServer := startHealthServer(cfg, database, rt)

	// Blocks until the signal context is canceled, then drains
	// in-flight jobs.
	if err := w.Run(ctx); err != nil {
		log.Errorw("worker loop exited with error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("health server shutdown failed", "error", err)
	}

	log.Infow("dprod worker stopped")
}

// buildCache wires the snapshot cache: Redis when configured and
// reachable, the in-process cache otherwise.
func buildCache(ctx context.Context, cfg *config.Config) cache.Cache {
	if cfg.RedisURL != "" {
		client, err := db.NewRedisFromURL(ctx, cfg.RedisURL)
		if err == nil {
			return cache.NewRedis(client)
		}
		logging.S().Warnw("redis unavailable, using in-memory cache", "error", err)
	}
	return cache.NewMemory(0)
}

// startHealthServer exposes /healthz, /readyz and /metrics on the
// configured listener.
func startHealthServer(cfg *config.Config, database *db.Database, rt *runtime.Client) *http.Server {
	if os.Getenv("ENVIRONMENT") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), metrics.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		checks := gin.H{"database": "ok", "docker": "ok"}
		healthy := true

		if err := database.Health(); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		pingCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := rt.Ping(pingCtx); err != nil {
			checks["docker"] = err.Error()
			healthy = false
		}

		code := http.StatusOK
		if !healthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"worker_id": cfg.WorkerID, "checks": checks})
	})
	router.GET("/readyz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", metrics.PrometheusHandler())

	srv := &http.Server{Addr: cfg.HealthAddr, Handler: router}
	go func() {
		logging.S().Infow("health server listening", "addr", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.S().Errorw("health server failed", "error", err)
		}
	}()
	return srv
}
