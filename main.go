package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"abinsight/internal/api"
	"abinsight/internal/assign"
	"abinsight/internal/cache"
	"abinsight/internal/config"
	"abinsight/internal/db"
	"abinsight/internal/event"
	"abinsight/internal/jobs"
	"abinsight/internal/loadtest"
	"abinsight/internal/logging"
	"abinsight/internal/quality"
	"abinsight/internal/rollup"
)

func main() {
	// Missing .env is fine in deployed environments; config falls back
	// to real environment variables.
	_ = godotenv.Load()

	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	gdb, err := db.Connect(cfg)
	if err != nil {
		logger.Fatal("database connect failed", zap.Error(err))
	}
	defer db.Close(gdb)

	experimentStore := &db.ExperimentStore{DB: gdb}
	assignmentStore := &db.AssignmentStore{DB: gdb}
	variantStore := &db.VariantStore{DB: gdb}
	eventStore := &db.EventLogStore{DB: gdb}

	var experiments assign.ExperimentSource = experimentStore
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer func() { _ = client.Close() }()
		experiments = cache.NewExperimentCache(experimentStore, client, logger)
		logger.Info("experiment cache enabled", zap.String("redis", cfg.RedisAddr))
	}

	resolver := assign.NewResolver(experiments, assignmentStore, logger)
	ingester := event.NewService(
		&event.StoreSnapshotter{Assignments: assignmentStore, Variants: variantStore},
		eventStore,
		logger,
	)

	coordinator := rollup.NewCoordinator(
		[]rollup.Job{
			rollup.NewDailyJob(gdb),
			rollup.NewExperimentJob(gdb),
			rollup.NewFunnelJob(gdb),
		},
		&rollup.GormRunStore{DB: gdb},
		&rollup.AdvisoryLocker{DB: gdb},
		logger,
	)

	if cfg.RollupCron != "" {
		scheduler := jobs.NewScheduler(coordinator, cfg.RollupWindowDays, logger)
		if err := scheduler.Start(cfg.RollupCron); err != nil {
			logger.Fatal("scheduler start failed", zap.Error(err))
		}
		defer scheduler.Stop()
	} else {
		logger.Warn("rollup scheduler disabled, APP_ROLLUP_CRON is empty")
	}

	r := api.NewRouter(api.Deps{
		DB:               gdb,
		Resolver:         resolver,
		Ingester:         ingester,
		Runner:           coordinator,
		Metrics:          rollup.NewReader(gdb),
		LoadTest:         loadtest.NewReader(gdb),
		Quality:          quality.NewChecker(gdb),
		DashboardToken:   cfg.DashboardToken,
		RollupWindowDays: cfg.RollupWindowDays,
		Log:              logger,
	})

	server := &fasthttp.Server{
		Handler: api.RequestLogger(logger, r.Handler),
		Name:    "abinsight",
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe(cfg.ListenAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
		if err := server.Shutdown(); err != nil {
			logger.Error("server shutdown failed", zap.Error(err))
		}
	case err := <-errCh:
		logger.Fatal("server failed", zap.Error(err))
	}
}
