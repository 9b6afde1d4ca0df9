package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promoter/internal/config"
	"promoter/internal/database"
	"promoter/internal/events"
	"promoter/internal/logging"
	"promoter/internal/metrics"
	"promoter/internal/notify"
	"promoter/internal/publisher"
	"promoter/internal/repository"
	"promoter/internal/service"
	"promoter/internal/signer"
	"promoter/internal/status"
	"promoter/internal/worker"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	db, err := database.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return err
	}
	defer db.Close()

	taskSigner, err := signer.New(cfg.Signing.ActiveKeyID, cfg.Signing.Keys)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := publisher.FromConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init publishers: %w", err)
	}
	logger.Info().Strs("platforms", registry.Platforms()).Msg("publishers registered")

	bus := events.NewEventBus(&logger)
	initNotifier(cfg, db, bus, &logger)

	redisClient, heartbeats := initHeartbeatStore(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}
	monitor := status.NewMonitor(heartbeats, cfg.Worker.ID, cfg.Monitoring.HeartbeatStaleAfter)

	healthServer, err := status.NewHealthServer(cfg.Monitoring.HealthGRPCPort, monitor, &logger)
	if err != nil {
		return err
	}
	go func() {
		if err := healthServer.Serve(); err != nil {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()
	go healthServer.Watch(ctx, cfg.Worker.TickInterval)

	startMetrics(ctx, cfg, &logger)

	processor := worker.NewProcessor(db, taskSigner, registry, bus, worker.ProcessorConfig{
		LeaseDuration:  cfg.Queue.LeaseDuration,
		PublishTimeout: cfg.Queue.PublishTimeout,
		Policies:       worker.PoliciesFromConfig(cfg.Queue),
	}, &logger)

	loop := worker.NewLoop(processor, monitor, worker.LoopConfig{
		WorkerID:              cfg.Worker.ID,
		TickInterval:          cfg.Worker.TickInterval,
		TickFloor:             cfg.Worker.TickFloor,
		BackgroundJobsEnabled: cfg.Worker.BackgroundJobsEnabled,
	}, &logger)
	for _, job := range buildJobs(cfg, db, taskSigner, registry, bus, processor, &logger) {
		loop.AddJob(job)
	}

	runErr := loop.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	healthServer.Shutdown(shutdownCtx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	logger.Info().Msg("worker stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "worker-main").Logger()

	return cfg, logger, closer, nil
}

// buildJobs assembles the secondary jobs the loop runs between queue passes.
func buildJobs(
	cfg *config.Config,
	db *database.DB,
	taskSigner *signer.Signer,
	registry *publisher.Registry,
	bus *events.EventBus,
	processor *worker.Processor,
	logger *zerolog.Logger,
) []worker.Job {
	bandit := service.NewBanditService(db, logger)
	producer := service.NewProducer(db, taskSigner, bandit, bus, cfg.Queue, logger)
	producer.SetDefaults(cfg.Defaults)
	decay := service.NewDecayScheduler(db, producer, cfg.Decay, logger)
	variants := service.NewVariantService(db, logger)
	stats := service.NewStatsPoller(db, registry, time.Duration(cfg.Decay.LookbackHours*float64(time.Hour)), logger)

	jobs := []worker.Job{
		{
			Name:     "lease_sweep",
			Interval: cfg.Worker.LeaseSweepInterval,
			Always:   true,
			Run: func(ctx context.Context) error {
				_, err := processor.SweepExpiredLeases(ctx)
				return err
			},
		},
		{
			Name:     "stats_poll",
			Interval: cfg.Worker.StatsPollInterval,
			Run: func(ctx context.Context) error {
				_, err := stats.Poll(ctx)
				return err
			},
		},
		{
			Name:     "decay_repost",
			Interval: cfg.Worker.DecayInterval,
			Run: func(ctx context.Context) error {
				_, err := decay.Run(ctx)
				return err
			},
		},
		{
			Name:     "variant_stats",
			Interval: cfg.Worker.VariantInterval,
			Run: func(ctx context.Context) error {
				if _, err := variants.RebuildVariantStats(ctx); err != nil {
					return err
				}
				if _, err := variants.BackfillQualityScores(ctx, 200); err != nil {
					return err
				}
				_, err := variants.PruneVariants(ctx, cfg.Variants.KeepPerPair, cfg.Variants.PruneMinPosts)
				return err
			},
		},
		{
			Name:     "bandit_rollback_check",
			Interval: cfg.Worker.RollbackCheckInterval,
			Run: func(ctx context.Context) error {
				_, err := bandit.CheckRollback(ctx)
				return err
			},
		},
	}

	if cfg.Backup.Enabled {
		retention := time.Duration(cfg.Backup.RetentionDays) * 24 * time.Hour
		jobs = append(jobs, worker.Job{
			Name:     "backup",
			Interval: cfg.Backup.Interval,
			Always:   true,
			Run: func(ctx context.Context) error {
				now := time.Now()
				if _, err := db.Backup(ctx, cfg.Backup.StoragePath, now); err != nil {
					return err
				}
				_, err := db.CleanupBackups(cfg.Backup.StoragePath, retention, now)
				return err
			},
		})
	}
	return jobs
}

func initHeartbeatStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*redis.Client, repository.HeartbeatStore) {
	ttl := 2 * cfg.Monitoring.HeartbeatStaleAfter
	memory := repository.NewMemoryHeartbeatStore(ttl)
	if cfg.Redis.Address == "" {
		return nil, memory
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("Redis unavailable, heartbeats fall back to memory until it recovers")
	} else {
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	}

	primary := repository.NewRedisHeartbeatStore(redisClient, ttl)
	return redisClient, repository.NewFailoverHeartbeatStore(primary, memory, logger)
}

func initNotifier(cfg *config.Config, db *database.DB, bus *events.EventBus, logger *zerolog.Logger) {
	if cfg.Telegram.BotToken == "" {
		logger.Info().Msg("telegram bot token not set, owner notifications disabled")
		return
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram bot init failed, owner notifications disabled")
		return
	}
	botAPI.Debug = cfg.Telegram.Debug

	notify.NewTelegramNotifier(botAPI, db, logger).Subscribe(bus)
	logger.Info().Str("bot", botAPI.Self.UserName).Msg("owner notifications enabled")
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	metrics.Register()
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
