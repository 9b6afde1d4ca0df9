package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"promoter/internal/api"
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

	if !cfg.API.Enabled {
		logger.Warn().Msg("API is disabled in config, but starting API application. Check your config.")
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

	bus := events.NewEventBus(&logger)
	initNotifier(cfg, db, bus, &logger)

	redisClient := initRedis(ctx, cfg, &logger)
	if redisClient != nil {
		defer func() { _ = repository.Close(redisClient) }()
	}

	metrics.Register()

	bandit := service.NewBanditService(db, &logger)
	producer := service.NewProducer(db, taskSigner, bandit, bus, cfg.Queue, &logger)
	producer.SetDefaults(cfg.Defaults)
	server := api.NewServer(cfg.API, api.Deps{
		Producer: producer,
		Queue: worker.NewProcessor(db, taskSigner, registry, bus, worker.ProcessorConfig{
			LeaseDuration:  cfg.Queue.LeaseDuration,
			PublishTimeout: cfg.Queue.PublishTimeout,
			Policies:       worker.PoliciesFromConfig(cfg.Queue),
		}, &logger),
		Tasks:       db,
		DeadLetters: service.NewDeadLetterManager(db, taskSigner, bus, &logger),
		Bandit:      bandit,
		Health:      workerHealth(cfg, redisClient),
	}, &logger)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	logger.Info().Msg("API server stopped")
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
	logger := baseLogger.With().Str("component", "api-main").Logger()

	return cfg, logger, closer, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	redisClient := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, redisClient); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, /healthz cannot see the worker")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return redisClient
}

// workerHealth reads the worker heartbeat the worker process writes to
// Redis. Without Redis the API only reports its own liveness.
func workerHealth(cfg *config.Config, client *redis.Client) api.HealthChecker {
	if client == nil {
		return nil
	}
	store := repository.NewRedisHeartbeatStore(client, 2*cfg.Monitoring.HeartbeatStaleAfter)
	return status.NewMonitor(store, cfg.Worker.ID, cfg.Monitoring.HeartbeatStaleAfter)
}

func initNotifier(cfg *config.Config, db *database.DB, bus *events.EventBus, logger *zerolog.Logger) {
	if cfg.Telegram.BotToken == "" {
		return
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.Telegram.BotToken)
	if err != nil {
		logger.Warn().Err(err).Msg("telegram bot init failed, owner notifications disabled")
		return
	}
	notify.NewTelegramNotifier(botAPI, db, logger).Subscribe(bus)
}
