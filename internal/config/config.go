package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Backup     BackupConfig     `yaml:"backup"`
	Redis      RedisConfig      `yaml:"redis"`
	Queue      QueueConfig      `yaml:"queue"`
	Worker     WorkerConfig     `yaml:"worker"`
	Decay      DecayConfig      `yaml:"decay"`
	Variants   VariantsConfig   `yaml:"variants"`
	Signing    SigningConfig    `yaml:"signing"`
	API        APIConfig        `yaml:"api"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	YouTube    YouTubeConfig    `yaml:"youtube"`
	Webhooks   []WebhookConfig  `yaml:"webhooks"`
	Defaults   DefaultsConfig   `yaml:"defaults"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BackupConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	StoragePath   string        `yaml:"storage_path"`
	RetentionDays int           `yaml:"retention_days"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// QueueConfig controls claiming, leasing and retries of publish tasks.
type QueueConfig struct {
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	Upload         RetryConfig   `yaml:"upload"`
	GenericPost    RetryConfig   `yaml:"generic_post"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

type WorkerConfig struct {
	ID                    string        `yaml:"id"`
	TickInterval          time.Duration `yaml:"tick_interval"`
	TickFloor             time.Duration `yaml:"tick_floor"`
	BackgroundJobsEnabled bool          `yaml:"background_jobs_enabled"`
	LeaseSweepInterval    time.Duration `yaml:"lease_sweep_interval"`
	StatsPollInterval     time.Duration `yaml:"stats_poll_interval"`
	DecayInterval         time.Duration `yaml:"decay_interval"`
	VariantInterval       time.Duration `yaml:"variant_interval"`
	RollbackCheckInterval time.Duration `yaml:"rollback_check_interval"`
}

type DecayConfig struct {
	LookbackHours       float64 `yaml:"lookback_hours"`
	MinGrowthPerHour    float64 `yaml:"min_growth_per_hour"`
	MaxImpressionsCap   int64   `yaml:"max_impressions_cap"`
	CooldownHours       float64 `yaml:"cooldown_hours"`
	MaxCandidatesPerRun int     `yaml:"max_candidates_per_run"`
}

type VariantsConfig struct {
	KeepPerPair   int `yaml:"keep_per_pair"`
	PruneMinPosts int `yaml:"prune_min_posts"`
}

type SigningConfig struct {
	ActiveKeyID string            `yaml:"active_key_id"`
	Keys        map[string]string `yaml:"keys"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type MonitoringConfig struct {
	PrometheusEnabled   bool          `yaml:"prometheus_enabled"`
	PrometheusPort      int           `yaml:"prometheus_port"`
	HealthGRPCPort      int           `yaml:"health_grpc_port"`
	HeartbeatStaleAfter time.Duration `yaml:"heartbeat_stale_after"`
}

type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	Debug    bool   `yaml:"debug"`
}

type YouTubeConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	CategoryID   string `yaml:"category_id"`
}

// DefaultsConfig fills payload fields the content record does not carry.
type DefaultsConfig struct {
	PinterestBoardID string `yaml:"pinterest_board_id"`
}

// WebhookConfig routes one platform to an external publishing bridge.
type WebhookConfig struct {
	Platform string        `yaml:"platform"`
	URL      string        `yaml:"url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, fmt.Errorf("config env override failed: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Signing.ActiveKeyID == "" {
		return errors.New("signing.active_key_id is required")
	}
	if key := c.Signing.Keys[c.Signing.ActiveKeyID]; len(key) < 16 {
		return fmt.Errorf("signing key %q must be at least 16 bytes", c.Signing.ActiveKeyID)
	}
	if c.Queue.PublishTimeout >= c.Queue.LeaseDuration {
		return errors.New("queue.publish_timeout must be shorter than queue.lease_duration")
	}
	if c.Decay.MinGrowthPerHour < 0 || c.Decay.MaxImpressionsCap <= 0 {
		return errors.New("decay thresholds must be positive")
	}
	return ValidateWebhooks(c.Webhooks)
}

func ValidateWebhooks(hooks []WebhookConfig) error {
	seen := make(map[string]bool)
	for _, h := range hooks {
		if h.Platform == "" || h.URL == "" {
			return fmt.Errorf("webhook for %q requires platform and url", h.Platform)
		}
		if seen[h.Platform] {
			return fmt.Errorf("duplicate webhook platform: %s", h.Platform)
		}
		seen[h.Platform] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "promoter"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/promoter.db"
	}

	if c.Backup.Interval == 0 {
		c.Backup.Interval = 24 * time.Hour
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "data/backups"
	}

	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = 10 * time.Minute
	}
	if c.Queue.PublishTimeout == 0 {
		c.Queue.PublishTimeout = 2 * time.Minute
	}
	c.Queue.Upload.withDefaults(DefaultUploadRetry)
	c.Queue.GenericPost.withDefaults(DefaultGenericPostRetry)

	if c.Worker.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Worker.ID = host
		} else {
			c.Worker.ID = "worker-1"
		}
	}
	if c.Worker.TickInterval == 0 {
		c.Worker.TickInterval = 5 * time.Second
	}
	if c.Worker.TickFloor == 0 {
		c.Worker.TickFloor = 250 * time.Millisecond
	}
	if c.Worker.LeaseSweepInterval == 0 {
		c.Worker.LeaseSweepInterval = time.Minute
	}
	if c.Worker.StatsPollInterval == 0 {
		c.Worker.StatsPollInterval = 15 * time.Minute
	}
	if c.Worker.DecayInterval == 0 {
		c.Worker.DecayInterval = 30 * time.Minute
	}
	if c.Worker.VariantInterval == 0 {
		c.Worker.VariantInterval = time.Hour
	}
	if c.Worker.RollbackCheckInterval == 0 {
		c.Worker.RollbackCheckInterval = time.Hour
	}

	if c.Decay.LookbackHours == 0 {
		c.Decay.LookbackHours = 24
	}
	if c.Decay.MinGrowthPerHour == 0 {
		c.Decay.MinGrowthPerHour = 5
	}
	if c.Decay.MaxImpressionsCap == 0 {
		c.Decay.MaxImpressionsCap = 5000
	}
	if c.Decay.CooldownHours == 0 {
		c.Decay.CooldownHours = 6
	}
	if c.Decay.MaxCandidatesPerRun == 0 {
		c.Decay.MaxCandidatesPerRun = 20
	}

	if c.Variants.KeepPerPair == 0 {
		c.Variants.KeepPerPair = 5
	}
	if c.Variants.PruneMinPosts == 0 {
		c.Variants.PruneMinPosts = 3
	}

	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Monitoring.HealthGRPCPort == 0 {
		c.Monitoring.HealthGRPCPort = 8081
	}
	if c.Monitoring.HeartbeatStaleAfter == 0 {
		c.Monitoring.HeartbeatStaleAfter = 3 * c.Worker.TickInterval
	}

	if c.YouTube.CategoryID == "" {
		c.YouTube.CategoryID = "22"
	}
}

var (
	DefaultUploadRetry = RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Minute,
		MaxDelay:      30 * time.Minute,
		BackoffFactor: 2,
	}
	DefaultGenericPostRetry = RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  30 * time.Second,
		MaxDelay:      15 * time.Minute,
		BackoffFactor: 2,
	}
)

func (r *RetryConfig) withDefaults(d RetryConfig) {
	if r.MaxAttempts == 0 {
		r.MaxAttempts = d.MaxAttempts
	}
	if r.InitialDelay == 0 {
		r.InitialDelay = d.InitialDelay
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = d.MaxDelay
	}
	if r.BackoffFactor == 0 {
		r.BackoffFactor = d.BackoffFactor
	}
}
