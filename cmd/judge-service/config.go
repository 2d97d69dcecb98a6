package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"judgeflow/internal/common/cache"
	"judgeflow/internal/common/db"
	"judgeflow/internal/common/http/middleware"
	"judgeflow/internal/common/mq"
	"judgeflow/internal/common/storage"
	"judgeflow/pkg/utils/logger"

	"github.com/segmentio/kafka-go"
	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8085"
	defaultReadTimeout     = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultTokenTTL        = 30 * time.Minute
	defaultResultTTL       = 24 * time.Hour
	defaultSandboxTimeout  = 60 * time.Second
	defaultMaxOutputBytes  = 4 << 20

	envWebhookSecret = "JUDGE_WEBHOOK_SECRET"
	envJWTSecret     = "JUDGE_JWT_SECRET"
	envRedisPassword = "JUDGE_REDIS_PASSWORD"
)

// Executor kinds for the sandbox section.
const (
	executorHTTP    = "http"
	executorCommand = "command"
)

// ServerConfig holds HTTP server settings. WriteTimeout stays 0 by default
// because notification streams are long lived.
type ServerConfig struct {
	Addr         string                `yaml:"addr"`
	ReadTimeout  time.Duration         `yaml:"readTimeout"`
	WriteTimeout time.Duration         `yaml:"writeTimeout"`
	IdleTimeout  time.Duration         `yaml:"idleTimeout"`
	CORS         middleware.CORSConfig `yaml:"cors"`
	RateLimit    RateLimitConfig       `yaml:"rateLimit"`
}

// RateLimitConfig holds fixed-window limits for the write endpoints.
type RateLimitConfig struct {
	Window       time.Duration              `yaml:"window"`
	RedisTimeout time.Duration              `yaml:"redisTimeout"`
	Create       middleware.RateLimitPolicy `yaml:"create"`
	Webhook      middleware.RateLimitPolicy `yaml:"webhook"`
}

// KafkaConfig holds the operator channels. Without brokers nothing is published.
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers"`
	ClientID        string        `yaml:"clientID"`
	BatchSize       int           `yaml:"batchSize"`
	BatchTimeout    time.Duration `yaml:"batchTimeout"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	RequiredAcks    int           `yaml:"requiredAcks"`
	StatusTopic     string        `yaml:"statusTopic"`
	DeadLetterTopic string        `yaml:"deadLetterTopic"`
}

// WebhookConfig holds completion webhook settings.
type WebhookConfig struct {
	Secret   string        `yaml:"secret"`
	BaseURL  string        `yaml:"baseURL"`
	TokenTTL time.Duration `yaml:"tokenTTL"`
	MaxSkew  time.Duration `yaml:"maxSkew"`
	Timeout  time.Duration `yaml:"timeout"`
	// External leaves completion to the sandbox side: workers stage the
	// outcome and the signed webhook call finalizes it.
	External bool `yaml:"external"`
}

// SandboxConfig holds sandbox execution settings.
type SandboxConfig struct {
	TempRoot       string        `yaml:"tempRoot"`
	Executor       string        `yaml:"executor"`
	Endpoint       string        `yaml:"endpoint"`
	Command        string        `yaml:"command"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxOutputBytes int           `yaml:"maxOutputBytes"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	LockDuration    time.Duration `yaml:"lockDuration"`
	PollInterval    time.Duration `yaml:"pollInterval"`
	ReclaimInterval time.Duration `yaml:"reclaimInterval"`
}

// QueueConfig holds the durable queue settings.
type QueueConfig struct {
	Topic         string           `yaml:"topic"`
	KeyPrefix     string           `yaml:"keyPrefix"`
	Attempts      int              `yaml:"attempts"`
	Backoff       mq.BackoffPolicy `yaml:"backoff"`
	KeepCompleted int              `yaml:"keepCompleted"`
	KeepFailed    int              `yaml:"keepFailed"`
	Timeout       time.Duration    `yaml:"timeout"`
}

// StreamConfig holds live notification settings.
type StreamConfig struct {
	JWTSecret      string        `yaml:"jwtSecret"`
	JWTIssuer      string        `yaml:"jwtIssuer"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	MaxConnections int           `yaml:"maxConnections"`
}

// StaticConfig holds artifact storage settings. Without a MinIO endpoint
// artifacts are kept under Root on local disk.
type StaticConfig struct {
	Root                 string `yaml:"root"`
	Prefix               string `yaml:"prefix"`
	CompressionThreshold int    `yaml:"compressionThreshold"`
}

// ResultConfig holds result persistence settings.
type ResultConfig struct {
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// AppConfig holds judge-service config.
type AppConfig struct {
	Server   ServerConfig        `yaml:"server"`
	Logger   logger.Config       `yaml:"logger"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Database db.MySQLConfig      `yaml:"database"`
	MinIO    storage.MinIOConfig `yaml:"minio"`
	Kafka    KafkaConfig         `yaml:"kafka"`
	Webhook  WebhookConfig       `yaml:"webhook"`
	Sandbox  SandboxConfig       `yaml:"sandbox"`
	Worker   WorkerConfig        `yaml:"worker"`
	Queue    QueueConfig         `yaml:"queue"`
	Stream   StreamConfig        `yaml:"stream"`
	Static   StaticConfig        `yaml:"static"`
	Result   ResultConfig        `yaml:"result"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	if cfg.Redis.Address() == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if cfg.Webhook.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if cfg.Stream.JWTSecret == "" {
		return nil, fmt.Errorf("stream jwt secret is required")
	}
	applyRedisDefaults(&cfg.Redis)
	applyServerDefaults(&cfg.Server)

	if cfg.Webhook.TokenTTL <= 0 {
		cfg.Webhook.TokenTTL = defaultTokenTTL
	}
	if cfg.Webhook.Timeout <= 0 {
		cfg.Webhook.Timeout = 10 * time.Second
	}
	if cfg.Result.CacheTTL <= 0 {
		cfg.Result.CacheTTL = defaultResultTTL
	}

	if cfg.Sandbox.TempRoot == "" {
		cfg.Sandbox.TempRoot = os.TempDir()
	}
	cfg.Sandbox.Executor = strings.ToLower(strings.TrimSpace(cfg.Sandbox.Executor))
	if cfg.Sandbox.Executor == "" {
		cfg.Sandbox.Executor = executorHTTP
	}
	switch cfg.Sandbox.Executor {
	case executorHTTP:
		if cfg.Sandbox.Endpoint == "" {
			return nil, fmt.Errorf("sandbox endpoint is required for the http executor")
		}
	case executorCommand:
		if strings.TrimSpace(cfg.Sandbox.Command) == "" {
			return nil, fmt.Errorf("sandbox command is required for the command executor")
		}
	default:
		return nil, fmt.Errorf("unknown sandbox executor %q", cfg.Sandbox.Executor)
	}
	if cfg.Sandbox.Timeout <= 0 {
		cfg.Sandbox.Timeout = defaultSandboxTimeout
	}
	if cfg.Sandbox.MaxOutputBytes <= 0 {
		cfg.Sandbox.MaxOutputBytes = defaultMaxOutputBytes
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.LockDuration <= 0 {
		// A lease shorter than one execution would hand the job to another worker.
		cfg.Worker.LockDuration = cfg.Sandbox.Timeout + 30*time.Second
	}

	defaults := mq.DefaultJobOptions()
	if cfg.Queue.Topic == "" {
		cfg.Queue.Topic = "judge"
	}
	if cfg.Queue.KeyPrefix == "" {
		cfg.Queue.KeyPrefix = "judgeflow:queue"
	}
	if cfg.Queue.Attempts <= 0 {
		cfg.Queue.Attempts = defaults.Attempts
	}
	if cfg.Queue.Backoff.Type == "" {
		cfg.Queue.Backoff.Type = defaults.Backoff.Type
	}
	if cfg.Queue.Backoff.Delay <= 0 {
		cfg.Queue.Backoff.Delay = defaults.Backoff.Delay
	}

	if cfg.Static.Prefix == "" {
		cfg.Static.Prefix = "artifacts"
	}
	if cfg.MinIO.Endpoint == "" && cfg.Static.Root == "" {
		return nil, fmt.Errorf("static root is required without a minio endpoint")
	}

	if cfg.Kafka.StatusTopic == "" {
		cfg.Kafka.StatusTopic = "judge.status.final"
	}
	if cfg.Kafka.DeadLetterTopic == "" {
		cfg.Kafka.DeadLetterTopic = "judge.dead-letter"
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv(envWebhookSecret); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv(envJWTSecret); v != "" {
		cfg.Stream.JWTSecret = v
	}
	if v := os.Getenv(envRedisPassword); v != "" {
		cfg.Redis.Password = v
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = defaultHTTPAddr
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}

func (q QueueConfig) jobOptions() mq.JobOptions {
	return mq.JobOptions{
		Attempts:      q.Attempts,
		Backoff:       q.Backoff,
		KeepCompleted: q.KeepCompleted,
		KeepFailed:    q.KeepFailed,
	}
}

func (w WorkerConfig) workerOptions() mq.WorkerOptions {
	return mq.WorkerOptions{
		Concurrency:     w.Concurrency,
		LockDuration:    w.LockDuration,
		PollInterval:    w.PollInterval,
		ReclaimInterval: w.ReclaimInterval,
	}
}

func (k KafkaConfig) toMQConfig() mq.KafkaConfig {
	return mq.KafkaConfig{
		Brokers:      k.Brokers,
		ClientID:     k.ClientID,
		RequiredAcks: kafka.RequiredAcks(k.RequiredAcks),
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout,
		DialTimeout:  k.DialTimeout,
		WriteTimeout: k.WriteTimeout,
	}
}
